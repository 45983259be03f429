package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acvlabs/watchtower/pkg/audit"
	"github.com/acvlabs/watchtower/pkg/contracts"
)

func persistedRun(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	log := audit.NewLog().WithSink(&buf)

	for i := 0; i < 3; i++ {
		d := contracts.KernelDecision{
			DecisionID: fmt.Sprintf("dec-%d", i),
			ActionID:   fmt.Sprintf("act-%d", i),
			Outcome:    contracts.OutcomeActuate,
			Stage:      contracts.StageActuated,
		}
		_, err := log.Append(d, fmt.Sprintf("digest-%d", i))
		require.NoError(t, err)
	}
	_, err := log.Append(contracts.KernelDecision{
		DecisionID: "dec-3",
		ActionID:   "act-3",
		Outcome:    contracts.OutcomeReject,
		Stage:      contracts.StageRejected,
		ReasonCode: contracts.ReasonAnchorReused,
	}, "digest-3")
	require.NoError(t, err)

	return &buf
}

func TestLoadVerifiesPersistedRun(t *testing.T) {
	report, err := Load(persistedRun(t))
	require.NoError(t, err)

	assert.True(t, report.Valid)
	assert.Equal(t, 4, report.Entries)
	assert.Equal(t, 3, report.Actuated)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.ReasonCounts[contracts.ReasonAnchorReused])
	assert.NotEmpty(t, report.HeadHash)
}

func TestLoadDetectsTampering(t *testing.T) {
	buf := persistedRun(t)

	entries, err := audit.ReadEntries(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	// Flip a persisted rejection into an actuation, re-serialize, re-verify.
	entries[3].Decision.Outcome = contracts.OutcomeActuate
	entries[3].Decision.ReasonCode = contracts.ReasonNone

	var tampered bytes.Buffer
	for _, e := range entries {
		line, err := json.Marshal(e)
		require.NoError(t, err)
		tampered.Write(append(line, '\n'))
	}

	report, err := Load(&tampered)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, uint64(4), report.FirstBadSeq)
}

func TestVerifyEmptyRun(t *testing.T) {
	report := Verify(nil)
	assert.True(t, report.Valid)
	assert.Equal(t, audit.GenesisHash, report.HeadHash)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile("/nonexistent/audit.jsonl")
	assert.Error(t, err)
}
