package audit

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acvlabs/watchtower/pkg/contracts"
)

func decision(i int, outcome contracts.Outcome) contracts.KernelDecision {
	return contracts.KernelDecision{
		DecisionID: fmt.Sprintf("dec-%d", i),
		ActionID:   fmt.Sprintf("act-%d", i),
		Outcome:    outcome,
		Stage:      contracts.StageActuated,
	}
}

func populated(t *testing.T, n int) *Log {
	t.Helper()
	log := NewLog().WithClock(func() time.Time { return time.Unix(7000, 0) })
	for i := 0; i < n; i++ {
		_, err := log.Append(decision(i, contracts.OutcomeActuate), fmt.Sprintf("digest-%d", i))
		require.NoError(t, err)
	}
	return log
}

func TestAppendChainsFromGenesis(t *testing.T) {
	log := populated(t, 3)

	first, err := log.Get(1)
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, first.PrevHash)

	second, err := log.Get(2)
	require.NoError(t, err)
	assert.Equal(t, first.EntryHash, second.PrevHash)

	assert.Equal(t, uint64(3), log.Len())
	third, err := log.Get(3)
	require.NoError(t, err)
	assert.Equal(t, third.EntryHash, log.Head())
}

func TestVerifyChainCleanLog(t *testing.T) {
	log := populated(t, 10)
	res := log.VerifyChain()
	assert.True(t, res.Valid)
}

func TestVerifyChainEmptyLog(t *testing.T) {
	assert.True(t, NewLog().VerifyChain().Valid)
}

func TestEntryHashIgnoresWallClock(t *testing.T) {
	// Two logs with different clocks over the same decisions produce the
	// same chain: the timestamp is a field, not hash entropy.
	build := func(at time.Time) Entry {
		log := NewLog().WithClock(func() time.Time { return at })
		e, err := log.Append(decision(1, contracts.OutcomeActuate), "digest")
		require.NoError(t, err)
		return e
	}
	a := build(time.Unix(1000, 0))
	b := build(time.Unix(9999, 0))
	assert.Equal(t, a.EntryHash, b.EntryHash)
	assert.NotEqual(t, a.RecordedAt, b.RecordedAt)
}

func TestTamperedEntryHashDetectedFromThatPointOn(t *testing.T) {
	log := populated(t, 5)
	entries := log.Snapshot()

	entries[2].EntryHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

	res := VerifyEntries(entries)
	require.False(t, res.Valid)
	assert.Equal(t, uint64(3), res.FirstBadSeq)

	// The prefix before the mutation still verifies on its own.
	assert.True(t, VerifyEntries(entries[:2]).Valid)
}

func TestTamperedPrevHashDetected(t *testing.T) {
	log := populated(t, 5)
	entries := log.Snapshot()

	entries[3].PrevHash = entries[1].EntryHash

	res := VerifyEntries(entries)
	require.False(t, res.Valid)
	assert.Equal(t, uint64(4), res.FirstBadSeq)
	assert.True(t, VerifyEntries(entries[:3]).Valid)
}

func TestTamperedDecisionDetected(t *testing.T) {
	log := populated(t, 3)
	entries := log.Snapshot()

	// Rewriting history: flip a logged rejection into an actuation.
	entries[1].Decision.Outcome = contracts.OutcomeReject

	res := VerifyEntries(entries)
	require.False(t, res.Valid)
	assert.Equal(t, uint64(2), res.FirstBadSeq)
}

func TestReorderedEntriesDetected(t *testing.T) {
	log := populated(t, 4)
	entries := log.Snapshot()
	entries[1], entries[2] = entries[2], entries[1]

	res := VerifyEntries(entries)
	require.False(t, res.Valid)
	assert.Equal(t, uint64(3), res.FirstBadSeq)
}

func TestSinkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	log := NewLog().WithSink(&buf)
	for i := 0; i < 4; i++ {
		_, err := log.Append(decision(i, contracts.OutcomeReject), fmt.Sprintf("digest-%d", i))
		require.NoError(t, err)
	}

	loaded, err := ReadEntries(&buf)
	require.NoError(t, err)
	require.Len(t, loaded, 4)
	assert.Equal(t, log.Snapshot(), loaded)
	assert.True(t, VerifyEntries(loaded).Valid)
}

func TestReadEntriesRejectsGarbage(t *testing.T) {
	_, err := ReadEntries(bytes.NewReader([]byte("{\"sequence_num\":1}\nnot-json\n")))
	assert.Error(t, err)
}
