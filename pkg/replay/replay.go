// Package replay reconstructs and re-verifies a kernel run from its
// persisted audit sequence alone. No access to the original action stream,
// anchor registry, or policy table is required: the chain either recomputes
// from genesis or it does not.
package replay

import (
	"fmt"
	"io"
	"os"

	"github.com/acvlabs/watchtower/pkg/audit"
	"github.com/acvlabs/watchtower/pkg/contracts"
)

// Report summarizes an independent verification pass over a persisted run.
type Report struct {
	Entries      int                          `json:"entries"`
	Valid        bool                         `json:"valid"`
	FirstBadSeq  uint64                       `json:"first_bad_seq,omitempty"`
	Reason       string                       `json:"reason,omitempty"`
	HeadHash     string                       `json:"head_hash,omitempty"`
	Actuated     int                          `json:"actuated"`
	Rejected     int                          `json:"rejected"`
	ReasonCounts map[contracts.ReasonCode]int `json:"reason_counts,omitempty"`
}

// Verify recomputes the chain over an ordered entry sequence and tallies
// the decisions it evidences.
func Verify(entries []audit.Entry) Report {
	report := Report{
		Entries:      len(entries),
		ReasonCounts: make(map[contracts.ReasonCode]int),
	}

	chain := audit.VerifyEntries(entries)
	report.Valid = chain.Valid
	report.FirstBadSeq = chain.FirstBadSeq
	report.Reason = chain.Reason

	if len(entries) > 0 {
		report.HeadHash = entries[len(entries)-1].EntryHash
	} else {
		report.HeadHash = audit.GenesisHash
	}

	for _, e := range entries {
		switch e.Decision.Outcome {
		case contracts.OutcomeActuate:
			report.Actuated++
		case contracts.OutcomeReject:
			report.Rejected++
			report.ReasonCounts[e.Decision.ReasonCode]++
		}
	}
	return report
}

// Load reads a persisted JSONL audit stream and verifies it.
func Load(r io.Reader) (Report, error) {
	entries, err := audit.ReadEntries(r)
	if err != nil {
		return Report{}, fmt.Errorf("replay: %w", err)
	}
	return Verify(entries), nil
}

// LoadFile verifies a persisted audit log file.
func LoadFile(path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("replay: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}
