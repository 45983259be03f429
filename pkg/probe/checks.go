package probe

import (
	"context"
	"fmt"

	"github.com/acvlabs/watchtower/pkg/audit"
	"github.com/acvlabs/watchtower/pkg/contracts"
)

// ChainIntegrityProbe re-verifies the audit chain from genesis. A violation
// here is fatal to trust in the run.
type ChainIntegrityProbe struct{}

func (ChainIntegrityProbe) ID() string { return "audit-chain-integrity" }

func (ChainIntegrityProbe) Run(_ context.Context, snap *Snapshot) Result {
	res := audit.VerifyEntries(snap.Entries)
	if res.Valid {
		return Result{ProbeID: "audit-chain-integrity"}
	}
	return Result{
		ProbeID:  "audit-chain-integrity",
		Violated: true,
		Evidence: []string{fmt.Sprintf("chain breaks at sequence %d: %s", res.FirstBadSeq, res.Reason)},
	}
}

// AnchorReuseProbe scans history for an anchor credited to more than one
// actuated decision, and for actuations whose anchor the registry never
// recorded as consumed. Either means the single-use invariant slipped.
type AnchorReuseProbe struct{}

func (AnchorReuseProbe) ID() string { return "anchor-single-use" }

func (AnchorReuseProbe) Run(_ context.Context, snap *Snapshot) Result {
	consumed := make(map[uint64]struct{}, len(snap.Anchors.ConsumedIDs))
	for _, id := range snap.Anchors.ConsumedIDs {
		consumed[id] = struct{}{}
	}

	seen := make(map[uint64]string)
	var evidence []string
	for _, e := range snap.Entries {
		d := e.Decision
		if d.Outcome != contracts.OutcomeActuate || d.AnchorID == 0 {
			continue
		}
		if firstAction, dup := seen[d.AnchorID]; dup {
			evidence = append(evidence, fmt.Sprintf(
				"anchor %d actuated for both action %s and action %s", d.AnchorID, firstAction, d.ActionID))
		} else {
			seen[d.AnchorID] = d.ActionID
		}
		if _, ok := consumed[d.AnchorID]; !ok {
			evidence = append(evidence, fmt.Sprintf(
				"anchor %d actuated action %s but is not marked consumed", d.AnchorID, d.ActionID))
		}
	}
	return Result{ProbeID: "anchor-single-use", Violated: len(evidence) > 0, Evidence: evidence}
}

// PolicyDriftProbe checks that no actuated decision carries a certificate
// whose policy class is in the forbidden set. A hit means the policy gate
// was bypassed or the table drifted mid-run.
type PolicyDriftProbe struct{}

func (PolicyDriftProbe) ID() string { return "policy-drift" }

func (PolicyDriftProbe) Run(_ context.Context, snap *Snapshot) Result {
	var evidence []string
	for _, e := range snap.Entries {
		d := e.Decision
		if d.Outcome != contracts.OutcomeActuate {
			continue
		}
		if d.Certificate == nil {
			evidence = append(evidence, fmt.Sprintf("action %s actuated without a certificate", d.ActionID))
			continue
		}
		if _, bad := snap.ForbiddenClasses[d.Certificate.PolicyResult]; bad {
			evidence = append(evidence, fmt.Sprintf(
				"action %s actuated with forbidden class %q under policy %s",
				d.ActionID, d.Certificate.PolicyResult, snap.PolicyVersion))
		}
	}
	return Result{ProbeID: "policy-drift", Violated: len(evidence) > 0, Evidence: evidence}
}
