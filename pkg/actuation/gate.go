// Package actuation implements the final gate before an action may touch
// the world: delegation chain validation over an already-verified coupling
// result, and issuance of the actuation certificate that proves the kernel
// approved the action.
package actuation

import (
	"time"

	"github.com/google/uuid"

	"github.com/acvlabs/watchtower/pkg/contracts"
	"github.com/acvlabs/watchtower/pkg/coupling"
	"github.com/acvlabs/watchtower/pkg/delegation"
)

// Gate validates delegation chains and issues certificates. It is pure
// given its inputs: the single-use anchor consumption already happened
// upstream in the coupling verifier.
type Gate struct {
	maxDepth int
	clock    func() time.Time
}

// NewGate creates a gate with the given delegation depth bound.
func NewGate(maxDepth int) *Gate {
	if maxDepth <= 0 {
		maxDepth = delegation.DefaultMaxDepth
	}
	return &Gate{maxDepth: maxDepth, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// MaxDepth returns the configured delegation depth bound.
func (g *Gate) MaxDepth() int { return g.maxDepth }

// Evaluate runs the delegation checks for the action and, on success, issues
// a certificate binding the policy class, the coupling witness hash, and the
// delegation chain hash to the action.
//
// The coupling result must already have passed; a failed result is refused
// here rather than trusted, so a caller bug cannot mint a certificate from
// rejected evidence.
func (g *Gate) Evaluate(action contracts.Action, policyClass string, couplingRes coupling.Result, chain delegation.Chain) (*contracts.ActuationCertificate, contracts.ReasonCode, string) {
	if !couplingRes.Passed {
		reason := contracts.ReasonCode(couplingRes.Reason)
		if reason == contracts.ReasonNone {
			reason = contracts.ReasonWitnessIncomplete
		}
		return nil, reason, "coupling result did not pass"
	}

	if check := delegation.Validate(chain, action.Actor, g.maxDepth); !check.OK {
		return nil, contracts.ReasonCode(check.Reason), check.Detail
	}

	chainHash, err := chain.Hash()
	if err != nil {
		return nil, contracts.ReasonMalformedInput, err.Error()
	}

	cert := &contracts.ActuationCertificate{
		CertificateID:       uuid.New().String(),
		ActionID:            action.ID,
		PolicyResult:        policyClass,
		CouplingResult:      couplingRes.WitnessHash,
		DelegationChainHash: chainHash,
		IssuedAt:            g.clock().UTC(),
	}
	return cert, contracts.ReasonNone, ""
}
