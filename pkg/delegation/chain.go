// Package delegation models authority delegation chains and their
// validation: depth-bounded (K4), monotonically scope-narrowing (K5), and
// terminating at the acting identity (K6).
package delegation

import (
	"fmt"

	"github.com/acvlabs/watchtower/pkg/canonicalize"
)

// DefaultMaxDepth bounds how many hops authority may travel from its
// original holder.
const DefaultMaxDepth = 4

const chainDomain = "watchtower:delegation:v1"

// Check failure reasons.
const (
	ReasonBrokenChain      = "BROKEN_CHAIN"
	ReasonScopeEscalation  = "SCOPE_ESCALATION"
	ReasonIdentityMismatch = "IDENTITY_MISMATCH"
)

// Entry is one hop: delegator hands a (possibly narrowed) scope to delegate.
// Depth is 1-based position in the chain.
type Entry struct {
	DelegatorID string   `json:"delegator_id"`
	DelegateID  string   `json:"delegate_id"`
	Scope       []string `json:"scope"`
	Depth       int      `json:"depth"`
}

// Chain is an ordered sequence of delegation hops.
type Chain []Entry

// Hash returns the chain's content identity for certificate binding.
func (c Chain) Hash() (string, error) {
	h, err := canonicalize.CanonicalHash(struct {
		Domain  string `json:"domain"`
		Entries Chain  `json:"entries"`
	}{chainDomain, c})
	if err != nil {
		return "", fmt.Errorf("delegation: chain hash failed: %w", err)
	}
	return h, nil
}

// CheckResult reports chain validation. Detail carries the human-readable
// specifics behind the machine reason.
type CheckResult struct {
	OK     bool
	Reason string
	Detail string
}

func reject(reason, detail string) CheckResult {
	return CheckResult{OK: false, Reason: reason, Detail: detail}
}

// Validate runs the K4/K5/K6 checks in order. An empty chain means the
// claimed actor acts on its own original authority and passes.
//
//	K4: length bound and hop-to-hop continuity
//	K5: each hop's scope is a subset of its delegator's scope
//	K6: the terminal delegate is the claimed actor
func Validate(chain Chain, claimedActor string, maxDepth int) CheckResult {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if len(chain) == 0 {
		return CheckResult{OK: true}
	}

	if len(chain) > maxDepth {
		return reject(ReasonBrokenChain, fmt.Sprintf("delegation depth %d exceeds max %d", len(chain), maxDepth))
	}

	for i, e := range chain {
		if e.DelegatorID == "" || e.DelegateID == "" {
			return reject(ReasonBrokenChain, fmt.Sprintf("hop %d has empty identity", i))
		}
		if e.Depth != i+1 {
			return reject(ReasonBrokenChain, fmt.Sprintf("hop %d declares depth %d", i, e.Depth))
		}
		if i > 0 {
			prev := chain[i-1]
			if prev.DelegateID != e.DelegatorID {
				return reject(ReasonBrokenChain,
					fmt.Sprintf("hop %d delegator %q does not continue from %q", i, e.DelegatorID, prev.DelegateID))
			}
			if !subset(e.Scope, prev.Scope) {
				return reject(ReasonScopeEscalation,
					fmt.Sprintf("hop %d widens scope beyond its delegator's grant", i))
			}
		}
	}

	terminal := chain[len(chain)-1].DelegateID
	if terminal != claimedActor {
		return reject(ReasonIdentityMismatch,
			fmt.Sprintf("terminal delegate %q is not the claimed actor %q", terminal, claimedActor))
	}
	return CheckResult{OK: true}
}

func subset(inner, outer []string) bool {
	allowed := make(map[string]struct{}, len(outer))
	for _, s := range outer {
		allowed[s] = struct{}{}
	}
	for _, s := range inner {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}
