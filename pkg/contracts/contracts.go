// Package contracts holds the shared data contracts exchanged between the
// kernel and its collaborators: action requests in, kernel decisions and
// actuation certificates out.
package contracts

import (
	"time"

	"github.com/acvlabs/watchtower/pkg/coupling"
	"github.com/acvlabs/watchtower/pkg/delegation"
)

// Action is a proposed agent action. Intent is the verb the policy table
// classifies on (e.g. "fs.write"); Params carry the verb-specific arguments.
type Action struct {
	ID     string         `json:"id"`
	Actor  string         `json:"actor"`
	Intent string         `json:"intent"`
	Target string         `json:"target"`
	Params map[string]any `json:"params,omitempty"`
}

// ActionRequest is the inbound envelope a proposing collaborator submits:
// the action, its ACV witness, and the delegation chain backing the actor's
// authority.
type ActionRequest struct {
	Action          Action           `json:"action"`
	Witness         coupling.Witness `json:"coupling_witness"`
	DelegationChain delegation.Chain `json:"delegation_chain,omitempty"`
}

// Outcome is the terminal verdict of one watchdog cycle.
type Outcome string

const (
	OutcomeActuate Outcome = "ACTUATE"
	OutcomeReject  Outcome = "REJECT"
)

// Stage records how far a request progressed before reaching its verdict.
type Stage string

const (
	StageRequested        Stage = "REQUESTED"
	StagePolicyChecked    Stage = "POLICY_CHECKED"
	StageCouplingChecked  Stage = "COUPLING_CHECKED"
	StageActuationChecked Stage = "ACTUATION_CHECKED"
	StageActuated         Stage = "ACTUATED"
	StageRejected         Stage = "REJECTED"
)

// ReasonCode identifies why a request was rejected. Values align with the
// reason strings produced by the coupling verifier and delegation checks so
// they pass through unmangled into audit entries.
type ReasonCode string

const (
	ReasonNone               ReasonCode = ""
	ReasonMalformedInput     ReasonCode = "MALFORMED_INPUT"
	ReasonForbiddenAction    ReasonCode = "FORBIDDEN_ACTION"
	ReasonStaleAnchor        ReasonCode = "STALE_ANCHOR"
	ReasonAnchorReused       ReasonCode = "ANCHOR_REUSED"
	ReasonUnknownAnchor      ReasonCode = "UNKNOWN_ANCHOR"
	ReasonWitnessIncomplete  ReasonCode = "WITNESS_INCOMPLETE"
	ReasonBadCommitment      ReasonCode = "BAD_COMMITMENT_FORMAT"
	ReasonNonceReused        ReasonCode = "NONCE_REUSED"
	ReasonRevealMismatch     ReasonCode = "REVEAL_MISMATCH"
	ReasonBindingMismatch    ReasonCode = "BINDING_MISMATCH"
	ReasonMerkleInvalid      ReasonCode = "MERKLE_PROOF_INVALID"
	ReasonRootNotAnchored    ReasonCode = "ROOT_NOT_ANCHORED"
	ReasonChainDiscontinuity ReasonCode = "CHAIN_DISCONTINUITY"
	ReasonUnknownCoupling    ReasonCode = "UNKNOWN_COUPLING_TYPE"
	ReasonBrokenChain        ReasonCode = "BROKEN_CHAIN"
	ReasonScopeEscalation    ReasonCode = "SCOPE_ESCALATION"
	ReasonIdentityMismatch   ReasonCode = "IDENTITY_MISMATCH"
	ReasonTimeout            ReasonCode = "TIMEOUT"
	ReasonRateLimited        ReasonCode = "RATE_LIMITED"
	ReasonKernelHalted       ReasonCode = "KERNEL_HALTED"
)

// ActuationCertificate is the kernel's proof that it approved an action.
// Immutable once issued; referenced by exactly one audit entry.
type ActuationCertificate struct {
	CertificateID       string    `json:"certificate_id"`
	ActionID            string    `json:"action_id"`
	PolicyResult        string    `json:"policy_result"`
	CouplingResult      string    `json:"coupling_result"`
	DelegationChainHash string    `json:"delegation_chain_hash"`
	IssuedAt            time.Time `json:"issued_at"`
}

// KernelDecision is the sole externally observable result of a watchdog
// cycle. Certificate is set only on ACTUATE.
type KernelDecision struct {
	DecisionID  string                `json:"decision_id"`
	ActionID    string                `json:"action_id"`
	Outcome     Outcome               `json:"outcome"`
	Stage       Stage                 `json:"stage"`
	AnchorID    uint64                `json:"anchor_id,omitempty"`
	ReasonCode  ReasonCode            `json:"reason_code,omitempty"`
	Detail      string                `json:"detail,omitempty"`
	Certificate *ActuationCertificate `json:"certificate,omitempty"`
}
