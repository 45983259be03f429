// Package coupling implements the verify half of the Anchor-Commit-Verify
// protocol: three binding patterns that tie a commitment, a freshness
// anchor, and (for the batched patterns) a Merkle opening into one
// verifiable witness.
//
// Pattern A binds a single commitment directly to an anchor. Pattern B binds
// the commitment into an anchored Merkle batch, defeating after-the-fact
// insertion. Pattern C additionally chains each witness to the proposer's
// previous accepted witness, defeating reordering and resume-from-arbitrary-
// point replays.
package coupling

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/acvlabs/watchtower/pkg/anchor"
	"github.com/acvlabs/watchtower/pkg/canonicalize"
	"github.com/acvlabs/watchtower/pkg/commitment"
	"github.com/acvlabs/watchtower/pkg/merkle"
)

// Type tags the binding pattern a witness claims. Verification dispatches on
// the tag; fields not required by the tag are ignored.
type Type string

const (
	TypeA Type = "A"
	TypeB Type = "B"
	TypeC Type = "C"
)

// Hashing contexts.
const (
	bindingDomain = "watchtower:couple:binding:v1"
	chainDomain   = "watchtower:couple:chain:v1"
	witnessDomain = "watchtower:couple:witness:v1"
)

// Verification reasons. Staleness and reuse stay distinct (the probe engine
// depends on telling them apart), as do the several structural failures.
const (
	ReasonStaleAnchor        = "STALE_ANCHOR"
	ReasonAnchorReused       = "ANCHOR_REUSED"
	ReasonUnknownAnchor      = "UNKNOWN_ANCHOR"
	ReasonWitnessIncomplete  = "WITNESS_INCOMPLETE"
	ReasonBadCommitment      = "BAD_COMMITMENT_FORMAT"
	ReasonNonceReused        = "NONCE_REUSED"
	ReasonBindingMismatch    = "BINDING_MISMATCH"
	ReasonMerkleInvalid      = "MERKLE_PROOF_INVALID"
	ReasonRootNotAnchored    = "ROOT_NOT_ANCHORED"
	ReasonChainDiscontinuity = "CHAIN_DISCONTINUITY"
	ReasonUnknownType        = "UNKNOWN_COUPLING_TYPE"
)

// Witness is the proposer-supplied evidence consumed exactly once by Verify.
// Which fields must be present depends on Type.
type Witness struct {
	Type            Type                  `json:"coupling_type"`
	ProposerID      string                `json:"proposer_id"`
	Commitment      commitment.Commitment `json:"commitment"`
	AnchorID        uint64                `json:"anchor_id"`
	Binding         string                `json:"binding,omitempty"`
	Root            string                `json:"root,omitempty"`
	Opening         *merkle.Opening       `json:"merkle_opening,omitempty"`
	PrevWitnessHash string                `json:"prev_witness_hash,omitempty"`
}

// Hash returns the witness's content identity. For pattern C this value is
// what the proposer's next witness must chain to.
func (w Witness) Hash() (string, error) {
	h, err := canonicalize.CanonicalHash(struct {
		Domain  string  `json:"domain"`
		Witness Witness `json:"witness"`
	}{witnessDomain, w})
	if err != nil {
		return "", fmt.Errorf("coupling: witness hash failed: %w", err)
	}
	return h, nil
}

// Result reports pass/fail with a machine-readable reason. WitnessHash is
// populated on success so callers can thread pattern-C chains.
type Result struct {
	Passed      bool   `json:"passed"`
	Reason      string `json:"reason,omitempty"`
	WitnessHash string `json:"witness_hash,omitempty"`
}

func fail(reason string) Result { return Result{Passed: false, Reason: reason} }

// BindingValue computes the pattern-A binding the proposer must reveal:
// H(payload_hash ‖ anchor_id) under the binding domain.
func BindingValue(payloadHash string, anchorID uint64) string {
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], anchorID)
	return canonicalize.DomainHash(bindingDomain, []byte(payloadHash), idBytes[:])
}

// ChainLeaf computes the pattern-C leaf encoding: the previous witness hash
// folded into the commitment digest. An empty previous hash denotes the
// start of a proposer's chain.
func ChainLeaf(prevWitnessHash, commitmentDigest string) string {
	return canonicalize.DomainHash(chainDomain, []byte(prevWitnessHash), []byte(commitmentDigest))
}

// Verifier checks coupling witnesses against one kernel run's anchor
// registry. It owns the batch-root anchoring table, each proposer's chain
// head, and the run's nonce tracker; all three live and die with the run.
type Verifier struct {
	mu            sync.Mutex
	registry      *anchor.Registry
	anchoredRoots map[string]uint64
	chainHeads    map[string]string
	nonces        *commitment.NonceTracker
}

// NewVerifier creates a verifier bound to the run's anchor registry.
func NewVerifier(reg *anchor.Registry) *Verifier {
	return &Verifier{
		registry:      reg,
		anchoredRoots: make(map[string]uint64),
		chainHeads:    make(map[string]string),
		nonces:        commitment.NewNonceTracker(),
	}
}

// AnchorRoot publishes a Merkle root under a live anchor ahead of any
// reveal. Pattern B and C witnesses over this root must name the same
// anchor. Publishing against a consumed or stale anchor is refused.
func (v *Verifier) AnchorRoot(root string, anchorID uint64) error {
	if root == "" {
		return fmt.Errorf("coupling: cannot anchor empty root")
	}
	if !v.registry.IsLive(anchorID) {
		return fmt.Errorf("coupling: anchor %d is not live", anchorID)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if bound, exists := v.anchoredRoots[root]; exists && bound != anchorID {
		return fmt.Errorf("coupling: root already anchored under anchor %d", bound)
	}
	v.anchoredRoots[root] = anchorID
	return nil
}

// ChainHead returns the hash of the proposer's last accepted witness, empty
// if none has been accepted yet.
func (v *Verifier) ChainHead(proposerID string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.chainHeads[proposerID]
}

// Verify checks the witness according to its declared type and, when every
// structural and binding check passes, consumes the named anchor. The
// anchor is burned only on an otherwise-valid witness, so a malformed
// submission cannot deny a later honest one. Structurally missing fields
// are verification failures, never panics.
func (v *Verifier) Verify(w Witness) Result {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !commitment.VerifyFormat(w.Commitment) {
		return fail(ReasonBadCommitment)
	}
	// Nonces are single-use across the whole run, not just per anchor: two
	// proposals committed under the same nonce are a replay even when each
	// names a fresh anchor. An exact witness replay also names a consumed
	// anchor; that case keeps its anchor-reuse attribution.
	if v.nonces.Seen(w.Commitment.Nonce) && v.registry.Peek(w.AnchorID) != anchor.StatusReused {
		return fail(ReasonNonceReused)
	}

	switch w.Type {
	case TypeA:
		if w.Binding == "" {
			return fail(ReasonWitnessIncomplete)
		}
		if BindingValue(w.Commitment.PayloadHash, w.AnchorID) != w.Binding {
			return fail(ReasonBindingMismatch)
		}
	case TypeB:
		if res := v.verifyBatched(w, w.Commitment.Digest()); !res.Passed {
			return res
		}
	case TypeC:
		if w.ProposerID == "" {
			return fail(ReasonWitnessIncomplete)
		}
		head := v.chainHeads[w.ProposerID]
		if w.PrevWitnessHash != head {
			return fail(ReasonChainDiscontinuity)
		}
		if res := v.verifyBatched(w, ChainLeaf(w.PrevWitnessHash, w.Commitment.Digest())); !res.Passed {
			return res
		}
	default:
		return fail(ReasonUnknownType)
	}

	switch v.registry.Consume(w.AnchorID) {
	case anchor.StatusFresh:
		// fall through to acceptance
	case anchor.StatusStale:
		return fail(ReasonStaleAnchor)
	case anchor.StatusReused:
		return fail(ReasonAnchorReused)
	default:
		return fail(ReasonUnknownAnchor)
	}
	// The nonce burns with the anchor: only an accepted witness spends it.
	v.nonces.Observe(w.Commitment.Nonce)

	hash, err := w.Hash()
	if err != nil {
		return fail(ReasonWitnessIncomplete)
	}
	if w.Type == TypeC {
		v.chainHeads[w.ProposerID] = hash
	}
	return Result{Passed: true, WitnessHash: hash}
}

// verifyBatched covers the Merkle obligations shared by patterns B and C:
// the expected leaf must open under the witness root, and the root must have
// been anchored to the same anchor the witness names.
func (v *Verifier) verifyBatched(w Witness, expectedLeaf string) Result {
	if w.Root == "" || w.Opening == nil {
		return fail(ReasonWitnessIncomplete)
	}
	if w.Opening.Leaf != expectedLeaf {
		return fail(ReasonMerkleInvalid)
	}
	if !merkle.VerifyOpening(w.Root, *w.Opening) {
		return fail(ReasonMerkleInvalid)
	}
	boundAnchor, ok := v.anchoredRoots[w.Root]
	if !ok || boundAnchor != w.AnchorID {
		return fail(ReasonRootNotAnchored)
	}
	return Result{Passed: true}
}
