// Package commitment implements the commit half of the Anchor-Commit-Verify
// protocol: hiding commitments over canonically serialized action payloads,
// opened later by revealing the payload and nonce.
package commitment

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/acvlabs/watchtower/pkg/canonicalize"
)

// NonceSize is the fixed length of commitment nonces in bytes.
const NonceSize = 32

// commitDomain separates commitment digests from every other hashing context.
const commitDomain = "watchtower:commit:v1"

// Scheme identifiers. A commitment records which hash function produced its
// payload digest so verifiers can recompute it.
const (
	SchemeSHA256  = "sha256-v1"
	SchemeBLAKE2b = "blake2b-v1"
)

var (
	// ErrMalformedPayload indicates the payload cannot be canonically
	// serialized and therefore cannot be committed to.
	ErrMalformedPayload = errors.New("commitment: payload cannot be canonically serialized")

	// ErrUnknownScheme indicates an unregistered scheme identifier.
	ErrUnknownScheme = errors.New("commitment: unknown scheme id")

	// ErrBadNonce indicates a nonce of the wrong length.
	ErrBadNonce = errors.New("commitment: nonce must be exactly NonceSize bytes")
)

// schemes maps a scheme id to its digest function. Both produce 32-byte
// digests so commitments are structurally interchangeable across schemes.
var schemes = map[string]func([]byte) [32]byte{
	SchemeSHA256:  sha256.Sum256,
	SchemeBLAKE2b: blake2b.Sum256,
}

// Commitment binds a hidden payload to a nonce under a named hash scheme.
// PayloadHash = H(domain ‖ nonce ‖ canonical payload bytes). Immutable once
// created.
type Commitment struct {
	SchemeID    string `json:"scheme_id"`
	Nonce       []byte `json:"nonce"`
	PayloadHash string `json:"payload_hash"`
}

// GenerateNonce returns a fresh NonceSize-byte random nonce.
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("commitment: nonce generation failed: %w", err)
	}
	return nonce, nil
}

// Create builds a commitment over payload using the given nonce and scheme.
// The payload is canonicalized (RFC 8785) before hashing so the digest is a
// pure function of the payload's value, not its Go representation.
func Create(schemeID string, payload any, nonce []byte) (Commitment, error) {
	digestFn, ok := schemes[schemeID]
	if !ok {
		return Commitment{}, fmt.Errorf("%w: %q", ErrUnknownScheme, schemeID)
	}
	if len(nonce) != NonceSize {
		return Commitment{}, fmt.Errorf("%w: got %d", ErrBadNonce, len(nonce))
	}

	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return Commitment{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	sum := digestFn(hashInput(nonce, canonical))
	return Commitment{
		SchemeID:    schemeID,
		Nonce:       append([]byte(nil), nonce...),
		PayloadHash: hex.EncodeToString(sum[:]),
	}, nil
}

// VerifyFormat performs a structural check only: known scheme, well-formed
// nonce and digest. It says nothing about whether a reveal would succeed.
func VerifyFormat(c Commitment) bool {
	if _, ok := schemes[c.SchemeID]; !ok {
		return false
	}
	if len(c.Nonce) != NonceSize {
		return false
	}
	raw, err := hex.DecodeString(c.PayloadHash)
	return err == nil && len(raw) == sha256.Size
}

// VerifyReveal recomputes the payload digest from the revealed payload and
// nonce and compares it to the commitment in constant time. A mismatch is an
// expected outcome, reported as false, never as an error.
func VerifyReveal(c Commitment, revealedPayload any, revealedNonce []byte) bool {
	digestFn, ok := schemes[c.SchemeID]
	if !ok || len(revealedNonce) != NonceSize {
		return false
	}
	canonical, err := canonicalize.JCS(revealedPayload)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(c.PayloadHash)
	if err != nil {
		return false
	}
	sum := digestFn(hashInput(revealedNonce, canonical))
	return subtle.ConstantTimeCompare(sum[:], expected) == 1
}

// Digest returns the content identity of the commitment itself, used as a
// Merkle leaf and in coupling bindings.
func (c Commitment) Digest() string {
	return canonicalize.DomainHash(commitDomain+":id", []byte(c.SchemeID), c.Nonce, []byte(c.PayloadHash))
}

func hashInput(nonce, canonical []byte) []byte {
	buf := make([]byte, 0, len(commitDomain)+1+len(nonce)+len(canonical))
	buf = append(buf, commitDomain...)
	buf = append(buf, 0)
	buf = append(buf, nonce...)
	buf = append(buf, canonical...)
	return buf
}

// NonceTracker records every nonce observed by a kernel run so that nonce
// reuse across proposals can be detected.
type NonceTracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewNonceTracker creates an empty tracker scoped to one kernel run.
func NewNonceTracker() *NonceTracker {
	return &NonceTracker{seen: make(map[string]struct{})}
}

// Seen reports whether the nonce has already been observed, without
// recording it. Callers that must not burn a nonce on an otherwise-invalid
// submission check first and Observe only on acceptance.
func (t *NonceTracker) Seen(nonce []byte) bool {
	key := hex.EncodeToString(nonce)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, dup := t.seen[key]
	return dup
}

// Observe records the nonce and reports whether it was fresh. A second
// observation of the same nonce returns false.
func (t *NonceTracker) Observe(nonce []byte) bool {
	key := hex.EncodeToString(nonce)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.seen[key]; dup {
		return false
	}
	t.seen[key] = struct{}{}
	return true
}

// Len reports how many distinct nonces have been observed.
func (t *NonceTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
