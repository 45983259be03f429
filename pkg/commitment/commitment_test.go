package commitment

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload() map[string]any {
	return map[string]any{
		"actor":  "agent-7",
		"intent": "fs.write",
		"target": "/var/data/report.txt",
	}
}

func TestCreateAndReveal(t *testing.T) {
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	c, err := Create(SchemeSHA256, testPayload(), nonce)
	require.NoError(t, err)

	assert.True(t, VerifyFormat(c))
	assert.True(t, VerifyReveal(c, testPayload(), nonce))
}

func TestRevealMismatchIsFalseNotError(t *testing.T) {
	nonce, err := GenerateNonce()
	require.NoError(t, err)
	c, err := Create(SchemeSHA256, testPayload(), nonce)
	require.NoError(t, err)

	tampered := testPayload()
	tampered["target"] = "/var/data/other.txt"
	assert.False(t, VerifyReveal(c, tampered, nonce))

	wrongNonce := append([]byte(nil), nonce...)
	wrongNonce[0] ^= 0x01
	assert.False(t, VerifyReveal(c, testPayload(), wrongNonce))
}

func TestBlake2bScheme(t *testing.T) {
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	c, err := Create(SchemeBLAKE2b, testPayload(), nonce)
	require.NoError(t, err)
	assert.True(t, VerifyFormat(c))
	assert.True(t, VerifyReveal(c, testPayload(), nonce))

	// Digests differ across schemes for the same input.
	c2, err := Create(SchemeSHA256, testPayload(), nonce)
	require.NoError(t, err)
	assert.NotEqual(t, c.PayloadHash, c2.PayloadHash)
}

func TestCreateRejectsUnknownScheme(t *testing.T) {
	nonce, err := GenerateNonce()
	require.NoError(t, err)
	_, err = Create("md5-v0", testPayload(), nonce)
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestCreateRejectsMalformedPayload(t *testing.T) {
	nonce, err := GenerateNonce()
	require.NoError(t, err)
	_, err = Create(SchemeSHA256, map[string]any{"bad": make(chan int)}, nonce)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestCreateRejectsShortNonce(t *testing.T) {
	_, err := Create(SchemeSHA256, testPayload(), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadNonce)
}

func TestVerifyFormatRejectsCorruptDigest(t *testing.T) {
	nonce, err := GenerateNonce()
	require.NoError(t, err)
	c, err := Create(SchemeSHA256, testPayload(), nonce)
	require.NoError(t, err)

	c.PayloadHash = "zz" + c.PayloadHash[2:]
	assert.False(t, VerifyFormat(c))
}

func TestNonceTrackerDetectsReuse(t *testing.T) {
	tracker := NewNonceTracker()
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	assert.False(t, tracker.Seen(nonce))
	assert.True(t, tracker.Observe(nonce))
	assert.True(t, tracker.Seen(nonce))
	assert.False(t, tracker.Observe(nonce))
	assert.Equal(t, 1, tracker.Len(), "Seen must not record")
}

// Property: every honest create/reveal round-trips, and any single-byte
// mutation of payload or nonce flips verification to false.
func TestCommitmentRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("reveal of committed payload verifies", prop.ForAll(
		func(actor, target string) bool {
			nonce, err := GenerateNonce()
			if err != nil {
				return false
			}
			payload := map[string]any{"actor": actor, "target": target}
			c, err := Create(SchemeSHA256, payload, nonce)
			if err != nil {
				return false
			}
			return VerifyReveal(c, payload, nonce)
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("mutated nonce never verifies", prop.ForAll(
		func(actor string, flipAt uint8) bool {
			nonce, err := GenerateNonce()
			if err != nil {
				return false
			}
			payload := map[string]any{"actor": actor}
			c, err := Create(SchemeSHA256, payload, nonce)
			if err != nil {
				return false
			}
			mutated := append([]byte(nil), nonce...)
			mutated[int(flipAt)%NonceSize] ^= 0xff
			return !VerifyReveal(c, payload, mutated)
		},
		gen.AnyString(),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
