package merkle

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeRootEmptyBatch(t *testing.T) {
	_, err := ComputeRoot(nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestSingleLeafRoot(t *testing.T) {
	root, err := ComputeRoot([]string{"only"})
	require.NoError(t, err)

	opening, err := ComputePath([]string{"only"}, 0)
	require.NoError(t, err)
	assert.Empty(t, opening.Path)
	assert.True(t, VerifyOpening(root, opening))
}

func TestOddBatchDuplicatesLastLeaf(t *testing.T) {
	leaves := []string{"a", "b", "c"}
	root, err := ComputeRoot(leaves)
	require.NoError(t, err)

	// With three leaves the last is paired with itself:
	//   root = combine(combine(h(a), h(b)), combine(h(c), h(c)))
	expected := combine(combine(hashLeaf("a"), hashLeaf("b")), combine(hashLeaf("c"), hashLeaf("c")))
	assert.Equal(t, expected, root)
}

func TestOpeningsVerifyAtEveryIndex(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 16, 33} {
		leaves := make([]string, n)
		for i := range leaves {
			leaves[i] = fmt.Sprintf("leaf-%d", i)
		}
		root, err := ComputeRoot(leaves)
		require.NoError(t, err)

		for i := range leaves {
			opening, err := ComputePath(leaves, i)
			require.NoError(t, err)
			assert.True(t, VerifyOpening(root, opening), "n=%d index=%d", n, i)
		}
	}
}

func TestCorruptedSiblingFailsVerification(t *testing.T) {
	leaves := []string{"a", "b", "c", "d", "e"}
	root, err := ComputeRoot(leaves)
	require.NoError(t, err)

	opening, err := ComputePath(leaves, 2)
	require.NoError(t, err)

	for i := range opening.Path {
		corrupt := opening
		corrupt.Path = append([]ProofStep(nil), opening.Path...)
		corrupt.Path[i].SiblingHash = hashLeaf("evil")
		assert.False(t, VerifyOpening(root, corrupt), "corrupted step %d", i)
	}
}

func TestFlippedSideFailsVerification(t *testing.T) {
	leaves := []string{"a", "b", "c", "d"}
	root, err := ComputeRoot(leaves)
	require.NoError(t, err)

	opening, err := ComputePath(leaves, 1)
	require.NoError(t, err)

	opening.Path[0].Side = SideRight
	assert.False(t, VerifyOpening(root, opening))

	opening.Path[0].Side = "X"
	assert.False(t, VerifyOpening(root, opening))
}

func TestWrongLeafFailsVerification(t *testing.T) {
	leaves := []string{"a", "b", "c", "d"}
	root, err := ComputeRoot(leaves)
	require.NoError(t, err)

	opening, err := ComputePath(leaves, 1)
	require.NoError(t, err)
	opening.Leaf = "a"
	assert.False(t, VerifyOpening(root, opening))
}

func TestClaimedIndexMustMatchSideSequence(t *testing.T) {
	leaves := []string{"a", "b", "c", "d"}
	root, err := ComputeRoot(leaves)
	require.NoError(t, err)

	opening, err := ComputePath(leaves, 1)
	require.NoError(t, err)
	require.True(t, VerifyOpening(root, opening))

	// The path encodes position 1; claiming any other index is a lie.
	for _, claimed := range []int{0, 2, 3, 7} {
		lied := opening
		lied.LeafIndex = claimed
		assert.False(t, VerifyOpening(root, lied), "claimed index %d", claimed)
	}
}

func TestPathIndexOutOfRange(t *testing.T) {
	_, err := ComputePath([]string{"a"}, 1)
	assert.Error(t, err)
	_, err = ComputePath([]string{"a"}, -1)
	assert.Error(t, err)
}

// Property: for arbitrary non-empty batches every generated opening
// verifies, and verification is deterministic.
func TestMerkleOpeningProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("all openings verify against the batch root", prop.ForAll(
		func(raw []string) bool {
			if len(raw) == 0 {
				return true
			}
			root, err := ComputeRoot(raw)
			if err != nil {
				return false
			}
			for i := range raw {
				opening, err := ComputePath(raw, i)
				if err != nil || !VerifyOpening(root, opening) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
