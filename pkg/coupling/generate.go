package coupling

import (
	"fmt"

	"github.com/acvlabs/watchtower/pkg/commitment"
	"github.com/acvlabs/watchtower/pkg/merkle"
)

// GenerateA builds a direct (pattern A) witness: the proposer reveals the
// binding of its payload hash to the anchor.
func GenerateA(proposerID string, c commitment.Commitment, anchorID uint64) Witness {
	return Witness{
		Type:       TypeA,
		ProposerID: proposerID,
		Commitment: c,
		AnchorID:   anchorID,
		Binding:    BindingValue(c.PayloadHash, anchorID),
	}
}

// GenerateB builds a batched (pattern B) witness over a batch of commitment
// digests. The leaf at index must be this commitment's digest; the caller is
// responsible for having anchored the resulting root before revealing.
func GenerateB(proposerID string, c commitment.Commitment, anchorID uint64, batch []string, index int) (Witness, error) {
	if index < 0 || index >= len(batch) {
		return Witness{}, fmt.Errorf("coupling: index %d out of range for batch of %d", index, len(batch))
	}
	if batch[index] != c.Digest() {
		return Witness{}, fmt.Errorf("coupling: batch leaf %d does not match commitment digest", index)
	}

	root, err := merkle.ComputeRoot(batch)
	if err != nil {
		return Witness{}, err
	}
	opening, err := merkle.ComputePath(batch, index)
	if err != nil {
		return Witness{}, err
	}
	return Witness{
		Type:       TypeB,
		ProposerID: proposerID,
		Commitment: c,
		AnchorID:   anchorID,
		Root:       root,
		Opening:    &opening,
	}, nil
}

// GenerateC builds a chained (pattern C) witness. The leaf at index must be
// ChainLeaf(prevWitnessHash, commitment digest), where prevWitnessHash is
// the hash of the proposer's last accepted witness (empty at chain start).
func GenerateC(proposerID string, c commitment.Commitment, anchorID uint64, prevWitnessHash string, batch []string, index int) (Witness, error) {
	if index < 0 || index >= len(batch) {
		return Witness{}, fmt.Errorf("coupling: index %d out of range for batch of %d", index, len(batch))
	}
	if batch[index] != ChainLeaf(prevWitnessHash, c.Digest()) {
		return Witness{}, fmt.Errorf("coupling: batch leaf %d does not encode the chain continuation", index)
	}

	root, err := merkle.ComputeRoot(batch)
	if err != nil {
		return Witness{}, err
	}
	opening, err := merkle.ComputePath(batch, index)
	if err != nil {
		return Witness{}, err
	}
	return Witness{
		Type:            TypeC,
		ProposerID:      proposerID,
		Commitment:      c,
		AnchorID:        anchorID,
		Root:            root,
		Opening:         &opening,
		PrevWitnessHash: prevWitnessHash,
	}, nil
}
