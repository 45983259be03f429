// Package merkle builds Merkle roots over ordered batches of leaves and
// produces inclusion openings that bind one leaf to a previously published
// root. Trees are balanced by duplicating the last node whenever a level has
// odd cardinality; path generation and verification share that tie-break.
package merkle

import (
	"errors"
	"fmt"

	"github.com/acvlabs/watchtower/pkg/canonicalize"
)

// Domain-separation prefixes. Leaf and interior hashes use distinct
// contexts so a leaf can never be reinterpreted as an interior node.
const (
	leafDomain = "watchtower:merkle:leaf:v1"
	nodeDomain = "watchtower:merkle:node:v1"
)

// Sides for proof steps.
const (
	SideLeft  = "L"
	SideRight = "R"
)

// ErrEmptyBatch indicates an attempt to build a tree over zero leaves.
var ErrEmptyBatch = errors.New("merkle: batch must contain at least one leaf")

// ProofStep is one sibling on the path from a leaf to the root. Side records
// where the sibling sits relative to the running hash.
type ProofStep struct {
	Side        string `json:"side"`
	SiblingHash string `json:"sibling_hash"`
}

// Opening proves that Leaf occupies LeafIndex under some root. The path is
// ordered leaf-to-root.
type Opening struct {
	Leaf      string      `json:"leaf"`
	LeafIndex int         `json:"leaf_index"`
	Path      []ProofStep `json:"path"`
}

func hashLeaf(leaf string) string {
	return canonicalize.DomainHash(leafDomain, []byte(leaf))
}

func combine(left, right string) string {
	return canonicalize.DomainHash(nodeDomain, []byte(left), []byte(right))
}

// ComputeRoot builds the root over an ordered batch of leaves.
func ComputeRoot(leaves []string) (string, error) {
	if len(leaves) == 0 {
		return "", ErrEmptyBatch
	}

	level := make([]string, len(leaves))
	for i, leaf := range leaves {
		level[i] = hashLeaf(leaf)
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, combine(level[i], level[i+1]))
		}
		level = next
	}
	return level[0], nil
}

// ComputePath produces the inclusion opening for the leaf at index.
func ComputePath(leaves []string, index int) (Opening, error) {
	if len(leaves) == 0 {
		return Opening{}, ErrEmptyBatch
	}
	if index < 0 || index >= len(leaves) {
		return Opening{}, fmt.Errorf("merkle: index %d out of range for %d leaves", index, len(leaves))
	}

	opening := Opening{Leaf: leaves[index], LeafIndex: index}

	level := make([]string, len(leaves))
	for i, leaf := range leaves {
		level[i] = hashLeaf(leaf)
	}
	pos := index
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		sibling := pos ^ 1
		if pos%2 == 0 {
			opening.Path = append(opening.Path, ProofStep{Side: SideRight, SiblingHash: level[sibling]})
		} else {
			opening.Path = append(opening.Path, ProofStep{Side: SideLeft, SiblingHash: level[sibling]})
		}

		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, combine(level[i], level[i+1]))
		}
		level = next
		pos /= 2
	}
	return opening, nil
}

// VerifyOpening recomputes the root from the opening and compares it to the
// expected root. The path's side sequence encodes the leaf position bit by
// bit, so the claimed LeafIndex must equal the index the sides reconstruct.
// Any corruption anywhere in the path yields false; there is no partial
// credit.
func VerifyOpening(root string, opening Opening) bool {
	if opening.LeafIndex < 0 {
		return false
	}
	current := hashLeaf(opening.Leaf)
	index := 0
	for i, step := range opening.Path {
		switch step.Side {
		case SideRight:
			current = combine(current, step.SiblingHash)
		case SideLeft:
			current = combine(step.SiblingHash, current)
			index |= 1 << i
		default:
			return false
		}
	}
	return index == opening.LeafIndex && current == root
}
