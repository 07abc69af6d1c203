// Package merkle implements the sorted-pair keccak256 Merkle tree (C2) used
// by the bridge's batch builder and withdrawal-proof lookup; the deal
// engine does not use it. The shape — level-by-level construction, a proof
// ordered leaf-upwards — is grounded on the teacher's
// core/merkle_tree_operations.go; the hash primitive is swapped from
// SHA-256 to keccak256 because the spec fixes OpenZeppelin-compatible
// verification on-chain (spec.md §4.2), which the teacher's own SHA-256
// tree would not satisfy.
package merkle

import (
	"bytes"
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoLeaves is returned by Build/Proof when called with an empty leaf set.
var ErrNoLeaves = errors.New("merkle: no leaves")

// ErrIndexOutOfRange is returned by Proof when index >= len(leaves).
var ErrIndexOutOfRange = errors.New("merkle: index out of range")

// Hash256 keccak256-hashes data.
func Hash256(data []byte) [32]byte {
	return crypto.Keccak256Hash(data).Bytes32()
}

// sortedPairHash hashes the two children with the byte-wise smaller one
// first, making the resulting node commutative — the same rule
// OpenZeppelin's MerkleProof.verify implements on-chain.
func sortedPairHash(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return Hash256(append(append([]byte{}, a[:]...), b[:]...))
	}
	return Hash256(append(append([]byte{}, b[:]...), a[:]...))
}

// Tree holds every level of a built Merkle tree, level[0] being the leaves
// and the last level containing exactly the root.
type Tree struct {
	levels [][][32]byte
}

// Build constructs a tree from pre-hashed leaves in the exact order given —
// the tree is deterministic in leaf order (spec.md §4.2); callers (the
// bridge) are responsible for canonical sorting before calling Build.
// A level with an odd node count promotes its last node unchanged, matching
// the spec's explicit odd-level rule.
func Build(leaves [][32]byte) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrNoLeaves
	}
	level := make([][32]byte, len(leaves))
	copy(level, leaves)
	t := &Tree{levels: [][][32]byte{level}}

	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, sortedPairHash(level[i], level[i+1]))
			} else {
				next = append(next, level[i]) // odd node promoted unchanged
			}
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t, nil
}

// Root returns the tree's root. For a single-leaf tree, root == the leaf.
func (t *Tree) Root() [32]byte {
	last := t.levels[len(t.levels)-1]
	return last[0]
}

// Proof returns the sibling hashes from leaf level upward for the leaf at
// index. For a single-leaf tree the proof is empty.
func (t *Tree) Proof(index int) ([][32]byte, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, ErrIndexOutOfRange
	}
	proof := make([][32]byte, 0, len(t.levels)-1)
	idx := index
	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		level := t.levels[lvl]
		var siblingIdx int
		if idx%2 == 0 {
			siblingIdx = idx + 1
		} else {
			siblingIdx = idx - 1
		}
		if siblingIdx < len(level) {
			proof = append(proof, level[siblingIdx])
		}
		// else: idx was the odd one promoted unchanged; no sibling hash is
		// consumed at this level and idx folds straight into the parent.
		idx /= 2
	}
	return proof, nil
}

// BuildProof is a convenience wrapper combining Build and Proof; it returns
// the computed root alongside the proof for leaves[index].
func BuildProof(leaves [][32]byte, index int) (proof [][32]byte, root [32]byte, err error) {
	t, err := Build(leaves)
	if err != nil {
		return nil, [32]byte{}, err
	}
	proof, err = t.Proof(index)
	if err != nil {
		return nil, [32]byte{}, err
	}
	return proof, t.Root(), nil
}

// Verify re-folds proof against leaf using the same sorted-pair rule and
// reports whether the result equals root. Verification does not need to
// know the leaf's original index/parity: sortedPairHash is order-agnostic
// by construction.
func Verify(root [32]byte, leaf [32]byte, proof [][32]byte) bool {
	h := leaf
	for _, sib := range proof {
		h = sortedPairHash(h, sib)
	}
	return h == root
}
