package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"math/bits"

	"github.com/quarry-storage/quarry/pkg/model"
)

// Hash aliases the shared digest type so callers can stay in one vocabulary.
type Hash = model.Hash

// Sum hashes arbitrary bytes into a leaf hash.
func Sum(data []byte) Hash {
	return sha256.Sum256(data)
}

// Proof is an inclusion proof for a single leaf. Branch holds the sibling
// hashes from the leaf level up to (but excluding) the root.
type Proof struct {
	Leaf   Hash   `json:"leaf"`
	Branch []Hash `json:"branch"`
	Index  uint64 `json:"index"`
}

// Depth returns the branch length expected for a tree of n leaves.
func Depth(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

func pair(left, right Hash) Hash {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	h.Sum(out[:0])
	return out
}

// levelUp folds one tree level. An odd tail node is paired with itself so
// prover and verifier agree on the shape for any leaf count.
func levelUp(nodes []Hash) []Hash {
	next := make([]Hash, 0, (len(nodes)+1)/2)
	for i := 0; i < len(nodes); i += 2 {
		if i+1 == len(nodes) {
			next = append(next, pair(nodes[i], nodes[i]))
		} else {
			next = append(next, pair(nodes[i], nodes[i+1]))
		}
	}
	return next
}

// BuildRoot computes the root of the binary tree over the given leaves.
// A single leaf is its own root; an empty leaf set hashes to the zero-input
// digest so it can never collide with real content.
func BuildRoot(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return Sum(nil)
	}
	nodes := make([]Hash, len(leaves))
	copy(nodes, leaves)
	for len(nodes) > 1 {
		nodes = levelUp(nodes)
	}
	return nodes[0]
}

// BuildProof produces the inclusion proof for leaves[index].
func BuildProof(leaves []Hash, index uint64) (Proof, error) {
	if index >= uint64(len(leaves)) {
		return Proof{}, model.ErrMalformedProof
	}
	proof := Proof{Leaf: leaves[index], Index: index}
	nodes := make([]Hash, len(leaves))
	copy(nodes, leaves)
	i := index
	for len(nodes) > 1 {
		sibling := i ^ 1
		if sibling >= uint64(len(nodes)) {
			sibling = i // odd tail pairs with itself
		}
		proof.Branch = append(proof.Branch, nodes[sibling])
		nodes = levelUp(nodes)
		i >>= 1
	}
	return proof, nil
}

// Root recomputes the root a proof commits to. Pairing rule: an even index
// hashes (node, sibling), an odd index hashes (sibling, node), then the index
// shifts right one level. Prover and verifier must agree on this exactly.
func (p Proof) Root() Hash {
	node := p.Leaf
	index := p.Index
	for _, sibling := range p.Branch {
		if index%2 == 0 {
			node = pair(node, sibling)
		} else {
			node = pair(sibling, node)
		}
		index >>= 1
	}
	return node
}

// VerifyProof checks an inclusion proof against a known root and leaf count.
// A branch whose length disagrees with the tree depth is malformed; a branch
// that recomputes to a different root is invalid.
func VerifyProof(root Hash, p Proof, leafCount int) error {
	if p.Index >= uint64(leafCount) || len(p.Branch) != Depth(leafCount) {
		return model.ErrMalformedProof
	}
	if p.Root() != root {
		return model.ErrProofInvalid
	}
	return nil
}

// Verify is the boolean form used where the caller does not distinguish
// malformed from invalid.
func Verify(root Hash, leaf Hash, branch []Hash, index uint64) bool {
	return Proof{Leaf: leaf, Branch: branch, Index: index}.Root() == root
}

// SaltForEpoch derives the per-challenge salt binding a proof to one epoch
// of one manifest.
func SaltForEpoch(root Hash, epoch uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	h := sha256.New()
	h.Write(root[:])
	h.Write(buf[:])
	return h.Sum(nil)
}

// SaltLeaf binds a leaf to a challenge salt.
func SaltLeaf(leaf Hash, salt []byte) Hash {
	h := sha256.New()
	h.Write(leaf[:])
	h.Write(salt)
	var out Hash
	h.Sum(out[:0])
	return out
}

// SaltedProof is an inclusion proof carrying the salted leaf digest computed
// at proving time. Re-checking it under a different epoch's salt fails, so a
// stale proof cannot be replayed into a later challenge.
type SaltedProof struct {
	Proof
	Salted Hash `json:"salted"`
}

// NewSaltedProof salts an inclusion proof for the given challenge salt.
func NewSaltedProof(p Proof, salt []byte) SaltedProof {
	return SaltedProof{Proof: p, Salted: SaltLeaf(p.Leaf, salt)}
}

// VerifySalted checks the salted digest against the challenge salt and the
// branch against the root.
func VerifySalted(root Hash, salt []byte, p SaltedProof, leafCount int) error {
	if SaltLeaf(p.Leaf, salt) != p.Salted {
		return model.ErrProofInvalid
	}
	return VerifyProof(root, p.Proof, leafCount)
}
