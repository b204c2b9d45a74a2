package merkle

import "strings"

// InclusionProof shows that a leaf at a given index is covered by a root.
type InclusionProof struct {
	LeafIndex  int         `json:"leaf_index"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

// ProofStep is one sibling on the path from leaf to root.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R": which side the sibling sits on
	SiblingHash string `json:"sibling_hash"`
}

// Proof builds the inclusion proof for the leaf at index.
func (t *Tree) Proof(index int) (*InclusionProof, error) {
	if len(t.Levels) == 0 || index < 0 || index >= len(t.Levels[0]) {
		return nil, ErrLeafOutOfRange
	}

	proof := &InclusionProof{
		LeafIndex:  index,
		LeafHash:   t.Levels[0][index],
		MerkleRoot: t.Root,
	}

	pos := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		var step ProofStep
		if pos%2 == 0 {
			sibling := pos + 1
			if sibling >= len(level) {
				sibling = pos // duplicated last node
			}
			step = ProofStep{Side: "R", SiblingHash: level[sibling]}
		} else {
			step = ProofStep{Side: "L", SiblingHash: level[pos-1]}
		}
		proof.ProofPath = append(proof.ProofPath, step)
		pos /= 2
	}
	return proof, nil
}

// VerifyInclusionProof recomputes the root from the proof. When expectedRoot
// is non-empty it must also match the proof's root.
func VerifyInclusionProof(proof InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(proof.MerkleRoot, expectedRoot) {
		return false
	}

	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		if step.Side == "L" {
			current = NodeHash(step.SiblingHash, current)
		} else {
			current = NodeHash(current, step.SiblingHash)
		}
	}
	return strings.EqualFold(current, proof.MerkleRoot)
}
