// Package merkle builds binary Merkle trees over ordered leaf hashes and
// produces inclusion proofs against the resulting root.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrLeafOutOfRange is returned when a proof is requested for a missing leaf.
var ErrLeafOutOfRange = errors.New("merkle: leaf index out of range")

const nodePrefix = "hypervisor:delta:node:v1"

// Tree holds every level of a Merkle tree, leaves first.
type Tree struct {
	Levels [][]string
	Root   string
}

// Build constructs a tree bottom-up over hex-encoded leaf hashes, in the given
// order. When a level has odd cardinality its last node is duplicated.
// An empty input yields an empty root; a single leaf is its own root.
func Build(leaves []string) *Tree {
	if len(leaves) == 0 {
		return &Tree{}
	}

	current := make([]string, len(leaves))
	copy(current, leaves)

	tree := &Tree{}
	for len(current) > 1 {
		tree.Levels = append(tree.Levels, current)
		current = buildNextLevel(current)
	}
	tree.Levels = append(tree.Levels, current)
	tree.Root = current[0]
	return tree
}

// Root is shorthand for Build(leaves).Root.
//
// Leaves are the delta hashes as given, without any leaf prefix. Each parent
// is
//
//	hex(SHA-256("hypervisor:delta:node:v1" || 0x00 || left || right))
//
// where left and right are the hex-decoded child hashes (32 raw bytes each).
// An odd node at the end of a level is paired with itself. A plain
// SHA-256(left || right) verifier will not reproduce these roots.
func Root(leaves []string) string {
	return Build(leaves).Root
}

func buildNextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes[:count:count], hashes[count-1])
		count++
	}

	next := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		next[i/2] = NodeHash(hashes[i], hashes[i+1])
	}
	return next
}

// NodeHash combines two child hashes into their parent hash using the
// domain-separated format documented on Root.
func NodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	h := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		// Non-hex leaves still hash deterministically.
		return []byte(s)
	}
	return b
}
