//go:build property
// +build property

package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func hashAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		h := sha256.Sum256([]byte(s))
		out[i] = hex.EncodeToString(h[:])
	}
	return out
}

// Property: Build(leaves).Root == Build(leaves).Root, and every leaf proves.
func TestMerkleRootDeterminismAndProofs(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("root is deterministic", prop.ForAll(
		func(values []string) bool {
			l := hashAll(values)
			return Root(l) == Root(l)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("every leaf has a verifying proof", prop.ForAll(
		func(values []string) bool {
			if len(values) == 0 {
				return true
			}
			tree := Build(hashAll(values))
			for i := range values {
				p, err := tree.Proof(i)
				if err != nil || !VerifyInclusionProof(*p, tree.Root) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
