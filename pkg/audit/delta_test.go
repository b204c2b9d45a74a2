package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/merkle"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func captureN(t *testing.T, n int) *DeltaEngine {
	t.Helper()
	e := NewDeltaEngine("sess-1").WithClock(fixedClock())
	for i := 0; i < n; i++ {
		_, err := e.Capture("did:a", []Change{{Path: "/f", Operation: "write", ContentHash: string(rune('a' + i))}})
		require.NoError(t, err)
	}
	return e
}

func TestCapture_ChainsParents(t *testing.T) {
	e := captureN(t, 3)
	ds := e.Deltas()
	require.Len(t, ds, 3)

	assert.Nil(t, ds[0].ParentHash)
	for i := 1; i < 3; i++ {
		require.NotNil(t, ds[i].ParentHash)
		assert.Equal(t, ds[i-1].DeltaHash, *ds[i].ParentHash)
		assert.Equal(t, i, ds[i].TurnID)
	}
	assert.Len(t, ds[0].DeltaHash, 64)
	assert.NoError(t, e.VerifyChain())
}

func TestComputeHash_IgnoresOwnHash(t *testing.T) {
	e := captureN(t, 1)
	d := e.Deltas()[0]
	h1, err := d.ComputeHash()
	require.NoError(t, err)
	d.DeltaHash = "something else"
	h2, err := d.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestVerifyDeltas_DetectsTampering(t *testing.T) {
	e := captureN(t, 3)

	tampered := e.Deltas()
	tampered[1].Changes = []Change{{Path: "/evil", Operation: "write"}}
	assert.ErrorIs(t, VerifyDeltas(tampered), ErrChainBroken)

	relinked := e.Deltas()
	other := "00"
	relinked[2].ParentHash = &other
	assert.ErrorIs(t, VerifyDeltas(relinked), ErrChainBroken)

	// A parent on the first delta fails even if its own hash is recomputed.
	first := e.Deltas()[:1]
	first[0].ParentHash = &other
	h, err := first[0].ComputeHash()
	require.NoError(t, err)
	first[0].DeltaHash = h
	assert.ErrorIs(t, VerifyDeltas(first), ErrChainBroken)

	assert.NoError(t, VerifyDeltas(nil))
}

func TestComputeMerkleRoot(t *testing.T) {
	assert.Equal(t, "", NewDeltaEngine("s").ComputeMerkleRoot())

	one := captureN(t, 1)
	assert.Equal(t, one.Deltas()[0].DeltaHash, one.ComputeMerkleRoot())

	three := captureN(t, 3)
	ds := three.Deltas()
	want := merkle.NodeHash(
		merkle.NodeHash(ds[0].DeltaHash, ds[1].DeltaHash),
		merkle.NodeHash(ds[2].DeltaHash, ds[2].DeltaHash),
	)
	assert.Equal(t, want, three.ComputeMerkleRoot())
	assert.Equal(t, want, MerkleRootOf(ds))
	assert.Equal(t, "", MerkleRootOf(nil))
}

func TestInclusionProof(t *testing.T) {
	e := captureN(t, 5)
	root := e.ComputeMerkleRoot()
	for i := 0; i < 5; i++ {
		p, err := e.InclusionProof(i)
		require.NoError(t, err)
		assert.True(t, merkle.VerifyInclusionProof(*p, root))
	}
	_, err := e.InclusionProof(5)
	assert.ErrorIs(t, err, merkle.ErrLeafOutOfRange)
}

func TestDeltaEngine_PurgeAndSize(t *testing.T) {
	e := captureN(t, 2)
	assert.Equal(t, 2, e.Len())
	assert.Positive(t, e.EstimateBytes())
	assert.Equal(t, 2, e.Purge())
	assert.Equal(t, 0, e.Len())
	assert.Equal(t, int64(0), e.EstimateBytes())
}
