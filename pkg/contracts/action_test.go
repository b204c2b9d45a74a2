package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRiskWeight(t *testing.T) {
	tests := []struct {
		name string
		desc ActionDescriptor
		want float64
	}{
		{"admin", ActionDescriptor{IsAdmin: true, Reversibility: ReversibilityFull}, RiskWeightAdmin},
		{"read only", ActionDescriptor{IsReadOnly: true, Reversibility: ReversibilityNone}, RiskWeightReadOnly},
		{"irreversible", ActionDescriptor{Reversibility: ReversibilityNone}, RiskWeightNone},
		{"partial", ActionDescriptor{Reversibility: ReversibilityPartial}, RiskWeightPartial},
		{"full", ActionDescriptor{Reversibility: ReversibilityFull}, RiskWeightFull},
		{"explicit", ActionDescriptor{Reversibility: ReversibilityNone, RiskWeight: 0.42}, 0.42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.desc.DefaultRiskWeight(), 1e-9)
		})
	}
}

func TestIsReversible(t *testing.T) {
	assert.False(t, ActionDescriptor{Reversibility: ReversibilityNone}.IsReversible())
	assert.True(t, ActionDescriptor{Reversibility: ReversibilityNone, IsReadOnly: true}.IsReversible())
	assert.True(t, ActionDescriptor{Reversibility: ReversibilityPartial}.IsReversible())
}

func TestRingOrdering(t *testing.T) {
	assert.True(t, Ring1Privileged.IsMorePrivilegedThan(Ring2Standard))
	assert.False(t, Ring3Sandbox.IsMorePrivilegedThan(Ring3Sandbox))
	assert.Equal(t, "ring_2_standard", Ring2Standard.String())
	assert.False(t, ExecutionRing(7).Valid())
}

func TestToMap(t *testing.T) {
	m, err := ToMap(ActionDescriptor{ActionID: "a1", Reversibility: ReversibilityFull})
	require.NoError(t, err)
	assert.Equal(t, "a1", m["action_id"])
	assert.Equal(t, "full", m["reversibility"])
	_, hasUndo := m["undo_api"]
	assert.False(t, hasUndo)
}
