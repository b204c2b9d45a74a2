package rings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/contracts"
)

func newEnforcer() *Enforcer {
	return NewEnforcer(DefaultThresholds(), nil)
}

func TestComputeRing_Boundaries(t *testing.T) {
	e := newEnforcer()
	tests := []struct {
		sigma     float64
		consensus bool
		want      contracts.ExecutionRing
	}{
		{0.0, false, contracts.Ring3Sandbox},
		{0.60, false, contracts.Ring3Sandbox},
		{0.601, false, contracts.Ring2Standard},
		{0.95, true, contracts.Ring2Standard},
		{0.96, false, contracts.Ring2Standard},
		{0.96, true, contracts.Ring1Privileged},
		{1.0, true, contracts.Ring1Privileged},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.ComputeRing(tt.sigma, tt.consensus), "sigma=%v consensus=%v", tt.sigma, tt.consensus)
	}
}

func TestCheck_StandardAction(t *testing.T) {
	e := newEnforcer()
	action := contracts.ActionDescriptor{ActionID: "write", Reversibility: contracts.ReversibilityFull}

	res := e.Check(contracts.Ring2Standard, action, 0.7, false, false)
	assert.True(t, res.Allowed)
	assert.Equal(t, contracts.Ring2Standard, res.RequiredRing)

	res = e.Check(contracts.Ring2Standard, action, 0.6, false, false)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "ring 2 requires")
}

func TestCheck_AgentRingTooLowEvenWithTrust(t *testing.T) {
	e := newEnforcer()
	action := contracts.ActionDescriptor{ActionID: "write", Reversibility: contracts.ReversibilityFull}

	res := e.Check(contracts.Ring3Sandbox, action, 0.9, false, false)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "insufficient")
}

func TestCheck_PrivilegedNeedsConsensus(t *testing.T) {
	e := newEnforcer()
	action := contracts.ActionDescriptor{ActionID: "wire", Reversibility: contracts.ReversibilityNone}

	res := e.Check(contracts.Ring1Privileged, action, 0.99, false, false)
	assert.False(t, res.Allowed)
	assert.True(t, res.RequiresConsensus)
	assert.Contains(t, res.Reason, "consensus")

	res = e.Check(contracts.Ring1Privileged, action, 0.90, true, false)
	assert.False(t, res.Allowed)
	assert.True(t, res.RequiresConsensus)

	res = e.Check(contracts.Ring1Privileged, action, 0.99, true, false)
	assert.True(t, res.Allowed)

	res = e.Check(contracts.Ring2Standard, action, 0.99, true, false)
	assert.False(t, res.Allowed)
}

func TestCheck_RootNeedsWitness(t *testing.T) {
	e := newEnforcer()
	action := contracts.ActionDescriptor{ActionID: "reconfigure", IsAdmin: true}

	res := e.Check(contracts.Ring1Privileged, action, 1.0, true, false)
	assert.False(t, res.Allowed)
	assert.True(t, res.RequiresSREWitness)

	// A witness never lifts an agent into ring 0.
	for _, ring := range []contracts.ExecutionRing{contracts.Ring1Privileged, contracts.Ring2Standard, contracts.Ring3Sandbox} {
		res = e.Check(ring, action, 1.0, true, true)
		assert.False(t, res.Allowed, ring.String())
		assert.Contains(t, res.Reason, "never held by an agent")
	}
	res = e.Check(contracts.Ring3Sandbox, action, 0.0, false, true)
	assert.False(t, res.Allowed)
	assert.Equal(t, contracts.Ring0Root, res.RequiredRing)
}

func TestCheck_ReadOnlyAlwaysAllowed(t *testing.T) {
	e := newEnforcer()
	action := contracts.ActionDescriptor{ActionID: "read", IsReadOnly: true}
	res := e.Check(contracts.Ring3Sandbox, action, 0.0, false, false)
	assert.True(t, res.Allowed)
}

func TestShouldDemote(t *testing.T) {
	e := newEnforcer()
	assert.True(t, e.ShouldDemote(contracts.Ring2Standard, 0.60))
	assert.False(t, e.ShouldDemote(contracts.Ring2Standard, 0.61))
	assert.True(t, e.ShouldDemote(contracts.Ring1Privileged, 0.9))
	assert.False(t, e.ShouldDemote(contracts.Ring3Sandbox, 0.0))
}

func TestClassifier_Defaults(t *testing.T) {
	c := NewClassifier()
	assert.Equal(t, contracts.Ring0Root, c.Classify(contracts.ActionDescriptor{ActionID: "a", IsAdmin: true}).Ring)
	assert.Equal(t, contracts.Ring1Privileged, c.Classify(contracts.ActionDescriptor{ActionID: "b", Reversibility: contracts.ReversibilityNone}).Ring)
	assert.Equal(t, contracts.Ring3Sandbox, c.Classify(contracts.ActionDescriptor{ActionID: "c", IsReadOnly: true, Reversibility: contracts.ReversibilityNone}).Ring)
	assert.Equal(t, contracts.Ring2Standard, c.Classify(contracts.ActionDescriptor{ActionID: "d", Reversibility: contracts.ReversibilityPartial}).Ring)
}

func TestClassifier_CachesPerActionID(t *testing.T) {
	c := NewClassifier()
	first := c.Classify(contracts.ActionDescriptor{ActionID: "x", Reversibility: contracts.ReversibilityFull})
	// Same id, different flags: the cached result stands.
	second := c.Classify(contracts.ActionDescriptor{ActionID: "x", IsAdmin: true})
	assert.Equal(t, first, second)
	assert.Equal(t, 1, c.Purge())
}

func TestClassifier_Override(t *testing.T) {
	c := NewClassifier()
	desc := contracts.ActionDescriptor{ActionID: "deploy", Reversibility: contracts.ReversibilityFull}
	require.NoError(t, c.SetOverride("deploy", contracts.Ring1Privileged, 0.8))

	res := c.Classify(desc)
	assert.Equal(t, contracts.Ring1Privileged, res.Ring)
	assert.Equal(t, SourceOverride, res.Source)
	assert.InDelta(t, 0.8, res.RiskWeight, 1e-9)

	c.ClearOverride("deploy")
	assert.Equal(t, contracts.Ring2Standard, c.Classify(desc).Ring)

	assert.Error(t, c.SetOverride("deploy", contracts.ExecutionRing(9), 0.5))
	assert.Error(t, c.SetOverride("deploy", contracts.Ring2Standard, 1.5))
}

func TestClassifier_CELRule(t *testing.T) {
	c := NewClassifier()
	require.NoError(t, c.AddRule(`action.execute_api.startsWith("db://")`, contracts.Ring1Privileged, 0.75))

	res := c.Classify(contracts.ActionDescriptor{ActionID: "q", ExecuteAPI: "db://orders/drop", Reversibility: contracts.ReversibilityFull})
	assert.Equal(t, contracts.Ring1Privileged, res.Ring)
	assert.Equal(t, SourceRule, res.Source)
	assert.InDelta(t, 0.75, res.RiskWeight, 1e-9)

	res = c.Classify(contracts.ActionDescriptor{ActionID: "r", ExecuteAPI: "https://x", Reversibility: contracts.ReversibilityFull})
	assert.Equal(t, SourceDefault, res.Source)
}

func TestClassifier_BadRule(t *testing.T) {
	c := NewClassifier()
	assert.Error(t, c.AddRule(`action.name +`, contracts.Ring2Standard, 0))
	assert.Error(t, c.AddRule(`1 + 2`, contracts.Ring2Standard, 0))
}

func TestEnforcer_UsesOverride(t *testing.T) {
	c := NewClassifier()
	require.NoError(t, c.SetOverride("read", contracts.Ring2Standard, 0.3))
	e := NewEnforcer(DefaultThresholds(), c)

	res := e.Check(contracts.Ring3Sandbox, contracts.ActionDescriptor{ActionID: "read", IsReadOnly: true}, 0.9, false, false)
	assert.False(t, res.Allowed)
	assert.Equal(t, contracts.Ring2Standard, res.RequiredRing)
}
