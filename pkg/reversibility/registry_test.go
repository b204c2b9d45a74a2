package reversibility

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/contracts"
)

func reversible(id, undo string) contracts.ActionDescriptor {
	return contracts.ActionDescriptor{ActionID: id, ExecuteAPI: "/exec/" + id, UndoAPI: undo, Reversibility: contracts.ReversibilityFull}
}

func TestRegistry_Lookups(t *testing.T) {
	r := NewRegistry("s1")
	require.NoError(t, r.Register("did:a", reversible("write", "/undo/write")))
	require.NoError(t, r.Register("did:a", contracts.ActionDescriptor{ActionID: "read", ExecuteAPI: "/read", Reversibility: contracts.ReversibilityNone, IsReadOnly: true}))

	assert.True(t, r.IsReversible("write"))
	assert.True(t, r.IsReversible("read"))
	assert.False(t, r.IsReversible("unknown"))
	assert.Equal(t, "/undo/write", r.GetUndoAPI("write"))
	assert.Equal(t, "", r.GetUndoAPI("unknown"))
	assert.False(t, r.HasNonReversibleActions())
	assert.InDelta(t, contracts.RiskWeightFull, r.RiskWeight("write"), 1e-9)
	assert.InDelta(t, contracts.RiskWeightAdmin, r.RiskWeight("unknown"), 1e-9)

	require.NoError(t, r.Register("did:b", contracts.ActionDescriptor{ActionID: "pay", ExecuteAPI: "/pay", Reversibility: contracts.ReversibilityNone}))
	assert.True(t, r.HasNonReversibleActions())

	ids := []string{}
	for _, e := range r.Actions() {
		ids = append(ids, e.Descriptor.ActionID)
	}
	assert.Equal(t, []string{"pay", "read", "write"}, ids)
}

func TestRegistry_ImmutableDescriptors(t *testing.T) {
	r := NewRegistry("s1")
	require.NoError(t, r.Register("did:a", reversible("write", "/undo/write")))
	require.NoError(t, r.Register("did:b", reversible("write", "/undo/write")))

	err := r.Register("did:b", reversible("write", "/undo/other"))
	assert.ErrorIs(t, err, ErrActionConflict)
}

func TestRegistry_Validation(t *testing.T) {
	r := NewRegistry("s1")
	assert.ErrorIs(t, r.Register("did:a", contracts.ActionDescriptor{}), ErrInvalidActionDef)
	assert.ErrorIs(t, r.Register("did:a", contracts.ActionDescriptor{ActionID: "x", Reversibility: "maybe"}), ErrInvalidActionDef)
	assert.ErrorIs(t, r.RegisterAll("did:a", []contracts.ActionDescriptor{reversible("ok", ""), {ActionID: ""}}), ErrInvalidActionDef)
}

func TestRegistry_RegisterAllIsAtomic(t *testing.T) {
	r := NewRegistry("s1")
	require.NoError(t, r.Register("did:a", reversible("write", "/undo/write")))

	pay := contracts.ActionDescriptor{ActionID: "pay", ExecuteAPI: "/pay", Reversibility: contracts.ReversibilityNone}
	err := r.RegisterAll("did:b", []contracts.ActionDescriptor{pay, {ActionID: ""}})
	assert.ErrorIs(t, err, ErrInvalidActionDef)
	err = r.RegisterAll("did:b", []contracts.ActionDescriptor{pay, reversible("write", "/undo/other")})
	assert.ErrorIs(t, err, ErrActionConflict)
	err = r.RegisterAll("did:b", []contracts.ActionDescriptor{pay, reversible("dup", ""), reversible("dup", "/undo/dup")})
	assert.ErrorIs(t, err, ErrActionConflict)

	_, err = r.Get("pay")
	assert.ErrorIs(t, err, ErrActionNotFound)
	assert.False(t, r.HasNonReversibleActions())
	assert.Len(t, r.Actions(), 1)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry("s1")
	require.NoError(t, r.RegisterAll("did:a", []contracts.ActionDescriptor{reversible("write", "/undo/write"), reversible("move", "/undo/move")}))
	require.NoError(t, r.Register("did:b", reversible("copy", "")))

	assert.Equal(t, 1, r.Unregister("did:a", "write", "copy", "missing"))
	_, err := r.Get("copy")
	assert.NoError(t, err, "entries owned by another agent stay")
	assert.Len(t, r.Actions(), 2)
}

func TestRegistry_UndoHealth(t *testing.T) {
	r := NewRegistry("s1")
	require.NoError(t, r.Register("did:a", reversible("write", "/undo/write")))
	require.NoError(t, r.Register("did:a", reversible("noundo", "")))

	assert.True(t, r.IsUndoHealthy("write"))
	assert.False(t, r.IsUndoHealthy("noundo"))

	require.NoError(t, r.MarkUndoUnhealthy("write"))
	assert.False(t, r.IsUndoHealthy("write"))
	// Still registered.
	_, err := r.Get("write")
	assert.NoError(t, err)

	assert.ErrorIs(t, r.MarkUndoUnhealthy("missing"), ErrActionNotFound)
	assert.Equal(t, 2, r.Purge())
}

func TestParseManifest(t *testing.T) {
	data := []byte(`{
		"agent_did": "did:agent:a",
		"requires": ">=1.0.0, <2.0.0",
		"actions": [
			{"action_id": "write", "execute_api": "/w", "undo_api": "/uw", "reversibility": "full", "undo_window": "15m"},
			{"action_id": "pay", "execute_api": "/pay", "reversibility": "none", "risk_weight": 0.99}
		]
	}`)
	m, err := ParseManifest(data)
	require.NoError(t, err)
	assert.Equal(t, "did:agent:a", m.AgentDID)
	require.Len(t, m.Actions, 2)
	assert.Equal(t, 15*time.Minute, m.Actions[0].UndoWindow)
	assert.Equal(t, contracts.ReversibilityNone, m.Actions[1].Reversibility)
	assert.InDelta(t, 0.99, m.Actions[1].RiskWeight, 1e-9)
}

func TestParseManifest_SchemaViolation(t *testing.T) {
	_, err := ParseManifest([]byte(`{"agent_did": "did:a", "actions": [{"action_id": "x", "execute_api": "/x", "reversibility": "sometimes"}]}`))
	assert.Error(t, err)

	_, err = ParseManifest([]byte(`{"actions": []}`))
	assert.Error(t, err)

	_, err = ParseManifest([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseManifest_IncompatibleVersion(t *testing.T) {
	_, err := ParseManifest([]byte(`{"agent_did": "did:a", "requires": ">=2.0.0", "actions": []}`))
	assert.ErrorIs(t, err, ErrManifestIncompatible)
}

func TestParseManifest_BadUndoWindow(t *testing.T) {
	_, err := ParseManifest([]byte(`{"agent_did": "did:a", "actions": [{"action_id": "x", "execute_api": "/x", "reversibility": "full", "undo_window": "soon"}]}`))
	assert.Error(t, err)
}

func TestRegistry_RegisterManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`{"agent_did": "did:a", "actions": [{"action_id": "x", "execute_api": "/x", "reversibility": "partial", "undo_api": "/ux"}]}`))
	require.NoError(t, err)

	r := NewRegistry("s1")
	require.NoError(t, r.RegisterManifest(m))
	entries := r.Actions()
	require.Len(t, entries, 1)
	assert.Equal(t, "did:a", entries[0].RegisteredBy)
	assert.InDelta(t, contracts.RiskWeightPartial, r.RiskWeight("x"), 1e-9)
	assert.ErrorIs(t, r.RegisterManifest(nil), ErrInvalidActionDef)
}
