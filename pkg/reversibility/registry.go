// Package reversibility holds the per-session lookup of declared actions:
// their execute and undo endpoints, reversibility class and risk weight.
package reversibility

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/contracts"
)

var (
	ErrActionNotFound   = errors.New("action not registered")
	ErrActionConflict   = errors.New("action already registered with a different descriptor")
	ErrInvalidActionDef = errors.New("invalid action descriptor")
)

// Entry is one registered action plus its derived and health metadata.
type Entry struct {
	Descriptor   contracts.ActionDescriptor `json:"descriptor"`
	RiskWeight   float64                    `json:"risk_weight"`
	UndoHealthy  bool                       `json:"undo_healthy"`
	RegisteredBy string                     `json:"registered_by"`
}

// Registry is populated during handshake from agents' capability manifests.
type Registry struct {
	mu        sync.RWMutex
	sessionID string
	entries   map[string]*Entry
}

// NewRegistry creates an empty registry for one session.
func NewRegistry(sessionID string) *Registry {
	return &Registry{sessionID: sessionID, entries: make(map[string]*Entry)}
}

// SessionID returns the owning session.
func (r *Registry) SessionID() string {
	return r.sessionID
}

// Register adds one action. Re-registering an identical descriptor is a no-op;
// a different descriptor under the same id is rejected since descriptors are immutable.
func (r *Registry) Register(agentDID string, desc contracts.ActionDescriptor) error {
	if err := validate(desc); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[desc.ActionID]; ok {
		if existing.Descriptor != desc {
			return fmt.Errorf("%w: %q", ErrActionConflict, desc.ActionID)
		}
		return nil
	}
	r.entries[desc.ActionID] = &Entry{
		Descriptor:   desc,
		RiskWeight:   desc.DefaultRiskWeight(),
		UndoHealthy:  desc.UndoAPI != "",
		RegisteredBy: agentDID,
	}
	return nil
}

// RegisterAll adds every action or none of them. Any invalid or conflicting
// descriptor rejects the whole batch.
func (r *Registry) RegisterAll(agentDID string, actions []contracts.ActionDescriptor) error {
	for _, a := range actions {
		if err := validate(a); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	batch := make(map[string]contracts.ActionDescriptor, len(actions))
	for _, a := range actions {
		if existing, ok := r.entries[a.ActionID]; ok && existing.Descriptor != a {
			return fmt.Errorf("%w: %q", ErrActionConflict, a.ActionID)
		}
		if prev, ok := batch[a.ActionID]; ok && prev != a {
			return fmt.Errorf("%w: %q declared twice", ErrActionConflict, a.ActionID)
		}
		batch[a.ActionID] = a
	}
	for id, a := range batch {
		if _, ok := r.entries[id]; ok {
			continue
		}
		r.entries[id] = &Entry{
			Descriptor:   a,
			RiskWeight:   a.DefaultRiskWeight(),
			UndoHealthy:  a.UndoAPI != "",
			RegisteredBy: agentDID,
		}
	}
	return nil
}

// Unregister drops the listed actions that agentDID registered and returns
// how many were removed. Entries owned by other agents are kept.
func (r *Registry) Unregister(agentDID string, actionIDs ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range actionIDs {
		if e, ok := r.entries[id]; ok && e.RegisteredBy == agentDID {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

func validate(desc contracts.ActionDescriptor) error {
	if desc.ActionID == "" {
		return fmt.Errorf("%w: empty action id", ErrInvalidActionDef)
	}
	switch desc.Reversibility {
	case contracts.ReversibilityFull, contracts.ReversibilityPartial, contracts.ReversibilityNone:
	default:
		return fmt.Errorf("%w: %q has unknown reversibility %q", ErrInvalidActionDef, desc.ActionID, desc.Reversibility)
	}
	if desc.RiskWeight < 0 || desc.RiskWeight > 1 {
		return fmt.Errorf("%w: %q risk weight out of range", ErrInvalidActionDef, desc.ActionID)
	}
	return nil
}

// Get returns the descriptor registered under actionID.
func (r *Registry) Get(actionID string) (contracts.ActionDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[actionID]
	if !ok {
		return contracts.ActionDescriptor{}, fmt.Errorf("%w: %q", ErrActionNotFound, actionID)
	}
	return e.Descriptor, nil
}

// IsReversible reports whether the action can be undone. Unknown actions are not.
func (r *Registry) IsReversible(actionID string) bool {
	desc, err := r.Get(actionID)
	if err != nil {
		return false
	}
	return desc.IsReversible()
}

// GetUndoAPI returns the undo endpoint, or "" when none is registered.
func (r *Registry) GetUndoAPI(actionID string) string {
	desc, err := r.Get(actionID)
	if err != nil {
		return ""
	}
	return desc.UndoAPI
}

// RiskWeight returns ω for the action; unknown actions carry full weight.
func (r *Registry) RiskWeight(actionID string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[actionID]; ok {
		return e.RiskWeight
	}
	return contracts.RiskWeightAdmin
}

// HasNonReversibleActions reports whether any declared action is irreversible.
func (r *Registry) HasNonReversibleActions() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if !e.Descriptor.IsReversible() {
			return true
		}
	}
	return false
}

// MarkUndoUnhealthy records a failed health check on the undo endpoint
// without deregistering the action.
func (r *Registry) MarkUndoUnhealthy(actionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[actionID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrActionNotFound, actionID)
	}
	e.UndoHealthy = false
	return nil
}

// IsUndoHealthy reports whether the undo endpoint exists and last checked healthy.
func (r *Registry) IsUndoHealthy(actionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[actionID]
	return ok && e.UndoHealthy
}

// Actions returns all entries ordered by action id.
func (r *Registry) Actions() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Descriptor.ActionID < out[j].Descriptor.ActionID })
	return out
}

// Purge empties the registry and returns how many entries were dropped.
func (r *Registry) Purge() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	r.entries = make(map[string]*Entry)
	return n
}
