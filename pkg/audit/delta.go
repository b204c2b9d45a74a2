// Package audit records each agent turn as a hash-chained delta, commits the
// session's Merkle root at termination and collects ephemeral session state.
package audit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/canonicalize"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/merkle"
)

// ErrChainBroken is returned by VerifyChain when a hash or parent link does not match.
var ErrChainBroken = errors.New("delta chain broken")

// Change is one atomic workspace change inside a delta.
type Change struct {
	Path         string `json:"path"`
	Operation    string `json:"operation"`
	ContentHash  string `json:"content_hash,omitempty"`
	PreviousHash string `json:"previous_hash,omitempty"`
}

// SemanticDelta is one turn's recorded changes. ParentHash is nil only for turn 0.
type SemanticDelta struct {
	DeltaID    string    `json:"delta_id"`
	SessionID  string    `json:"session_id"`
	TurnID     int       `json:"turn_id"`
	AgentDID   string    `json:"agent_did"`
	Timestamp  time.Time `json:"timestamp"`
	Changes    []Change  `json:"changes"`
	ParentHash *string   `json:"parent_hash"`
	DeltaHash  string    `json:"delta_hash"`
}

// ComputeHash hashes the canonical JSON of every field except DeltaHash.
func (d *SemanticDelta) ComputeHash() (string, error) {
	changes := d.Changes
	if changes == nil {
		changes = []Change{}
	}
	return canonicalize.CanonicalHash(struct {
		DeltaID    string    `json:"delta_id"`
		SessionID  string    `json:"session_id"`
		TurnID     int       `json:"turn_id"`
		AgentDID   string    `json:"agent_did"`
		Timestamp  time.Time `json:"timestamp"`
		Changes    []Change  `json:"changes"`
		ParentHash *string   `json:"parent_hash"`
	}{d.DeltaID, d.SessionID, d.TurnID, d.AgentDID, d.Timestamp, changes, d.ParentHash})
}

// DeltaEngine holds one session's delta chain. Capture order is turn order
// is Merkle-leaf order.
type DeltaEngine struct {
	mu        sync.RWMutex
	sessionID string
	deltas    []SemanticDelta
	clock     func() time.Time
}

// NewDeltaEngine creates an empty chain for sessionID.
func NewDeltaEngine(sessionID string) *DeltaEngine {
	return &DeltaEngine{sessionID: sessionID, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *DeltaEngine) WithClock(clock func() time.Time) *DeltaEngine {
	e.clock = clock
	return e
}

// Capture appends the next delta.
func (e *DeltaEngine) Capture(agentDID string, changes []Change) (SemanticDelta, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := make([]Change, len(changes))
	copy(cp, changes)
	d := SemanticDelta{
		DeltaID:   uuid.NewString(),
		SessionID: e.sessionID,
		TurnID:    len(e.deltas),
		AgentDID:  agentDID,
		Timestamp: e.clock().UTC(),
		Changes:   cp,
	}
	if n := len(e.deltas); n > 0 {
		parent := e.deltas[n-1].DeltaHash
		d.ParentHash = &parent
	}
	h, err := d.ComputeHash()
	if err != nil {
		return SemanticDelta{}, fmt.Errorf("capture delta: %w", err)
	}
	d.DeltaHash = h
	e.deltas = append(e.deltas, d)
	return d, nil
}

// VerifyChain recomputes every hash and parent link.
func (e *DeltaEngine) VerifyChain() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return VerifyDeltas(e.deltas)
}

// VerifyDeltas checks a chain held outside an engine, such as one loaded from storage.
func VerifyDeltas(deltas []SemanticDelta) error {
	for i := range deltas {
		d := &deltas[i]
		want, err := d.ComputeHash()
		if err != nil {
			return fmt.Errorf("%w: turn %d: %v", ErrChainBroken, i, err)
		}
		if want != d.DeltaHash {
			return fmt.Errorf("%w: turn %d hash mismatch", ErrChainBroken, i)
		}
		if d.TurnID != i {
			return fmt.Errorf("%w: turn %d has turn id %d", ErrChainBroken, i, d.TurnID)
		}
		if i == 0 {
			if d.ParentHash != nil {
				return fmt.Errorf("%w: first delta has a parent hash", ErrChainBroken)
			}
			continue
		}
		if d.ParentHash == nil || *d.ParentHash != deltas[i-1].DeltaHash {
			return fmt.Errorf("%w: turn %d parent link mismatch", ErrChainBroken, i)
		}
	}
	return nil
}

func (e *DeltaEngine) leaves() []string {
	return deltaLeaves(e.deltas)
}

func deltaLeaves(deltas []SemanticDelta) []string {
	out := make([]string, len(deltas))
	for i, d := range deltas {
		out[i] = d.DeltaHash
	}
	return out
}

// ComputeMerkleRoot returns the root over all delta hashes, or "" when there are none.
func (e *DeltaEngine) ComputeMerkleRoot() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return merkle.Root(e.leaves())
}

// MerkleRootOf recomputes the root of a chain held outside an engine.
func MerkleRootOf(deltas []SemanticDelta) string {
	return merkle.Root(deltaLeaves(deltas))
}

// InclusionProof proves the delta at turn is part of the current root.
func (e *DeltaEngine) InclusionProof(turn int) (*merkle.InclusionProof, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return merkle.Build(e.leaves()).Proof(turn)
}

// Deltas returns a copy of the chain.
func (e *DeltaEngine) Deltas() []SemanticDelta {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SemanticDelta, len(e.deltas))
	copy(out, e.deltas)
	return out
}

// Len returns the number of captured deltas.
func (e *DeltaEngine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.deltas)
}

// Purge drops the chain and returns how many deltas it held.
func (e *DeltaEngine) Purge() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.deltas)
	e.deltas = nil
	return n
}

// EstimateBytes approximates the chain's size in memory.
func (e *DeltaEngine) EstimateBytes() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var n int64
	for _, d := range e.deltas {
		n += int64(len(d.DeltaID) + len(d.AgentDID) + 2*len(d.DeltaHash) + 32)
		for _, c := range d.Changes {
			n += int64(len(c.Path) + len(c.Operation) + len(c.ContentHash) + len(c.PreviousHash))
		}
	}
	return n
}
