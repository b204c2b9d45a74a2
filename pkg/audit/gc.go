package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/session"
)

// ArtifactSource is the purgeable side of a session workspace.
type ArtifactSource interface {
	ListArtifacts() []session.Artifact
	PurgeArtifact(a session.Artifact) error
	EstimateBytes() int64
}

// Purger is any per-session cache that can be emptied.
type Purger interface {
	Purge() int
}

// CollectRequest names everything the collector may touch for one session.
type CollectRequest struct {
	SessionID         string
	Workspace         ArtifactSource
	Caches            []Purger
	Deltas            *DeltaEngine
	Commitment        *CommitmentRecord
	LiabilitySnapshot any
}

// GCResult reports one collection.
type GCResult struct {
	SessionID        string    `json:"session_id"`
	PurgedCount      int       `json:"purged_count"`
	BytesBefore      int64     `json:"bytes_before"`
	BytesAfter       int64     `json:"bytes_after"`
	Retained         []string  `json:"retained"`
	Errors           []string  `json:"errors,omitempty"`
	AlreadyCollected bool      `json:"already_collected"`
	CollectedAt      time.Time `json:"collected_at"`
}

// Retained is what survives collection of a session.
type Retained struct {
	Commitment        *CommitmentRecord `json:"commitment,omitempty"`
	Deltas            []SemanticDelta   `json:"deltas,omitempty"`
	DeltasExpireAt    time.Time         `json:"deltas_expire_at"`
	LiabilitySnapshot any               `json:"liability_snapshot,omitempty"`
}

// EphemeralGC purges session working state once per session.
type EphemeralGC struct {
	mu             sync.Mutex
	deltaRetention time.Duration
	collected      map[string]struct{}
	retained       map[string]*Retained
	clock          func() time.Time
	logger         *slog.Logger
}

// NewEphemeralGC creates a collector. Delta chains are retained for deltaRetention;
// zero keeps them until the process exits.
func NewEphemeralGC(deltaRetention time.Duration) *EphemeralGC {
	return &EphemeralGC{
		deltaRetention: deltaRetention,
		collected:      make(map[string]struct{}),
		retained:       make(map[string]*Retained),
		clock:          time.Now,
		logger:         slog.Default().With("component", "gc"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *EphemeralGC) WithClock(clock func() time.Time) *EphemeralGC {
	g.clock = clock
	return g
}

// WithLogger sets the structured logger.
func (g *EphemeralGC) WithLogger(logger *slog.Logger) *EphemeralGC {
	g.logger = logger.With("component", "gc")
	return g
}

// Collect purges the workspace and caches while retaining the commitment,
// the delta chain and the liability snapshot. A failed artifact purge is
// recorded and the run continues. Re-collecting a session is a no-op.
func (g *EphemeralGC) Collect(ctx context.Context, req CollectRequest) GCResult {
	now := g.clock().UTC()
	res := GCResult{SessionID: req.SessionID, CollectedAt: now}

	g.mu.Lock()
	if _, done := g.collected[req.SessionID]; done {
		g.mu.Unlock()
		res.AlreadyCollected = true
		return res
	}
	// Claimed up front so a concurrent collect of the same session is a no-op.
	g.collected[req.SessionID] = struct{}{}
	g.mu.Unlock()

	if req.Workspace != nil {
		res.BytesBefore = req.Workspace.EstimateBytes()
		for _, a := range req.Workspace.ListArtifacts() {
			if err := ctx.Err(); err != nil {
				res.Errors = append(res.Errors, err.Error())
				break
			}
			if err := req.Workspace.PurgeArtifact(a); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", a.Kind, a.ID, err))
				continue
			}
			res.PurgedCount++
		}
		res.BytesAfter = req.Workspace.EstimateBytes()
	}
	for _, c := range req.Caches {
		if c != nil {
			res.PurgedCount += c.Purge()
		}
	}

	keep := &Retained{LiabilitySnapshot: req.LiabilitySnapshot}
	if req.Commitment != nil {
		rec := *req.Commitment
		keep.Commitment = &rec
		res.Retained = append(res.Retained, "commitment")
	}
	if req.Deltas != nil {
		keep.Deltas = req.Deltas.Deltas()
		if g.deltaRetention > 0 {
			keep.DeltasExpireAt = now.Add(g.deltaRetention)
		}
		res.Retained = append(res.Retained, "delta_chain")
	}
	if req.LiabilitySnapshot != nil {
		res.Retained = append(res.Retained, "liability_snapshot")
	}

	g.mu.Lock()
	g.retained[req.SessionID] = keep
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "session collected",
		"session_id", req.SessionID,
		"purged", res.PurgedCount,
		"bytes_before", res.BytesBefore,
		"bytes_after", res.BytesAfter,
		"errors", len(res.Errors))
	return res
}

// IsCollected reports whether the session has been collected.
func (g *EphemeralGC) IsCollected(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.collected[sessionID]
	return ok
}

// Retained returns what was kept for a collected session.
func (g *EphemeralGC) Retained(sessionID string) (Retained, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.retained[sessionID]
	if !ok {
		return Retained{}, false
	}
	return *r, true
}

// ExpireRetained drops delta chains whose retention window has passed and
// returns how many chains were dropped. Only the commitment outlives the
// window; a session retained without one is forgotten entirely.
func (g *EphemeralGC) ExpireRetained(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, r := range g.retained {
		if r.DeltasExpireAt.IsZero() || !now.After(r.DeltasExpireAt) {
			continue
		}
		if r.Deltas != nil {
			n++
		}
		if r.Commitment == nil {
			delete(g.retained, id)
			continue
		}
		g.retained[id] = &Retained{Commitment: r.Commitment}
	}
	return n
}
