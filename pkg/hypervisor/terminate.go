package hypervisor

import (
	"context"
	"errors"
	"time"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/audit"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/liability"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/session"
)

// LiabilitySnapshot is the vouching and slashing state kept after a
// session's bonds are released.
type LiabilitySnapshot struct {
	SessionID string                   `json:"session_id"`
	Edges     []liability.Edge         `json:"edges"`
	Slashes   []*liability.SlashResult `json:"slashes,omitempty"`
	Scores    map[string]float64       `json:"scores"`
	TakenAt   time.Time                `json:"taken_at"`
}

// TerminateSession ends a session and returns its Merkle root, or "" when
// audit is off or nothing was recorded. With audit on the root is committed
// and queued for anchoring. Bonds are released, ephemeral state is collected
// and the session is archived. A session left terminating by an earlier
// failure can be terminated again.
func (h *Hypervisor) TerminateSession(ctx context.Context, sessionID string) (string, error) {
	ctx, done := h.metrics.TrackOperation(ctx, "hypervisor.terminate_session")
	root, err := h.terminate(ctx, sessionID)
	done(err)
	return root, err
}

func (h *Hypervisor) terminate(ctx context.Context, sessionID string) (string, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return "", err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.sess.State() != session.StateTerminating {
		if err := ms.sess.Terminate(); err != nil {
			return "", err
		}
	}

	var commitment *audit.CommitmentRecord
	root := ""
	if ms.sess.Config().EnableAudit {
		if err := ms.deltas.VerifyChain(); err != nil {
			return "", err
		}
		root = ms.deltas.ComputeMerkleRoot()
		rec, err := h.commitments.Get(ctx, sessionID)
		if errors.Is(err, audit.ErrCommitmentNotFound) {
			rec, err = h.commitments.Commit(ctx, sessionID, root, participantDIDs(ms.sess), ms.deltas.Len())
			if err != nil {
				return "", err
			}
			h.commitments.EnqueueAnchor(sessionID)
		} else if err != nil {
			return "", err
		}
		commitment = &rec
		if h.archive != nil {
			if err := h.archive.ArchiveDeltas(ctx, sessionID, ms.deltas.Deltas()); err != nil {
				return "", err
			}
		}
	}
	ms.root = root

	snapshot := LiabilitySnapshot{
		SessionID: sessionID,
		Edges:     h.vouching.Matrix().Snapshot(sessionID),
		Slashes:   h.slashing.History(sessionID),
		Scores:    make(map[string]float64, len(ms.scores)),
		TakenAt:   h.clock().UTC(),
	}
	for did, s := range ms.scores {
		snapshot.Scores[did] = s
	}
	released := h.vouching.ReleaseSessionBonds(sessionID)

	req := audit.CollectRequest{
		SessionID:         sessionID,
		Workspace:         ms.sess.Workspace(),
		Caches:            []audit.Purger{ms.registry, ms.enforcer.Classifier()},
		Commitment:        commitment,
		LiabilitySnapshot: snapshot,
	}
	if ms.sess.Config().EnableAudit {
		req.Deltas = ms.deltas
	}
	gc := h.gc.Collect(ctx, req)
	if ms.sess.Config().EnableAudit {
		ms.deltas.Purge()
	}

	h.sagas.PurgeSession(sessionID)
	h.consensus.PurgeSession(sessionID)
	h.slashing.ClearHistory(sessionID)
	h.vouching.Matrix().ClearSession(sessionID)

	if err := ms.sess.Archive(); err != nil {
		return "", err
	}
	h.metrics.GCPurged(ctx, gc.PurgedCount)
	h.metrics.SessionClosed(ctx)
	h.logger.InfoContext(ctx, "session terminated",
		"session_id", sessionID,
		"merkle_root", root,
		"bonds_released", released,
		"purged", gc.PurgedCount,
	)
	return root, nil
}

// MerkleRoot returns the root recorded when the session terminated.
func (h *Hypervisor) MerkleRoot(sessionID string) (string, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return "", err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.root, nil
}

// VerifySession checks a claimed root against the committed record.
func (h *Hypervisor) VerifySession(ctx context.Context, sessionID, root string) bool {
	return h.commitments.Verify(ctx, sessionID, root)
}

// Tick runs one round of housekeeping: anchors queued commitments, times
// out consensus requests, expires retained delta chains and terminates
// sessions past their maximum duration.
func (h *Hypervisor) Tick(ctx context.Context) {
	report, err := h.commitments.FlushAnchors(ctx)
	if err != nil {
		h.logger.WarnContext(ctx, "anchor flush interrupted", "error", err)
	}
	if report.Failed > 0 {
		h.metrics.AnchorFailed(ctx, report.Failed)
	}

	for _, r := range h.consensus.CheckTimeouts(ctx) {
		h.logger.InfoContext(ctx, "consensus timed out",
			"request_id", r.RequestID, "session_id", r.SessionID)
	}

	now := h.clock()
	if n := h.gc.ExpireRetained(now); n > 0 {
		h.logger.InfoContext(ctx, "retained delta chains expired", "count", n)
	}

	h.mu.RLock()
	var expired []string
	for id, ms := range h.sessions {
		st := ms.sess.State()
		if (st == session.StateHandshaking || st == session.StateActive) && ms.sess.Expired(now) {
			expired = append(expired, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range expired {
		if _, err := h.TerminateSession(ctx, id); err != nil {
			h.logger.ErrorContext(ctx, "expired session termination failed", "session_id", id, "error", err)
		}
	}
}

// Run calls Tick every interval until ctx is cancelled.
func (h *Hypervisor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

func participantDIDs(s *session.Session) []string {
	ps := s.Participants()
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.AgentDID)
	}
	return out
}
