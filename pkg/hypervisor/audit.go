package hypervisor

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/audit"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/merkle"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/session"
)

// CaptureDelta appends one turn to the session's delta chain.
func (h *Hypervisor) CaptureDelta(ctx context.Context, sessionID, agentDID string, changes []audit.Change) (audit.SemanticDelta, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return audit.SemanticDelta{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return h.captureLocked(ctx, ms, agentDID, changes)
}

func (h *Hypervisor) captureLocked(ctx context.Context, ms *managedSession, agentDID string, changes []audit.Change) (audit.SemanticDelta, error) {
	if !ms.sess.Config().EnableAudit {
		return audit.SemanticDelta{}, fmt.Errorf("%w: %s", ErrAuditDisabled, ms.sess.ID())
	}
	if _, err := ms.requireActive(agentDID); err != nil {
		return audit.SemanticDelta{}, err
	}
	d, err := ms.deltas.Capture(agentDID, changes)
	if err != nil {
		return audit.SemanticDelta{}, err
	}
	h.metrics.DeltaCaptured(ctx)
	return d, nil
}

// WriteFile writes to the session workspace and, with audit enabled,
// records the write as a delta.
func (h *Hypervisor) WriteFile(ctx context.Context, sessionID, agentDID, path string, content []byte) (session.Edit, error) {
	return h.editFile(ctx, sessionID, agentDID, func(w *session.Workspace) (session.Edit, error) {
		return w.Write(path, content, agentDID)
	})
}

// DeleteFile removes a workspace file and, with audit enabled, records
// the deletion as a delta.
func (h *Hypervisor) DeleteFile(ctx context.Context, sessionID, agentDID, path string) (session.Edit, error) {
	return h.editFile(ctx, sessionID, agentDID, func(w *session.Workspace) (session.Edit, error) {
		return w.Delete(path, agentDID)
	})
}

// ReadFile reads a workspace file.
func (h *Hypervisor) ReadFile(sessionID, path string) ([]byte, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return ms.sess.Workspace().Read(path)
}

func (h *Hypervisor) editFile(ctx context.Context, sessionID, agentDID string, apply func(*session.Workspace) (session.Edit, error)) (session.Edit, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return session.Edit{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.requireState("edit workspace"); err != nil {
		return session.Edit{}, err
	}
	if _, err := ms.requireActive(agentDID); err != nil {
		return session.Edit{}, err
	}
	edit, err := apply(ms.sess.Workspace())
	if err != nil {
		return session.Edit{}, err
	}
	if !ms.sess.Config().EnableAudit {
		return edit, nil
	}
	_, err = h.captureLocked(ctx, ms, agentDID, []audit.Change{{
		Path:         edit.Path,
		Operation:    string(edit.Operation),
		ContentHash:  edit.ContentHash,
		PreviousHash: edit.PreviousHash,
	}})
	return edit, err
}

// Deltas returns a copy of the session's delta chain.
func (h *Hypervisor) Deltas(sessionID string) ([]audit.SemanticDelta, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return ms.deltas.Deltas(), nil
}

// InclusionProof proves that one turn is part of the session's Merkle root.
func (h *Hypervisor) InclusionProof(sessionID string, turn int) (*merkle.InclusionProof, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return ms.deltas.InclusionProof(turn)
}
