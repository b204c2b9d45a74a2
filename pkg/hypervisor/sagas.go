package hypervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/audit"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/saga"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/session"
)

// BeginSaga opens a saga on an active session and snapshots the workspace
// so a clean compensation can roll it back.
func (h *Hypervisor) BeginSaga(ctx context.Context, sessionID string) (saga.Saga, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return saga.Saga{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.requireState("begin saga"); err != nil {
		return saga.Saga{}, err
	}
	s := h.sagas.CreateSaga(sessionID)
	snap := ms.sess.CreateSnapshot()
	if err := h.sagas.SetSnapshot(s.SagaID, snap); err != nil {
		return saga.Saga{}, err
	}
	s.SnapshotID = snap
	h.logger.DebugContext(ctx, "saga started", "session_id", sessionID, "saga_id", s.SagaID, "snapshot_id", snap)
	return s, nil
}

// StepRequest appends one registered action to a saga.
type StepRequest struct {
	AgentDID   string
	ActionID   string
	Timeout    time.Duration
	MaxRetries int
}

// AddStep appends a step whose execute and undo endpoints come from the
// session's action registry.
func (h *Hypervisor) AddStep(ctx context.Context, sessionID, sagaID string, req StepRequest) (saga.Step, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return saga.Step{}, err
	}
	if err := h.sagaInSession(sessionID, sagaID); err != nil {
		return saga.Step{}, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, err := ms.requireActive(req.AgentDID); err != nil {
		return saga.Step{}, err
	}
	desc, err := ms.registry.Get(req.ActionID)
	if err != nil {
		return saga.Step{}, err
	}
	undo := ""
	if ms.registry.IsUndoHealthy(req.ActionID) {
		undo = ms.registry.GetUndoAPI(req.ActionID)
	}
	return h.sagas.AddStep(sagaID, saga.StepSpec{
		ActionID:   req.ActionID,
		AgentDID:   req.AgentDID,
		ExecuteAPI: desc.ExecuteAPI,
		UndoAPI:    undo,
		Timeout:    req.Timeout,
		MaxRetries: req.MaxRetries,
	})
}

// ExecuteStep runs a pending step. No session lock is held while exec runs.
func (h *Hypervisor) ExecuteStep(ctx context.Context, sessionID, sagaID, stepID string, exec saga.Executor) (any, error) {
	if err := h.sagaInSession(sessionID, sagaID); err != nil {
		return nil, err
	}
	ctx, done := h.metrics.TrackOperation(ctx, "hypervisor.execute_step")
	result, err := h.sagas.ExecuteStep(ctx, sagaID, stepID, exec)
	done(err)
	if err != nil {
		h.metrics.StepFinished(ctx, string(saga.StepFailed))
	} else {
		h.metrics.StepFinished(ctx, string(saga.StepCommitted))
	}
	return result, err
}

// RetryStep re-queues a failed step as a new pending step.
func (h *Hypervisor) RetryStep(ctx context.Context, sessionID, sagaID, stepID string) (saga.Step, error) {
	if err := h.sagaInSession(sessionID, sagaID); err != nil {
		return saga.Step{}, err
	}
	return h.sagas.RetryStep(sagaID, stepID)
}

// Compensate rolls back every committed step of the saga in reverse commit
// order on behalf of agentDID. Undo endpoints that failed are marked
// unhealthy so later steps are not built on them. An escalated report names
// the responsible agents; the caller decides whether to slash them. A clean
// rollback also restores the workspace to the snapshot taken at BeginSaga.
func (h *Hypervisor) Compensate(ctx context.Context, sessionID, sagaID, agentDID string, comp saga.Compensator) (*saga.CompensationReport, error) {
	if err := h.sagaInSession(sessionID, sagaID); err != nil {
		return nil, err
	}
	ms, err := h.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	_, err = ms.requireActive(agentDID)
	ms.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ctx, done := h.metrics.TrackOperation(ctx, "hypervisor.compensate")
	report, err := h.sagas.Compensate(ctx, sagaID, comp)
	done(err)
	if err != nil {
		return nil, err
	}
	h.metrics.Compensation(ctx, string(report.FinalState))

	if report.Escalated() {
		ms.mu.Lock()
		for _, f := range report.Failures {
			_ = ms.registry.MarkUndoUnhealthy(f.ActionID)
		}
		ms.mu.Unlock()
		h.logger.WarnContext(ctx, "compensation escalated",
			"session_id", sessionID,
			"saga_id", sagaID,
			"responsible_agents", report.ResponsibleAgents(),
		)
		return report, nil
	}
	if err := h.restoreWorkspace(ctx, ms, sagaID, agentDID); err != nil {
		return report, err
	}
	return report, nil
}

// restoreWorkspace rolls the workspace back to the saga's snapshot and, with
// audit enabled, records the restore as a delta.
func (h *Hypervisor) restoreWorkspace(ctx context.Context, ms *managedSession, sagaID, agentDID string) error {
	sg, err := h.sagas.Get(sagaID)
	if err != nil {
		return err
	}
	if sg.SnapshotID == "" {
		return nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.sess.RestoreSnapshot(sg.SnapshotID, agentDID); err != nil {
		return fmt.Errorf("restore workspace for saga %s: %w", sagaID, err)
	}
	h.logger.InfoContext(ctx, "workspace restored",
		"session_id", ms.sess.ID(), "saga_id", sagaID, "snapshot_id", sg.SnapshotID, "agent_did", agentDID)
	if !ms.sess.Config().EnableAudit {
		return nil
	}
	_, err = h.captureLocked(ctx, ms, agentDID, []audit.Change{{
		Path:      "/",
		Operation: string(session.OpRestore),
	}})
	return err
}

// CompleteSaga marks a saga whose steps all committed as completed.
func (h *Hypervisor) CompleteSaga(ctx context.Context, sessionID, sagaID string) error {
	if err := h.sagaInSession(sessionID, sagaID); err != nil {
		return err
	}
	return h.sagas.CompleteSaga(sagaID)
}

// Saga returns a copy of one saga.
func (h *Hypervisor) Saga(sessionID, sagaID string) (saga.Saga, error) {
	if err := h.sagaInSession(sessionID, sagaID); err != nil {
		return saga.Saga{}, err
	}
	return h.sagas.Get(sagaID)
}

// Sagas lists every saga of the session.
func (h *Hypervisor) Sagas(sessionID string) []saga.Saga {
	return h.sagas.ListForSession(sessionID)
}

func (h *Hypervisor) sagaInSession(sessionID, sagaID string) error {
	s, err := h.sagas.Get(sagaID)
	if err != nil {
		return err
	}
	if s.SessionID != sessionID {
		return fmt.Errorf("%w: saga %s, session %s", ErrSagaNotInSession, sagaID, sessionID)
	}
	return nil
}
