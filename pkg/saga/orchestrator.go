package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Executor performs a step's forward action. It receives a copy of the step.
type Executor func(ctx context.Context, step Step) (any, error)

// Compensator performs a step's undo action. It receives a copy of the step.
type Compensator func(ctx context.Context, step Step) error

// DefaultStepTimeout bounds executor and compensator calls when neither the
// step nor the orchestrator sets one.
const DefaultStepTimeout = 5 * time.Minute

// Orchestrator owns every saga in the process. Its lock guards state
// transitions only and is released while executors and compensators run.
type Orchestrator struct {
	mu          sync.Mutex
	sagas       map[string]*Saga
	bySession   map[string][]string
	commitSeq   int64
	stepTimeout time.Duration
	clock       func() time.Time
	logger      *slog.Logger
}

// NewOrchestrator creates an orchestrator. A non-positive stepTimeout uses DefaultStepTimeout.
func NewOrchestrator(stepTimeout time.Duration) *Orchestrator {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &Orchestrator{
		sagas:       make(map[string]*Saga),
		bySession:   make(map[string][]string),
		stepTimeout: stepTimeout,
		clock:       time.Now,
		logger:      slog.Default().With("component", "saga"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithLogger sets the structured logger.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger.With("component", "saga")
	return o
}

func (o *Orchestrator) now() time.Time {
	return o.clock().UTC()
}

// CreateSaga opens a new running saga for the session.
func (o *Orchestrator) CreateSaga(sessionID string) Saga {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := &Saga{
		SagaID:    uuid.NewString(),
		SessionID: sessionID,
		State:     StateRunning,
		CreatedAt: o.now(),
	}
	o.sagas[s.SagaID] = s
	o.bySession[sessionID] = append(o.bySession[sessionID], s.SagaID)
	return s.clone()
}

// SetSnapshot records the workspace snapshot a successful compensation
// restores. It can only be set while the saga runs.
func (o *Orchestrator) SetSnapshot(sagaID, snapshotID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, err := o.get(sagaID)
	if err != nil {
		return err
	}
	if s.State != StateRunning {
		return fmt.Errorf("%w: saga %s is %s", ErrInvalidTransition, sagaID, s.State)
	}
	s.SnapshotID = snapshotID
	return nil
}

func (o *Orchestrator) get(sagaID string) (*Saga, error) {
	s, ok := o.sagas[sagaID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, sagaID)
	}
	return s, nil
}

// AddStep appends a pending step. Steps can only be added while the saga runs.
func (o *Orchestrator) AddStep(sagaID string, spec StepSpec) (Step, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, err := o.get(sagaID)
	if err != nil {
		return Step{}, err
	}
	if s.State != StateRunning {
		return Step{}, fmt.Errorf("%w: cannot add step to %s saga %s", ErrInvalidTransition, s.State, sagaID)
	}
	st := &Step{
		StepID:     uuid.NewString(),
		ActionID:   spec.ActionID,
		AgentDID:   spec.AgentDID,
		ExecuteAPI: spec.ExecuteAPI,
		UndoAPI:    spec.UndoAPI,
		State:      StepPending,
		Timeout:    spec.Timeout,
		MaxRetries: spec.MaxRetries,
		CreatedAt:  o.now(),
	}
	if st.Timeout <= 0 {
		st.Timeout = o.stepTimeout
	}
	s.Steps = append(s.Steps, st)
	return *st, nil
}

// ExecuteStep runs a pending step. On success the step is committed with the
// executor's result; on error or timeout it is marked failed and the error is
// returned. The saga stays running either way.
func (o *Orchestrator) ExecuteStep(ctx context.Context, sagaID, stepID string, exec Executor) (any, error) {
	o.mu.Lock()
	s, err := o.get(sagaID)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if s.State != StateRunning {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot execute step in %s saga %s", ErrInvalidTransition, s.State, sagaID)
	}
	st, err := s.step(stepID)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if err := st.transition(StepExecuting); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	started := o.now()
	st.StartedAt = &started
	snapshot := *st
	o.mu.Unlock()

	result, execErr := runBounded(ctx, snapshot.Timeout, func(ctx context.Context) (any, error) {
		return exec(ctx, snapshot)
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if execErr != nil {
		st.Error = execErr.Error()
		_ = st.transition(StepFailed)
		o.logger.WarnContext(ctx, "saga step failed",
			"saga_id", sagaID, "step_id", stepID, "action_id", st.ActionID, "error", execErr)
		return nil, execErr
	}
	o.commitSeq++
	committed := o.now()
	st.Result = result
	st.CommitSeq = o.commitSeq
	st.CommittedAt = &committed
	_ = st.transition(StepCommitted)
	o.logger.DebugContext(ctx, "saga step committed",
		"saga_id", sagaID, "step_id", stepID, "action_id", st.ActionID, "seq", st.CommitSeq)
	return result, nil
}

// Compensate rolls back every committed step in reverse commit order. Steps
// without an undo endpoint fail compensation immediately. The saga ends
// escalated if any step could not be rolled back, otherwise completed.
// The returned error is non-nil only for lifecycle errors.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID string, comp Compensator) (*CompensationReport, error) {
	o.mu.Lock()
	s, err := o.get(sagaID)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	for _, st := range s.Steps {
		if st.State == StepExecuting {
			o.mu.Unlock()
			return nil, fmt.Errorf("%w: step %s still executing in saga %s", ErrInvalidTransition, st.StepID, sagaID)
		}
	}
	if err := s.transition(StateCompensating); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	targets := committedReversed(s)
	o.mu.Unlock()

	report := &CompensationReport{SagaID: sagaID}
	for _, st := range targets {
		o.mu.Lock()
		_ = st.transition(StepCompensating)
		snapshot := *st
		if snapshot.UndoAPI == "" {
			o.finishCompensation(st, errors.New("no undo endpoint registered"), report)
			o.mu.Unlock()
			continue
		}
		o.mu.Unlock()

		_, undoErr := runBounded(ctx, snapshot.Timeout, func(ctx context.Context) (any, error) {
			return nil, comp(ctx, snapshot)
		})

		o.mu.Lock()
		o.finishCompensation(st, undoErr, report)
		o.mu.Unlock()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	final := StateCompleted
	if len(report.Failures) > 0 {
		final = StateEscalated
		s.Error = fmt.Sprintf("%d step(s) failed compensation", len(report.Failures))
	}
	_ = s.transition(final)
	done := o.now()
	s.CompletedAt = &done
	report.FinalState = final

	if final == StateEscalated {
		o.logger.WarnContext(ctx, "saga escalated",
			"saga_id", sagaID, "session_id", s.SessionID, "failures", len(report.Failures))
	} else {
		o.logger.InfoContext(ctx, "saga compensated",
			"saga_id", sagaID, "session_id", s.SessionID, "steps", len(report.Compensated))
	}
	return report, nil
}

// finishCompensation must be called with o.mu held.
func (o *Orchestrator) finishCompensation(st *Step, undoErr error, report *CompensationReport) {
	done := o.now()
	st.CompensatedAt = &done
	if undoErr != nil {
		st.Error = undoErr.Error()
		_ = st.transition(StepCompensationFailed)
		report.Failures = append(report.Failures, CompensationFailure{
			StepID:   st.StepID,
			ActionID: st.ActionID,
			AgentDID: st.AgentDID,
			Error:    undoErr.Error(),
		})
		return
	}
	_ = st.transition(StepCompensated)
	report.Compensated = append(report.Compensated, st.StepID)
}

func committedReversed(s *Saga) []*Step {
	var out []*Step
	for _, st := range s.Steps {
		if st.State == StepCommitted {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommitSeq > out[j].CommitSeq })
	return out
}

// CommittedStepsReversed returns copies of the committed steps, most recent commit first.
func (o *Orchestrator) CommittedStepsReversed(sagaID string) ([]Step, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, err := o.get(sagaID)
	if err != nil {
		return nil, err
	}
	steps := committedReversed(s)
	out := make([]Step, len(steps))
	for i, st := range steps {
		out[i] = *st
	}
	return out, nil
}

// CompleteSaga closes a running saga whose live steps are all committed.
// Failed steps that were superseded by a retry do not block completion.
func (o *Orchestrator) CompleteSaga(sagaID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, err := o.get(sagaID)
	if err != nil {
		return err
	}
	for _, st := range s.Steps {
		if st.State == StepCommitted || (st.State == StepFailed && st.SupersededBy != "") {
			continue
		}
		return fmt.Errorf("%w: saga %s has step %s in state %s", ErrInvalidTransition, sagaID, st.StepID, st.State)
	}
	if err := s.transition(StateCompleted); err != nil {
		return err
	}
	done := o.now()
	s.CompletedAt = &done
	return nil
}

// FailSaga abandons a saga without compensation.
func (o *Orchestrator) FailSaga(sagaID, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, err := o.get(sagaID)
	if err != nil {
		return err
	}
	if err := s.transition(StateFailed); err != nil {
		return err
	}
	s.Error = reason
	done := o.now()
	s.CompletedAt = &done
	return nil
}

// RetryStep appends a fresh pending copy of a failed step. The failed step
// keeps its state and points at its replacement.
func (o *Orchestrator) RetryStep(sagaID, stepID string) (Step, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, err := o.get(sagaID)
	if err != nil {
		return Step{}, err
	}
	if s.State != StateRunning {
		return Step{}, fmt.Errorf("%w: cannot retry in %s saga %s", ErrInvalidTransition, s.State, sagaID)
	}
	old, err := s.step(stepID)
	if err != nil {
		return Step{}, err
	}
	if old.State != StepFailed || old.SupersededBy != "" {
		return Step{}, fmt.Errorf("%w: step %s is %s", ErrInvalidTransition, stepID, old.State)
	}
	if old.RetryCount >= old.MaxRetries {
		return Step{}, fmt.Errorf("%w: step %s after %d retries", ErrRetriesExhausted, stepID, old.RetryCount)
	}
	retry := &Step{
		StepID:     uuid.NewString(),
		ActionID:   old.ActionID,
		AgentDID:   old.AgentDID,
		ExecuteAPI: old.ExecuteAPI,
		UndoAPI:    old.UndoAPI,
		State:      StepPending,
		Timeout:    old.Timeout,
		RetryCount: old.RetryCount + 1,
		MaxRetries: old.MaxRetries,
		RetryOf:    old.StepID,
		CreatedAt:  o.now(),
	}
	old.SupersededBy = retry.StepID
	s.Steps = append(s.Steps, retry)
	return *retry, nil
}

// Get returns a copy of the saga.
func (o *Orchestrator) Get(sagaID string) (Saga, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, err := o.get(sagaID)
	if err != nil {
		return Saga{}, err
	}
	return s.clone(), nil
}

// ListForSession returns copies of the session's sagas in creation order.
func (o *Orchestrator) ListForSession(sessionID string) []Saga {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := o.bySession[sessionID]
	out := make([]Saga, 0, len(ids))
	for _, id := range ids {
		out = append(out, o.sagas[id].clone())
	}
	return out
}

// PurgeSession forgets every saga of the session and returns how many were dropped.
func (o *Orchestrator) PurgeSession(sessionID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := o.bySession[sessionID]
	for _, id := range ids {
		delete(o.sagas, id)
	}
	delete(o.bySession, sessionID)
	return len(ids)
}

// runBounded invokes fn under timeout and returns as soon as either fn
// finishes or the deadline passes. A callback that ignores its context
// keeps running in the background after a timeout.
func runBounded(ctx context.Context, timeout time.Duration, fn func(context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		val any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("step callback panicked: %v", r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{val: v, err: err}
	}()

	select {
	case out := <-done:
		return out.val, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrStepTimeout, timeout)
		}
		return nil, ctx.Err()
	}
}
