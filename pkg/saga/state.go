// Package saga runs multi-step agent transactions and rolls back committed
// steps in reverse commit order when a transaction has to be abandoned.
package saga

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSagaNotFound      = errors.New("saga not found")
	ErrStepNotFound      = errors.New("saga step not found")
	ErrInvalidTransition = errors.New("invalid saga state transition")
	ErrRetriesExhausted  = errors.New("step retries exhausted")
	ErrStepTimeout       = errors.New("step timed out")
)

// StepState is the lifecycle state of one saga step.
type StepState string

const (
	StepPending            StepState = "pending"
	StepExecuting          StepState = "executing"
	StepCommitted          StepState = "committed"
	StepFailed             StepState = "failed"
	StepCompensating       StepState = "compensating"
	StepCompensated        StepState = "compensated"
	StepCompensationFailed StepState = "compensation_failed"
)

// State is the lifecycle state of a saga.
type State string

const (
	StateRunning      State = "running"
	StateCompensating State = "compensating"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateEscalated    State = "escalated"
)

var stepTransitions = map[StepState]map[StepState]struct{}{
	StepPending:      {StepExecuting: {}},
	StepExecuting:    {StepCommitted: {}, StepFailed: {}},
	StepCommitted:    {StepCompensating: {}},
	StepCompensating: {StepCompensated: {}, StepCompensationFailed: {}},
}

var sagaTransitions = map[State]map[State]struct{}{
	StateRunning:      {StateCompensating: {}, StateCompleted: {}, StateFailed: {}},
	StateCompensating: {StateCompleted: {}, StateFailed: {}, StateEscalated: {}},
}

// IsTerminal reports whether no further saga transition is possible.
func (s State) IsTerminal() bool {
	return len(sagaTransitions[s]) == 0
}

// Step is one forward action plus its undo endpoint.
type Step struct {
	StepID        string        `json:"step_id"`
	ActionID      string        `json:"action_id"`
	AgentDID      string        `json:"agent_did"`
	ExecuteAPI    string        `json:"execute_api"`
	UndoAPI       string        `json:"undo_api,omitempty"`
	State         StepState     `json:"state"`
	Result        any           `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	Timeout       time.Duration `json:"timeout"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	RetryOf       string        `json:"retry_of,omitempty"`
	SupersededBy  string        `json:"superseded_by,omitempty"`
	CommitSeq     int64         `json:"commit_seq,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	CommittedAt   *time.Time    `json:"committed_at,omitempty"`
	CompensatedAt *time.Time    `json:"compensated_at,omitempty"`
}

func (s *Step) transition(to StepState) error {
	if _, ok := stepTransitions[s.State][to]; !ok {
		return fmt.Errorf("%w: step %s %s -> %s", ErrInvalidTransition, s.StepID, s.State, to)
	}
	s.State = to
	return nil
}

// Saga is an ordered list of steps executed on behalf of one session.
type Saga struct {
	SagaID      string     `json:"saga_id"`
	SessionID   string     `json:"session_id"`
	Steps       []*Step    `json:"steps"`
	State       State      `json:"state"`
	Error       string     `json:"error,omitempty"`
	SnapshotID  string     `json:"snapshot_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s *Saga) transition(to State) error {
	if _, ok := sagaTransitions[s.State][to]; !ok {
		return fmt.Errorf("%w: saga %s %s -> %s", ErrInvalidTransition, s.SagaID, s.State, to)
	}
	s.State = to
	return nil
}

func (s *Saga) step(stepID string) (*Step, error) {
	for _, st := range s.Steps {
		if st.StepID == stepID {
			return st, nil
		}
	}
	return nil, fmt.Errorf("%w: %s in saga %s", ErrStepNotFound, stepID, s.SagaID)
}

func (s *Saga) clone() Saga {
	out := *s
	out.Steps = make([]*Step, len(s.Steps))
	for i, st := range s.Steps {
		cp := *st
		out.Steps[i] = &cp
	}
	return out
}

// StepSpec declares a step to append to a saga. A zero Timeout uses the
// orchestrator default.
type StepSpec struct {
	ActionID   string
	AgentDID   string
	ExecuteAPI string
	UndoAPI    string
	Timeout    time.Duration
	MaxRetries int
}

// CompensationFailure is one step whose undo could not be applied.
type CompensationFailure struct {
	StepID   string `json:"step_id"`
	ActionID string `json:"action_id"`
	AgentDID string `json:"agent_did"`
	Error    string `json:"error"`
}

// CompensationReport is the full outcome of a rollback.
type CompensationReport struct {
	SagaID      string                `json:"saga_id"`
	FinalState  State                 `json:"final_state"`
	Compensated []string              `json:"compensated"`
	Failures    []CompensationFailure `json:"failures,omitempty"`
}

// Escalated reports whether any step could not be rolled back.
func (r *CompensationReport) Escalated() bool {
	return r.FinalState == StateEscalated
}

// ResponsibleAgents lists each agent owning a failed compensation once, in failure order.
func (r *CompensationReport) ResponsibleAgents() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, f := range r.Failures {
		if _, ok := seen[f.AgentDID]; ok {
			continue
		}
		seen[f.AgentDID] = struct{}{}
		out = append(out, f.AgentDID)
	}
	return out
}
