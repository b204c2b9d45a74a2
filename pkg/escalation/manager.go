// Package escalation runs the multi-party approval workflow an agent needs
// before it may act at Ring 1.
//
// The manager creates consensus requests, collects approvals from other
// participants until a quorum is met, expires stale requests and produces
// hashed receipts for the audit trail.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/canonicalize"
)

// DefaultTTL applies when a request is created without one.
const DefaultTTL = 5 * time.Minute

var (
	ErrRequestNotFound   = errors.New("consensus request not found")
	ErrNotPending        = errors.New("consensus request is not pending")
	ErrSelfApproval      = errors.New("requester cannot approve own request")
	ErrDuplicateApproval = errors.New("approver already approved")
)

// Status is the lifecycle state of a consensus request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusTimedOut Status = "timed_out"
)

// Request asks the session for permission to run one privileged action.
type Request struct {
	RequestID    string    `json:"request_id"`
	SessionID    string    `json:"session_id"`
	ActionID     string    `json:"action_id"`
	RequesterDID string    `json:"requester_did"`
	Quorum       int       `json:"quorum"`
	Approvals    []string  `json:"approvals"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (r *Request) clone() Request {
	out := *r
	out.Approvals = append([]string(nil), r.Approvals...)
	return out
}

// Receipt records how a request was resolved.
type Receipt struct {
	ReceiptID   string    `json:"receipt_id"`
	RequestID   string    `json:"request_id"`
	SessionID   string    `json:"session_id"`
	Outcome     Status    `json:"outcome"`
	ApprovedBy  []string  `json:"approved_by,omitempty"`
	DeniedBy    string    `json:"denied_by,omitempty"`
	DenyReason  string    `json:"deny_reason,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
	DurationMs  int64     `json:"duration_ms"`
	ContentHash string    `json:"content_hash"`
}

// Manager handles the lifecycle of consensus requests.
type Manager struct {
	mu       sync.Mutex
	requests map[string]*Request
	clock    func() time.Time
}

// NewManager creates a new consensus manager.
func NewManager() *Manager {
	return &Manager{
		requests: make(map[string]*Request),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// RequestConsensus opens a request. Quorum below one is raised to one.
func (m *Manager) RequestConsensus(_ context.Context, sessionID, actionID, requesterDID string, quorum int, ttl time.Duration) (Request, error) {
	if sessionID == "" || actionID == "" || requesterDID == "" {
		return Request{}, fmt.Errorf("consensus request needs session, action and requester")
	}
	if quorum < 1 {
		quorum = 1
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.clock()
	req := &Request{
		RequestID:    uuid.New().String(),
		SessionID:    sessionID,
		ActionID:     actionID,
		RequesterDID: requesterDID,
		Quorum:       quorum,
		Approvals:    []string{},
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	m.mu.Lock()
	m.requests[req.RequestID] = req
	m.mu.Unlock()

	return req.clone(), nil
}

// Approve records one approval. It returns a receipt once the quorum is met
// or the request turns out to have expired, and nil while still pending.
func (m *Manager) Approve(_ context.Context, requestID, approverDID string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRequestNotFound, requestID)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w: %q (status=%s)", ErrNotPending, requestID, req.Status)
	}

	now := m.clock()
	if now.After(req.ExpiresAt) {
		req.Status = StatusTimedOut
		return m.createReceipt(req, now), nil
	}
	if approverDID == req.RequesterDID {
		return nil, ErrSelfApproval
	}
	for _, a := range req.Approvals {
		if a == approverDID {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateApproval, approverDID)
		}
	}

	req.Approvals = append(req.Approvals, approverDID)
	if len(req.Approvals) < req.Quorum {
		return nil, nil
	}
	req.Status = StatusApproved
	return m.createReceipt(req, now), nil
}

// Deny rejects a pending request outright.
func (m *Manager) Deny(_ context.Context, requestID, denierDID, reason string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRequestNotFound, requestID)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w: %q (status=%s)", ErrNotPending, requestID, req.Status)
	}

	req.Status = StatusDenied
	receipt := m.createReceipt(req, m.clock())
	receipt.DeniedBy = denierDID
	receipt.DenyReason = reason
	return receipt, nil
}

// HasConsensus reports whether agentDID holds an approved, unexpired request
// for actionID in sessionID.
func (m *Manager) HasConsensus(sessionID, actionID, agentDID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	for _, req := range m.requests {
		if req.Status == StatusApproved && req.SessionID == sessionID &&
			req.ActionID == actionID && req.RequesterDID == agentDID && !now.After(req.ExpiresAt) {
			return true
		}
	}
	return false
}

// CheckTimeouts expires overdue pending requests and returns their receipts.
func (m *Manager) CheckTimeouts(_ context.Context) []*Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var receipts []*Receipt
	for _, req := range m.requests {
		if req.Status != StatusPending {
			continue
		}
		if now.After(req.ExpiresAt) {
			req.Status = StatusTimedOut
			receipts = append(receipts, m.createReceipt(req, now))
		}
	}
	sort.Slice(receipts, func(i, j int) bool { return receipts[i].RequestID < receipts[j].RequestID })
	return receipts
}

// Get returns a copy of a request.
func (m *Manager) Get(requestID string) (Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return Request{}, fmt.Errorf("%w: %q", ErrRequestNotFound, requestID)
	}
	return req.clone(), nil
}

// PendingCount returns the number of pending requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, req := range m.requests {
		if req.Status == StatusPending {
			count++
		}
	}
	return count
}

// PurgeSession drops every request belonging to sessionID.
func (m *Manager) PurgeSession(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, req := range m.requests {
		if req.SessionID == sessionID {
			delete(m.requests, id)
			n++
		}
	}
	return n
}

func (m *Manager) createReceipt(req *Request, resolvedAt time.Time) *Receipt {
	receipt := &Receipt{
		ReceiptID:  uuid.New().String(),
		RequestID:  req.RequestID,
		SessionID:  req.SessionID,
		Outcome:    req.Status,
		ResolvedAt: resolvedAt,
		DurationMs: resolvedAt.Sub(req.CreatedAt).Milliseconds(),
	}
	if req.Status == StatusApproved {
		receipt.ApprovedBy = append([]string(nil), req.Approvals...)
	}

	hashable := struct {
		RequestID  string   `json:"request_id"`
		ActionID   string   `json:"action_id"`
		Outcome    Status   `json:"outcome"`
		ApprovedBy []string `json:"approved_by"`
	}{
		RequestID:  req.RequestID,
		ActionID:   req.ActionID,
		Outcome:    req.Status,
		ApprovedBy: receipt.ApprovedBy,
	}
	if h, err := canonicalize.CanonicalHash(hashable); err == nil {
		receipt.ContentHash = "sha256:" + h
	}
	return receipt
}
