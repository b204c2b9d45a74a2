// Package verification scores an agent's declared transaction history
// before it is admitted to a session.
package verification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Status is the verdict on an agent's history.
type Status string

const (
	StatusVerified     Status = "verified"
	StatusProbationary Status = "probationary"
	StatusSuspicious   Status = "suspicious"
	StatusUnreachable  Status = "unreachable"
	StatusUnknown      Status = "unknown"
)

// Trustworthy is true only for verified or probationary histories.
func (s Status) Trustworthy() bool {
	return s == StatusVerified || s == StatusProbationary
}

// TransactionRecord is one entry of a declared history.
type TransactionRecord struct {
	SessionID   string    `json:"session_id"`
	SummaryHash string    `json:"summary_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// VerificationResult is cached per agent.
type VerificationResult struct {
	AgentDID            string    `json:"agent_did"`
	Status              Status    `json:"status"`
	TransactionsChecked int       `json:"transactions_checked"`
	TransactionsFound   int       `json:"transactions_found"`
	Inconsistencies     []string  `json:"inconsistencies,omitempty"`
	VerifiedAt          time.Time `json:"verified_at"`
}

// Config tunes the verifier.
type Config struct {
	MinHistoryDepth int           `yaml:"min_history_depth" json:"min_history_depth"`
	MinHashLength   int           `yaml:"min_hash_length" json:"min_hash_length"`
	CacheTTL        time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// DefaultConfig returns the standard verifier settings.
func DefaultConfig() Config {
	return Config{MinHistoryDepth: 3, MinHashLength: 16, CacheTTL: 10 * time.Minute}
}

// HistorySource fetches an agent's history from an external ledger.
type HistorySource interface {
	FetchHistory(ctx context.Context, agentDID string) ([]TransactionRecord, error)
}

type cacheEntry struct {
	result  VerificationResult
	expires time.Time
}

// HistoryVerifier checks declared histories and caches the verdicts.
type HistoryVerifier struct {
	mu     sync.Mutex
	cfg    Config
	cache  map[string]cacheEntry
	clock  func() time.Time
	logger *slog.Logger
}

// NewHistoryVerifier creates a verifier.
func NewHistoryVerifier(cfg Config) *HistoryVerifier {
	return &HistoryVerifier{
		cfg:    cfg,
		cache:  make(map[string]cacheEntry),
		clock:  time.Now,
		logger: slog.Default().With("component", "verification"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (v *HistoryVerifier) WithClock(clock func() time.Time) *HistoryVerifier {
	v.clock = clock
	return v
}

// Verify scores history for agentDID. A fresh cached verdict is returned as is.
func (v *HistoryVerifier) Verify(agentDID string, history []TransactionRecord) VerificationResult {
	if cached, ok := v.cached(agentDID); ok {
		return cached
	}
	res := v.evaluate(agentDID, history)
	v.store(res)
	return res
}

// VerifyFromSource fetches the history first. A fetch failure yields
// StatusUnreachable, which is cached like any other verdict.
func (v *HistoryVerifier) VerifyFromSource(ctx context.Context, agentDID string, src HistorySource) VerificationResult {
	if cached, ok := v.cached(agentDID); ok {
		return cached
	}
	history, err := src.FetchHistory(ctx, agentDID)
	if err != nil {
		v.logger.WarnContext(ctx, "history source unreachable", "agent_did", agentDID, "error", err)
		res := VerificationResult{
			AgentDID:        agentDID,
			Status:          StatusUnreachable,
			Inconsistencies: []string{fmt.Sprintf("history source error: %v", err)},
			VerifiedAt:      v.clock().UTC(),
		}
		v.store(res)
		return res
	}
	res := v.evaluate(agentDID, history)
	v.store(res)
	return res
}

func (v *HistoryVerifier) evaluate(agentDID string, history []TransactionRecord) VerificationResult {
	res := VerificationResult{
		AgentDID:            agentDID,
		TransactionsChecked: len(history),
		VerifiedAt:          v.clock().UTC(),
	}
	if len(history) == 0 {
		res.Status = StatusProbationary
		res.Inconsistencies = []string{"no transaction history"}
		return res
	}
	if len(history) < v.cfg.MinHistoryDepth {
		res.Status = StatusProbationary
		res.TransactionsFound = len(history)
		res.Inconsistencies = []string{fmt.Sprintf("insufficient depth: %d < %d", len(history), v.cfg.MinHistoryDepth)}
		return res
	}

	var findings []string
	seen := make(map[string]string, len(history))
	for i, tx := range history {
		if len(tx.SummaryHash) < v.cfg.MinHashLength {
			findings = append(findings, fmt.Sprintf("tx %d: malformed summary hash", i))
			continue
		}
		if prevSession, ok := seen[tx.SummaryHash]; ok && prevSession != tx.SessionID {
			findings = append(findings, fmt.Sprintf("tx %d: summary hash replayed from session %s", i, prevSession))
		} else if !ok {
			seen[tx.SummaryHash] = tx.SessionID
		}
		if i > 0 && !tx.Timestamp.After(history[i-1].Timestamp) {
			findings = append(findings, fmt.Sprintf("tx %d: non-monotonic timestamp", i))
		}
		res.TransactionsFound++
	}

	if len(findings) > 0 {
		res.Status = StatusSuspicious
		res.Inconsistencies = findings
		v.logger.Warn("suspicious transaction history", "agent_did", agentDID, "findings", len(findings))
		return res
	}
	res.Status = StatusVerified
	return res
}

func (v *HistoryVerifier) cached(agentDID string) (VerificationResult, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.cache[agentDID]
	if !ok || !v.clock().Before(e.expires) {
		return VerificationResult{}, false
	}
	return e.result, true
}

func (v *HistoryVerifier) store(res VerificationResult) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[res.AgentDID] = cacheEntry{result: res, expires: v.clock().Add(v.cfg.CacheTTL)}
}

// Status returns the cached verdict, or StatusUnknown when none is fresh.
func (v *HistoryVerifier) Status(agentDID string) Status {
	if res, ok := v.cached(agentDID); ok {
		return res.Status
	}
	return StatusUnknown
}

// IsTrustworthy reports whether the cached verdict for agentDID is
// trustworthy. Agents with no fresh verdict are not.
func (v *HistoryVerifier) IsTrustworthy(agentDID string) bool {
	return v.Status(agentDID).Trustworthy()
}

// Invalidate drops one agent's cached verdict.
func (v *HistoryVerifier) Invalidate(agentDID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.cache, agentDID)
}

// Purge drops every cached verdict and returns how many there were.
func (v *HistoryVerifier) Purge() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := len(v.cache)
	v.cache = make(map[string]cacheEntry)
	return n
}
