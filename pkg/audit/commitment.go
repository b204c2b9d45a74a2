package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/canonicalize"
)

var (
	ErrAlreadyCommitted   = errors.New("session already committed")
	ErrCommitmentNotFound = errors.New("commitment not found")
)

// CommitmentRecord is the permanent audit artifact of a session. It is
// written once; only AnchorID may be filled in later.
type CommitmentRecord struct {
	SessionID       string    `json:"session_id"`
	MerkleRoot      string    `json:"merkle_root"`
	ParticipantDIDs []string  `json:"participant_dids"`
	DeltaCount      int       `json:"delta_count"`
	CommittedAt     time.Time `json:"committed_at"`
	RecordHash      string    `json:"record_hash"`
	AnchorID        string    `json:"anchor_id,omitempty"`
}

func recordHash(r CommitmentRecord) (string, error) {
	return canonicalize.CanonicalHash(struct {
		SessionID       string    `json:"session_id"`
		MerkleRoot      string    `json:"merkle_root"`
		ParticipantDIDs []string  `json:"participant_dids"`
		DeltaCount      int       `json:"delta_count"`
		CommittedAt     time.Time `json:"committed_at"`
	}{r.SessionID, r.MerkleRoot, r.ParticipantDIDs, r.DeltaCount, r.CommittedAt})
}

// VerifyRecordHash reports whether the record's fields still match its RecordHash.
func VerifyRecordHash(r CommitmentRecord) bool {
	h, err := recordHash(r)
	return err == nil && h == r.RecordHash
}

// CommitmentStore persists commitment records.
type CommitmentStore interface {
	// Put stores a new record or fails with ErrAlreadyCommitted.
	Put(ctx context.Context, rec CommitmentRecord) error
	// Get fails with ErrCommitmentNotFound for unknown sessions.
	Get(ctx context.Context, sessionID string) (CommitmentRecord, error)
	SetAnchor(ctx context.Context, sessionID, anchorID string) error
	List(ctx context.Context) ([]CommitmentRecord, error)
}

// Anchorer publishes a commitment to an external sink and returns its locator.
type Anchorer interface {
	Anchor(ctx context.Context, rec CommitmentRecord) (string, error)
}

// MemoryStore is an in-process CommitmentStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]CommitmentRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]CommitmentRecord)}
}

func (m *MemoryStore) Put(_ context.Context, rec CommitmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.SessionID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyCommitted, rec.SessionID)
	}
	rec.ParticipantDIDs = append([]string(nil), rec.ParticipantDIDs...)
	m.records[rec.SessionID] = rec
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sessionID string) (CommitmentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return CommitmentRecord{}, fmt.Errorf("%w: %s", ErrCommitmentNotFound, sessionID)
	}
	rec.ParticipantDIDs = append([]string(nil), rec.ParticipantDIDs...)
	return rec, nil
}

func (m *MemoryStore) SetAnchor(_ context.Context, sessionID, anchorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCommitmentNotFound, sessionID)
	}
	rec.AnchorID = anchorID
	m.records[sessionID] = rec
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]CommitmentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CommitmentRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CommittedAt.Before(out[j].CommittedAt) })
	return out, nil
}

// AnchorReport summarises one flush of the anchor queue.
type AnchorReport struct {
	Anchored int      `json:"anchored"`
	Failed   int      `json:"failed"`
	Pending  int      `json:"pending"`
	Errors   []string `json:"errors,omitempty"`
}

// CommitmentEngine writes commitment records and anchors them externally
// on a deferred queue.
type CommitmentEngine struct {
	store    CommitmentStore
	anchorer Anchorer
	limiter  *rate.Limiter

	mu    sync.Mutex
	queue []string
	clock func() time.Time

	logger *slog.Logger
}

// NewCommitmentEngine creates an engine over store. A nil store uses a MemoryStore.
func NewCommitmentEngine(store CommitmentStore) *CommitmentEngine {
	if store == nil {
		store = NewMemoryStore()
	}
	return &CommitmentEngine{
		store:   store,
		limiter: rate.NewLimiter(rate.Inf, 1),
		clock:   time.Now,
		logger:  slog.Default().With("component", "commitment"),
	}
}

// WithAnchorer enables external anchoring at most perSecond times per second.
// A non-positive rate is unlimited.
func (e *CommitmentEngine) WithAnchorer(a Anchorer, perSecond float64, burst int) *CommitmentEngine {
	e.anchorer = a
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return e
}

// WithClock overrides the clock for deterministic testing.
func (e *CommitmentEngine) WithClock(clock func() time.Time) *CommitmentEngine {
	e.clock = clock
	return e
}

// WithLogger sets the structured logger.
func (e *CommitmentEngine) WithLogger(logger *slog.Logger) *CommitmentEngine {
	e.logger = logger.With("component", "commitment")
	return e
}

// Store returns the backing store.
func (e *CommitmentEngine) Store() CommitmentStore {
	return e.store
}

// Commit writes the session's record. A second commit for the same session fails.
func (e *CommitmentEngine) Commit(ctx context.Context, sessionID, root string, participants []string, deltaCount int) (CommitmentRecord, error) {
	dids := append([]string(nil), participants...)
	sort.Strings(dids)
	rec := CommitmentRecord{
		SessionID:       sessionID,
		MerkleRoot:      root,
		ParticipantDIDs: dids,
		DeltaCount:      deltaCount,
		CommittedAt:     e.clock().UTC().Truncate(time.Microsecond),
	}
	h, err := recordHash(rec)
	if err != nil {
		return CommitmentRecord{}, fmt.Errorf("commit %s: %w", sessionID, err)
	}
	rec.RecordHash = h
	if err := e.store.Put(ctx, rec); err != nil {
		return CommitmentRecord{}, err
	}
	e.logger.InfoContext(ctx, "session committed",
		"session_id", sessionID, "merkle_root", root, "deltas", deltaCount)
	return rec, nil
}

// Verify is a pure equality check of expectedRoot against the stored record.
func (e *CommitmentEngine) Verify(ctx context.Context, sessionID, expectedRoot string) bool {
	rec, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return false
	}
	return rec.MerkleRoot == expectedRoot
}

// Get returns the stored record.
func (e *CommitmentEngine) Get(ctx context.Context, sessionID string) (CommitmentRecord, error) {
	return e.store.Get(ctx, sessionID)
}

// EnqueueAnchor schedules a committed session for external anchoring.
func (e *CommitmentEngine) EnqueueAnchor(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = append(e.queue, sessionID)
}

// PendingAnchors returns the queue length.
func (e *CommitmentEngine) PendingAnchors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// FlushAnchors drains the queue through the anchorer. Failed sessions are
// re-queued for the next flush. Without an anchorer the queue is left as is.
func (e *CommitmentEngine) FlushAnchors(ctx context.Context) (AnchorReport, error) {
	if e.anchorer == nil {
		return AnchorReport{Pending: e.PendingAnchors()}, nil
	}

	e.mu.Lock()
	batch := e.queue
	e.queue = nil
	e.mu.Unlock()

	var report AnchorReport
	var retry []string
	var waitErr error
	for i, sessionID := range batch {
		if waitErr = e.limiter.Wait(ctx); waitErr != nil {
			retry = append(retry, batch[i:]...)
			report.Errors = append(report.Errors, waitErr.Error())
			break
		}
		if err := e.anchorOne(ctx, sessionID); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, err.Error())
			if !errors.Is(err, ErrCommitmentNotFound) {
				retry = append(retry, sessionID)
			}
			e.logger.WarnContext(ctx, "anchor failed", "session_id", sessionID, "error", err)
			continue
		}
		report.Anchored++
	}

	e.mu.Lock()
	e.queue = append(retry, e.queue...)
	report.Pending = len(e.queue)
	e.mu.Unlock()

	if waitErr != nil {
		return report, fmt.Errorf("anchor flush interrupted: %w", waitErr)
	}
	return report, nil
}

func (e *CommitmentEngine) anchorOne(ctx context.Context, sessionID string) error {
	rec, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec.AnchorID != "" {
		return nil
	}
	anchorID, err := e.anchorer.Anchor(ctx, rec)
	if err != nil {
		return fmt.Errorf("anchor %s: %w", sessionID, err)
	}
	if err := e.store.SetAnchor(ctx, sessionID, anchorID); err != nil {
		return fmt.Errorf("record anchor %s: %w", sessionID, err)
	}
	return nil
}

// RunAnchorLoop flushes the queue every interval until ctx is cancelled.
func (e *CommitmentEngine) RunAnchorLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.FlushAnchors(ctx); err != nil && ctx.Err() == nil {
				e.logger.WarnContext(ctx, "anchor flush failed", "error", err)
			}
		}
	}
}
