// Package hypervisor wires the session, ring, liability, saga, audit and
// verification engines into one governance runtime for multi-agent sessions.
//
// The session table is the only process-wide mutable state. It sits behind
// a single RWMutex; each session's own state is guarded by that session's
// mutex. Entries leave the table only through Evict, after archival.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/audit"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/contracts"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/escalation"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/liability"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/observability"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/reversibility"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/rings"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/saga"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/session"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/trust"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/verification"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionNotArchived = errors.New("session is not archived")
	ErrUntrustworthy      = errors.New("transaction history is not trustworthy")
	ErrAuditDisabled      = errors.New("audit is disabled for this session")
	ErrSagaNotInSession   = errors.New("saga does not belong to session")
	ErrStrongRequired     = errors.New("irreversible actions require strong consistency")
)

// DeltaArchive persists a terminated session's delta chain.
type DeltaArchive interface {
	ArchiveDeltas(ctx context.Context, sessionID string, deltas []audit.SemanticDelta) error
}

// Config holds the engine settings shared by every session.
type Config struct {
	Rings          rings.Thresholds
	Vouching       liability.VouchingConfig
	Slashing       liability.SlashingConfig
	Verification   verification.Config
	StepTimeout    time.Duration
	DeltaRetention time.Duration
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		Rings:          rings.DefaultThresholds(),
		Vouching:       liability.DefaultVouchingConfig(),
		Slashing:       liability.DefaultSlashingConfig(),
		Verification:   verification.DefaultConfig(),
		StepTimeout:    saga.DefaultStepTimeout,
		DeltaRetention: 30 * 24 * time.Hour,
	}
}

// managedSession is everything the hypervisor keeps for one session.
// scores holds each agent's σ_L and is mutated in place by slashing.
type managedSession struct {
	mu        sync.Mutex
	sess      *session.Session
	registry  *reversibility.Registry
	enforcer  *rings.Enforcer
	deltas    *audit.DeltaEngine
	scores    map[string]float64
	probation map[string]bool
	root      string
}

// Hypervisor is safe for concurrent use.
type Hypervisor struct {
	mu       sync.RWMutex
	sessions map[string]*managedSession

	cfg         Config
	vouching    *liability.VouchingEngine
	slashing    *liability.SlashingEngine
	sagas       *saga.Orchestrator
	consensus   *escalation.Manager
	verifier    *verification.HistoryVerifier
	resolver    trust.SigmaResolver
	commitments *audit.CommitmentEngine
	archive     DeltaArchive
	gc          *audit.EphemeralGC
	witness     *rings.WitnessVerifier
	metrics     *observability.Provider
	closers     []func(context.Context) error

	clock  func() time.Time
	logger *slog.Logger
}

// New creates a hypervisor with in-memory commitments and a neutral
// trust resolver.
func New(cfg Config) *Hypervisor {
	vouching := liability.NewVouchingEngine(cfg.Vouching, liability.NewMatrix())
	return &Hypervisor{
		sessions:    make(map[string]*managedSession),
		cfg:         cfg,
		vouching:    vouching,
		slashing:    liability.NewSlashingEngine(cfg.Slashing, vouching),
		sagas:       saga.NewOrchestrator(cfg.StepTimeout),
		consensus:   escalation.NewManager(),
		verifier:    verification.NewHistoryVerifier(cfg.Verification),
		resolver:    trust.NewNeutralResolver(),
		commitments: audit.NewCommitmentEngine(nil),
		gc:          audit.NewEphemeralGC(cfg.DeltaRetention),
		metrics:     observability.Default(),
		clock:       time.Now,
		logger:      slog.Default().With("component", "hypervisor"),
	}
}

// WithClock overrides the clock of the hypervisor and every engine it owns.
func (h *Hypervisor) WithClock(clock func() time.Time) *Hypervisor {
	h.clock = clock
	h.vouching.WithClock(clock)
	h.slashing.WithClock(clock)
	h.sagas.WithClock(clock)
	h.consensus.WithClock(clock)
	h.verifier.WithClock(clock)
	h.commitments.WithClock(clock)
	h.gc.WithClock(clock)
	return h
}

// WithLogger sets the structured logger.
func (h *Hypervisor) WithLogger(logger *slog.Logger) *Hypervisor {
	h.logger = logger.With("component", "hypervisor")
	h.sagas.WithLogger(logger)
	h.commitments.WithLogger(logger)
	h.gc.WithLogger(logger)
	return h
}

// WithResolver sets the external trust-score resolver.
func (h *Hypervisor) WithResolver(r trust.SigmaResolver) *Hypervisor {
	h.resolver = r
	return h
}

// WithCommitmentEngine replaces the in-memory commitment engine.
func (h *Hypervisor) WithCommitmentEngine(e *audit.CommitmentEngine) *Hypervisor {
	h.commitments = e.WithClock(h.clock)
	return h
}

// WithDeltaArchive persists delta chains at termination.
func (h *Hypervisor) WithDeltaArchive(a DeltaArchive) *Hypervisor {
	h.archive = a
	return h
}

// WithWitnessVerifier enables SRE witness tokens for Ring 0 actions.
func (h *Hypervisor) WithWitnessVerifier(w *rings.WitnessVerifier) *Hypervisor {
	h.witness = w
	return h
}

// WithMetrics sets the observability provider.
func (h *Hypervisor) WithMetrics(p *observability.Provider) *Hypervisor {
	h.metrics = p
	return h
}

// Commitments returns the commitment engine.
func (h *Hypervisor) Commitments() *audit.CommitmentEngine { return h.commitments }

// Verifier returns the transaction history verifier.
func (h *Hypervisor) Verifier() *verification.HistoryVerifier { return h.verifier }

// GC returns the ephemeral garbage collector.
func (h *Hypervisor) GC() *audit.EphemeralGC { return h.gc }

func (h *Hypervisor) lookup(sessionID string) (*managedSession, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ms, ok := h.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return ms, nil
}

// CreateSession builds a session, begins its handshake and registers it.
func (h *Hypervisor) CreateSession(ctx context.Context, cfg session.Config, creatorDID string) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	sess := session.NewWithClock(cfg, creatorDID, h.clock)
	if err := sess.BeginHandshake(); err != nil {
		return "", err
	}
	ms := &managedSession{
		sess:      sess,
		registry:  reversibility.NewRegistry(sess.ID()),
		enforcer:  rings.NewEnforcer(h.cfg.Rings, rings.NewClassifier()),
		deltas:    audit.NewDeltaEngine(sess.ID()).WithClock(h.clock),
		scores:    make(map[string]float64),
		probation: make(map[string]bool),
	}

	h.mu.Lock()
	h.sessions[sess.ID()] = ms
	h.mu.Unlock()

	h.metrics.SessionOpened(ctx)
	h.logger.InfoContext(ctx, "session created",
		"session_id", sess.ID(),
		"creator_did", creatorDID,
		"consistency_mode", cfg.ConsistencyMode,
		"max_participants", cfg.MaxParticipants,
	)
	return sess.ID(), nil
}

// ActivateSession moves a session with at least one participant to active.
func (h *Hypervisor) ActivateSession(ctx context.Context, sessionID string) error {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.sess.Activate(); err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "session activated", "session_id", sessionID)
	return nil
}

// GetSession returns a snapshot of one session.
func (h *Hypervisor) GetSession(sessionID string) (session.Info, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return session.Info{}, err
	}
	return ms.sess.Info(), nil
}

// ActiveSessions lists every session not yet archived, oldest first.
func (h *Hypervisor) ActiveSessions() []session.Info {
	h.mu.RLock()
	out := make([]session.Info, 0, len(h.sessions))
	for _, ms := range h.sessions {
		if ms.sess.State() != session.StateArchived {
			out = append(out, ms.sess.Info())
		}
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Evict removes an archived session from the table.
func (h *Hypervisor) Evict(sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms, ok := h.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if ms.sess.State() != session.StateArchived {
		return fmt.Errorf("%w: %s is %s", ErrSessionNotArchived, sessionID, ms.sess.State())
	}
	delete(h.sessions, sessionID)
	return nil
}

// ReclassifyAction overrides the ring and risk weight of one action within
// a single session.
func (h *Hypervisor) ReclassifyAction(sessionID, actionID string, ring contracts.ExecutionRing, riskWeight float64) error {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	return ms.enforcer.Classifier().SetOverride(actionID, ring, riskWeight)
}

// requireActive returns the participant if it is an active member.
func (ms *managedSession) requireActive(agentDID string) (session.Participant, error) {
	p, ok := ms.sess.Participant(agentDID)
	if !ok || !p.IsActive {
		return session.Participant{}, fmt.Errorf("%w: %s", session.ErrNotMember, agentDID)
	}
	return p, nil
}

// requireState fails unless the session is active.
func (ms *managedSession) requireState(op string) error {
	if st := ms.sess.State(); st != session.StateActive {
		return fmt.Errorf("%w: cannot %s in %s session %s", session.ErrLifecycle, op, st, ms.sess.ID())
	}
	return nil
}

// summaryOmega is the risk weight used for an agent's standing σ_eff: the
// lowest weight among the actions it declared.
func (ms *managedSession) summaryOmega(agentDID string) float64 {
	omega := 0.0
	for _, e := range ms.registry.Actions() {
		if e.RegisteredBy != agentDID {
			continue
		}
		if omega == 0 || e.RiskWeight < omega {
			omega = e.RiskWeight
		}
	}
	if omega == 0 {
		return contracts.RiskWeightFull
	}
	return omega
}

func (h *Hypervisor) effectiveSigma(ms *managedSession, agentDID string, omega float64) float64 {
	return h.vouching.EffectiveSigma(ms.sess.ID(), agentDID, ms.scores[agentDID], omega)
}

func (ms *managedSession) ringFor(agentDID string, sigmaEff float64, hasConsensus bool) contracts.ExecutionRing {
	if ms.probation[agentDID] {
		return contracts.Ring3Sandbox
	}
	return ms.enforcer.ComputeRing(sigmaEff, hasConsensus)
}
