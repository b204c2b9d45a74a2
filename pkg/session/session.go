// Package session holds one shared session: its lifecycle state machine,
// participant roster and copy-on-write workspace.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/contracts"
)

var (
	ErrLifecycle     = errors.New("illegal session lifecycle transition")
	ErrSessionFull   = errors.New("session at capacity")
	ErrAlreadyJoined = errors.New("agent already joined")
	ErrTrustTooLow   = errors.New("effective trust below session minimum")
	ErrNotMember     = errors.New("agent is not an active participant")
)

// State is a session lifecycle state. Transitions are strictly forward.
type State string

const (
	StateCreated     State = "created"
	StateHandshaking State = "handshaking"
	StateActive      State = "active"
	StateTerminating State = "terminating"
	StateArchived    State = "archived"
)

// Config fixes a session's policy at creation.
type Config struct {
	ConsistencyMode contracts.ConsistencyMode `yaml:"consistency_mode" json:"consistency_mode"`
	MaxParticipants int                       `yaml:"max_participants" json:"max_participants"`
	MaxDuration     time.Duration             `yaml:"max_duration" json:"max_duration"`
	MinSigmaEff     float64                   `yaml:"min_sigma_eff" json:"min_sigma_eff"`
	EnableAudit     bool                      `yaml:"enable_audit" json:"enable_audit"`
}

// DefaultConfig returns the standard session policy.
func DefaultConfig() Config {
	return Config{
		ConsistencyMode: contracts.ConsistencyEventual,
		MaxParticipants: 10,
		MaxDuration:     time.Hour,
		MinSigmaEff:     0.60,
		EnableAudit:     true,
	}
}

// Validate rejects configurations no session could run under.
func (c Config) Validate() error {
	if c.MaxParticipants <= 0 {
		return fmt.Errorf("max_participants must be positive, got %d", c.MaxParticipants)
	}
	if c.MinSigmaEff < 0 || c.MinSigmaEff > 1 {
		return fmt.Errorf("min_sigma_eff must be within [0,1], got %v", c.MinSigmaEff)
	}
	switch c.ConsistencyMode {
	case contracts.ConsistencyStrong, contracts.ConsistencyEventual:
	default:
		return fmt.Errorf("unknown consistency mode %q", c.ConsistencyMode)
	}
	return nil
}

// Participant is one agent's membership record. Leaving keeps the record.
type Participant struct {
	AgentDID string                  `json:"agent_did"`
	Ring     contracts.ExecutionRing `json:"ring"`
	SigmaRaw float64                 `json:"sigma_raw"`
	SigmaEff float64                 `json:"sigma_eff"`
	JoinedAt time.Time               `json:"joined_at"`
	LeftAt   *time.Time              `json:"left_at,omitempty"`
	IsActive bool                    `json:"is_active"`
}

// Info is a point-in-time copy of a session for callers and persistence.
type Info struct {
	SessionID    string        `json:"session_id"`
	CreatorDID   string        `json:"creator_did"`
	State        State         `json:"state"`
	Config       Config        `json:"config"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
	TerminatedAt *time.Time    `json:"terminated_at,omitempty"`
}

// Session is safe for concurrent use.
type Session struct {
	mu           sync.RWMutex
	id           string
	creator      string
	state        State
	cfg          Config
	participants map[string]*Participant
	order        []string
	workspace    *Workspace
	createdAt    time.Time
	terminatedAt *time.Time
	clock        func() time.Time
}

// New creates a session in the created state.
func New(cfg Config, creatorDID string) *Session {
	return NewWithClock(cfg, creatorDID, time.Now)
}

// NewWithClock creates a session with an injected clock.
func NewWithClock(cfg Config, creatorDID string, clock func() time.Time) *Session {
	id := uuid.NewString()
	return &Session{
		id:           id,
		creator:      creatorDID,
		state:        StateCreated,
		cfg:          cfg,
		participants: make(map[string]*Participant),
		workspace:    NewWorkspace(id, clock),
		createdAt:    clock().UTC(),
		clock:        clock,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Workspace returns the session's shared workspace.
func (s *Session) Workspace() *Workspace { return s.workspace }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Config returns the session policy.
func (s *Session) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Session) requireState(op string, allowed ...State) error {
	for _, a := range allowed {
		if s.state == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not allowed in state %s", ErrLifecycle, op, s.state)
}

// BeginHandshake opens the session to joins.
func (s *Session) BeginHandshake() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("begin_handshake", StateCreated); err != nil {
		return err
	}
	s.state = StateHandshaking
	return nil
}

func (s *Session) activeCount() int {
	n := 0
	for _, p := range s.participants {
		if p.IsActive {
			n++
		}
	}
	return n
}

// Join admits an agent. Rejections leave the session unchanged.
// Sandbox agents are admitted below the trust minimum.
func (s *Session) Join(agentDID string, sigmaRaw, sigmaEff float64, ring contracts.ExecutionRing) (Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("join", StateHandshaking, StateActive); err != nil {
		return Participant{}, err
	}
	if p, ok := s.participants[agentDID]; ok && p.IsActive {
		return Participant{}, fmt.Errorf("%w: %s", ErrAlreadyJoined, agentDID)
	}
	if s.activeCount() >= s.cfg.MaxParticipants {
		return Participant{}, fmt.Errorf("%w: %d participants", ErrSessionFull, s.cfg.MaxParticipants)
	}
	if sigmaEff < s.cfg.MinSigmaEff && ring != contracts.Ring3Sandbox {
		return Participant{}, fmt.Errorf("%w: %.3f < %.3f", ErrTrustTooLow, sigmaEff, s.cfg.MinSigmaEff)
	}

	p, rejoin := s.participants[agentDID]
	if !rejoin {
		p = &Participant{AgentDID: agentDID}
		s.participants[agentDID] = p
		s.order = append(s.order, agentDID)
	}
	p.Ring = ring
	p.SigmaRaw = sigmaRaw
	p.SigmaEff = sigmaEff
	p.JoinedAt = s.clock().UTC()
	p.LeftAt = nil
	p.IsActive = true
	return *p, nil
}

// Leave soft-removes an agent; its record is kept.
func (s *Session) Leave(agentDID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("leave", StateHandshaking, StateActive); err != nil {
		return err
	}
	p, ok := s.participants[agentDID]
	if !ok || !p.IsActive {
		return fmt.Errorf("%w: %s", ErrNotMember, agentDID)
	}
	left := s.clock().UTC()
	p.IsActive = false
	p.LeftAt = &left
	return nil
}

// Activate starts the session. At least one active participant is required.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("activate", StateHandshaking); err != nil {
		return err
	}
	if s.activeCount() == 0 {
		return fmt.Errorf("%w: activate requires at least one participant", ErrLifecycle)
	}
	s.state = StateActive
	return nil
}

// Terminate begins teardown.
func (s *Session) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("terminate", StateHandshaking, StateActive); err != nil {
		return err
	}
	now := s.clock().UTC()
	s.state = StateTerminating
	s.terminatedAt = &now
	return nil
}

// Archive seals a terminated session.
func (s *Session) Archive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("archive", StateTerminating); err != nil {
		return err
	}
	s.state = StateArchived
	return nil
}

// UpdateParticipant records a ring or trust change after demotion or slashing.
func (s *Session) UpdateParticipant(agentDID string, ring contracts.ExecutionRing, sigmaEff float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[agentDID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotMember, agentDID)
	}
	p.Ring = ring
	p.SigmaEff = sigmaEff
	return nil
}

// SetConsistencyMode changes the mode; only possible before activation.
func (s *Session) SetConsistencyMode(mode contracts.ConsistencyMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireState("set_consistency_mode", StateCreated, StateHandshaking); err != nil {
		return err
	}
	s.cfg.ConsistencyMode = mode
	return nil
}

// Participant returns one agent's record, active or not.
func (s *Session) Participant(agentDID string) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[agentDID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Participants returns every record in join order.
func (s *Session) Participants() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Participant, 0, len(s.order))
	for _, did := range s.order {
		out = append(out, *s.participants[did])
	}
	return out
}

// ActiveDIDs returns the sorted DIDs of active participants.
func (s *Session) ActiveDIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for did, p := range s.participants {
		if p.IsActive {
			out = append(out, did)
		}
	}
	sort.Strings(out)
	return out
}

// Expired reports whether the session has outlived MaxDuration.
func (s *Session) Expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MaxDuration > 0 && now.Sub(s.createdAt) > s.cfg.MaxDuration
}

// Info returns a copy of the session's externally visible state.
func (s *Session) Info() Info {
	participants := s.Participants()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		SessionID:    s.id,
		CreatorDID:   s.creator,
		State:        s.state,
		Config:       s.cfg,
		Participants: participants,
		CreatedAt:    s.createdAt,
		TerminatedAt: s.terminatedAt,
	}
}

// CreateSnapshot captures the workspace plus every participant's ring and trust.
func (s *Session) CreateSnapshot() string {
	return s.workspace.createSnapshot(s.Participants())
}

// RestoreSnapshot replaces the live workspace with a snapshot on behalf of agentDID.
func (s *Session) RestoreSnapshot(snapshotID, agentDID string) error {
	return s.workspace.RestoreSnapshot(snapshotID, agentDID)
}
