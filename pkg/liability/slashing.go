package liability

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// SlashingConfig bounds the collateral damage of a slash.
type SlashingConfig struct {
	// Floor is the minimum score a clipped voucher keeps.
	Floor float64 `yaml:"floor" json:"floor"`
	// CascadeEpsilon: a voucher clipped to at most Floor+CascadeEpsilon
	// counts as wiped and is itself slashed if it has vouchers.
	CascadeEpsilon  float64 `yaml:"cascade_epsilon" json:"cascade_epsilon"`
	MaxCascadeDepth int     `yaml:"max_cascade_depth" json:"max_cascade_depth"`
}

// DefaultSlashingConfig returns the standard slashing parameters.
func DefaultSlashingConfig() SlashingConfig {
	return SlashingConfig{Floor: 0.05, CascadeEpsilon: 0.01, MaxCascadeDepth: 2}
}

// VoucherClip records the collateral reduction applied to one voucher.
type VoucherClip struct {
	VoucherDID  string  `json:"voucher_did"`
	SigmaBefore float64 `json:"sigma_before"`
	SigmaAfter  float64 `json:"sigma_after"`
	RiskWeight  float64 `json:"risk_weight"`
	VouchID     string  `json:"vouch_id"`
}

// SlashResult is produced once per slash, root or cascaded.
type SlashResult struct {
	SessionID    string         `json:"session_id"`
	ViolatorDID  string         `json:"violator_did"`
	SigmaBefore  float64        `json:"sigma_before"`
	SigmaAfter   float64        `json:"sigma_after"`
	VoucherClips []VoucherClip  `json:"voucher_clips"`
	Reason       string         `json:"reason"`
	CascadeDepth int            `json:"cascade_depth"`
	Cascades     []*SlashResult `json:"cascades,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// SlashingEngine zeroes violators and clips their vouchers.
type SlashingEngine struct {
	mu       sync.Mutex
	cfg      SlashingConfig
	vouching *VouchingEngine
	history  map[string][]*SlashResult
	clock    func() time.Time
}

// NewSlashingEngine creates a slashing engine over a vouching engine.
func NewSlashingEngine(cfg SlashingConfig, vouching *VouchingEngine) *SlashingEngine {
	return &SlashingEngine{
		cfg:      cfg,
		vouching: vouching,
		history:  make(map[string][]*SlashResult),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *SlashingEngine) WithClock(clock func() time.Time) *SlashingEngine {
	s.clock = clock
	return s
}

// Slash blacklists vouchee and clips every voucher by (1-ω), floored.
// scores is mutated in place and must be externally synchronised per session.
func (s *SlashingEngine) Slash(vouchee, sessionID string, omega float64, reason string, scores map[string]float64) *SlashResult {
	omega = math.Max(0, math.Min(1, omega))
	return s.slash(vouchee, sessionID, omega, reason, scores, 0)
}

func (s *SlashingEngine) slash(vouchee, sessionID string, omega float64, reason string, scores map[string]float64, depth int) *SlashResult {
	result := &SlashResult{
		SessionID:    sessionID,
		ViolatorDID:  vouchee,
		SigmaBefore:  scores[vouchee],
		SigmaAfter:   0,
		Reason:       reason,
		CascadeDepth: depth,
		Timestamp:    s.clock().UTC(),
	}
	scores[vouchee] = 0

	var wiped []string
	for _, v := range s.vouching.VouchesFor(sessionID, vouchee) {
		before, ok := scores[v.VoucherDID]
		if !ok {
			before = v.VoucherSigma
		}
		after := math.Max(before*(1-omega), s.cfg.Floor)
		scores[v.VoucherDID] = after

		result.VoucherClips = append(result.VoucherClips, VoucherClip{
			VoucherDID:  v.VoucherDID,
			SigmaBefore: before,
			SigmaAfter:  after,
			RiskWeight:  omega,
			VouchID:     v.VouchID,
		})
		_ = s.vouching.ReleaseBond(v.VouchID)

		if after <= s.cfg.Floor+s.cfg.CascadeEpsilon {
			wiped = append(wiped, v.VoucherDID)
		}
	}

	s.mu.Lock()
	s.history[sessionID] = append(s.history[sessionID], result)
	s.mu.Unlock()

	if depth >= s.cfg.MaxCascadeDepth {
		return result
	}
	for _, voucher := range wiped {
		if len(s.vouching.VouchesFor(sessionID, voucher)) == 0 {
			continue
		}
		cascadeReason := fmt.Sprintf("cascade from %s: %s", vouchee, reason)
		result.Cascades = append(result.Cascades, s.slash(voucher, sessionID, omega, cascadeReason, scores, depth+1))
	}
	return result
}

// History returns every slash recorded in the session, in order.
func (s *SlashingEngine) History(sessionID string) []*SlashResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SlashResult, len(s.history[sessionID]))
	copy(out, s.history[sessionID])
	return out
}

// ClearHistory drops the session's slash history and returns how many entries it held.
func (s *SlashingEngine) ClearHistory(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.history[sessionID])
	delete(s.history, sessionID)
	return n
}
