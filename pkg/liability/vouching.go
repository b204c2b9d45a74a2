package liability

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSelfVouch         = errors.New("an agent cannot vouch for itself")
	ErrVoucherIneligible = errors.New("voucher score below minimum eligibility")
	ErrMutualVouch       = errors.New("mutual vouching is not allowed")
	ErrCycle             = errors.New("vouch would create a liability cycle")
	ErrExposureLimit     = errors.New("voucher exposure limit exceeded")
	ErrInvalidBond       = errors.New("bond percentage must be in (0, 1]")
	ErrVouchNotFound     = errors.New("vouch not found")
)

// VouchingConfig tunes eligibility and exposure rules.
type VouchingConfig struct {
	MinVoucherSigma float64 `yaml:"min_voucher_sigma" json:"min_voucher_sigma"`
	// MaxExposure caps the total bonded amount at this fraction of the voucher's score.
	MaxExposure float64 `yaml:"max_exposure" json:"max_exposure"`
	// RejectTransitiveCycles extends the mutual-vouch rule to cycles of any length.
	RejectTransitiveCycles bool `yaml:"reject_transitive_cycles" json:"reject_transitive_cycles"`
}

// DefaultVouchingConfig returns the standard vouching rules.
func DefaultVouchingConfig() VouchingConfig {
	return VouchingConfig{MinVoucherSigma: 0.50, MaxExposure: 0.80}
}

// VouchRecord is the full record behind a liability edge.
type VouchRecord struct {
	VouchID      string     `json:"vouch_id"`
	SessionID    string     `json:"session_id"`
	VoucherDID   string     `json:"voucher_did"`
	VoucheeDID   string     `json:"vouchee_did"`
	VoucherSigma float64    `json:"voucher_sigma"`
	BondPct      float64    `json:"bond_pct"`
	BondedAmount float64    `json:"bonded_amount"`
	CreatedAt    time.Time  `json:"created_at"`
	ReleasedAt   *time.Time `json:"released_at,omitempty"`
	IsActive     bool       `json:"is_active"`
}

// VouchingEngine validates and records vouches and computes effective trust.
type VouchingEngine struct {
	mu      sync.Mutex
	cfg     VouchingConfig
	matrix  *Matrix
	records map[string]*VouchRecord
	clock   func() time.Time
}

// NewVouchingEngine creates an engine over the given matrix.
func NewVouchingEngine(cfg VouchingConfig, matrix *Matrix) *VouchingEngine {
	if matrix == nil {
		matrix = NewMatrix()
	}
	return &VouchingEngine{
		cfg:     cfg,
		matrix:  matrix,
		records: make(map[string]*VouchRecord),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *VouchingEngine) WithClock(clock func() time.Time) *VouchingEngine {
	e.clock = clock
	return e
}

// Matrix exposes the underlying liability graph.
func (e *VouchingEngine) Matrix() *Matrix {
	return e.matrix
}

// Vouch records voucher staking bondPct of its own score behind vouchee.
// Every rule is checked before the graph is touched.
func (e *VouchingEngine) Vouch(sessionID, voucher, vouchee string, voucherSigma, bondPct float64) (*VouchRecord, error) {
	if voucher == vouchee {
		return nil, ErrSelfVouch
	}
	if bondPct <= 0 || bondPct > 1 {
		return nil, ErrInvalidBond
	}
	if voucherSigma < e.cfg.MinVoucherSigma {
		return nil, fmt.Errorf("%w: %.4f < %.4f", ErrVoucherIneligible, voucherSigma, e.cfg.MinVoucherSigma)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.matrix.HasEdge(sessionID, vouchee, voucher) {
		return nil, fmt.Errorf("%w: %s already vouches for %s", ErrMutualVouch, vouchee, voucher)
	}
	if e.cfg.RejectTransitiveCycles && e.matrix.WouldCreateCycle(sessionID, voucher, vouchee) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrCycle, voucher, vouchee)
	}

	bonded := voucherSigma * bondPct
	if e.cfg.MaxExposure > 0 {
		limit := voucherSigma * e.cfg.MaxExposure
		if e.matrix.Exposure(sessionID, voucher)+bonded > limit+1e-9 {
			return nil, fmt.Errorf("%w: %s would bond %.4f over limit %.4f", ErrExposureLimit, voucher, e.matrix.Exposure(sessionID, voucher)+bonded, limit)
		}
	}

	rec := &VouchRecord{
		VouchID:      uuid.New().String(),
		SessionID:    sessionID,
		VoucherDID:   voucher,
		VoucheeDID:   vouchee,
		VoucherSigma: voucherSigma,
		BondPct:      bondPct,
		BondedAmount: bonded,
		CreatedAt:    e.clock().UTC(),
		IsActive:     true,
	}
	e.records[rec.VouchID] = rec
	e.matrix.AddEdge(sessionID, Edge{
		VouchID:      rec.VouchID,
		VoucherDID:   voucher,
		VoucheeDID:   vouchee,
		BondedAmount: bonded,
	})
	return rec, nil
}

// EffectiveSigma computes σ_eff = σ_L + ω·Σ bonded, capped at 1.0.
func (e *VouchingEngine) EffectiveSigma(sessionID, vouchee string, sigmaL, omega float64) float64 {
	total := 0.0
	for _, edge := range e.matrix.EdgesTo(sessionID, vouchee) {
		total += edge.BondedAmount
	}
	return math.Min(1.0, sigmaL+omega*total)
}

// VouchesFor returns the active vouches backing vouchee, oldest first.
func (e *VouchingEngine) VouchesFor(sessionID, vouchee string) []VouchRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []VouchRecord
	for _, edge := range e.matrix.EdgesTo(sessionID, vouchee) {
		if rec, ok := e.records[edge.VouchID]; ok && rec.IsActive {
			out = append(out, *rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns a copy of a vouch record.
func (e *VouchingEngine) Get(vouchID string) (VouchRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[vouchID]
	if !ok {
		return VouchRecord{}, ErrVouchNotFound
	}
	return *rec, nil
}

// ReleaseBond deactivates one vouch and removes its edge.
func (e *VouchingEngine) ReleaseBond(vouchID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseLocked(vouchID)
}

func (e *VouchingEngine) releaseLocked(vouchID string) error {
	rec, ok := e.records[vouchID]
	if !ok {
		return ErrVouchNotFound
	}
	if !rec.IsActive {
		return nil
	}
	now := e.clock().UTC()
	rec.IsActive = false
	rec.ReleasedAt = &now
	e.matrix.RemoveEdge(rec.SessionID, vouchID)
	return nil
}

// ReleaseSessionBonds releases every active vouch in the session.
func (e *VouchingEngine) ReleaseSessionBonds(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	released := 0
	for id, rec := range e.records {
		if rec.SessionID == sessionID && rec.IsActive {
			_ = e.releaseLocked(id)
			released++
		}
	}
	e.matrix.ClearSession(sessionID)
	return released
}
