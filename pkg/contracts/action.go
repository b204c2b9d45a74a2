// Package contracts holds the record types shared by the hypervisor
// subsystems: privilege rings, action descriptors and consistency modes.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionRing is a numbered privilege level. Lower values are more privileged.
type ExecutionRing int

const (
	Ring0Root       ExecutionRing = 0
	Ring1Privileged ExecutionRing = 1
	Ring2Standard   ExecutionRing = 2
	Ring3Sandbox    ExecutionRing = 3
)

func (r ExecutionRing) String() string {
	switch r {
	case Ring0Root:
		return "ring_0_root"
	case Ring1Privileged:
		return "ring_1_privileged"
	case Ring2Standard:
		return "ring_2_standard"
	case Ring3Sandbox:
		return "ring_3_sandbox"
	default:
		return fmt.Sprintf("ring_%d", int(r))
	}
}

// IsMorePrivilegedThan reports whether r grants strictly more privilege than other.
func (r ExecutionRing) IsMorePrivilegedThan(other ExecutionRing) bool {
	return r < other
}

// Valid reports whether r is one of the four defined rings.
func (r ExecutionRing) Valid() bool {
	return r >= Ring0Root && r <= Ring3Sandbox
}

// ReversibilityLevel classifies how completely an action can be undone.
type ReversibilityLevel string

const (
	ReversibilityFull    ReversibilityLevel = "full"
	ReversibilityPartial ReversibilityLevel = "partial"
	ReversibilityNone    ReversibilityLevel = "none"
)

// ConsistencyMode controls whether a session requires multi-party agreement.
type ConsistencyMode string

const (
	ConsistencyStrong   ConsistencyMode = "strong"
	ConsistencyEventual ConsistencyMode = "eventual"
)

// Default risk weights by action class.
const (
	RiskWeightAdmin    = 1.0
	RiskWeightNone     = 0.9
	RiskWeightPartial  = 0.6
	RiskWeightFull     = 0.3
	RiskWeightReadOnly = 0.1
)

// ActionDescriptor describes one capability an agent declares at join time.
// It is immutable once registered.
type ActionDescriptor struct {
	ActionID           string             `json:"action_id" yaml:"action_id"`
	Name               string             `json:"name" yaml:"name"`
	ExecuteAPI         string             `json:"execute_api" yaml:"execute_api"`
	UndoAPI            string             `json:"undo_api,omitempty" yaml:"undo_api,omitempty"`
	Reversibility      ReversibilityLevel `json:"reversibility" yaml:"reversibility"`
	UndoWindow         time.Duration      `json:"undo_window,omitempty" yaml:"undo_window,omitempty"`
	CompensationMethod string             `json:"compensation_method,omitempty" yaml:"compensation_method,omitempty"`
	IsReadOnly         bool               `json:"is_read_only,omitempty" yaml:"is_read_only,omitempty"`
	IsAdmin            bool               `json:"is_admin,omitempty" yaml:"is_admin,omitempty"`
	RiskWeight         float64            `json:"risk_weight,omitempty" yaml:"risk_weight,omitempty"`
}

// DefaultRiskWeight returns the risk weight ω for the action. An explicit
// positive RiskWeight takes precedence over the class default.
func (a ActionDescriptor) DefaultRiskWeight() float64 {
	if a.RiskWeight > 0 {
		return a.RiskWeight
	}
	switch {
	case a.IsAdmin:
		return RiskWeightAdmin
	case a.IsReadOnly:
		return RiskWeightReadOnly
	}
	switch a.Reversibility {
	case ReversibilityNone:
		return RiskWeightNone
	case ReversibilityPartial:
		return RiskWeightPartial
	default:
		return RiskWeightFull
	}
}

// IsReversible is false only for mutating actions declared non-reversible.
func (a ActionDescriptor) IsReversible() bool {
	return a.IsReadOnly || a.Reversibility != ReversibilityNone
}

// ToMap converts any JSON-tagged record into a plain key/value structure
// suitable for persistence or transport.
func ToMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("to map: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("to map: %w", err)
	}
	return out, nil
}
