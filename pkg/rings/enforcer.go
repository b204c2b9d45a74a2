// Package rings implements the four-ring privilege model: deriving the ring
// an agent qualifies for, checking individual actions against it, and
// classifying actions into the ring they require.
package rings

import (
	"fmt"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/contracts"
)

// Thresholds are the σ_eff values an agent must strictly exceed to hold a ring.
type Thresholds struct {
	Privileged float64 `yaml:"privileged" json:"privileged"`
	Standard   float64 `yaml:"standard" json:"standard"`
}

// DefaultThresholds returns the standard ring thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Privileged: 0.95, Standard: 0.60}
}

// RingCheckResult is the outcome of a single action attempt.
type RingCheckResult struct {
	Allowed            bool                    `json:"allowed"`
	ActionID           string                  `json:"action_id"`
	RequiredRing       contracts.ExecutionRing `json:"required_ring"`
	AgentRing          contracts.ExecutionRing `json:"agent_ring"`
	SigmaEff           float64                 `json:"sigma_eff"`
	Reason             string                  `json:"reason"`
	RequiresConsensus  bool                    `json:"requires_consensus"`
	RequiresSREWitness bool                    `json:"requires_sre_witness"`
}

// Enforcer checks ring membership and action permissions.
type Enforcer struct {
	thresholds Thresholds
	classifier *Classifier
}

// NewEnforcer creates an enforcer. A nil classifier gets a fresh default one.
func NewEnforcer(thresholds Thresholds, classifier *Classifier) *Enforcer {
	if classifier == nil {
		classifier = NewClassifier()
	}
	return &Enforcer{thresholds: thresholds, classifier: classifier}
}

// Classifier returns the classifier used to derive required rings.
func (e *Enforcer) Classifier() *Classifier {
	return e.classifier
}

// Thresholds returns the configured ring thresholds.
func (e *Enforcer) Thresholds() Thresholds {
	return e.thresholds
}

// ComputeRing derives the ring an agent currently qualifies for.
// Ring 0 is never assigned to an agent.
func (e *Enforcer) ComputeRing(sigmaEff float64, hasConsensus bool) contracts.ExecutionRing {
	if sigmaEff > e.thresholds.Privileged && hasConsensus {
		return contracts.Ring1Privileged
	}
	if sigmaEff > e.thresholds.Standard {
		return contracts.Ring2Standard
	}
	return contracts.Ring3Sandbox
}

// Check decides whether an agent in agentRing may perform action.
func (e *Enforcer) Check(agentRing contracts.ExecutionRing, action contracts.ActionDescriptor, sigmaEff float64, hasConsensus, hasSREWitness bool) RingCheckResult {
	required := e.classifier.Classify(action).Ring

	res := RingCheckResult{
		ActionID:           action.ActionID,
		RequiredRing:       required,
		AgentRing:          agentRing,
		SigmaEff:           sigmaEff,
		RequiresConsensus:  required == contracts.Ring1Privileged,
		RequiresSREWitness: required == contracts.Ring0Root,
	}

	switch required {
	case contracts.Ring0Root:
		if !hasSREWitness {
			res.Reason = fmt.Sprintf("action %q requires ring 0: an SRE witness co-signature is required", action.ActionID)
			return res
		}
	case contracts.Ring1Privileged:
		if sigmaEff <= e.thresholds.Privileged {
			res.Reason = fmt.Sprintf("ring 1 requires sigma_eff > %.2f, got %.4f", e.thresholds.Privileged, sigmaEff)
			return res
		}
		if !hasConsensus {
			res.Reason = "ring 1 requires multi-party consensus"
			return res
		}
	case contracts.Ring2Standard:
		if sigmaEff <= e.thresholds.Standard {
			res.Reason = fmt.Sprintf("ring 2 requires sigma_eff > %.2f, got %.4f", e.thresholds.Standard, sigmaEff)
			return res
		}
	}

	if agentRing > required {
		res.Reason = fmt.Sprintf("agent ring %d is insufficient for required ring %d", agentRing, required)
		if required == contracts.Ring0Root {
			res.Reason += ": ring 0 is never held by an agent, even with an SRE witness"
		}
		return res
	}

	res.Allowed = true
	res.Reason = fmt.Sprintf("allowed at %s", required)
	return res
}

// ShouldDemote reports whether σ_eff has fallen to or below what currentRing requires.
func (e *Enforcer) ShouldDemote(currentRing contracts.ExecutionRing, sigmaEff float64) bool {
	switch currentRing {
	case contracts.Ring1Privileged:
		return sigmaEff <= e.thresholds.Privileged
	case contracts.Ring2Standard:
		return sigmaEff <= e.thresholds.Standard
	default:
		return false
	}
}
