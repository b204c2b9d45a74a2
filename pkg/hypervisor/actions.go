package hypervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/escalation"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/liability"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/rings"
)

// CheckRequest asks whether an agent may perform one registered action.
type CheckRequest struct {
	AgentDID string
	ActionID string
	// WitnessToken is an SRE co-signature, needed only for Ring 0 actions.
	WitnessToken string
}

// CheckAction classifies the action, computes the agent's σ_eff for the
// action's risk weight and checks it against the required ring. Denials
// are results, not errors; errors mean the request itself was malformed.
func (h *Hypervisor) CheckAction(ctx context.Context, sessionID string, req CheckRequest) (rings.RingCheckResult, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return rings.RingCheckResult{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, err := ms.requireActive(req.AgentDID); err != nil {
		return rings.RingCheckResult{}, err
	}
	desc, err := ms.registry.Get(req.ActionID)
	if err != nil {
		return rings.RingCheckResult{}, err
	}

	omega := ms.enforcer.Classifier().Classify(desc).RiskWeight
	sigmaEff := h.effectiveSigma(ms, req.AgentDID, omega)
	hasConsensus := h.consensus.HasConsensus(sessionID, req.ActionID, req.AgentDID)
	hasWitness := false
	if req.WitnessToken != "" && h.witness != nil {
		if _, err := h.witness.Verify(req.WitnessToken, sessionID, req.ActionID); err == nil {
			hasWitness = true
		} else {
			h.logger.WarnContext(ctx, "witness token rejected",
				"session_id", sessionID, "action_id", req.ActionID, "error", err)
		}
	}

	ring := ms.ringFor(req.AgentDID, sigmaEff, hasConsensus)
	res := ms.enforcer.Check(ring, desc, sigmaEff, hasConsensus, hasWitness)
	if ms.probation[req.AgentDID] && !res.Allowed {
		res.Reason += " (agent is probationary)"
	}
	h.metrics.RingCheck(ctx, res.Allowed, int(res.RequiredRing))
	if !res.Allowed {
		h.logger.InfoContext(ctx, "action denied",
			"session_id", sessionID,
			"agent_did", req.AgentDID,
			"action_id", req.ActionID,
			"reason", res.Reason,
		)
	}
	return res, nil
}

// RequestConsensus opens an approval request for a privileged action.
func (h *Hypervisor) RequestConsensus(ctx context.Context, sessionID, agentDID, actionID string, quorum int, ttl time.Duration) (escalation.Request, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return escalation.Request{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, err := ms.requireActive(agentDID); err != nil {
		return escalation.Request{}, err
	}
	if _, err := ms.registry.Get(actionID); err != nil {
		return escalation.Request{}, err
	}
	req, err := h.consensus.RequestConsensus(ctx, sessionID, actionID, agentDID, quorum, ttl)
	if err != nil {
		return escalation.Request{}, err
	}
	h.logger.InfoContext(ctx, "consensus requested",
		"session_id", sessionID, "agent_did", agentDID, "action_id", actionID,
		"request_id", req.RequestID, "quorum", req.Quorum)
	return req, nil
}

// ApproveConsensus records an approval from another active participant.
// A receipt is returned once the request resolves.
func (h *Hypervisor) ApproveConsensus(ctx context.Context, requestID, approverDID string) (*escalation.Receipt, error) {
	req, err := h.consensus.Get(requestID)
	if err != nil {
		return nil, err
	}
	ms, err := h.lookup(req.SessionID)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	_, err = ms.requireActive(approverDID)
	ms.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return h.consensus.Approve(ctx, requestID, approverDID)
}

// DenyConsensus rejects a pending request.
func (h *Hypervisor) DenyConsensus(ctx context.Context, requestID, denierDID, reason string) (*escalation.Receipt, error) {
	return h.consensus.Deny(ctx, requestID, denierDID, reason)
}

// Slash zeroes the violator's score, clips its vouchers and cascades as
// configured, then brings every affected participant's ring up to date.
func (h *Hypervisor) Slash(ctx context.Context, sessionID, violatorDID string, omega float64, reason string) (*liability.SlashResult, error) {
	ctx, done := h.metrics.TrackOperation(ctx, "hypervisor.slash")
	res, err := h.slash(ctx, sessionID, violatorDID, omega, reason)
	done(err)
	return res, err
}

func (h *Hypervisor) slash(ctx context.Context, sessionID, violatorDID string, omega float64, reason string) (*liability.SlashResult, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	ms.mu.Lock()
	if _, ok := ms.sess.Participant(violatorDID); !ok {
		ms.mu.Unlock()
		return nil, fmt.Errorf("slash: %s never joined session %s", violatorDID, sessionID)
	}
	result := h.slashing.Slash(violatorDID, sessionID, omega, reason, ms.scores)
	affected := slashedAgents(result)
	for _, did := range affected {
		sigmaEff := h.effectiveSigma(ms, did, ms.summaryOmega(did))
		ring := ms.ringFor(did, sigmaEff, false)
		_ = ms.sess.UpdateParticipant(did, ring, sigmaEff)
	}
	ms.mu.Unlock()

	walkSlashes(result, func(r *liability.SlashResult) {
		h.metrics.Slash(ctx, r.CascadeDepth)
		h.logger.WarnContext(ctx, "agent slashed",
			"session_id", sessionID,
			"violator_did", r.ViolatorDID,
			"sigma_before", r.SigmaBefore,
			"vouchers_clipped", len(r.VoucherClips),
			"cascade_depth", r.CascadeDepth,
			"reason", r.Reason,
		)
		if err := h.resolver.ReportSlash(ctx, r.ViolatorDID, r.Reason, omega); err != nil {
			h.logger.WarnContext(ctx, "slash report failed", "agent_did", r.ViolatorDID, "error", err)
		}
	})
	return result, nil
}

// ReportTaskOutcome forwards a task result to the trust resolver.
func (h *Hypervisor) ReportTaskOutcome(ctx context.Context, agentDID string, success bool) error {
	return h.resolver.ReportTaskOutcome(ctx, agentDID, success)
}

// SlashHistory returns every slash recorded in the session.
func (h *Hypervisor) SlashHistory(sessionID string) []*liability.SlashResult {
	return h.slashing.History(sessionID)
}

func walkSlashes(r *liability.SlashResult, fn func(*liability.SlashResult)) {
	if r == nil {
		return
	}
	fn(r)
	for _, c := range r.Cascades {
		walkSlashes(c, fn)
	}
}

// slashedAgents lists each violator and clipped voucher once.
func slashedAgents(r *liability.SlashResult) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(did string) {
		if _, ok := seen[did]; !ok {
			seen[did] = struct{}{}
			out = append(out, did)
		}
	}
	walkSlashes(r, func(s *liability.SlashResult) {
		add(s.ViolatorDID)
		for _, c := range s.VoucherClips {
			add(c.VoucherDID)
		}
	})
	return out
}
