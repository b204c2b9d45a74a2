package hypervisor

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/contracts"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/liability"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/reversibility"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/session"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/trust"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/verification"
)

// JoinRequest is everything an agent presents when joining a session.
type JoinRequest struct {
	AgentDID string
	// Actions and Manifest are both registered; Manifest is raw capability
	// manifest JSON.
	Actions  []contracts.ActionDescriptor
	Manifest []byte
	// SigmaRaw is used as is when set; otherwise the resolver is asked.
	SigmaRaw          *float64
	VerificationLevel string
	Capabilities      []string
	History           []verification.TransactionRecord
	HistorySource     verification.HistorySource
}

// JoinResult reports how an agent was admitted.
type JoinResult struct {
	Participant  session.Participant
	Verification verification.VerificationResult
	ForcedStrong bool
}

// JoinSession verifies the agent's history, resolves its trust, registers
// its actions and admits it. Declaring any irreversible action forces the
// session into strong consistency. Probationary agents always join at Ring 3.
func (h *Hypervisor) JoinSession(ctx context.Context, sessionID string, req JoinRequest) (JoinResult, error) {
	ctx, done := h.metrics.TrackOperation(ctx, "hypervisor.join_session")
	res, err := h.joinSession(ctx, sessionID, req)
	done(err)
	return res, err
}

func (h *Hypervisor) joinSession(ctx context.Context, sessionID string, req JoinRequest) (JoinResult, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return JoinResult{}, err
	}
	if req.AgentDID == "" {
		return JoinResult{}, fmt.Errorf("join: agent DID is required")
	}

	actions := append([]contracts.ActionDescriptor(nil), req.Actions...)
	if len(req.Manifest) > 0 {
		m, err := reversibility.ParseManifest(req.Manifest)
		if err != nil {
			return JoinResult{}, err
		}
		if m.AgentDID != "" && m.AgentDID != req.AgentDID {
			return JoinResult{}, fmt.Errorf("%w: manifest is for %s", reversibility.ErrInvalidActionDef, m.AgentDID)
		}
		actions = append(actions, m.Actions...)
	}

	// Verification and trust resolution may leave the process; neither
	// runs under the session lock.
	var vr verification.VerificationResult
	if req.HistorySource != nil {
		vr = h.verifier.VerifyFromSource(ctx, req.AgentDID, req.HistorySource)
	} else {
		vr = h.verifier.Verify(req.AgentDID, req.History)
	}
	if !vr.Status.Trustworthy() {
		h.logger.WarnContext(ctx, "join rejected", "session_id", sessionID, "agent_did", req.AgentDID, "verification", vr.Status)
		return JoinResult{Verification: vr}, fmt.Errorf("%w: %s is %s", ErrUntrustworthy, req.AgentDID, vr.Status)
	}

	var sigmaRaw float64
	if req.SigmaRaw != nil {
		sigmaRaw = *req.SigmaRaw
	} else {
		sigmaRaw, err = h.resolver.ResolveSigma(ctx, trust.ResolveRequest{
			AgentDID:          req.AgentDID,
			VerificationLevel: req.VerificationLevel,
			HistoryDepth:      vr.TransactionsChecked,
			Capabilities:      req.Capabilities,
		})
		if err != nil {
			return JoinResult{Verification: vr}, err
		}
	}
	if sigmaRaw < 0 || sigmaRaw > 1 {
		return JoinResult{Verification: vr}, fmt.Errorf("join: sigma %v outside [0,1]", sigmaRaw)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	irreversible := false
	for _, a := range actions {
		if !a.IsReversible() {
			irreversible = true
			break
		}
	}
	forceStrong := irreversible && ms.sess.Config().ConsistencyMode != contracts.ConsistencyStrong
	if forceStrong {
		if st := ms.sess.State(); st != session.StateCreated && st != session.StateHandshaking {
			return JoinResult{Verification: vr}, fmt.Errorf("%w: session %s is already %s", ErrStrongRequired, sessionID, st)
		}
	}

	// Actions this join adds; a rejected join removes them again.
	var fresh []string
	for _, a := range actions {
		if _, err := ms.registry.Get(a.ActionID); err != nil {
			fresh = append(fresh, a.ActionID)
		}
	}
	prevMode := ms.sess.Config().ConsistencyMode

	if err := ms.registry.RegisterAll(req.AgentDID, actions); err != nil {
		return JoinResult{Verification: vr}, err
	}
	if forceStrong {
		if err := ms.sess.SetConsistencyMode(contracts.ConsistencyStrong); err != nil {
			ms.registry.Unregister(req.AgentDID, fresh...)
			return JoinResult{Verification: vr}, err
		}
	}

	probationary := vr.Status == verification.StatusProbationary
	prevScore, hadScore := ms.scores[req.AgentDID]
	prevProbation := ms.probation[req.AgentDID]
	ms.scores[req.AgentDID] = sigmaRaw
	ms.probation[req.AgentDID] = probationary

	sigmaEff := h.effectiveSigma(ms, req.AgentDID, ms.summaryOmega(req.AgentDID))
	ring := ms.ringFor(req.AgentDID, sigmaEff, false)

	p, err := ms.sess.Join(req.AgentDID, sigmaRaw, sigmaEff, ring)
	if err != nil {
		if hadScore {
			ms.scores[req.AgentDID] = prevScore
			ms.probation[req.AgentDID] = prevProbation
		} else {
			delete(ms.scores, req.AgentDID)
			delete(ms.probation, req.AgentDID)
		}
		ms.registry.Unregister(req.AgentDID, fresh...)
		if forceStrong {
			_ = ms.sess.SetConsistencyMode(prevMode)
		}
		return JoinResult{Verification: vr}, err
	}
	if forceStrong {
		h.logger.InfoContext(ctx, "session forced to strong consistency",
			"session_id", sessionID, "agent_did", req.AgentDID)
	}

	h.logger.InfoContext(ctx, "agent joined",
		"session_id", sessionID,
		"agent_did", req.AgentDID,
		"ring", ring.String(),
		"sigma_raw", sigmaRaw,
		"sigma_eff", sigmaEff,
		"verification", vr.Status,
		"actions", len(actions),
	)
	return JoinResult{Participant: p, Verification: vr, ForcedStrong: forceStrong}, nil
}

// LeaveSession soft-removes an agent. Its bonds stay in place until
// termination.
func (h *Hypervisor) LeaveSession(ctx context.Context, sessionID, agentDID string) error {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if err := ms.sess.Leave(agentDID); err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "agent left", "session_id", sessionID, "agent_did", agentDID)
	return nil
}

// Vouch bonds bondPct of the voucher's current score behind the vouchee.
// Both must be active participants.
func (h *Hypervisor) Vouch(ctx context.Context, sessionID, voucherDID, voucheeDID string, bondPct float64) (*liability.VouchRecord, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, err := ms.requireActive(voucherDID); err != nil {
		return nil, err
	}
	vouchee, err := ms.requireActive(voucheeDID)
	if err != nil {
		return nil, err
	}

	rec, err := h.vouching.Vouch(sessionID, voucherDID, voucheeDID, ms.scores[voucherDID], bondPct)
	if err != nil {
		return nil, err
	}

	sigmaEff := h.effectiveSigma(ms, voucheeDID, ms.summaryOmega(voucheeDID))
	if err := ms.sess.UpdateParticipant(voucheeDID, vouchee.Ring, sigmaEff); err != nil {
		return nil, err
	}
	h.logger.InfoContext(ctx, "vouch recorded",
		"session_id", sessionID,
		"voucher_did", voucherDID,
		"vouchee_did", voucheeDID,
		"bonded", rec.BondedAmount,
		"vouchee_sigma_eff", sigmaEff,
	)
	return rec, nil
}

// RingChange is one participant whose ring or σ_eff moved during re-evaluation.
type RingChange struct {
	AgentDID string                  `json:"agent_did"`
	From     contracts.ExecutionRing `json:"from"`
	To       contracts.ExecutionRing `json:"to"`
	SigmaEff float64                 `json:"sigma_eff"`
	Demoted  bool                    `json:"demoted"`
}

// ReevaluateRings recomputes every active participant's σ_eff and ring.
func (h *Hypervisor) ReevaluateRings(ctx context.Context, sessionID string) ([]RingChange, error) {
	ms, err := h.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return h.reevaluateLocked(ctx, ms), nil
}

func (h *Hypervisor) reevaluateLocked(ctx context.Context, ms *managedSession) []RingChange {
	var changes []RingChange
	for _, p := range ms.sess.Participants() {
		if !p.IsActive {
			continue
		}
		sigmaEff := h.effectiveSigma(ms, p.AgentDID, ms.summaryOmega(p.AgentDID))
		ring := ms.ringFor(p.AgentDID, sigmaEff, false)
		if ring == p.Ring && sigmaEff == p.SigmaEff {
			continue
		}
		demoted := ms.enforcer.ShouldDemote(p.Ring, sigmaEff) || ring > p.Ring
		if err := ms.sess.UpdateParticipant(p.AgentDID, ring, sigmaEff); err != nil {
			continue
		}
		changes = append(changes, RingChange{
			AgentDID: p.AgentDID,
			From:     p.Ring,
			To:       ring,
			SigmaEff: sigmaEff,
			Demoted:  demoted,
		})
		if demoted {
			h.logger.WarnContext(ctx, "participant demoted",
				"session_id", ms.sess.ID(), "agent_did", p.AgentDID,
				"from", p.Ring.String(), "to", ring.String(), "sigma_eff", sigmaEff)
		}
	}
	return changes
}
