// Package trust adapts an external trust-scoring service to the σ values the
// hypervisor consumes.
package trust

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// NeutralSigma is returned when no scoring service is configured.
const NeutralSigma = 0.5

// ResolveRequest carries what the scoring service needs to rate an agent.
type ResolveRequest struct {
	AgentDID          string   `json:"agent_did"`
	VerificationLevel string   `json:"verification_level"`
	HistoryDepth      int      `json:"history_depth"`
	Capabilities      []string `json:"capabilities,omitempty"`
}

// SigmaResolver is the narrow interface to the scoring service. Scores are
// already normalised to [0,1].
type SigmaResolver interface {
	ResolveSigma(ctx context.Context, req ResolveRequest) (float64, error)
	ReportTaskOutcome(ctx context.Context, agentDID string, success bool) error
	ReportSlash(ctx context.Context, agentDID, reason string, severity float64) error
}

// NeutralResolver answers a fixed score and drops feedback.
type NeutralResolver struct {
	Sigma float64
}

// NewNeutralResolver returns a resolver that always answers NeutralSigma.
func NewNeutralResolver() *NeutralResolver {
	return &NeutralResolver{Sigma: NeutralSigma}
}

func (n *NeutralResolver) ResolveSigma(context.Context, ResolveRequest) (float64, error) {
	return n.Sigma, nil
}

func (n *NeutralResolver) ReportTaskOutcome(context.Context, string, bool) error { return nil }

func (n *NeutralResolver) ReportSlash(context.Context, string, string, float64) error { return nil }

// NormalizeScore maps a score on [0,max] into [0,1], clamping out-of-range input.
func NormalizeScore(native, max float64) float64 {
	if max <= 0 || native <= 0 {
		return 0
	}
	if native >= max {
		return 1
	}
	return native / max
}

// CachingResolver memoises ResolveSigma for a TTL. A reported slash evicts
// the agent so the next resolution sees the penalty.
type CachingResolver struct {
	inner  SigmaResolver
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachingResolver wraps inner. A nil cache gets an in-memory one.
func NewCachingResolver(inner SigmaResolver, cache Cache, ttl time.Duration) *CachingResolver {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &CachingResolver{
		inner:  inner,
		cache:  cache,
		ttl:    ttl,
		logger: slog.Default().With("component", "trust"),
	}
}

func cacheKey(agentDID string) string {
	return "hypervisor:sigma:" + agentDID
}

// ResolveSigma consults the cache before the inner resolver. Cache errors are
// logged and treated as misses.
func (c *CachingResolver) ResolveSigma(ctx context.Context, req ResolveRequest) (float64, error) {
	key := cacheKey(req.AgentDID)
	v, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "sigma cache read failed", "agent_did", req.AgentDID, "error", err)
	} else if ok {
		return v, nil
	}

	sigma, err := c.inner.ResolveSigma(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("resolve sigma for %s: %w", req.AgentDID, err)
	}
	if sigma < 0 || sigma > 1 {
		return 0, fmt.Errorf("resolve sigma for %s: score %v outside [0,1]", req.AgentDID, sigma)
	}
	if err := c.cache.Set(ctx, key, sigma, c.ttl); err != nil {
		c.logger.WarnContext(ctx, "sigma cache write failed", "agent_did", req.AgentDID, "error", err)
	}
	return sigma, nil
}

func (c *CachingResolver) ReportTaskOutcome(ctx context.Context, agentDID string, success bool) error {
	return c.inner.ReportTaskOutcome(ctx, agentDID, success)
}

func (c *CachingResolver) ReportSlash(ctx context.Context, agentDID, reason string, severity float64) error {
	if err := c.cache.Delete(ctx, cacheKey(agentDID)); err != nil {
		c.logger.WarnContext(ctx, "sigma cache evict failed", "agent_did", agentDID, "error", err)
	}
	return c.inner.ReportSlash(ctx, agentDID, reason, severity)
}
