package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/anchor"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/audit"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/config"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/observability"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/rings"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/store"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/trust"
)

// NewFromConfig builds a hypervisor with the store, anchor, trust cache,
// witness and telemetry backends named in cfg. Close releases them.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Hypervisor, error) {
	logger := cfg.NewLogger(os.Stderr)

	h := New(Config{
		Rings:          cfg.Rings,
		Vouching:       cfg.Vouching,
		Slashing:       cfg.Slashing,
		Verification:   cfg.Verification,
		StepTimeout:    cfg.Saga.StepTimeout,
		DeltaRetention: cfg.Audit.DeltaRetention,
	}).WithLogger(logger)

	metrics, err := observability.New(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	h.WithMetrics(metrics)
	h.closers = append(h.closers, metrics.Shutdown)

	var commitStore audit.CommitmentStore
	if cfg.Store.Driver != "" {
		sqlStore, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			_ = h.Close(ctx)
			return nil, err
		}
		commitStore = sqlStore
		h.WithDeltaArchive(sqlStore)
		h.closers = append(h.closers, func(context.Context) error { return sqlStore.Close() })
	}

	engine := audit.NewCommitmentEngine(commitStore).WithLogger(logger)
	anchorer, err := anchor.New(ctx, cfg.Anchor)
	if err != nil {
		_ = h.Close(ctx)
		return nil, fmt.Errorf("anchor: %w", err)
	}
	if anchorer != nil {
		engine.WithAnchorer(anchorer, cfg.Audit.AnchorsPerSecond, cfg.Audit.AnchorBurst)
	}
	h.WithCommitmentEngine(engine)

	var cache trust.Cache = trust.NewMemoryCache()
	if cfg.Trust.Cache == "redis" {
		rc := trust.NewRedisCache(cfg.Trust.RedisAddr, cfg.Trust.RedisPassword, cfg.Trust.RedisDB)
		if err := rc.Ping(ctx); err != nil {
			logger.WarnContext(ctx, "redis trust cache unreachable, scores will be resolved uncached until it recovers",
				"addr", cfg.Trust.RedisAddr, "error", err)
		}
		cache = rc
		h.closers = append(h.closers, func(context.Context) error { return rc.Close() })
	}
	h.WithResolver(trust.NewCachingResolver(trust.NewNeutralResolver(), cache, cfg.Trust.CacheTTL))

	seed, err := cfg.WitnessSeed()
	if err != nil {
		_ = h.Close(ctx)
		return nil, err
	}
	if seed != nil {
		w, err := rings.NewWitnessVerifier(seed)
		if err != nil {
			_ = h.Close(ctx)
			return nil, err
		}
		h.WithWitnessVerifier(w)
	}

	logger.InfoContext(ctx, "hypervisor configured",
		"store", storeName(cfg.Store.Driver),
		"anchor", cfg.Anchor.Type,
		"trust_cache", cfg.Trust.Cache,
		"witness", seed != nil,
		"telemetry", cfg.Telemetry.Enabled,
	)
	return h, nil
}

// Close releases backends opened by NewFromConfig, most recent first.
func (h *Hypervisor) Close(ctx context.Context) error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		if err := h.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	h.closers = nil
	return errors.Join(errs...)
}

func storeName(driver string) string {
	if driver == "" {
		return "memory"
	}
	return driver
}
