// Package config loads hypervisor settings from a YAML file and
// HYPERVISOR_* environment variables.
package config

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/anchor"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/liability"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/observability"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/rings"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/saga"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/session"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/store"
	"github.com/Mindburn-Labs/agent-hypervisor/pkg/verification"
)

// SagaConfig tunes the saga orchestrator.
type SagaConfig struct {
	StepTimeout time.Duration `yaml:"step_timeout" json:"step_timeout"`
}

// AuditConfig tunes retention and anchoring of committed roots.
type AuditConfig struct {
	DeltaRetention   time.Duration `yaml:"delta_retention" json:"delta_retention"`
	AnchorInterval   time.Duration `yaml:"anchor_interval" json:"anchor_interval"`
	AnchorsPerSecond float64       `yaml:"anchors_per_second" json:"anchors_per_second"`
	AnchorBurst      int           `yaml:"anchor_burst" json:"anchor_burst"`
}

// TrustConfig selects where resolved σ values are cached.
type TrustConfig struct {
	CacheTTL      time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	Cache         string        `yaml:"cache" json:"cache"` // "memory" | "redis"
	RedisAddr     string        `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`
	RedisPassword string        `yaml:"redis_password,omitempty" json:"-"`
	RedisDB       int           `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`
}

// StoreConfig selects the commitment store. An empty driver keeps
// commitments in memory.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty" json:"-"`
}

// WitnessConfig holds the seed from which per-session witness keys are derived.
type WitnessConfig struct {
	SeedHex string `yaml:"seed_hex,omitempty" json:"-"`
}

// Config is the full hypervisor configuration.
type Config struct {
	LogLevel     string                   `yaml:"log_level" json:"log_level"`
	LogFormat    string                   `yaml:"log_format" json:"log_format"`
	Session      session.Config           `yaml:"session" json:"session"`
	Rings        rings.Thresholds         `yaml:"rings" json:"rings"`
	Vouching     liability.VouchingConfig `yaml:"vouching" json:"vouching"`
	Slashing     liability.SlashingConfig `yaml:"slashing" json:"slashing"`
	Saga         SagaConfig               `yaml:"saga" json:"saga"`
	Verification verification.Config      `yaml:"verification" json:"verification"`
	Audit        AuditConfig              `yaml:"audit" json:"audit"`
	Trust        TrustConfig              `yaml:"trust" json:"trust"`
	Store        StoreConfig              `yaml:"store" json:"store"`
	Anchor       anchor.Config            `yaml:"anchor" json:"anchor"`
	Witness      WitnessConfig            `yaml:"witness" json:"witness"`
	Telemetry    observability.Config     `yaml:"telemetry" json:"telemetry"`
}

// Default returns a configuration that runs fully in memory.
func Default() *Config {
	return &Config{
		LogLevel:     "INFO",
		LogFormat:    "json",
		Session:      session.DefaultConfig(),
		Rings:        rings.DefaultThresholds(),
		Vouching:     liability.DefaultVouchingConfig(),
		Slashing:     liability.DefaultSlashingConfig(),
		Saga:         SagaConfig{StepTimeout: saga.DefaultStepTimeout},
		Verification: verification.DefaultConfig(),
		Audit: AuditConfig{
			DeltaRetention:   30 * 24 * time.Hour,
			AnchorInterval:   30 * time.Second,
			AnchorsPerSecond: 5,
			AnchorBurst:      1,
		},
		Trust:     TrustConfig{CacheTTL: 5 * time.Minute, Cache: "memory"},
		Anchor:    anchor.Config{Type: anchor.TypeNone},
		Telemetry: observability.DefaultConfig(),
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"HYPERVISOR_LOG_LEVEL":       &c.LogLevel,
		"HYPERVISOR_LOG_FORMAT":      &c.LogFormat,
		"HYPERVISOR_STORE_DRIVER":    &c.Store.Driver,
		"HYPERVISOR_STORE_DSN":       &c.Store.DSN,
		"HYPERVISOR_TRUST_CACHE":     &c.Trust.Cache,
		"HYPERVISOR_REDIS_ADDR":      &c.Trust.RedisAddr,
		"HYPERVISOR_REDIS_PASSWORD":  &c.Trust.RedisPassword,
		"HYPERVISOR_ANCHOR_DIR":      &c.Anchor.Dir,
		"HYPERVISOR_ANCHOR_BUCKET":   &c.Anchor.Bucket,
		"HYPERVISOR_ANCHOR_REGION":   &c.Anchor.Region,
		"HYPERVISOR_ANCHOR_ENDPOINT": &c.Anchor.Endpoint,
		"HYPERVISOR_ANCHOR_PREFIX":   &c.Anchor.Prefix,
		"HYPERVISOR_WITNESS_SEED":    &c.Witness.SeedHex,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("HYPERVISOR_ANCHOR_TYPE"); v != "" {
		c.Anchor.Type = anchor.Type(v)
	}

	floats := map[string]*float64{
		"HYPERVISOR_MIN_SIGMA_EFF":      &c.Session.MinSigmaEff,
		"HYPERVISOR_MIN_VOUCHER_SIGMA":  &c.Vouching.MinVoucherSigma,
		"HYPERVISOR_TELEMETRY_SAMPLE":   &c.Telemetry.SampleRate,
		"HYPERVISOR_ANCHORS_PER_SECOND": &c.Audit.AnchorsPerSecond,
	}
	for key, dst := range floats {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = f
		}
	}

	durations := map[string]*time.Duration{
		"HYPERVISOR_SAGA_STEP_TIMEOUT": &c.Saga.StepTimeout,
		"HYPERVISOR_SESSION_MAX":       &c.Session.MaxDuration,
		"HYPERVISOR_DELTA_RETENTION":   &c.Audit.DeltaRetention,
		"HYPERVISOR_TRUST_CACHE_TTL":   &c.Trust.CacheTTL,
		"HYPERVISOR_VERIFICATION_TTL":  &c.Verification.CacheTTL,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv("HYPERVISOR_MAX_PARTICIPANTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HYPERVISOR_MAX_PARTICIPANTS: %w", err)
		}
		c.Session.MaxParticipants = n
	}
	if v := os.Getenv("HYPERVISOR_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	return nil
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if !(0 < c.Rings.Standard && c.Rings.Standard < c.Rings.Privileged && c.Rings.Privileged < 1) {
		return fmt.Errorf("rings: need 0 < standard < privileged < 1, got %v / %v", c.Rings.Standard, c.Rings.Privileged)
	}
	if c.Vouching.MinVoucherSigma < 0 || c.Vouching.MinVoucherSigma > 1 {
		return fmt.Errorf("vouching.min_voucher_sigma must be within [0,1]")
	}
	if c.Vouching.MaxExposure < 0 || c.Vouching.MaxExposure > 1 {
		return fmt.Errorf("vouching.max_exposure must be within [0,1]")
	}
	if c.Slashing.Floor < 0 || c.Slashing.Floor >= 1 {
		return fmt.Errorf("slashing.floor must be within [0,1)")
	}
	if c.Slashing.MaxCascadeDepth < 0 {
		return fmt.Errorf("slashing.max_cascade_depth must not be negative")
	}
	if c.Saga.StepTimeout <= 0 {
		return fmt.Errorf("saga.step_timeout must be positive")
	}
	if c.Verification.MinHistoryDepth < 0 || c.Verification.CacheTTL < 0 {
		return fmt.Errorf("verification settings must not be negative")
	}
	if c.Audit.DeltaRetention < 0 {
		return fmt.Errorf("audit.delta_retention must not be negative")
	}
	if c.Audit.AnchorsPerSecond <= 0 || c.Audit.AnchorBurst < 1 {
		return fmt.Errorf("audit anchor pacing must be positive")
	}
	switch c.Trust.Cache {
	case "memory":
	case "redis":
		if c.Trust.RedisAddr == "" {
			return fmt.Errorf("trust.redis_addr is required for the redis cache")
		}
	default:
		return fmt.Errorf("trust.cache must be memory or redis, got %q", c.Trust.Cache)
	}
	if c.Store.Driver != "" {
		if _, err := store.DialectFor(c.Store.Driver); err != nil {
			return err
		}
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.driver is set")
		}
	}
	if _, err := c.WitnessSeed(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the slog logger described by LogLevel and LogFormat.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := c.SlogLevel()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(c.LogFormat) == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// WitnessSeed decodes the witness seed. Nil means witness tokens are disabled.
func (c *Config) WitnessSeed() ([]byte, error) {
	if c.Witness.SeedHex == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.Witness.SeedHex)
	if err != nil {
		return nil, fmt.Errorf("witness.seed_hex: %w", err)
	}
	if len(seed) < 32 {
		return nil, fmt.Errorf("witness.seed_hex must decode to at least 32 bytes")
	}
	return seed, nil
}

// YAML renders the configuration with secrets redacted.
func (c *Config) YAML() ([]byte, error) {
	redacted := *c
	if redacted.Store.DSN != "" {
		redacted.Store.DSN = "<redacted>"
	}
	if redacted.Trust.RedisPassword != "" {
		redacted.Trust.RedisPassword = "<redacted>"
	}
	if redacted.Witness.SeedHex != "" {
		redacted.Witness.SeedHex = "<redacted>"
	}
	return yaml.Marshal(&redacted)
}
