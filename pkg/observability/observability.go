// Package observability provides OpenTelemetry instruments for the hypervisor.
//
// Exporters are left to the embedding process: by default the global
// providers are used, so instruments are no-ops until someone installs a
// real MeterProvider or TracerProvider.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "agent-hypervisor"

// Config configures the SDK providers.
type Config struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	ServiceName    string  `yaml:"service_name" json:"service_name"`
	ServiceVersion string  `yaml:"service_version" json:"service_version"`
	Environment    string  `yaml:"environment" json:"environment"`
	SampleRate     float64 `yaml:"sample_rate" json:"sample_rate"`
}

// DefaultConfig returns development defaults with the SDK disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "agent-hypervisor",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

// Option customises the SDK providers built by New.
type Option func(*options)

type options struct {
	readers    []sdkmetric.Reader
	processors []sdktrace.SpanProcessor
}

// WithReader attaches a metric reader (exporting or manual).
func WithReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.readers = append(o.readers, r) }
}

// WithSpanProcessor attaches a span processor.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(o *options) { o.processors = append(o.processors, sp) }
}

// Provider owns the hypervisor's meter, tracer and instruments.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	sessionsActive  metric.Int64UpDownCounter
	ringChecks      metric.Int64Counter
	slashes         metric.Int64Counter
	sagaSteps       metric.Int64Counter
	compensations   metric.Int64Counter
	deltas          metric.Int64Counter
	gcPurged        metric.Int64Counter
	anchorsFailed   metric.Int64Counter
	operationErrors metric.Int64Counter
	durationHist    metric.Float64Histogram
}

// New builds SDK providers when cfg.Enabled, otherwise binds to the global
// providers. SDK providers are also installed as the globals.
func New(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	logger := slog.Default().With("component", "observability")
	if !cfg.Enabled {
		logger.InfoContext(ctx, "observability SDK disabled, using global providers")
		return NewWithProviders(otel.GetMeterProvider(), otel.GetTracerProvider())
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res), sdktrace.WithSampler(sampler)}
	for _, sp := range o.processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range o.readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	p, err := NewWithProviders(mp, tp)
	if err != nil {
		return nil, err
	}
	p.tracerProvider = tp
	p.meterProvider = mp
	p.logger = logger
	logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
		"sample_rate", cfg.SampleRate,
	)
	return p, nil
}

// NewWithProviders creates instruments on the given providers.
func NewWithProviders(mp metric.MeterProvider, tp trace.TracerProvider) (*Provider, error) {
	p := &Provider{
		tracer: tp.Tracer(instrumentationName),
		meter:  mp.Meter(instrumentationName),
		logger: slog.Default().With("component", "observability"),
	}
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}
	return p, nil
}

// Default binds to the global providers. Instrument creation on the global
// providers does not fail in practice; on error a provider without
// instruments is returned and every recorder becomes a no-op.
func Default() *Provider {
	p, err := NewWithProviders(otel.GetMeterProvider(), otel.GetTracerProvider())
	if err != nil {
		return &Provider{
			tracer: otel.Tracer(instrumentationName),
			meter:  otel.Meter(instrumentationName),
			logger: slog.Default().With("component", "observability"),
		}
	}
	return p
}

func (p *Provider) initInstruments() error {
	var err error
	if p.sessionsActive, err = p.meter.Int64UpDownCounter("hypervisor.sessions.active",
		metric.WithDescription("Sessions not yet archived"),
		metric.WithUnit("{session}"),
	); err != nil {
		return err
	}
	if p.ringChecks, err = p.meter.Int64Counter("hypervisor.ring.checks",
		metric.WithDescription("Ring permission checks by outcome"),
		metric.WithUnit("{check}"),
	); err != nil {
		return err
	}
	if p.slashes, err = p.meter.Int64Counter("hypervisor.liability.slashes",
		metric.WithDescription("Slashes applied, including cascades"),
		metric.WithUnit("{slash}"),
	); err != nil {
		return err
	}
	if p.sagaSteps, err = p.meter.Int64Counter("hypervisor.saga.steps",
		metric.WithDescription("Saga steps finished by state"),
		metric.WithUnit("{step}"),
	); err != nil {
		return err
	}
	if p.compensations, err = p.meter.Int64Counter("hypervisor.saga.compensations",
		metric.WithDescription("Compensation runs by final saga state"),
		metric.WithUnit("{saga}"),
	); err != nil {
		return err
	}
	if p.deltas, err = p.meter.Int64Counter("hypervisor.audit.deltas",
		metric.WithDescription("Semantic deltas captured"),
		metric.WithUnit("{delta}"),
	); err != nil {
		return err
	}
	if p.gcPurged, err = p.meter.Int64Counter("hypervisor.gc.purged",
		metric.WithDescription("Ephemeral artifacts purged"),
		metric.WithUnit("{artifact}"),
	); err != nil {
		return err
	}
	if p.anchorsFailed, err = p.meter.Int64Counter("hypervisor.audit.anchor_failures",
		metric.WithDescription("Commitment anchoring attempts that failed"),
		metric.WithUnit("{anchor}"),
	); err != nil {
		return err
	}
	if p.operationErrors, err = p.meter.Int64Counter("hypervisor.operation.errors",
		metric.WithDescription("Hypervisor operations that returned an error"),
		metric.WithUnit("{error}"),
	); err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("hypervisor.operation.duration",
		metric.WithDescription("Hypervisor operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0),
	)
	return err
}

// Shutdown flushes and stops SDK providers built by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the hypervisor tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the hypervisor meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

func (p *Provider) SessionOpened(ctx context.Context) {
	if p.sessionsActive != nil {
		p.sessionsActive.Add(ctx, 1)
	}
}

func (p *Provider) SessionClosed(ctx context.Context) {
	if p.sessionsActive != nil {
		p.sessionsActive.Add(ctx, -1)
	}
}

func (p *Provider) RingCheck(ctx context.Context, allowed bool, required int) {
	if p.ringChecks != nil {
		p.ringChecks.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("allowed", allowed),
			attribute.Int("required_ring", required),
		))
	}
}

func (p *Provider) Slash(ctx context.Context, cascadeDepth int) {
	if p.slashes != nil {
		p.slashes.Add(ctx, 1, metric.WithAttributes(attribute.Int("cascade_depth", cascadeDepth)))
	}
}

func (p *Provider) StepFinished(ctx context.Context, state string) {
	if p.sagaSteps != nil {
		p.sagaSteps.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	}
}

func (p *Provider) Compensation(ctx context.Context, finalState string) {
	if p.compensations != nil {
		p.compensations.Add(ctx, 1, metric.WithAttributes(attribute.String("final_state", finalState)))
	}
}

func (p *Provider) DeltaCaptured(ctx context.Context) {
	if p.deltas != nil {
		p.deltas.Add(ctx, 1)
	}
}

func (p *Provider) GCPurged(ctx context.Context, n int) {
	if p.gcPurged != nil && n > 0 {
		p.gcPurged.Add(ctx, int64(n))
	}
}

func (p *Provider) AnchorFailed(ctx context.Context, n int) {
	if p.anchorsFailed != nil && n > 0 {
		p.anchorsFailed.Add(ctx, int64(n))
	}
}

// TrackOperation starts a span and returns a function that ends it,
// recording duration and any error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	opAttrs := append([]attribute.KeyValue{attribute.String("operation", name)}, attrs...)

	return ctx, func(err error) {
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(opAttrs...))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if p.operationErrors != nil {
				p.operationErrors.Add(ctx, 1, metric.WithAttributes(opAttrs...))
			}
		}
		span.End()
	}
}
