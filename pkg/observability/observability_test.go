package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func sumInt(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	reader := sdkmetric.NewManualReader()
	rec := tracetest.NewSpanRecorder()
	p, err := NewWithProviders(
		sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)),
	)
	require.NoError(t, err)
	return p, reader, rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "agent-hypervisor", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	p, reader, _ := newTestProvider(t)

	p.SessionOpened(ctx)
	p.SessionOpened(ctx)
	p.SessionClosed(ctx)
	p.RingCheck(ctx, true, 2)
	p.RingCheck(ctx, false, 1)
	p.Slash(ctx, 0)
	p.Slash(ctx, 1)
	p.StepFinished(ctx, "committed")
	p.Compensation(ctx, "completed")
	p.DeltaCaptured(ctx)
	p.GCPurged(ctx, 4)
	p.GCPurged(ctx, 0)
	p.AnchorFailed(ctx, 2)

	assert.Equal(t, int64(1), sumInt(t, reader, "hypervisor.sessions.active"))
	assert.Equal(t, int64(2), sumInt(t, reader, "hypervisor.ring.checks"))
	assert.Equal(t, int64(2), sumInt(t, reader, "hypervisor.liability.slashes"))
	assert.Equal(t, int64(1), sumInt(t, reader, "hypervisor.saga.steps"))
	assert.Equal(t, int64(1), sumInt(t, reader, "hypervisor.saga.compensations"))
	assert.Equal(t, int64(1), sumInt(t, reader, "hypervisor.audit.deltas"))
	assert.Equal(t, int64(4), sumInt(t, reader, "hypervisor.gc.purged"))
	assert.Equal(t, int64(2), sumInt(t, reader, "hypervisor.audit.anchor_failures"))
}

func TestTrackOperation(t *testing.T) {
	ctx := context.Background()
	p, reader, rec := newTestProvider(t)

	_, done := p.TrackOperation(ctx, "hypervisor.join", attribute.String("session_id", "s1"))
	done(nil)
	_, done = p.TrackOperation(ctx, "hypervisor.slash")
	done(errors.New("boom"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "hypervisor.join", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, int64(1), sumInt(t, reader, "hypervisor.operation.errors"))
}

func TestNew_DisabledUsesGlobals(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	p.SessionOpened(context.Background())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNew_EnabledInstallsSDK(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	reader := sdkmetric.NewManualReader()
	cfg := DefaultConfig()
	cfg.Enabled = true
	p, err := New(context.Background(), cfg, WithReader(reader))
	require.NoError(t, err)

	p.DeltaCaptured(context.Background())
	assert.Equal(t, int64(1), sumInt(t, reader, "hypervisor.audit.deltas"))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDefault(t *testing.T) {
	p := Default()
	require.NotNil(t, p)
	_, done := p.TrackOperation(context.Background(), "noop")
	done(nil)
}
