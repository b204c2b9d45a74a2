package trust

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) ResolveSigma(ctx context.Context, req ResolveRequest) (float64, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(float64), args.Error(1)
}

func (m *mockResolver) ReportTaskOutcome(ctx context.Context, agentDID string, success bool) error {
	return m.Called(ctx, agentDID, success).Error(0)
}

func (m *mockResolver) ReportSlash(ctx context.Context, agentDID, reason string, severity float64) error {
	return m.Called(ctx, agentDID, reason, severity).Error(0)
}

func TestNeutralResolver(t *testing.T) {
	r := NewNeutralResolver()
	s, err := r.ResolveSigma(context.Background(), ResolveRequest{AgentDID: "did:a"})
	require.NoError(t, err)
	assert.Equal(t, NeutralSigma, s)
	assert.NoError(t, r.ReportSlash(context.Background(), "did:a", "x", 1))
}

func TestNormalizeScore(t *testing.T) {
	assert.Equal(t, 0.75, NormalizeScore(750, 1000))
	assert.Equal(t, 1.0, NormalizeScore(1200, 1000))
	assert.Equal(t, 0.0, NormalizeScore(-5, 1000))
	assert.Equal(t, 0.0, NormalizeScore(10, 0))
}

func TestCachingResolver_CachesUntilTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	cache := NewMemoryCache().WithClock(func() time.Time { return now })

	inner := &mockResolver{}
	req := ResolveRequest{AgentDID: "did:a"}
	inner.On("ResolveSigma", mock.Anything, req).Return(0.8, nil).Twice()

	r := NewCachingResolver(inner, cache, time.Minute)
	for i := 0; i < 3; i++ {
		s, err := r.ResolveSigma(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, 0.8, s)
	}

	now = now.Add(2 * time.Minute)
	_, err := r.ResolveSigma(ctx, req)
	require.NoError(t, err)
	inner.AssertExpectations(t)
}

func TestCachingResolver_SlashEvicts(t *testing.T) {
	ctx := context.Background()
	inner := &mockResolver{}
	req := ResolveRequest{AgentDID: "did:a"}
	inner.On("ResolveSigma", mock.Anything, req).Return(0.9, nil).Once()
	inner.On("ReportSlash", mock.Anything, "did:a", "violation", 0.5).Return(nil).Once()
	inner.On("ResolveSigma", mock.Anything, req).Return(0.1, nil).Once()

	r := NewCachingResolver(inner, nil, time.Hour)
	s, _ := r.ResolveSigma(ctx, req)
	assert.Equal(t, 0.9, s)
	require.NoError(t, r.ReportSlash(ctx, "did:a", "violation", 0.5))
	s, _ = r.ResolveSigma(ctx, req)
	assert.Equal(t, 0.1, s)
	inner.AssertExpectations(t)
}

func TestCachingResolver_Errors(t *testing.T) {
	ctx := context.Background()
	inner := &mockResolver{}
	inner.On("ResolveSigma", mock.Anything, ResolveRequest{AgentDID: "did:down"}).Return(0.0, errors.New("timeout"))
	inner.On("ResolveSigma", mock.Anything, ResolveRequest{AgentDID: "did:odd"}).Return(1.7, nil)

	r := NewCachingResolver(inner, nil, time.Minute)
	_, err := r.ResolveSigma(ctx, ResolveRequest{AgentDID: "did:down"})
	assert.ErrorContains(t, err, "timeout")
	_, err = r.ResolveSigma(ctx, ResolveRequest{AgentDID: "did:odd"})
	assert.ErrorContains(t, err, "outside [0,1]")
}

// TestRedisCache_Integration requires a running Redis and skips otherwise.
func TestRedisCache_Integration(t *testing.T) {
	ctx := context.Background()
	c := NewRedisCache("localhost:6379", "", 0)
	defer func() { _ = c.Close() }()
	if err := c.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := cacheKey("did:redis-test")
	require.NoError(t, c.Delete(ctx, key))
	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, 0.42, time.Minute))
	v, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 0.42, v, 1e-9)
	require.NoError(t, c.Delete(ctx, key))
}
