package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/contracts"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t0 }
}

func handshaking(t *testing.T, cfg Config) *Session {
	t.Helper()
	s := NewWithClock(cfg, "did:creator", fixedClock())
	require.NoError(t, s.BeginHandshake())
	return s
}

func TestLifecycle_ForwardOnly(t *testing.T) {
	s := NewWithClock(DefaultConfig(), "did:creator", fixedClock())
	assert.Equal(t, StateCreated, s.State())

	assert.ErrorIs(t, s.Activate(), ErrLifecycle)
	assert.ErrorIs(t, s.Archive(), ErrLifecycle)
	_, err := s.Join("did:a", 0.9, 0.9, contracts.Ring2Standard)
	assert.ErrorIs(t, err, ErrLifecycle)

	require.NoError(t, s.BeginHandshake())
	assert.ErrorIs(t, s.BeginHandshake(), ErrLifecycle)

	// Activation requires a participant.
	assert.ErrorIs(t, s.Activate(), ErrLifecycle)
	_, err = s.Join("did:a", 0.9, 0.9, contracts.Ring2Standard)
	require.NoError(t, err)
	require.NoError(t, s.Activate())
	assert.ErrorIs(t, s.Activate(), ErrLifecycle)

	require.NoError(t, s.Terminate())
	assert.ErrorIs(t, s.Terminate(), ErrLifecycle)
	_, err = s.Join("did:b", 0.9, 0.9, contracts.Ring2Standard)
	assert.ErrorIs(t, err, ErrLifecycle)

	require.NoError(t, s.Archive())
	assert.Equal(t, StateArchived, s.State())
	assert.ErrorIs(t, s.Archive(), ErrLifecycle)
}

func TestTerminate_FromHandshaking(t *testing.T) {
	s := handshaking(t, DefaultConfig())
	require.NoError(t, s.Terminate())
	assert.Equal(t, StateTerminating, s.State())
	assert.NotNil(t, s.Info().TerminatedAt)
}

func TestJoin_ParticipantErrorsLeaveStateUntouched(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxParticipants = 2
	s := handshaking(t, cfg)

	_, err := s.Join("did:a", 0.9, 0.9, contracts.Ring2Standard)
	require.NoError(t, err)
	_, err = s.Join("did:a", 0.9, 0.9, contracts.Ring2Standard)
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	_, err = s.Join("did:low", 0.3, 0.3, contracts.Ring2Standard)
	assert.ErrorIs(t, err, ErrTrustTooLow)

	// Sandbox agents bypass the trust minimum.
	_, err = s.Join("did:sandbox", 0.3, 0.3, contracts.Ring3Sandbox)
	require.NoError(t, err)

	_, err = s.Join("did:c", 0.9, 0.9, contracts.Ring2Standard)
	assert.ErrorIs(t, err, ErrSessionFull)

	assert.Len(t, s.Participants(), 2)
	assert.Equal(t, StateHandshaking, s.State())
}

func TestLeaveAndRejoin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxParticipants = 1
	s := handshaking(t, cfg)

	_, err := s.Join("did:a", 0.9, 0.9, contracts.Ring2Standard)
	require.NoError(t, err)
	require.NoError(t, s.Leave("did:a"))
	assert.ErrorIs(t, s.Leave("did:a"), ErrNotMember)

	p, ok := s.Participant("did:a")
	require.True(t, ok)
	assert.False(t, p.IsActive)
	assert.NotNil(t, p.LeftAt)

	// Capacity counts active participants only.
	_, err = s.Join("did:b", 0.9, 0.9, contracts.Ring2Standard)
	require.NoError(t, err)
	require.NoError(t, s.Leave("did:b"))

	p, err = s.Join("did:a", 0.8, 0.8, contracts.Ring2Standard)
	require.NoError(t, err)
	assert.True(t, p.IsActive)
	assert.Nil(t, p.LeftAt)
	assert.Len(t, s.Participants(), 2)
	assert.Equal(t, []string{"did:a"}, s.ActiveDIDs())
}

func TestUpdateParticipantAndConsistency(t *testing.T) {
	s := handshaking(t, DefaultConfig())
	_, err := s.Join("did:a", 0.9, 0.9, contracts.Ring2Standard)
	require.NoError(t, err)

	require.NoError(t, s.UpdateParticipant("did:a", contracts.Ring3Sandbox, 0))
	p, _ := s.Participant("did:a")
	assert.Equal(t, contracts.Ring3Sandbox, p.Ring)
	assert.Equal(t, 0.0, p.SigmaEff)
	assert.ErrorIs(t, s.UpdateParticipant("did:x", contracts.Ring3Sandbox, 0), ErrNotMember)

	require.NoError(t, s.SetConsistencyMode(contracts.ConsistencyStrong))
	assert.Equal(t, contracts.ConsistencyStrong, s.Config().ConsistencyMode)
	require.NoError(t, s.Activate())
	assert.ErrorIs(t, s.SetConsistencyMode(contracts.ConsistencyEventual), ErrLifecycle)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	bad := DefaultConfig()
	bad.MaxParticipants = 0
	assert.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.MinSigmaEff = 1.5
	assert.Error(t, bad.Validate())
	bad = DefaultConfig()
	bad.ConsistencyMode = "sometimes"
	assert.Error(t, bad.Validate())
}

func TestExpired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDuration = time.Minute
	s := NewWithClock(cfg, "did:c", fixedClock())
	now := fixedClock()()
	assert.False(t, s.Expired(now.Add(30*time.Second)))
	assert.True(t, s.Expired(now.Add(2*time.Minute)))
}

func TestInfo_Serializable(t *testing.T) {
	s := handshaking(t, DefaultConfig())
	_, err := s.Join("did:a", 0.9, 0.9, contracts.Ring2Standard)
	require.NoError(t, err)

	m, err := contracts.ToMap(s.Info())
	require.NoError(t, err)
	assert.Equal(t, s.ID(), m["session_id"])
	assert.Equal(t, "handshaking", m["state"])
	assert.Len(t, m["participants"], 1)
}

func TestJoin_ConcurrentRespectsCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxParticipants = 5
	s := handshaking(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Join(fmt.Sprintf("did:%d", i), 0.9, 0.9, contracts.Ring2Standard)
		}(i)
	}
	wg.Wait()
	assert.Len(t, s.ActiveDIDs(), 5)
}
