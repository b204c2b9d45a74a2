package verification

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func history(n int) []TransactionRecord {
	out := make([]TransactionRecord, n)
	for i := range out {
		out[i] = TransactionRecord{
			SessionID:   fmt.Sprintf("s-%d", i),
			SummaryHash: fmt.Sprintf("%064x", i+1),
			Timestamp:   t0.Add(time.Duration(i) * time.Hour),
		}
	}
	return out
}

func newVerifier() (*HistoryVerifier, *clock) {
	c := &clock{now: t0}
	return NewHistoryVerifier(DefaultConfig()).WithClock(c.Now), c
}

func TestVerify_Statuses(t *testing.T) {
	tests := []struct {
		name    string
		history func() []TransactionRecord
		want    Status
		note    string
	}{
		{"empty", func() []TransactionRecord { return nil }, StatusProbationary, "no transaction history"},
		{"shallow", func() []TransactionRecord { return history(2) }, StatusProbationary, "insufficient depth"},
		{"clean", func() []TransactionRecord { return history(5) }, StatusVerified, ""},
		{"replayed hash", func() []TransactionRecord {
			h := history(4)
			h[3].SummaryHash = h[0].SummaryHash
			return h
		}, StatusSuspicious, "replayed"},
		{"non-monotonic", func() []TransactionRecord {
			h := history(4)
			h[2].Timestamp = t0.Add(-time.Hour)
			return h
		}, StatusSuspicious, "non-monotonic"},
		{"short hash", func() []TransactionRecord {
			h := history(4)
			h[1].SummaryHash = "abc"
			return h
		}, StatusSuspicious, "malformed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _ := newVerifier()
			res := v.Verify("did:a", tt.history())
			assert.Equal(t, tt.want, res.Status)
			if tt.note != "" {
				require.NotEmpty(t, res.Inconsistencies)
				assert.Contains(t, res.Inconsistencies[0], tt.note)
			}
		})
	}
}

func TestVerify_SameHashSameSessionIsNotReplay(t *testing.T) {
	v, _ := newVerifier()
	h := history(4)
	h[3].SummaryHash = h[2].SummaryHash
	h[3].SessionID = h[2].SessionID
	assert.Equal(t, StatusVerified, v.Verify("did:a", h).Status)
}

func TestTrustworthiness(t *testing.T) {
	v, _ := newVerifier()
	assert.Equal(t, StatusUnknown, v.Status("did:x"))
	assert.False(t, v.IsTrustworthy("did:x"))

	v.Verify("did:new", nil)
	assert.True(t, v.IsTrustworthy("did:new"))

	v.Verify("did:good", history(5))
	assert.True(t, v.IsTrustworthy("did:good"))

	bad := history(4)
	bad[1].SummaryHash = "x"
	v.Verify("did:bad", bad)
	assert.False(t, v.IsTrustworthy("did:bad"))
}

func TestCache_TTLAndInvalidate(t *testing.T) {
	v, c := newVerifier()
	first := v.Verify("did:a", nil)
	assert.Equal(t, StatusProbationary, first.Status)

	// Cached: a better history is ignored until the entry expires.
	assert.Equal(t, StatusProbationary, v.Verify("did:a", history(5)).Status)

	c.now = t0.Add(DefaultConfig().CacheTTL + time.Second)
	assert.Equal(t, StatusUnknown, v.Status("did:a"))
	assert.Equal(t, StatusVerified, v.Verify("did:a", history(5)).Status)

	v.Invalidate("did:a")
	assert.Equal(t, StatusUnknown, v.Status("did:a"))

	v.Verify("did:b", nil)
	assert.Equal(t, 1, v.Purge())
}

type stubSource struct {
	records []TransactionRecord
	err     error
}

func (s stubSource) FetchHistory(context.Context, string) ([]TransactionRecord, error) {
	return s.records, s.err
}

func TestVerifyFromSource(t *testing.T) {
	v, _ := newVerifier()
	res := v.VerifyFromSource(context.Background(), "did:a", stubSource{records: history(5)})
	assert.Equal(t, StatusVerified, res.Status)

	res = v.VerifyFromSource(context.Background(), "did:b", stubSource{err: errors.New("connection refused")})
	assert.Equal(t, StatusUnreachable, res.Status)
	assert.False(t, v.IsTrustworthy("did:b"))
}
