package anchor

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/audit"
)

type mockS3 struct {
	mock.Mock
}

func (m *mockS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func record() audit.CommitmentRecord {
	return audit.CommitmentRecord{
		SessionID:       "sess-1",
		MerkleRoot:      "root",
		ParticipantDIDs: []string{"did:a"},
		DeltaCount:      1,
		CommittedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		RecordHash:      "rh",
		AnchorID:        "ignored",
	}
}

func TestPayload_Canonical(t *testing.T) {
	body, err := Payload(record())
	require.NoError(t, err)
	s := string(body)
	assert.True(t, strings.HasPrefix(s, `{"committed_at":`), s)
	assert.NotContains(t, s, "anchor_id")
	assert.NotContains(t, s, " ")
}

func TestS3Anchor(t *testing.T) {
	m := &mockS3{}
	m.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		if aws.ToString(in.Bucket) != "audit" || aws.ToString(in.Key) != "roots/sess-1/rh.json" {
			return false
		}
		body, _ := io.ReadAll(in.Body)
		return strings.Contains(string(body), `"merkle_root":"root"`)
	})).Return(&s3.PutObjectOutput{}, nil).Once()

	a := NewS3AnchorWithClient(m, "audit", "roots/")
	id, err := a.Anchor(context.Background(), record())
	require.NoError(t, err)
	assert.Equal(t, "s3://audit/roots/sess-1/rh.json", id)
	m.AssertExpectations(t)
}

func TestS3Anchor_Error(t *testing.T) {
	m := &mockS3{}
	m.On("PutObject", mock.Anything, mock.Anything).Return(nil, errors.New("access denied"))

	_, err := NewS3AnchorWithClient(m, "audit", "").Anchor(context.Background(), record())
	assert.ErrorContains(t, err, "access denied")
}

func TestFileAnchor(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileAnchor(dir)
	require.NoError(t, err)

	id, err := a.Anchor(context.Background(), record())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "file://"))

	body, err := os.ReadFile(strings.TrimPrefix(id, "file://"))
	require.NoError(t, err)
	want, _ := Payload(record())
	assert.Equal(t, want, body)

	_, err = NewFileAnchor("")
	assert.Error(t, err)
}

func TestFileAnchor_DrivesCommitmentEngine(t *testing.T) {
	ctx := context.Background()
	a, err := NewFileAnchor(t.TempDir())
	require.NoError(t, err)
	e := audit.NewCommitmentEngine(nil).WithAnchorer(a, 10, 1)

	_, err = e.Commit(ctx, "s1", "r", []string{"did:a"}, 1)
	require.NoError(t, err)
	e.EnqueueAnchor("s1")
	report, err := e.FlushAnchors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Anchored)

	rec, _ := e.Get(ctx, "s1")
	assert.True(t, strings.HasPrefix(rec.AnchorID, "file://"))
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = New(ctx, Config{Type: TypeFile, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileAnchor{}, a)

	_, err = New(ctx, Config{Type: TypeS3})
	assert.Error(t, err)
	_, err = New(ctx, Config{Type: TypeGCS})
	assert.Error(t, err)
	_, err = New(ctx, Config{Type: "ipfs"})
	assert.Error(t, err)
}
