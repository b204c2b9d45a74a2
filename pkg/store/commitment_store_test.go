package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/audit"
)

func sampleRecord() audit.CommitmentRecord {
	return audit.CommitmentRecord{
		SessionID:       "sess-1",
		MerkleRoot:      "abc123",
		ParticipantDIDs: []string{"did:a", "did:b"},
		DeltaCount:      3,
		CommittedAt:     time.Date(2026, 2, 3, 4, 5, 6, 7000, time.UTC),
		RecordHash:      "h",
	}
}

func TestDialect_Rebind(t *testing.T) {
	q := "UPDATE t SET a = ? WHERE b = ? AND c = ?"
	assert.Equal(t, q, DialectSQLite.rebind(q))
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2 AND c = $3", DialectPostgres.rebind(q))

	d, err := DialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, d)
	_, err = DialectFor("mysql")
	assert.Error(t, err)
}

func TestPut_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewSQLCommitmentStore(db, DialectPostgres)
	rec := sampleRecord()

	mock.ExpectExec(`INSERT INTO hypervisor_commitments .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7\)`).
		WithArgs(rec.SessionID, rec.MerkleRoot, `["did:a","did:b"]`, rec.DeltaCount,
			"2026-02-03T04:05:06.000007Z", rec.RecordHash, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Put(context.Background(), rec))

	mock.ExpectExec("INSERT INTO hypervisor_commitments").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.Put(context.Background(), rec), audit.ErrAlreadyCommitted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT session_id, merkle_root").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err = NewSQLCommitmentStore(db, DialectSQLite).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, audit.ErrCommitmentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_ScansRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{"session_id", "merkle_root", "participant_dids", "delta_count", "committed_at", "record_hash", "anchor_id"}).
		AddRow("sess-1", "abc123", `["did:a"]`, 2, "2026-02-03T04:05:06Z", "h", "s3://bucket/key")
	mock.ExpectQuery("SELECT session_id").WithArgs("sess-1").WillReturnRows(rows)

	rec, err := NewSQLCommitmentStore(db, DialectSQLite).Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"did:a"}, rec.ParticipantDIDs)
	assert.Equal(t, "s3://bucket/key", rec.AnchorID)
	assert.Equal(t, 2026, rec.CommittedAt.Year())
}

func TestSetAnchor_Missing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("UPDATE hypervisor_commitments SET anchor_id").
		WithArgs("gs://x", "nope").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = NewSQLCommitmentStore(db, DialectSQLite).SetAnchor(context.Background(), "nope", "gs://x")
	assert.ErrorIs(t, err, audit.ErrCommitmentNotFound)
}

func openSQLite(t *testing.T) *SQLCommitmentStore {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "hypervisor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	rec := sampleRecord()

	require.NoError(t, s.Put(ctx, rec))
	assert.ErrorIs(t, s.Put(ctx, rec), audit.ErrAlreadyCommitted)

	got, err := s.Get(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	require.NoError(t, s.SetAnchor(ctx, rec.SessionID, "anchor-1"))
	got, _ = s.Get(ctx, rec.SessionID)
	assert.Equal(t, "anchor-1", got.AnchorID)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLite_BacksCommitmentEngine(t *testing.T) {
	ctx := context.Background()
	e := audit.NewCommitmentEngine(openSQLite(t))

	rec, err := e.Commit(ctx, "s1", "root", []string{"did:a"}, 1)
	require.NoError(t, err)
	assert.True(t, e.Verify(ctx, "s1", "root"))
	assert.False(t, e.Verify(ctx, "s1", "other"))

	stored, err := e.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, audit.VerifyRecordHash(stored))
	assert.Equal(t, rec.RecordHash, stored.RecordHash)
}

func TestSQLite_ArchiveDeltas(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	eng := audit.NewDeltaEngine("s1")
	for i := 0; i < 3; i++ {
		_, err := eng.Capture("did:a", []audit.Change{{Path: "/f", Operation: "write"}})
		require.NoError(t, err)
	}
	require.NoError(t, s.ArchiveDeltas(ctx, "s1", eng.Deltas()))

	loaded, err := s.LoadDeltas(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.NoError(t, audit.VerifyDeltas(loaded))

	empty, err := s.LoadDeltas(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
