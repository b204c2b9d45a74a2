// Package store persists commitment records and archived delta chains in
// SQL databases (SQLite or PostgreSQL).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/agent-hypervisor/pkg/audit"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "pgx":
		return DialectPostgres, nil
	default:
		return 0, fmt.Errorf("unsupported store driver %q", driver)
	}
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLCommitmentStore implements audit.CommitmentStore and archives delta chains.
type SQLCommitmentStore struct {
	db      *sql.DB
	dialect Dialect
}

// Open opens driver/dsn and returns a migrated store.
func Open(ctx context.Context, driver, dsn string) (*SQLCommitmentStore, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	s := NewSQLCommitmentStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLCommitmentStore wraps an open database. Call Migrate before use on a fresh database.
func NewSQLCommitmentStore(db *sql.DB, dialect Dialect) *SQLCommitmentStore {
	return &SQLCommitmentStore{db: db, dialect: dialect}
}

// Close closes the underlying database.
func (s *SQLCommitmentStore) Close() error {
	return s.db.Close()
}

// Migrate creates the tables if they do not exist.
func (s *SQLCommitmentStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hypervisor_commitments (
			session_id TEXT PRIMARY KEY,
			merkle_root TEXT NOT NULL,
			participant_dids TEXT NOT NULL,
			delta_count INTEGER NOT NULL,
			committed_at TEXT NOT NULL,
			record_hash TEXT NOT NULL,
			anchor_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS hypervisor_deltas (
			session_id TEXT NOT NULL,
			turn_id INTEGER NOT NULL,
			delta_hash TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (session_id, turn_id)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate commitment store: %w", err)
		}
	}
	return nil
}

// Put inserts a record; an existing session id yields audit.ErrAlreadyCommitted.
func (s *SQLCommitmentStore) Put(ctx context.Context, rec audit.CommitmentRecord) error {
	dids, err := json.Marshal(rec.ParticipantDIDs)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	query := s.dialect.rebind(`INSERT INTO hypervisor_commitments
		(session_id, merkle_root, participant_dids, delta_count, committed_at, record_hash, anchor_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO NOTHING`)
	res, err := s.db.ExecContext(ctx, query,
		rec.SessionID, rec.MerkleRoot, string(dids), rec.DeltaCount,
		rec.CommittedAt.UTC().Format(time.RFC3339Nano), rec.RecordHash, rec.AnchorID)
	if err != nil {
		return fmt.Errorf("failed to insert commitment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert commitment: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", audit.ErrAlreadyCommitted, rec.SessionID)
	}
	return nil
}

const selectCommitment = `SELECT session_id, merkle_root, participant_dids, delta_count, committed_at, record_hash, anchor_id
	FROM hypervisor_commitments`

type scanner interface {
	Scan(dest ...any) error
}

func scanCommitment(row scanner) (audit.CommitmentRecord, error) {
	var (
		rec       audit.CommitmentRecord
		dids      string
		committed string
	)
	if err := row.Scan(&rec.SessionID, &rec.MerkleRoot, &dids, &rec.DeltaCount, &committed, &rec.RecordHash, &rec.AnchorID); err != nil {
		return audit.CommitmentRecord{}, err
	}
	if err := json.Unmarshal([]byte(dids), &rec.ParticipantDIDs); err != nil {
		return audit.CommitmentRecord{}, fmt.Errorf("decode participants for %s: %w", rec.SessionID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, committed)
	if err != nil {
		return audit.CommitmentRecord{}, fmt.Errorf("decode committed_at for %s: %w", rec.SessionID, err)
	}
	rec.CommittedAt = t.UTC()
	return rec, nil
}

// Get loads one record.
func (s *SQLCommitmentStore) Get(ctx context.Context, sessionID string) (audit.CommitmentRecord, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(selectCommitment+` WHERE session_id = ?`), sessionID)
	rec, err := scanCommitment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.CommitmentRecord{}, fmt.Errorf("%w: %s", audit.ErrCommitmentNotFound, sessionID)
	}
	return rec, err
}

// SetAnchor records the external anchor locator.
func (s *SQLCommitmentStore) SetAnchor(ctx context.Context, sessionID, anchorID string) error {
	res, err := s.db.ExecContext(ctx,
		s.dialect.rebind(`UPDATE hypervisor_commitments SET anchor_id = ? WHERE session_id = ?`),
		anchorID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to set anchor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to set anchor: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", audit.ErrCommitmentNotFound, sessionID)
	}
	return nil
}

// List returns every record, oldest first.
func (s *SQLCommitmentStore) List(ctx context.Context) ([]audit.CommitmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectCommitment+` ORDER BY committed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list commitments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.CommitmentRecord
	for rows.Next() {
		rec, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ArchiveDeltas stores a session's delta chain in one transaction. Turns
// already archived are left as they are.
func (s *SQLCommitmentStore) ArchiveDeltas(ctx context.Context, sessionID string, deltas []audit.SemanticDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive deltas: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.dialect.rebind(`INSERT INTO hypervisor_deltas (session_id, turn_id, delta_hash, body) VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, turn_id) DO NOTHING`)
	for _, d := range deltas {
		body, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode delta %d: %w", d.TurnID, err)
		}
		if _, err := tx.ExecContext(ctx, query, sessionID, d.TurnID, d.DeltaHash, string(body)); err != nil {
			return fmt.Errorf("insert delta %d: %w", d.TurnID, err)
		}
	}
	return tx.Commit()
}

// LoadDeltas returns the archived chain in turn order.
func (s *SQLCommitmentStore) LoadDeltas(ctx context.Context, sessionID string) ([]audit.SemanticDelta, error) {
	rows, err := s.db.QueryContext(ctx,
		s.dialect.rebind(`SELECT body FROM hypervisor_deltas WHERE session_id = ? ORDER BY turn_id ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("load deltas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.SemanticDelta
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d audit.SemanticDelta
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("decode delta: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
