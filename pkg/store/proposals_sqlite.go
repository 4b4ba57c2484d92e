package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/proposal"
)

// SQLiteProposalStore mirrors execution proposals into SQLite.
type SQLiteProposalStore struct {
	db *sql.DB
}

func NewSQLiteProposalStore(ctx context.Context, db *sql.DB) (*SQLiteProposalStore, error) {
	s := &SQLiteProposalStore{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteProposalStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS execution_proposals (
		request_id TEXT PRIMARY KEY,
		confirm_token TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		confirmed_at INTEGER,
		cancelled_at INTEGER,
		executed_at INTEGER,
		execution_result_json TEXT,
		payload_hash TEXT,
		session_id TEXT NOT NULL
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate execution_proposals: %w", err)
	}
	_, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_execution_proposals_session ON execution_proposals(session_id)")
	return err
}

// Save inserts the proposal or updates its mutable columns.
func (s *SQLiteProposalStore) Save(ctx context.Context, r proposal.Record) error {
	query := `INSERT INTO execution_proposals (
		request_id, confirm_token, kind, payload_json, created_at, expires_at,
		confirmed_at, cancelled_at, executed_at, execution_result_json, payload_hash, session_id
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(request_id) DO UPDATE SET
		confirmed_at = excluded.confirmed_at,
		cancelled_at = excluded.cancelled_at,
		executed_at = excluded.executed_at,
		execution_result_json = excluded.execution_result_json`

	_, err := s.db.ExecContext(ctx, query,
		r.RequestID, r.ConfirmToken, string(r.Kind), string(r.PayloadJSON),
		toNanos(r.CreatedAt), toNanos(r.ExpiresAt),
		nullNanos(r.ConfirmedAt), nullNanos(r.CancelledAt), nullNanos(r.ExecutedAt),
		nullString(r.ResultJSON), r.PayloadHash, r.SessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to save proposal %s: %w", r.RequestID, err)
	}
	return nil
}

// Load returns the row for requestID, or (nil, nil) when absent. Session
// filtering is the caller's job.
func (s *SQLiteProposalStore) Load(ctx context.Context, requestID string) (*proposal.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, confirm_token, kind, payload_json, created_at, expires_at,
			confirmed_at, cancelled_at, executed_at, execution_result_json, payload_hash, session_id
		FROM execution_proposals
		WHERE request_id = ?`, requestID)

	var (
		r                              proposal.Record
		kind, payload                  string
		created, expires               int64
		confirmed, cancelled, executed sql.NullInt64
		result, hash                   sql.NullString
	)
	err := row.Scan(&r.RequestID, &r.ConfirmToken, &kind, &payload, &created, &expires,
		&confirmed, &cancelled, &executed, &result, &hash, &r.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load proposal %s: %w", requestID, err)
	}
	r.Kind = proposal.Kind(kind)
	r.PayloadJSON = []byte(payload)
	r.CreatedAt = fromNanos(created)
	r.ExpiresAt = fromNanos(expires)
	r.ConfirmedAt = nanosPtr(confirmed)
	r.CancelledAt = nanosPtr(cancelled)
	r.ExecutedAt = nanosPtr(executed)
	if result.Valid {
		r.ResultJSON = []byte(result.String)
	}
	r.PayloadHash = hash.String
	return &r, nil
}

// ListPending returns unconfirmed, uncancelled, unexpired rows of sessionID.
func (s *SQLiteProposalStore) ListPending(ctx context.Context, sessionID string, now time.Time) ([]proposal.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, kind, confirm_token, created_at, expires_at
		FROM execution_proposals
		WHERE session_id = ? AND confirmed_at IS NULL AND cancelled_at IS NULL AND expires_at > ?
		ORDER BY created_at`, sessionID, toNanos(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []proposal.Summary
	for rows.Next() {
		var (
			sum              proposal.Summary
			kind             string
			created, expires int64
		)
		if err := rows.Scan(&sum.RequestID, &kind, &sum.ConfirmToken, &created, &expires); err != nil {
			return nil, err
		}
		sum.Kind = proposal.Kind(kind)
		sum.CreatedAt = fromNanos(created)
		sum.ExpiresAt = fromNanos(expires)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func nullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
