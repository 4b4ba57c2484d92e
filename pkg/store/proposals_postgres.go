package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/tradegate/pkg/proposal"
)

// PostgresProposalStore mirrors execution proposals into PostgreSQL.
type PostgresProposalStore struct {
	db *sql.DB
}

func NewPostgresProposalStore(db *sql.DB) *PostgresProposalStore {
	return &PostgresProposalStore{db: db}
}

// Migrate creates the proposals table when missing.
func (s *PostgresProposalStore) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS execution_proposals (
			request_id TEXT PRIMARY KEY,
			confirm_token TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload_json JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			confirmed_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ,
			executed_at TIMESTAMPTZ,
			execution_result_json JSONB,
			payload_hash TEXT,
			session_id TEXT NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate execution_proposals: %w", err)
	}
	return nil
}

func (s *PostgresProposalStore) Save(ctx context.Context, r proposal.Record) error {
	query := `
		INSERT INTO execution_proposals (request_id, confirm_token, kind, payload_json, created_at, expires_at,
			confirmed_at, cancelled_at, executed_at, execution_result_json, payload_hash, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (request_id) DO UPDATE SET
			confirmed_at = EXCLUDED.confirmed_at,
			cancelled_at = EXCLUDED.cancelled_at,
			executed_at = EXCLUDED.executed_at,
			execution_result_json = EXCLUDED.execution_result_json
	`
	_, err := s.db.ExecContext(ctx, query,
		r.RequestID, r.ConfirmToken, string(r.Kind), string(r.PayloadJSON), r.CreatedAt, r.ExpiresAt,
		nullTime(r.ConfirmedAt), nullTime(r.CancelledAt), nullTime(r.ExecutedAt),
		nullString(r.ResultJSON), r.PayloadHash, r.SessionID)
	if err != nil {
		return fmt.Errorf("failed to persist proposal %s: %w", r.RequestID, err)
	}
	return nil
}

func (s *PostgresProposalStore) Load(ctx context.Context, requestID string) (*proposal.Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT request_id, confirm_token, kind, payload_json, created_at, expires_at, confirmed_at, cancelled_at, executed_at, execution_result_json, payload_hash, session_id FROM execution_proposals WHERE request_id = $1",
		requestID)

	var (
		r                              proposal.Record
		kind, payload                  string
		confirmed, cancelled, executed sql.NullTime
		result, hash                   sql.NullString
	)
	err := row.Scan(&r.RequestID, &r.ConfirmToken, &kind, &payload, &r.CreatedAt, &r.ExpiresAt,
		&confirmed, &cancelled, &executed, &result, &hash, &r.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load proposal %s: %w", requestID, err)
	}
	r.Kind = proposal.Kind(kind)
	r.PayloadJSON = []byte(payload)
	r.ConfirmedAt = timePtr(confirmed)
	r.CancelledAt = timePtr(cancelled)
	r.ExecutedAt = timePtr(executed)
	if result.Valid {
		r.ResultJSON = []byte(result.String)
	}
	r.PayloadHash = hash.String
	return &r, nil
}

func (s *PostgresProposalStore) ListPending(ctx context.Context, sessionID string, now time.Time) ([]proposal.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT request_id, kind, confirm_token, created_at, expires_at FROM execution_proposals WHERE session_id = $1 AND confirmed_at IS NULL AND cancelled_at IS NULL AND expires_at > $2 ORDER BY created_at",
		sessionID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []proposal.Summary
	for rows.Next() {
		var sum proposal.Summary
		var kind string
		if err := rows.Scan(&sum.RequestID, &kind, &sum.ConfirmToken, &sum.CreatedAt, &sum.ExpiresAt); err != nil {
			return nil, err
		}
		sum.Kind = proposal.Kind(kind)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
