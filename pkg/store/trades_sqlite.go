package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
)

// SQLiteTradeJournal records every settled paper trade.
type SQLiteTradeJournal struct {
	db *sql.DB
}

func NewSQLiteTradeJournal(ctx context.Context, db *sql.DB) (*SQLiteTradeJournal, error) {
	j := &SQLiteTradeJournal{db: db}
	query := `
	CREATE TABLE IF NOT EXISTS paper_trades (
		trade_id TEXT PRIMARY KEY,
		sequence INTEGER NOT NULL,
		account TEXT NOT NULL,
		side TEXT NOT NULL,
		symbol TEXT NOT NULL,
		amount REAL NOT NULL,
		price REAL NOT NULL,
		notional REAL NOT NULL,
		rationale TEXT,
		source TEXT NOT NULL,
		order_id TEXT,
		executed_at INTEGER NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL
	);`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("failed to migrate paper_trades: %w", err)
	}
	return j, nil
}

// RecordTrade implements ledger.Journal.
func (j *SQLiteTradeJournal) RecordTrade(ctx context.Context, t ledger.Trade) error {
	query := `INSERT INTO paper_trades (
		trade_id, sequence, account, side, symbol, amount, price, notional,
		rationale, source, order_id, executed_at, prev_hash, hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := j.db.ExecContext(ctx, query,
		t.TradeID, t.Sequence, t.Account, string(t.Side), t.Symbol, t.Amount, t.Price, t.Notional,
		t.Rationale, t.Source, t.OrderID, toNanos(t.ExecutedAt), t.PrevHash, t.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to record trade %s: %w", t.TradeID, err)
	}
	return nil
}

// ListTrades returns up to limit trades, newest first. An empty account
// lists every account; limit <= 0 means 100.
func (j *SQLiteTradeJournal) ListTrades(ctx context.Context, account string, limit int) ([]ledger.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT trade_id, sequence, account, side, symbol, amount, price, notional,
			rationale, source, order_id, executed_at, prev_hash, hash
		FROM paper_trades
		WHERE (? = '' OR account = ?)
		ORDER BY executed_at DESC, rowid DESC
		LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, account, account, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ledger.Trade
	for rows.Next() {
		var (
			t                  ledger.Trade
			side               string
			rationale, orderID sql.NullString
			executed           int64
		)
		if err := rows.Scan(&t.TradeID, &t.Sequence, &t.Account, &side, &t.Symbol, &t.Amount, &t.Price, &t.Notional,
			&rationale, &t.Source, &orderID, &executed, &t.PrevHash, &t.Hash); err != nil {
			return nil, err
		}
		t.Side = ledger.Side(side)
		t.Rationale = rationale.String
		t.OrderID = orderID.String
		t.ExecutedAt = fromNanos(executed)
		out = append(out, t)
	}
	return out, rows.Err()
}
