package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
)

// WalletStore persists paper wallets: balances, open orders and the risk
// baseline of each account. Quantities are stored as decimal strings.
type WalletStore struct {
	db       *sql.DB
	postgres bool
}

var walletSchema = []string{`
	CREATE TABLE IF NOT EXISTS wallet_balances (
		account TEXT NOT NULL,
		asset TEXT NOT NULL,
		qty TEXT NOT NULL,
		PRIMARY KEY (account, asset)
	)`, `
	CREATE TABLE IF NOT EXISTS wallet_orders (
		order_id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		side TEXT NOT NULL,
		symbol TEXT NOT NULL,
		amount DOUBLE PRECISION NOT NULL,
		limit_price DOUBLE PRECISION NOT NULL,
		created_at BIGINT NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS wallet_baselines (
		account TEXT PRIMARY KEY,
		day TEXT NOT NULL,
		start_value TEXT NOT NULL,
		peak_value TEXT NOT NULL
	)`,
}

// NewSQLiteWalletStore migrates and returns a wallet store on a SQLite db.
func NewSQLiteWalletStore(ctx context.Context, db *sql.DB) (*WalletStore, error) {
	s := &WalletStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresWalletStore returns a wallet store on PostgreSQL. Call Migrate
// before first use.
func NewPostgresWalletStore(db *sql.DB) *WalletStore {
	return &WalletStore{db: db, postgres: true}
}

// Migrate creates the wallet tables when missing.
func (s *WalletStore) Migrate(ctx context.Context) error {
	for _, stmt := range walletSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate wallet tables: %w", err)
		}
	}
	return nil
}

// q rewrites ? placeholders to $n for PostgreSQL.
func (s *WalletStore) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveWallet implements ledger.StateStore. The account's rows are replaced
// in one transaction.
func (s *WalletStore) SaveWallet(ctx context.Context, w ledger.Wallet) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin wallet write: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.q("DELETE FROM wallet_balances WHERE account = ?"), w.Account); err != nil {
		return fmt.Errorf("failed to clear balances of %s: %w", w.Account, err)
	}
	assets := make([]string, 0, len(w.Balances))
	for asset := range w.Balances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		if _, err = tx.ExecContext(ctx, s.q("INSERT INTO wallet_balances (account, asset, qty) VALUES (?, ?, ?)"),
			w.Account, asset, w.Balances[asset].String()); err != nil {
			return fmt.Errorf("failed to save balance %s/%s: %w", w.Account, asset, err)
		}
	}

	if _, err = tx.ExecContext(ctx, s.q("DELETE FROM wallet_orders WHERE account = ?"), w.Account); err != nil {
		return fmt.Errorf("failed to clear orders of %s: %w", w.Account, err)
	}
	for _, o := range w.Orders {
		if _, err = tx.ExecContext(ctx,
			s.q("INSERT INTO wallet_orders (order_id, account, side, symbol, amount, limit_price, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)"),
			o.OrderID, w.Account, string(o.Side), o.Symbol, o.Amount, o.LimitPrice, toNanos(o.CreatedAt)); err != nil {
			return fmt.Errorf("failed to save order %s: %w", o.OrderID, err)
		}
	}

	if _, err = tx.ExecContext(ctx, s.q("DELETE FROM wallet_baselines WHERE account = ?"), w.Account); err != nil {
		return fmt.Errorf("failed to clear baseline of %s: %w", w.Account, err)
	}
	if b := w.Baseline; b != nil {
		if _, err = tx.ExecContext(ctx,
			s.q("INSERT INTO wallet_baselines (account, day, start_value, peak_value) VALUES (?, ?, ?, ?)"),
			w.Account, b.Day, b.Start.String(), b.Peak.String()); err != nil {
			return fmt.Errorf("failed to save baseline of %s: %w", w.Account, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit wallet %s: %w", w.Account, err)
	}
	return nil
}

// LoadWallets implements ledger.StateStore, returning wallets sorted by account.
func (s *WalletStore) LoadWallets(ctx context.Context) ([]ledger.Wallet, error) {
	wallets := make(map[string]*ledger.Wallet)
	get := func(account string) *ledger.Wallet {
		w, ok := wallets[account]
		if !ok {
			w = &ledger.Wallet{Account: account, Balances: make(map[string]decimal.Decimal)}
			wallets[account] = w
		}
		return w
	}

	rows, err := s.db.QueryContext(ctx, "SELECT account, asset, qty FROM wallet_balances")
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	err = scanRows(rows, func() error {
		var account, asset string
		var qty decimal.Decimal
		if err := rows.Scan(&account, &asset, &qty); err != nil {
			return err
		}
		get(account).Balances[asset] = qty
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, "SELECT order_id, account, side, symbol, amount, limit_price, created_at FROM wallet_orders ORDER BY order_id")
	if err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	err = scanRows(rows, func() error {
		var (
			o       ledger.Order
			side    string
			created int64
		)
		if err := rows.Scan(&o.OrderID, &o.Account, &side, &o.Symbol, &o.Amount, &o.LimitPrice, &created); err != nil {
			return err
		}
		o.Side = ledger.Side(side)
		o.CreatedAt = fromNanos(created)
		w := get(o.Account)
		w.Orders = append(w.Orders, o)
		return nil
	})
	if err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, "SELECT account, day, start_value, peak_value FROM wallet_baselines")
	if err != nil {
		return nil, fmt.Errorf("failed to load baselines: %w", err)
	}
	err = scanRows(rows, func() error {
		var account string
		var b ledger.Baseline
		if err := rows.Scan(&account, &b.Day, &b.Start, &b.Peak); err != nil {
			return err
		}
		get(account).Baseline = &b
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]ledger.Wallet, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out, nil
}

func scanRows(rows *sql.Rows, scan func() error) error {
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		if err := scan(); err != nil {
			return err
		}
	}
	return rows.Err()
}
