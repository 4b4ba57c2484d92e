package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Baseline is an account's start-of-day valuation and running peak.
type Baseline struct {
	Day   string          `json:"day"`
	Start decimal.Decimal `json:"start"`
	Peak  decimal.Decimal `json:"peak"`
}

// Wallet is the durable state of one account: available balances, open
// orders with their locked funds, and the risk baseline.
type Wallet struct {
	Account  string                     `json:"account"`
	Balances map[string]decimal.Decimal `json:"balances"`
	Orders   []Order                    `json:"orders"`
	Baseline *Baseline                  `json:"baseline,omitempty"`
}

// StateStore persists wallets so balances, locked funds and the drawdown
// peak survive a restart.
type StateStore interface {
	SaveWallet(ctx context.Context, w Wallet) error
	LoadWallets(ctx context.Context) ([]Wallet, error)
}

// WithStateStore persists every wallet mutation to s.
func WithStateStore(s StateStore) Option {
	return func(e *Engine) { e.state = s }
}

// wallet snapshots account. Caller holds e.mu.
func (e *Engine) wallet(account string) Wallet {
	w := Wallet{Account: account, Balances: make(map[string]decimal.Decimal)}
	for asset, qty := range e.balances[account] {
		w.Balances[asset] = qty
	}
	for _, o := range e.orders {
		if o.Account == account {
			w.Orders = append(w.Orders, *o)
		}
	}
	if b, ok := e.baselines[account]; ok {
		w.Baseline = &Baseline{Day: b.day, Start: b.start, Peak: b.peak}
	}
	return w
}

// persist writes the wallets of accounts. It runs under e.mu so snapshots
// reach the store in mutation order. A failed write is logged; the
// in-memory state stays authoritative.
func (e *Engine) persist(ctx context.Context, accounts ...string) {
	if e.state == nil {
		return
	}
	seen := make(map[string]bool, len(accounts))
	for _, account := range accounts {
		if seen[account] {
			continue
		}
		seen[account] = true
		if err := e.state.SaveWallet(ctx, e.wallet(account)); err != nil {
			e.logger.WarnContext(ctx, "wallet state write failed", "account", account, "error", err)
		}
	}
}

// Restore loads persisted wallets, replacing any in-memory state for the
// same accounts. It returns the number of wallets restored.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.state == nil {
		return 0, nil
	}
	wallets, err := e.state.LoadWallets(ctx)
	if err != nil {
		return 0, fmt.Errorf("load wallets: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range wallets {
		bal := make(map[string]decimal.Decimal, len(w.Balances))
		for asset, qty := range w.Balances {
			bal[normAsset(asset)] = qty
		}
		e.balances[w.Account] = bal

		kept := e.orders[:0]
		for _, o := range e.orders {
			if o.Account != w.Account {
				kept = append(kept, o)
			}
		}
		e.orders = kept
		for i := range w.Orders {
			o := w.Orders[i]
			e.orders = append(e.orders, &o)
		}

		delete(e.baselines, w.Account)
		if w.Baseline != nil {
			e.baselines[w.Account] = &baseline{day: w.Baseline.Day, start: w.Baseline.Start, peak: w.Baseline.Peak}
		}
	}
	sort.SliceStable(e.orders, func(i, j int) bool { return e.orders[i].OrderID < e.orders[j].OrderID })
	e.logger.InfoContext(ctx, "paper wallets restored", "wallets", len(wallets), "open_orders", len(e.orders))
	return len(wallets), nil
}
