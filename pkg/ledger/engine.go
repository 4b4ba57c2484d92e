// Package ledger is the paper trading engine: a per-account balance ledger
// that settles simulated trades, locks funds for limit orders, fills them on
// price ticks, and derives the drawdown and daily P&L figures the risk
// guardian consumes.
//
// Balances are held as exact decimals; the public API speaks float64.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type baseline struct {
	day   string
	start decimal.Decimal
	peak  decimal.Decimal
}

// Engine owns balances, open orders, the price cache and the trade log. One
// mutex guards all of it.
type Engine struct {
	mu        sync.Mutex
	balances  map[string]map[string]decimal.Decimal
	orders    []*Order
	prices    map[string]decimal.Decimal
	baselines map[string]*baseline
	trades    *tradeLog

	journal Journal
	state   StateStore
	ids     *idSource
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithJournal attaches a durable trade journal.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an empty paper trading engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		balances:  make(map[string]map[string]decimal.Decimal),
		prices:    make(map[string]decimal.Decimal),
		baselines: make(map[string]*baseline),
		trades:    newTradeLog(),
		ids:       newIDSource(),
		clock:     time.Now,
		logger:    slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func normAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func (e *Engine) balance(account, asset string) decimal.Decimal {
	return e.balances[account][asset]
}

func (e *Engine) credit(account, asset string, amt decimal.Decimal) {
	acct, ok := e.balances[account]
	if !ok {
		acct = make(map[string]decimal.Decimal)
		e.balances[account] = acct
	}
	acct[asset] = acct[asset].Add(amt)
}

// Deposit adds amount (or removes it, when negative) to a balance. It always succeeds.
func (e *Engine) Deposit(account, asset string, amount float64) string {
	asset = normAsset(asset)
	amt := decimal.NewFromFloat(amount)

	e.mu.Lock()
	e.credit(account, asset, amt)
	bal := e.balance(account, asset)
	e.persist(context.Background(), account)
	e.mu.Unlock()

	e.logger.Info("paper deposit", "account", account, "asset", asset, "amount", amount)
	return fmt.Sprintf("Deposited %s %s for %s. New balance: %s %s", amt, asset, account, bal, asset)
}

// Withdraw debits amount of asset, as a simulated outbound transfer does.
// Like ExecuteTrade, a shortfall is OK=false rather than an error.
func (e *Engine) Withdraw(account, asset string, amount float64) (TradeResult, error) {
	if amount <= 0 {
		return TradeResult{}, fmt.Errorf("%w: %g", ErrInvalidAmount, amount)
	}
	asset = normAsset(asset)
	amt := decimal.NewFromFloat(amount)

	e.mu.Lock()
	have := e.balance(account, asset)
	if have.LessThan(amt) {
		e.mu.Unlock()
		return TradeResult{OK: false, Message: fmt.Sprintf("Insufficient funds: withdrawal requires %s %s, available %s %s",
			amt, asset, have, asset)}, nil
	}
	e.credit(account, asset, amt.Neg())
	bal := e.balance(account, asset)
	e.observe(account)
	e.persist(context.Background(), account)
	e.mu.Unlock()

	e.logger.Info("paper withdrawal", "account", account, "asset", asset, "amount", amount)
	return TradeResult{OK: true, Message: fmt.Sprintf("Withdrew %s %s for %s. New balance: %s %s", amt, asset, account, bal, asset)}, nil
}

// Balance returns the available (unlocked) balance of asset.
func (e *Engine) Balance(account, asset string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance(account, normAsset(asset)).InexactFloat64()
}

// Balances returns every non-zero available balance of account.
func (e *Engine) Balances(account string) map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64)
	for asset, qty := range e.balances[account] {
		if !qty.IsZero() {
			out[asset] = qty.InexactFloat64()
		}
	}
	return out
}

type tradeSpec struct {
	side        Side
	base, quote string
	amount      decimal.Decimal
	price       decimal.Decimal
}

func parseTrade(side, symbol string, amount, price float64) (tradeSpec, error) {
	s, err := ParseSide(side)
	if err != nil {
		return tradeSpec{}, err
	}
	base, quote, err := ParseSymbol(symbol)
	if err != nil {
		return tradeSpec{}, err
	}
	if amount <= 0 {
		return tradeSpec{}, fmt.Errorf("%w: %g", ErrInvalidAmount, amount)
	}
	if price <= 0 {
		return tradeSpec{}, fmt.Errorf("%w: %g", ErrInvalidPrice, price)
	}
	return tradeSpec{
		side:   s,
		base:   base,
		quote:  quote,
		amount: decimal.NewFromFloat(amount),
		price:  decimal.NewFromFloat(price),
	}, nil
}

func (t tradeSpec) symbol() string { return t.base + "/" + t.quote }

// required returns the asset and quantity the trade consumes.
func (t tradeSpec) required() (string, decimal.Decimal) {
	if t.side == SideBuy {
		return t.quote, t.amount.Mul(t.price)
	}
	return t.base, t.amount
}

// proceeds returns the asset and quantity the trade yields.
func (t tradeSpec) proceeds() (string, decimal.Decimal) {
	if t.side == SideBuy {
		return t.base, t.amount
	}
	return t.quote, t.amount.Mul(t.price)
}

// insufficient checks the account can cover the trade; the returned message is
// empty when funds suffice. Caller holds e.mu.
func (e *Engine) insufficient(account string, t tradeSpec) string {
	asset, need := t.required()
	have := e.balance(account, asset)
	if have.LessThan(need) {
		return fmt.Sprintf("Insufficient funds: %s %s requires %s %s, available %s %s",
			strings.ToUpper(string(t.side)), t.symbol(), need, asset, have, asset)
	}
	return ""
}

// settle credits the proceeds, records the trade and refreshes the price
// cache. The consumed side must already be debited. Caller holds e.mu.
func (e *Engine) settle(account string, t tradeSpec, rationale, source, orderID string) (Trade, error) {
	asset, qty := t.proceeds()
	e.credit(account, asset, qty)
	e.prices[t.base] = t.price

	now := e.clock()
	trade, err := e.trades.append(Trade{
		TradeID:    e.ids.next("trd_", now),
		Account:    account,
		Side:       t.side,
		Symbol:     t.symbol(),
		Amount:     t.amount.InexactFloat64(),
		Price:      t.price.InexactFloat64(),
		Notional:   t.amount.Mul(t.price).InexactFloat64(),
		Rationale:  rationale,
		Source:     source,
		OrderID:    orderID,
		ExecutedAt: now,
	})
	if err != nil {
		return Trade{}, err
	}
	e.observe(account)
	return trade, nil
}

// ExecuteTrade settles a market trade at price. Malformed input is an error;
// insufficient funds is a TradeResult with OK=false and no state change.
func (e *Engine) ExecuteTrade(ctx context.Context, account, side, symbol string, amount, price float64, rationale string) (TradeResult, error) {
	t, err := parseTrade(side, symbol, amount, price)
	if err != nil {
		return TradeResult{}, err
	}

	e.mu.Lock()
	if msg := e.insufficient(account, t); msg != "" {
		e.mu.Unlock()
		return TradeResult{OK: false, Message: msg}, nil
	}
	asset, need := t.required()
	e.credit(account, asset, need.Neg())
	trade, err := e.settle(account, t, rationale, SourceMarket, "")
	if err == nil {
		e.persist(ctx, account)
	}
	e.mu.Unlock()
	if err != nil {
		return TradeResult{}, err
	}

	e.record(ctx, trade)
	return TradeResult{
		OK: true,
		Message: fmt.Sprintf("Paper Trade Executed: %s %s %s @ %s (notional %s %s)",
			strings.ToUpper(string(t.side)), t.amount, t.symbol(), t.price, t.amount.Mul(t.price), t.quote),
		Trade: &trade,
	}, nil
}

func (e *Engine) record(ctx context.Context, t Trade) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordTrade(ctx, t); err != nil {
		e.logger.WarnContext(ctx, "trade journal write failed", "trade_id", t.TradeID, "error", err)
	}
}

// UpdatePrice refreshes the cached price of symbol's base asset without trading.
func (e *Engine) UpdatePrice(symbol string, price float64) error {
	base, _, err := ParseSymbol(symbol)
	if err != nil {
		return err
	}
	if price <= 0 {
		return fmt.Errorf("%w: %g", ErrInvalidPrice, price)
	}
	e.mu.Lock()
	e.prices[base] = decimal.NewFromFloat(price)
	e.mu.Unlock()
	return nil
}

// LastPrice returns the cached price of an asset, if any.
func (e *Engine) LastPrice(asset string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[normAsset(asset)]
	return p.InexactFloat64(), ok
}

// valueUSD prices one holding. Caller holds e.mu.
func (e *Engine) valueUSD(asset string, qty decimal.Decimal) decimal.Decimal {
	if IsStablecoin(asset) {
		return qty
	}
	return qty.Mul(e.prices[asset])
}

// portfolioValue sums available balances and funds locked in open orders.
// Caller holds e.mu.
func (e *Engine) portfolioValue(account string) decimal.Decimal {
	total := decimal.Zero
	for asset, qty := range e.balances[account] {
		total = total.Add(e.valueUSD(asset, qty))
	}
	for _, o := range e.orders {
		if o.Account != account {
			continue
		}
		t, err := parseTrade(string(o.Side), o.Symbol, o.Amount, o.LimitPrice)
		if err != nil {
			continue
		}
		asset, locked := t.required()
		total = total.Add(e.valueUSD(asset, locked))
	}
	return total
}

// PortfolioValueUSD values stablecoins at par and everything else at the last
// cached price (zero when never priced).
func (e *Engine) PortfolioValueUSD(account string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.portfolioValue(account).InexactFloat64()
}

// observe folds the current valuation into the account's day baseline and
// running peak, reporting whether the baseline moved. Caller holds e.mu.
func (e *Engine) observe(account string) (decimal.Decimal, *baseline, bool) {
	value := e.portfolioValue(account)
	today := e.clock().UTC().Format(time.DateOnly)

	b, ok := e.baselines[account]
	changed := !ok
	if !ok {
		b = &baseline{day: today, start: value, peak: value}
		e.baselines[account] = b
	}
	if b.day != today || b.start.IsZero() {
		changed = changed || b.day != today || !value.IsZero()
		b.day = today
		b.start = value
	}
	if value.GreaterThan(b.peak) {
		b.peak = value
		changed = true
	}
	return value, b, changed
}

// RiskMetrics derives daily P&L against the start-of-day (UTC) valuation and
// drawdown against the running peak. Both are zero when their base is zero.
func (e *Engine) RiskMetrics(account string) Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	value, b, changed := e.observe(account)
	if changed {
		e.persist(context.Background(), account)
	}
	m := Metrics{
		PortfolioValueUSD: value.InexactFloat64(),
		StartOfDayValue:   b.start.InexactFloat64(),
		PeakValue:         b.peak.InexactFloat64(),
	}
	if b.start.IsPositive() {
		m.DailyPnLPct = value.Sub(b.start).Div(b.start).InexactFloat64()
	}
	if b.peak.IsPositive() {
		m.DrawdownPct = b.peak.Sub(value).Div(b.peak).InexactFloat64()
	}
	return m
}

// Trades returns up to limit settled trades for account, newest first.
// An empty account returns trades for every account.
func (e *Engine) Trades(account string, limit int) []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trades.latest(account, limit)
}

// VerifyTradeLog checks the integrity of the trade hash chain.
func (e *Engine) VerifyTradeLog() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trades.verify()
}

// ResetWallet zeroes every balance of account and discards its open orders
// and risk baselines. The trade log is kept.
func (e *Engine) ResetWallet(account string) string {
	e.mu.Lock()
	delete(e.balances, account)
	delete(e.baselines, account)
	kept := e.orders[:0]
	dropped := 0
	for _, o := range e.orders {
		if o.Account == account {
			dropped++
			continue
		}
		kept = append(kept, o)
	}
	e.orders = kept
	e.persist(context.Background(), account)
	e.mu.Unlock()

	e.logger.Info("paper wallet reset", "account", account, "orders_dropped", dropped)
	return fmt.Sprintf("Wallet reset for %s: all balances zeroed, %d open orders discarded.", account, dropped)
}

// Accounts lists every account holding a balance, sorted.
func (e *Engine) Accounts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.balances))
	for a := range e.balances {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
