package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidSide   = errors.New("side must be buy or sell")
	ErrInvalidSymbol = errors.New("symbol must look like BASE/QUOTE")
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrInvalidPrice  = errors.New("price must be positive")
	ErrOrderNotFound = errors.New("open order not found")
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts "buy" or "sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

// Trade sources.
const (
	SourceMarket    = "market"
	SourceLimitFill = "limit_fill"
)

// Trade is one settled trade-log entry.
type Trade struct {
	Sequence   uint64    `json:"sequence"`
	TradeID    string    `json:"trade_id"`
	Account    string    `json:"account"`
	Side       Side      `json:"side"`
	Symbol     string    `json:"symbol"`
	Amount     float64   `json:"amount"`
	Price      float64   `json:"price"`
	Notional   float64   `json:"notional"`
	Rationale  string    `json:"rationale,omitempty"`
	Source     string    `json:"source"`
	OrderID    string    `json:"order_id,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// TradeResult is the outcome of a settlement attempt. Insufficient funds is
// reported with OK=false and a message, not an error.
type TradeResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Trade   *Trade `json:"trade,omitempty"`
	Order   *Order `json:"order,omitempty"`
}

// Order is an open limit order whose funds are already locked.
type Order struct {
	OrderID    string    `json:"order_id"`
	Account    string    `json:"account"`
	Side       Side      `json:"side"`
	Symbol     string    `json:"symbol"`
	Amount     float64   `json:"amount"`
	LimitPrice float64   `json:"limit_price"`
	CreatedAt  time.Time `json:"created_at"`
}

// Fill describes one limit order filled by a price tick.
type Fill struct {
	Order   Order  `json:"order"`
	Trade   Trade  `json:"trade"`
	Message string `json:"message"`
}

// Metrics are the risk inputs derived from an account's valuation history.
type Metrics struct {
	PortfolioValueUSD float64 `json:"portfolio_value_usd"`
	StartOfDayValue   float64 `json:"start_of_day_value"`
	PeakValue         float64 `json:"peak_value"`
	DailyPnLPct       float64 `json:"daily_pnl_pct"`
	DrawdownPct       float64 `json:"drawdown_pct"`
}

// Journal receives every settled trade for durable storage.
type Journal interface {
	RecordTrade(ctx context.Context, t Trade) error
}

// Stablecoins valued at par.
var stablecoins = map[string]struct{}{
	"USD": {}, "USDT": {}, "USDC": {}, "DAI": {}, "BUSD": {}, "TUSD": {}, "FDUSD": {},
}

// IsStablecoin reports whether asset is valued at par.
func IsStablecoin(asset string) bool {
	_, ok := stablecoins[strings.ToUpper(strings.TrimSpace(asset))]
	return ok
}

// ParseSymbol splits "BASE/QUOTE" into upper-cased parts.
func ParseSymbol(symbol string) (base, quote string, err error) {
	b, q, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(symbol)), "/")
	b, q = strings.TrimSpace(b), strings.TrimSpace(q)
	if !ok || b == "" || q == "" || strings.Contains(q, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return b, q, nil
}
