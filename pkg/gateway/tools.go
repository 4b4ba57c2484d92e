package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
	"github.com/Mindburn-Labs/tradegate/pkg/proposal"
)

var (
	ErrPriceUnavailable = errors.New("no price available")
	ErrUnsupportedPair  = errors.New("paper swaps need a stablecoin on one side")
)

// ExecutionTools performs approved actions against a venue. Implementations
// are only ever called after policy, risk and (when required) consent.
type ExecutionTools interface {
	Swap(ctx context.Context, p proposal.SwapPayload) (ToolResult, error)
	TransferNative(ctx context.Context, p proposal.NativeTransferPayload) (ToolResult, error)
	PlaceOrder(ctx context.Context, p proposal.ExchangeOrderPayload) (ToolResult, error)
}

// ToolResult is what a venue reports back. OK=false is a venue-level
// refusal (e.g. insufficient funds), not a transport failure.
type ToolResult struct {
	OK      bool          `json:"ok"`
	Venue   string        `json:"venue"`
	Message string        `json:"message"`
	Trade   *ledger.Trade `json:"trade,omitempty"`
	Order   *ledger.Order `json:"order,omitempty"`
}

var nativeAssets = map[string]string{
	"ethereum":  "ETH",
	"base":      "ETH",
	"arbitrum":  "ETH",
	"optimism":  "ETH",
	"polygon":   "POL",
	"bsc":       "BNB",
	"avalanche": "AVAX",
	"solana":    "SOL",
}

// NativeAsset maps a chain name to the symbol of its gas asset. Unknown
// chains map to their upper-cased name.
func NativeAsset(chain string) string {
	c := strings.ToLower(strings.TrimSpace(chain))
	if a, ok := nativeAssets[c]; ok {
		return a
	}
	return strings.ToUpper(c)
}

// USDPrice values one unit of asset: stablecoins at par, hint when positive,
// otherwise the ledger's last cached price.
func USDPrice(l *ledger.Engine, asset string, hint float64) (float64, error) {
	if ledger.IsStablecoin(asset) {
		return 1, nil
	}
	if hint > 0 {
		return hint, nil
	}
	if p, ok := l.LastPrice(asset); ok && p > 0 {
		return p, nil
	}
	return 0, fmt.Errorf("%w for %s", ErrPriceUnavailable, strings.ToUpper(asset))
}

// PaperTools simulates every action on the paper ledger for one account.
type PaperTools struct {
	ledger  *ledger.Engine
	account string
}

func NewPaperTools(l *ledger.Engine, account string) *PaperTools {
	return &PaperTools{ledger: l, account: account}
}

const venuePaper = "paper"

func fromLedger(res ledger.TradeResult) ToolResult {
	return ToolResult{OK: res.OK, Venue: venuePaper, Message: res.Message, Trade: res.Trade, Order: res.Order}
}

// Swap settles against the stablecoin leg: selling a stablecoin buys the
// other token, buying a stablecoin sells it. Price, when set, is the USD
// price of the non-stable token.
func (t *PaperTools) Swap(ctx context.Context, p proposal.SwapPayload) (ToolResult, error) {
	from := strings.ToUpper(strings.TrimSpace(p.FromToken))
	to := strings.ToUpper(strings.TrimSpace(p.ToToken))

	switch {
	case ledger.IsStablecoin(to):
		price, err := USDPrice(t.ledger, from, p.Price)
		if err != nil {
			return ToolResult{}, err
		}
		res, err := t.ledger.ExecuteTrade(ctx, t.account, "sell", from+"/"+to, p.Amount, price, p.Rationale)
		if err != nil {
			return ToolResult{}, err
		}
		return fromLedger(res), nil
	case ledger.IsStablecoin(from):
		price, err := USDPrice(t.ledger, to, p.Price)
		if err != nil {
			return ToolResult{}, err
		}
		res, err := t.ledger.ExecuteTrade(ctx, t.account, "buy", to+"/"+from, p.Amount/price, price, p.Rationale)
		if err != nil {
			return ToolResult{}, err
		}
		return fromLedger(res), nil
	}
	return ToolResult{}, fmt.Errorf("%w: %s -> %s", ErrUnsupportedPair, from, to)
}

// TransferNative debits the chain's gas asset.
func (t *PaperTools) TransferNative(_ context.Context, p proposal.NativeTransferPayload) (ToolResult, error) {
	res, err := t.ledger.Withdraw(t.account, NativeAsset(p.Chain), p.Amount)
	if err != nil {
		return ToolResult{}, err
	}
	out := fromLedger(res)
	if res.OK {
		out.Message = fmt.Sprintf("%s (paper transfer to %s on %s)", res.Message, p.To, p.Chain)
	}
	return out, nil
}

// PlaceOrder fills market orders immediately at Price (or the cached base
// price) and rests limit orders on the ledger's book.
func (t *PaperTools) PlaceOrder(ctx context.Context, p proposal.ExchangeOrderPayload) (ToolResult, error) {
	if strings.EqualFold(strings.TrimSpace(p.OrderType), "limit") {
		res, err := t.ledger.PlaceLimitOrder(t.account, p.Side, p.Symbol, p.Amount, p.Price)
		if err != nil {
			return ToolResult{}, err
		}
		return fromLedger(res), nil
	}

	base, _, err := ledger.ParseSymbol(p.Symbol)
	if err != nil {
		return ToolResult{}, err
	}
	price, err := USDPrice(t.ledger, base, p.Price)
	if err != nil {
		return ToolResult{}, err
	}
	res, err := t.ledger.ExecuteTrade(ctx, t.account, p.Side, p.Symbol, p.Amount, price, p.Rationale)
	if err != nil {
		return ToolResult{}, err
	}
	return fromLedger(res), nil
}
