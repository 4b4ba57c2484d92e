// Package policy validates capital-moving actions against operator-configured
// allowlists and limits before any risk or execution logic runs.
//
// Every check is pure: configuration is re-read on each call and the first
// failing rule aborts validation with a *Violation.
package policy

import (
	"encoding/hex"
	"log/slog"
	"math/big"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Engine validates actions. The zero value is not usable; use NewEngine.
type Engine struct {
	environ EnvironFunc
	rules   *RuleSet
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithEnviron replaces the variable source (defaults to the process environment).
func WithEnviron(fn EnvironFunc) Option {
	return func(e *Engine) { e.environ = fn }
}

// WithRules attaches custom CEL rules evaluated after the built-in checks.
func WithRules(rs *RuleSet) Option {
	return func(e *Engine) { e.rules = rs }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates a policy engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		environ: OSEnviron,
		clock:   time.Now,
		logger:  slog.Default().With("component", "policy"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// normalize makes identifiers comparable regardless of case, width or
// surrounding whitespace.
func normalize(s string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(s)))
}

func normalizeAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if n := normalize(it); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// allowed reports whether value is in the allowlist. An empty allowlist allows everything.
func allowed(list []string, value string) bool {
	entries := normalizeAll(list)
	if len(entries) == 0 {
		return true
	}
	return slices.Contains(entries, normalize(value))
}

func (e *Engine) load(ov Overrides) (*Config, error) {
	return loadConfig(e.environ, ov)
}

// ValidateSwap checks a DEX token swap.
func (e *Engine) ValidateSwap(chain, fromToken, toToken string, amount float64, ov Overrides) error {
	cfg, err := e.load(ov)
	if err != nil {
		return err
	}

	if !allowed(cfg.AllowChains, chain) {
		return violation(CodeChainNotAllowed,
			map[string]any{"chain": chain, "allowed": normalizeAll(cfg.AllowChains)},
			"chain %q is not in the chain allowlist", chain)
	}
	for _, token := range []string{fromToken, toToken} {
		if !allowed(cfg.AllowTokens, token) {
			return violation(CodeTokenNotAllowed,
				map[string]any{"token": token, "allowed": normalizeAll(cfg.AllowTokens)},
				"token %q is not in the token allowlist", token)
		}
	}

	limit, scope := cfg.MaxTradeAmount, "global"
	if tokenCap, ok := cfg.TokenTradeCap(fromToken); ok {
		limit, scope = tokenCap, strings.ToUpper(strings.TrimSpace(fromToken))
	}
	if limit > 0 && amount > limit {
		return violation(CodeTradeAmountTooLarge,
			map[string]any{"amount": amount, "max": limit, "scope": scope},
			"trade amount %g exceeds %s limit %g", amount, scope, limit)
	}

	return e.evalRules(KindSwap, map[string]any{
		"chain":      normalize(chain),
		"from_token": normalize(fromToken),
		"to_token":   normalize(toToken),
		"amount":     amount,
	})
}

// ValidateTransferNative checks a native-asset transfer.
func (e *Engine) ValidateTransferNative(chain, toAddress string, amount float64, ov Overrides) error {
	cfg, err := e.load(ov)
	if err != nil {
		return err
	}

	if !allowed(cfg.AllowChains, chain) {
		return violation(CodeChainNotAllowed,
			map[string]any{"chain": chain, "allowed": normalizeAll(cfg.AllowChains)},
			"chain %q is not in the chain allowlist", chain)
	}
	if cfg.MaxTransferNative > 0 && amount > cfg.MaxTransferNative {
		return violation(CodeTransferAmountTooLarge,
			map[string]any{"amount": amount, "max": cfg.MaxTransferNative},
			"transfer amount %g exceeds limit %g", amount, cfg.MaxTransferNative)
	}
	if !allowed(cfg.AllowToAddresses, toAddress) {
		return violation(CodeRecipientNotAllowed,
			map[string]any{"to_address": toAddress, "allowed": normalizeAll(cfg.AllowToAddresses)},
			"recipient %s is not in the recipient allowlist", toAddress)
	}

	return e.evalRules(KindNativeTransfer, map[string]any{
		"chain":      normalize(chain),
		"to_address": normalize(toAddress),
		"amount":     amount,
	})
}

// ValidateSignerAddress checks the address of the local signer.
func (e *Engine) ValidateSignerAddress(address string, ov Overrides) error {
	cfg, err := e.load(ov)
	if err != nil {
		return err
	}
	if !allowed(cfg.AllowSignerAddresses, address) {
		return violation(CodeSignerAddressNotAllowed,
			map[string]any{"address": address, "allowed": normalizeAll(cfg.AllowSignerAddresses)},
			"signer %s is not in the signer allowlist", address)
	}
	return nil
}

// ValidateRouterAddress checks a DEX router. ALLOW_ROUTERS entries are either
// a bare address (any chain) or "chain:address".
func (e *Engine) ValidateRouterAddress(chain, routerAddress string, ov Overrides) error {
	cfg, err := e.load(ov)
	if err != nil {
		return err
	}
	entries := normalizeAll(cfg.AllowRouters)
	if len(entries) == 0 {
		return nil
	}

	c, r := normalize(chain), normalize(routerAddress)
	for _, entry := range entries {
		if ch, addr, scoped := strings.Cut(entry, ":"); scoped {
			if ch == c && addr == r {
				return nil
			}
			continue
		}
		if entry == r {
			return nil
		}
	}
	return violation(CodeRouterNotAllowed,
		map[string]any{"chain": chain, "router_address": routerAddress, "allowed": entries},
		"router %s is not allowed on %s", routerAddress, chain)
}

// SignTxRequest is a raw transaction presented for local signing. An empty To
// means contract creation.
type SignTxRequest struct {
	ChainID  int64
	To       string
	Value    *big.Int
	Gas      uint64
	GasPrice *big.Int
	Data     string
}

// ValidateSignTx checks a raw transaction before it is signed.
func (e *Engine) ValidateSignTx(req SignTxRequest, ov Overrides) error {
	cfg, err := e.load(ov)
	if err != nil {
		return err
	}

	chainID := strconv.FormatInt(req.ChainID, 10)
	if !allowed(cfg.AllowSignChainIDs, chainID) {
		return violation(CodeSignChainIDNotAllowed,
			map[string]any{"chain_id": req.ChainID, "allowed": normalizeAll(cfg.AllowSignChainIDs)},
			"chain id %d is not allowed for signing", req.ChainID)
	}

	maxValue, err := cfg.maxSignValue()
	if err != nil {
		return violation(CodeInvalidConfig, map[string]any{"error": err.Error()}, "%v", err)
	}
	if maxValue != nil && req.Value != nil && req.Value.Cmp(maxValue) > 0 {
		return violation(CodeSignValueTooLarge,
			map[string]any{"value_wei": req.Value.String(), "max": maxValue.String()},
			"value %s wei exceeds limit %s", req.Value, maxValue)
	}
	if cfg.MaxSignGas > 0 && req.Gas > cfg.MaxSignGas {
		return violation(CodeSignGasTooLarge,
			map[string]any{"gas": req.Gas, "max": cfg.MaxSignGas},
			"gas %d exceeds limit %d", req.Gas, cfg.MaxSignGas)
	}
	if size := dataSize(req.Data); cfg.MaxSignDataBytes > 0 && size > cfg.MaxSignDataBytes {
		return violation(CodeSignDataTooLarge,
			map[string]any{"data_bytes": size, "max": cfg.MaxSignDataBytes},
			"payload of %d bytes exceeds limit %d", size, cfg.MaxSignDataBytes)
	}
	if cfg.DisallowSignContractCreation && strings.TrimSpace(req.To) == "" {
		return violation(CodeSignContractCreation,
			map[string]any{"to_address": nil},
			"contract creation transactions are not allowed")
	}
	return nil
}

// dataSize returns the decoded byte length of a 0x-prefixed hex payload.
func dataSize(data string) int {
	data = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(data), "0x"), "0X")
	return hex.DecodedLen(len(data) + len(data)%2)
}

// CexOrderRequest is an order destined for a centralized exchange. Price is
// ignored for market orders.
type CexOrderRequest struct {
	ExchangeID string
	Symbol     string
	MarketType string
	Side       string
	Amount     float64
	OrderType  string
	Price      float64
}

var (
	validSides      = []string{"buy", "sell"}
	validOrderTypes = []string{"market", "limit"}
)

// ValidateCexOrder checks an exchange order.
func (e *Engine) ValidateCexOrder(req CexOrderRequest, ov Overrides) error {
	cfg, err := e.load(ov)
	if err != nil {
		return err
	}

	if !allowed(cfg.AllowExchanges, req.ExchangeID) {
		return violation(CodeExchangeNotAllowed,
			map[string]any{"exchange_id": req.ExchangeID, "allowed": normalizeAll(cfg.AllowExchanges)},
			"exchange %q is not in the exchange allowlist", req.ExchangeID)
	}
	side := normalize(req.Side)
	if !slices.Contains(validSides, side) {
		return violation(CodeInvalidSide,
			map[string]any{"side": req.Side, "allowed": validSides},
			"side %q must be buy or sell", req.Side)
	}
	orderType := normalize(req.OrderType)
	if !slices.Contains(validOrderTypes, orderType) {
		return violation(CodeInvalidOrderType,
			map[string]any{"order_type": req.OrderType, "allowed": validOrderTypes},
			"order type %q is not supported", req.OrderType)
	}
	if req.Amount <= 0 {
		return violation(CodeInvalidAmount,
			map[string]any{"amount": req.Amount},
			"amount must be positive, got %g", req.Amount)
	}
	if orderType == "limit" && req.Price <= 0 {
		return violation(CodeInvalidPrice,
			map[string]any{"price": req.Price, "order_type": orderType},
			"limit orders require a positive price")
	}

	return e.evalRules(KindExchangeOrder, map[string]any{
		"exchange_id": normalize(req.ExchangeID),
		"symbol":      strings.ToUpper(strings.TrimSpace(req.Symbol)),
		"market_type": normalize(req.MarketType),
		"side":        side,
		"amount":      req.Amount,
		"order_type":  orderType,
		"price":       req.Price,
	})
}

func (e *Engine) evalRules(kind string, input map[string]any) error {
	if e.rules == nil {
		return nil
	}
	if err := e.rules.Evaluate(kind, input); err != nil {
		e.logger.Warn("custom policy rule rejected action", "kind", kind, "error", err)
		return err
	}
	return nil
}
