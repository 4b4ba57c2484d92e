// Package gateway is the application handle that ties the guardrails
// together. Every capital-moving request passes the policy engine, the
// trading-halt switch and the risk guardian; it then either executes
// immediately (auto mode) or becomes an execution proposal that a human must
// confirm (approve_each mode).
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/tradegate/pkg/audit"
	"github.com/Mindburn-Labs/tradegate/pkg/guardian"
	"github.com/Mindburn-Labs/tradegate/pkg/idempotency"
	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
	"github.com/Mindburn-Labs/tradegate/pkg/marketdata"
	"github.com/Mindburn-Labs/tradegate/pkg/observability"
	"github.com/Mindburn-Labs/tradegate/pkg/policy"
	"github.com/Mindburn-Labs/tradegate/pkg/proposal"
)

// Mode selects whether actions need human consent.
type Mode string

const (
	ModeAuto        Mode = "auto"
	ModeApproveEach Mode = "approve_each"
)

// ParseMode accepts auto or approve_each in any case.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAuto:
		return ModeAuto, nil
	case ModeApproveEach:
		return ModeApproveEach, nil
	}
	return "", fmt.Errorf("unknown execution approval mode %q", s)
}

var (
	ErrTradingHalted       = errors.New("trading is halted")
	ErrDuplicateExecution  = errors.New("duplicate execution for idempotency key")
	ErrIdempotencyRequired = errors.New("idempotency registry unavailable")
)

// RiskDeniedError wraps a guardian refusal.
type RiskDeniedError struct {
	Decision guardian.Decision
}

func (e *RiskDeniedError) Error() string {
	return "risk check failed: " + e.Decision.Reason
}

// TradeHistory is an optional durable source for settled trades.
type TradeHistory interface {
	ListTrades(ctx context.Context, account string, limit int) ([]ledger.Trade, error)
}

// Deps are the collaborators of a Gateway. Nil fields get in-memory defaults.
type Deps struct {
	Mode          Mode
	Account       string
	ProposalTTL   time.Duration
	TradingHalted bool

	Policy      *policy.Engine
	Guardian    *guardian.Guardian
	Ledger      *ledger.Engine
	Proposals   *proposal.Store
	Tools       ExecutionTools
	Idempotency idempotency.Registry
	Audit       *audit.Log
	Quotes      *marketdata.QuoteCache
	History     TradeHistory
	Telemetry   *observability.Provider
	Logger      *slog.Logger
}

// Gateway owns the guardrail chain. Safe for concurrent use.
type Gateway struct {
	mode    Mode
	account string
	ttl     time.Duration
	halted  atomic.Bool

	policy    *policy.Engine
	guardian  *guardian.Guardian
	ledger    *ledger.Engine
	proposals *proposal.Store
	tools     ExecutionTools
	idem      idempotency.Registry
	audit     *audit.Log
	quotes    *marketdata.QuoteCache
	history   TradeHistory
	telemetry *observability.Provider
	logger    *slog.Logger

	insights insightBook

	// approveMu spans confirm, tool call and mark-executed.
	approveMu sync.Mutex
}

// New builds a Gateway from deps.
func New(ctx context.Context, d Deps) (*Gateway, error) {
	g := &Gateway{
		mode:      d.Mode,
		account:   d.Account,
		ttl:       d.ProposalTTL,
		policy:    d.Policy,
		guardian:  d.Guardian,
		ledger:    d.Ledger,
		proposals: d.Proposals,
		tools:     d.Tools,
		idem:      d.Idempotency,
		audit:     d.Audit,
		quotes:    d.Quotes,
		history:   d.History,
		telemetry: d.Telemetry,
		logger:    d.Logger,
	}
	if g.mode == "" {
		g.mode = ModeApproveEach
	}
	if g.account == "" {
		g.account = "agent"
	}
	if g.ttl <= 0 {
		g.ttl = proposal.DefaultTTL
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = g.logger.With("component", "gateway")
	if g.policy == nil {
		g.policy = policy.NewEngine()
	}
	if g.guardian == nil {
		gd, err := guardian.NewForProfile(guardian.DefaultProfiles(), "")
		if err != nil {
			return nil, err
		}
		g.guardian = gd
	}
	if g.ledger == nil {
		g.ledger = ledger.NewEngine(ledger.WithLogger(g.logger))
	}
	if g.proposals == nil {
		s, err := proposal.NewStore(proposal.WithLogger(g.logger))
		if err != nil {
			return nil, err
		}
		g.proposals = s
	}
	if g.tools == nil {
		g.tools = NewPaperTools(g.ledger, g.account)
	}
	if g.idem == nil {
		g.idem = idempotency.NewMemory(idempotency.DefaultTTL)
	}
	if g.audit == nil {
		g.audit = audit.NewLog(g.logger)
	}
	if g.telemetry == nil {
		p, err := observability.New(ctx, observability.Config{})
		if err != nil {
			return nil, err
		}
		g.telemetry = p
	}
	g.halted.Store(d.TradingHalted)
	return g, nil
}

func (g *Gateway) Mode() Mode { return g.mode }
func (g *Gateway) Account() string { return g.account }
func (g *Gateway) Ledger() *ledger.Engine { return g.ledger }
func (g *Gateway) Proposals() *proposal.Store { return g.proposals }
func (g *Gateway) Audit() *audit.Log { return g.audit }
func (g *Gateway) TradingHalted() bool { return g.halted.Load() }

// SetTradingHalted flips the kill switch. Pending proposals stay pending but
// cannot execute while halted.
func (g *Gateway) SetTradingHalted(actor string, halted bool) {
	if g.halted.Swap(halted) == halted {
		return
	}
	g.record(actor, audit.ActionTradingHalted, g.account, map[string]any{"halted": halted})
	g.logger.Warn("trading halt switched", "halted", halted, "actor", actor)
}

// SwapRequest asks to swap Amount of FromToken into ToToken.
type SwapRequest struct {
	Chain          string           `json:"chain"`
	FromToken      string           `json:"from_token"`
	ToToken        string           `json:"to_token"`
	Amount         float64          `json:"amount"`
	Price          float64          `json:"price,omitempty"`
	Rationale      string           `json:"rationale,omitempty"`
	SentimentScore float64          `json:"sentiment_score,omitempty"`
	InsightID      string           `json:"insight_id,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Overrides      policy.Overrides `json:"-"`
}

// TransferRequest asks to send Amount of the chain's native asset.
type TransferRequest struct {
	Chain          string           `json:"chain"`
	ToAddress      string           `json:"to_address"`
	Amount         float64          `json:"amount"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Overrides      policy.Overrides `json:"-"`
}

// OrderRequest asks to place an exchange order.
type OrderRequest struct {
	ExchangeID     string           `json:"exchange_id"`
	Symbol         string           `json:"symbol"`
	MarketType     string           `json:"market_type,omitempty"`
	Side           string           `json:"side"`
	OrderType      string           `json:"order_type"`
	Amount         float64          `json:"amount"`
	Price          float64          `json:"price,omitempty"`
	Rationale      string           `json:"rationale,omitempty"`
	SentimentScore float64          `json:"sentiment_score,omitempty"`
	InsightID      string           `json:"insight_id,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	Overrides      policy.Overrides `json:"-"`
}

// Outcome is either an execution result (auto) or a proposal awaiting consent.
type Outcome struct {
	Status   string             `json:"status"`
	Proposal *proposal.Proposal `json:"proposal,omitempty"`
	Result   *ToolResult        `json:"result,omitempty"`
	Risk     guardian.Decision  `json:"risk"`
}

const (
	OutcomeExecuted        = "executed"
	OutcomePendingApproval = "pending_approval"
)

// SwapTokens runs a swap through the guardrails.
func (g *Gateway) SwapTokens(ctx context.Context, req SwapRequest) (out *Outcome, err error) {
	ctx, done := g.telemetry.TrackOperation(ctx, "gateway.swap", attribute.String("chain", req.Chain))
	defer func() { done(err) }()

	payload := proposal.SwapPayload{
		Chain:          req.Chain,
		FromToken:      req.FromToken,
		ToToken:        req.ToToken,
		Amount:         req.Amount,
		Price:          req.Price,
		Rationale:      req.Rationale,
		SentimentScore: req.SentimentScore,
		InsightID:      req.InsightID,
		IdempotencyKey: req.IdempotencyKey,
	}
	risk, err := g.screen("agent", payload, req.Overrides)
	if err != nil {
		return nil, err
	}
	return g.gate(ctx, payload, risk)
}

// swapPriceHint applies a caller price only to the non-stable leg it describes.
func (g *Gateway) swapPriceHint(from, to string, price float64) float64 {
	if ledger.IsStablecoin(from) || !ledger.IsStablecoin(to) {
		return 0
	}
	return price
}

// swapMarket names the market a swap trades on, quoted in the stable leg.
func swapMarket(from, to string) string {
	if ledger.IsStablecoin(from) && !ledger.IsStablecoin(to) {
		return to + "/" + from
	}
	return from + "/" + to
}

// TransferNative runs a native transfer through the guardrails. Transfers
// reduce exposure and are risk-checked as sells.
func (g *Gateway) TransferNative(ctx context.Context, req TransferRequest) (out *Outcome, err error) {
	ctx, done := g.telemetry.TrackOperation(ctx, "gateway.transfer_native", attribute.String("chain", req.Chain))
	defer func() { done(err) }()

	payload := proposal.NativeTransferPayload{
		Chain:          req.Chain,
		To:             req.ToAddress,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	}
	risk, err := g.screen("agent", payload, req.Overrides)
	if err != nil {
		return nil, err
	}
	return g.gate(ctx, payload, risk)
}

// PlaceExchangeOrder runs an exchange order through the guardrails.
func (g *Gateway) PlaceExchangeOrder(ctx context.Context, req OrderRequest) (out *Outcome, err error) {
	ctx, done := g.telemetry.TrackOperation(ctx, "gateway.exchange_order", attribute.String("exchange", req.ExchangeID))
	defer func() { done(err) }()

	marketType := req.MarketType
	if marketType == "" {
		marketType = "spot"
	}
	payload := proposal.ExchangeOrderPayload{
		ExchangeID:     req.ExchangeID,
		Symbol:         req.Symbol,
		MarketType:     marketType,
		Side:           strings.ToLower(strings.TrimSpace(req.Side)),
		OrderType:      strings.ToLower(strings.TrimSpace(req.OrderType)),
		Amount:         req.Amount,
		Price:          req.Price,
		Rationale:      req.Rationale,
		SentimentScore: req.SentimentScore,
		InsightID:      req.InsightID,
		IdempotencyKey: req.IdempotencyKey,
	}
	risk, err := g.screen("agent", payload, req.Overrides)
	if err != nil {
		return nil, err
	}
	return g.gate(ctx, payload, risk)
}

// screen runs the policy checks for payload against the live configuration
// (plus ov) and derives the risk guardian request. Approval re-screens the
// stored payload with no overrides.
func (g *Gateway) screen(actor string, payload proposal.Payload, ov policy.Overrides) (guardian.TradeRequest, error) {
	switch p := payload.(type) {
	case proposal.SwapPayload:
		if err := g.policy.ValidateSwap(p.Chain, p.FromToken, p.ToToken, p.Amount, ov); err != nil {
			return guardian.TradeRequest{}, g.policyDenied(actor, p.Kind(), err)
		}
		from := strings.ToUpper(strings.TrimSpace(p.FromToken))
		to := strings.ToUpper(strings.TrimSpace(p.ToToken))
		if err := g.checkInsight(actor, p.Kind(), swapMarket(from, to), p.InsightID); err != nil {
			return guardian.TradeRequest{}, err
		}
		side := "buy"
		if ledger.IsStablecoin(to) && !ledger.IsStablecoin(from) {
			side = "sell"
		}
		price, err := USDPrice(g.ledger, from, g.swapPriceHint(from, to, p.Price))
		if err != nil {
			return guardian.TradeRequest{}, err
		}
		return guardian.TradeRequest{
			Side:           side,
			Symbol:         from + "/" + to,
			AmountUSD:      p.Amount * price,
			SentimentScore: p.SentimentScore,
		}, nil

	case proposal.NativeTransferPayload:
		if err := g.policy.ValidateTransferNative(p.Chain, p.To, p.Amount, ov); err != nil {
			return guardian.TradeRequest{}, g.policyDenied(actor, p.Kind(), err)
		}
		asset := NativeAsset(p.Chain)
		price, err := USDPrice(g.ledger, asset, 0)
		if err != nil {
			return guardian.TradeRequest{}, err
		}
		return guardian.TradeRequest{Side: "sell", Symbol: asset, AmountUSD: p.Amount * price}, nil

	case proposal.ExchangeOrderPayload:
		if err := g.policy.ValidateCexOrder(policy.CexOrderRequest{
			ExchangeID: p.ExchangeID,
			Symbol:     p.Symbol,
			MarketType: p.MarketType,
			Side:       p.Side,
			Amount:     p.Amount,
			OrderType:  p.OrderType,
			Price:      p.Price,
		}, ov); err != nil {
			return guardian.TradeRequest{}, g.policyDenied(actor, p.Kind(), err)
		}
		base, quote, err := ledger.ParseSymbol(p.Symbol)
		if err != nil {
			return guardian.TradeRequest{}, err
		}
		if err := g.checkInsight(actor, p.Kind(), base+"/"+quote, p.InsightID); err != nil {
			return guardian.TradeRequest{}, err
		}
		price, err := USDPrice(g.ledger, base, p.Price)
		if err != nil {
			return guardian.TradeRequest{}, err
		}
		return guardian.TradeRequest{
			Side:           p.Side,
			Symbol:         base + "/" + quote,
			AmountUSD:      p.Amount * price,
			SentimentScore: p.SentimentScore,
		}, nil
	}
	return guardian.TradeRequest{}, fmt.Errorf("unsupported payload kind %q", payload.Kind())
}

func (g *Gateway) policyDenied(actor string, kind proposal.Kind, err error) error {
	details := map[string]any{"kind": string(kind)}
	if v, ok := policy.AsViolation(err); ok {
		details["code"] = string(v.Code)
		details["message"] = v.Message
	} else {
		details["error"] = err.Error()
	}
	g.record(actor, audit.ActionPolicyDenied, g.account, details)
	return err
}

// assess fills risk with fresh account metrics and asks the guardian.
// Refusals are audited against actor.
func (g *Gateway) assess(ctx context.Context, actor string, payload proposal.Payload, risk guardian.TradeRequest) (guardian.Decision, error) {
	metrics := g.ledger.RiskMetrics(g.account)
	risk.PortfolioValue = metrics.PortfolioValueUSD
	risk.DailyLossPct = metrics.DailyPnLPct
	risk.CurrentDrawdownPct = metrics.DrawdownPct
	decision := g.guardian.ValidateTrade(risk)
	if !decision.Allowed {
		g.record(actor, audit.ActionRiskDenied, risk.Symbol, map[string]any{
			"kind": string(payload.Kind()), "rule": string(decision.Rule), "reason": decision.Reason,
		})
		g.logger.InfoContext(ctx, "trade refused by risk guardian", "symbol", risk.Symbol, "rule", decision.Rule)
		return decision, &RiskDeniedError{Decision: decision}
	}
	return decision, nil
}

// gate runs the halt and risk checks, then proposes or executes.
func (g *Gateway) gate(ctx context.Context, payload proposal.Payload, risk guardian.TradeRequest) (*Outcome, error) {
	if g.halted.Load() {
		g.record("agent", audit.ActionTradingHalted, g.account, map[string]any{"kind": string(payload.Kind())})
		return nil, ErrTradingHalted
	}

	decision, err := g.assess(ctx, "agent", payload, risk)
	if err != nil {
		return nil, err
	}

	if g.mode == ModeApproveEach {
		p, err := g.proposals.Create(ctx, payload, g.ttl)
		if err != nil {
			return nil, fmt.Errorf("create execution proposal: %w", err)
		}
		symbol, amount := payload.Headline()
		g.record("agent", audit.ActionProposalCreated, p.RequestID, map[string]any{
			"kind": string(p.Kind), "symbol": symbol, "amount": amount, "payload_hash": p.PayloadHash,
		})
		return &Outcome{Status: OutcomePendingApproval, Proposal: p, Risk: decision}, nil
	}

	res, err := g.execute(ctx, payload, payload.Key(), "")
	if err != nil {
		return nil, err
	}
	return &Outcome{Status: OutcomeExecuted, Result: &res, Risk: decision}, nil
}

// execute claims key (when set), calls the tool and releases the key again
// if the tool failed so a later attempt may retry.
func (g *Gateway) execute(ctx context.Context, payload proposal.Payload, key, requestID string) (ToolResult, error) {
	if g.halted.Load() {
		return ToolResult{}, ErrTradingHalted
	}
	if key != "" {
		claimed, err := g.idem.Claim(ctx, key)
		if err != nil {
			return ToolResult{}, fmt.Errorf("%w: %v", ErrIdempotencyRequired, err)
		}
		if !claimed {
			return ToolResult{}, fmt.Errorf("%w: %s", ErrDuplicateExecution, key)
		}
	}

	res, err := g.dispatch(ctx, payload)
	if err != nil {
		if key != "" {
			if rerr := g.idem.Release(ctx, key); rerr != nil {
				g.logger.WarnContext(ctx, "failed to release idempotency key", "key", key, "error", rerr)
			}
		}
		g.record("gateway", audit.ActionExecutionFailed, target(requestID, payload), map[string]any{
			"kind": string(payload.Kind()), "error": err.Error(),
		})
		return ToolResult{}, err
	}

	g.record("gateway", audit.ActionExecuted, target(requestID, payload), map[string]any{
		"kind": string(payload.Kind()), "ok": res.OK, "venue": res.Venue,
	})
	return res, nil
}

func target(requestID string, payload proposal.Payload) string {
	if requestID != "" {
		return requestID
	}
	symbol, _ := payload.Headline()
	return symbol
}

func (g *Gateway) dispatch(ctx context.Context, payload proposal.Payload) (ToolResult, error) {
	switch p := payload.(type) {
	case proposal.SwapPayload:
		return g.tools.Swap(ctx, p)
	case proposal.NativeTransferPayload:
		return g.tools.TransferNative(ctx, p)
	case proposal.ExchangeOrderPayload:
		return g.tools.PlaceOrder(ctx, p)
	}
	return ToolResult{}, fmt.Errorf("unsupported payload kind %q", payload.Kind())
}

// Approve confirms a proposal and executes it exactly once. A proposal that
// was confirmed earlier but whose execution failed is resumed when the same
// token is presented again.
//
// The stored payload is re-screened against the live policy and fresh risk
// metrics before consent is consumed, so a chain, token or exchange revoked
// after proposal time is refused and the proposal stays pending.
func (g *Gateway) Approve(ctx context.Context, actor, requestID, token string) (res *ToolResult, err error) {
	ctx, done := g.telemetry.TrackOperation(ctx, "gateway.approve")
	defer func() { done(err) }()

	g.approveMu.Lock()
	defer g.approveMu.Unlock()

	if err := g.rescreen(ctx, actor, requestID, token); err != nil {
		return nil, err
	}

	p, err := g.proposals.Confirm(ctx, requestID, token)
	if errors.Is(err, proposal.ErrAlreadyConfirmed) {
		p, err = g.resume(ctx, requestID, token, err)
	}
	if err != nil {
		return nil, err
	}
	g.record(actor, audit.ActionProposalApproved, requestID, map[string]any{"kind": string(p.Kind)})

	out, err := g.execute(ctx, p.Payload, p.IdempotencyKey(), requestID)
	if err != nil {
		return nil, err
	}
	if !g.proposals.MarkExecuted(ctx, requestID, out) {
		g.logger.ErrorContext(ctx, "executed proposal could not be marked executed", "request_id", requestID)
	}
	return &out, nil
}

// rescreen repeats the policy and risk checks for a proposal that the
// caller may approve. Anything else (unknown, expired, wrong token) is left
// for Confirm to refuse with its own error.
func (g *Gateway) rescreen(ctx context.Context, actor, requestID, token string) error {
	p, err := g.proposals.Get(ctx, requestID)
	if err != nil || subtle.ConstantTimeCompare([]byte(p.ConfirmToken), []byte(token)) != 1 {
		return nil
	}
	status, err := g.proposals.Status(ctx, requestID)
	if err != nil || (status != proposal.StatusPending && status != proposal.StatusConfirmed) {
		return nil
	}
	if g.halted.Load() {
		return ErrTradingHalted
	}
	risk, err := g.screen(actor, p.Payload, nil)
	if err != nil {
		g.logger.InfoContext(ctx, "approval refused on re-check", "request_id", requestID, "error", err)
		return err
	}
	_, err = g.assess(ctx, actor, p.Payload, risk)
	return err
}

// resume re-admits a confirmed, unexecuted proposal for a caller holding
// its token; any other caller gets the original refusal.
func (g *Gateway) resume(ctx context.Context, requestID, token string, refusal error) (*proposal.Proposal, error) {
	p, err := g.proposals.Get(ctx, requestID)
	if err != nil {
		return nil, refusal
	}
	if subtle.ConstantTimeCompare([]byte(p.ConfirmToken), []byte(token)) != 1 {
		return nil, &proposal.TransitionError{RequestID: requestID, Status: proposal.StatusConfirmed, Err: proposal.ErrInvalidToken}
	}
	g.logger.InfoContext(ctx, "resuming confirmed proposal", "request_id", requestID)
	return p, nil
}

// Reject cancels a pending proposal.
func (g *Gateway) Reject(ctx context.Context, actor, requestID string) bool {
	ok := g.proposals.Cancel(ctx, requestID)
	if ok {
		g.record(actor, audit.ActionProposalRejected, requestID, nil)
	}
	return ok
}

// Pending lists proposals awaiting consent with their confirm tokens. It
// backs operator surfaces only.
func (g *Gateway) Pending(ctx context.Context) []proposal.Summary {
	return g.proposals.ListPending(ctx)
}

// Proposal returns one proposal with its confirm token removed.
func (g *Gateway) Proposal(ctx context.Context, requestID string) (*proposal.Proposal, proposal.Status, error) {
	p, err := g.proposals.Get(ctx, requestID)
	if err != nil {
		return nil, "", err
	}
	status, err := g.proposals.Status(ctx, requestID)
	if err != nil {
		return nil, "", err
	}
	p.ConfirmToken = ""
	return p, status, nil
}

// OnTick records a market price and fills any crossing limit orders.
func (g *Gateway) OnTick(ctx context.Context, t marketdata.Tick) ([]ledger.Fill, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if g.quotes != nil {
		g.quotes.Put(t)
	}
	if err := g.ledger.UpdatePrice(t.Symbol, t.Price); err != nil {
		return nil, err
	}
	fills, err := g.ledger.CheckOpenOrders(ctx, t.Symbol, t.Price)
	if err != nil {
		return nil, err
	}
	for _, f := range fills {
		g.record("gateway", audit.ActionExecuted, f.Order.OrderID, map[string]any{
			"kind": "limit_fill", "symbol": f.Order.Symbol, "price": f.Trade.Price, "amount": f.Trade.Amount,
		})
	}
	return fills, nil
}

// Quote returns the freshest cached tick for symbol.
func (g *Gateway) Quote(symbol string) (marketdata.Tick, bool) {
	if g.quotes == nil {
		return marketdata.Tick{}, false
	}
	return g.quotes.Last(symbol)
}

// CancelOrder cancels one of the agent account's resting limit orders and
// releases its locked funds.
func (g *Gateway) CancelOrder(ctx context.Context, actor, orderID string) (string, error) {
	msg, err := g.ledger.CancelOrder(ctx, g.account, orderID)
	if err != nil {
		return "", err
	}
	g.record(actor, audit.ActionOrderCancelled, orderID, nil)
	return msg, nil
}

// VerifyTradeLog checks the ledger's trade hash chain.
func (g *Gateway) VerifyTradeLog() error {
	return g.ledger.VerifyTradeLog()
}

// PortfolioView is the agent account snapshot.
type PortfolioView struct {
	Account    string             `json:"account"`
	Balances   map[string]float64 `json:"balances"`
	OpenOrders []ledger.Order     `json:"open_orders"`
	Metrics    ledger.Metrics     `json:"metrics"`
	Halted     bool               `json:"trading_halted"`
}

// Portfolio snapshots the agent account.
func (g *Gateway) Portfolio(_ context.Context) PortfolioView {
	return PortfolioView{
		Account:    g.account,
		Balances:   g.ledger.Balances(g.account),
		OpenOrders: g.ledger.OpenOrders(g.account),
		Metrics:    g.ledger.RiskMetrics(g.account),
		Halted:     g.halted.Load(),
	}
}

// Trades returns recent trades for the agent account, preferring the
// durable journal.
func (g *Gateway) Trades(ctx context.Context, limit int) ([]ledger.Trade, error) {
	if g.history != nil {
		trades, err := g.history.ListTrades(ctx, g.account, limit)
		if err == nil {
			return trades, nil
		}
		g.logger.WarnContext(ctx, "trade journal unavailable, serving in-memory log", "error", err)
	}
	return g.ledger.Trades(g.account, limit), nil
}

func (g *Gateway) record(actor, action, tgt string, details map[string]any) {
	if _, err := g.audit.Append(actor, action, tgt, details); err != nil {
		g.logger.Error("audit append failed", "action", action, "target", tgt, "error", err)
	}
}
