package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tradegate/pkg/audit"
	"github.com/Mindburn-Labs/tradegate/pkg/guardian"
	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
	"github.com/Mindburn-Labs/tradegate/pkg/marketdata"
	"github.com/Mindburn-Labs/tradegate/pkg/policy"
	"github.com/Mindburn-Labs/tradegate/pkg/proposal"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var testPolicyEnv = map[string]string{
	"ALLOW_CHAINS":    "ethereum,base",
	"ALLOW_TOKENS":    "ETH,USDT,USDC,BTC",
	"ALLOW_EXCHANGES": "binance",
}

type fixture struct {
	gw     *Gateway
	ledger *ledger.Engine
	audit  *audit.Log

	mu  sync.Mutex
	env map[string]string
}

// setEnv changes the live policy configuration the gateway reads.
func (f *fixture) setEnv(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.env[key] = value
}

func (f *fixture) environ() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.env))
	for k, v := range f.env {
		out[k] = v
	}
	return out
}

func newFixture(t *testing.T, mode Mode, tools func(*ledger.Engine) ExecutionTools) *fixture {
	t.Helper()
	clock := func() time.Time { return time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC) }
	l := ledger.NewEngine(ledger.WithClock(clock), ledger.WithLogger(quiet))
	l.Deposit("agent", "USDT", 100000)
	require.NoError(t, l.UpdatePrice("ETH/USDT", 2000))
	require.NoError(t, l.UpdatePrice("BTC/USDT", 50000))

	quotes, err := marketdata.NewQuoteCache(1<<20, time.Minute)
	require.NoError(t, err)
	t.Cleanup(quotes.Close)

	f := &fixture{ledger: l, audit: audit.NewLog(quiet), env: make(map[string]string)}
	for k, v := range testPolicyEnv {
		f.env[k] = v
	}
	deps := Deps{
		Mode:    mode,
		Account: "agent",
		Policy:  policy.NewEngine(policy.WithEnviron(f.environ)),
		Ledger: l,
		Audit:  f.audit,
		Quotes: quotes,
		Logger: quiet,
	}
	if tools != nil {
		deps.Tools = tools(l)
	}
	gw, err := New(context.Background(), deps)
	require.NoError(t, err)
	f.gw = gw
	return f
}

func actions(l *audit.Log) []string {
	var out []string
	for _, e := range l.Entries() {
		out = append(out, e.Action)
	}
	return out
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" AUTO ")
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, m)
	_, err = ParseMode("sometimes")
	assert.Error(t, err)
}

func TestApproveEachSwapLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeApproveEach, nil)

	out, err := f.gw.SwapTokens(ctx, SwapRequest{
		Chain: "ethereum", FromToken: "USDT", ToToken: "ETH", Amount: 1000, Rationale: "rebalance",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomePendingApproval, out.Status)
	require.NotNil(t, out.Proposal)
	assert.Equal(t, proposal.KindSwap, out.Proposal.Kind)
	assert.True(t, out.Risk.Allowed)
	assert.Equal(t, 0.0, f.ledger.Balance("agent", "ETH"), "nothing executes before consent")

	pending := f.gw.Pending(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, out.Proposal.RequestID, pending[0].RequestID)

	p, status, err := f.gw.Proposal(ctx, out.Proposal.RequestID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusPending, status)
	assert.Empty(t, p.ConfirmToken)

	res, err := f.gw.Approve(ctx, "operator", out.Proposal.RequestID, out.Proposal.ConfirmToken)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "paper", res.Venue)
	assert.InDelta(t, 0.5, f.ledger.Balance("agent", "ETH"), 1e-9)
	assert.InDelta(t, 99000, f.ledger.Balance("agent", "USDT"), 1e-9)

	_, err = f.gw.Approve(ctx, "operator", out.Proposal.RequestID, out.Proposal.ConfirmToken)
	assert.ErrorIs(t, err, proposal.ErrAlreadyExecuted)
	assert.Empty(t, f.gw.Pending(ctx))

	_, status, err = f.gw.Proposal(ctx, out.Proposal.RequestID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusExecuted, status)

	assert.Equal(t, []string{
		audit.ActionProposalCreated, audit.ActionProposalApproved, audit.ActionExecuted,
	}, actions(f.audit))
	require.NoError(t, f.audit.VerifyChain())
}

func TestApproveWrongTokenDoesNotExecute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeApproveEach, nil)

	out, err := f.gw.SwapTokens(ctx, SwapRequest{Chain: "ethereum", FromToken: "USDT", ToToken: "ETH", Amount: 500})
	require.NoError(t, err)

	_, err = f.gw.Approve(ctx, "operator", out.Proposal.RequestID, "not-the-token")
	assert.ErrorIs(t, err, proposal.ErrInvalidToken)
	assert.Equal(t, 0.0, f.ledger.Balance("agent", "ETH"))

	res, err := f.gw.Approve(ctx, "operator", out.Proposal.RequestID, out.Proposal.ConfirmToken)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestPolicyDenial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeApproveEach, nil)

	_, err := f.gw.SwapTokens(ctx, SwapRequest{Chain: "solana", FromToken: "USDT", ToToken: "ETH", Amount: 10})
	v, ok := policy.AsViolation(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, policy.CodeChainNotAllowed, v.Code)

	_, err = f.gw.PlaceExchangeOrder(ctx, OrderRequest{
		ExchangeID: "kraken", Symbol: "BTC/USDT", Side: "buy", OrderType: "market", Amount: 0.01,
	})
	v, ok = policy.AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, policy.CodeExchangeNotAllowed, v.Code)

	assert.Empty(t, f.gw.Pending(ctx))
	assert.Equal(t, []string{audit.ActionPolicyDenied, audit.ActionPolicyDenied}, actions(f.audit))
}

func TestRiskDenial(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeApproveEach, nil)

	_, err := f.gw.SwapTokens(ctx, SwapRequest{Chain: "ethereum", FromToken: "USDT", ToToken: "ETH", Amount: 10000})
	var denied *RiskDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, guardian.RulePositionSize, denied.Decision.Rule)
	assert.Contains(t, denied.Error(), "Position size too large")

	_, err = f.gw.PlaceExchangeOrder(ctx, OrderRequest{
		ExchangeID: "binance", Symbol: "BTC/USDT", Side: "buy", OrderType: "market", Amount: 0.01,
		SentimentScore: -0.8,
	})
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, guardian.RuleFallingKnife, denied.Decision.Rule)
	assert.Empty(t, f.gw.Pending(ctx))
}

func TestSwapWithoutPriceFailsClosed(t *testing.T) {
	f := newFixture(t, ModeApproveEach, nil)
	_, err := f.gw.SwapTokens(context.Background(), SwapRequest{
		Chain: "ethereum", FromToken: "ETH", ToToken: "BTC", Amount: 1,
	})
	require.NoError(t, err, "both legs have cached prices")

	f.ledger.ResetWallet("agent")
	f.ledger.Deposit("agent", "USDT", 1000)
	_, err = f.gw.PlaceExchangeOrder(context.Background(), OrderRequest{
		ExchangeID: "binance", Symbol: "DOGE/USDT", Side: "buy", OrderType: "market", Amount: 1,
	})
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestTradingHaltBlocksAndResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeApproveEach, nil)

	out, err := f.gw.SwapTokens(ctx, SwapRequest{Chain: "ethereum", FromToken: "USDT", ToToken: "ETH", Amount: 1000})
	require.NoError(t, err)

	f.gw.SetTradingHalted("operator", true)
	assert.True(t, f.gw.TradingHalted())

	_, err = f.gw.SwapTokens(ctx, SwapRequest{Chain: "ethereum", FromToken: "USDT", ToToken: "ETH", Amount: 10})
	assert.ErrorIs(t, err, ErrTradingHalted)

	_, err = f.gw.Approve(ctx, "operator", out.Proposal.RequestID, out.Proposal.ConfirmToken)
	assert.ErrorIs(t, err, ErrTradingHalted)
	_, status, err := f.gw.Proposal(ctx, out.Proposal.RequestID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusPending, status, "a halted approval does not spend consent")

	f.gw.SetTradingHalted("operator", false)
	res, err := f.gw.Approve(ctx, "operator", out.Proposal.RequestID, out.Proposal.ConfirmToken)
	require.NoError(t, err, "the proposal approves once trading resumes")
	assert.True(t, res.OK)
	assert.True(t, f.gw.Proposals().IsExecuted(ctx, out.Proposal.RequestID))
}

type flakyTools struct {
	ExecutionTools
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyTools) Swap(ctx context.Context, p proposal.SwapPayload) (ToolResult, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return ToolResult{}, errors.New("venue timeout")
	}
	return f.ExecutionTools.Swap(ctx, p)
}

func TestApproveResumesAfterToolFailure(t *testing.T) {
	ctx := context.Background()
	var tools *flakyTools
	f := newFixture(t, ModeApproveEach, func(l *ledger.Engine) ExecutionTools {
		tools = &flakyTools{ExecutionTools: NewPaperTools(l, "agent")}
		tools.failures.Store(1)
		return tools
	})

	out, err := f.gw.SwapTokens(ctx, SwapRequest{
		Chain: "ethereum", FromToken: "USDT", ToToken: "ETH", Amount: 1000, IdempotencyKey: "swap-42",
	})
	require.NoError(t, err)

	_, err = f.gw.Approve(ctx, "operator", out.Proposal.RequestID, out.Proposal.ConfirmToken)
	require.EqualError(t, err, "venue timeout")

	_, err = f.gw.Approve(ctx, "operator", out.Proposal.RequestID, "wrong")
	assert.ErrorIs(t, err, proposal.ErrInvalidToken)

	res, err := f.gw.Approve(ctx, "operator", out.Proposal.RequestID, out.Proposal.ConfirmToken)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int32(2), tools.calls.Load())
	assert.Contains(t, actions(f.audit), audit.ActionExecutionFailed)
}

func TestConcurrentApproveExecutesOnce(t *testing.T) {
	ctx := context.Background()
	var tools *flakyTools
	f := newFixture(t, ModeApproveEach, func(l *ledger.Engine) ExecutionTools {
		tools = &flakyTools{ExecutionTools: NewPaperTools(l, "agent")}
		return tools
	})

	out, err := f.gw.SwapTokens(ctx, SwapRequest{Chain: "ethereum", FromToken: "USDT", ToToken: "ETH", Amount: 1000})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.gw.Approve(ctx, "operator", out.Proposal.RequestID, out.Proposal.ConfirmToken); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), tools.calls.Load())
	assert.InDelta(t, 0.5, f.ledger.Balance("agent", "ETH"), 1e-9)
}

func TestRejectCancelsProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeApproveEach, nil)

	out, err := f.gw.TransferNative(ctx, TransferRequest{Chain: "ethereum", ToAddress: "0xabc", Amount: 0.1})
	require.NoError(t, err)

	assert.True(t, f.gw.Reject(ctx, "operator", out.Proposal.RequestID))
	assert.False(t, f.gw.Reject(ctx, "operator", out.Proposal.RequestID))

	_, err = f.gw.Approve(ctx, "operator", out.Proposal.RequestID, out.Proposal.ConfirmToken)
	assert.ErrorIs(t, err, proposal.ErrCancelled)
	assert.Contains(t, actions(f.audit), audit.ActionProposalRejected)
}

func TestAutoModeExecutesImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeAuto, nil)

	out, err := f.gw.PlaceExchangeOrder(ctx, OrderRequest{
		ExchangeID: "binance", Symbol: "BTC/USDT", Side: "buy", OrderType: "market", Amount: 0.05,
		IdempotencyKey: "ord-1",
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, out.Status)
	require.NotNil(t, out.Result)
	assert.True(t, out.Result.OK)
	require.NotNil(t, out.Result.Trade)
	assert.Equal(t, 50000.0, out.Result.Trade.Price)
	assert.InDelta(t, 0.05, f.ledger.Balance("agent", "BTC"), 1e-9)

	_, err = f.gw.PlaceExchangeOrder(ctx, OrderRequest{
		ExchangeID: "binance", Symbol: "BTC/USDT", Side: "buy", OrderType: "market", Amount: 0.05,
		IdempotencyKey: "ord-1",
	})
	assert.ErrorIs(t, err, ErrDuplicateExecution)
	assert.InDelta(t, 0.05, f.ledger.Balance("agent", "BTC"), 1e-9)

	trades, err := f.gw.Trades(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestAutoTransferNative(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeAuto, nil)
	f.ledger.Deposit("agent", "ETH", 2)

	out, err := f.gw.TransferNative(ctx, TransferRequest{Chain: "base", ToAddress: "0xabc", Amount: 0.5})
	require.NoError(t, err)
	assert.True(t, out.Result.OK)
	assert.Contains(t, out.Result.Message, "paper transfer to 0xabc on base")
	assert.InDelta(t, 1.5, f.ledger.Balance("agent", "ETH"), 1e-9)
}

func TestOnTickFillsLimitOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeAuto, nil)

	out, err := f.gw.PlaceExchangeOrder(ctx, OrderRequest{
		ExchangeID: "binance", Symbol: "BTC/USDT", Side: "buy", OrderType: "limit", Amount: 0.01, Price: 45000,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Result.Order)
	assert.Len(t, f.gw.Portfolio(ctx).OpenOrders, 1)

	fills, err := f.gw.OnTick(ctx, marketdata.Tick{Symbol: "btc/usdt", Price: 46000, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.Empty(t, fills)

	fills, err = f.gw.OnTick(ctx, marketdata.Tick{Symbol: "BTC/USDT", Price: 44000, Timestamp: time.Now()})
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, 45000.0, fills[0].Trade.Price)

	view := f.gw.Portfolio(ctx)
	assert.Empty(t, view.OpenOrders)
	assert.InDelta(t, 0.01, view.Balances["BTC"], 1e-9)
	assert.Equal(t, "agent", view.Account)

	_, err = f.gw.OnTick(ctx, marketdata.Tick{Symbol: "BTCUSDT", Price: 1})
	assert.Error(t, err)
}

func TestSwapPaperToolsPairs(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewEngine(ledger.WithLogger(quiet))
	l.Deposit("agent", "USDC", 4000)
	l.Deposit("agent", "ETH", 1)
	tools := NewPaperTools(l, "agent")

	res, err := tools.Swap(ctx, proposal.SwapPayload{FromToken: "USDC", ToToken: "ETH", Amount: 4000, Price: 2000})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.InDelta(t, 3.0, l.Balance("agent", "ETH"), 1e-9)

	res, err = tools.Swap(ctx, proposal.SwapPayload{FromToken: "ETH", ToToken: "USDC", Amount: 1})
	require.NoError(t, err)
	assert.True(t, res.OK, "uses the price cached by the previous fill")
	assert.InDelta(t, 2000, l.Balance("agent", "USDC"), 1e-9)

	_, err = tools.Swap(ctx, proposal.SwapPayload{FromToken: "ETH", ToToken: "BTC", Amount: 1})
	assert.ErrorIs(t, err, ErrUnsupportedPair)

	assert.Equal(t, "POL", NativeAsset("Polygon"))
	assert.Equal(t, "FOO", NativeAsset("foo"))
}

func TestApproveRechecksPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeApproveEach, nil)

	out, err := f.gw.SwapTokens(ctx, SwapRequest{Chain: "ethereum", FromToken: "USDT", ToToken: "ETH", Amount: 100})
	require.NoError(t, err)

	f.setEnv("ALLOW_CHAINS", "base")
	_, err = f.gw.Approve(ctx, "ops", out.Proposal.RequestID, out.Proposal.ConfirmToken)
	v, ok := policy.AsViolation(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, policy.CodeChainNotAllowed, v.Code)
	assert.Equal(t, 0.0, f.ledger.Balance("agent", "ETH"))

	_, status, err := f.gw.Proposal(ctx, out.Proposal.RequestID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusPending, status, "a refused approval leaves the proposal pending")
	assert.Equal(t, audit.ActionPolicyDenied, actions(f.audit)[len(f.audit.Entries())-1])
	assert.Equal(t, "ops", f.audit.Entries()[len(f.audit.Entries())-1].Actor)

	f.setEnv("ALLOW_CHAINS", "ethereum")
	res, err := f.gw.Approve(ctx, "ops", out.Proposal.RequestID, out.Proposal.ConfirmToken)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.InDelta(t, 0.05, f.ledger.Balance("agent", "ETH"), 1e-9)
}

func TestApproveRechecksRisk(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeApproveEach, nil)

	out, err := f.gw.SwapTokens(ctx, SwapRequest{Chain: "ethereum", FromToken: "USDT", ToToken: "ETH", Amount: 4000})
	require.NoError(t, err)
	require.True(t, out.Risk.Allowed)

	res, err := f.ledger.Withdraw("agent", "USDT", 50000)
	require.NoError(t, err)
	require.True(t, res.OK)

	_, err = f.gw.Approve(ctx, "ops", out.Proposal.RequestID, out.Proposal.ConfirmToken)
	var denied *RiskDeniedError
	require.ErrorAs(t, err, &denied)
	assert.False(t, denied.Decision.Allowed)
	assert.Equal(t, 0.0, f.ledger.Balance("agent", "ETH"))
	assert.Contains(t, actions(f.audit), audit.ActionRiskDenied)
	assert.NotContains(t, actions(f.audit), audit.ActionProposalApproved)
}
