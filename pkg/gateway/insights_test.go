package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tradegate/pkg/audit"
	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
	"github.com/Mindburn-Labs/tradegate/pkg/policy"
	"github.com/Mindburn-Labs/tradegate/pkg/proposal"
)

func TestPublishInsight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeApproveEach, nil)

	in, err := f.gw.PublishInsight(ctx, "analyst", policy.Insight{Symbol: " eth/usdt ", Signal: "BULLISH", Confidence: 0.8})
	require.NoError(t, err)
	assert.NotEmpty(t, in.ID)
	assert.Equal(t, "ETH/USDT", in.Symbol)
	assert.Equal(t, "bullish", in.Signal)
	assert.Equal(t, "analyst", in.AgentID)
	assert.True(t, in.ExpiresAt.After(time.Now()))

	_, err = f.gw.PublishInsight(ctx, "analyst", policy.Insight{ID: in.ID, Symbol: "ETH/USDT", Confidence: 0.5})
	assert.ErrorIs(t, err, ErrInvalidInsight)
	_, err = f.gw.PublishInsight(ctx, "analyst", policy.Insight{Symbol: "ETHUSDT"})
	assert.ErrorIs(t, err, ErrInvalidInsight)
	_, err = f.gw.PublishInsight(ctx, "analyst", policy.Insight{Symbol: "ETH/USDT", Confidence: 1.5})
	assert.ErrorIs(t, err, ErrInvalidInsight)

	_, err = f.gw.PublishInsight(ctx, "analyst", policy.Insight{Symbol: "BTC/USDT", Confidence: 0.6})
	require.NoError(t, err)

	all := f.gw.Insights("", 0)
	require.Len(t, all, 2)
	assert.Equal(t, "BTC/USDT", all[0].Symbol, "newest first")
	eth := f.gw.Insights("eth/usdt", 5)
	require.Len(t, eth, 1)
	assert.Equal(t, in.ID, eth[0].ID)
	assert.Contains(t, actions(f.audit), audit.ActionInsightPublished)
}

func TestTradeCitingInsight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeApproveEach, nil)

	eth, err := f.gw.PublishInsight(ctx, "analyst", policy.Insight{Symbol: "ETH/USDT", Signal: "bullish", Confidence: 0.7})
	require.NoError(t, err)
	btc, err := f.gw.PublishInsight(ctx, "analyst", policy.Insight{Symbol: "BTC/USDT", Signal: "bullish", Confidence: 0.7})
	require.NoError(t, err)
	stale, err := f.gw.PublishInsight(ctx, "analyst", policy.Insight{
		Symbol: "BTC/USDT", Confidence: 0.9, ExpiresAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	out, err := f.gw.SwapTokens(ctx, SwapRequest{
		Chain: "ethereum", FromToken: "USDT", ToToken: "ETH", Amount: 100, InsightID: eth.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePendingApproval, out.Status)

	_, err = f.gw.SwapTokens(ctx, SwapRequest{
		Chain: "ethereum", FromToken: "USDT", ToToken: "ETH", Amount: 100, InsightID: btc.ID,
	})
	v, ok := policy.AsViolation(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, policy.CodeInsightSymbolMismatch, v.Code)

	_, err = f.gw.PlaceExchangeOrder(ctx, OrderRequest{
		ExchangeID: "binance", Symbol: "BTC/USDT", Side: "buy", OrderType: "market", Amount: 0.01, InsightID: stale.ID,
	})
	v, ok = policy.AsViolation(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, policy.CodeInsightExpired, v.Code)

	_, err = f.gw.PlaceExchangeOrder(ctx, OrderRequest{
		ExchangeID: "binance", Symbol: "BTC/USDT", Side: "buy", OrderType: "market", Amount: 0.01, InsightID: "ins_missing",
	})
	v, ok = policy.AsViolation(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, policy.CodeInsightNotFound, v.Code)

	out, err = f.gw.PlaceExchangeOrder(ctx, OrderRequest{
		ExchangeID: "binance", Symbol: "btc/usdt", Side: "buy", OrderType: "market", Amount: 0.01, InsightID: btc.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Proposal)
	p, ok := out.Proposal.Payload.(proposal.ExchangeOrderPayload)
	require.True(t, ok)
	assert.Equal(t, btc.ID, p.InsightID)
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeAuto, nil)

	out, err := f.gw.PlaceExchangeOrder(ctx, OrderRequest{
		ExchangeID: "binance", Symbol: "BTC/USDT", Side: "buy", OrderType: "limit", Amount: 0.01, Price: 45000,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Result.Order)
	assert.InDelta(t, 99550, f.ledger.Balance("agent", "USDT"), 1e-9)

	msg, err := f.gw.CancelOrder(ctx, "ops", out.Result.Order.OrderID)
	require.NoError(t, err)
	assert.Contains(t, msg, "cancelled")
	assert.InDelta(t, 100000, f.ledger.Balance("agent", "USDT"), 1e-9)
	assert.Empty(t, f.gw.Portfolio(ctx).OpenOrders)
	assert.Contains(t, actions(f.audit), audit.ActionOrderCancelled)

	_, err = f.gw.CancelOrder(ctx, "ops", out.Result.Order.OrderID)
	assert.ErrorIs(t, err, ledger.ErrOrderNotFound)
}

func TestVerifyTradeLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ModeAuto, nil)
	_, err := f.gw.SwapTokens(ctx, SwapRequest{Chain: "ethereum", FromToken: "USDT", ToToken: "ETH", Amount: 100})
	require.NoError(t, err)
	assert.NoError(t, f.gw.VerifyTradeLog())
}
