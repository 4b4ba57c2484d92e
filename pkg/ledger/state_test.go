package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryState keeps the latest snapshot per account.
type memoryState struct {
	mu      sync.Mutex
	wallets map[string]Wallet
	saves   int
	err     error
}

func (m *memoryState) SaveWallet(_ context.Context, w Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.err != nil {
		return m.err
	}
	if m.wallets == nil {
		m.wallets = make(map[string]Wallet)
	}
	m.wallets[w.Account] = w
	return nil
}

func (m *memoryState) LoadWallets(context.Context) ([]Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		out = append(out, w)
	}
	return out, nil
}

func TestWalletStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	state := &memoryState{}
	e, clk := newTestEngine(WithStateStore(state))

	e.Deposit("user1", "USDT", 10000)
	_, err := e.ExecuteTrade(ctx, "user1", "buy", "ETH/USDT", 1, 2000, "")
	require.NoError(t, err)
	order, err := e.PlaceLimitOrder("user1", "buy", "BTC/USDT", 0.1, 40000)
	require.NoError(t, err)

	require.NoError(t, e.UpdatePrice("ETH/USDT", 3000))
	peak := e.RiskMetrics("user1").PeakValue
	assert.InDelta(t, 11000, peak, 1e-9)

	restarted := NewEngine(WithClock(clk.Now), WithStateStore(state))
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.InDelta(t, 4000, restarted.Balance("user1", "USDT"), 1e-9)
	assert.InDelta(t, 1, restarted.Balance("user1", "ETH"), 1e-9)
	open := restarted.OpenOrders("user1")
	require.Len(t, open, 1)
	assert.Equal(t, order.Order.OrderID, open[0].OrderID)

	// The peak carries over, so a post-restart drop still counts as drawdown.
	require.NoError(t, restarted.UpdatePrice("ETH/USDT", 1000))
	m := restarted.RiskMetrics("user1")
	assert.InDelta(t, 11000, m.PeakValue, 1e-9)
	assert.InDelta(t, 2000.0/11000, m.DrawdownPct, 1e-9)

	msg, err := restarted.CancelOrder(ctx, "user1", order.Order.OrderID)
	require.NoError(t, err)
	assert.Contains(t, msg, "cancelled")
	assert.Empty(t, state.wallets["user1"].Orders)
	assert.InDelta(t, 8000, state.wallets["user1"].Balances["USDT"].InexactFloat64(), 1e-9)
}

func TestRestoreWithoutStoreIsNoop(t *testing.T) {
	e, _ := newTestEngine()
	n, err := e.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWalletWriteFailureKeepsMemoryState(t *testing.T) {
	state := &memoryState{err: errors.New("disk full")}
	e, _ := newTestEngine(WithStateStore(state))

	e.Deposit("user1", "USDT", 500)
	assert.Equal(t, 500.0, e.Balance("user1", "USDT"))
	assert.Equal(t, 1, state.saves)
}
