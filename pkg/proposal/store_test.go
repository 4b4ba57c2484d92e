package proposal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memPersister is a durable store stand-in shared across Store instances.
type memPersister struct {
	mu      sync.Mutex
	rows    map[string]Record
	saveErr error
}

func newMemPersister() *memPersister {
	return &memPersister{rows: make(map[string]Record)}
}

func (m *memPersister) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.rows[rec.RequestID] = rec
	return nil
}

func (m *memPersister) Load(_ context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memPersister) ListPending(_ context.Context, session string, now time.Time) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Summary
	for _, r := range m.rows {
		if r.SessionID != session || r.ConfirmedAt != nil || r.CancelledAt != nil || !now.Before(r.ExpiresAt) {
			continue
		}
		out = append(out, Summary{RequestID: r.RequestID, Kind: r.Kind, CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt})
	}
	return out, nil
}

type chanNotifier struct {
	events chan Event
	err    error
}

func (n *chanNotifier) Notify(_ context.Context, ev Event) error {
	n.events <- ev
	return n.err
}

var swap = SwapPayload{Chain: "ethereum", FromToken: "usdc", ToToken: "weth", Amount: 250}

func newTestStore(t *testing.T, opts ...Option) (*Store, *testClock) {
	t.Helper()
	clk := newTestClock()
	s, err := NewStore(append([]Option{WithClock(clk.Now)}, opts...)...)
	require.NoError(t, err)
	return s, clk
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	p, err := s.Create(ctx, swap, 0)
	require.NoError(t, err)
	assert.Len(t, p.RequestID, 24)
	assert.Len(t, p.ConfirmToken, 32)
	assert.Len(t, p.PayloadHash, 16)
	assert.Equal(t, KindSwap, p.Kind)
	assert.Equal(t, clk.Now().Add(DefaultTTL), p.ExpiresAt)
	assert.Equal(t, StatusPending, p.StatusAt(clk.Now()))
	assert.Len(t, s.SessionID(), 16)

	other, err := s.Create(ctx, swap, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, p.RequestID, other.RequestID)
	assert.NotEqual(t, p.ConfirmToken, other.ConfirmToken)
	assert.Equal(t, p.PayloadHash, other.PayloadHash, "same payload, same fingerprint")

	_, err = s.Create(ctx, nil, 0)
	require.Error(t, err)
}

func TestConfirm(t *testing.T) {
	ctx := context.Background()

	t.Run("success sets confirmed_at once", func(t *testing.T) {
		s, clk := newTestStore(t)
		p, err := s.Create(ctx, swap, 0)
		require.NoError(t, err)

		got, err := s.Confirm(ctx, p.RequestID, p.ConfirmToken)
		require.NoError(t, err)
		require.NotNil(t, got.ConfirmedAt)
		assert.Equal(t, clk.Now(), *got.ConfirmedAt)
		assert.Equal(t, StatusConfirmed, got.StatusAt(clk.Now()))

		_, err = s.Confirm(ctx, p.RequestID, p.ConfirmToken)
		assert.ErrorIs(t, err, ErrAlreadyConfirmed)
		var te *TransitionError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, StatusConfirmed, te.Status)
	})

	t.Run("unknown id", func(t *testing.T) {
		s, _ := newTestStore(t)
		_, err := s.Confirm(ctx, "nope", "x")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("wrong token never mutates", func(t *testing.T) {
		s, _ := newTestStore(t)
		p, err := s.Create(ctx, swap, 0)
		require.NoError(t, err)

		_, err = s.Confirm(ctx, p.RequestID, "deadbeef")
		assert.ErrorIs(t, err, ErrInvalidToken)
		got, err := s.Get(ctx, p.RequestID)
		require.NoError(t, err)
		assert.Nil(t, got.ConfirmedAt)

		_, err = s.Confirm(ctx, p.RequestID, p.ConfirmToken)
		require.NoError(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		s, clk := newTestStore(t)
		p, err := s.Create(ctx, swap, 30*time.Second)
		require.NoError(t, err)

		clk.Advance(30 * time.Second)
		_, err = s.Confirm(ctx, p.RequestID, p.ConfirmToken)
		assert.ErrorIs(t, err, ErrExpired)
		st, err := s.Status(ctx, p.RequestID)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, st)
	})

	t.Run("cancelled", func(t *testing.T) {
		s, _ := newTestStore(t)
		p, err := s.Create(ctx, swap, 0)
		require.NoError(t, err)
		require.True(t, s.Cancel(ctx, p.RequestID))

		_, err = s.Confirm(ctx, p.RequestID, p.ConfirmToken)
		assert.ErrorIs(t, err, ErrCancelled)
	})

	t.Run("executed", func(t *testing.T) {
		s, _ := newTestStore(t)
		p, err := s.Create(ctx, swap, 0)
		require.NoError(t, err)
		_, err = s.Confirm(ctx, p.RequestID, p.ConfirmToken)
		require.NoError(t, err)
		require.True(t, s.MarkExecuted(ctx, p.RequestID, nil))

		_, err = s.Confirm(ctx, p.RequestID, p.ConfirmToken)
		assert.ErrorIs(t, err, ErrAlreadyExecuted)
	})
}

func TestMarkExecuted(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)
	p, err := s.Create(ctx, swap, 0)
	require.NoError(t, err)

	assert.False(t, s.MarkExecuted(ctx, p.RequestID, nil), "pending proposals cannot execute")
	assert.False(t, s.MarkExecuted(ctx, "unknown", nil))

	_, err = s.Confirm(ctx, p.RequestID, p.ConfirmToken)
	require.NoError(t, err)
	require.True(t, s.MarkExecuted(ctx, p.RequestID, map[string]any{"tx": "0xabc"}))
	assert.False(t, s.MarkExecuted(ctx, p.RequestID, nil))
	assert.True(t, s.IsExecuted(ctx, p.RequestID))

	got, err := s.Get(ctx, p.RequestID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tx":"0xabc"}`, string(got.Result))
	assert.Equal(t, StatusExecuted, got.StatusAt(clk.Now()))

	clk.Advance(time.Hour)
	assert.Equal(t, StatusExecuted, got.StatusAt(clk.Now()), "executed outranks expired")
}

func TestMarkExecutedConcurrent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p, err := s.Create(ctx, swap, 0)
	require.NoError(t, err)
	_, err = s.Confirm(ctx, p.RequestID, p.ConfirmToken)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkExecuted(ctx, p.RequestID, nil) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestConfirmConcurrent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	p, err := s.Create(ctx, swap, 0)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Confirm(ctx, p.RequestID, p.ConfirmToken); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	p, err := s.Create(ctx, swap, 0)
	require.NoError(t, err)
	assert.True(t, s.Cancel(ctx, p.RequestID))
	assert.False(t, s.Cancel(ctx, p.RequestID), "already cancelled")
	assert.False(t, s.Cancel(ctx, "unknown"))

	q, err := s.Create(ctx, swap, 0)
	require.NoError(t, err)
	_, err = s.Confirm(ctx, q.RequestID, q.ConfirmToken)
	require.NoError(t, err)
	assert.False(t, s.Cancel(ctx, q.RequestID), "confirmed proposals cannot be withdrawn")
	assert.True(t, s.MarkExecuted(ctx, q.RequestID, nil))
}

func TestListPending(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	a, err := s.Create(ctx, swap, 0)
	require.NoError(t, err)
	clk.Advance(time.Second)
	b, err := s.Create(ctx, ExchangeOrderPayload{ExchangeID: "binance", Symbol: "BTC/USDT", Side: "buy", OrderType: "market", Amount: 0.01}, 0)
	require.NoError(t, err)
	c, err := s.Create(ctx, swap, 5*time.Second)
	require.NoError(t, err)
	d, err := s.Create(ctx, swap, 0)
	require.NoError(t, err)
	_, err = s.Confirm(ctx, d.RequestID, d.ConfirmToken)
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	pending := s.ListPending(ctx)
	require.Len(t, pending, 2)
	assert.Equal(t, a.RequestID, pending[0].RequestID)
	assert.Equal(t, b.RequestID, pending[1].RequestID)
	assert.Equal(t, KindExchangeOrder, pending[1].Kind)
	for _, sum := range pending {
		assert.NotEqual(t, c.RequestID, sum.RequestID)
	}

	assert.Equal(t, a.ConfirmToken, pending[0].ConfirmToken)
	_, err = s.Confirm(ctx, b.RequestID, pending[1].ConfirmToken)
	require.NoError(t, err, "the listed token approves the proposal")
}

func TestSessionIsolation(t *testing.T) {
	ctx := context.Background()
	db := newMemPersister()
	clk := newTestClock()

	s1, err := NewStore(WithPersister(db), WithClock(clk.Now))
	require.NoError(t, err)
	p, err := s1.Create(ctx, swap, 0)
	require.NoError(t, err)

	// same session, fresh memory: rows are visible and confirmable
	again, err := NewStore(WithPersister(db), WithClock(clk.Now), WithSessionID(s1.SessionID()))
	require.NoError(t, err)
	require.Len(t, again.ListPending(ctx), 1)
	got, err := again.Get(ctx, p.RequestID)
	require.NoError(t, err)
	assert.Equal(t, swap, got.Payload)

	// restart: new session never sees the old proposal
	s2, err := NewStore(WithPersister(db), WithClock(clk.Now))
	require.NoError(t, err)
	require.NotEqual(t, s1.SessionID(), s2.SessionID())
	_, err = s2.Confirm(ctx, p.RequestID, p.ConfirmToken)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s2.Get(ctx, p.RequestID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, s2.ListPending(ctx))
	assert.False(t, s2.Cancel(ctx, p.RequestID))

	_, err = again.Confirm(ctx, p.RequestID, p.ConfirmToken)
	require.NoError(t, err)
	assert.True(t, again.MarkExecuted(ctx, p.RequestID, "ok"))
	assert.NotNil(t, db.rows[p.RequestID].ExecutedAt)
}

func TestPersistenceFailureDegrades(t *testing.T) {
	ctx := context.Background()
	db := newMemPersister()
	db.saveErr = errors.New("disk full")
	s, _ := newTestStore(t, WithPersister(db))

	p, err := s.Create(ctx, swap, 0)
	require.NoError(t, err)
	_, err = s.Confirm(ctx, p.RequestID, p.ConfirmToken)
	require.NoError(t, err)
	assert.True(t, s.MarkExecuted(ctx, p.RequestID, nil))
	assert.Empty(t, db.rows)
}

func TestNotification(t *testing.T) {
	ctx := context.Background()
	n := &chanNotifier{events: make(chan Event, 1), err: errors.New("webhook down")}
	s, _ := newTestStore(t, WithNotifier(n))

	p, err := s.Create(ctx, swap, 0)
	require.NoError(t, err, "notifier failures never fail creation")

	select {
	case ev := <-n.events:
		assert.Equal(t, EventApprovalRequired, ev.Type)
		assert.Equal(t, p.RequestID, ev.RequestID)
		assert.Equal(t, "usdc", ev.Symbol)
		assert.Equal(t, 250.0, ev.Amount)
		assert.Equal(t, p.ConfirmToken, ev.ConfirmToken)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	p, err := s.Create(ctx, swap, 0)
	require.NoError(t, err)
	assert.Equal(t, p.RequestID, p.IdempotencyKey())

	keyed := swap
	keyed.IdempotencyKey = "agent-42"
	q, err := s.Create(ctx, keyed, 0)
	require.NoError(t, err)
	assert.Equal(t, "agent-42", q.IdempotencyKey())
	assert.NotEqual(t, p.PayloadHash, q.PayloadHash)
}

func TestDecodePayload(t *testing.T) {
	order := ExchangeOrderPayload{ExchangeID: "kraken", Symbol: "ETH/USD", Side: "sell", OrderType: "limit", Amount: 2, Price: 3100}
	raw, err := json.Marshal(order)
	require.NoError(t, err)

	got, err := DecodePayload(KindExchangeOrder, raw)
	require.NoError(t, err)
	assert.Equal(t, order, got)

	_, err = DecodePayload("teleport", raw)
	require.Error(t, err)
	_, err = DecodePayload(KindSwap, []byte("{"))
	require.Error(t, err)
}

func TestPayloadHashIsCanonical(t *testing.T) {
	h1, err := PayloadHash(NativeTransferPayload{Chain: "base", To: "0xabc", Amount: 1.5})
	require.NoError(t, err)
	h2, err := PayloadHash(NativeTransferPayload{Amount: 1.5, To: "0xabc", Chain: "base"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Regexp(t, `^[0-9a-f]{16}$`, h1)
}
