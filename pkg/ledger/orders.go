package ledger

import (
	"context"
	"fmt"
	"strings"
)

// PlaceLimitOrder checks funds exactly like ExecuteTrade and locks them
// immediately: quote notional for buys, base amount for sells.
func (e *Engine) PlaceLimitOrder(account, side, symbol string, amount, limitPrice float64) (TradeResult, error) {
	t, err := parseTrade(side, symbol, amount, limitPrice)
	if err != nil {
		return TradeResult{}, err
	}

	e.mu.Lock()
	if msg := e.insufficient(account, t); msg != "" {
		e.mu.Unlock()
		return TradeResult{OK: false, Message: msg}, nil
	}
	asset, lock := t.required()
	e.credit(account, asset, lock.Neg())

	now := e.clock()
	order := &Order{
		OrderID:    e.ids.next("ord_", now),
		Account:    account,
		Side:       t.side,
		Symbol:     t.symbol(),
		Amount:     t.amount.InexactFloat64(),
		LimitPrice: t.price.InexactFloat64(),
		CreatedAt:  now,
	}
	e.orders = append(e.orders, order)
	e.persist(context.Background(), account)
	e.mu.Unlock()

	e.logger.Info("paper limit order placed", "account", account, "order_id", order.OrderID,
		"side", order.Side, "symbol", order.Symbol, "amount", order.Amount, "limit_price", order.LimitPrice)

	placed := *order
	return TradeResult{
		OK: true,
		Message: fmt.Sprintf("Order Placed: %s %s %s @ %s (id %s, locked %s %s)",
			strings.ToUpper(string(t.side)), t.amount, t.symbol(), t.price, order.OrderID, lock, asset),
		Order: &placed,
	}, nil
}

// crosses reports whether currentPrice fills o: buys at or below the limit,
// sells at or above it.
func crosses(o *Order, currentPrice float64) bool {
	if o.Side == SideBuy {
		return currentPrice <= o.LimitPrice
	}
	return currentPrice >= o.LimitPrice
}

// CheckOpenOrders fills every open order on symbol that currentPrice crosses.
// Fills settle at the order's limit price, in placement order, and each order
// is removed as it fills so it can never fill twice.
func (e *Engine) CheckOpenOrders(ctx context.Context, symbol string, currentPrice float64) ([]Fill, error) {
	base, quote, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if currentPrice <= 0 {
		return nil, fmt.Errorf("%w: %g", ErrInvalidPrice, currentPrice)
	}
	symbol = base + "/" + quote

	var fills []Fill
	e.mu.Lock()
	var crossed []*Order
	remaining := make([]*Order, 0, len(e.orders))
	for _, o := range e.orders {
		if o.Symbol == symbol && crosses(o, currentPrice) {
			crossed = append(crossed, o)
			continue
		}
		remaining = append(remaining, o)
	}
	e.orders = remaining

	for _, o := range crossed {
		t, err := parseTrade(string(o.Side), o.Symbol, o.Amount, o.LimitPrice)
		if err == nil {
			var trade Trade
			trade, err = e.settle(o.Account, t, "limit order fill", SourceLimitFill, o.OrderID)
			if err == nil {
				fills = append(fills, Fill{
					Order: *o,
					Trade: trade,
					Message: fmt.Sprintf("FILLED: %s %s %s @ %s (order %s, market %g)",
						strings.ToUpper(string(o.Side)), t.amount, o.Symbol, t.price, o.OrderID, currentPrice),
				})
				continue
			}
		}
		e.logger.ErrorContext(ctx, "limit fill could not be settled", "order_id", o.OrderID, "error", err)
		e.orders = append(e.orders, o)
	}
	touched := make([]string, 0, len(crossed))
	for _, o := range crossed {
		touched = append(touched, o.Account)
	}
	e.persist(ctx, touched...)
	e.mu.Unlock()

	for _, f := range fills {
		e.record(ctx, f.Trade)
		e.logger.InfoContext(ctx, "paper limit order filled", "order_id", f.Order.OrderID, "account", f.Order.Account)
	}
	return fills, nil
}

// CancelOrder removes an open order and releases its locked funds.
func (e *Engine) CancelOrder(ctx context.Context, account, orderID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, o := range e.orders {
		if o.OrderID != orderID || o.Account != account {
			continue
		}
		t, err := parseTrade(string(o.Side), o.Symbol, o.Amount, o.LimitPrice)
		if err != nil {
			return "", err
		}
		asset, locked := t.required()
		e.credit(account, asset, locked)
		e.orders = append(e.orders[:i], e.orders[i+1:]...)
		e.persist(ctx, account)
		return fmt.Sprintf("Order %s cancelled, released %s %s", orderID, locked, asset), nil
	}
	return "", fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
}

// OpenOrders returns the open orders of account in placement order. An empty
// account returns all open orders.
func (e *Engine) OpenOrders(account string) []Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Order
	for _, o := range e.orders {
		if account == "" || o.Account == account {
			out = append(out, *o)
		}
	}
	return out
}
