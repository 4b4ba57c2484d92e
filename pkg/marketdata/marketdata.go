// Package marketdata carries price ticks into the gateway: a short-lived
// quote cache and a Kafka consumer that decodes JSON ticks.
package marketdata

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Tick is one observed price for a BASE/QUOTE symbol.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"ts"`
}

// Validate normalizes the symbol and rejects unusable ticks.
func (t *Tick) Validate() error {
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	if !strings.Contains(t.Symbol, "/") {
		return fmt.Errorf("tick symbol %q is not BASE/QUOTE", t.Symbol)
	}
	if t.Price <= 0 {
		return fmt.Errorf("tick price for %s must be positive, got %g", t.Symbol, t.Price)
	}
	return nil
}

// QuoteCache remembers the latest tick per symbol for a bounded time.
type QuoteCache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

func NewQuoteCache(maxCost int64, ttl time.Duration) (*QuoteCache, error) {
	if maxCost <= 0 {
		maxCost = 1 << 16
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create quote cache: %w", err)
	}
	return &QuoteCache{c: c, ttl: ttl}, nil
}

// Put stores t. The write is applied before Put returns, so a following
// Last observes it.
func (q *QuoteCache) Put(t Tick) {
	q.c.SetWithTTL(t.Symbol, t, 1, q.ttl)
	q.c.Wait()
}

// Wait blocks until buffered writes are applied.
func (q *QuoteCache) Wait() { q.c.Wait() }

// Last returns the latest unexpired tick for symbol.
func (q *QuoteCache) Last(symbol string) (Tick, bool) {
	v, ok := q.c.Get(strings.ToUpper(strings.TrimSpace(symbol)))
	if !ok {
		return Tick{}, false
	}
	t, ok := v.(Tick)
	return t, ok
}

func (q *QuoteCache) Close() { q.c.Close() }
