package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tradegate/pkg/audit"
	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
	"github.com/Mindburn-Labs/tradegate/pkg/policy"
	"github.com/Mindburn-Labs/tradegate/pkg/proposal"
)

// DefaultInsightTTL applies to insights published without an expiry.
const DefaultInsightTTL = time.Hour

const maxInsights = 1000

var ErrInvalidInsight = errors.New("invalid insight")

// insightBook holds published analysis insights, newest last.
type insightBook struct {
	mu    sync.Mutex
	items []policy.Insight
}

// PublishInsight records an analysis insight that later trades may cite by
// id. The id is generated when empty and the expiry defaults to
// DefaultInsightTTL from now.
func (g *Gateway) PublishInsight(_ context.Context, actor string, in policy.Insight) (policy.Insight, error) {
	base, quote, err := ledger.ParseSymbol(in.Symbol)
	if err != nil {
		return policy.Insight{}, fmt.Errorf("%w: %v", ErrInvalidInsight, err)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return policy.Insight{}, fmt.Errorf("%w: confidence %g outside [0, 1]", ErrInvalidInsight, in.Confidence)
	}
	in.Symbol = base + "/" + quote
	in.Signal = strings.ToLower(strings.TrimSpace(in.Signal))
	if in.ID == "" {
		in.ID = "ins_" + uuid.NewString()
	}
	if in.AgentID == "" {
		in.AgentID = actor
	}
	if in.ExpiresAt.IsZero() {
		in.ExpiresAt = time.Now().Add(DefaultInsightTTL).UTC()
	}

	g.insights.mu.Lock()
	for _, have := range g.insights.items {
		if have.ID == in.ID {
			g.insights.mu.Unlock()
			return policy.Insight{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidInsight, in.ID)
		}
	}
	g.insights.items = append(g.insights.items, in)
	if n := len(g.insights.items); n > maxInsights {
		g.insights.items = append([]policy.Insight(nil), g.insights.items[n-maxInsights:]...)
	}
	g.insights.mu.Unlock()

	g.record(actor, audit.ActionInsightPublished, in.ID, map[string]any{
		"symbol": in.Symbol, "signal": in.Signal, "confidence": in.Confidence,
	})
	return in, nil
}

// Insights returns up to limit insights, newest first, optionally filtered
// by symbol. limit <= 0 means 10.
func (g *Gateway) Insights(symbol string, limit int) []policy.Insight {
	if limit <= 0 {
		limit = 10
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	g.insights.mu.Lock()
	defer g.insights.mu.Unlock()
	out := make([]policy.Insight, 0, min(limit, len(g.insights.items)))
	for i := len(g.insights.items) - 1; i >= 0 && len(out) < limit; i-- {
		in := g.insights.items[i]
		if symbol != "" && in.Symbol != symbol {
			continue
		}
		out = append(out, in)
	}
	return out
}

func (g *Gateway) insightSnapshot() []policy.Insight {
	g.insights.mu.Lock()
	defer g.insights.mu.Unlock()
	return append([]policy.Insight(nil), g.insights.items...)
}

// checkInsight enforces that a cited insight exists, covers market and is
// still live. Trades that cite nothing pass.
func (g *Gateway) checkInsight(actor string, kind proposal.Kind, market, insightID string) error {
	if insightID == "" {
		return nil
	}
	confidence, err := g.policy.ValidateInsightBacking(market, insightID, g.insightSnapshot())
	if err != nil {
		return g.policyDenied(actor, kind, err)
	}
	g.logger.Info("trade backed by insight", "insight_id", insightID, "market", market, "confidence", confidence)
	return nil
}
