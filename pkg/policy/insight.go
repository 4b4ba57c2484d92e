package policy

import (
	"strings"
	"time"
)

// Insight is a signal published by an analysis agent that a trade may cite
// as its justification.
type Insight struct {
	ID         string    `json:"insight_id"`
	Symbol     string    `json:"symbol"`
	AgentID    string    `json:"agent_id"`
	Signal     string    `json:"signal"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ValidateInsightBacking checks that a trade on symbol cites a live insight
// for the same symbol and returns that insight's confidence.
func (e *Engine) ValidateInsightBacking(symbol, insightID string, insights []Insight) (float64, error) {
	for _, in := range insights {
		if in.ID != insightID {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(in.Symbol), strings.TrimSpace(symbol)) {
			return 0, violation(CodeInsightSymbolMismatch,
				map[string]any{"insight_id": insightID, "insight_symbol": in.Symbol, "symbol": symbol},
				"insight %s covers %s, not %s", insightID, in.Symbol, symbol)
		}
		if !in.ExpiresAt.IsZero() && !e.clock().Before(in.ExpiresAt) {
			return 0, violation(CodeInsightExpired,
				map[string]any{"insight_id": insightID, "expires_at": in.ExpiresAt},
				"insight %s expired at %s", insightID, in.ExpiresAt.UTC().Format(time.RFC3339))
		}
		return in.Confidence, nil
	}
	return 0, violation(CodeInsightNotFound,
		map[string]any{"insight_id": insightID, "symbol": symbol},
		"insight %s not found", insightID)
}
