//go:build property
// +build property

package guardian

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestSellsOnlyHitPositionSizing verifies that sentiment, daily loss and
// drawdown never block a sell.
func TestSellsOnlyHitPositionSizing(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	g := New(DefaultProfiles()["moderate"])

	properties.Property("sell decisions depend only on position size", prop.ForAll(
		func(sentiment, dailyLoss, drawdown, amount float64) bool {
			d := g.ValidateTrade(TradeRequest{
				Side:               "sell",
				AmountUSD:          amount,
				PortfolioValue:     10000,
				SentimentScore:     sentiment,
				DailyLossPct:       dailyLoss,
				CurrentDrawdownPct: drawdown,
			})
			return d.Allowed == (amount/10000 <= 0.05)
		},
		gen.Float64Range(-1, 1),
		gen.Float64Range(-1, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 2000),
	))

	properties.TestingRun(t)
}

// TestValidateTradeIsDeterministic verifies identical inputs give identical decisions.
func TestValidateTradeIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	g := New(DefaultProfiles()["aggressive"])

	properties.Property("same request, same decision", prop.ForAll(
		func(buy bool, sentiment, dailyLoss, drawdown, amount float64) bool {
			side := "sell"
			if buy {
				side = "buy"
			}
			req := TradeRequest{
				Side:               side,
				AmountUSD:          amount,
				PortfolioValue:     5000,
				SentimentScore:     sentiment,
				DailyLossPct:       dailyLoss,
				CurrentDrawdownPct: drawdown,
			}
			return g.ValidateTrade(req) == g.ValidateTrade(req)
		},
		gen.Bool(),
		gen.Float64Range(-1, 1),
		gen.Float64Range(-1, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 2000),
	))

	properties.TestingRun(t)
}
