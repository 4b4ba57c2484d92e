// Package guardian evaluates portfolio-level risk guardrails for a single
// proposed trade.
//
// Rules run in a fixed order and the first match wins:
//
//  1. kill switch: buys halted once drawdown reaches MaxDrawdownPct
//  2. daily loss: buys halted once the day's loss reaches MaxDailyLossPct
//  3. falling knife: buys refused while sentiment is strongly negative
//  4. position size: any trade larger than MaxPositionPct of the portfolio
//
// Sells skip rules 1-3 so exposure can always be reduced. A denied trade is a
// normal Decision, never an error.
package guardian

import (
	"fmt"
	"strings"
)

// FallingKnifeSentiment is the sentiment score at or below which new buys are refused.
const FallingKnifeSentiment = -0.5

// Rule identifies which guardrail produced a decision.
type Rule string

const (
	RuleNone         Rule = ""
	RuleInvalidInput Rule = "invalid_input"
	RuleKillSwitch   Rule = "kill_switch"
	RuleDailyLoss    Rule = "daily_loss"
	RuleFallingKnife Rule = "falling_knife"
	RulePositionSize Rule = "position_size"
)

// TradeRequest carries the risk inputs for one trade. DailyLossPct is the
// signed daily P&L fraction (negative when losing); CurrentDrawdownPct is the
// positive fraction below the running peak.
type TradeRequest struct {
	Side               string  `json:"side"`
	Symbol             string  `json:"symbol"`
	AmountUSD          float64 `json:"amount_usd"`
	PortfolioValue     float64 `json:"portfolio_value"`
	SentimentScore     float64 `json:"sentiment_score"`
	DailyLossPct       float64 `json:"daily_loss_pct"`
	CurrentDrawdownPct float64 `json:"current_drawdown_pct"`
}

// Decision is the outcome of ValidateTrade.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Rule    Rule   `json:"rule,omitempty"`
}

func deny(rule Rule, format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...), Rule: rule}
}

// Guardian applies one set of Limits.
type Guardian struct {
	profile string
	limits  Limits
}

// New creates a guardian for explicit limits.
func New(limits Limits) *Guardian {
	return &Guardian{profile: "custom", limits: limits}
}

// NewForProfile creates a guardian from a named profile in profiles. An empty
// name selects DefaultProfile.
func NewForProfile(profiles Profiles, name string) (*Guardian, error) {
	if name == "" {
		name = DefaultProfile
	}
	limits, err := profiles.Lookup(name)
	if err != nil {
		return nil, err
	}
	return &Guardian{profile: strings.ToLower(name), limits: limits}, nil
}

// Profile returns the name of the active profile.
func (g *Guardian) Profile() string { return g.profile }

// Limits returns the active thresholds.
func (g *Guardian) Limits() Limits { return g.limits }

// ValidateTrade evaluates the guardrails for req.
func (g *Guardian) ValidateTrade(req TradeRequest) Decision {
	side := strings.ToLower(strings.TrimSpace(req.Side))
	if side != "buy" && side != "sell" {
		return deny(RuleInvalidInput, "Unknown trade side %q.", req.Side)
	}
	isBuy := side == "buy"
	l := g.limits

	if isBuy && req.CurrentDrawdownPct >= l.MaxDrawdownPct {
		return deny(RuleKillSwitch,
			"Max Drawdown Limit Hit: drawdown %.2f%% >= %.2f%%. Trading halted for new buys.",
			req.CurrentDrawdownPct*100, l.MaxDrawdownPct*100)
	}

	if isBuy && req.DailyLossPct <= -l.MaxDailyLossPct {
		return deny(RuleDailyLoss,
			"Daily Loss Limit Hit: today's P&L %.2f%% <= -%.2f%%. No new buys until tomorrow.",
			req.DailyLossPct*100, l.MaxDailyLossPct*100)
	}

	if isBuy && req.SentimentScore <= FallingKnifeSentiment {
		return deny(RuleFallingKnife,
			"Falling Knife protection: sentiment %.2f is at or below %.2f. Refusing to buy %s into the drop.",
			req.SentimentScore, FallingKnifeSentiment, req.Symbol)
	}

	if req.PortfolioValue <= 0 {
		return deny(RulePositionSize, "Position size too large: portfolio value unavailable (%.2f).", req.PortfolioValue)
	}
	if pct := req.AmountUSD / req.PortfolioValue; pct > l.MaxPositionPct {
		return deny(RulePositionSize,
			"Position size too large: %.2f%% of portfolio exceeds the %.2f%% limit.",
			pct*100, l.MaxPositionPct*100)
	}

	return Decision{Allowed: true, Reason: "Trade looks safe."}
}
