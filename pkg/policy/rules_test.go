package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `
rules:
  - name: no-meme-swaps
    kind: swap
    expr: 'input.to_token != "pepe"'
  - name: small-transfers
    kind: native_transfer
    expr: 'input.amount <= 2.0'
  - name: spot-only
    kind: exchange_order
    expr: 'input.market_type == "spot"'
`

func TestLoadRulesAndEvaluate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rulesYAML), 0o600))

	rs, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, 3, rs.Len())

	e := NewEngine(WithEnviron(func() map[string]string { return nil }), WithRules(rs))

	require.NoError(t, e.ValidateSwap("ethereum", "USDC", "WETH", 10, nil))
	v := requireCode(t, e.ValidateSwap("ethereum", "USDC", "PEPE", 10, nil), CodeCustomRuleViolation)
	assert.Equal(t, "no-meme-swaps", v.Data["rule"])

	require.NoError(t, e.ValidateTransferNative("ethereum", addr, 1.5, nil))
	requireCode(t, e.ValidateTransferNative("ethereum", addr, 3, nil), CodeCustomRuleViolation)

	order := CexOrderRequest{ExchangeID: "binance", Symbol: "BTC/USDT", MarketType: "spot", Side: "buy", Amount: 1, OrderType: "market"}
	require.NoError(t, e.ValidateCexOrder(order, nil))
	order.MarketType = "swap"
	requireCode(t, e.ValidateCexOrder(order, nil), CodeCustomRuleViolation)
}

func TestBuiltinChecksRunBeforeRules(t *testing.T) {
	rs, err := NewRuleSet([]Rule{{Name: "deny-all", Kind: KindSwap, Expression: "false"}})
	require.NoError(t, err)

	e := NewEngine(WithEnviron(func() map[string]string {
		return map[string]string{"ALLOW_CHAINS": "ethereum"}
	}), WithRules(rs))

	requireCode(t, e.ValidateSwap("polygon", "USDC", "WETH", 1, nil), CodeChainNotAllowed)
	requireCode(t, e.ValidateSwap("ethereum", "USDC", "WETH", 1, nil), CodeCustomRuleViolation)
}

func TestNewRuleSetRejectsBadRules(t *testing.T) {
	_, err := NewRuleSet([]Rule{{Name: "broken", Kind: KindSwap, Expression: "input.amount <"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	_, err = NewRuleSet([]Rule{{Name: "unknown", Kind: "withdraw", Expression: "true"}})
	require.Error(t, err)
}

func TestRuleEvaluationErrorFailsClosed(t *testing.T) {
	rs, err := NewRuleSet([]Rule{{Name: "missing-field", Kind: KindSwap, Expression: "input.nope == 1"}})
	require.NoError(t, err)

	e := NewEngine(WithEnviron(func() map[string]string { return nil }), WithRules(rs))
	requireCode(t, e.ValidateSwap("ethereum", "USDC", "WETH", 1, nil), CodeCustomRuleViolation)
}
