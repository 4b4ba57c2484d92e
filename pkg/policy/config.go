package policy

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v10"
)

// Config is the ambient policy configuration. It is parsed fresh on every
// validation so operators can change limits without a restart.
//
// Numeric caps that are zero or negative are treated as "not configured".
type Config struct {
	AllowChains          []string `env:"ALLOW_CHAINS" envSeparator:","`
	AllowTokens          []string `env:"ALLOW_TOKENS" envSeparator:","`
	AllowExchanges       []string `env:"ALLOW_EXCHANGES" envSeparator:","`
	AllowToAddresses     []string `env:"ALLOW_TO_ADDRESSES" envSeparator:","`
	AllowSignerAddresses []string `env:"ALLOW_SIGNER_ADDRESSES" envSeparator:","`
	AllowRouters         []string `env:"ALLOW_ROUTERS" envSeparator:","`
	AllowSignChainIDs    []string `env:"ALLOW_SIGN_CHAIN_IDS" envSeparator:","`

	MaxTradeAmount    float64 `env:"MAX_TRADE_AMOUNT"`
	MaxTransferNative float64 `env:"MAX_TRANSFER_NATIVE"`
	MaxSignValueWei   string  `env:"MAX_SIGN_VALUE_WEI"`
	MaxSignGas        uint64  `env:"MAX_SIGN_GAS"`
	MaxSignDataBytes  int     `env:"MAX_SIGN_DATA_BYTES"`

	DisallowSignContractCreation bool `env:"DISALLOW_SIGN_CONTRACT_CREATION"`

	// vars is the merged variable set the struct was parsed from; token
	// specific caps (MAX_TRADE_AMOUNT_<TOKEN>) are looked up here.
	vars map[string]string
}

// Overrides replaces ambient variables for a single call. Keys use the same
// names as the environment (e.g. "MAX_TRADE_AMOUNT").
type Overrides map[string]string

// EnvironFunc returns the variable set to parse configuration from.
type EnvironFunc func() map[string]string

// OSEnviron snapshots the process environment.
func OSEnviron() map[string]string {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			vars[k] = v
		}
	}
	return vars
}

func loadConfig(environ EnvironFunc, ov Overrides) (*Config, error) {
	vars := make(map[string]string)
	for k, v := range environ() {
		vars[k] = v
	}
	for k, v := range ov {
		vars[k] = v
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: vars}); err != nil {
		return nil, violation(CodeInvalidConfig, map[string]any{"error": err.Error()},
			"policy configuration could not be parsed")
	}
	cfg.vars = vars
	return cfg, nil
}

// TokenTradeCap returns the token specific trade cap, if one is configured.
func (c *Config) TokenTradeCap(token string) (float64, bool) {
	key := "MAX_TRADE_AMOUNT_" + strings.ToUpper(strings.TrimSpace(token))
	raw, ok := c.vars[key]
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, false
	}
	limit, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || limit <= 0 {
		return 0, false
	}
	return limit, true
}

func (c *Config) maxSignValue() (*big.Int, error) {
	raw := strings.TrimSpace(c.MaxSignValueWei)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("MAX_SIGN_VALUE_WEI %q is not an integer", raw)
	}
	return v, nil
}
