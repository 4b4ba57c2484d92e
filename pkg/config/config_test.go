package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Mindburn-Labs/tradegate/pkg/config"
)

// Defaults must boot in dev mode without any other variable.
func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{"DEV_MODE": "true"})
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, config.ModeApproveEach, cfg.ApprovalMode)
	assert.Equal(t, 120*time.Second, cfg.ProposalTTL)
	assert.Equal(t, 10000.0, cfg.PaperSeedUSDT)
	assert.Equal(t, "agent", cfg.AgentAccount)
	assert.Equal(t, config.BackendSQLite, cfg.StoreBackend)
	assert.Equal(t, "moderate", cfg.RiskProfile)
	assert.False(t, cfg.AuthEnabled())
	assert.False(t, cfg.OTelEnabled)
	assert.Equal(t, "admin", cfg.AdminUsername)
	assert.Empty(t, cfg.AdminPasswordHash)
	assert.Equal(t, 12*time.Hour, cfg.TokenTTL)
}

func TestLoadFrom_AdminLogin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg, err := config.LoadFrom(map[string]string{
		"API_JWT_SECRET":          "s3cret",
		"API_ADMIN_USERNAME":      "desk",
		"API_ADMIN_PASSWORD_HASH": string(hash),
		"API_TOKEN_TTL":           "90m",
	})
	require.NoError(t, err)
	assert.Equal(t, "desk", cfg.AdminUsername)
	assert.Equal(t, 90*time.Minute, cfg.TokenTTL)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(cfg.AdminPasswordHash), []byte("hunter2")))
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"PORT":                    "127.0.0.1:9090",
		"EXECUTION_APPROVAL_MODE": "AUTO",
		"PROPOSAL_TTL":            "45s",
		"TRADING_HALTED":          "true",
		"STORE_BACKEND":           "postgres",
		"DATABASE_URL":            "postgres://db:5432/tradegate",
		"KAFKA_BROKERS":           "k1:9092,k2:9092",
		"API_JWT_SECRET":          "s3cret",
		"OTEL_ENABLED":            "true",
		"OTEL_SAMPLE_RATE":        "0.25",
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Addr())
	assert.Equal(t, config.ModeAuto, cfg.ApprovalMode)
	assert.Equal(t, 45*time.Second, cfg.ProposalTTL)
	assert.True(t, cfg.TradingHalted)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.AuthEnabled())

	oc := cfg.Observability("1.2.3")
	assert.True(t, oc.Enabled)
	assert.Equal(t, "1.2.3", oc.ServiceVersion)
	assert.InDelta(t, 0.25, oc.SampleRate, 1e-9)
}

func TestLoadFrom_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"bad mode":        {"DEV_MODE": "true", "EXECUTION_APPROVAL_MODE": "yolo"},
		"bad backend":     {"DEV_MODE": "true", "STORE_BACKEND": "mongo"},
		"postgres no url": {"DEV_MODE": "true", "STORE_BACKEND": "postgres"},
		"auth no secret":  {},
		"zero ttl":        {"DEV_MODE": "true", "PROPOSAL_TTL": "0s"},
		"unparseable ttl": {"DEV_MODE": "true", "PROPOSAL_TTL": "soon"},
		"empty account":   {"DEV_MODE": "true", "AGENT_ACCOUNT": " "},
		"zero rate limit": {"DEV_MODE": "true", "RATE_LIMIT_RPS": "0"},
		"negative seed":   {"DEV_MODE": "true", "PAPER_SEED_USDT": "-1"},
		"plain password":  {"DEV_MODE": "true", "API_ADMIN_PASSWORD_HASH": "hunter2"},
		"zero token ttl":  {"DEV_MODE": "true", "API_TOKEN_TTL": "0s"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.LoadFrom(vars)
			assert.Error(t, err)
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TRADEGATE_TEST_DOTENV=1\nAGENT_ACCOUNT=desk-7\n"), 0o600))

	t.Setenv("DEV_MODE", "true")
	t.Setenv("AGENT_ACCOUNT", "")
	require.NoError(t, os.Unsetenv("AGENT_ACCOUNT"))
	t.Cleanup(func() { _ = os.Unsetenv("TRADEGATE_TEST_DOTENV") })

	cfg, err := config.Load(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "desk-7", cfg.AgentAccount)
	assert.Equal(t, "1", os.Getenv("TRADEGATE_TEST_DOTENV"))
}
