// Package config loads the gateway's process configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/Mindburn-Labs/tradegate/pkg/observability"
)

// Approval modes.
const (
	ModeAuto        = "auto"
	ModeApproveEach = "approve_each"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds server configuration. Policy limits (ALLOW_*, MAX_*) are not
// part of it: the policy engine re-reads those on every call.
type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	DevMode   bool   `env:"DEV_MODE"`

	ApprovalMode  string        `env:"EXECUTION_APPROVAL_MODE" envDefault:"approve_each"`
	ProposalTTL   time.Duration `env:"PROPOSAL_TTL" envDefault:"120s"`
	TradingHalted bool          `env:"TRADING_HALTED"`
	AgentAccount  string        `env:"AGENT_ACCOUNT" envDefault:"agent"`
	PaperSeedUSDT float64       `env:"PAPER_SEED_USDT" envDefault:"10000"`

	RiskProfile      string `env:"RISK_PROFILE" envDefault:"moderate"`
	RiskProfilesFile string `env:"RISK_PROFILES_FILE"`
	PolicyRulesFile  string `env:"POLICY_RULES_FILE"`

	StoreBackend    string `env:"STORE_BACKEND" envDefault:"sqlite"`
	ExecutionDBPath string `env:"EXECUTION_DB_PATH" envDefault:"data/execution_proposals.db"`
	PaperDBPath     string `env:"PAPER_DB_PATH" envDefault:"data/paper_trades.db"`
	DatabaseURL     string `env:"DATABASE_URL"`

	RedisURL           string `env:"REDIS_URL"`
	NotifyWebhookURL   string `env:"NOTIFY_WEBHOOK_URL"`
	NotifyRedisChannel string `env:"NOTIFY_REDIS_CHANNEL" envDefault:"tradegate:approvals"`

	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTicksTopic string   `env:"KAFKA_TICKS_TOPIC" envDefault:"market.ticks"`
	KafkaGroupID    string   `env:"KAFKA_GROUP_ID" envDefault:"tradegate"`

	JWTSecret      string  `env:"API_JWT_SECRET"`
	AuthRequired   bool    `env:"API_AUTH_REQUIRED" envDefault:"true"`
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"20"`

	// AdminPasswordHash is a bcrypt hash; empty disables /api/auth/login.
	AdminUsername     string        `env:"API_ADMIN_USERNAME" envDefault:"admin"`
	AdminPasswordHash string        `env:"API_ADMIN_PASSWORD_HASH"`
	TokenTTL          time.Duration `env:"API_TOKEN_TTL" envDefault:"12h"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	OTelEnabled  bool    `env:"OTEL_ENABLED"`
	OTelEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTelInsecure bool    `env:"OTEL_INSECURE" envDefault:"true"`
	OTelSampling float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1"`
	Environment  string  `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads an optional .env file (existing variables win) and parses the
// process environment.
func Load(dotenvPaths ...string) (*Config, error) {
	for _, p := range dotenvPaths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", p, err)
		}
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom parses an explicit variable set instead of the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	if vars == nil {
		vars = map[string]string{}
	}
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate normalizes enumerations and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.ApprovalMode = strings.ToLower(strings.TrimSpace(c.ApprovalMode))
	switch c.ApprovalMode {
	case ModeAuto, ModeApproveEach:
	default:
		return fmt.Errorf("EXECUTION_APPROVAL_MODE must be %q or %q, got %q", ModeAuto, ModeApproveEach, c.ApprovalMode)
	}

	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	switch c.StoreBackend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("STORE_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.ProposalTTL <= 0 {
		return fmt.Errorf("PROPOSAL_TTL must be positive, got %s", c.ProposalTTL)
	}
	if strings.TrimSpace(c.AgentAccount) == "" {
		return errors.New("AGENT_ACCOUNT must not be empty")
	}
	if c.PaperSeedUSDT < 0 {
		return fmt.Errorf("PAPER_SEED_USDT must not be negative, got %v", c.PaperSeedUSDT)
	}
	if c.AuthRequired && c.JWTSecret == "" && !c.DevMode {
		return errors.New("API_AUTH_REQUIRED is set but API_JWT_SECRET is empty (set DEV_MODE=true to run without auth)")
	}
	if c.AdminPasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(c.AdminPasswordHash)); err != nil {
			return fmt.Errorf("API_ADMIN_PASSWORD_HASH is not a bcrypt hash: %w", err)
		}
		if strings.TrimSpace(c.AdminUsername) == "" {
			return errors.New("API_ADMIN_USERNAME must not be empty when API_ADMIN_PASSWORD_HASH is set")
		}
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("API_TOKEN_TTL must be positive, got %s", c.TokenTTL)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

// AuthEnabled reports whether the API must verify bearer tokens.
func (c *Config) AuthEnabled() bool {
	return c.AuthRequired && c.JWTSecret != ""
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}

// Observability maps the telemetry settings onto the provider config.
func (c *Config) Observability(version string) observability.Config {
	return observability.Config{
		ServiceName:    "tradegate",
		ServiceVersion: version,
		Environment:    c.Environment,
		OTLPEndpoint:   c.OTelEndpoint,
		SampleRate:     c.OTelSampling,
		Enabled:        c.OTelEnabled,
		Insecure:       c.OTelInsecure,
	}
}
