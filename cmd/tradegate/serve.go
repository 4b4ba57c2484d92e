package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/tradegate/pkg/api"
	"github.com/Mindburn-Labs/tradegate/pkg/audit"
	"github.com/Mindburn-Labs/tradegate/pkg/config"
	"github.com/Mindburn-Labs/tradegate/pkg/gateway"
	"github.com/Mindburn-Labs/tradegate/pkg/guardian"
	"github.com/Mindburn-Labs/tradegate/pkg/idempotency"
	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
	"github.com/Mindburn-Labs/tradegate/pkg/marketdata"
	"github.com/Mindburn-Labs/tradegate/pkg/notify"
	"github.com/Mindburn-Labs/tradegate/pkg/observability"
	"github.com/Mindburn-Labs/tradegate/pkg/policy"
	"github.com/Mindburn-Labs/tradegate/pkg/proposal"
	"github.com/Mindburn-Labs/tradegate/pkg/store"
)

// app is the wired process: gateway, HTTP handler and background workers.
type app struct {
	gw        *gateway.Gateway
	handler   http.Handler
	consumer  *marketdata.Consumer
	telemetry *observability.Provider
	closers   []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	envFile := cmd.String("env-file", ".env", "Optional dotenv file loaded before the environment")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.close()

	if err := serve(ctx, cfg, a, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		return 1
	}
	return 0
}

// build wires every component from cfg. Persistence that fails to open
// degrades to memory; an explicitly configured Redis must be reachable.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}

	telemetry, err := observability.New(ctx, cfg.Observability(version))
	if err != nil {
		return fail(fmt.Errorf("telemetry: %w", err))
	}
	a.telemetry = telemetry
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return telemetry.Shutdown(sctx)
	})

	mode, err := gateway.ParseMode(cfg.ApprovalMode)
	if err != nil {
		return fail(err)
	}

	profiles := guardian.DefaultProfiles()
	if cfg.RiskProfilesFile != "" {
		if profiles, err = guardian.LoadProfiles(cfg.RiskProfilesFile); err != nil {
			return fail(err)
		}
	}
	guard, err := guardian.NewForProfile(profiles, cfg.RiskProfile)
	if err != nil {
		return fail(err)
	}

	var policyOpts []policy.Option
	if cfg.PolicyRulesFile != "" {
		rules, err := policy.LoadRules(cfg.PolicyRulesFile)
		if err != nil {
			return fail(err)
		}
		logger.Info("custom policy rules loaded", "rules", rules.Len(), "path", cfg.PolicyRulesFile)
		policyOpts = append(policyOpts, policy.WithRules(rules))
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("parse REDIS_URL: %w", err))
		}
		rdb = redis.NewClient(opts)
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("redis ping: %w", err))
		}
	}

	proposalOpts := []proposal.Option{proposal.WithLogger(logger.With("component", "proposal"))}
	if p := openProposalPersister(ctx, cfg, logger, a); p != nil {
		proposalOpts = append(proposalOpts, proposal.WithPersister(p))
	}
	var sinks notify.Multi
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.NotifyWebhookURL, 5*time.Second))
	}
	if rdb != nil {
		sinks = append(sinks, notify.NewRedisPublisher(rdb, cfg.NotifyRedisChannel))
	}
	if len(sinks) > 0 {
		proposalOpts = append(proposalOpts, proposal.WithNotifier(sinks))
	}
	proposals, err := proposal.NewStore(proposalOpts...)
	if err != nil {
		return fail(err)
	}

	ledgerOpts := []ledger.Option{ledger.WithLogger(logger.With("component", "ledger"))}
	journal, wallets := openPaperStores(ctx, cfg, logger, a)
	if journal != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithJournal(journal))
	}
	if wallets != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithStateStore(wallets))
	}
	l := ledger.NewEngine(ledgerOpts...)
	restored, err := l.Restore(ctx)
	if err != nil {
		return fail(err)
	}
	if restored == 0 && cfg.PaperSeedUSDT > 0 {
		logger.Info("paper wallet seeded", "result", l.Deposit(cfg.AgentAccount, "USDT", cfg.PaperSeedUSDT))
	}

	var idem idempotency.Registry = idempotency.NewMemory(idempotency.DefaultTTL)
	if rdb != nil {
		idem = idempotency.NewRedis(rdb, "tradegate:idem:", idempotency.DefaultTTL)
	}

	quotes, err := marketdata.NewQuoteCache(16<<20, 5*time.Minute)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, func() error { quotes.Close(); return nil })

	deps := gateway.Deps{
		Mode:          mode,
		Account:       cfg.AgentAccount,
		ProposalTTL:   cfg.ProposalTTL,
		TradingHalted: cfg.TradingHalted,
		Policy:        policy.NewEngine(policyOpts...),
		Guardian:      guard,
		Ledger:        l,
		Proposals:     proposals,
		Idempotency:   idem,
		Audit:         audit.NewLog(logger),
		Quotes:        quotes,
		Telemetry:     telemetry,
		Logger:        logger,
	}
	if journal != nil {
		deps.History = journal
	}
	a.gw, err = gateway.New(ctx, deps)
	if err != nil {
		return fail(err)
	}

	cache, err := api.NewMemoryResponseCache(32<<20, 24*time.Hour)
	if err != nil {
		return fail(err)
	}
	a.closers = append(a.closers, func() error { cache.Close(); return nil })

	var validator *api.JWTValidator
	if cfg.AuthEnabled() {
		validator = api.NewJWTValidator([]byte(cfg.JWTSecret))
	} else {
		logger.Warn("API authentication disabled; every caller acts as admin")
	}
	var inflight idempotency.Registry
	if rdb != nil {
		inflight = idempotency.NewRedis(rdb, "tradegate:inflight:", 5*time.Minute)
	}
	a.handler = api.NewServer(a.gw, api.Options{
		Version:           version,
		Validator:         validator,
		RateLimitRPS:      cfg.RateLimitRPS,
		RateLimitBurst:    cfg.RateLimitBurst,
		ResponseCache:     cache,
		InFlight:          inflight,
		Logger:            logger,
		AdminUser:         cfg.AdminUsername,
		AdminPasswordHash: cfg.AdminPasswordHash,
		TokenTTL:          cfg.TokenTTL,
	}).Handler()

	if len(cfg.KafkaBrokers) > 0 {
		reader := marketdata.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaTicksTopic, cfg.KafkaGroupID)
		a.consumer = marketdata.NewConsumer(reader, func(ctx context.Context, t marketdata.Tick) error {
			_, err := a.gw.OnTick(ctx, t)
			return err
		}, logger)
	}

	logger.Info("gateway ready",
		"mode", mode, "risk_profile", guard.Profile(), "store", cfg.StoreBackend,
		"redis", rdb != nil, "kafka", a.consumer != nil, "halted", cfg.TradingHalted)
	return a, nil
}

func openProposalPersister(ctx context.Context, cfg *config.Config, logger *slog.Logger, a *app) proposal.Persister {
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		db, err := store.OpenSQLite(ctx, cfg.ExecutionDBPath)
		if err != nil {
			logger.Warn("proposal store unavailable, using memory", "error", err)
			return nil
		}
		a.closers = append(a.closers, db.Close)
		s, err := store.NewSQLiteProposalStore(ctx, db)
		if err != nil {
			logger.Warn("proposal store unavailable, using memory", "error", err)
			return nil
		}
		return s
	case config.BackendPostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Warn("proposal store unavailable, using memory", "error", err)
			return nil
		}
		a.closers = append(a.closers, db.Close)
		s := store.NewPostgresProposalStore(db)
		if err := s.Migrate(ctx); err != nil {
			logger.Warn("proposal store unavailable, using memory", "error", err)
			return nil
		}
		return s
	default:
		return nil
	}
}

// openPaperStores opens the trade journal and the wallet store. Wallets live
// next to the proposals in PostgreSQL when that backend is selected and in
// the paper SQLite file otherwise.
func openPaperStores(ctx context.Context, cfg *config.Config, logger *slog.Logger, a *app) (*store.SQLiteTradeJournal, ledger.StateStore) {
	if cfg.StoreBackend == config.BackendMemory {
		return nil, nil
	}
	db, err := store.OpenSQLite(ctx, cfg.PaperDBPath)
	if err != nil {
		logger.Warn("paper store unavailable, wallet and journal are memory-only", "error", err)
		return nil, nil
	}
	a.closers = append(a.closers, db.Close)
	journal, err := store.NewSQLiteTradeJournal(ctx, db)
	if err != nil {
		logger.Warn("trade journal unavailable", "error", err)
		journal = nil
	}

	if cfg.StoreBackend == config.BackendPostgres {
		pg, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Warn("wallet store unavailable, using memory", "error", err)
			return journal, nil
		}
		a.closers = append(a.closers, pg.Close)
		ws := store.NewPostgresWalletStore(pg)
		if err := ws.Migrate(ctx); err != nil {
			logger.Warn("wallet store unavailable, using memory", "error", err)
			return journal, nil
		}
		return journal, ws
	}

	ws, err := store.NewSQLiteWalletStore(ctx, db)
	if err != nil {
		logger.Warn("wallet store unavailable, using memory", "error", err)
		return journal, nil
	}
	return journal, ws
}

// serve runs the HTTP server and tick consumer until ctx is cancelled, then
// drains in-flight requests within the shutdown timeout.
func serve(ctx context.Context, cfg *config.Config, a *app, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if a.consumer != nil {
		go func() {
			if err := a.consumer.Run(ctx); err != nil {
				logger.Error("tick consumer stopped", "error", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	return runErr
}
