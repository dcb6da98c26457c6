package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"brokergate/internal/account"
	"brokergate/internal/config"
	"brokergate/internal/database"
	"brokergate/internal/health"
	"brokergate/internal/pool"
	"brokergate/internal/route"
	"brokergate/internal/session"
	"brokergate/internal/stream"
	"brokergate/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/gateway.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting gateway",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"rest_url", cfg.Upstream.RestURL,
		"account_source", cfg.Accounts.Source,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Load the account registry from the configured source
	registry, err := loadRegistry(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to load accounts", "error", err)
		os.Exit(1)
	}
	logger.Info("accounts loaded", "enabled", registry.Len())

	// Warm up the connection pool
	poolCfg := pool.Config{
		WarmupConcurrency: cfg.Pool.WarmupConcurrency,
		VerifyMaxAttempts: cfg.Pool.VerifyMaxAttempts,
		VerifyBaseDelay:   cfg.Pool.VerifyBaseDelay,
		ReverifyEvery:     cfg.Pool.ReverifyEvery,
	}
	p := pool.New(poolCfg, registry, sessionFactory(cfg, logger), logger)

	logger.Info("warming up connection pool")
	if err := p.Warmup(ctx); err != nil {
		logger.Error("pool warm-up failed", "error", err)
		os.Exit(1)
	}
	defer p.Close()

	for _, st := range p.Status() {
		logger.Info("pool account ready",
			"account", st.AccountID,
			"idle", st.Idle,
			"unhealthy", st.Unhealthy,
		)
	}

	// Create the router
	strategy, err := route.ParseStrategy(cfg.Routing.Strategy)
	if err != nil {
		logger.Error("invalid routing strategy", "error", err)
		os.Exit(1)
	}
	router := route.New(registry, p, strategy, logger)

	// Start the stream gateway (blocking self-test first)
	gw := stream.NewGateway(cfg.Upstream, cfg.Stream, router, logger)
	if err := gw.Start(ctx); err != nil {
		logger.Error("stream gateway failed to start", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		gw.Stop(shutdownCtx)
	}()

	// Start the health monitor
	monitorCfg := health.Config{
		CheckInterval:    cfg.Health.CheckInterval,
		HeartbeatTimeout: cfg.Stream.HeartbeatTimeout,
	}
	monitor := health.New(monitorCfg, p, gw, logger)
	if err := monitor.Start(ctx); err != nil {
		logger.Error("health monitor failed to start", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		monitor.Stop(shutdownCtx)
	}()

	// Status + metrics HTTP server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: createStatusHandler(monitor, cfg.Metrics.Path),
	}
	go func() {
		logger.Info("starting status server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("status server error", "error", err)
		}
	}()

	logger.Info("gateway running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	logger.Info("gateway stopped")
}

// loadRegistry builds the account registry from the configured source.
func loadRegistry(ctx context.Context, cfg *config.GatewayConfig, logger *slog.Logger) (*account.Registry, error) {
	switch cfg.Accounts.Source {
	case "postgres":
		db, err := database.Connect(ctx, cfg.Accounts.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect accounts database: %w", err)
		}
		defer db.Close()
		return account.LoadFromPostgres(ctx, db, logger)
	default:
		return account.Load(cfg.Accounts.Entries, logger)
	}
}

// sessionFactory builds the pool's REST session constructor. Paper
// accounts talk to the paper REST base, live accounts to the live one.
func sessionFactory(cfg *config.GatewayConfig, logger *slog.Logger) pool.SessionFactory {
	return func(acct account.Account) pool.Session {
		baseURL := cfg.Upstream.RestURL
		if acct.IsPaper() && cfg.Upstream.PaperRestURL != "" {
			baseURL = cfg.Upstream.PaperRestURL
		}
		return session.NewClient(baseURL, acct.APIKey, acct.APISecret,
			session.WithLogger(logger.With("account", acct.ID)),
			session.WithTimeout(cfg.Upstream.Timeout),
			session.WithRetries(cfg.Upstream.MaxRetries, time.Second),
			session.WithRateLimit(cfg.Upstream.RateLimit),
		)
	}
}

// createStatusHandler serves /health, /status, and the metrics endpoint.
func createStatusHandler(monitor *health.Monitor, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		snap := monitor.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if !snap.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"healthy":    snap.Healthy,
			"checked_at": snap.CheckedAt,
			"problems":   snap.Problems,
		})
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		snap := monitor.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	})

	mux.Handle(metricsPath, promhttp.Handler())

	return mux
}
