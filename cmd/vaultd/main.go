package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Spritz-Labs/spritz-vault/internal/alert"
	"github.com/Spritz-Labs/spritz-vault/internal/api"
	"github.com/Spritz-Labs/spritz-vault/internal/balance"
	evmrpc "github.com/Spritz-Labs/spritz-vault/internal/chain/evm/rpc"
	"github.com/Spritz-Labs/spritz-vault/internal/chain/ratelimit"
	"github.com/Spritz-Labs/spritz-vault/internal/config"
	"github.com/Spritz-Labs/spritz-vault/internal/derive"
	"github.com/Spritz-Labs/spritz-vault/internal/signer"
	"github.com/Spritz-Labs/spritz-vault/internal/store/postgres"
	redispkg "github.com/Spritz-Labs/spritz-vault/internal/store/redis"
	"github.com/Spritz-Labs/spritz-vault/internal/tracing"
	"github.com/Spritz-Labs/spritz-vault/internal/vault"
)

const defaultMemoryCacheEntries = 1024

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting spritz-vault",
		"api_port", cfg.Server.APIPort,
		"health_port", cfg.Server.HealthPort,
		"rpc_chains", len(cfg.Chains.RPCURLs),
		"indexer_configured", cfg.Indexer.BaseURL != "",
		"redis_configured", cfg.Redis.URL != "",
	)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), "spritz-vault", tracingEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
	}

	// Connect to PostgreSQL
	db, err := postgres.New(postgres.Config{
		URL:              cfg.DB.URL,
		MaxOpenConns:     cfg.DB.MaxOpenConns,
		MaxIdleConns:     cfg.DB.MaxIdleConns,
		ConnMaxLifetime:  cfg.DB.ConnMaxLifetime,
		StatementTimeout: cfg.DB.StatementTimeout,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.RunMigrations(cfg.DB.MigrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err, "dir", cfg.DB.MigrationsDir)
		os.Exit(1)
	}

	deployments, err := resolveDeployments(cfg)
	if err != nil {
		logger.Error("failed to load contract deployments", "error", err, "file", cfg.Chains.DeploymentsFile)
		os.Exit(1)
	}
	deriver := derive.NewDeriver(deployments)

	svc := vault.NewService(
		postgres.NewVaultRepo(db),
		postgres.NewTransactionRepo(db),
		postgres.NewConfirmationRepo(db),
		deriver,
		signer.NewResolver(deriver),
		nil,
		logger,
	)

	reader, err := buildBalanceReader(cfg, postgres.NewTokenRepo(db), buildAlerter(cfg, logger), logger)
	if err != nil {
		logger.Error("failed to build balance reader", "error", err)
		os.Exit(1)
	}

	serverOpts := []api.ServerOption{}
	if reader != nil {
		serverOpts = append(serverOpts, api.WithBalanceReader(reader))
	}
	server := api.NewServer(svc, logger, serverOpts...)

	rateLimiter := api.NewRateLimitMiddleware(logger)
	defer rateLimiter.Stop()
	handler := api.AuditMiddleware(logger, rateLimiter.Wrap(server.Handler()))

	// Context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runAPIServer(gCtx, cfg.Server.APIPort, handler, logger)
	})

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, db, logger)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("vaultd exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("vaultd shut down gracefully")
}

func resolveDeployments(cfg *config.Config) (derive.Deployments, error) {
	if cfg.Chains.DeploymentsFile == "" {
		return derive.DefaultDeployments(), nil
	}
	return derive.LoadDeployments(cfg.Chains.DeploymentsFile)
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	channels := []alert.Alerter{}
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(channels) == 0 {
		return alert.NopAlerter{}
	}
	logger.Info("alerting enabled", "channels", len(channels), "cooldown", cfg.Alert.Cooldown.String())
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)
}

func buildBalanceReader(cfg *config.Config, tokens *postgres.TokenRepo, alerter alert.Alerter, logger *slog.Logger) (*balance.Reader, error) {
	if len(cfg.Chains.RPCURLs) == 0 && cfg.Indexer.BaseURL == "" {
		logger.Warn("no RPC endpoints or indexer configured, balance reads disabled")
		return nil, nil
	}

	clients := make(map[uint64]evmrpc.EVMClient, len(cfg.Chains.RPCURLs))
	for chainID, url := range cfg.Chains.RPCURLs {
		limiter := ratelimit.NewLimiter(cfg.Chains.RPCRateLimitRPS, cfg.Chains.RPCBurst, chainID)
		clients[chainID] = evmrpc.NewClient(url, chainID, limiter, logger)
	}

	var indexerClient *balance.IndexerClient
	if cfg.Indexer.BaseURL != "" {
		indexerClient = balance.NewIndexerClient(cfg.Indexer.BaseURL)
	}

	cache, err := buildSnapshotCache(cfg, logger)
	if err != nil {
		return nil, err
	}

	return balance.NewReader(indexerClient, clients, tokens, cache, logger, balance.WithAlerter(alerter)), nil
}

func buildSnapshotCache(cfg *config.Config, logger *slog.Logger) (balance.SnapshotCache, error) {
	if cfg.Redis.URL == "" {
		return balance.NewMemoryCache(defaultMemoryCacheEntries, cfg.Redis.BalanceCacheTTL), nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	cache := redispkg.NewSnapshotCache(redis.NewClient(opts), cfg.Redis.BalanceCacheTTL, logger)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := cache.Ping(pingCtx); err != nil {
		return nil, err
	}
	logger.Info("balance snapshot cache on redis", "ttl", cfg.Redis.BalanceCacheTTL.String())
	return cache, nil
}

func runAPIServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("api server shutdown error", "error", err)
		}
	}()

	logger.Info("api server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func runHealthServer(ctx context.Context, port int, db *postgres.DB, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ready")); err != nil {
			logger.Warn("failed to write readiness response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
