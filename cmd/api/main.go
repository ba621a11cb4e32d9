package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"asset-ledger/config"
	"asset-ledger/internal/adapter/daemon/tapd"
	httpHandler "asset-ledger/internal/adapter/http/handler"
	pgStorage "asset-ledger/internal/adapter/storage/postgres"
	redisStorage "asset-ledger/internal/adapter/storage/redis"
	"asset-ledger/internal/core/ports"
	"asset-ledger/internal/metrics"
	"asset-ledger/internal/service"
	"asset-ledger/pkg/logger"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	log.Info().
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Str("daemon", cfg.Daemon.GatewayURL).
		Msg("Starting asset ledger")

	ctx := context.Background()

	// Initialize PostgreSQL pool
	pool, err := pgStorage.NewPool(ctx, cfg.Database, cfg.Ledger.Retry, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()
	log.Info().Msg("PostgreSQL connected")

	if cfg.Database.AutoMigrate {
		if err := pgStorage.Migrate(ctx, pool, log); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
	}

	// Initialize Redis client
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, cfg.Ledger.Retry, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("Redis connected")

	m := metrics.New()

	// Repositories and stores
	txRepo := pgStorage.NewTransactionRepo(pool)
	balanceRepo := pgStorage.NewBalanceRepo(pool)
	idempotencyRepo := pgStorage.NewIdempotencyRepo(pool)
	transactor := pgStorage.NewTransactor(pool, cfg.Ledger.Retry, logger.Component(log, "postgres"))

	idempotencyCache := redisStorage.NewIdempotencyCache(rdb)
	rateLimitStore := redisStorage.NewRateLimitStore(rdb)
	cycleLease := redisStorage.NewCycleLease(rdb, leaseOwner())

	// Daemon adapter: reads retry under the ledger policy, writes are single-shot.
	daemon := tapd.New(cfg.Daemon, cfg.Ledger.Retry, logger.Component(log, "daemon"))

	// Core components
	projector := service.NewBalanceProjector(balanceRepo, txRepo, m, logger.Component(log, "projector"))
	ledger := service.NewLedgerService(txRepo, projector, transactor, m, logger.Component(log, "ledger"))
	guard := service.NewIdempotencyGuard(idempotencyRepo, idempotencyCache, ledger, transactor, service.GuardConfig{
		InFlightPolicy: cfg.Ledger.InFlightPolicy,
		InFlightWait:   cfg.Ledger.InFlightWait,
		CacheTTL:       cfg.Ledger.IdempotencyTTL,
		Poll:           cfg.Ledger.Retry,
	}, m, logger.Component(log, "guard"))
	assetSvc := service.NewAssetService(guard, ledger, projector, daemon, cfg.Ledger.DaemonTimeout, m, logger.Component(log, "assets"))

	scheduler := service.NewReconciliationScheduler(ledger, projector, daemon, cycleLease, service.SchedulerConfig{
		Interval:       cfg.Reconciliation.Interval,
		PendingTimeout: cfg.Reconciliation.PendingTimeout,
		Retry:          cfg.Reconciliation.Retry,
	}, m, logger.Component(log, "reconciler"))

	// A daemon that comes back after an outage triggers an immediate cycle.
	assetSvc.OnDaemonReconnect(scheduler.TriggerAsync)

	if cfg.Reconciliation.Enabled {
		if err := scheduler.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start reconciliation scheduler")
		}
	} else {
		log.Warn().Msg("Periodic reconciliation disabled; only admin triggers will run cycles")
	}

	if cfg.Admin.JWTSecret == "" {
		log.Warn().Msg("admin.jwt_secret is empty; admin endpoints will reject every request")
	}

	// Setup Gin router with all routes
	gin.SetMode(cfg.Server.Mode)
	router := httpHandler.SetupRouter(httpHandler.RouterDeps{
		AssetSvc:       assetSvc,
		Reconciler:     scheduler,
		Maintenance:    assetSvc,
		RateLimitStore: rateLimitStore,
		RateLimit:      cfg.Server.RateLimit,
		HealthCheckers: []ports.HealthChecker{
			pgStorage.NewHealthCheck(pool),
			redisStorage.NewHealthCheck(rdb),
			daemon,
		},
		Metrics:     m,
		AdminSecret: cfg.Admin.JWTSecret,
		AdminIssuer: cfg.Admin.JWTIssuer,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      log,
	})

	// HTTP Server with graceful shutdown
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Submits wait on the daemon for up to ledger.daemon_timeout.
		WriteTimeout: cfg.Ledger.DaemonTimeout + 15*time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	scheduler.Stop()

	log.Info().Msg("Server exited")
}

// leaseOwner identifies this process in the cross-instance cycle lease.
func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
