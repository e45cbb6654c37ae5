package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Parth354/HealBridge-sub002/cmd/mainconfig"
	"github.com/Parth354/HealBridge-sub002/internal/api/router"
	"github.com/Parth354/HealBridge-sub002/internal/app/bootstrap"
	"github.com/Parth354/HealBridge-sub002/internal/booking"
	"github.com/Parth354/HealBridge-sub002/internal/clock"
	appconfig "github.com/Parth354/HealBridge-sub002/internal/config"
	"github.com/Parth354/HealBridge-sub002/internal/events"
	"github.com/Parth354/HealBridge-sub002/internal/http/handlers"
	httpmiddleware "github.com/Parth354/HealBridge-sub002/internal/http/middleware"
	"github.com/Parth354/HealBridge-sub002/internal/observability/metrics"
	"github.com/Parth354/HealBridge-sub002/pkg/logging"
)

func main() {
	// Local development reads .env; deployed environments inject variables.
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting healbridge booking API",
		"env", cfg.Env,
		"port", cfg.Port,
		"hold_ttl", cfg.HoldTTL,
		"lock_backend", cfg.LockBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if pool != nil {
		defer pool.Close()
	}
	store := bootstrap.BuildStore(pool, logger)
	audit, auditDB := bootstrap.BuildAudit(pool)
	if auditDB != nil {
		defer func() { _ = auditDB.Close() }()
	}

	// Per-slot locks
	var redisClient *redis.Client
	if cfg.LockBackend == "redis" {
		redisClient = bootstrap.BuildRedisClient(ctx, cfg, logger, true)
		if redisClient != nil {
			defer func() { _ = redisClient.Close() }()
		}
	}
	locker, err := bootstrap.BuildLocker(cfg, redisClient, logger)
	if err != nil {
		logger.Error("failed to set up slot locks", "error", err)
		os.Exit(1)
	}

	// Notifications
	notifier, outbox := bootstrap.BuildNotifier(pool, logger)
	deliverer := bootstrap.BuildDeliverer(cfg, outbox, setupDeliveryHandler(ctx, cfg, logger), logger)

	// Engine
	metricsHandler, bookingMetrics, gatherer := setupBookingMetrics()
	engine := booking.New(booking.Deps{
		Store:    store,
		Locker:   locker,
		Clock:    clock.NewSystem(),
		Notifier: notifier,
		Audit:    audit,
		Metrics:  bookingMetrics,
		Logger:   logger,
		Location: cfg.CatalogLocation(),
	}, engineOptions(cfg)...)

	holdLimiter := httpmiddleware.NewRateLimiter(float64(cfg.HoldRatePerMinute)/60, cfg.HoldRateBurst)

	var workers sync.WaitGroup
	startWorker(&workers, func() { engine.Sweeper.Run(ctx) })
	startWorker(&workers, func() { engine.Reconciler.Run(ctx) })
	startWorker(&workers, func() { evictIdleBuckets(ctx, holdLimiter, time.Minute) })
	if deliverer != nil {
		startWorker(&workers, func() { deliverer.Start(ctx) })
	}

	// Setup router
	routerCfg := &router.Config{
		Logger: logger,
		Booking: handlers.NewBookingHandler(engine, logger,
			handlers.WithLocation(cfg.CatalogLocation()),
			handlers.WithGatherer(gatherer),
		),
		Authenticator:      httpmiddleware.NewJWTAuthenticator(cfg.PatientJWTSecret, cfg.AuthIssuer),
		StaffAuthSecret:    cfg.AdminJWTSecret,
		HoldLimiter:        holdLimiter,
		MetricsHandler:     metricsHandler,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Readiness:          readinessChecks(pool, redisClient),
	}
	if cfg.PatientJWTSecret == "" {
		logger.Warn("PATIENT_JWT_SECRET not set; patient routes disabled")
		routerCfg.Authenticator = nil
	}
	r := router.New(routerCfg)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	workers.Wait()

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func engineOptions(cfg *appconfig.Config) []booking.Option {
	return []booking.Option{
		booking.WithHoldTTL(cfg.HoldTTL),
		booking.WithLockTimeout(cfg.LockTimeout),
		booking.WithSweepInterval(cfg.EffectiveSweepInterval()),
		booking.WithSweepBatchSize(cfg.SweepBatchSize),
		booking.WithReconcileInterval(cfg.ReconcileInterval),
	}
}

func setupBookingMetrics() (http.Handler, *metrics.BookingMetrics, prometheus.Gatherer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewBookingMetrics(reg)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), m, reg
}

func setupDeliveryHandler(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) events.DeliveryHandler {
	if cfg.NotificationQueueURL == "" {
		return bootstrap.BuildDeliveryHandler(cfg, nil, logger)
	}
	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config; notifications will only be logged", "error", err)
		return bootstrap.BuildDeliveryHandler(cfg, nil, logger)
	}
	logger.Info("notification delivery via SQS", "queue_url", cfg.NotificationQueueURL)
	return bootstrap.BuildDeliveryHandler(cfg, sqs.NewFromConfig(awsCfg), logger)
}

func readinessChecks(pool *pgxpool.Pool, redisClient *redis.Client) map[string]router.Pinger {
	checks := make(map[string]router.Pinger)
	if pool != nil {
		checks["postgres"] = pool
	}
	if redisClient != nil {
		checks["redis"] = router.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	return checks
}

func evictIdleBuckets(ctx context.Context, limiter *httpmiddleware.RateLimiter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			limiter.Evict(now.Add(-10 * every))
		}
	}
}

func startWorker(wg *sync.WaitGroup, run func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		run()
	}()
}
