// Package main provides the adherence API service entry point.
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

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/api/handlers"
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redis"
	"github.com/drfirst/go-adherence/internal/observability/logging"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
)

const serviceName = "adherence-api"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env, serviceName)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info("connected to database")

	if err := postgres.Migrate(ctx, pool, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	m := metrics.New()

	// Repositories
	doseRepo := postgres.NewDoseRepository(pool, logger)
	var tolerances adherence.ToleranceStore = postgres.NewToleranceRepository(pool)
	if cfg.RedisAddr != "" {
		client, err := redis.NewClient(ctx, redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer client.Close()
		tolerances = redis.NewToleranceCache(client, tolerances, cfg.ToleranceCacheTTL, logger)
		logger.Info("tolerance cache enabled", zap.String("addr", cfg.RedisAddr))
	}

	// Services
	generator := schedule.NewGenerator(loc, logger).WithMaxDoses(cfg.MaxDosesPerRule)
	materializer := dose.NewMaterializer(doseRepo, dose.MaterializerConfig{Concurrency: cfg.MaterializeConcurrency}, loc, logger)
	service := dose.NewService(
		generator,
		materializer,
		doseRepo,
		postgres.NewTxRunner(pool),
		postgres.NewOutboxNotifier(pool, logger),
		logger,
	).WithMetrics(m)

	// Handlers
	prescriptionHandler := handlers.NewPrescriptionHandler(service, logger)
	doseHandler := handlers.NewDoseHandler(service, loc, logger)
	toleranceHandler := handlers.NewToleranceHandler(tolerances, cfg.Tolerance(), logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	// Health and metrics (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRPM))
		if keys := cfg.APIKeyMap(); len(keys) > 0 {
			r.Use(middleware.APIKeyAuth(keys))
		} else {
			logger.Warn("API key authentication disabled, no API_KEYS configured")
		}
		handlers.Register(r, prescriptionHandler, doseHandler, toleranceHandler)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting adherence API", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":%q}`, serviceName)
}
