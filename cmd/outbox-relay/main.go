// Package main provides the outbox relay service entry point.
// It forwards dose events written by the API and reconciler to Redpanda.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/logging"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
)

const serviceName = "outbox-relay"

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

	// Connect to database
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info("connected to database")

	// Make sure the dose topics exist before relaying
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	topicsCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = admin.EnsureTopics(topicsCtx)
	cancel()
	admin.Close()
	if err != nil {
		return fmt.Errorf("ensure topics: %w", err)
	}

	m := metrics.New()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	producer.WithMetrics(m)
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	outbox := postgres.NewOutbox(pool, producer, postgres.DefaultOutboxConfig(), logger).WithMetrics(m)

	metricsServer := metrics.Serve(":"+cfg.MetricsPort, pool.Ping, logger)
	defer metricsServer.Close()

	outbox.Start()
	logger.Info("outbox relay started")

	<-ctx.Done()

	logger.Info("shutting down")
	outbox.Stop()
	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	if err := producer.Flush(flushCtx); err != nil {
		logger.Warn("producer flush failed", zap.Error(err))
	}
	cancelFlush()
	logger.Info("outbox relay stopped", zap.Any("producer_stats", producer.Stats()))
	return nil
}
