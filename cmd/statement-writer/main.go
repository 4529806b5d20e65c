// Package main provides the statement writer entry point. It consumes
// dose.completed events and records each completed dose as a FHIR
// MedicationStatement.
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
	"github.com/drfirst/go-adherence/internal/fhir/client"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/logging"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
	"github.com/drfirst/go-adherence/internal/statement"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
	"github.com/drfirst/go-adherence/pkg/idempotency"
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

const (
	serviceName = "statement-writer"
	breakerName = "fhir-server"
)

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
	if err := cfg.ValidateFHIR(); err != nil {
		return err
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

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	m := metrics.New()

	// Idempotency inbox
	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("failed to recover stale inbox entries", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup()
	defer inbox.Stop()

	// FHIR client behind a circuit breaker
	breakers := circuitbreaker.NewManager(logger)
	breakerCfg := client.BreakerConfig(breakerName)
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, to.Ordinal())
	}
	breaker, err := breakers.GetOrCreate(breakerName, breakerCfg)
	if err != nil {
		return fmt.Errorf("create circuit breaker: %w", err)
	}
	m.SetBreakerState(breakerName, breaker.GetState().Ordinal())

	fhir := client.New(client.Config{
		BaseURL:     cfg.FHIRBaseURL,
		BearerToken: cfg.FHIRBearerToken,
		Timeout:     cfg.FHIRTimeout,
	}, breaker, logger)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.StatementWorkers
	writer, err := statement.NewWriter(fhir, inbox, poolCfg, logger)
	if err != nil {
		return err
	}
	writer.WithMetrics(m).WithBreaker(breaker)
	writer.Start()

	// Dead letters go out through a producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	producer.WithMetrics(m)
	defer producer.Close()

	if err := redpanda.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
		return fmt.Errorf("redpanda unreachable: %w", err)
	}

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumer, err := redpanda.NewConsumer(consumerCfg, writer.Handle, logger)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	consumer.WithDeadLetter(producer).WithMetrics(m)

	metricsServer := metrics.Serve(":"+cfg.MetricsPort, writer.Ready, logger)
	defer metricsServer.Close()

	consumer.Start()
	logger.Info("statement writer started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.Int("workers", poolCfg.Workers))

	<-ctx.Done()

	logger.Info("shutting down")
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop error", zap.Error(err))
	}
	if err := writer.Stop(); err != nil {
		logger.Warn("worker pool stop error", zap.Error(err))
	}
	logShutdownStats(consumerCfg, inbox, logger)
	logger.Info("statement writer stopped",
		zap.Any("consumer_stats", consumer.Stats()),
		zap.Any("breakers", breakers.GetHealthStatus()))
	return nil
}

// logShutdownStats reports what is left for the next instance to pick up.
func logShutdownStats(consumerCfg redpanda.ConsumerConfig, inbox *idempotency.Inbox, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if stats, err := inbox.GetStats(ctx); err != nil {
		logger.Warn("failed to read inbox stats", zap.Error(err))
	} else {
		logger.Info("inbox stats", zap.Any("stats", stats))
	}

	admin, err := redpanda.NewAdmin(consumerCfg.Brokers, logger)
	if err != nil {
		logger.Warn("failed to create admin client", zap.Error(err))
		return
	}
	defer admin.Close()
	lag, err := admin.GetConsumerGroupLag(ctx, consumerCfg.GroupID)
	if err != nil {
		logger.Warn("failed to read consumer lag", zap.Error(err))
		return
	}
	logger.Info("consumer group lag", zap.String("group", consumerCfg.GroupID), zap.Any("lag", lag))
}
