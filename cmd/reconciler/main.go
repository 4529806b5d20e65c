// Package main provides the adherence reconciler entry point. It marks
// overdue doses NOT_TAKEN and raises reminders for doses still in their window.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redis"
	"github.com/drfirst/go-adherence/internal/observability/logging"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
)

const serviceName = "reconciler"

func main() {
	rootCmd := &cobra.Command{
		Use:          "reconciler",
		Short:        "Dose adherence reconciliation sweep",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(onceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sweep on a fixed interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := setup(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			metricsServer := metrics.Serve(":"+app.cfg.MetricsPort, nil, app.logger)
			defer metricsServer.Close()

			app.sweeper.Start()
			app.logger.Info("reconciler started", zap.Duration("interval", app.cfg.SweepInterval))

			<-ctx.Done()
			app.logger.Info("shutting down")
			app.sweeper.Stop()
			app.logger.Info("reconciler stopped")
			return nil
		},
	}
}

func onceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := setup(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			report, err := app.sweeper.Run(ctx)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"scanned=%d not_taken=%d reminded=%d conflicts=%d failed=%d skipped=%t\n",
				report.Scanned, report.MarkedNotTaken, report.Reminded,
				report.Conflicts, report.Failed, report.Skipped)
			return nil
		},
	}
}

type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	sweeper *adherence.Sweeper
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env, serviceName)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Env
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	})

	loc, err := cfg.Location()
	if err != nil {
		a.close()
		return nil, err
	}

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	tolerances, err := toleranceStore(ctx, cfg, pool, logger, a)
	if err != nil {
		a.close()
		return nil, err
	}

	sweepCfg := adherence.DefaultSweeperConfig()
	sweepCfg.Interval = cfg.SweepInterval
	sweepCfg.Defaults = cfg.Tolerance()
	sweepCfg.Lookback = cfg.SweepLookback

	a.sweeper = adherence.NewSweeper(
		postgres.NewDoseRepository(pool, logger),
		postgres.NewTxRunner(pool),
		tolerances,
		postgres.NewOutboxNotifier(pool, logger),
		sweepCfg,
		loc,
		logger,
	).
		WithLocker(postgres.NewAdvisoryLock(pool, postgres.SweepLockID, logger)).
		WithMetrics(metrics.New())
	return a, nil
}

func toleranceStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger, a *app) (adherence.ToleranceStore, error) {
	var store adherence.ToleranceStore = postgres.NewToleranceRepository(pool)
	if cfg.RedisAddr == "" {
		return store, nil
	}
	client, err := redis.NewClient(ctx, redis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	return redis.NewToleranceCache(client, store, cfg.ToleranceCacheTTL, logger), nil
}
