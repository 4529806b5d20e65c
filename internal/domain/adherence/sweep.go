package adherence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Locker guards a sweep across processes. release must be called when acquired is true.
type Locker interface {
	TryLock(ctx context.Context) (release func(), acquired bool, err error)
}

// SweeperConfig holds configuration for the reconciliation sweep
type SweeperConfig struct {
	// Interval between runs when started with Start
	Interval time.Duration
	// Defaults apply to patients without a stored tolerance
	Defaults Tolerance
	// Lookback extends the scanned range before the start of today so doses
	// scheduled late yesterday are still reconciled after midnight
	Lookback time.Duration
}

// DefaultSweeperConfig returns sensible defaults
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval: 5 * time.Minute,
		Defaults: DefaultTolerance(),
		Lookback: MaxWindowMinutes * time.Minute,
	}
}

// Report summarizes one sweep run
type Report struct {
	StartedAt      time.Time
	Scanned        int
	MarkedNotTaken int
	Reminded       int
	Conflicts      int
	Failed         int
	Skipped        bool
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeNotTaken
	outcomeReminded
)

// Sweeper marks overdue doses NOT_TAKEN and issues reminders for doses still
// inside their tolerance window.
type Sweeper struct {
	repo       dose.Repository
	tx         dose.TxRunner
	tolerances ToleranceStore
	notifier   dose.Notifier
	locker     Locker
	config     SweeperConfig
	loc        *time.Location
	clock      func() time.Time
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer

	running atomic.Bool

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a reconciliation sweeper bound to the clinical time zone.
func NewSweeper(
	repo dose.Repository,
	tx dose.TxRunner,
	tolerances ToleranceStore,
	notifier dose.Notifier,
	cfg SweeperConfig,
	loc *time.Location,
	logger *zap.Logger,
) *Sweeper {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweeperConfig().Interval
	}
	if cfg.Lookback < cfg.Defaults.Window() {
		cfg.Lookback = cfg.Defaults.Window()
	}
	return &Sweeper{
		repo:       repo,
		tx:         tx,
		tolerances: tolerances,
		notifier:   notifier,
		config:     cfg,
		loc:        loc,
		clock:      time.Now,
		logger:     logger,
		tracer:     otel.Tracer("adherence"),
	}
}

// WithLocker adds a cross-process lock around each run.
func (s *Sweeper) WithLocker(l Locker) *Sweeper {
	s.locker = l
	return s
}

// WithMetrics attaches Prometheus metrics.
func (s *Sweeper) WithMetrics(m *metrics.Metrics) *Sweeper {
	s.metrics = m
	return s
}

// WithClock overrides the time source.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Run performs one reconciliation pass. A run that overlaps another one
// returns a skipped report instead of waiting.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("Reconciliation sweep already running, skipping")
		s.metrics.SweepSkipped()
		return &Report{Skipped: true}, nil
	}
	defer s.running.Store(false)

	ctx, span := s.tracer.Start(ctx, "adherence_sweep")
	defer span.End()

	if s.locker != nil {
		release, acquired, err := s.locker.TryLock(ctx)
		if err != nil {
			span.RecordError(err)
			s.metrics.SweepFailed()
			return nil, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !acquired {
			s.logger.Info("Reconciliation sweep held by another instance, skipping")
			s.metrics.SweepSkipped()
			return &Report{Skipped: true}, nil
		}
		defer release()
	}

	now := s.clock().In(s.loc)
	startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	from := startOfToday.Add(-s.config.Lookback)
	report := &Report{StartedAt: now}

	pending, err := s.repo.FindByStatusAndRange(ctx, dose.StatusIntended, from, now)
	if err != nil {
		span.RecordError(err)
		s.metrics.SweepFailed()
		return nil, fmt.Errorf("load pending doses: %w", err)
	}
	report.Scanned = len(pending)

	// one tolerance snapshot per patient per run
	tolerances := make(map[string]Tolerance)

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		tol, ok := tolerances[rec.PatientID]
		if !ok {
			tol, err = Resolve(ctx, s.tolerances, rec.PatientID, s.config.Defaults)
			if err != nil {
				report.Failed++
				s.logger.Error("Failed to resolve tolerance, skipping dose",
					zap.String("dose_id", rec.ID),
					zap.String("patient_id", rec.PatientID),
					zap.Error(err),
				)
				continue
			}
			tolerances[rec.PatientID] = tol
		}

		out, err := s.reconcile(ctx, rec, tol, now)
		switch {
		case errors.Is(err, dose.ErrConcurrentUpdate):
			report.Conflicts++
			s.logger.Debug("Dose changed during sweep, leaving it",
				zap.String("dose_id", rec.ID))
		case err != nil:
			report.Failed++
			s.logger.Error("Failed to reconcile dose",
				zap.String("dose_id", rec.ID),
				zap.String("patient_id", rec.PatientID),
				zap.Error(err),
			)
		case out == outcomeNotTaken:
			report.MarkedNotTaken++
		case out == outcomeReminded:
			report.Reminded++
		}
	}

	took := s.clock().Sub(now)
	s.metrics.ObserveSweep(metrics.SweepResult{
		Scanned:        report.Scanned,
		MarkedNotTaken: report.MarkedNotTaken,
		Reminded:       report.Reminded,
		Failed:         report.Failed,
	}, took)
	span.SetAttributes(
		attribute.Int("scanned", report.Scanned),
		attribute.Int("not_taken", report.MarkedNotTaken),
		attribute.Int("reminded", report.Reminded),
		attribute.Int("failed", report.Failed),
	)

	s.logger.Info("Reconciliation sweep finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("not_taken", report.MarkedNotTaken),
		zap.Int("reminded", report.Reminded),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("failed", report.Failed),
		zap.Duration("took", took),
	)
	return report, nil
}

// MinutesElapsed returns whole minutes from scheduledAt to now, rounded down.
func MinutesElapsed(scheduledAt, now time.Time) int64 {
	d := now.Sub(scheduledAt)
	m := int64(d / time.Minute)
	if d < 0 && d%time.Minute != 0 {
		m--
	}
	return m
}

func (s *Sweeper) reconcile(ctx context.Context, rec *dose.Record, tol Tolerance, now time.Time) (outcome, error) {
	elapsed := MinutesElapsed(rec.ScheduledAt, now)

	if elapsed > int64(tol.WindowMinutes) {
		err := s.tx.InTx(ctx, func(ctx context.Context) error {
			if err := rec.TransitionTo(dose.StatusNotTaken, now); err != nil {
				return err
			}
			if err := s.repo.Update(ctx, rec); err != nil {
				return err
			}
			return dose.PublishChanges(ctx, s.notifier, rec)
		})
		if err != nil {
			return outcomeUnchanged, err
		}
		s.logger.Info("Dose marked not taken",
			zap.String("dose_id", rec.ID),
			zap.String("patient_id", rec.PatientID),
			zap.Int64("minutes_elapsed", elapsed),
		)
		return outcomeNotTaken, nil
	}

	if !reminderDue(rec, tol, elapsed, now) {
		return outcomeUnchanged, nil
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := rec.RecordReminder(now); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, rec); err != nil {
			return err
		}
		return dose.PublishChanges(ctx, s.notifier, rec)
	})
	if err != nil {
		return outcomeUnchanged, err
	}
	s.logger.Debug("Dose reminder issued",
		zap.String("dose_id", rec.ID),
		zap.Int("attempt", rec.ReminderAttempts),
	)
	return outcomeReminded, nil
}

func reminderDue(rec *dose.Record, tol Tolerance, elapsed int64, now time.Time) bool {
	if elapsed < 0 || rec.ReminderAttempts >= tol.MaxReminderAttempts {
		return false
	}
	if rec.LastRemindedAt == nil {
		return true
	}
	return now.Sub(*rec.LastRemindedAt) >= tol.ReminderEvery()
}

// Start runs the sweep immediately and then on every interval tick. Ticks
// that arrive while a run is active are dropped.
func (s *Sweeper) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	go s.loop()
	s.logger.Info("Reconciliation sweeper started",
		zap.Duration("interval", s.config.Interval),
		zap.String("time_zone", s.loc.String()),
	)
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Reconciliation sweeper stopped")
}

func (s *Sweeper) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.runLogged()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runLogged()
		}
	}
}

func (s *Sweeper) runLogged() {
	if _, err := s.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Reconciliation sweep failed", zap.Error(err))
	}
}
