package dose

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/schedule"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Service exposes schedule creation, regeneration and dose status updates.
type Service struct {
	generator    *schedule.Generator
	materializer *Materializer
	repo         Repository
	tx           TxRunner
	notifier     Notifier
	clock        func() time.Time
	metrics      *metrics.Metrics
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewService creates a dose service
func NewService(
	generator *schedule.Generator,
	materializer *Materializer,
	repo Repository,
	tx TxRunner,
	notifier Notifier,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		generator:    generator,
		materializer: materializer,
		repo:         repo,
		tx:           tx,
		notifier:     notifier,
		clock:        func() time.Time { return time.Now().UTC() },
		logger:       logger,
		tracer:       otel.Tracer("dose"),
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	s.materializer.clock = clock
	return s
}

// WithMetrics attaches Prometheus metrics.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// GenerateDoses builds the records for rule without persisting them.
func (s *Service) GenerateDoses(rule *schedule.Rule) ([]*Record, error) {
	instants, err := s.generator.Generate(rule)
	if err != nil {
		return nil, err
	}
	return BuildRecords(rule, instants, s.generator.Location(), s.clock()), nil
}

// CreateSchedule generates and persists the doses of a new prescription.
func (s *Service) CreateSchedule(ctx context.Context, rule *schedule.Rule) ([]*Record, error) {
	ctx, span := s.tracer.Start(ctx, "create_schedule",
		trace.WithAttributes(attribute.String("source_request_id", rule.SourceRequestID)))
	defer span.End()

	instants, err := s.generator.Generate(rule)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generate schedule: %w", err)
	}

	records, err := s.materializer.Materialize(ctx, rule, instants)
	if err != nil {
		span.RecordError(err)
		s.metrics.DosesMaterialized(len(records))
		return records, fmt.Errorf("materialize schedule: %w", err)
	}
	s.metrics.DosesMaterialized(len(records))

	s.logger.Info("Dose schedule created",
		zap.String("source_request_id", rule.SourceRequestID),
		zap.String("patient_id", rule.PatientID),
		zap.String("kind", string(rule.Kind)),
		zap.Int("doses", len(records)),
	)
	return records, nil
}

// RegenerateSchedule replaces every dose of rule.SourceRequestID. Generation
// runs first so an invalid rule leaves the existing doses in place.
func (s *Service) RegenerateSchedule(ctx context.Context, rule *schedule.Rule) ([]*Record, error) {
	ctx, span := s.tracer.Start(ctx, "regenerate_schedule",
		trace.WithAttributes(attribute.String("source_request_id", rule.SourceRequestID)))
	defer span.End()

	instants, err := s.generator.Generate(rule)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("generate schedule: %w", err)
	}

	deleted, err := s.repo.DeleteBySourceRequest(ctx, rule.SourceRequestID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("delete previous doses: %w", err)
	}

	records, err := s.materializer.Materialize(ctx, rule, instants)
	if err != nil {
		span.RecordError(err)
		s.metrics.DosesMaterialized(len(records))
		return records, fmt.Errorf("materialize schedule: %w", err)
	}
	s.metrics.DosesMaterialized(len(records))

	s.logger.Info("Dose schedule regenerated",
		zap.String("source_request_id", rule.SourceRequestID),
		zap.Int64("deleted", deleted),
		zap.Int("doses", len(records)),
	)
	return records, nil
}

// CancelSchedule deletes every dose generated for sourceRequestID.
func (s *Service) CancelSchedule(ctx context.Context, sourceRequestID string) (int64, error) {
	deleted, err := s.repo.DeleteBySourceRequest(ctx, sourceRequestID)
	if err != nil {
		return 0, fmt.Errorf("delete doses: %w", err)
	}
	s.logger.Info("Dose schedule cancelled",
		zap.String("source_request_id", sourceRequestID),
		zap.Int64("deleted", deleted),
	)
	return deleted, nil
}

// UpdateDoseStatus applies a validated transition and publishes the events it
// raises in the same transaction as the status write.
func (s *Service) UpdateDoseStatus(ctx context.Context, doseID string, next Status) (*Record, error) {
	ctx, span := s.tracer.Start(ctx, "update_dose_status",
		trace.WithAttributes(
			attribute.String("dose_id", doseID),
			attribute.String("status", string(next)),
		))
	defer span.End()

	var updated *Record
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		rec, err := s.repo.GetByID(ctx, doseID)
		if err != nil {
			return err
		}
		if err := rec.TransitionTo(next, s.clock()); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, rec); err != nil {
			return fmt.Errorf("persist dose: %w", err)
		}
		if err := PublishChanges(ctx, s.notifier, rec); err != nil {
			return fmt.Errorf("publish dose events: %w", err)
		}
		updated = rec
		return nil
	})
	if err != nil {
		var invalid *InvalidStatusTransitionError
		if !errors.As(err, &invalid) && !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
		}
		return nil, err
	}

	s.metrics.StatusUpdated(string(updated.Status))
	s.logger.Info("Dose status updated",
		zap.String("dose_id", updated.ID),
		zap.String("patient_id", updated.PatientID),
		zap.String("status", string(updated.Status)),
	)
	return updated, nil
}

// ListPatientDoses returns a patient's doses scheduled in [from, to].
func (s *Service) ListPatientDoses(ctx context.Context, patientID string, from, to time.Time) ([]*Record, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("%w: %s is before %s", ErrInvalidRange, to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	return s.repo.FindByPatientAndRange(ctx, patientID, from, to)
}
