package dose

import (
	"context"
	"fmt"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/schedule"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BuildRecords turns generated instants into INTENDED records without persisting them.
func BuildRecords(rule *schedule.Rule, instants []schedule.Instant, loc *time.Location, now time.Time) []*Record {
	if loc == nil {
		loc = time.UTC
	}

	records := make([]*Record, 0, len(instants))
	for _, in := range instants {
		local := in.At.In(loc)
		rec := &Record{
			ID:              uuid.New().String(),
			SourceRequestID: rule.SourceRequestID,
			PatientID:       rule.PatientID,
			MedicineName:    rule.MedicineName,
			DoseValue:       rule.DoseValue,
			DoseUnit:        rule.DoseUnit,
			ScheduledAt:     in.At,
			Date:            time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc),
			Status:          StatusIntended,
			Irregular:       in.Irregular,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if in.PatternLabel != "" {
			label := in.PatternLabel
			rec.PatternLabel = &label
		}
		records = append(records, rec)
	}
	return records
}

// MaterializerConfig configures the materializer
type MaterializerConfig struct {
	Concurrency int
}

// DefaultMaterializerConfig returns default configuration
func DefaultMaterializerConfig() MaterializerConfig {
	return MaterializerConfig{Concurrency: 8}
}

// Materializer persists one record per generated instant.
type Materializer struct {
	repo   Repository
	config MaterializerConfig
	loc    *time.Location
	clock  func() time.Time
	logger *zap.Logger
}

// NewMaterializer creates a materializer
func NewMaterializer(repo Repository, config MaterializerConfig, loc *time.Location, logger *zap.Logger) *Materializer {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{
		repo:   repo,
		config: config,
		loc:    loc,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Materialize writes each record independently. On failure the records that
// were persisted are returned alongside the first error; nothing is rolled back.
func (m *Materializer) Materialize(ctx context.Context, rule *schedule.Rule, instants []schedule.Instant) ([]*Record, error) {
	records := BuildRecords(rule, instants, m.loc, m.clock())
	persisted := make([]bool, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.Concurrency)

	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			if err := m.repo.Create(gctx, rec); err != nil {
				m.logger.Error("Failed to persist dose",
					zap.String("source_request_id", rec.SourceRequestID),
					zap.Time("scheduled_at", rec.ScheduledAt),
					zap.Error(err),
				)
				return fmt.Errorf("create dose at %s: %w", rec.ScheduledAt.Format(time.RFC3339), err)
			}
			persisted[i] = true
			m.logger.Debug("Dose created",
				zap.String("dose_id", rec.ID),
				zap.String("source_request_id", rec.SourceRequestID),
				zap.String("patient_id", rec.PatientID),
				zap.Time("scheduled_at", rec.ScheduledAt),
			)
			return nil
		})
	}
	err := g.Wait()

	out := make([]*Record, 0, len(records))
	for i, rec := range records {
		if persisted[i] {
			out = append(out, rec)
		}
	}
	return out, err
}
