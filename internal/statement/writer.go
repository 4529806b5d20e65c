// Package statement turns completed doses into FHIR MedicationStatements.
package statement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/fhir/client"
	"github.com/drfirst/go-adherence/internal/fhir/mapper"
	"github.com/drfirst/go-adherence/internal/fhir/r5"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
	"github.com/drfirst/go-adherence/pkg/idempotency"
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

// HandlerName identifies the writer in the idempotency inbox
const HandlerName = "medication-statement-writer"

// Results recorded in the statements_written metric
const (
	ResultCreated   = "created"
	ResultDuplicate = "duplicate"
	ResultSkipped   = "skipped"
	ResultFailed    = "failed"
)

// StatementCreator stores MedicationStatements on a FHIR server
type StatementCreator interface {
	CreateMedicationStatement(ctx context.Context, stmt *r5.MedicationStatement) (*r5.MedicationStatement, error)
}

// Deduplicator runs fn at most once per key
type Deduplicator interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

var _ Deduplicator = (*idempotency.Inbox)(nil)

// ErrBacklogged is returned by Ready when the worker queue is nearly full.
var ErrBacklogged = errors.New("statement worker queue is nearly full")

// written is stored as the inbox result of a created statement
type written struct {
	FHIRID string `json:"fhir_id"`
}

// Writer handles dose.completed records. Work runs on a bounded pool so the
// FHIR server sees at most Workers concurrent writes.
type Writer struct {
	fhir    StatementCreator
	inbox   Deduplicator
	pool    *workerpool.Pool
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewWriter creates a writer. Call Start before handing it records.
func NewWriter(fhir StatementCreator, inbox Deduplicator, poolCfg workerpool.Config, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		fhir:   fhir,
		inbox:  inbox,
		logger: logger,
		tracer: otel.Tracer("statement-writer"),
	}

	poolCfg.IsPermanent = isPermanent
	pool, err := workerpool.New(poolCfg, w.work, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

// WithMetrics attaches Prometheus metrics.
func (w *Writer) WithMetrics(m *metrics.Metrics) *Writer {
	w.metrics = m
	return w
}

// WithBreaker lets Ready report an open FHIR breaker.
func (w *Writer) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Writer {
	w.breaker = cb
	return w
}

// Ready reports whether the writer can take more records.
func (w *Writer) Ready(context.Context) error {
	if w.breaker != nil && w.breaker.IsOpen() {
		return fmt.Errorf("circuit breaker %s is open", w.breaker.Name())
	}
	if !w.pool.IsHealthy() {
		return ErrBacklogged
	}
	return nil
}

// Start launches the workers
func (w *Writer) Start() { w.pool.Start() }

// Stop drains queued work
func (w *Writer) Stop() error { return w.pool.Stop() }

// Handle is a redpanda.MessageHandler. Events other than DOSE_COMPLETED are
// acknowledged without work. A returned error leaves the record to the
// consumer's retry and dead-letter handling.
func (w *Writer) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	var event dose.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		w.metrics.StatementWritten(ResultFailed)
		return fmt.Errorf("decode dose event at offset %d: %w", msg.Offset, err)
	}
	if event.Kind != dose.EventDoseCompleted {
		w.metrics.StatementWritten(ResultSkipped)
		return nil
	}

	result, err := w.pool.SubmitWait(ctx, &workerpool.Task{ID: event.ID, Payload: &event})
	if err != nil {
		return fmt.Errorf("submit dose %s: %w", event.DoseID, err)
	}
	if result.Error != nil {
		w.metrics.StatementWritten(ResultFailed)
		return result.Error
	}
	return nil
}

func (w *Writer) work(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	event := task.Payload.(*dose.Event)
	ctx, span := w.tracer.Start(ctx, "write_medication_statement",
		trace.WithAttributes(
			attribute.String("dose_id", event.DoseID),
			attribute.String("patient_id", event.PatientID),
		))
	defer span.End()

	key := idempotency.DoseEventKey(string(event.Kind), event.DoseID)
	res, err := w.inbox.Process(ctx, key, HandlerName, event.Payload, w.write)
	if err != nil {
		span.RecordError(err)
		return &workerpool.Result{Error: err}
	}

	if !res.IsNew && !res.WasRecovered {
		w.metrics.StatementWritten(ResultDuplicate)
		w.logger.Debug("medication statement already written", zap.String("dose_id", event.DoseID))
		return &workerpool.Result{Success: true, Data: res}
	}
	w.metrics.StatementWritten(ResultCreated)
	return &workerpool.Result{Success: true, Data: res}
}

// write creates the statement for one completed dose. Rejections by the FHIR
// server and malformed payloads are permanent.
func (w *Writer) write(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p dose.Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, idempotency.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if p.Dose == nil {
		return nil, idempotency.Permanent(errors.New("payload has no dose"))
	}

	created, err := w.fhir.CreateMedicationStatement(ctx, mapper.StatementFromDose(p.Dose))
	if err != nil {
		if client.IsClientError(err) {
			return nil, idempotency.Permanent(err)
		}
		return nil, err
	}

	w.logger.Info("medication statement written",
		zap.String("dose_id", p.Dose.ID),
		zap.String("patient_id", p.Dose.PatientID),
		zap.String("fhir_id", created.ID),
	)
	return json.Marshal(written{FHIRID: created.ID})
}

func isPermanent(err error) bool {
	return idempotency.IsPermanent(err) ||
		errors.Is(err, idempotency.ErrPreviouslyFailed) ||
		errors.Is(err, idempotency.ErrDuplicateMessage)
}
