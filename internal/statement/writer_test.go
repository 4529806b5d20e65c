package statement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/fhir/client"
	"github.com/drfirst/go-adherence/internal/fhir/r5"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
	"github.com/drfirst/go-adherence/pkg/idempotency"
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

type fakeFHIR struct {
	mu      sync.Mutex
	created []*r5.MedicationStatement
	errs    []error
	calls   int
}

func (f *fakeFHIR) CreateMedicationStatement(_ context.Context, stmt *r5.MedicationStatement) (*r5.MedicationStatement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	stored := *stmt
	stored.ID = "ms-" + stmt.Identifier[0].Value
	f.created = append(f.created, &stored)
	return &stored, nil
}

// fakeInbox mirrors the inbox state machine without a database.
type fakeInbox struct {
	mu      sync.Mutex
	entries map[string]idempotency.Status
}

func (f *fakeInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	f.mu.Lock()
	status, seen := f.entries[key]
	f.mu.Unlock()

	switch {
	case seen && status == idempotency.StatusFinished:
		return &idempotency.ProcessResult{IsNew: false}, nil
	case seen && status == idempotency.StatusFailed:
		return nil, idempotency.ErrPreviouslyFailed
	}

	result, err := fn(ctx, payload)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.entries[key] = idempotency.StatusRecoverable
		if idempotency.IsPermanent(err) {
			f.entries[key] = idempotency.StatusFailed
		}
		return nil, err
	}
	f.entries[key] = idempotency.StatusFinished
	return &idempotency.ProcessResult{IsNew: !seen, WasRecovered: seen, Result: result}, nil
}

func newWriter(t *testing.T, fhir *fakeFHIR) (*Writer, *fakeInbox) {
	t.Helper()
	inbox := &fakeInbox{entries: map[string]idempotency.Status{}}
	cfg := workerpool.DefaultConfig()
	cfg.Workers = 2
	cfg.RetryDelay = time.Millisecond
	w, err := NewWriter(fhir, inbox, cfg, nil)
	require.NoError(t, err)
	w.Start()
	t.Cleanup(func() { _ = w.Stop() })
	return w, inbox
}

func completedMessage(t *testing.T, kind dose.EventKind) *redpanda.ConsumedMessage {
	t.Helper()
	at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	rec := &dose.Record{
		ID:              "dose-1",
		SourceRequestID: "mr-100",
		PatientID:       "patient-1",
		MedicineName:    "Amoxicillin",
		DoseValue:       decimal.RequireFromString("250"),
		DoseUnit:        "mg",
		ScheduledAt:     at,
		Date:            at.Truncate(24 * time.Hour),
		Status:          dose.StatusCompleted,
		UpdatedAt:       at.Add(5 * time.Minute),
	}
	event, err := dose.NewEvent(kind, rec, dose.StatusIntended, rec.UpdatedAt)
	require.NoError(t, err)
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{
		Topic: redpanda.TopicDoseCompleted,
		Key:   []byte(rec.PatientID),
		Value: value,
	}
}

func TestHandleWritesStatementOnce(t *testing.T) {
	fhir := &fakeFHIR{}
	w, inbox := newWriter(t, fhir)
	msg := completedMessage(t, dose.EventDoseCompleted)

	require.NoError(t, w.Handle(context.Background(), msg))
	require.NoError(t, w.Handle(context.Background(), msg))

	require.Len(t, fhir.created, 1)
	stmt := fhir.created[0]
	assert.Equal(t, "dose-1", stmt.Identifier[0].Value)
	assert.Equal(t, "Patient/patient-1", stmt.Subject.Reference)
	assert.Equal(t, r5.AdherenceTaking, stmt.AdherenceCode())
	assert.Equal(t, idempotency.StatusFinished, inbox.entries["dose-completed:dose-1"])
}

func TestHandleSkipsReminders(t *testing.T) {
	fhir := &fakeFHIR{}
	w, _ := newWriter(t, fhir)

	require.NoError(t, w.Handle(context.Background(), completedMessage(t, dose.EventDoseReminder)))
	assert.Zero(t, fhir.calls)
}

func TestHandleRejectsMalformedRecords(t *testing.T) {
	w, _ := newWriter(t, &fakeFHIR{})

	err := w.Handle(context.Background(), &redpanda.ConsumedMessage{Value: []byte("{not json")})
	assert.Error(t, err)
}

func TestHandleRetriesServerErrors(t *testing.T) {
	fhir := &fakeFHIR{errs: []error{&client.StatusError{StatusCode: http.StatusServiceUnavailable}}}
	w, _ := newWriter(t, fhir)

	require.NoError(t, w.Handle(context.Background(), completedMessage(t, dose.EventDoseCompleted)))
	assert.Equal(t, 2, fhir.calls)
	assert.Len(t, fhir.created, 1)
}

func TestHandleClientErrorIsPermanent(t *testing.T) {
	fhir := &fakeFHIR{errs: []error{&client.StatusError{StatusCode: http.StatusUnprocessableEntity}}}
	w, inbox := newWriter(t, fhir)
	msg := completedMessage(t, dose.EventDoseCompleted)

	err := w.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, client.IsClientError(err))
	assert.Equal(t, 1, fhir.calls)
	assert.Equal(t, idempotency.StatusFailed, inbox.entries["dose-completed:dose-1"])

	err = w.Handle(context.Background(), msg)
	assert.ErrorIs(t, err, idempotency.ErrPreviouslyFailed)
	assert.Equal(t, 1, fhir.calls)
}

func TestReadyReportsOpenBreaker(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("fhir-server")
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Hour
	cb, err := circuitbreaker.New(cfg, nil)
	require.NoError(t, err)

	w, _ := newWriter(t, &fakeFHIR{})
	w.WithBreaker(cb)
	require.NoError(t, w.Ready(context.Background()))

	_, _ = cb.Execute(context.Background(), func() (interface{}, error) {
		return nil, errors.New("connection refused")
	})
	require.True(t, cb.IsOpen())

	err = w.Ready(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fhir-server")
}

func TestReadyReportsBackloggedQueue(t *testing.T) {
	cfg := workerpool.DefaultConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	w, err := NewWriter(&fakeFHIR{}, &fakeInbox{entries: map[string]idempotency.Status{}}, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	require.NoError(t, w.Ready(context.Background()))

	// workers are not started, so the record stays queued
	ctx, cancel := context.WithCancel(context.Background())
	msg := completedMessage(t, dose.EventDoseCompleted)
	done := make(chan error, 1)
	go func() { done <- w.Handle(ctx, msg) }()

	assert.Eventually(t, func() bool {
		return errors.Is(w.Ready(context.Background()), ErrBacklogged)
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
