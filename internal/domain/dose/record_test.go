package dose

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	tests := map[string]Status{
		"INTENDED":         StatusIntended,
		"not-taken":        StatusNotTaken,
		"entered-in-error": StatusEnteredInError,
		" completed ":      StatusCompleted,
		"ON_HOLD":          StatusOnHold,
	}
	for in, want := range tests {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseStatus("taken")
	assert.True(t, errors.Is(err, ErrUnknownStatus))
}

func TestStatusFHIRCode(t *testing.T) {
	assert.Equal(t, "not-taken", StatusNotTaken.FHIRCode())
	assert.Equal(t, "completed", StatusCompleted.FHIRCode())
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusIntended, StatusCompleted, true},
		{StatusIntended, StatusNotTaken, true},
		{StatusIntended, StatusEnteredInError, true},
		{StatusIntended, StatusStopped, true},
		{StatusIntended, StatusOnHold, true},
		{StatusIntended, StatusIntended, false},
		{StatusIntended, StatusUnknown, false},
		{StatusActive, StatusCompleted, true},
		{StatusOnHold, StatusIntended, true},
		{StatusOnHold, StatusCompleted, false},
		{StatusNotTaken, StatusCompleted, true},
		{StatusNotTaken, StatusIntended, false},
		{StatusCompleted, StatusNotTaken, false},
		{StatusCompleted, StatusEnteredInError, false},
		{StatusStopped, StatusIntended, false},
		{StatusEnteredInError, StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}

	assert.True(t, StatusCompleted.IsTerminal())
	assert.False(t, StatusNotTaken.IsTerminal())
}

func TestTransitionToCompletedRaisesEvent(t *testing.T) {
	at := time.Date(2024, 1, 1, 8, 5, 0, 0, time.UTC)
	rec := &Record{ID: "d1", PatientID: "p1", SourceRequestID: "mr-1", Status: StatusIntended}

	require.NoError(t, rec.TransitionTo(StatusCompleted, at))
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, at, rec.UpdatedAt)

	require.Len(t, rec.Changes(), 1)
	event := rec.Changes()[0]
	assert.Equal(t, EventDoseCompleted, event.Kind)
	assert.Equal(t, "d1", event.DoseID)
	assert.Equal(t, "p1", event.PatientID)

	payload, err := event.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, StatusIntended, payload.PreviousStatus)
	assert.Equal(t, "p1", payload.PatientID)
	assert.Equal(t, StatusCompleted, payload.Dose.Status)

	rec.ClearChanges()
	assert.Empty(t, rec.Changes())
}

func TestTransitionToNotTakenRaisesNothing(t *testing.T) {
	rec := &Record{ID: "d1", Status: StatusIntended}
	require.NoError(t, rec.TransitionTo(StatusNotTaken, time.Now()))
	assert.Empty(t, rec.Changes())
}

func TestInvalidTransitionLeavesRecordUnchanged(t *testing.T) {
	rec := &Record{ID: "d1", Status: StatusCompleted, Version: 3}
	err := rec.TransitionTo(StatusNotTaken, time.Now())

	var ite *InvalidStatusTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, StatusCompleted, ite.From)
	assert.Equal(t, StatusNotTaken, ite.To)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 3, rec.Version)
	assert.Empty(t, rec.Changes())
}

func TestRecordReminder(t *testing.T) {
	at := time.Date(2024, 1, 1, 8, 10, 0, 0, time.UTC)
	rec := &Record{ID: "d1", PatientID: "p1", Status: StatusIntended}

	require.NoError(t, rec.RecordReminder(at))
	require.NoError(t, rec.RecordReminder(at.Add(10*time.Minute)))

	assert.Equal(t, 2, rec.ReminderAttempts)
	require.NotNil(t, rec.LastRemindedAt)
	assert.Equal(t, at.Add(10*time.Minute), *rec.LastRemindedAt)
	require.Len(t, rec.Changes(), 2)

	payload, err := rec.Changes()[1].DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, 2, payload.Attempt)

	done := &Record{ID: "d2", Status: StatusCompleted}
	assert.Error(t, done.RecordReminder(at))
	assert.Zero(t, done.ReminderAttempts)
}
