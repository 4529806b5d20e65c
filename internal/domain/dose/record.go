// Package dose implements dose records, their status state machine and the
// services that materialize and update them.
package dose

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status represents dose status
type Status string

const (
	StatusIntended       Status = "INTENDED"
	StatusActive         Status = "ACTIVE"
	StatusNotTaken       Status = "NOT_TAKEN"
	StatusCompleted      Status = "COMPLETED"
	StatusEnteredInError Status = "ENTERED_IN_ERROR"
	StatusStopped        Status = "STOPPED"
	StatusOnHold         Status = "ON_HOLD"
	StatusUnknown        Status = "UNKNOWN"
)

// ErrUnknownStatus is returned when a status string is outside the enumeration.
var ErrUnknownStatus = errors.New("unknown dose status")

var allStatuses = []Status{
	StatusIntended, StatusActive, StatusNotTaken, StatusCompleted,
	StatusEnteredInError, StatusStopped, StatusOnHold, StatusUnknown,
}

// ParseStatus accepts both the upper-case form ("NOT_TAKEN") and the FHIR
// code form ("not-taken").
func ParseStatus(s string) (Status, error) {
	normalized := Status(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	for _, st := range allStatuses {
		if st == normalized {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// FHIRCode returns the lower-case hyphenated code used by FHIR resources.
func (s Status) FHIRCode() string {
	return strings.ToLower(strings.ReplaceAll(string(s), "_", "-"))
}

var transitions = map[Status][]Status{
	StatusIntended: {StatusCompleted, StatusNotTaken, StatusEnteredInError, StatusStopped, StatusOnHold},
	StatusActive:   {StatusCompleted, StatusNotTaken, StatusEnteredInError, StatusStopped, StatusOnHold},
	StatusOnHold:   {StatusIntended, StatusStopped, StatusEnteredInError},
	StatusNotTaken: {StatusCompleted, StatusEnteredInError},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// InvalidStatusTransitionError is returned when a status change is not in the transition table.
type InvalidStatusTransitionError struct {
	DoseID string
	From   Status
	To     Status
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for dose %s: %s -> %s", e.DoseID, e.From, e.To)
}

// Record represents one scheduled dose
type Record struct {
	ID               string          `json:"id"`
	SourceRequestID  string          `json:"source_request_id"`
	PatientID        string          `json:"patient_id"`
	MedicineName     string          `json:"medicine_name"`
	DoseValue        decimal.Decimal `json:"dose_value"`
	DoseUnit         string          `json:"dose_unit"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	Date             time.Time       `json:"date"`
	Status           Status          `json:"status"`
	Irregular        bool            `json:"is_irregular"`
	PatternLabel     *string         `json:"schedule_pattern_label,omitempty"`
	ReminderAttempts int             `json:"reminder_attempts"`
	LastRemindedAt   *time.Time      `json:"last_reminded_at,omitempty"`
	Version          int             `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`

	changes []*Event
}

// Changes returns events raised since the record was loaded
func (r *Record) Changes() []*Event { return r.changes }

// ClearChanges clears uncommitted events
func (r *Record) ClearChanges() { r.changes = nil }

// TransitionTo moves the record to next. Completion raises a DOSE_COMPLETED event.
func (r *Record) TransitionTo(next Status, at time.Time) error {
	if !CanTransition(r.Status, next) {
		return &InvalidStatusTransitionError{DoseID: r.ID, From: r.Status, To: next}
	}

	previous := r.Status
	r.Status = next
	r.UpdatedAt = at

	if next == StatusCompleted {
		event, err := NewEvent(EventDoseCompleted, r, previous, at)
		if err != nil {
			r.Status = previous
			return err
		}
		r.changes = append(r.changes, event)
	}
	return nil
}

// RecordReminder increments the durable reminder counter and raises a DOSE_REMINDER event.
func (r *Record) RecordReminder(at time.Time) error {
	if r.Status != StatusIntended && r.Status != StatusActive {
		return fmt.Errorf("dose %s is %s, reminders only apply to pending doses", r.ID, r.Status)
	}

	r.ReminderAttempts++
	remindedAt := at
	r.LastRemindedAt = &remindedAt
	r.UpdatedAt = at

	event, err := NewEvent(EventDoseReminder, r, r.Status, at)
	if err != nil {
		r.ReminderAttempts--
		return err
	}
	r.changes = append(r.changes, event)
	return nil
}

// Label returns the schedule pattern label or "".
func (r *Record) Label() string {
	if r.PatternLabel == nil {
		return ""
	}
	return *r.PatternLabel
}
