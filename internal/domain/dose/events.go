package dose

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind represents the type of dose event
type EventKind string

const (
	EventDoseCompleted EventKind = "DOSE_COMPLETED"
	EventDoseReminder  EventKind = "DOSE_REMINDER"
)

// Event represents a dose event handed to the notifier
type Event struct {
	ID              string          `json:"id"`
	Kind            EventKind       `json:"kind"`
	DoseID          string          `json:"dose_id"`
	PatientID       string          `json:"patient_id"`
	SourceRequestID string          `json:"source_request_id"`
	Payload         json.RawMessage `json:"payload"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

// Payload is the body carried by every dose event
type Payload struct {
	Dose           *Record `json:"dose"`
	PatientID      string  `json:"patient_id"`
	PreviousStatus Status  `json:"previous_status"`
	Attempt        int     `json:"attempt,omitempty"`
}

// NewEvent snapshots rec into a new event
func NewEvent(kind EventKind, rec *Record, previous Status, at time.Time) (*Event, error) {
	payload := Payload{
		Dose:           rec,
		PatientID:      rec.PatientID,
		PreviousStatus: previous,
	}
	if kind == EventDoseReminder {
		payload.Attempt = rec.ReminderAttempts
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:              uuid.New().String(),
		Kind:            kind,
		DoseID:          rec.ID,
		PatientID:       rec.PatientID,
		SourceRequestID: rec.SourceRequestID,
		Payload:         data,
		OccurredAt:      at.UTC(),
	}, nil
}

// DecodePayload unmarshals the event payload
func (e *Event) DecodePayload() (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
