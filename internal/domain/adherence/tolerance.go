// Package adherence reconciles pending doses against per-patient tolerance windows.
package adherence

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tolerance is a patient's adherence configuration.
type Tolerance struct {
	WindowMinutes            int `json:"tolerance_window_minutes" mapstructure:"window_minutes"`
	ReminderFrequencyMinutes int `json:"reminder_frequency_minutes" mapstructure:"reminder_frequency_minutes"`
	MaxReminderAttempts      int `json:"max_reminder_attempts" mapstructure:"max_reminder_attempts"`
}

// DefaultTolerance returns the tolerance used when a patient has none configured.
func DefaultTolerance() Tolerance {
	return Tolerance{
		WindowMinutes:            30,
		ReminderFrequencyMinutes: 10,
		MaxReminderAttempts:      3,
	}
}

// MaxWindowMinutes caps the tolerance window at one day. The sweep looks back
// one day before the start of today, so no pending dose outlives its window
// unseen.
const MaxWindowMinutes = 24 * 60

// ErrInvalidTolerance is returned by Validate.
var ErrInvalidTolerance = errors.New("invalid adherence tolerance")

// Validate checks the tolerance values.
func (t Tolerance) Validate() error {
	switch {
	case t.WindowMinutes < 0:
		return fmt.Errorf("%w: window must not be negative", ErrInvalidTolerance)
	case t.WindowMinutes > MaxWindowMinutes:
		return fmt.Errorf("%w: window must not exceed %d minutes", ErrInvalidTolerance, MaxWindowMinutes)
	case t.ReminderFrequencyMinutes <= 0:
		return fmt.Errorf("%w: reminder frequency must be positive", ErrInvalidTolerance)
	case t.MaxReminderAttempts < 0:
		return fmt.Errorf("%w: max reminder attempts must not be negative", ErrInvalidTolerance)
	}
	return nil
}

// Window returns the tolerance window as a duration.
func (t Tolerance) Window() time.Duration {
	return time.Duration(t.WindowMinutes) * time.Minute
}

// ReminderEvery returns the minimum spacing between reminders.
func (t Tolerance) ReminderEvery() time.Duration {
	return time.Duration(t.ReminderFrequencyMinutes) * time.Minute
}

// ToleranceStore is the user-settings collaborator. Get returns nil, nil when
// the patient has no tolerance configured. Implementations return a copy so
// readers never observe a partially written value.
type ToleranceStore interface {
	Get(ctx context.Context, patientID string) (*Tolerance, error)
	Put(ctx context.Context, patientID string, t Tolerance) error
}

// Resolve returns the patient's tolerance or defaults when none is configured.
func Resolve(ctx context.Context, store ToleranceStore, patientID string, defaults Tolerance) (Tolerance, error) {
	if store == nil {
		return defaults, nil
	}
	t, err := store.Get(ctx, patientID)
	if err != nil {
		return Tolerance{}, fmt.Errorf("load tolerance for %s: %w", patientID, err)
	}
	if t == nil {
		return defaults, nil
	}
	return *t, nil
}
