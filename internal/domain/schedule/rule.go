// Package schedule turns a prescription's dosing rule into concrete dose instants.
package schedule

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind selects the dosing strategy of a rule
type Kind string

const (
	KindFixedFrequency   Kind = "FIXED_FREQUENCY"
	KindIrregularPattern Kind = "IRREGULAR_PATTERN"
	KindCustomTimes      Kind = "CUSTOM_TIMES"
)

// PeriodUnit is the unit of a fixed-frequency period
type PeriodUnit string

const (
	PeriodHour  PeriodUnit = "HOUR"
	PeriodDay   PeriodUnit = "DAY"
	PeriodWeek  PeriodUnit = "WEEK"
	PeriodMonth PeriodUnit = "MONTH"
)

// Rule is an immutable snapshot of a prescription's dosing instructions.
type Rule struct {
	SourceRequestID string          `json:"source_request_id"`
	PatientID       string          `json:"patient_id"`
	MedicineName    string          `json:"medicine_name"`
	DoseValue       decimal.Decimal `json:"dose_value"`
	DoseUnit        string          `json:"dose_unit"`
	ValidityStart   time.Time       `json:"validity_start"`
	ValidityEnd     time.Time       `json:"validity_end"`
	Kind            Kind            `json:"kind"`

	// FIXED_FREQUENCY
	Frequency  int        `json:"frequency,omitempty"`
	Period     int        `json:"period,omitempty"`
	PeriodUnit PeriodUnit `json:"period_unit,omitempty"`

	// IRREGULAR_PATTERN
	Patterns []Pattern `json:"patterns,omitempty"`

	// CUSTOM_TIMES
	Times []string `json:"times,omitempty"`
}

// Instant is a single generated dose time plus the metadata copied onto the dose record.
type Instant struct {
	At           time.Time
	Irregular    bool
	PatternLabel string
}

// ClockTime is a wall-clock time of day without a date or zone.
type ClockTime struct {
	Hour   int
	Minute int
	Second int
}

// String formats the clock time as HH:mm.
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// On places the clock time on the calendar date of day in loc.
func (c ClockTime) On(day time.Time, loc *time.Location) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, c.Second, 0, loc)
}
