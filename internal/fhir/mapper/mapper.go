// Package mapper converts between FHIR R5 resources and the scheduling domain.
package mapper

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/domain/schedule"
	"github.com/drfirst/go-adherence/internal/fhir/r5"
	"github.com/shopspring/decimal"
)

var whenPatterns = map[string]schedule.Pattern{
	r5.WhenMorning:   schedule.PatternMorning,
	r5.WhenNoon:      schedule.PatternNoon,
	r5.WhenAfternoon: schedule.PatternAfternoon,
	r5.WhenEvening:   schedule.PatternEvening,
	r5.WhenNight:     schedule.PatternNight,
}

var periodUnits = map[string]schedule.PeriodUnit{
	"h":  schedule.PeriodHour,
	"d":  schedule.PeriodDay,
	"wk": schedule.PeriodWeek,
	"mo": schedule.PeriodMonth,
}

// RuleFromMedicationRequest derives a dosing rule from the first dosage
// instruction of mr. Timing is read in this order: repeat.when gives an
// irregular pattern, repeat.timeOfDay gives custom times, and
// frequency/period/periodUnit gives a fixed frequency.
func RuleFromMedicationRequest(mr *r5.MedicationRequest) (*schedule.Rule, error) {
	if mr == nil {
		return nil, &schedule.InvalidRuleError{Reason: "medication request is nil"}
	}
	if mr.ID == "" {
		return nil, &schedule.InvalidRuleError{Reason: "medication request id is required"}
	}
	patientID := mr.GetPatientID()
	if patientID == "" {
		return nil, &schedule.InvalidRuleError{Reason: "subject reference is required"}
	}
	if len(mr.DosageInstruction) == 0 {
		return nil, &schedule.InvalidRuleError{Reason: "dosageInstruction is required"}
	}

	dosage := mr.DosageInstruction[0]
	if dosage.Timing == nil || dosage.Timing.Repeat == nil {
		return nil, &schedule.InvalidRuleError{Reason: "dosageInstruction[0].timing.repeat is required"}
	}
	repeat := dosage.Timing.Repeat

	start, end, err := validity(mr, repeat)
	if err != nil {
		return nil, err
	}

	rule := &schedule.Rule{
		SourceRequestID: mr.ID,
		PatientID:       patientID,
		MedicineName:    mr.GetMedicationDisplay(),
		ValidityStart:   start,
		ValidityEnd:     end,
	}
	if len(dosage.DoseAndRate) > 0 && dosage.DoseAndRate[0].DoseQuantity != nil {
		q := dosage.DoseAndRate[0].DoseQuantity
		rule.DoseValue = decimal.NewFromFloat(q.Value)
		rule.DoseUnit = q.Unit
		if rule.DoseUnit == "" {
			rule.DoseUnit = q.Code
		}
	}

	switch {
	case len(repeat.When) > 0:
		rule.Kind = schedule.KindIrregularPattern
		for _, code := range repeat.When {
			p, ok := whenPatterns[strings.ToUpper(code)]
			if !ok {
				// the generator skips unknown names with a warning
				p = schedule.Pattern(code)
			}
			rule.Patterns = append(rule.Patterns, p)
		}
	case len(repeat.TimeOfDay) > 0:
		rule.Kind = schedule.KindCustomTimes
		rule.Times = append(rule.Times, repeat.TimeOfDay...)
	default:
		rule.Kind = schedule.KindFixedFrequency
		unit, ok := periodUnits[repeat.PeriodUnit]
		if !ok {
			return nil, &schedule.UnsupportedPeriodUnitError{Unit: schedule.PeriodUnit(repeat.PeriodUnit)}
		}
		if repeat.Period != math.Trunc(repeat.Period) {
			return nil, &schedule.InvalidRuleError{Reason: fmt.Sprintf("fractional period %v is not supported", repeat.Period)}
		}
		rule.Frequency = repeat.Frequency
		rule.Period = int(repeat.Period)
		rule.PeriodUnit = unit
	}

	return rule, nil
}

func validity(mr *r5.MedicationRequest, repeat *r5.TimingRepeat) (time.Time, time.Time, error) {
	period := mr.GetValidityPeriod()
	if period == nil || period.Start == nil || period.End == nil {
		period = repeat.BoundsPeriod
	}
	if period == nil || period.Start == nil || period.End == nil {
		return time.Time{}, time.Time{}, &schedule.InvalidRuleError{
			Reason: "dispenseRequest.validityPeriod or timing.repeat.boundsPeriod with start and end is required",
		}
	}
	if period.End.Before(*period.Start) {
		return time.Time{}, time.Time{}, &schedule.InvalidRuleError{Reason: "validity period ends before it starts"}
	}
	return *period.Start, *period.End, nil
}

var adherenceCodes = map[dose.Status]string{
	dose.StatusCompleted: r5.AdherenceTaking,
	dose.StatusNotTaken:  r5.AdherenceNotTaking,
	dose.StatusStopped:   r5.AdherenceStopped,
	dose.StatusOnHold:    r5.AdherenceOnHold,
}

// StatementFromDose builds the MedicationStatement recording rec.
func StatementFromDose(rec *dose.Record) *r5.MedicationStatement {
	stmt := r5.NewMedicationStatement()
	stmt.Identifier = []r5.Identifier{{Use: "official", System: r5.SystemDoseID, Value: rec.ID}}
	stmt.DerivedFrom = []r5.Reference{{Reference: "MedicationRequest/" + rec.SourceRequestID}}
	if rec.Status == dose.StatusEnteredInError {
		stmt.Status = r5.StatementEnteredInError
	}
	stmt.Medication = r5.CodeableReference{Concept: &r5.CodeableConcept{Text: rec.MedicineName}}
	stmt.Subject = r5.Reference{Reference: "Patient/" + rec.PatientID, Type: "Patient"}

	effective := rec.ScheduledAt.UTC()
	stmt.EffectiveDateTime = &effective
	asserted := rec.UpdatedAt.UTC()
	stmt.DateAsserted = &asserted

	dosage := r5.Dosage{
		Text: rec.Label(),
		DoseAndRate: []r5.DoseAndRate{{
			DoseQuantity: &r5.Quantity{
				Value:  rec.DoseValue.InexactFloat64(),
				Unit:   rec.DoseUnit,
				System: r5.SystemUCUM,
				Code:   rec.DoseUnit,
			},
		}},
	}
	stmt.Dosage = []r5.Dosage{dosage}

	code, ok := adherenceCodes[rec.Status]
	if !ok {
		code = r5.AdherenceUnknown
	}
	stmt.Adherence = &r5.Adherence{Code: r5.CodeableConcept{
		Coding: []r5.Coding{{System: r5.SystemAdherence, Code: code}},
	}}
	return stmt
}
