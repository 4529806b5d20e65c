package schedule

import "fmt"

// UnknownPatternError is returned for a pattern name outside the fixed enumeration.
type UnknownPatternError struct {
	Name string
}

func (e *UnknownPatternError) Error() string {
	return fmt.Sprintf("unknown schedule pattern: %q", e.Name)
}

// TimeParseError is returned when a time expression matches none of the accepted forms.
type TimeParseError struct {
	Raw string
}

func (e *TimeParseError) Error() string {
	return fmt.Sprintf("cannot parse time expression: %q", e.Raw)
}

// UnsupportedPeriodUnitError aborts fixed-frequency generation.
type UnsupportedPeriodUnitError struct {
	Unit PeriodUnit
}

func (e *UnsupportedPeriodUnitError) Error() string {
	return fmt.Sprintf("unsupported period unit: %q", e.Unit)
}

// InvalidRuleError reports a rule whose parameters cannot produce a schedule.
type InvalidRuleError struct {
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return "invalid schedule rule: " + e.Reason
}
