package schedule

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

const (
	secondsPerHour = 3600
	secondsPerDay  = 86400
	secondsPerWeek = 604800
)

// DefaultMaxDoses is the most doses one rule may expand to. Hourly dosing for
// a full year fits.
const DefaultMaxDoses = 10000

// Generator expands rules into dose instants. All calendar arithmetic happens
// in a single clinical time zone so every host produces the same schedule.
type Generator struct {
	loc      *time.Location
	maxDoses int
	logger   *zap.Logger
}

// NewGenerator creates a generator bound to the clinical time zone.
func NewGenerator(loc *time.Location, logger *zap.Logger) *Generator {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{loc: loc, maxDoses: DefaultMaxDoses, logger: logger}
}

// WithMaxDoses overrides the per-rule dose limit. Non-positive values are ignored.
func (g *Generator) WithMaxDoses(n int) *Generator {
	if n > 0 {
		g.maxDoses = n
	}
	return g
}

// Location returns the clinical time zone.
func (g *Generator) Location() *time.Location { return g.loc }

// Generate returns the ordered dose instants for rule. The rule is not modified.
func (g *Generator) Generate(rule *Rule) ([]Instant, error) {
	if rule == nil {
		return nil, &InvalidRuleError{Reason: "rule is nil"}
	}
	if rule.ValidityEnd.Before(rule.ValidityStart) {
		return nil, &InvalidRuleError{Reason: "validity end is before validity start"}
	}

	switch rule.Kind {
	case KindFixedFrequency:
		return g.fixedFrequency(rule)
	case KindIrregularPattern:
		return g.irregularPattern(rule)
	case KindCustomTimes:
		return g.customTimes(rule)
	default:
		return nil, &InvalidRuleError{Reason: fmt.Sprintf("unknown schedule kind %q", rule.Kind)}
	}
}

// IntervalSeconds computes the spacing between fixed-frequency doses.
func (g *Generator) IntervalSeconds(rule *Rule) (int64, error) {
	if rule.Frequency <= 0 {
		return 0, &InvalidRuleError{Reason: "frequency must be positive"}
	}
	if rule.Period <= 0 {
		return 0, &InvalidRuleError{Reason: "period must be positive"}
	}

	periodSeconds, err := g.secondsInPeriod(rule.PeriodUnit, rule.Period, rule.ValidityStart)
	if err != nil {
		return 0, err
	}

	interval := periodSeconds / int64(rule.Frequency)
	if interval == 0 {
		return 0, &InvalidRuleError{Reason: "frequency exceeds one dose per second"}
	}
	return interval, nil
}

func (g *Generator) secondsInPeriod(unit PeriodUnit, period int, start time.Time) (int64, error) {
	var unitSeconds int64
	switch unit {
	case PeriodHour:
		unitSeconds = secondsPerHour
	case PeriodDay:
		unitSeconds = secondsPerDay
	case PeriodWeek:
		unitSeconds = secondsPerWeek
	case PeriodMonth:
		unitSeconds = int64(daysInMonth(start.In(g.loc))) * secondsPerDay
	default:
		return 0, &UnsupportedPeriodUnitError{Unit: unit}
	}
	if int64(period) > math.MaxInt64/unitSeconds {
		return 0, &InvalidRuleError{Reason: fmt.Sprintf("period %d %s is too long", period, unit)}
	}
	return unitSeconds * int64(period), nil
}

func daysInMonth(t time.Time) int {
	// day 0 of the next month is the last day of this one
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}

func (g *Generator) fixedFrequency(rule *Rule) ([]Instant, error) {
	interval, err := g.IntervalSeconds(rule)
	if err != nil {
		return nil, err
	}

	// Sub saturates for windows past ~292 years, which still trips the limit
	window := rule.ValidityEnd.Sub(rule.ValidityStart)
	total := int64(window/time.Second) / interval
	if total > int64(g.maxDoses) {
		return nil, g.tooManyDoses(rule, total)
	}

	step := time.Duration(interval) * time.Second

	instants := make([]Instant, 0, total)
	for i := int64(0); i < total; i++ {
		instants = append(instants, Instant{
			At: rule.ValidityStart.Add(time.Duration(i) * step).In(g.loc),
		})
	}
	return instants, nil
}

func (g *Generator) tooManyDoses(rule *Rule, n int64) error {
	g.logger.Warn("Rejecting rule over the dose limit",
		zap.String("source_request_id", rule.SourceRequestID),
		zap.Int64("doses", n),
		zap.Int("limit", g.maxDoses),
	)
	return &InvalidRuleError{Reason: fmt.Sprintf("rule yields more than %d doses", g.maxDoses)}
}

func (g *Generator) irregularPattern(rule *Rule) ([]Instant, error) {
	type slot struct {
		label string
		at    ClockTime
	}

	slots := make([]slot, 0, len(rule.Patterns))
	for _, p := range rule.Patterns {
		ct, err := ResolveDefaultTime(string(p))
		if err != nil {
			g.logger.Warn("Skipping unknown schedule pattern",
				zap.String("source_request_id", rule.SourceRequestID),
				zap.String("pattern", string(p)),
			)
			continue
		}
		slots = append(slots, slot{label: string(p), at: ct})
	}
	if len(slots) == 0 {
		return nil, nil
	}

	var instants []Instant
	complete := g.eachDay(rule, func(day time.Time) bool {
		for _, s := range slots {
			instants = g.appendInWindow(instants, rule, Instant{
				At:           s.at.On(day, g.loc),
				Irregular:    true,
				PatternLabel: s.label,
			})
		}
		return len(instants) <= g.maxDoses
	})
	if !complete {
		return nil, g.tooManyDoses(rule, int64(len(instants)))
	}
	return instants, nil
}

func (g *Generator) customTimes(rule *Rule) ([]Instant, error) {
	times, rejected := ParseTimeList(rule.Times)
	for _, raw := range rejected {
		g.logger.Warn("Skipping unparseable dose time",
			zap.String("source_request_id", rule.SourceRequestID),
			zap.String("time", raw),
		)
	}
	if len(times) == 0 {
		return nil, nil
	}

	var instants []Instant
	complete := g.eachDay(rule, func(day time.Time) bool {
		for _, ct := range times {
			instants = g.appendInWindow(instants, rule, Instant{
				At:           ct.On(day, g.loc),
				PatternLabel: ct.String(),
			})
		}
		return len(instants) <= g.maxDoses
	})
	if !complete {
		return nil, g.tooManyDoses(rule, int64(len(instants)))
	}
	return instants, nil
}

// eachDay calls fn for every calendar date from the start date to the end
// date inclusive, both taken in the clinical zone. It reports false when fn
// stopped the walk early.
func (g *Generator) eachDay(rule *Rule, fn func(day time.Time) bool) bool {
	start := rule.ValidityStart.In(g.loc)
	end := rule.ValidityEnd.In(g.loc)

	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, g.loc)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, g.loc)
	for !day.After(last) {
		if !fn(day) {
			return false
		}
		day = day.AddDate(0, 0, 1)
	}
	return true
}

func (g *Generator) appendInWindow(instants []Instant, rule *Rule, in Instant) []Instant {
	if in.At.Before(rule.ValidityStart) || in.At.After(rule.ValidityEnd) {
		g.logger.Debug("Dropping dose outside validity window",
			zap.String("source_request_id", rule.SourceRequestID),
			zap.Time("at", in.At),
		)
		return instants
	}
	return append(instants, in)
}
