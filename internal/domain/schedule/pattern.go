package schedule

import "strings"

// Pattern is a named time-of-day slot.
type Pattern string

const (
	PatternMorning   Pattern = "MORNING"
	PatternNoon      Pattern = "NOON"
	PatternAfternoon Pattern = "AFTERNOON"
	PatternEvening   Pattern = "EVENING"
	PatternNight     Pattern = "NIGHT"
)

var defaultPatternTimes = map[Pattern]ClockTime{
	PatternMorning:   {Hour: 8},
	PatternNoon:      {Hour: 12},
	PatternAfternoon: {Hour: 16},
	PatternEvening:   {Hour: 20},
	PatternNight:     {Hour: 23},
}

// ResolveDefaultTime maps a pattern name to its default clock time.
// Matching ignores case and surrounding whitespace.
func ResolveDefaultTime(name string) (ClockTime, error) {
	p := Pattern(strings.ToUpper(strings.TrimSpace(name)))
	ct, ok := defaultPatternTimes[p]
	if !ok {
		return ClockTime{}, &UnknownPatternError{Name: name}
	}
	return ct, nil
}

// Valid reports whether p is one of the known patterns.
func (p Pattern) Valid() bool {
	_, err := ResolveDefaultTime(string(p))
	return err == nil
}
