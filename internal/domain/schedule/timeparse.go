package schedule

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var hourMinutePattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

var isoLocalTimeLayouts = []string{
	"15:04:05",
	"15:04:05.999999999",
}

// ParseTime parses a free-form time expression. Accepted forms, tried in order:
// "HH:MM", an ISO local time such as "14:30:00", and a pattern name.
func ParseTime(raw string) (ClockTime, error) {
	s := strings.TrimSpace(raw)

	if m := hourMinutePattern.FindStringSubmatch(s); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		if h >= 0 && h <= 23 && min >= 0 && min <= 59 {
			return ClockTime{Hour: h, Minute: min}, nil
		}
	}

	for _, layout := range isoLocalTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return ClockTime{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}, nil
		}
	}

	if ct, err := ResolveDefaultTime(s); err == nil {
		return ct, nil
	}

	return ClockTime{}, &TimeParseError{Raw: raw}
}

// ParseTimeList parses every entry independently, splitting comma-separated
// entries first. Unparseable entries are dropped and returned separately so
// callers can log them.
func ParseTimeList(raws []string) (times []ClockTime, rejected []string) {
	for _, raw := range raws {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			ct, err := ParseTime(part)
			if err != nil {
				rejected = append(rejected, part)
				continue
			}
			times = append(times, ct)
		}
	}
	return times, rejected
}
