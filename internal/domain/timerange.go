package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeRange is a daily window expressed in minutes since midnight.
// Start > End means the window wraps across midnight.
type TimeRange struct {
	Start int
	End   int
}

// ParseTimeRange parses "HH:MM-HH:MM".
func ParseTimeRange(s string) (TimeRange, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return TimeRange{}, fmt.Errorf("invalid time range %q: expected HH:MM-HH:MM", s)
	}
	start, err := parseClock(startStr)
	if err != nil {
		return TimeRange{}, fmt.Errorf("invalid time range %q: %w", s, err)
	}
	end, err := parseClock(endStr)
	if err != nil {
		return TimeRange{}, fmt.Errorf("invalid time range %q: %w", s, err)
	}
	return TimeRange{Start: start, End: end}, nil
}

// Contains reports whether t's time of day (in t's location) falls in the
// range. Both bounds are inclusive at minute resolution.
func (r TimeRange) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if r.Start <= r.End {
		return m >= r.Start && m <= r.End
	}
	return m >= r.Start || m <= r.End
}

// String formats the range back to "HH:MM-HH:MM".
func (r TimeRange) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", r.Start/60, r.Start%60, r.End/60, r.End%60)
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("clock %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("hour %q out of range", hh)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("minute %q out of range", mm)
	}
	return h*60 + m, nil
}
