package events

import (
	"errors"
	"strings"
	"time"
)

// ParseDate parses an ISO-8601 event date into a calendar date (the
// time-of-day component is discarded). Accepted forms:
//
//   - bare date:      2024-03-01
//   - date-time:      2024-03-01T09:30:00 / 2024-03-01T09:30:00Z / +09:00
//   - with sub-second precision, which is truncated before parsing.
//
// Overlap tests operate on calendar dates only; no timezone-aware
// interval math is performed.
func ParseDate(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty date value")
	}

	if !strings.Contains(v, "T") {
		return time.Parse("2006-01-02", v)
	}

	// Truncate sub-second precision; the fraction may be followed by a
	// zone suffix, which is dropped along with it.
	if i := strings.Index(v, "."); i >= 0 {
		v = v[:i]
	}

	for _, layout := range []string{
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unrecognized date-time format: " + v)
}

// StartClock extracts the HH:MM wall-clock portion of an event start
// string. Date-only (all-day) starts map to the "00:00" sentinel.
func StartClock(start string) string {
	i := strings.Index(start, "T")
	if i < 0 || len(start) < i+6 {
		return "00:00"
	}
	return start[i+1 : i+6]
}

// sameOrBefore reports a <= b by calendar date.
func sameOrBefore(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay < by
	}
	if am != bm {
		return am < bm
	}
	return ad <= bd
}
