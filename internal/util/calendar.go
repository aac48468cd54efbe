package util

import (
	"fmt"
	"time"
)

// DayLayout is the on-disk and wire layout for calendar days.
const DayLayout = "2006-01-02"

// Day returns the calendar day of t (in t's own location) as 00:00 UTC.
// Bars, ledger dates and backtest ranges all use this representation.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddDays shifts a day by n calendar days.
func AddDays(day time.Time, n int) time.Time {
	return Day(day).AddDate(0, 0, n)
}

// ParseDay parses a YYYY-MM-DD string into a UTC day.
func ParseDay(s string) (time.Time, error) {
	t, err := time.Parse(DayLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing day %q: %w", s, err)
	}
	return t, nil
}

// FormatDay formats a day as YYYY-MM-DD. The zero time formats as "".
func FormatDay(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DayLayout)
}

// Clock supplies "today" to components that compute date windows.
type Clock interface {
	Today() time.Time
}

// SystemClock reports the current calendar day in a fixed location.
type SystemClock struct {
	Loc *time.Location
}

// Today returns the current day in c.Loc (UTC when unset).
func (c SystemClock) Today() time.Time {
	loc := c.Loc
	if loc == nil {
		loc = time.UTC
	}
	return Day(time.Now().In(loc))
}

// FixedClock always reports the same day. Used by tests and replays.
type FixedClock time.Time

// Today returns the fixed day.
func (c FixedClock) Today() time.Time { return Day(time.Time(c)) }
