package alpaca

import (
	"fmt"
	"log/slog"
	"time"

	alpacaapi "github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"splitbuy/internal/util"
)

// Compile-time interface check.
var _ util.Clock = (*SessionClock)(nil)

// calendarFunc matches alpaca.Client.GetCalendar.
type calendarFunc func(req alpacaapi.GetCalendarRequest) ([]alpacaapi.CalendarDay, error)

// SessionClock reports the latest finished trading day as "today", so a
// rerun before the next session closes is a no-op for the ingester. When
// the calendar API fails it falls back to the New York calendar day.
type SessionClock struct {
	calendar calendarFunc
	loc      *time.Location
	now      func() time.Time
	log      *slog.Logger
}

// NewSessionClock creates a SessionClock using the Alpaca trading API at
// baseURL.
func NewSessionClock(apiKey, apiSecret, baseURL string) *SessionClock {
	client := alpacaapi.NewClient(alpacaapi.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &SessionClock{
		calendar: client.GetCalendar,
		loc:      loc,
		now:      time.Now,
		log:      slog.Default().With("clock", "alpaca-session"),
	}
}

// Today returns the most recent trading day whose session has ended.
func (c *SessionClock) Today() time.Time {
	now := c.now().In(c.loc)
	day, err := c.latestFinished(now)
	if err != nil {
		c.log.Warn("trading calendar unavailable, using calendar day", "error", err)
		return util.Day(now)
	}
	return day
}

func (c *SessionClock) latestFinished(now time.Time) (time.Time, error) {
	days, err := c.calendar(alpacaapi.GetCalendarRequest{
		Start: now.AddDate(0, 0, -7),
		End:   now,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("GetCalendar: %w", err)
	}
	dates := make([]string, 0, len(days))
	for _, d := range days {
		dates = append(dates, d.Date)
	}
	return LatestFinishedTradingDay(dates, now)
}

// LatestFinishedTradingDay picks, from a list of YYYY-MM-DD session dates,
// the most recent one whose session has ended by now (after 20:05 in now's
// location, so extended-hours data has settled).
func LatestFinishedTradingDay(sessions []string, now time.Time) (time.Time, error) {
	if len(sessions) == 0 {
		return time.Time{}, fmt.Errorf("no trading days returned from calendar")
	}

	today := now.Format(util.DayLayout)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 20, 5, 0, 0, now.Location())

	for i := len(sessions) - 1; i >= 0; i-- {
		if sessions[i] == today {
			if now.After(cutoff) {
				return util.ParseDay(sessions[i])
			}
			continue
		}
		d, err := util.ParseDay(sessions[i])
		if err != nil {
			continue
		}
		if d.Format(util.DayLayout) < today {
			return d, nil
		}
	}

	return time.Time{}, fmt.Errorf("could not determine latest finished trading day")
}
