// Package gather defines the contract for pull-only market-data providers.
package gather

import (
	"context"
	"time"

	"splitbuy/internal/domain"
	"splitbuy/internal/util"
)

// Provider is the interface for all daily-bar market-data sources.
type Provider interface {
	// Name returns the provider identifier.
	Name() string
	// Fetch returns the daily bars for ticker in [start, end], both
	// inclusive calendar days. Bars may come back in any order and may be
	// fewer than the number of days requested. Errors are treated as
	// transient unless wrapped with Permanent.
	Fetch(ctx context.Context, ticker string, start, end time.Time) ([]domain.RawBar, error)
}

// DateRange represents a time range for data fetching.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Days returns the number of calendar days covered, inclusive.
func (r DateRange) Days() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return int(util.Day(r.End).Sub(util.Day(r.Start)).Hours()/24) + 1
}

func (r DateRange) String() string {
	return util.FormatDay(r.Start) + ".." + util.FormatDay(r.End)
}

// Permanent marks a provider error as not worth retrying (unknown ticker,
// bad credentials, open circuit).
func Permanent(err error) error { return util.Permanent(err) }

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, ticker string, start, end time.Time) ([]domain.RawBar, error)

// Name returns "func".
func (f ProviderFunc) Name() string { return "func" }

// Fetch calls f.
func (f ProviderFunc) Fetch(ctx context.Context, ticker string, start, end time.Time) ([]domain.RawBar, error) {
	return f(ctx, ticker, start, end)
}
