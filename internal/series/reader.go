// Package series reads stored daily bars back as verified, date-ordered
// sequences for backtesting.
package series

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"splitbuy/internal/domain"
	"splitbuy/internal/gather"
	"splitbuy/internal/store"
	"splitbuy/internal/util"
)

// Reader is the historical series reader. It holds no cursor state, so a
// read can be repeated at any time.
type Reader struct {
	bars store.BarStore
}

// NewReader creates a Reader over a bar store.
func NewReader(bars store.BarStore) *Reader {
	return &Reader{bars: bars}
}

// Read returns ticker's bars with start <= date <= end, strictly increasing
// by date. A ticker that was never stored yields domain.ErrTickerNotFound;
// a stored ticker with nothing in range yields an empty slice and nil.
func (r *Reader) Read(ctx context.Context, ticker string, start, end time.Time) ([]domain.Bar, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	start, end = util.Day(start), util.Day(end)
	if end.Before(start) {
		return nil, fmt.Errorf("read %s: end %s before start %s: %w",
			ticker, util.FormatDay(end), util.FormatDay(start), domain.ErrConfigInvalid)
	}

	bars, err := r.bars.ReadBars(ctx, ticker, start, end)
	if err != nil {
		if errors.Is(err, domain.ErrTickerNotFound) {
			return nil, fmt.Errorf("read %s: %w", ticker, domain.ErrTickerNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", ticker, err)
	}
	if err := Verify(bars); err != nil {
		return nil, fmt.Errorf("read %s: %w", ticker, err)
	}
	if bars == nil {
		bars = []domain.Bar{}
	}
	return bars, nil
}

// Verify checks that bars are strictly increasing by date.
func Verify(bars []domain.Bar) error {
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1].Date, bars[i].Date
		if !cur.After(prev) {
			return fmt.Errorf("%s at index %d follows %s: %w",
				util.FormatDay(cur), i, util.FormatDay(prev), domain.ErrSeriesCorrupt)
		}
	}
	return nil
}

// Gaps returns the holes between consecutive bars that span more than
// maxCalendarDays calendar days. Each range covers the missing days only.
func Gaps(bars []domain.Bar, maxCalendarDays int) []gather.DateRange {
	var gaps []gather.DateRange
	for i := 1; i < len(bars); i++ {
		from := util.AddDays(bars[i-1].Date, 1)
		to := util.AddDays(bars[i].Date, -1)
		missing := gather.DateRange{Start: from, End: to}
		if missing.Days() > maxCalendarDays {
			gaps = append(gaps, missing)
		}
	}
	return gaps
}
