package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"splitbuy/internal/domain"
	"splitbuy/internal/util"
)

// Compile-time interface checks.
var _ Ledger = (*MemoryLedger)(nil)
var _ BarStore = (*MemoryBarStore)(nil)

// MemoryLedger is an in-process Ledger with the same semantics as the
// SQLite one. Setting Err makes every call fail with it wrapped in
// domain.ErrLedgerUnavailable.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]domain.LedgerEntry
	Err     error
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]domain.LedgerEntry)}
}

func (l *MemoryLedger) fail() error {
	if l.Err != nil {
		return fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, l.Err)
	}
	return nil
}

// LastDate returns the last written date for ticker.
func (l *MemoryLedger) LastDate(_ context.Context, ticker string) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(); err != nil {
		return time.Time{}, false, err
	}
	e, ok := l.entries[strings.ToUpper(ticker)]
	if !ok || !e.HasData() {
		return time.Time{}, false, nil
	}
	return e.LastDate, true, nil
}

// RecordRun folds run into the ticker's entry.
func (l *MemoryLedger) RecordRun(_ context.Context, run domain.LedgerRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(); err != nil {
		return err
	}

	key := strings.ToUpper(run.Ticker)
	e, ok := l.entries[key]
	if !ok && run.Status == domain.IngestFailed {
		return nil
	}
	e.Ticker = key
	if e.FirstDate.IsZero() && !run.FirstDate.IsZero() {
		e.FirstDate = util.Day(run.FirstDate)
	}
	if !run.LastDate.IsZero() && util.Day(run.LastDate).After(e.LastDate) {
		e.LastDate = util.Day(run.LastDate)
	}
	e.RecordsWritten = run.RecordsWritten
	e.TotalRecords += run.RecordsWritten
	e.Status = run.Status
	e.Reason = run.Reason
	e.UpdatedAt = run.At
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	l.entries[key] = e
	return nil
}

// Get returns the entry for ticker.
func (l *MemoryLedger) Get(_ context.Context, ticker string) (domain.LedgerEntry, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(); err != nil {
		return domain.LedgerEntry{}, false, err
	}
	e, ok := l.entries[strings.ToUpper(ticker)]
	return e, ok, nil
}

// List returns all entries ordered by ticker.
func (l *MemoryLedger) List(_ context.Context) ([]domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail(); err != nil {
		return nil, err
	}
	out := make([]domain.LedgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

// MemoryBarStore is an in-process BarStore. Setting WriteErr makes
// WriteBars fail with it wrapped in domain.ErrStoreUnavailable.
type MemoryBarStore struct {
	mu       sync.Mutex
	bars     map[string]map[time.Time]domain.Bar
	WriteErr error
	writes   int
}

// NewMemoryBarStore creates an empty MemoryBarStore.
func NewMemoryBarStore() *MemoryBarStore {
	return &MemoryBarStore{bars: make(map[string]map[time.Time]domain.Bar)}
}

// WriteBars upserts bars by (ticker, date).
func (s *MemoryBarStore) WriteBars(_ context.Context, bars []domain.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, s.WriteErr)
	}
	for _, b := range bars {
		key := strings.ToUpper(b.Ticker)
		m, ok := s.bars[key]
		if !ok {
			m = make(map[time.Time]domain.Bar)
			s.bars[key] = m
		}
		b.Ticker = key
		b.Date = util.Day(b.Date)
		m[b.Date] = b
	}
	s.writes++
	return nil
}

// ReadBars returns bars in [start, end] ordered by date.
func (s *MemoryBarStore) ReadBars(_ context.Context, ticker string, start, end time.Time) ([]domain.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.bars[strings.ToUpper(ticker)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ticker, domain.ErrTickerNotFound)
	}
	from, to := util.Day(start), util.Day(end)
	var out []domain.Bar
	for d, b := range m {
		if !d.Before(from) && !d.After(to) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// HasTicker reports whether ticker has been written.
func (s *MemoryBarStore) HasTicker(_ context.Context, ticker string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bars[strings.ToUpper(ticker)]
	return ok, nil
}

// ListTickers returns stored tickers, sorted.
func (s *MemoryBarStore) ListTickers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.bars))
	for t := range s.bars {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Count returns the number of bars stored for ticker.
func (s *MemoryBarStore) Count(ticker string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bars[strings.ToUpper(ticker)])
}

// Writes returns the number of successful WriteBars calls.
func (s *MemoryBarStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
