// Package store defines storage interfaces for persisting and retrieving
// daily bars, the per-ticker ingestion ledger and the backtest journal.
package store

import (
	"context"
	"time"

	"splitbuy/internal/domain"
)

// BarStore persists and retrieves daily OHLCV bars keyed by (ticker, date).
type BarStore interface {
	// WriteBars upserts a batch of bars. A bar whose (ticker, date) already
	// exists replaces the stored one.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for ticker with start <= date <= end, ordered by
	// date. It returns domain.ErrTickerNotFound when the ticker has never
	// been written.
	ReadBars(ctx context.Context, ticker string, start, end time.Time) ([]domain.Bar, error)

	// HasTicker reports whether any bar was ever written for ticker.
	HasTicker(ctx context.Context, ticker string) (bool, error)

	// ListTickers returns all tickers with stored bars, sorted.
	ListTickers(ctx context.Context) ([]string, error)
}

// Ledger is the durable per-ticker record of ingestion progress.
type Ledger interface {
	// LastDate returns the most recent date successfully written for
	// ticker. ok is false when nothing was ever written.
	LastDate(ctx context.Context, ticker string) (last time.Time, ok bool, err error)

	// RecordRun folds the result of one ingestion run into the ticker's
	// entry. last_date never moves backwards and failed runs leave it
	// untouched. A failed run for a ticker without an entry is a no-op.
	RecordRun(ctx context.Context, run domain.LedgerRun) error

	// Get returns the entry for ticker; ok is false when none exists.
	Get(ctx context.Context, ticker string) (entry domain.LedgerEntry, ok bool, err error)

	// List returns every entry, ordered by ticker.
	List(ctx context.Context) ([]domain.LedgerEntry, error)
}

// RunRecord is one persisted backtest run. Config and Summary hold JSON
// documents so the journal does not depend on strategy types.
type RunRecord struct {
	ID        string
	Strategy  string
	Tickers   []string
	Start     time.Time
	End       time.Time
	Config    string
	Summary   string
	CreatedAt time.Time

	Events []domain.TradeEvent
	Equity []domain.EquityPoint
}

// Journal persists backtest runs.
type Journal interface {
	// SaveRun stores a run with its events and equity curve atomically.
	SaveRun(ctx context.Context, run RunRecord) error

	// LoadRun returns a full run by ID; ok is false when it does not exist.
	LoadRun(ctx context.Context, id string) (run RunRecord, ok bool, err error)

	// ListRuns returns the most recent runs, newest first, without events
	// or equity points.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}
