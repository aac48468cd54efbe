package domain

import "errors"

// Error taxonomy. Components wrap these with fmt.Errorf("...: %w", err) and
// callers match with errors.Is.
var (
	// ErrValidation marks a malformed bar. Non-fatal: the bar is dropped and
	// counted.
	ErrValidation = errors.New("validation error")

	// ErrProviderUnavailable is returned once provider retries are exhausted.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrLedgerUnavailable means the ingestion ledger could not be read or
	// written.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrStoreUnavailable means the bar store rejected a write or read.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrTickerNotFound means the ticker has never been stored.
	ErrTickerNotFound = errors.New("ticker not found")

	// ErrSeriesCorrupt means stored bars are out of order or duplicated.
	ErrSeriesCorrupt = errors.New("series corrupt")

	// ErrConfigInvalid means a configuration value is out of range.
	ErrConfigInvalid = errors.New("config invalid")
)
