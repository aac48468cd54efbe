package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"splitbuy/internal/domain"
	"splitbuy/internal/util"
)

// Compile-time interface check.
var _ BarStore = (*ParquetStore)(nil)

// ParquetStore implements BarStore using one Parquet file per ticker and
// year. Writes to the same ticker are serialized; different tickers
// proceed in parallel.
type ParquetStore struct {
	DataDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	now   func() time.Time
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{
		DataDir: dataDir,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Ticker     string  `parquet:"ticker"`
	Date       int64   `parquet:"date,timestamp(millisecond)"` // 00:00 UTC, Unix ms
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	AdjClose   float64 `parquet:"adj_close"`
	Volume     int64   `parquet:"volume"`
	IngestedAt int64   `parquet:"ingested_at,timestamp(millisecond)"`
}

func toRecord(b domain.Bar, ingestedAt int64) BarRecord {
	return BarRecord{
		Ticker:     strings.ToUpper(b.Ticker),
		Date:       util.Day(b.Date).UnixMilli(),
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		AdjClose:   b.AdjClose,
		Volume:     b.Volume,
		IngestedAt: ingestedAt,
	}
}

func (r BarRecord) bar() domain.Bar {
	return domain.Bar{
		Ticker:   r.Ticker,
		Date:     time.UnixMilli(r.Date).UTC(),
		Open:     r.Open,
		High:     r.High,
		Low:      r.Low,
		Close:    r.Close,
		AdjClose: r.AdjClose,
		Volume:   r.Volume,
	}
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars writes bar data to Parquet files organized by ticker and year.
// Each ticker+year combination is a separate file at:
//
//	<DataDir>/daily/<TICKER>/<YYYY>.parquet
//
// Existing rows are merged; incoming rows win on (ticker, date).
func (s *ParquetStore) WriteBars(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		ticker string
		year   int
	}
	ingestedAt := s.now().UnixMilli()
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{ticker: strings.ToUpper(b.Ticker), year: b.Date.Year()}
		groups[k] = append(groups[k], toRecord(b, ingestedAt))
	}

	keys := make([]key, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ticker != keys[j].ticker {
			return keys[i].ticker < keys[j].ticker
		}
		return keys[i].year < keys[j].year
	})

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.mergeFile(k.ticker, k.year, groups[k]); err != nil {
			return fmt.Errorf("writing bars for %s/%d: %w: %w", k.ticker, k.year, domain.ErrStoreUnavailable, err)
		}
	}
	return nil
}

func (s *ParquetStore) mergeFile(ticker string, year int, records []BarRecord) error {
	lock := s.tickerLock(ticker)
	lock.Lock()
	defer lock.Unlock()

	path := s.barPath(ticker, year)
	existing, err := readParquetFile[BarRecord](path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return writeParquetFile(path, mergeBarRecords(existing, records))
}

// ReadBars reads bars for ticker within [start, end] (calendar days,
// inclusive) ordered by date.
func (s *ParquetStore) ReadBars(ctx context.Context, ticker string, start, end time.Time) ([]domain.Bar, error) {
	ticker = strings.ToUpper(ticker)
	ok, err := s.HasTicker(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", ticker, domain.ErrTickerNotFound)
	}

	from := util.Day(start).UnixMilli()
	to := util.Day(end).UnixMilli()

	lock := s.tickerLock(ticker)
	lock.Lock()
	defer lock.Unlock()

	var bars []domain.Bar
	for year := start.Year(); year <= end.Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(ticker, year))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("reading bars for %s/%d: %w: %w", ticker, year, domain.ErrStoreUnavailable, err)
		}
		for _, r := range records {
			if r.Date >= from && r.Date <= to {
				bars = append(bars, r.bar())
			}
		}
	}
	return bars, nil
}

// HasTicker reports whether the ticker's directory exists.
func (s *ParquetStore) HasTicker(_ context.Context, ticker string) (bool, error) {
	return hasBarFiles(s.tickerDir(ticker))
}

// hasBarFiles reports whether dir holds at least one yearly Parquet file.
// A failed first write can leave the directory behind with nothing in it.
func hasBarFiles(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() && filepath.Ext(e.Name()) == ".parquet" {
			return true, nil
		}
	}
	return false, nil
}

// ListTickers lists all tickers that have bar data.
func (s *ParquetStore) ListTickers(_ context.Context) ([]string, error) {
	dir := filepath.Join(s.DataDir, "daily")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	var tickers []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ok, err := hasBarFiles(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if ok {
			tickers = append(tickers, e.Name())
		}
	}
	sort.Strings(tickers)
	return tickers, nil
}

func (s *ParquetStore) tickerLock(ticker string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[ticker]
	if !ok {
		l = &sync.Mutex{}
		s.locks[ticker] = l
	}
	return l
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

func (s *ParquetStore) tickerDir(ticker string) string {
	return filepath.Join(s.DataDir, "daily", strings.ToUpper(ticker))
}

// barPath returns the filesystem path for a bar Parquet file.
// Layout: <dataDir>/daily/<TICKER>/<YYYY>.parquet
func (s *ParquetStore) barPath(ticker string, year int) string {
	return filepath.Join(s.tickerDir(ticker), fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

// writeParquetFile writes to a sibling temp file and renames it into place
// so readers never see a half-written file.
func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeBarRecords deduplicates bar records by (ticker, date), preferring
// incoming records over existing ones. The result is sorted by date.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		ticker string
		date   int64
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Ticker, r.Date}] = r
	}
	for _, r := range incoming {
		seen[key{r.Ticker, r.Date}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Date < merged[j].Date
	})
	return merged
}
