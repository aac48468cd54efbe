package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	"splitbuy/internal/domain"
	"splitbuy/internal/util"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ Ledger = (*SQLiteStore)(nil)
var _ Journal = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS ingestion_ledger (
	ticker          TEXT PRIMARY KEY,
	first_date      TEXT,
	last_date       TEXT,
	records_written INTEGER NOT NULL DEFAULT 0,
	total_records   INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS backtest_runs (
	id         TEXT PRIMARY KEY,
	strategy   TEXT NOT NULL,
	tickers    TEXT NOT NULL,
	start_date TEXT NOT NULL,
	end_date   TEXT NOT NULL,
	config     TEXT NOT NULL DEFAULT '{}',
	summary    TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS backtest_trades (
	run_id     TEXT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	ticker     TEXT NOT NULL,
	date       TEXT NOT NULL,
	side       TEXT NOT NULL,
	price      REAL NOT NULL,
	quantity   REAL NOT NULL,
	fees       REAL NOT NULL,
	tax        REAL NOT NULL,
	cost_basis REAL NOT NULL,
	gross_pnl  REAL NOT NULL,
	net_pnl    REAL NOT NULL,
	reason     TEXT NOT NULL,
	cycle      INTEGER NOT NULL,
	tranche    INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS backtest_equity (
	run_id TEXT NOT NULL REFERENCES backtest_runs(id) ON DELETE CASCADE,
	date   TEXT NOT NULL,
	equity REAL NOT NULL,
	PRIMARY KEY (run_id, date)
);
`

// SQLiteStore implements Ledger and Journal backed by a SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies
// the schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w: %w", dbPath, domain.ErrLedgerUnavailable, err)
	}
	// One writer at a time; concurrent callers queue on the pool.
	raw.SetMaxOpenConns(1)

	db := sqlx.NewDb(raw, "sqlite3")
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w: %w", pragma, domain.ErrLedgerUnavailable, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w: %w", domain.ErrLedgerUnavailable, err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrLedgerUnavailable, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Ledger implementation
// ---------------------------------------------------------------------------

type ledgerRow struct {
	Ticker         string         `db:"ticker"`
	FirstDate      sql.NullString `db:"first_date"`
	LastDate       sql.NullString `db:"last_date"`
	RecordsWritten int            `db:"records_written"`
	TotalRecords   int            `db:"total_records"`
	Status         string         `db:"status"`
	Reason         string         `db:"reason"`
	UpdatedAt      string         `db:"updated_at"`
}

func nullDay(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: util.FormatDay(t), Valid: true}
}

func parseNullDay(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := util.ParseDay(s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (r ledgerRow) entry() domain.LedgerEntry {
	updated, _ := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	return domain.LedgerEntry{
		Ticker:         r.Ticker,
		FirstDate:      parseNullDay(r.FirstDate),
		LastDate:       parseNullDay(r.LastDate),
		RecordsWritten: r.RecordsWritten,
		TotalRecords:   r.TotalRecords,
		Status:         domain.IngestStatus(r.Status),
		Reason:         r.Reason,
		UpdatedAt:      updated,
	}
}

// LastDate returns the most recent date written for ticker.
func (s *SQLiteStore) LastDate(ctx context.Context, ticker string) (time.Time, bool, error) {
	var last sql.NullString
	err := s.db.GetContext(ctx, &last,
		`SELECT last_date FROM ingestion_ledger WHERE ticker = ?`, strings.ToUpper(ticker))
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading ledger for %s: %w: %w", ticker, domain.ErrLedgerUnavailable, err)
	}
	t := parseNullDay(last)
	return t, !t.IsZero(), nil
}

// The upsert keeps first_date from the first run that wrote data, never
// lets last_date go backwards and ignores NULL dates from failed runs.
const upsertLedger = `
INSERT INTO ingestion_ledger
	(ticker, first_date, last_date, records_written, total_records, status, reason, updated_at)
VALUES
	(:ticker, :first_date, :last_date, :records_written, :records_written, :status, :reason, :updated_at)
ON CONFLICT(ticker) DO UPDATE SET
	first_date = COALESCE(ingestion_ledger.first_date, excluded.first_date),
	last_date = CASE
		WHEN excluded.last_date IS NULL THEN ingestion_ledger.last_date
		WHEN ingestion_ledger.last_date IS NULL THEN excluded.last_date
		WHEN excluded.last_date > ingestion_ledger.last_date THEN excluded.last_date
		ELSE ingestion_ledger.last_date
	END,
	records_written = excluded.records_written,
	total_records = ingestion_ledger.total_records + excluded.records_written,
	status = excluded.status,
	reason = excluded.reason,
	updated_at = excluded.updated_at`

// updateFailedLedger marks an existing entry failed. Dates are untouched.
const updateFailedLedger = `
UPDATE ingestion_ledger SET
	records_written = :records_written,
	total_records = total_records + :records_written,
	status = :status,
	reason = :reason,
	updated_at = :updated_at
WHERE ticker = :ticker`

// RecordRun upserts the ledger entry for run.Ticker. Entries are created by
// the first run that writes data; a failed run only updates an existing
// entry.
func (s *SQLiteStore) RecordRun(ctx context.Context, run domain.LedgerRun) error {
	at := run.At
	if at.IsZero() {
		at = time.Now()
	}
	row := ledgerRow{
		Ticker:         strings.ToUpper(run.Ticker),
		FirstDate:      nullDay(run.FirstDate),
		LastDate:       nullDay(run.LastDate),
		RecordsWritten: run.RecordsWritten,
		Status:         string(run.Status),
		Reason:         run.Reason,
		UpdatedAt:      at.UTC().Format(time.RFC3339Nano),
	}
	query := upsertLedger
	if run.Status == domain.IngestFailed {
		query = updateFailedLedger
	}
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("recording run for %s: %w: %w", run.Ticker, domain.ErrLedgerUnavailable, err)
	}
	return nil
}

// Get returns the ledger entry for ticker.
func (s *SQLiteStore) Get(ctx context.Context, ticker string) (domain.LedgerEntry, bool, error) {
	var row ledgerRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM ingestion_ledger WHERE ticker = ?`, strings.ToUpper(ticker))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerEntry{}, false, nil
	}
	if err != nil {
		return domain.LedgerEntry{}, false, fmt.Errorf("reading ledger for %s: %w: %w", ticker, domain.ErrLedgerUnavailable, err)
	}
	return row.entry(), true, nil
}

// List returns all ledger entries ordered by ticker.
func (s *SQLiteStore) List(ctx context.Context) ([]domain.LedgerEntry, error) {
	var rows []ledgerRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM ingestion_ledger ORDER BY ticker`); err != nil {
		return nil, fmt.Errorf("listing ledger: %w: %w", domain.ErrLedgerUnavailable, err)
	}
	entries := make([]domain.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.entry())
	}
	return entries, nil
}

// ---------------------------------------------------------------------------
// Journal implementation
// ---------------------------------------------------------------------------

type runRow struct {
	ID        string `db:"id"`
	Strategy  string `db:"strategy"`
	Tickers   string `db:"tickers"`
	StartDate string `db:"start_date"`
	EndDate   string `db:"end_date"`
	Config    string `db:"config"`
	Summary   string `db:"summary"`
	CreatedAt string `db:"created_at"`
}

func (r runRow) record() RunRecord {
	start, _ := util.ParseDay(r.StartDate)
	end, _ := util.ParseDay(r.EndDate)
	created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	var tickers []string
	if r.Tickers != "" {
		tickers = strings.Split(r.Tickers, ",")
	}
	return RunRecord{
		ID:        r.ID,
		Strategy:  r.Strategy,
		Tickers:   tickers,
		Start:     start,
		End:       end,
		Config:    r.Config,
		Summary:   r.Summary,
		CreatedAt: created,
	}
}

type tradeRow struct {
	RunID     string  `db:"run_id"`
	Seq       int     `db:"seq"`
	Ticker    string  `db:"ticker"`
	Date      string  `db:"date"`
	Side      string  `db:"side"`
	Price     float64 `db:"price"`
	Quantity  float64 `db:"quantity"`
	Fees      float64 `db:"fees"`
	Tax       float64 `db:"tax"`
	CostBasis float64 `db:"cost_basis"`
	GrossPnL  float64 `db:"gross_pnl"`
	NetPnL    float64 `db:"net_pnl"`
	Reason    string  `db:"reason"`
	Cycle     int     `db:"cycle"`
	Tranche   int     `db:"tranche"`
}

type equityRow struct {
	RunID  string  `db:"run_id"`
	Date   string  `db:"date"`
	Equity float64 `db:"equity"`
}

// NewRunID returns a new lexically sortable run identifier.
func NewRunID() string { return ulid.Make().String() }

// SaveRun stores run, its trade events and equity curve in one transaction.
// An empty run.ID is replaced by a fresh one.
func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin journal tx: %w: %w", domain.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO backtest_runs (id, strategy, tickers, start_date, end_date, config, summary, created_at)
		VALUES (:id, :strategy, :tickers, :start_date, :end_date, :config, :summary, :created_at)`,
		runRow{
			ID:        run.ID,
			Strategy:  run.Strategy,
			Tickers:   strings.Join(run.Tickers, ","),
			StartDate: util.FormatDay(run.Start),
			EndDate:   util.FormatDay(run.End),
			Config:    orEmptyJSON(run.Config),
			Summary:   orEmptyJSON(run.Summary),
			CreatedAt: created.UTC().Format(time.RFC3339Nano),
		})
	if err != nil {
		return fmt.Errorf("insert run %s: %w: %w", run.ID, domain.ErrStoreUnavailable, err)
	}

	for i, e := range run.Events {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO backtest_trades
				(run_id, seq, ticker, date, side, price, quantity, fees, tax, cost_basis, gross_pnl, net_pnl, reason, cycle, tranche)
			VALUES
				(:run_id, :seq, :ticker, :date, :side, :price, :quantity, :fees, :tax, :cost_basis, :gross_pnl, :net_pnl, :reason, :cycle, :tranche)`,
			tradeRow{
				RunID:     run.ID,
				Seq:       i,
				Ticker:    e.Ticker,
				Date:      util.FormatDay(e.Date),
				Side:      string(e.Side),
				Price:     e.Price,
				Quantity:  e.Quantity,
				Fees:      e.Fees,
				Tax:       e.Tax,
				CostBasis: e.CostBasis,
				GrossPnL:  e.GrossPnL,
				NetPnL:    e.NetPnL,
				Reason:    e.Reason,
				Cycle:     e.Cycle,
				Tranche:   e.Tranche,
			})
		if err != nil {
			return fmt.Errorf("insert trade %d of run %s: %w: %w", i, run.ID, domain.ErrStoreUnavailable, err)
		}
	}

	for _, p := range run.Equity {
		_, err := tx.NamedExecContext(ctx,
			`INSERT INTO backtest_equity (run_id, date, equity) VALUES (:run_id, :date, :equity)`,
			equityRow{RunID: run.ID, Date: util.FormatDay(p.Date), Equity: p.Equity})
		if err != nil {
			return fmt.Errorf("insert equity of run %s: %w: %w", run.ID, domain.ErrStoreUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w: %w", run.ID, domain.ErrStoreUnavailable, err)
	}
	return nil
}

// LoadRun returns the run with the given id including events and equity.
func (s *SQLiteStore) LoadRun(ctx context.Context, id string) (RunRecord, bool, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM backtest_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, fmt.Errorf("load run %s: %w: %w", id, domain.ErrStoreUnavailable, err)
	}
	run := row.record()

	var trades []tradeRow
	if err := s.db.SelectContext(ctx, &trades,
		`SELECT * FROM backtest_trades WHERE run_id = ? ORDER BY seq`, id); err != nil {
		return RunRecord{}, false, fmt.Errorf("load trades of run %s: %w: %w", id, domain.ErrStoreUnavailable, err)
	}
	for _, t := range trades {
		date, _ := util.ParseDay(t.Date)
		run.Events = append(run.Events, domain.TradeEvent{
			Ticker:    t.Ticker,
			Date:      date,
			Side:      domain.Side(t.Side),
			Price:     t.Price,
			Quantity:  t.Quantity,
			Fees:      t.Fees,
			Tax:       t.Tax,
			CostBasis: t.CostBasis,
			GrossPnL:  t.GrossPnL,
			NetPnL:    t.NetPnL,
			Reason:    t.Reason,
			Cycle:     t.Cycle,
			Tranche:   t.Tranche,
		})
	}

	var equity []equityRow
	if err := s.db.SelectContext(ctx, &equity,
		`SELECT * FROM backtest_equity WHERE run_id = ? ORDER BY date`, id); err != nil {
		return RunRecord{}, false, fmt.Errorf("load equity of run %s: %w: %w", id, domain.ErrStoreUnavailable, err)
	}
	for _, e := range equity {
		date, _ := util.ParseDay(e.Date)
		run.Equity = append(run.Equity, domain.EquityPoint{Date: date, Equity: e.Equity})
	}
	return run, true, nil
}

// ListRuns returns up to limit runs, newest first. ULIDs sort by creation
// time, so ordering by id is ordering by age.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM backtest_runs ORDER BY id DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("list runs: %w: %w", domain.ErrStoreUnavailable, err)
	}
	runs := make([]RunRecord, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, r.record())
	}
	return runs, nil
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
