// Package domain holds the core value types shared across ingestion, storage
// and backtesting: bars, ledger entries, tranches and trade events.
package domain

import "time"

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is one validated daily OHLCV record. Date is a calendar day at
// 00:00 UTC; (Ticker, Date) identifies the bar.
type Bar struct {
	Ticker   string
	Date     time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	AdjClose float64
	Volume   int64
}

// RawBar is a daily bar as returned by a market-data provider, before
// validation. Nil fields are missing values.
type RawBar struct {
	Ticker   string
	Date     time.Time
	Open     *float64
	High     *float64
	Low      *float64
	Close    *float64
	AdjClose *float64
	Volume   *int64
}

// ---------------------------------------------------------------------------
// Ingestion ledger
// ---------------------------------------------------------------------------

// IngestStatus is the status of the most recent ingestion run for a ticker.
type IngestStatus string

const (
	IngestSuccess IngestStatus = "success"
	IngestPartial IngestStatus = "partial"
	IngestFailed  IngestStatus = "failed"
)

// LedgerEntry is the rolling per-ticker summary of ingestion runs. Zero
// FirstDate/LastDate mean no bar has been written yet.
type LedgerEntry struct {
	Ticker         string
	FirstDate      time.Time
	LastDate       time.Time
	RecordsWritten int
	TotalRecords   int
	Status         IngestStatus
	Reason         string
	UpdatedAt      time.Time
}

// HasData reports whether at least one bar was ever recorded for the ticker.
func (e LedgerEntry) HasData() bool { return !e.LastDate.IsZero() }

// LedgerRun is the result of one ingestion run, as handed to a ledger.
// FirstDate/LastDate are the dates written by this run; both are zero when
// nothing was written.
type LedgerRun struct {
	Ticker         string
	FirstDate      time.Time
	LastDate       time.Time
	RecordsWritten int
	Status         IngestStatus
	Reason         string
	At             time.Time
}

// ---------------------------------------------------------------------------
// Positions and trades
// ---------------------------------------------------------------------------

// PositionState is the split-buy position state machine state.
type PositionState string

const (
	StateFlat         PositionState = "FLAT"
	StateAccumulating PositionState = "ACCUMULATING"
	StateFull         PositionState = "FULL"
	StateExited       PositionState = "EXITED"
)

// Tranche is one buy lot inside a position.
type Tranche struct {
	EntryDate  time.Time
	EntryPrice float64
	Quantity   float64
	FeesPaid   float64
}

// Cost returns the capital committed to the tranche, fees included.
func (t Tranche) Cost() float64 { return t.EntryPrice*t.Quantity + t.FeesPaid }

// Side is the direction of a trade event.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade reasons.
const (
	ReasonBootstrap  = "bootstrap"
	ReasonScaleIn    = "scale_in"
	ReasonTakeProfit = "take_profit"
	ReasonStopLoss   = "stop_loss"
	ReasonEndOfRun   = "end_of_run"
	ReasonTrendUp    = "trend_up"   // short average crossed above the long one
	ReasonTrendDown  = "trend_down" // short average crossed below the long one
)

// TradeEvent is an immutable record of a tranche opening (BUY) or closing
// (SELL). CostBasis, GrossPnL and NetPnL are only set on SELL events.
// Cycle numbers the accumulate-to-exit round trips of a ticker, starting
// at 1; Tranche is the 1-based lot index within the cycle.
type TradeEvent struct {
	Ticker    string
	Date      time.Time
	Side      Side
	Price     float64
	Quantity  float64
	Fees      float64
	Tax       float64
	CostBasis float64
	GrossPnL  float64
	NetPnL    float64
	Reason    string
	Cycle     int
	Tranche   int
}

// EquityPoint is one sample of an equity curve.
type EquityPoint struct {
	Date   time.Time
	Equity float64
}
