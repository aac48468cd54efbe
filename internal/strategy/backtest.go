package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"splitbuy/internal/broker"
	"splitbuy/internal/domain"
	"splitbuy/internal/gather"
	"splitbuy/internal/metrics"
	"splitbuy/internal/series"
	"splitbuy/internal/store"
	"splitbuy/internal/strategy/params"
	"splitbuy/internal/strategy/splitbuy"
	"splitbuy/internal/util"
)

// Ticker report statuses.
const (
	TickerOK      = "ok"
	TickerSkipped = "skipped"
)

// gapWarnDays is the calendar-day hole above which a series gap is logged.
const gapWarnDays = 5

// RunRequest describes one backtest.
type RunRequest struct {
	Tickers      []string
	Start        time.Time
	End          time.Time
	Strategy     string        // defaults to split_buy
	Params       params.Params // strategy parameters over its defaults
	Costs        broker.Costs
	CloseAtEnd   bool    // liquidate open tranches on the last bar
	RiskFreeRate float64 // annual, e.g. 0.03
	Workers      int     // concurrent tickers; 0 means one goroutine per ticker
	Persist      bool    // save the run to the journal
}

// TickerReport is the per-ticker outcome of a run.
type TickerReport struct {
	Ticker      string             `json:"ticker"`
	Status      string             `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	Bars        int                `json:"bars"`
	Buys        int                `json:"buys"`
	Sells       int                `json:"sells"`
	RealizedPnL float64            `json:"realized_pnl"`
	FinalEquity float64            `json:"final_equity"`
	Gaps        []gather.DateRange `json:"-"`
}

// BacktestResult holds everything produced by a backtest run.
type BacktestResult struct {
	RunID         string
	Strategy      string
	Start         time.Time
	End           time.Time
	Params        params.Params
	Seed          float64 // starting capital per ticker
	Costs         broker.Costs
	InitialEquity float64
	FinalEquity   float64
	Metrics       Metrics
	Events        []domain.TradeEvent
	Equity        []domain.EquityPoint
	Tickers       []TickerReport
	Elapsed       time.Duration
	Persisted     bool
}

// Traded returns the tickers that were replayed (not skipped).
func (r *BacktestResult) Traded() []string {
	var out []string
	for _, t := range r.Tickers {
		if t.Status == TickerOK {
			out = append(out, t.Ticker)
		}
	}
	return out
}

// Backtester replays stored bar data through a strategy and computes
// performance metrics.
type Backtester struct {
	reader   *series.Reader
	registry *Registry
	journal  store.Journal
	metrics  *metrics.Registry
	log      *slog.Logger
}

// NewBacktester creates a Backtester that reads bars through reader and
// looks up strategies in registry. journal and reg may be nil.
func NewBacktester(reader *series.Reader, registry *Registry, journal store.Journal, reg *metrics.Registry, logger *slog.Logger) *Backtester {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backtester{
		reader:   reader,
		registry: registry,
		journal:  journal,
		metrics:  reg,
		log:      logger.With("component", "backtest"),
	}
}

// tickerRun is what one ticker's goroutine hands back.
type tickerRun struct {
	report TickerReport
	events []domain.TradeEvent
	equity []domain.EquityPoint
}

// Run executes a backtest. Invalid requests fail with
// domain.ErrConfigInvalid before any bar is read. Tickers whose series is
// missing, empty or corrupt are skipped and reported; they never fail the
// run.
func (bt *Backtester) Run(ctx context.Context, req RunRequest) (res *BacktestResult, err error) {
	began := time.Now()
	if req.Strategy == "" {
		req.Strategy = splitbuy.Name
	}
	defer func() {
		var buys, sells int
		if res != nil {
			buys, sells = res.Metrics.BuyCount, res.Metrics.SellCount
		}
		bt.metrics.ObserveBacktest(req.Strategy, err, buys, sells, time.Since(began))
	}()

	tickers, seed, err := bt.validate(&req)
	if err != nil {
		return nil, err
	}

	runs := make([]tickerRun, len(tickers))
	workers := req.Workers
	if workers <= 0 || workers > len(tickers) {
		workers = len(tickers)
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i, ticker := range tickers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				runs[i] = skipped(ticker, "not started: "+ctx.Err().Error())
				return
			}
			defer func() { <-sem }()
			runs[i] = bt.runTicker(ctx, ticker, req)
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("backtest cancelled: %w", err)
	}

	res = &BacktestResult{
		Strategy: req.Strategy,
		Start:    util.Day(req.Start),
		End:      util.Day(req.End),
		Params:   req.Params.Clone(),
		Seed:     seed,
		Costs:    req.Costs,
	}
	curves := make(map[string][]domain.EquityPoint)
	for _, r := range runs {
		res.Tickers = append(res.Tickers, r.report)
		if r.report.Status != TickerOK {
			continue
		}
		res.Events = append(res.Events, r.events...)
		curves[r.report.Ticker] = r.equity
	}
	sortEvents(res.Events)

	res.InitialEquity = seed * float64(len(curves))
	res.Equity = mergeEquity(curves, seed)
	res.FinalEquity = res.InitialEquity
	if n := len(res.Equity); n > 0 {
		res.FinalEquity = res.Equity[n-1].Equity
	}
	res.Metrics = Aggregate(res.Events, res.Equity, res.InitialEquity, req.RiskFreeRate)
	res.RunID = store.NewRunID()
	res.Elapsed = time.Since(began)

	if req.Persist && bt.journal != nil {
		if err := bt.save(ctx, res); err != nil {
			bt.log.Error("saving run", "run_id", res.RunID, "error", err)
		} else {
			res.Persisted = true
		}
	}

	bt.log.Info("backtest complete",
		"run_id", res.RunID,
		"strategy", res.Strategy,
		"tickers", len(curves),
		"skipped", len(tickers)-len(curves),
		"trades", len(res.Events),
		"total_return_pct", res.Metrics.TotalReturn,
		"elapsed", res.Elapsed.Round(time.Millisecond).String(),
	)
	return res, nil
}

// validate checks req and returns its normalised tickers together with the
// per-ticker seed of the configured strategy.
func (bt *Backtester) validate(req *RunRequest) ([]string, float64, error) {
	if err := req.Costs.Validate(); err != nil {
		return nil, 0, err
	}
	// A throwaway instance checks the parameters before any bar is read.
	s, err := bt.registry.New(req.Strategy, "", req.Params, broker.NewSimulator(req.Costs))
	if err != nil {
		return nil, 0, err
	}
	if req.Start.IsZero() || req.End.IsZero() || util.Day(req.End).Before(util.Day(req.Start)) {
		return nil, 0, fmt.Errorf("backtest range %s..%s: %w",
			util.FormatDay(req.Start), util.FormatDay(req.End), domain.ErrConfigInvalid)
	}
	if math.IsNaN(req.RiskFreeRate) || req.RiskFreeRate < 0 || req.RiskFreeRate >= 1 {
		return nil, 0, fmt.Errorf("risk_free_rate %g must be in [0, 1): %w", req.RiskFreeRate, domain.ErrConfigInvalid)
	}

	seen := make(map[string]bool)
	var tickers []string
	for _, t := range req.Tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tickers = append(tickers, t)
	}
	if len(tickers) == 0 {
		return nil, 0, fmt.Errorf("no tickers: %w", domain.ErrConfigInvalid)
	}
	sort.Strings(tickers)
	return tickers, s.Seed(), nil
}

func (bt *Backtester) runTicker(ctx context.Context, ticker string, req RunRequest) tickerRun {
	log := bt.log.With("ticker", ticker)

	bars, err := bt.reader.Read(ctx, ticker, req.Start, req.End)
	switch {
	case errors.Is(err, domain.ErrTickerNotFound):
		log.Warn("skipping ticker: no stored data")
		return skipped(ticker, "ticker not found")
	case errors.Is(err, domain.ErrSeriesCorrupt):
		log.Warn("skipping ticker: corrupt series", "error", err)
		return skipped(ticker, err.Error())
	case err != nil:
		log.Warn("skipping ticker: read failed", "error", err)
		return skipped(ticker, err.Error())
	case len(bars) == 0:
		log.Warn("skipping ticker: no bars in range")
		return skipped(ticker, "no bars in range")
	}

	gaps := series.Gaps(bars, gapWarnDays)
	for _, g := range gaps {
		log.Warn("series gap", "missing", g.String(), "days", g.Days())
	}

	s, err := bt.registry.New(req.Strategy, ticker, req.Params, broker.NewSimulator(req.Costs))
	if err != nil {
		return skipped(ticker, err.Error())
	}

	run := tickerRun{
		report: TickerReport{Ticker: ticker, Status: TickerOK, Bars: len(bars), Gaps: gaps},
		equity: make([]domain.EquityPoint, 0, len(bars)),
	}
	for _, bar := range bars {
		run.events = append(run.events, s.OnBar(bar)...)
		run.equity = append(run.equity, domain.EquityPoint{Date: bar.Date, Equity: s.Equity(bar.Close)})
	}
	if req.CloseAtEnd {
		last := bars[len(bars)-1]
		run.events = append(run.events, s.Close(last.Date, last.Close, domain.ReasonEndOfRun)...)
		run.equity[len(run.equity)-1].Equity = s.Equity(last.Close)
	}

	for _, e := range run.events {
		if e.Side == domain.SideBuy {
			run.report.Buys++
			continue
		}
		run.report.Sells++
		run.report.RealizedPnL += e.NetPnL
	}
	run.report.FinalEquity = run.equity[len(run.equity)-1].Equity
	log.Debug("ticker replayed", "bars", len(bars), "buys", run.report.Buys, "sells", run.report.Sells)
	return run
}

func skipped(ticker, reason string) tickerRun {
	return tickerRun{report: TickerReport{Ticker: ticker, Status: TickerSkipped, Reason: reason}}
}

// sortEvents orders events by date, then ticker. Events of one ticker on
// one date keep their emission order.
func sortEvents(events []domain.TradeEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.Ticker < b.Ticker
	})
}

// mergeEquity sums per-ticker curves over the union of their dates. A
// ticker contributes seed before its first bar and its last known equity
// on dates it has no bar.
func mergeEquity(curves map[string][]domain.EquityPoint, seed float64) []domain.EquityPoint {
	dates := make(map[time.Time]bool)
	for _, c := range curves {
		for _, p := range c {
			dates[util.Day(p.Date)] = true
		}
	}
	union := make([]time.Time, 0, len(dates))
	for d := range dates {
		union = append(union, d)
	}
	sort.Slice(union, func(i, j int) bool { return union[i].Before(union[j]) })

	out := make([]domain.EquityPoint, len(union))
	for i, d := range union {
		out[i].Date = d
	}
	for _, c := range curves {
		j, cur := 0, seed
		for i, d := range union {
			if j < len(c) && util.Day(c[j].Date).Equal(d) {
				cur = c[j].Equity
				j++
			}
			out[i].Equity += cur
		}
	}
	return out
}

// runConfig is the JSON document stored with a persisted run.
type runConfig struct {
	Params       params.Params `json:"params"`
	Costs        broker.Costs  `json:"costs"`
	RiskFreeRate float64       `json:"risk_free_rate"`
}

// runSummary is the JSON summary stored with a persisted run.
type runSummary struct {
	InitialEquity float64        `json:"initial_equity"`
	FinalEquity   float64        `json:"final_equity"`
	Metrics       Metrics        `json:"metrics"`
	Tickers       []TickerReport `json:"tickers"`
}

func (bt *Backtester) save(ctx context.Context, res *BacktestResult) error {
	cfg, err := json.Marshal(runConfig{Params: res.Params, Costs: res.Costs, RiskFreeRate: res.Metrics.RiskFreeRate})
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	sum, err := json.Marshal(runSummary{
		InitialEquity: res.InitialEquity,
		FinalEquity:   res.FinalEquity,
		Metrics:       res.Metrics,
		Tickers:       res.Tickers,
	})
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	tickers := make([]string, len(res.Tickers))
	for i, t := range res.Tickers {
		tickers[i] = t.Ticker
	}
	return bt.journal.SaveRun(ctx, store.RunRecord{
		ID:        res.RunID,
		Strategy:  res.Strategy,
		Tickers:   tickers,
		Start:     res.Start,
		End:       res.End,
		Config:    string(cfg),
		Summary:   string(sum),
		CreatedAt: time.Now().UTC(),
		Events:    res.Events,
		Equity:    res.Equity,
	})
}
