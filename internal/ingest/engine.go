package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"splitbuy/internal/domain"
	"splitbuy/internal/gather"
	"splitbuy/internal/metrics"
	"splitbuy/internal/store"
	"splitbuy/internal/util"
)

// Status is the outcome of one ticker ingestion run.
type Status string

const (
	StatusUpToDate  Status = "UP_TO_DATE"
	StatusSuccess   Status = "SUCCESS"
	StatusPartial   Status = "PARTIAL"
	StatusNoNewData Status = "NO_NEW_DATA"
	StatusFailed    Status = "FAILED"
)

// Outcome reports what one Update did.
type Outcome struct {
	Ticker   string
	Status   Status
	Window   gather.DateRange
	Fetched  int
	Written  int
	Invalid  int
	Dropped  int // valid bars outside the window or for another ticker
	ByKind   map[ValidationKind]int
	First    time.Time // earliest date written
	Last     time.Time // latest date written
	Attempts int
	Reason   string
	Elapsed  time.Duration
	Err      error
}

// Failed reports whether the run ended in FAILED.
func (o Outcome) Failed() bool { return o.Status == StatusFailed }

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Retry   util.RetryPolicy  // default 3 attempts, 2s backoff, 30s per attempt
	Workers int               // UpdateAll concurrency, default 4
	Clock   util.Clock        // default UTC system clock
	Limiter *util.RateLimiter // shared provider rate limit; nil is unlimited
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Engine is the incremental ingestion engine. It is safe for concurrent use
// across different tickers.
type Engine struct {
	ledger   store.Ledger
	bars     store.BarStore
	provider gather.Provider

	retry   util.RetryPolicy
	workers int
	clock   util.Clock
	limiter *util.RateLimiter
	metrics *metrics.Registry
	log     *slog.Logger
}

// NewEngine wires an Engine to its ledger, bar store and provider.
func NewEngine(ledger store.Ledger, bars store.BarStore, provider gather.Provider, opts Options) *Engine {
	e := &Engine{
		ledger:   ledger,
		bars:     bars,
		provider: provider,
		retry:    opts.Retry,
		workers:  opts.Workers,
		clock:    opts.Clock,
		limiter:  opts.Limiter,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
	if e.retry.MaxAttempts <= 0 {
		e.retry.MaxAttempts = 3
	}
	if e.retry.Backoff <= 0 {
		e.retry.Backoff = 2 * time.Second
	}
	if e.retry.AttemptTimeout <= 0 {
		e.retry.AttemptTimeout = 30 * time.Second
	}
	if e.workers <= 0 {
		e.workers = 4
	}
	if e.clock == nil {
		e.clock = util.SystemClock{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.log = e.log.With("component", "ingest", "provider", provider.Name())
	return e
}

// Update brings one ticker up to date. The returned Outcome is always
// populated; err is non-nil exactly when the status is FAILED.
func (e *Engine) Update(ctx context.Context, ticker string, maxLookbackDays int) (out Outcome, err error) {
	started := time.Now()
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	out = Outcome{Ticker: ticker, ByKind: make(map[ValidationKind]int)}

	defer func() {
		out.Elapsed = time.Since(started)
		out.Err = err
		e.finish(out)
	}()

	if ticker == "" {
		out.Status = StatusFailed
		out.Reason = "empty ticker"
		return out, fmt.Errorf("empty ticker: %w", domain.ErrConfigInvalid)
	}

	// 1. Where did we stop last time?
	last, ok, lerr := e.ledger.LastDate(ctx, ticker)
	if lerr != nil {
		out.Status = StatusFailed
		out.Reason = "ledger unavailable: " + lerr.Error()
		return out, ledgerErr(ticker, lerr)
	}

	// 2. Window.
	today := util.Day(e.clock.Today())
	start := util.AddDays(today, -maxLookbackDays)
	if ok {
		start = util.AddDays(last, 1)
	}
	out.Window = gather.DateRange{Start: start, End: today}
	if start.After(today) {
		out.Status = StatusUpToDate
		return out, nil
	}

	// 3-4. Fetch with bounded retry.
	var raw []domain.RawBar
	res := util.Retry(ctx, e.retry, func(actx context.Context) error {
		if werr := e.limiter.Wait(actx); werr != nil {
			return werr
		}
		bars, ferr := e.provider.Fetch(actx, ticker, start, today)
		e.metrics.ObserveAttempt(e.provider.Name(), ferr)
		if ferr != nil {
			e.log.Debug("fetch attempt failed", "ticker", ticker, "window", out.Window.String(), "error", ferr)
			return ferr
		}
		raw = bars
		return nil
	})
	out.Attempts = res.Attempts
	if !res.OK() {
		out.Status = StatusFailed
		out.Reason = fmt.Sprintf("provider %s after %d attempt(s): %v", res.Outcome, res.Attempts, res.Err)
		err = fmt.Errorf("%s: %w: %w", ticker, domain.ErrProviderUnavailable, res.Err)
		return out, e.recordFailure(ctx, ticker, out.Reason, err)
	}
	out.Fetched = len(raw)

	if len(raw) == 0 {
		out.Status = StatusNoNewData
		out.Reason = "provider returned no bars for " + out.Window.String()
		if rerr := e.ledger.RecordRun(ctx, domain.LedgerRun{
			Ticker: ticker, Status: domain.IngestSuccess, Reason: out.Reason, At: time.Now(),
		}); rerr != nil {
			out.Status = StatusFailed
			return out, ledgerErr(ticker, rerr)
		}
		return out, nil
	}

	// 5-6. Validate, window-filter and collapse duplicate dates.
	bars := e.prepare(ticker, raw, out.Window, &out)

	// 7. Write, then advance the ledger.
	status := domain.IngestSuccess
	out.Status = StatusSuccess
	if out.Invalid > 0 {
		status = domain.IngestPartial
		out.Status = StatusPartial
		out.Reason = invalidReason(out.ByKind)
	}

	if len(bars) > 0 {
		if werr := e.bars.WriteBars(ctx, bars); werr != nil {
			out.Status = StatusFailed
			out.Reason = "store write failed: " + werr.Error()
			if !errors.Is(werr, domain.ErrStoreUnavailable) {
				werr = fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, werr)
			}
			return out, e.recordFailure(ctx, ticker, out.Reason, fmt.Errorf("%s: %w", ticker, werr))
		}
		out.Written = len(bars)
		out.First = bars[0].Date
		out.Last = bars[len(bars)-1].Date
	}

	if rerr := e.ledger.RecordRun(ctx, domain.LedgerRun{
		Ticker:         ticker,
		FirstDate:      out.First,
		LastDate:       out.Last,
		RecordsWritten: out.Written,
		Status:         status,
		Reason:         out.Reason,
		At:             time.Now(),
	}); rerr != nil {
		// Bars are stored but the ledger did not move; the next run
		// re-fetches the same window and upserts over it.
		out.Status = StatusFailed
		out.Reason = "ledger update failed after write: " + rerr.Error()
		return out, ledgerErr(ticker, rerr)
	}
	return out, nil
}

// prepare validates raw bars and returns the writable ones sorted by date,
// one per date (the last occurrence in the batch wins).
func (e *Engine) prepare(ticker string, raw []domain.RawBar, window gather.DateRange, out *Outcome) []domain.Bar {
	byDate := make(map[time.Time]domain.Bar, len(raw))
	for _, r := range raw {
		bar, verr := ValidateBar(r)
		if verr != nil {
			out.Invalid++
			var ve *ValidationError
			if errors.As(verr, &ve) {
				out.ByKind[ve.Kind]++
			}
			e.log.Warn("invalid bar", "ticker", ticker, "date", util.FormatDay(r.Date), "error", verr)
			continue
		}
		if bar.Ticker != ticker || bar.Date.Before(window.Start) || bar.Date.After(window.End) {
			out.Dropped++
			e.log.Debug("bar outside request", "ticker", bar.Ticker, "date", util.FormatDay(bar.Date))
			continue
		}
		byDate[bar.Date] = bar
	}

	bars := make([]domain.Bar, 0, len(byDate))
	for _, b := range byDate {
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
	return bars
}

// recordFailure marks the ticker failed in the ledger without touching its
// dates. The write survives caller cancellation so the failure is durable.
func (e *Engine) recordFailure(ctx context.Context, ticker, reason string, cause error) error {
	rerr := e.ledger.RecordRun(context.WithoutCancel(ctx), domain.LedgerRun{
		Ticker: ticker,
		Status: domain.IngestFailed,
		Reason: reason,
		At:     time.Now(),
	})
	if rerr != nil {
		e.log.Error("recording failed run", "ticker", ticker, "error", rerr)
		return errors.Join(cause, ledgerErr(ticker, rerr))
	}
	return cause
}

func (e *Engine) finish(out Outcome) {
	invalid := make(map[string]int, len(out.ByKind))
	for k, n := range out.ByKind {
		invalid[string(k)] = n
	}
	e.metrics.ObserveIngest(out.Ticker, string(out.Status), out.Written, invalid, out.Last, out.Elapsed)

	attrs := []any{
		"ticker", out.Ticker,
		"status", out.Status,
		"window", out.Window.String(),
		"written", out.Written,
		"invalid", out.Invalid,
		"attempts", out.Attempts,
		"elapsed", out.Elapsed.Round(time.Millisecond),
	}
	if out.Reason != "" {
		attrs = append(attrs, "reason", out.Reason)
	}
	if out.Failed() {
		e.log.Error("update failed", attrs...)
		return
	}
	e.log.Info("update done", attrs...)
}

func ledgerErr(ticker string, err error) error {
	if errors.Is(err, domain.ErrLedgerUnavailable) {
		return fmt.Errorf("%s: %w", ticker, err)
	}
	return fmt.Errorf("%s: %w: %w", ticker, domain.ErrLedgerUnavailable, err)
}

func invalidReason(byKind map[ValidationKind]int) string {
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, byKind[ValidationKind(k)]))
	}
	return "invalid bars: " + strings.Join(parts, ",")
}

// ---------------------------------------------------------------------------
// Batch update
// ---------------------------------------------------------------------------

// UpdateAll updates every ticker on a bounded worker pool and returns one
// outcome per distinct ticker in input order. One ticker failing never
// stops the others; tickers not started before ctx is cancelled are
// reported FAILED.
func (e *Engine) UpdateAll(ctx context.Context, tickers []string, maxLookbackDays int) []Outcome {
	seen := make(map[string]struct{}, len(tickers))
	var uniq []string
	for _, t := range tickers {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		uniq = append(uniq, t)
	}

	outcomes := make([]Outcome, len(uniq))
	started := make([]bool, len(uniq))

	idxCh := make(chan int, len(uniq))
	for i := range uniq {
		idxCh <- i
	}
	close(idxCh)

	var wg sync.WaitGroup
	workers := min(e.workers, len(uniq))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idxCh {
				if ctx.Err() != nil {
					return
				}
				started[i] = true
				outcomes[i], _ = e.Update(ctx, uniq[i], maxLookbackDays)
			}
		}()
	}
	wg.Wait()

	for i, ok := range started {
		if !ok {
			outcomes[i] = Outcome{
				Ticker: uniq[i],
				Status: StatusFailed,
				Reason: "not started: " + context.Cause(ctx).Error(),
				Err:    ctx.Err(),
			}
		}
	}
	return outcomes
}

// Summary counts batch outcomes by status.
type Summary struct {
	Total   int
	Written int
	Invalid int
	Counts  map[Status]int
}

// Failed returns the number of FAILED tickers.
func (s Summary) Failed() int { return s.Counts[StatusFailed] }

// Summarize tallies a batch.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Total: len(outcomes), Counts: make(map[Status]int)}
	for _, o := range outcomes {
		s.Counts[o.Status]++
		s.Written += o.Written
		s.Invalid += o.Invalid
	}
	return s
}
