package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitbuy/internal/domain"
	"splitbuy/internal/gather"
	"splitbuy/internal/metrics"
	"splitbuy/internal/store"
	"splitbuy/internal/util"
)

func day(m time.Month, d int) time.Time { return time.Date(2024, m, d, 0, 0, 0, 0, time.UTC) }

type call struct {
	ticker     string
	start, end time.Time
}

// fakeProvider records calls and answers from fn.
type fakeProvider struct {
	mu    sync.Mutex
	calls []call
	fn    func(ctx context.Context, ticker string, start, end time.Time) ([]domain.RawBar, error)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Fetch(ctx context.Context, ticker string, start, end time.Time) ([]domain.RawBar, error) {
	p.mu.Lock()
	p.calls = append(p.calls, call{ticker, start, end})
	p.mu.Unlock()
	return p.fn(ctx, ticker, start, end)
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fixture struct {
	ledger   *store.MemoryLedger
	bars     *store.MemoryBarStore
	provider *fakeProvider
	metrics  *metrics.Registry
	engine   *Engine
}

func newFixture(t *testing.T, today time.Time, fn func(ctx context.Context, ticker string, start, end time.Time) ([]domain.RawBar, error)) *fixture {
	t.Helper()
	fx := &fixture{
		ledger:   store.NewMemoryLedger(),
		bars:     store.NewMemoryBarStore(),
		provider: &fakeProvider{fn: fn},
		metrics:  metrics.NewRegistry(),
	}
	fx.engine = NewEngine(fx.ledger, fx.bars, fx.provider, Options{
		Retry:   util.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond, AttemptTimeout: time.Second},
		Workers: 2,
		Clock:   util.FixedClock(today),
		Metrics: fx.metrics,
		Logger:  util.Discard(),
	})
	return fx
}

// dailyBars returns one valid bar per day in [start, end].
func dailyBars(ticker string, start, end time.Time, px float64) []domain.RawBar {
	var out []domain.RawBar
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, rawBar(ticker, d, px, px+1, px-1, px, 100))
	}
	return out
}

func TestUpdateFirstRunUsesLookback(t *testing.T) {
	fx := newFixture(t, day(3, 10), func(_ context.Context, ticker string, start, end time.Time) ([]domain.RawBar, error) {
		return dailyBars(ticker, start, end, 50), nil
	})

	out, err := fx.engine.Update(context.Background(), "aapl", 5)
	require.NoError(t, err)

	require.Equal(t, 1, fx.provider.count())
	assert.Equal(t, day(3, 5), fx.provider.calls[0].start)
	assert.Equal(t, day(3, 10), fx.provider.calls[0].end)

	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 6, out.Written)
	assert.Equal(t, day(3, 10), out.Last)
	assert.Equal(t, 6, fx.bars.Count("AAPL"))

	e, ok, err := fx.ledger.Get(context.Background(), "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.IngestSuccess, e.Status)
	assert.Equal(t, day(3, 5), e.FirstDate)
	assert.Equal(t, day(3, 10), e.LastDate)
}

func TestUpdateIsIdempotentWithinADay(t *testing.T) {
	fx := newFixture(t, day(3, 10), func(_ context.Context, ticker string, start, end time.Time) ([]domain.RawBar, error) {
		return dailyBars(ticker, start, end, 50), nil
	})
	ctx := context.Background()

	_, err := fx.engine.Update(ctx, "AAPL", 30)
	require.NoError(t, err)
	before := fx.bars.Count("AAPL")

	out, err := fx.engine.Update(ctx, "AAPL", 30)
	require.NoError(t, err)
	assert.Equal(t, StatusUpToDate, out.Status)
	assert.Equal(t, 1, fx.provider.count(), "second run must not fetch")
	assert.Equal(t, 1, fx.bars.Writes(), "second run must not write")
	assert.Equal(t, before, fx.bars.Count("AAPL"))
}

func TestUpdateResumesAfterLastDate(t *testing.T) {
	fx := newFixture(t, day(3, 10), func(_ context.Context, ticker string, start, end time.Time) ([]domain.RawBar, error) {
		return dailyBars(ticker, start, end, 50), nil
	})
	ctx := context.Background()
	require.NoError(t, fx.ledger.RecordRun(ctx, domain.LedgerRun{
		Ticker: "AAPL", FirstDate: day(1, 2), LastDate: day(3, 7), RecordsWritten: 10, Status: domain.IngestSuccess,
	}))

	out, err := fx.engine.Update(ctx, "AAPL", 365)
	require.NoError(t, err)
	assert.Equal(t, day(3, 8), fx.provider.calls[0].start)
	assert.Equal(t, 3, out.Written)
}

func TestUpdateRefetchOverwritesWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, day(3, 7), func(_ context.Context, ticker string, _, _ time.Time) ([]domain.RawBar, error) {
		return []domain.RawBar{
			rawBar(ticker, day(3, 7), 12, 13, 11, 12, 100),
			rawBar(ticker, day(3, 6), 10, 11, 9, 10.5, 100),
			rawBar(ticker, day(3, 6), 10, 11, 9, 10.8, 100), // later duplicate in batch wins
			rawBar(ticker, day(3, 1), 1, 1, 1, 1, 1),        // before window
		}, nil
	})

	// A previous run wrote 03-06 but crashed before the ledger moved.
	require.NoError(t, fx.bars.WriteBars(ctx, []domain.Bar{{Ticker: "AAPL", Date: day(3, 6), Open: 10, High: 11, Low: 9, Close: 9.9}}))
	require.NoError(t, fx.ledger.RecordRun(ctx, domain.LedgerRun{
		Ticker: "AAPL", FirstDate: day(3, 5), LastDate: day(3, 5), RecordsWritten: 1, Status: domain.IngestSuccess,
	}))

	out, err := fx.engine.Update(ctx, "AAPL", 30)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 2, out.Written)
	assert.Equal(t, 1, out.Dropped)

	bars, err := fx.bars.ReadBars(ctx, "AAPL", day(3, 6), day(3, 6))
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 10.8, bars[0].Close)
}

func TestUpdateInvalidBarsArePartial(t *testing.T) {
	fx := newFixture(t, day(3, 8), func(_ context.Context, ticker string, _, _ time.Time) ([]domain.RawBar, error) {
		missing := rawBar(ticker, day(3, 7), 1, 2, 1, 1, 1)
		missing.Close = nil
		return []domain.RawBar{
			rawBar(ticker, day(3, 6), 10, 11, 9, 10, 100),
			rawBar(ticker, day(3, 8), 10, 9, 8, 10, 100), // high < close
			missing,
		}, nil
	})

	out, err := fx.engine.Update(context.Background(), "MSFT", 5)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, out.Status)
	assert.Equal(t, 1, out.Written)
	assert.Equal(t, 2, out.Invalid)
	assert.Equal(t, 1, out.ByKind[InvalidOHLC])
	assert.Equal(t, 1, out.ByKind[NullField])
	assert.Contains(t, out.Reason, "INVALID_OHLC=1")

	e, _, err := fx.ledger.Get(context.Background(), "MSFT")
	require.NoError(t, err)
	assert.Equal(t, domain.IngestPartial, e.Status)
	assert.Equal(t, day(3, 6), e.LastDate)
}

func TestUpdateProviderExhausted(t *testing.T) {
	boom := errors.New("502 bad gateway")
	fx := newFixture(t, day(3, 10), func(context.Context, string, time.Time, time.Time) ([]domain.RawBar, error) {
		return nil, boom
	})
	ctx := context.Background()
	require.NoError(t, fx.ledger.RecordRun(ctx, domain.LedgerRun{
		Ticker: "AAPL", FirstDate: day(1, 2), LastDate: day(3, 1), RecordsWritten: 5, Status: domain.IngestSuccess,
	}))

	out, err := fx.engine.Update(ctx, "AAPL", 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 3, fx.provider.count())
	assert.Equal(t, 3, out.Attempts)

	e, _, lerr := fx.ledger.Get(ctx, "AAPL")
	require.NoError(t, lerr)
	assert.Equal(t, domain.IngestFailed, e.Status)
	assert.Equal(t, day(3, 1), e.LastDate, "failed run must not move last_date")
	assert.Equal(t, 0, fx.bars.Count("AAPL"))
}

func TestUpdatePermanentErrorIsNotRetried(t *testing.T) {
	fx := newFixture(t, day(3, 10), func(context.Context, string, time.Time, time.Time) ([]domain.RawBar, error) {
		return nil, gather.Permanent(errors.New("unknown symbol"))
	})

	out, err := fx.engine.Update(context.Background(), "ZZZZ", 30)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 1, fx.provider.count())
}

func TestUpdateAttemptTimeoutIsRetried(t *testing.T) {
	var n atomic.Int32
	fx := newFixture(t, day(3, 10), func(ctx context.Context, ticker string, start, end time.Time) ([]domain.RawBar, error) {
		if n.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return dailyBars(ticker, start, end, 20), nil
	})
	fx.engine.retry.AttemptTimeout = 10 * time.Millisecond

	out, err := fx.engine.Update(context.Background(), "AAPL", 2)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, 2, out.Attempts)
}

func TestUpdateLedgerUnavailable(t *testing.T) {
	fx := newFixture(t, day(3, 10), func(context.Context, string, time.Time, time.Time) ([]domain.RawBar, error) {
		return nil, nil
	})
	fx.ledger.Err = errors.New("database is locked")

	out, err := fx.engine.Update(context.Background(), "AAPL", 30)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Equal(t, 0, fx.provider.count(), "no fetch without a ledger")
}

func TestUpdateStoreWriteFails(t *testing.T) {
	fx := newFixture(t, day(3, 10), func(_ context.Context, ticker string, start, end time.Time) ([]domain.RawBar, error) {
		return dailyBars(ticker, start, end, 50), nil
	})
	fx.bars.WriteErr = errors.New("disk full")

	out, err := fx.engine.Update(context.Background(), "AAPL", 3)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, StatusFailed, out.Status)

	_, ok, lerr := fx.ledger.Get(context.Background(), "AAPL")
	require.NoError(t, lerr)
	assert.False(t, ok, "a failed first run creates no ledger entry")
}

func TestUpdateNoNewData(t *testing.T) {
	fx := newFixture(t, day(3, 10), func(context.Context, string, time.Time, time.Time) ([]domain.RawBar, error) {
		return nil, nil
	})
	ctx := context.Background()
	require.NoError(t, fx.ledger.RecordRun(ctx, domain.LedgerRun{
		Ticker: "AAPL", FirstDate: day(3, 1), LastDate: day(3, 8), RecordsWritten: 6, Status: domain.IngestSuccess,
	}))

	out, err := fx.engine.Update(ctx, "AAPL", 30)
	require.NoError(t, err)
	assert.Equal(t, StatusNoNewData, out.Status)

	e, _, err := fx.ledger.Get(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.IngestSuccess, e.Status)
	assert.Equal(t, day(3, 8), e.LastDate)
	assert.Equal(t, 0, e.RecordsWritten)
}

func TestUpdateAllIsolatesFailures(t *testing.T) {
	fx := newFixture(t, day(3, 10), func(_ context.Context, ticker string, start, end time.Time) ([]domain.RawBar, error) {
		if ticker == "BAD" {
			return nil, gather.Permanent(errors.New("unknown symbol"))
		}
		return dailyBars(ticker, start, end, 30), nil
	})

	outcomes := fx.engine.UpdateAll(context.Background(), []string{"aapl", "BAD", "msft", "AAPL", " "}, 2)
	require.Len(t, outcomes, 3)
	assert.Equal(t, "AAPL", outcomes[0].Ticker)
	assert.Equal(t, "BAD", outcomes[1].Ticker)
	assert.Equal(t, "MSFT", outcomes[2].Ticker)

	assert.Equal(t, StatusSuccess, outcomes[0].Status)
	assert.Equal(t, StatusFailed, outcomes[1].Status)
	assert.Error(t, outcomes[1].Err)
	assert.Equal(t, StatusSuccess, outcomes[2].Status)

	s := Summarize(outcomes)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Failed())
	assert.Equal(t, 6, s.Written)
}

func TestUpdateAllCancelled(t *testing.T) {
	fx := newFixture(t, day(3, 10), func(_ context.Context, ticker string, start, end time.Time) ([]domain.RawBar, error) {
		return dailyBars(ticker, start, end, 30), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := fx.engine.UpdateAll(ctx, []string{"A", "B"}, 2)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, StatusFailed, o.Status)
	}
	assert.Equal(t, 0, fx.provider.count())
}
