// Package alpaca implements the daily-bar provider and trading-session clock
// on top of the Alpaca market-data and trading APIs.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/sony/gobreaker"

	"splitbuy/internal/domain"
	"splitbuy/internal/gather"
	"splitbuy/internal/util"
)

// Compile-time interface check.
var _ gather.Provider = (*Provider)(nil)

// Options configures a Provider.
type Options struct {
	APIKey    string
	APISecret string
	DataURL   string
	Feed      string // "sip" or "iex"; empty uses the account default

	// BreakerFailures consecutive failures open the circuit for
	// BreakerCooldown. Zero values fall back to 5 failures / 1 minute.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// barsFunc matches marketdata.Client.GetBars so tests can substitute it.
type barsFunc func(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)

// Provider fetches daily bars for one ticker at a time. Each fetch issues a
// raw request for OHLCV and an all-adjusted request for the adjusted close.
type Provider struct {
	getBars barsFunc
	feed    string
	breaker *gobreaker.CircuitBreaker
	loc     *time.Location
	log     *slog.Logger
}

// NewProvider creates a Provider configured with the given Alpaca
// credentials.
func NewProvider(opts Options) *Provider {
	copts := marketdata.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		copts.BaseURL = opts.DataURL
	}
	client := marketdata.NewClient(copts)
	return newProvider(client.GetBars, opts)
}

func newProvider(fn barsFunc, opts Options) *Provider {
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}

	log := slog.Default().With("provider", "alpaca")

	// Daily bars are stamped at midnight New York time.
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}

	return &Provider{
		getBars: fn,
		feed:    opts.Feed,
		loc:     loc,
		log:     log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "alpaca-bars",
			MaxRequests: 1,
			Timeout:     cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("circuit state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "alpaca" }

// Fetch returns raw daily bars for ticker in [start, end] with AdjClose
// filled from the all-adjusted series. A day missing from the adjusted
// series keeps a nil AdjClose and is rejected by validation downstream.
func (p *Provider) Fetch(ctx context.Context, ticker string, start, end time.Time) ([]domain.RawBar, error) {
	symbol := strings.ToUpper(ticker)

	raw, err := p.fetch(ctx, symbol, start, end, marketdata.Raw)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	adj, err := p.fetch(ctx, symbol, start, end, marketdata.All)
	if err != nil {
		return nil, err
	}

	adjClose := make(map[time.Time]float64, len(adj))
	for _, b := range adj {
		adjClose[p.day(b.Timestamp)] = b.Close
	}

	bars := make([]domain.RawBar, 0, len(raw))
	for _, b := range raw {
		day := p.day(b.Timestamp)
		rb := toRawBar(symbol, day, b)
		if c, ok := adjClose[day]; ok {
			rb.AdjClose = &c
		}
		bars = append(bars, rb)
	}
	return bars, nil
}

// fetch runs one GetBars call through the circuit breaker. The SDK call has
// no context, so it runs on its own goroutine and is abandoned when ctx
// expires.
func (p *Provider) fetch(ctx context.Context, symbol string, start, end time.Time, adj marketdata.Adjustment) ([]marketdata.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Adjustment: adj,
		Start:      util.Day(start),
		End:        util.AddDays(end, 1),
	}
	if p.feed != "" {
		req.Feed = marketdata.Feed(p.feed)
	}

	type result struct {
		bars []marketdata.Bar
		err  error
	}
	done := make(chan result, 1)

	go func() {
		out, err := p.breaker.Execute(func() (interface{}, error) {
			return p.getBars(symbol, req)
		})
		if err != nil {
			done <- result{err: err}
			return
		}
		bars, _ := out.([]marketdata.Bar)
		done <- result{bars: bars}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, gobreaker.ErrOpenState) || errors.Is(r.err, gobreaker.ErrTooManyRequests) {
				return nil, gather.Permanent(fmt.Errorf("GetBars %s (%s): %w", symbol, adj, r.err))
			}
			return nil, fmt.Errorf("GetBars %s (%s): %w", symbol, adj, r.err)
		}
		return r.bars, nil
	}
}

// BreakerState reports the circuit breaker state ("closed", "open",
// "half-open").
func (p *Provider) BreakerState() string { return p.breaker.State().String() }

func (p *Provider) day(ts time.Time) time.Time {
	return util.Day(ts.In(p.loc))
}

func toRawBar(symbol string, day time.Time, b marketdata.Bar) domain.RawBar {
	open, high, low, closePx := b.Open, b.High, b.Low, b.Close
	vol := int64(b.Volume)
	return domain.RawBar{
		Ticker: symbol,
		Date:   day,
		Open:   &open,
		High:   &high,
		Low:    &low,
		Close:  &closePx,
		Volume: &vol,
	}
}
