// Package metrics holds the Prometheus collectors for ingestion runs,
// provider calls and backtests. A nil *Registry is valid and records
// nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all splitbuy collectors on a private prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	// Ingestion
	IngestRuns     *prometheus.CounterVec
	BarsWritten    *prometheus.CounterVec
	BarsInvalid    *prometheus.CounterVec
	IngestDuration *prometheus.HistogramVec
	LastIngested   *prometheus.GaugeVec

	// Provider
	ProviderAttempts *prometheus.CounterVec

	// Backtest
	BacktestRuns     *prometheus.CounterVec
	BacktestTrades   *prometheus.CounterVec
	BacktestDuration prometheus.Histogram
}

// NewRegistry creates a Registry with all collectors registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		IngestRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitbuy_ingest_runs_total",
				Help: "Ingestion runs by outcome status",
			},
			[]string{"status"},
		),

		BarsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitbuy_ingest_bars_written_total",
				Help: "Bars upserted into the bar store by ticker",
			},
			[]string{"ticker"},
		),

		BarsInvalid: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitbuy_ingest_bars_invalid_total",
				Help: "Bars rejected by validation by kind",
			},
			[]string{"kind"},
		),

		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "splitbuy_ingest_duration_seconds",
				Help:    "Duration of one ticker ingestion run",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),

		LastIngested: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "splitbuy_ingest_last_date_seconds",
				Help: "Unix time of the latest bar date written per ticker",
			},
			[]string{"ticker"},
		),

		ProviderAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitbuy_provider_attempts_total",
				Help: "Provider fetch attempts by provider and result",
			},
			[]string{"provider", "result"},
		),

		BacktestRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitbuy_backtest_runs_total",
				Help: "Backtest runs by strategy and result",
			},
			[]string{"strategy", "result"},
		),

		BacktestTrades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "splitbuy_backtest_trades_total",
				Help: "Trade events emitted by backtests by side",
			},
			[]string{"side"},
		),

		BacktestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "splitbuy_backtest_duration_seconds",
				Help:    "Wall time of a backtest run",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	r.reg.MustRegister(
		r.IngestRuns,
		r.BarsWritten,
		r.BarsInvalid,
		r.IngestDuration,
		r.LastIngested,
		r.ProviderAttempts,
		r.BacktestRuns,
		r.BacktestTrades,
		r.BacktestDuration,
	)
	return r
}

// Gatherer exposes the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{})
}

// ObserveIngest records one finished ingestion run.
func (r *Registry) ObserveIngest(ticker, status string, written int, invalid map[string]int, lastDate time.Time, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.IngestRuns.WithLabelValues(status).Inc()
	r.IngestDuration.WithLabelValues(status).Observe(elapsed.Seconds())
	if written > 0 {
		r.BarsWritten.WithLabelValues(ticker).Add(float64(written))
	}
	for kind, n := range invalid {
		r.BarsInvalid.WithLabelValues(kind).Add(float64(n))
	}
	if !lastDate.IsZero() {
		r.LastIngested.WithLabelValues(ticker).Set(float64(lastDate.Unix()))
	}
}

// ObserveAttempt records one provider call.
func (r *Registry) ObserveAttempt(provider string, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.ProviderAttempts.WithLabelValues(provider, result).Inc()
}

// ObserveBacktest records one finished backtest.
func (r *Registry) ObserveBacktest(strategy string, err error, buys, sells int, elapsed time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.BacktestRuns.WithLabelValues(strategy, result).Inc()
	r.BacktestTrades.WithLabelValues("BUY").Add(float64(buys))
	r.BacktestTrades.WithLabelValues("SELL").Add(float64(sells))
	r.BacktestDuration.Observe(elapsed.Seconds())
}
