package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"splitbuy/internal/config"
	"splitbuy/internal/gather/alpaca"
	"splitbuy/internal/ingest"
	"splitbuy/internal/util"
)

var (
	updateTickers  string
	updateLookback int
	updateWorkers  int
)

var updateCmd = &cobra.Command{
	Use:   "update [TICKER...]",
	Short: "Bring stored daily bars up to date",
	Long: `Fetch daily bars for each ticker from the day after its ledger
last_date up to the latest finished trading session, validate them, merge
them into the Parquet store and record the run in the ledger.

Tickers come from the arguments, --tickers, or ingest.tickers in config.
The command exits non-zero when any ticker FAILED.

Examples:
  splitbuy update AAPL MSFT
  splitbuy update --tickers AAPL,MSFT --lookback 730`,
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().StringVar(&updateTickers, "tickers", "", "comma separated tickers")
	updateCmd.Flags().IntVar(&updateLookback, "lookback", 0, "max lookback days for first-time tickers (default ingest.max_lookback_days)")
	updateCmd.Flags().IntVar(&updateWorkers, "workers", 0, "concurrent tickers (default ingest.max_workers)")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	tickers := append(config.SplitTickers(updateTickers), args...)
	if len(tickers) == 0 {
		tickers = cfg.Ingest.Tickers
	}
	if len(tickers) == 0 {
		return fmt.Errorf("no tickers: pass them as arguments, --tickers or ingest.tickers")
	}
	if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
		return fmt.Errorf("alpaca credentials missing: set APCA_API_KEY_ID and APCA_API_SECRET_KEY")
	}
	lookback := cfg.Ingest.MaxLookbackDays
	if updateLookback > 0 {
		lookback = updateLookback
	}
	workers := cfg.Ingest.MaxWorkers
	if updateWorkers > 0 {
		workers = updateWorkers
	}

	provider := alpaca.NewProvider(alpaca.Options{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		DataURL:         cfg.Alpaca.DataURL,
		Feed:            cfg.Alpaca.Feed,
		BreakerFailures: cfg.Ingest.BreakerFailures,
		BreakerCooldown: time.Duration(cfg.Ingest.BreakerCooldownSec) * time.Second,
	})
	engine := ingest.NewEngine(a.db, a.bars, provider, ingest.Options{
		Retry:   cfg.Ingest.Retry(),
		Workers: workers,
		Clock:   alpaca.NewSessionClock(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL),
		Limiter: util.NewRateLimiter(cfg.Ingest.RateLimitPerMin),
		Metrics: a.metrics,
		Logger:  a.log,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.log.Info("starting update", "tickers", len(tickers), "lookback_days", lookback, "workers", workers)
	outcomes := engine.UpdateAll(ctx, tickers, lookback)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKER\tSTATUS\tWINDOW\tWRITTEN\tINVALID\tLAST\tREASON")
	for _, o := range outcomes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			o.Ticker, o.Status, o.Window, o.Written, o.Invalid, util.FormatDay(o.Last), o.Reason)
	}
	tw.Flush()

	sum := ingest.Summarize(outcomes)
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d tickers: %d success, %d partial, %d up to date, %d no new data, %d failed; %d bars written, %d invalid\n",
		sum.Total,
		sum.Counts[ingest.StatusSuccess], sum.Counts[ingest.StatusPartial],
		sum.Counts[ingest.StatusUpToDate], sum.Counts[ingest.StatusNoNewData],
		sum.Failed(), sum.Written, sum.Invalid)

	if n := sum.Failed(); n > 0 {
		return fmt.Errorf("%d of %d tickers failed", n, sum.Total)
	}
	return nil
}
