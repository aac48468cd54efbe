// Command splitbuy ingests daily bars from Alpaca and backtests the
// split-buy strategy over them.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"splitbuy/internal/config"
	"splitbuy/internal/metrics"
	"splitbuy/internal/series"
	"splitbuy/internal/store"
	"splitbuy/internal/strategy"
	"splitbuy/internal/util"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	logLevel   string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "splitbuy",
	Short: "Split-buy daily bar ingestion and backtesting",
	Long: `splitbuy keeps a local Parquet history of daily OHLCV bars up to date
from Alpaca, tracks ingestion progress in a SQLite ledger, and replays the
stored history through the split-buy strategy.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "splitbuy", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $SPLITBUY_CONFIG or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the components shared by subcommands.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	bars    *store.ParquetStore
	db      *store.SQLiteStore
	metrics *metrics.Registry
	closers []io.Closer
}

// newApp loads config, sets up logging and opens the stores.
func newApp() (*app, error) {
	path := configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFile != "" {
		cfg.Logging.File = logFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, metrics: metrics.NewRegistry()}

	// Dual logger: stdout plus the optional log file.
	var w io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		a.closers = append(a.closers, f)
		w = io.MultiWriter(os.Stdout, f)
	}
	a.log = util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, w)
	util.SetDefault(a.log)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		a.Close()
		return nil, fmt.Errorf("creating sqlite dir: %w", err)
	}
	a.db, err = store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.db)
	a.bars = store.NewParquetStore(cfg.Storage.DataDir)
	return a, nil
}

// backtester builds a Backtester that journals to SQLite.
func (a *app) backtester() *strategy.Backtester {
	return strategy.NewBacktester(series.NewReader(a.bars), strategy.DefaultRegistry(), a.db, a.metrics, a.log)
}

// runRequest builds a backtest request from config.
func (a *app) runRequest(tickers []string) (strategy.RunRequest, error) {
	start, end, err := a.cfg.Backtest.Range(time.Now())
	if err != nil {
		return strategy.RunRequest{}, err
	}
	if len(tickers) == 0 {
		tickers = a.cfg.Ingest.Tickers
	}
	return strategy.RunRequest{
		Tickers:      tickers,
		Start:        start,
		End:          end,
		Strategy:     a.cfg.Strategy.Name,
		Params:       a.cfg.StrategyParams(),
		Costs:        a.cfg.Costs(),
		CloseAtEnd:   a.cfg.Backtest.CloseAtEnd,
		RiskFreeRate: a.cfg.Backtest.RiskFreeRate,
		Workers:      a.cfg.Backtest.Workers,
		Persist:      a.cfg.Backtest.Persist,
	}, nil
}

// Close releases files and database handles in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}
