package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"splitbuy/internal/config"
	"splitbuy/internal/strategy"
	"splitbuy/internal/strategy/params"
	"splitbuy/internal/util"
)

var (
	btTickers    string
	btStart      string
	btEnd        string
	btStrategy   string
	btParams     []string
	btCompare    string
	btCloseAtEnd bool
	btPersist    bool
	btTrades     bool
)

var backtestCmd = &cobra.Command{
	Use:   "backtest [TICKER...]",
	Short: "Replay stored bars through a strategy",
	Long: `Run a backtest over the stored daily history. Parameters default to
the strategy and backtest sections of the config; flags override them.
Tickers without stored data are skipped and reported.

--strategy picks another registered strategy, starting from its own
defaults. -p sets one strategy parameter and may be repeated. --compare
runs several strategies over the same tickers and prints one row each;
only total_seed carries over to strategies other than the selected one.

Examples:
  splitbuy backtest AAPL MSFT --start 2023-01-01 --end 2023-12-31
  splitbuy backtest -p split_count=10 -p buy_threshold=1.5 --trades
  splitbuy backtest --strategy ma_cross -p ma_period=60
  splitbuy backtest AAPL --compare split_buy,ma_cross,ma_strategy
  splitbuy backtest AAPL --persist`,
	RunE: runBacktest,
}

func init() {
	rootCmd.AddCommand(backtestCmd)
	f := backtestCmd.Flags()
	f.StringVar(&btTickers, "tickers", "", "comma separated tickers (default ingest.tickers)")
	f.StringVar(&btStart, "start", "", "first day, YYYY-MM-DD")
	f.StringVar(&btEnd, "end", "", "last day, YYYY-MM-DD")
	f.StringVar(&btStrategy, "strategy", "", "strategy name (default strategy.name)")
	f.StringArrayVarP(&btParams, "param", "p", nil, "strategy parameter as key=value, repeatable")
	f.StringVar(&btCompare, "compare", "", "comma separated strategies to run side by side")
	f.BoolVar(&btCloseAtEnd, "close-at-end", false, "liquidate open tranches on the last bar")
	f.BoolVar(&btPersist, "persist", false, "save the run to the SQLite journal")
	f.BoolVar(&btTrades, "trades", false, "print every trade")
}

func runBacktest(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	req, err := a.runRequest(append(config.SplitTickers(btTickers), args...))
	if err != nil {
		return err
	}
	if err := applyBacktestFlags(cmd, &req); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bt := a.backtester()
	if btCompare == "" {
		res, err := bt.Run(ctx, req)
		if err != nil {
			return err
		}
		return strategy.WriteReport(cmd.OutOrStdout(), res, btTrades)
	}

	var results []*strategy.BacktestResult
	for _, r := range compareRequests(req, strings.Split(btCompare, ",")) {
		res, err := bt.Run(ctx, r)
		if err != nil {
			return fmt.Errorf("%s: %w", r.Strategy, err)
		}
		results = append(results, res)
	}
	return strategy.WriteComparison(cmd.OutOrStdout(), results)
}

// compareRequests derives one request per strategy name from req. The
// strategy of req keeps its parameters; the others start from their
// defaults with req's total_seed.
func compareRequests(req strategy.RunRequest, names []string) []strategy.RunRequest {
	var out []strategy.RunRequest
	seen := make(map[string]bool)
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		r := req
		r.Strategy = name
		if name == req.Strategy {
			r.Params = req.Params.Clone()
		} else {
			r.Params = params.Params{}
			if seed, ok := req.Params["total_seed"]; ok {
				r.Params["total_seed"] = seed
			}
		}
		out = append(out, r)
	}
	return out
}

// applyBacktestFlags overrides req with the flags the user actually set.
func applyBacktestFlags(cmd *cobra.Command, req *strategy.RunRequest) error {
	f := cmd.Flags()
	if f.Changed("start") {
		d, err := util.ParseDay(btStart)
		if err != nil {
			return fmt.Errorf("--start: %w", err)
		}
		req.Start = d
	}
	if f.Changed("end") {
		d, err := util.ParseDay(btEnd)
		if err != nil {
			return fmt.Errorf("--end: %w", err)
		}
		req.End = d
	}
	if f.Changed("strategy") && btStrategy != req.Strategy {
		// Configured parameters belong to the configured strategy.
		req.Strategy = btStrategy
		req.Params = params.Params{}
	}
	if f.Changed("close-at-end") {
		req.CloseAtEnd = btCloseAtEnd
	}
	if f.Changed("persist") {
		req.Persist = btPersist
	}
	return applyParams(req, btParams)
}

// applyParams sets each key=value of kvs on req.Params.
func applyParams(req *strategy.RunRequest, kvs []string) error {
	req.Params = req.Params.Clone()
	for _, kv := range kvs {
		if err := req.Params.Set(kv); err != nil {
			return fmt.Errorf("--param: %w", err)
		}
	}
	return nil
}
