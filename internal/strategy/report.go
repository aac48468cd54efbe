package strategy

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"splitbuy/internal/strategy/params"
	"splitbuy/internal/util"
)

// WriteReport prints a human-readable summary of res: parameters,
// performance, per-ticker outcomes and, when withTrades is set, the trade
// list. Amounts are grouped by thousands.
func WriteReport(w io.Writer, res *BacktestResult, withTrades bool) error {
	p := message.NewPrinter(language.English)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	m := res.Metrics

	p.Fprintf(tw, "Backtest %s (%s)\n", res.RunID, res.Strategy)
	p.Fprintf(tw, "Period\t%s .. %s\t%d trading days\n", util.FormatDay(res.Start), util.FormatDay(res.End), m.TradingDays)
	p.Fprintf(tw, "Seed per ticker\t%.0f\t%s\n", res.Seed, formatParams(res.Params))
	p.Fprintf(tw, "Costs\tcommission %.4f%%\ttax %.4f%%, slippage %.4f%%\n",
		res.Costs.CommissionRate*100, res.Costs.TaxRate*100, res.Costs.SlippageRate*100)
	fmt.Fprintln(tw)

	p.Fprintf(tw, "Initial equity\t%.0f\n", res.InitialEquity)
	p.Fprintf(tw, "Final equity\t%.0f\n", res.FinalEquity)
	p.Fprintf(tw, "Total return\t%.2f%%\n", m.TotalReturn)
	p.Fprintf(tw, "Annual return\t%.2f%%\n", m.AnnualReturn)
	p.Fprintf(tw, "Sharpe ratio\t%.2f\t(risk-free %.2f%%)\n", m.SharpeRatio, m.RiskFreeRate*100)
	p.Fprintf(tw, "Max drawdown\t%.2f%%\n", m.MaxDrawdown)
	fmt.Fprintln(tw)

	p.Fprintf(tw, "Trades\t%d buys\t%d sells\n", m.BuyCount, m.SellCount)
	p.Fprintf(tw, "Closed positions\t%d\t%d won, %d lost\n", m.ClosedPositions, m.WinningPositions, m.LosingPositions)
	p.Fprintf(tw, "Win rate\t%.1f%%\n", m.WinRate)
	p.Fprintf(tw, "Avg profit / loss\t%.0f\t%.0f\n", m.AvgProfit, m.AvgLoss)
	p.Fprintf(tw, "Profit factor\t%.2f\n", m.ProfitFactor)
	p.Fprintf(tw, "Streaks\t%d wins\t%d losses\n", m.MaxConsecutiveWins, m.MaxConsecutiveLosses)
	p.Fprintf(tw, "Avg holding\t%.1f days\n", m.AvgHoldingDays)
	p.Fprintf(tw, "Realized P&L\t%.0f\tfees %.0f\n", m.RealizedPnL, m.TotalFees)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "TICKER\tSTATUS\tBARS\tBUYS\tSELLS\tREALIZED\tEQUITY\tNOTE")
	for _, t := range res.Tickers {
		p.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%.0f\t%.0f\t%s\n",
			t.Ticker, t.Status, t.Bars, t.Buys, t.Sells, t.RealizedPnL, t.FinalEquity, t.Reason)
	}

	if withTrades && len(res.Events) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "DATE\tTICKER\tSIDE\tCYCLE\tLOT\tPRICE\tQTY\tFEES\tNET\tREASON")
		for _, e := range res.Events {
			p.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%.2f\t%.0f\t%.0f\t%.0f\t%s\n",
				util.FormatDay(e.Date), e.Ticker, e.Side, e.Cycle, e.Tranche,
				e.Price, e.Quantity, e.Fees+e.Tax, e.NetPnL, e.Reason)
		}
	}
	return tw.Flush()
}

// WriteComparison prints one row of headline metrics per result, in the
// order given.
func WriteComparison(w io.Writer, results []*BacktestResult) error {
	p := message.NewPrinter(language.English)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "STRATEGY\tTICKERS\tFINAL EQUITY\tRETURN %\tANNUAL %\tSHARPE\tMAX DD %\tWIN %\tTRADES\t")
	for _, r := range results {
		m := r.Metrics
		p.Fprintf(tw, "%s\t%d\t%.0f\t%.2f\t%.2f\t%.2f\t%.2f\t%.1f\t%d\t\n",
			r.Strategy, len(r.Traded()), r.FinalEquity, m.TotalReturn, m.AnnualReturn,
			m.SharpeRatio, m.MaxDrawdown, m.WinRate, m.BuyCount+m.SellCount)
	}
	return tw.Flush()
}

// formatParams renders p as sorted key=value pairs.
func formatParams(p params.Params) string {
	if len(p) == 0 {
		return "defaults"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, p[k])
	}
	return strings.Join(parts, ", ")
}
