package strategy

import (
	"math"

	"splitbuy/internal/domain"
)

// tradingDaysPerYear annualizes daily figures.
const tradingDaysPerYear = 252

// Metrics summarizes a backtest. Percentages are in percent units
// (12.5 = 12.5%).
type Metrics struct {
	TotalReturn  float64 `json:"total_return_pct"`
	AnnualReturn float64 `json:"annual_return_pct"`
	SharpeRatio  float64 `json:"sharpe_ratio"`
	MaxDrawdown  float64 `json:"max_drawdown_pct"`
	RiskFreeRate float64 `json:"risk_free_rate"`
	TradingDays  int     `json:"trading_days"`

	ClosedPositions      int     `json:"closed_positions"`
	WinningPositions     int     `json:"winning_positions"`
	LosingPositions      int     `json:"losing_positions"`
	WinRate              float64 `json:"win_rate_pct"`
	AvgProfit            float64 `json:"avg_profit"`
	AvgLoss              float64 `json:"avg_loss"`
	ProfitFactor         float64 `json:"profit_factor"`
	MaxConsecutiveWins   int     `json:"max_consecutive_wins"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	AvgHoldingDays       float64 `json:"avg_holding_days"`

	BuyCount    int     `json:"buy_count"`
	SellCount   int     `json:"sell_count"`
	TotalFees   float64 `json:"total_fees"`
	RealizedPnL float64 `json:"realized_pnl"`
}

type cycleKey struct {
	ticker string
	cycle  int
}

// closedCycle is one accumulate-to-exit round trip.
type closedCycle struct {
	net  float64
	days float64
}

// Aggregate computes run metrics from date-ordered trade events and the
// combined equity curve. riskFreeRate is annual (0.03 = 3%).
//
// A closed position is a cycle with at least one SELL; it wins when its net
// P&L (fees and tax included) is positive. ProfitFactor is 0 when no cycle
// lost money.
func Aggregate(events []domain.TradeEvent, curve []domain.EquityPoint, initialEquity, riskFreeRate float64) Metrics {
	m := Metrics{RiskFreeRate: riskFreeRate, TradingDays: len(curve)}

	opened := make(map[cycleKey]domain.TradeEvent)
	index := make(map[cycleKey]int)
	var cycles []closedCycle
	for _, e := range events {
		m.TotalFees += e.Fees + e.Tax
		key := cycleKey{e.Ticker, e.Cycle}
		if e.Side == domain.SideBuy {
			m.BuyCount++
			if _, ok := opened[key]; !ok {
				opened[key] = e
			}
			continue
		}
		m.SellCount++
		m.RealizedPnL += e.NetPnL
		i, ok := index[key]
		if !ok {
			i = len(cycles)
			index[key] = i
			var days float64
			if first, ok := opened[key]; ok {
				days = e.Date.Sub(first.Date).Hours() / 24
			}
			cycles = append(cycles, closedCycle{days: days})
		}
		cycles[i].net += e.NetPnL
	}
	positionStats(&m, cycles)

	if len(curve) == 0 || initialEquity <= 0 {
		return m
	}
	final := curve[len(curve)-1].Equity
	m.TotalReturn = (final/initialEquity - 1) * 100
	if final > 0 {
		years := float64(len(curve)) / tradingDaysPerYear
		m.AnnualReturn = (math.Pow(final/initialEquity, 1/years) - 1) * 100
	}
	m.SharpeRatio = sharpe(curve, riskFreeRate)
	m.MaxDrawdown = maxDrawdown(curve)
	return m
}

func positionStats(m *Metrics, cycles []closedCycle) {
	m.ClosedPositions = len(cycles)
	if len(cycles) == 0 {
		return
	}

	var won, lost, held float64
	var winStreak, lossStreak int
	for _, c := range cycles {
		held += c.days
		if c.net > 0 {
			m.WinningPositions++
			won += c.net
			winStreak++
			lossStreak = 0
		} else {
			m.LosingPositions++
			lost += c.net
			lossStreak++
			winStreak = 0
		}
		m.MaxConsecutiveWins = max(m.MaxConsecutiveWins, winStreak)
		m.MaxConsecutiveLosses = max(m.MaxConsecutiveLosses, lossStreak)
	}

	m.WinRate = float64(m.WinningPositions) / float64(len(cycles)) * 100
	m.AvgHoldingDays = held / float64(len(cycles))
	if m.WinningPositions > 0 {
		m.AvgProfit = won / float64(m.WinningPositions)
	}
	if m.LosingPositions > 0 {
		m.AvgLoss = lost / float64(m.LosingPositions)
	}
	if lost < 0 {
		m.ProfitFactor = won / -lost
	}
}

// sharpe is the annualized mean over population standard deviation of
// daily excess returns. It is 0 for fewer than two points or a flat curve.
func sharpe(curve []domain.EquityPoint, riskFreeRate float64) float64 {
	daily := riskFreeRate / tradingDaysPerYear
	var excess []float64
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev <= 0 {
			continue
		}
		excess = append(excess, curve[i].Equity/prev-1-daily)
	}
	if len(excess) == 0 {
		return 0
	}

	var mean float64
	for _, r := range excess {
		mean += r
	}
	mean /= float64(len(excess))

	var variance float64
	for _, r := range excess {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(excess)))
	if std < 1e-12 {
		return 0
	}
	return mean / std * math.Sqrt(tradingDaysPerYear)
}

// maxDrawdown is the largest peak-to-trough decline in percent, with the
// first point as the initial peak.
func maxDrawdown(curve []domain.EquityPoint) float64 {
	var dd float64
	peak := curve[0].Equity
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			dd = max(dd, (peak-p.Equity)/peak*100)
		}
	}
	return dd
}
