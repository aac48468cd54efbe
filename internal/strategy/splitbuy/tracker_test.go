package splitbuy

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitbuy/internal/broker"
	"splitbuy/internal/domain"
	"splitbuy/internal/strategy/params"
)

var d0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func bars(prices ...float64) []domain.Bar {
	out := make([]domain.Bar, len(prices))
	for i, p := range prices {
		out[i] = domain.Bar{Ticker: "TEST", Date: d0.AddDate(0, 0, i), Open: p, High: p, Low: p, Close: p, AdjClose: p, Volume: 1_000_000}
	}
	return out
}

func scenarioConfig() Config {
	return Config{
		TotalSeed:      1_000_000,
		SplitCount:     5,
		BuyThreshold:   2,
		SellProfitRate: 3,
		StopLossRate:   5,
	}
}

func newTracker(t *testing.T, cfg Config, costs broker.Costs) *Tracker {
	t.Helper()
	tr, err := NewTracker("test", cfg, broker.NewSimulator(costs))
	require.NoError(t, err)
	return tr
}

func replay(tr *Tracker, bs []domain.Bar) []domain.TradeEvent {
	var events []domain.TradeEvent
	for _, b := range bs {
		events = append(events, tr.OnBar(b)...)
	}
	return events
}

func TestEndToEndScenario(t *testing.T) {
	tr := newTracker(t, scenarioConfig(), broker.Costs{})
	bs := bars(100, 98, 96, 99, 103)

	var states []domain.PositionState
	var events []domain.TradeEvent
	for _, b := range bs {
		events = append(events, tr.OnBar(b)...)
		states = append(states, tr.State())
	}

	assert.Equal(t, []domain.PositionState{
		domain.StateAccumulating, domain.StateAccumulating, domain.StateAccumulating,
		domain.StateAccumulating, domain.StateExited,
	}, states)

	require.Len(t, events, 6)
	buys, sells := events[:3], events[3:]
	for i, want := range []float64{100, 98, 96} {
		assert.Equal(t, domain.SideBuy, buys[i].Side)
		assert.Equal(t, want, buys[i].Price)
		assert.Equal(t, i+1, buys[i].Tranche)
	}
	assert.Equal(t, domain.ReasonBootstrap, buys[0].Reason)
	assert.Equal(t, domain.ReasonScaleIn, buys[1].Reason)
	assert.Equal(t, []float64{2000, 2040, 2083}, []float64{buys[0].Quantity, buys[1].Quantity, buys[2].Quantity})

	var net float64
	for _, s := range sells {
		assert.Equal(t, domain.SideSell, s.Side)
		assert.Equal(t, 103.0, s.Price)
		assert.Equal(t, domain.ReasonTakeProfit, s.Reason)
		assert.Equal(t, 1, s.Cycle)
		net += s.NetPnL
	}
	assert.Greater(t, net, 0.0)
	assert.InDelta(t, 103*6123-599888, net, 1e-6)
	assert.InDelta(t, net, tr.RealizedPnL(), 1e-6)
	assert.Empty(t, tr.Tranches())
	assert.InDelta(t, 1_000_000+net, tr.Cash(), 1e-6)
}

func TestCostBasisAndRealizedPnL(t *testing.T) {
	tr := newTracker(t, scenarioConfig(), broker.Costs{})
	tr.tranches = []domain.Tranche{
		{EntryDate: d0, EntryPrice: 100, Quantity: 10},
		{EntryDate: d0.AddDate(0, 0, 1), EntryPrice: 90, Quantity: 10},
	}
	tr.state = domain.StateAccumulating

	assert.Equal(t, 95.0, tr.AverageCost())
	assert.Equal(t, 100.0, tr.UnrealizedPnL(100))

	events := tr.Close(d0.AddDate(0, 0, 2), 100, domain.ReasonEndOfRun)
	require.Len(t, events, 2)
	assert.Equal(t, 0.0, events[0].NetPnL)
	assert.Equal(t, 100.0, events[1].NetPnL)
	assert.Equal(t, 100.0, tr.RealizedPnL())
	assert.Equal(t, domain.StateExited, tr.State())
}

func TestThresholdGating(t *testing.T) {
	tests := []struct {
		price float64
		buys  int
	}{
		{99, 0},
		{98.5, 0},
		{98, 1},
		{97, 1},
	}
	for _, tt := range tests {
		cfg := scenarioConfig()
		cfg.StopLossRate = 0
		tr := newTracker(t, cfg, broker.Costs{})
		replay(tr, bars(100))

		events := tr.OnBar(domain.Bar{Ticker: "TEST", Date: d0.AddDate(0, 0, 1), Close: tt.price, Volume: 1})
		assert.Len(t, events, tt.buys, "price %v", tt.price)
	}
}

func TestExitTakesPrecedenceOverEntry(t *testing.T) {
	cfg := scenarioConfig()
	cfg.StopLossRate = 1 // stop at 99, scale-in at 98: both hold at 98
	tr := newTracker(t, cfg, broker.Costs{})
	replay(tr, bars(100))

	events := tr.OnBar(domain.Bar{Ticker: "TEST", Date: d0.AddDate(0, 0, 1), Close: 98, Volume: 1})
	require.Len(t, events, 1)
	assert.Equal(t, domain.SideSell, events[0].Side)
	assert.Equal(t, domain.ReasonStopLoss, events[0].Reason)
	assert.Empty(t, tr.Tranches())
	assert.Equal(t, domain.StateExited, tr.State())
}

func TestReentryAfterExit(t *testing.T) {
	tr := newTracker(t, scenarioConfig(), broker.Costs{})
	events := replay(tr, bars(100, 104, 104))

	require.Len(t, events, 3)
	assert.Equal(t, domain.SideSell, events[1].Side)
	assert.Equal(t, domain.SideBuy, events[2].Side)
	assert.Equal(t, 2, events[2].Cycle, "re-entry opens a new cycle")
	assert.Equal(t, domain.StateAccumulating, tr.State())
}

func TestSingleCycleStopsAfterExit(t *testing.T) {
	cfg := scenarioConfig()
	cfg.SingleCycle = true
	tr := newTracker(t, cfg, broker.Costs{})

	events := replay(tr, bars(100, 104, 104, 90))
	require.Len(t, events, 2)
	assert.Equal(t, domain.StateFlat, tr.State())
}

func TestFullStateStopsBuying(t *testing.T) {
	cfg := scenarioConfig()
	cfg.SplitCount = 2
	cfg.StopLossRate = 0
	tr := newTracker(t, cfg, broker.Costs{})

	events := replay(tr, bars(100, 97, 94, 90))
	assert.Len(t, events, 2)
	assert.Equal(t, domain.StateFull, tr.State())
}

func TestStopLossZeroDisablesStop(t *testing.T) {
	cfg := scenarioConfig()
	cfg.StopLossRate = 0
	cfg.SplitCount = 1
	tr := newTracker(t, cfg, broker.Costs{})

	events := replay(tr, bars(100, 50))
	assert.Len(t, events, 1)
	assert.Equal(t, domain.StateFull, tr.State())
}

func TestMinVolumeGatesEntriesOnly(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MinVolume = 500
	tr := newTracker(t, cfg, broker.Costs{})

	assert.Empty(t, tr.OnBar(domain.Bar{Date: d0, Close: 100, Volume: 10}))
	require.Len(t, tr.OnBar(domain.Bar{Date: d0.AddDate(0, 0, 1), Close: 100, Volume: 600}), 1)

	// A thin day can still exit.
	events := tr.OnBar(domain.Bar{Date: d0.AddDate(0, 0, 2), Close: 110, Volume: 1})
	require.Len(t, events, 1)
	assert.Equal(t, domain.SideSell, events[0].Side)
}

func TestCostsReduceRealizedPnL(t *testing.T) {
	costs := broker.Costs{CommissionRate: 0.001, TaxRate: 0.002, SlippageRate: 0.001}
	tr := newTracker(t, scenarioConfig(), costs)
	events := replay(tr, bars(100, 110))
	require.Len(t, events, 2)

	buy, sell := events[0], events[1]
	assert.InDelta(t, 100.1, buy.Price, 1e-9)
	assert.InDelta(t, 109.89, sell.Price, 1e-9)
	assert.Greater(t, buy.Fees, 0.0)
	assert.Greater(t, sell.Tax, 0.0)

	want := (sell.Price-buy.Price)*buy.Quantity - sell.Fees - sell.Tax - buy.Fees
	assert.InDelta(t, want, sell.NetPnL, 1e-6)
	assert.Less(t, sell.NetPnL, sell.GrossPnL)
	assert.InDelta(t, 1_000_000+sell.NetPnL, tr.Cash(), 1e-6)
}

func TestOutOfOrderBarIgnored(t *testing.T) {
	tr := newTracker(t, scenarioConfig(), broker.Costs{})
	replay(tr, bars(100, 99))
	assert.Empty(t, tr.OnBar(domain.Bar{Date: d0, Close: 50, Volume: 1}))
}

func TestEquityAndReset(t *testing.T) {
	tr := newTracker(t, scenarioConfig(), broker.Costs{})
	replay(tr, bars(100))
	assert.Equal(t, 1_000_000.0, tr.Equity(100))
	assert.Equal(t, 1_002_000.0, tr.Equity(101))

	tr.Reset()
	assert.Equal(t, domain.StateFlat, tr.State())
	assert.Equal(t, 1_000_000.0, tr.Cash())
	assert.Zero(t, tr.Cycles())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"zero split count", func(c *Config) { c.SplitCount = 0 }},
		{"zero seed", func(c *Config) { c.TotalSeed = 0 }},
		{"negative threshold", func(c *Config) { c.BuyThreshold = -1 }},
		{"negative profit", func(c *Config) { c.SellProfitRate = -0.5 }},
		{"negative stop", func(c *Config) { c.StopLossRate = -5 }},
		{"negative volume", func(c *Config) { c.MinVolume = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			err := cfg.Validate()
			assert.True(t, errors.Is(err, domain.ErrConfigInvalid), "got %v", err)

			_, err = NewTracker("X", cfg, nil)
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
		})
	}
	assert.Equal(t, 2_000_000.0, DefaultConfig().CapitalPerTranche())
}

func TestFromParams(t *testing.T) {
	cfg, err := FromParams(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = FromParams(params.Params{"split_count": 10, "buy_threshold": 1.5, "single_cycle": true})
	require.NoError(t, err)
	want := DefaultConfig()
	want.SplitCount, want.BuyThreshold, want.SingleCycle = 10, 1.5, true
	assert.Equal(t, want, cfg)

	roundTrip, err := FromParams(scenarioConfig().Params())
	require.NoError(t, err)
	assert.Equal(t, scenarioConfig(), roundTrip)

	_, err = FromParams(params.Params{"split_count": 0})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	_, err = FromParams(params.Params{"ma_period": 20})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	tr, err := New("aapl", params.Params{"total_seed": 500_000}, nil)
	require.NoError(t, err)
	assert.Equal(t, 500_000.0, tr.Seed())
	assert.Equal(t, Name, tr.Name())
}

func TestNaNCostsNeverOpenATranche(t *testing.T) {
	tr := newTracker(t, scenarioConfig(), broker.Costs{SlippageRate: math.NaN()})

	events := replay(tr, bars(100, 97, 95))
	assert.Empty(t, events)
	assert.Empty(t, tr.Tranches())
	assert.Equal(t, domain.StateFlat, tr.State())
	assert.Equal(t, 1_000_000.0, tr.Cash())
}
