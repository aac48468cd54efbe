package builtins

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitbuy/internal/broker"
	"splitbuy/internal/domain"
	"splitbuy/internal/strategy/params"
)

var start = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func bars(closes ...float64) []domain.Bar {
	out := make([]domain.Bar, len(closes))
	for i, c := range closes {
		out[i] = domain.Bar{
			Ticker: "TEST", Date: start.AddDate(0, 0, i),
			Open: c, High: c, Low: c, Close: c, AdjClose: c, Volume: 1_000_000,
		}
	}
	return out
}

func testConfig() SMACrossConfig {
	return SMACrossConfig{
		TotalSeed:       1_000_000,
		ShortPeriod:     1,
		LongPeriod:      3,
		PositionSizePct: 100,
	}
}

func newCross(t *testing.T, cfg SMACrossConfig, costs broker.Costs) *SMACross {
	t.Helper()
	s, err := NewSMACross(MACross, "test", cfg, broker.NewSimulator(costs))
	require.NoError(t, err)
	return s
}

func replay(s *SMACross, bs []domain.Bar) []domain.TradeEvent {
	var out []domain.TradeEvent
	for _, b := range bs {
		out = append(out, s.OnBar(b)...)
	}
	return out
}

func TestNoTradeUntilWindowFull(t *testing.T) {
	s := newCross(t, testConfig(), broker.Costs{})
	assert.Empty(t, replay(s, bars(100, 120)))
	assert.False(t, s.Holding())
	assert.Equal(t, 1_000_000.0, s.Equity(120))
}

func TestCrossUpBuysAndCrossDownSells(t *testing.T) {
	s := newCross(t, testConfig(), broker.Costs{})
	events := replay(s, bars(100, 100, 100, 110, 120, 90))
	require.Len(t, events, 2)

	buy := events[0]
	assert.Equal(t, domain.SideBuy, buy.Side)
	assert.Equal(t, "TEST", buy.Ticker)
	assert.Equal(t, domain.ReasonTrendUp, buy.Reason)
	assert.Equal(t, start.AddDate(0, 0, 3), buy.Date)
	assert.Equal(t, 110.0, buy.Price)
	assert.Equal(t, 9090.0, buy.Quantity)
	assert.Equal(t, 1, buy.Cycle)
	assert.Equal(t, 1, buy.Tranche)

	sell := events[1]
	assert.Equal(t, domain.SideSell, sell.Side)
	assert.Equal(t, domain.ReasonTrendDown, sell.Reason)
	assert.Equal(t, 9090.0, sell.Quantity)
	assert.Equal(t, 110*9090.0, sell.CostBasis)
	assert.InDelta(t, -20*9090.0, sell.GrossPnL, 1e-6)
	assert.InDelta(t, -20*9090.0, sell.NetPnL, 1e-6)

	assert.False(t, s.Holding())
	assert.InDelta(t, -20*9090.0, s.RealizedPnL(), 1e-6)
	assert.InDelta(t, 1_000_000-20*9090.0, s.Cash(), 1e-6)
}

func TestHoldsWhileAboveAverage(t *testing.T) {
	s := newCross(t, testConfig(), broker.Costs{})
	events := replay(s, bars(100, 100, 100, 110, 120, 130))
	require.Len(t, events, 1)
	assert.True(t, s.Holding())
	assert.InDelta(t, 100+130*9090.0, s.Equity(130), 1e-6)
}

func TestLongerShortPeriod(t *testing.T) {
	cfg := testConfig()
	cfg.ShortPeriod, cfg.LongPeriod = 2, 4
	s := newCross(t, cfg, broker.Costs{})

	// Window 100,100,100,104: short 102 > long 101.
	events := replay(s, bars(100, 100, 100, 104))
	require.Len(t, events, 1)
	assert.Equal(t, domain.SideBuy, events[0].Side)
}

func TestPositionSizeAndCashFloor(t *testing.T) {
	cfg := testConfig()
	cfg.PositionSizePct = 20
	cfg.MinCashPct = 50
	s := newCross(t, cfg, broker.Costs{})

	events := replay(s, bars(100, 100, 100, 125))
	require.Len(t, events, 1)
	assert.Equal(t, 1600.0, events[0].Quantity, "20% of the seed at 125")
	assert.InDelta(t, 800_000.0, s.Cash(), 1e-6)
}

func TestCashFloorBlocksEntry(t *testing.T) {
	cfg := testConfig()
	cfg.MinCashPct = 100
	s := newCross(t, cfg, broker.Costs{})
	s.cash = 999_999

	assert.Empty(t, replay(s, bars(100, 100, 100, 110)))
	assert.False(t, s.Holding())
}

func TestMinVolumeGatesEntriesOnly(t *testing.T) {
	cfg := testConfig()
	cfg.MinVolume = 2_000_000
	s := newCross(t, cfg, broker.Costs{})
	assert.Empty(t, replay(s, bars(100, 100, 100, 110)))

	cfg.MinVolume = 0
	s = newCross(t, cfg, broker.Costs{})
	require.Len(t, replay(s, bars(100, 100, 100, 110)), 1)
	s.cfg.MinVolume = 2_000_000
	events := s.OnBar(domain.Bar{Ticker: "TEST", Date: start.AddDate(0, 0, 4), Close: 80, Volume: 1})
	require.Len(t, events, 1)
	assert.Equal(t, domain.SideSell, events[0].Side)
}

func TestCostsReduceNetPnL(t *testing.T) {
	costs := broker.Costs{CommissionRate: 0.001, TaxRate: 0.002}
	s := newCross(t, testConfig(), costs)
	events := replay(s, bars(100, 100, 100, 110, 120, 90))
	require.Len(t, events, 2)

	buy, sell := events[0], events[1]
	assert.Positive(t, buy.Fees)
	assert.Positive(t, sell.Tax)
	assert.InDelta(t, sell.GrossPnL-sell.Fees-sell.Tax-buy.Fees, sell.NetPnL, 1e-6)
	assert.InDelta(t, 1_000_000+sell.NetPnL, s.Cash(), 1e-6)
}

func TestCloseLiquidates(t *testing.T) {
	s := newCross(t, testConfig(), broker.Costs{})
	require.Len(t, replay(s, bars(100, 100, 100, 110)), 1)

	events := s.Close(start.AddDate(0, 0, 4), 115, domain.ReasonEndOfRun)
	require.Len(t, events, 1)
	assert.Equal(t, domain.ReasonEndOfRun, events[0].Reason)
	assert.InDelta(t, 5*9090.0, events[0].NetPnL, 1e-6)
	assert.Empty(t, s.Close(start.AddDate(0, 0, 5), 115, domain.ReasonEndOfRun))
}

func TestOutOfOrderBarIgnored(t *testing.T) {
	s := newCross(t, testConfig(), broker.Costs{})
	bs := bars(100, 100, 100)
	replay(s, bs)
	assert.Nil(t, s.OnBar(domain.Bar{Ticker: "TEST", Date: bs[1].Date, Close: 500}))
	assert.Equal(t, 3, s.seen)
}

func TestSMACrossConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*SMACrossConfig)
	}{
		{"zero seed", func(c *SMACrossConfig) { c.TotalSeed = 0 }},
		{"NaN seed", func(c *SMACrossConfig) { c.TotalSeed = math.NaN() }},
		{"zero short", func(c *SMACrossConfig) { c.ShortPeriod = 0 }},
		{"long not above short", func(c *SMACrossConfig) { c.LongPeriod = 1 }},
		{"size above 100", func(c *SMACrossConfig) { c.PositionSizePct = 150 }},
		{"NaN size", func(c *SMACrossConfig) { c.PositionSizePct = math.NaN() }},
		{"negative volume", func(c *SMACrossConfig) { c.MinVolume = -1 }},
		{"cash floor above 100", func(c *SMACrossConfig) { c.MinCashPct = 101 }},
	}
	require.NoError(t, testConfig().Validate())
	require.NoError(t, DefaultMACross().Validate())
	require.NoError(t, DefaultMAStrategy().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testConfig()
			tt.mod(&c)
			assert.ErrorIs(t, c.Validate(), domain.ErrConfigInvalid)
		})
	}
}

func TestNamedConstructors(t *testing.T) {
	s, err := NewMACross("aapl", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, MACross, s.Name())
	assert.Equal(t, DefaultMACross(), s.cfg)

	s, err = NewMAStrategy("aapl", params.Params{"ma_period": 50, "total_seed": 2_000_000}, nil)
	require.NoError(t, err)
	assert.Equal(t, MAStrategy, s.Name())
	assert.Equal(t, 50, s.cfg.LongPeriod)
	assert.Equal(t, 2_000_000.0, s.Seed())
	assert.Equal(t, DefaultMAStrategy().MinVolume, s.cfg.MinVolume)

	_, err = NewMACross("aapl", params.Params{"split_count": 5}, nil)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	_, err = NewMACross("aapl", params.Params{"ma_period": 1}, nil)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}

func TestParamsRoundTrip(t *testing.T) {
	cfg, err := SMACrossFromParams(DefaultMACross(), DefaultMAStrategy().Params())
	require.NoError(t, err)
	assert.Equal(t, DefaultMAStrategy(), cfg)
}
