// Package builtins provides the trend-following strategies that ship
// alongside split-buy.
package builtins

import (
	"fmt"
	"math"
	"strings"
	"time"

	"splitbuy/internal/broker"
	"splitbuy/internal/domain"
	"splitbuy/internal/strategy/params"
)

// Registry names of the moving-average strategies.
const (
	MACross    = "ma_cross"
	MAStrategy = "ma_strategy"
)

// SMACrossConfig parameterises SMACross. Percentages are 0-100.
type SMACrossConfig struct {
	TotalSeed       float64
	ShortPeriod     int // 1 compares the close itself with the long average
	LongPeriod      int
	PositionSizePct float64 // share of the seed put into the single position
	MinVolume       int64   // entries need at least this volume
	MinCashPct      float64 // entries need cash of at least this share of the position size
}

// DefaultMACross is the stock ma_cross configuration: all-in on a close
// above the 120-day average.
func DefaultMACross() SMACrossConfig {
	return SMACrossConfig{
		TotalSeed:       10_000_000,
		ShortPeriod:     1,
		LongPeriod:      120,
		PositionSizePct: 100,
	}
}

// DefaultMAStrategy is the stock ma_strategy configuration: a 20% position
// on a close above the 20-day average, with a volume floor.
func DefaultMAStrategy() SMACrossConfig {
	return SMACrossConfig{
		TotalSeed:       10_000_000,
		ShortPeriod:     1,
		LongPeriod:      20,
		PositionSizePct: 20,
		MinVolume:       10_000,
		MinCashPct:      50,
	}
}

// Validate reports out-of-range values as domain.ErrConfigInvalid.
func (c SMACrossConfig) Validate() error {
	switch {
	case !(c.TotalSeed > 0) || math.IsInf(c.TotalSeed, 0):
		return invalid("total_seed %g must be > 0", c.TotalSeed)
	case c.ShortPeriod < 1:
		return invalid("short_period %d must be >= 1", c.ShortPeriod)
	case c.LongPeriod <= c.ShortPeriod:
		return invalid("ma_period %d must exceed short_period %d", c.LongPeriod, c.ShortPeriod)
	case !(c.PositionSizePct > 0 && c.PositionSizePct <= 100):
		return invalid("position_size_pct %g must be in (0, 100]", c.PositionSizePct)
	case c.MinVolume < 0:
		return invalid("min_volume %d must be >= 0", c.MinVolume)
	case !(c.MinCashPct >= 0 && c.MinCashPct <= 100):
		return invalid("min_cash_pct %g must be in [0, 100]", c.MinCashPct)
	}
	return nil
}

// SMACrossFromParams overlays p on defaults and validates the result.
func SMACrossFromParams(defaults SMACrossConfig, p params.Params) (SMACrossConfig, error) {
	c := defaults
	d := params.NewDecoder(p)
	d.Float("total_seed", &c.TotalSeed)
	d.Int("short_period", &c.ShortPeriod)
	d.Int("ma_period", &c.LongPeriod)
	d.Float("position_size_pct", &c.PositionSizePct)
	d.Int64("min_volume", &c.MinVolume)
	d.Float("min_cash_pct", &c.MinCashPct)
	if err := d.Err(); err != nil {
		return SMACrossConfig{}, fmt.Errorf("sma_cross: %w", err)
	}
	return c, c.Validate()
}

// Params returns c in the form SMACrossFromParams reads.
func (c SMACrossConfig) Params() params.Params {
	return params.Params{
		"total_seed":        c.TotalSeed,
		"short_period":      c.ShortPeriod,
		"ma_period":         c.LongPeriod,
		"position_size_pct": c.PositionSizePct,
		"min_volume":        c.MinVolume,
		"min_cash_pct":      c.MinCashPct,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("sma_cross: "+format+": %w", append(args, domain.ErrConfigInvalid)...)
}

// SMACross holds one position while the short simple moving average of
// closes is above the long one, and sells it all once the short average
// drops below. Nothing trades until LongPeriod closes have been seen.
type SMACross struct {
	name   string
	ticker string
	cfg    SMACrossConfig
	broker broker.Broker

	window []float64 // last LongPeriod closes, ring buffer
	next   int
	seen   int

	cash     float64
	position *domain.Tranche
	realized float64
	cycle    int
	lastDate time.Time
}

// NewSMACross creates a flat SMACross registered under name.
func NewSMACross(name, ticker string, cfg SMACrossConfig, b broker.Broker) (*SMACross, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		b = broker.NewSimulator(broker.Costs{})
	}
	return &SMACross{
		name:   name,
		ticker: strings.ToUpper(ticker),
		cfg:    cfg,
		broker: b,
		window: make([]float64, cfg.LongPeriod),
		cash:   cfg.TotalSeed,
	}, nil
}

// Name returns the registry name.
func (s *SMACross) Name() string { return s.name }

// Seed returns the starting capital.
func (s *SMACross) Seed() float64 { return s.cfg.TotalSeed }

// Cash returns uninvested cash.
func (s *SMACross) Cash() float64 { return s.cash }

// Holding reports whether a position is open.
func (s *SMACross) Holding() bool { return s.position != nil }

// RealizedPnL is the net profit of closed positions.
func (s *SMACross) RealizedPnL() float64 { return s.realized }

// Equity is cash plus the open position valued at p.
func (s *SMACross) Equity(p float64) float64 {
	if s.position == nil {
		return s.cash
	}
	return s.cash + s.position.Quantity*p
}

// averages returns the short and long SMAs once the window is full.
func (s *SMACross) averages() (short, long float64, ok bool) {
	n := s.cfg.LongPeriod
	if s.seen < n {
		return 0, 0, false
	}
	for i := 0; i < n; i++ {
		// Walk back from the newest close.
		v := s.window[(s.next-1-i+n)%n]
		long += v
		if i < s.cfg.ShortPeriod {
			short += v
		}
	}
	return short / float64(s.cfg.ShortPeriod), long / float64(n), true
}

// OnBar records the close and trades on the crossover. An open position
// is checked for exit before any entry, so a bar never both sells and buys.
func (s *SMACross) OnBar(bar domain.Bar) []domain.TradeEvent {
	if !s.lastDate.IsZero() && !bar.Date.After(s.lastDate) {
		return nil
	}
	s.lastDate = bar.Date
	s.window[s.next] = bar.Close
	s.next = (s.next + 1) % len(s.window)
	s.seen++

	short, long, ok := s.averages()
	if !ok {
		return nil
	}
	if s.position != nil {
		if short < long {
			return s.exit(bar.Date, bar.Close, domain.ReasonTrendDown)
		}
		return nil
	}
	if short <= long || bar.Volume < s.cfg.MinVolume {
		return nil
	}
	return s.enter(bar.Date, bar.Close)
}

// Close liquidates the open position, if any.
func (s *SMACross) Close(date time.Time, p float64, reason string) []domain.TradeEvent {
	if s.position == nil {
		return nil
	}
	return s.exit(date, p, reason)
}

func (s *SMACross) enter(date time.Time, p float64) []domain.TradeEvent {
	size := s.cfg.TotalSeed * s.cfg.PositionSizePct / 100
	if s.cash < size*s.cfg.MinCashPct/100 {
		return nil
	}
	fill, ok := s.broker.Buy(p, min(size, s.cash))
	if !ok {
		return nil
	}
	s.cycle++
	s.position = &domain.Tranche{
		EntryDate:  date,
		EntryPrice: fill.Price,
		Quantity:   fill.Quantity,
		FeesPaid:   fill.Commission,
	}
	s.cash += fill.CashDelta()
	return []domain.TradeEvent{{
		Ticker:   s.ticker,
		Date:     date,
		Side:     domain.SideBuy,
		Price:    fill.Price,
		Quantity: fill.Quantity,
		Fees:     fill.Commission,
		Reason:   domain.ReasonTrendUp,
		Cycle:    s.cycle,
		Tranche:  1,
	}}
}

func (s *SMACross) exit(date time.Time, p float64, reason string) []domain.TradeEvent {
	pos := s.position
	fill := s.broker.Sell(p, pos.Quantity)
	gross := (fill.Price - pos.EntryPrice) * pos.Quantity
	net := gross - fill.Fees() - pos.FeesPaid

	s.realized += net
	s.cash += fill.CashDelta()
	s.position = nil
	return []domain.TradeEvent{{
		Ticker:    s.ticker,
		Date:      date,
		Side:      domain.SideSell,
		Price:     fill.Price,
		Quantity:  pos.Quantity,
		Fees:      fill.Commission,
		Tax:       fill.Tax,
		CostBasis: pos.Cost(),
		GrossPnL:  gross,
		NetPnL:    net,
		Reason:    reason,
		Cycle:     s.cycle,
		Tranche:   1,
	}}
}

// NewMACross builds an ma_cross instance with p overlaid on DefaultMACross.
func NewMACross(ticker string, p params.Params, b broker.Broker) (*SMACross, error) {
	cfg, err := SMACrossFromParams(DefaultMACross(), p)
	if err != nil {
		return nil, err
	}
	return NewSMACross(MACross, ticker, cfg, b)
}

// NewMAStrategy builds an ma_strategy instance with p overlaid on
// DefaultMAStrategy.
func NewMAStrategy(ticker string, p params.Params, b broker.Broker) (*SMACross, error) {
	cfg, err := SMACrossFromParams(DefaultMAStrategy(), p)
	if err != nil {
		return nil, err
	}
	return NewSMACross(MAStrategy, ticker, cfg, b)
}
