package splitbuy

import (
	"strings"
	"time"

	"splitbuy/internal/broker"
	"splitbuy/internal/domain"
	"splitbuy/internal/strategy/params"
)

// Name is the registry name of the strategy.
const Name = "split_buy"

// priceTolerance is the relative slack on trigger levels, so a level such
// as 100*(1-0.02) still matches a close of exactly 98.
const priceTolerance = 1e-9

func atOrBelow(p, level float64) bool { return p <= level*(1+priceTolerance) }
func atOrAbove(p, level float64) bool { return p >= level*(1-priceTolerance) }

// Tracker is the per-ticker split-buy state machine. It is driven one bar
// at a time in date order and is not safe for concurrent use.
type Tracker struct {
	ticker string
	cfg    Config
	broker broker.Broker

	state    domain.PositionState
	tranches []domain.Tranche
	cash     float64
	realized float64
	cycle    int
	done     bool
	lastDate time.Time
}

// NewTracker creates a FLAT tracker for ticker. cfg is validated first.
func NewTracker(ticker string, cfg Config, b broker.Broker) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		b = broker.NewSimulator(broker.Costs{})
	}
	t := &Tracker{
		ticker: strings.ToUpper(ticker),
		cfg:    cfg,
		broker: b,
	}
	t.Reset()
	return t, nil
}

// New builds a Tracker from loosely typed parameters.
func New(ticker string, p params.Params, b broker.Broker) (*Tracker, error) {
	cfg, err := FromParams(p)
	if err != nil {
		return nil, err
	}
	return NewTracker(ticker, cfg, b)
}

// Seed returns the capital the tracker starts with.
func (t *Tracker) Seed() float64 { return t.cfg.TotalSeed }

// Name returns the strategy name.
func (t *Tracker) Name() string { return Name }

// Reset returns the tracker to FLAT with the full seed in cash.
func (t *Tracker) Reset() {
	t.state = domain.StateFlat
	t.tranches = nil
	t.cash = t.cfg.TotalSeed
	t.realized = 0
	t.cycle = 0
	t.done = false
	t.lastDate = time.Time{}
}

// OnBar advances the state machine with one daily bar and returns the trade
// events it caused. Bars not strictly after the previous one are ignored.
//
// Exit is checked before entry: if the close reaches the take-profit or
// stop level against the blended cost, every tranche is sold and nothing is
// bought on that bar.
func (t *Tracker) OnBar(bar domain.Bar) []domain.TradeEvent {
	if !t.lastDate.IsZero() && !bar.Date.After(t.lastDate) {
		return nil
	}
	t.lastDate = bar.Date
	if t.state == domain.StateExited {
		t.state = domain.StateFlat
	}

	p := bar.Close
	if len(t.tranches) > 0 {
		avg := t.AverageCost()
		switch {
		case atOrAbove(p, avg*(1+t.cfg.SellProfitRate/100)):
			return t.exit(bar.Date, p, domain.ReasonTakeProfit)
		case t.cfg.StopLossRate > 0 && atOrBelow(p, avg*(1-t.cfg.StopLossRate/100)):
			return t.exit(bar.Date, p, domain.ReasonStopLoss)
		}
	}

	if len(t.tranches) >= t.cfg.SplitCount || bar.Volume < t.cfg.MinVolume {
		return nil
	}

	if len(t.tranches) == 0 {
		if t.done {
			return nil
		}
		return t.enter(bar.Date, p, domain.ReasonBootstrap)
	}

	last := t.tranches[len(t.tranches)-1]
	if atOrBelow(p, last.EntryPrice*(1-t.cfg.BuyThreshold/100)) {
		return t.enter(bar.Date, p, domain.ReasonScaleIn)
	}
	return nil
}

// Close liquidates any open tranches at price p, e.g. at the end of a
// backtest. It returns nil when the tracker is flat.
func (t *Tracker) Close(date time.Time, p float64, reason string) []domain.TradeEvent {
	if len(t.tranches) == 0 {
		return nil
	}
	return t.exit(date, p, reason)
}

func (t *Tracker) enter(date time.Time, p float64, reason string) []domain.TradeEvent {
	budget := min(t.cfg.CapitalPerTranche(), t.cash)
	fill, ok := t.broker.Buy(p, budget)
	if !ok {
		return nil
	}
	if len(t.tranches) == 0 {
		t.cycle++
	}

	t.tranches = append(t.tranches, domain.Tranche{
		EntryDate:  date,
		EntryPrice: fill.Price,
		Quantity:   fill.Quantity,
		FeesPaid:   fill.Commission,
	})
	t.cash += fill.CashDelta()

	t.state = domain.StateAccumulating
	if len(t.tranches) == t.cfg.SplitCount {
		t.state = domain.StateFull
	}

	return []domain.TradeEvent{{
		Ticker:   t.ticker,
		Date:     date,
		Side:     domain.SideBuy,
		Price:    fill.Price,
		Quantity: fill.Quantity,
		Fees:     fill.Commission,
		Reason:   reason,
		Cycle:    t.cycle,
		Tranche:  len(t.tranches),
	}}
}

// exit sells every tranche, one event per tranche.
func (t *Tracker) exit(date time.Time, p float64, reason string) []domain.TradeEvent {
	events := make([]domain.TradeEvent, 0, len(t.tranches))
	for i, tr := range t.tranches {
		fill := t.broker.Sell(p, tr.Quantity)
		gross := (fill.Price - tr.EntryPrice) * tr.Quantity
		net := gross - fill.Fees() - tr.FeesPaid

		t.realized += net
		t.cash += fill.CashDelta()

		events = append(events, domain.TradeEvent{
			Ticker:    t.ticker,
			Date:      date,
			Side:      domain.SideSell,
			Price:     fill.Price,
			Quantity:  tr.Quantity,
			Fees:      fill.Commission,
			Tax:       fill.Tax,
			CostBasis: tr.Cost(),
			GrossPnL:  gross,
			NetPnL:    net,
			Reason:    reason,
			Cycle:     t.cycle,
			Tranche:   i + 1,
		})
	}

	t.tranches = nil
	t.state = domain.StateExited
	if t.cfg.SingleCycle {
		t.done = true
	}
	return events
}

// State returns the current position state.
func (t *Tracker) State() domain.PositionState { return t.state }

// Tranches returns a copy of the open tranches, oldest first.
func (t *Tracker) Tranches() []domain.Tranche {
	out := make([]domain.Tranche, len(t.tranches))
	copy(out, t.tranches)
	return out
}

// Quantity returns the total open quantity.
func (t *Tracker) Quantity() float64 {
	var q float64
	for _, tr := range t.tranches {
		q += tr.Quantity
	}
	return q
}

// AverageCost is the quantity-weighted mean entry price of the open
// tranches, or 0 when flat.
func (t *Tracker) AverageCost() float64 {
	var cost, qty float64
	for _, tr := range t.tranches {
		cost += tr.EntryPrice * tr.Quantity
		qty += tr.Quantity
	}
	if qty == 0 {
		return 0
	}
	return cost / qty
}

// RealizedPnL is the net profit of all closed tranches, fees included.
func (t *Tracker) RealizedPnL() float64 { return t.realized }

// UnrealizedPnL marks the open tranches to price p.
func (t *Tracker) UnrealizedPnL(p float64) float64 {
	var u float64
	for _, tr := range t.tranches {
		u += (p - tr.EntryPrice) * tr.Quantity
	}
	return u
}

// Cash returns uncommitted capital.
func (t *Tracker) Cash() float64 { return t.cash }

// Equity is cash plus the open position valued at p.
func (t *Tracker) Equity(p float64) float64 { return t.cash + t.Quantity()*p }

// Cycles returns the number of position cycles opened so far.
func (t *Tracker) Cycles() int { return t.cycle }
