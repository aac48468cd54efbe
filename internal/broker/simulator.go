package broker

import (
	"math"

	"splitbuy/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*Simulator)(nil)

// quantityEpsilon absorbs float error when budget divides evenly.
const quantityEpsilon = 1e-9

// Simulator implements Broker for backtesting. Slippage moves the fill
// against the trader (buys higher, sells lower), commission is charged on
// the filled notional on both sides and tax on sell proceeds. All rates are
// applied multiplicatively to the nominal price.
type Simulator struct {
	costs Costs
}

// NewSimulator creates a Simulator with the given cost rates.
func NewSimulator(costs Costs) *Simulator {
	return &Simulator{costs: costs}
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// Costs returns the configured rates.
func (s *Simulator) Costs() Costs { return s.costs }

// BuyPrice is the slipped buy fill for a nominal price.
func (s *Simulator) BuyPrice(nominal float64) float64 {
	return nominal * (1 + s.costs.SlippageRate)
}

// SellPrice is the slipped sell fill for a nominal price.
func (s *Simulator) SellPrice(nominal float64) float64 {
	return nominal * (1 - s.costs.SlippageRate)
}

// Buy sizes and prices a buy: the largest whole quantity whose notional
// plus commission fits in budget.
func (s *Simulator) Buy(nominal, budget float64) (Fill, bool) {
	if !(nominal > 0) || !(budget > 0) {
		return Fill{}, false
	}
	price := s.BuyPrice(nominal)
	qty := math.Floor(budget/(price*(1+s.costs.CommissionRate)) + quantityEpsilon)
	if !(qty >= 1) {
		return Fill{}, false
	}
	notional := price * qty
	return Fill{
		Side:       domain.SideBuy,
		Nominal:    nominal,
		Price:      price,
		Quantity:   qty,
		Notional:   notional,
		Commission: notional * s.costs.CommissionRate,
	}, true
}

// Sell prices a sell of quantity shares.
func (s *Simulator) Sell(nominal, quantity float64) Fill {
	price := s.SellPrice(nominal)
	notional := price * quantity
	return Fill{
		Side:       domain.SideSell,
		Nominal:    nominal,
		Price:      price,
		Quantity:   quantity,
		Notional:   notional,
		Commission: notional * s.costs.CommissionRate,
		Tax:        notional * s.costs.TaxRate,
	}
}
