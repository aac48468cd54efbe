// Package broker defines the Broker interface used by strategies to turn a
// decision into a fill, and the cost-model simulator used by backtests.
package broker

import (
	"fmt"

	"splitbuy/internal/domain"
)

// Broker prices fills for a strategy. Implementations are deterministic and
// hold no position state; the strategy owns its tranches.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// Buy fills as many whole shares as budget affords at nominal price,
	// fees included. ok is false when not even one share is affordable.
	Buy(nominal, budget float64) (fill Fill, ok bool)

	// Sell fills quantity shares at nominal price.
	Sell(nominal, quantity float64) Fill
}

// Costs are the per-trade cost rates, all fractions (0.001 = 0.1%).
type Costs struct {
	CommissionRate float64 `yaml:"commission_rate" json:"commission_rate"`
	TaxRate        float64 `yaml:"tax_rate" json:"tax_rate"`
	SlippageRate   float64 `yaml:"slippage_rate" json:"slippage_rate"`
}

// Validate rejects negative, NaN and >= 100% rates.
func (c Costs) Validate() error {
	for _, r := range []struct {
		name string
		v    float64
	}{
		{"commission_rate", c.CommissionRate},
		{"tax_rate", c.TaxRate},
		{"slippage_rate", c.SlippageRate},
	} {
		if !(r.v >= 0 && r.v < 1) {
			return fmt.Errorf("%s %g out of range [0, 1): %w", r.name, r.v, domain.ErrConfigInvalid)
		}
	}
	return nil
}

// Fill is a priced execution.
type Fill struct {
	Side       domain.Side
	Nominal    float64 // bar price the decision was made on
	Price      float64 // price after slippage
	Quantity   float64
	Notional   float64 // Price * Quantity
	Commission float64
	Tax        float64
}

// Fees returns commission plus tax.
func (f Fill) Fees() float64 { return f.Commission + f.Tax }

// CashDelta is the signed cash movement: negative for a buy, positive for
// a sell.
func (f Fill) CashDelta() float64 {
	if f.Side == domain.SideBuy {
		return -(f.Notional + f.Commission)
	}
	return f.Notional - f.Commission - f.Tax
}
