// Package splitbuy implements the split-buy position tracker: capital is
// divided into tranches bought on successive dips, and the whole position
// is closed when the blended cost basis reaches a profit target or stop.
package splitbuy

import (
	"fmt"
	"math"

	"splitbuy/internal/domain"
	"splitbuy/internal/strategy/params"
)

// Config is the split-buy strategy configuration. Rates are percentages
// (2.0 = 2%).
type Config struct {
	TotalSeed      float64 `yaml:"total_seed" json:"total_seed"`
	SplitCount     int     `yaml:"split_count" json:"split_count"`
	BuyThreshold   float64 `yaml:"buy_threshold" json:"buy_threshold"`
	SellProfitRate float64 `yaml:"sell_profit_rate" json:"sell_profit_rate"`
	StopLossRate   float64 `yaml:"stop_loss_rate" json:"stop_loss_rate"` // 0 disables the stop
	MinVolume      int64   `yaml:"min_volume" json:"min_volume"`         // entries need at least this volume
	SingleCycle    bool    `yaml:"single_cycle" json:"single_cycle"`     // no re-entry after the first exit
}

// DefaultConfig returns the stock parameters.
func DefaultConfig() Config {
	return Config{
		TotalSeed:      10_000_000,
		SplitCount:     5,
		BuyThreshold:   2.0,
		SellProfitRate: 3.0,
		StopLossRate:   5.0,
		MinVolume:      10_000,
	}
}

// Validate reports out-of-range values as domain.ErrConfigInvalid. Values
// are never clamped.
func (c Config) Validate() error {
	switch {
	case c.SplitCount < 1:
		return invalid("split_count %d must be >= 1", c.SplitCount)
	case !(c.TotalSeed > 0) || math.IsInf(c.TotalSeed, 0):
		return invalid("total_seed %g must be > 0", c.TotalSeed)
	case c.BuyThreshold < 0 || c.BuyThreshold >= 100 || math.IsNaN(c.BuyThreshold):
		return invalid("buy_threshold %g must be in [0, 100)", c.BuyThreshold)
	case c.SellProfitRate < 0 || math.IsNaN(c.SellProfitRate):
		return invalid("sell_profit_rate %g must be >= 0", c.SellProfitRate)
	case c.StopLossRate < 0 || c.StopLossRate > 100 || math.IsNaN(c.StopLossRate):
		return invalid("stop_loss_rate %g must be in [0, 100]", c.StopLossRate)
	case c.MinVolume < 0:
		return invalid("min_volume %d must be >= 0", c.MinVolume)
	}
	return nil
}

// FromParams overlays p on DefaultConfig and validates the result.
func FromParams(p params.Params) (Config, error) {
	c := DefaultConfig()
	d := params.NewDecoder(p)
	d.Float("total_seed", &c.TotalSeed)
	d.Int("split_count", &c.SplitCount)
	d.Float("buy_threshold", &c.BuyThreshold)
	d.Float("sell_profit_rate", &c.SellProfitRate)
	d.Float("stop_loss_rate", &c.StopLossRate)
	d.Int64("min_volume", &c.MinVolume)
	d.Bool("single_cycle", &c.SingleCycle)
	if err := d.Err(); err != nil {
		return Config{}, fmt.Errorf("split_buy: %w", err)
	}
	return c, c.Validate()
}

// Params returns c in the form FromParams reads.
func (c Config) Params() params.Params {
	return params.Params{
		"total_seed":       c.TotalSeed,
		"split_count":      c.SplitCount,
		"buy_threshold":    c.BuyThreshold,
		"sell_profit_rate": c.SellProfitRate,
		"stop_loss_rate":   c.StopLossRate,
		"min_volume":       c.MinVolume,
		"single_cycle":     c.SingleCycle,
	}
}

// CapitalPerTranche is the budget of one tranche.
func (c Config) CapitalPerTranche() float64 {
	return c.TotalSeed / float64(c.SplitCount)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("split_buy: "+format+": %w", append(args, domain.ErrConfigInvalid)...)
}
