// Package strategy defines the Strategy interface for per-ticker trading
// strategies, a Registry of strategy factories, and the backtest runner
// that replays stored bars through them.
package strategy

import (
	"fmt"
	"sort"
	"time"

	"splitbuy/internal/broker"
	"splitbuy/internal/domain"
	"splitbuy/internal/strategy/builtins"
	"splitbuy/internal/strategy/params"
	"splitbuy/internal/strategy/splitbuy"
)

// Strategy is the interface every backtestable strategy implements. One
// instance trades exactly one ticker and is fed bars in date order.
type Strategy interface {
	// Name returns the registry name of the strategy.
	Name() string

	// OnBar processes one daily bar and returns the trades it caused.
	OnBar(bar domain.Bar) []domain.TradeEvent

	// Close liquidates any open position at price p.
	Close(date time.Time, p float64, reason string) []domain.TradeEvent

	// Equity is cash plus open positions valued at p.
	Equity(p float64) float64

	// Seed is the starting capital of the instance.
	Seed() float64
}

var (
	_ Strategy = (*splitbuy.Tracker)(nil)
	_ Strategy = (*builtins.SMACross)(nil)
)

// Factory builds a fresh strategy instance for one ticker. p holds the
// strategy's own parameters; absent keys take the strategy's defaults and
// unknown keys are rejected.
type Factory func(ticker string, p params.Params, b broker.Broker) (Strategy, error)

// Registry holds named strategy factories for lookup and enumeration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry returns a Registry with the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(splitbuy.Name, func(ticker string, p params.Params, b broker.Broker) (Strategy, error) {
		return splitbuy.New(ticker, p, b)
	})
	r.Register(builtins.MACross, func(ticker string, p params.Params, b broker.Broker) (Strategy, error) {
		return builtins.NewMACross(ticker, p, b)
	})
	r.Register(builtins.MAStrategy, func(ticker string, p params.Params, b broker.Broker) (Strategy, error) {
		return builtins.NewMAStrategy(ticker, p, b)
	})
	return r
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Get retrieves a factory by name. The second return value indicates
// whether the strategy was found.
func (r *Registry) Get(name string) (Factory, bool) {
	f, ok := r.factories[name]
	return f, ok
}

// New builds an instance of the named strategy for ticker. Unknown names
// are reported as domain.ErrConfigInvalid.
func (r *Registry) New(name, ticker string, p params.Params, b broker.Broker) (Strategy, error) {
	f, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q: %w", name, domain.ErrConfigInvalid)
	}
	return f(ticker, p, b)
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
