package strategy

import (
	"errors"
	"testing"
	"time"

	"splitbuy/internal/broker"
	"splitbuy/internal/domain"
	"splitbuy/internal/strategy/builtins"
	"splitbuy/internal/strategy/params"
	"splitbuy/internal/strategy/splitbuy"
)

// stubStrategy is a minimal Strategy implementation used in registry tests.
type stubStrategy struct {
	name string
}

func (s *stubStrategy) Name() string                                               { return s.name }
func (s *stubStrategy) OnBar(_ domain.Bar) []domain.TradeEvent                     { return nil }
func (s *stubStrategy) Close(_ time.Time, _ float64, _ string) []domain.TradeEvent { return nil }
func (s *stubStrategy) Equity(_ float64) float64                                   { return 0 }
func (s *stubStrategy) Seed() float64                                              { return 0 }

func stubFactory(name string) Factory {
	return func(string, params.Params, broker.Broker) (Strategy, error) {
		return &stubStrategy{name: name}, nil
	}
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("test-strategy", stubFactory("test-strategy"))

	f, ok := r.Get("test-strategy")
	if !ok {
		t.Fatal("Get returned false for registered strategy")
	}
	s, err := f("AAPL", nil, nil)
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if s.Name() != "test-strategy" {
		t.Errorf("factory built strategy with Name() = %q, want %q", s.Name(), "test-strategy")
	}
}

func TestRegistryGet_NotFound(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nonexistent")
	if ok {
		t.Error("Get returned true for unregistered strategy")
	}
	if _, err := r.New("nonexistent", "AAPL", nil, nil); !errors.Is(err, domain.ErrConfigInvalid) {
		t.Errorf("New(unknown) error = %v, want ErrConfigInvalid", err)
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	r.Register("beta", stubFactory("beta"))
	r.Register("alpha", stubFactory("alpha"))

	names := r.List()
	if len(names) != 2 {
		t.Fatalf("List returned %d names, want 2", len(names))
	}
	// List returns sorted names.
	if names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("List returned %v, want [alpha beta]", names)
	}
}

func TestDefaultRegistryBuildsFreshTrackers(t *testing.T) {
	r := DefaultRegistry()
	a, err := r.New(splitbuy.Name, "aapl", nil, broker.NewSimulator(broker.Costs{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := r.New(splitbuy.Name, "msft", nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a == b {
		t.Error("New returned the same instance twice")
	}
	if a.Name() != splitbuy.Name {
		t.Errorf("Name() = %q, want %q", a.Name(), splitbuy.Name)
	}

	bad := params.Params{"split_count": 0}
	if _, err := r.New(splitbuy.Name, "AAPL", bad, nil); !errors.Is(err, domain.ErrConfigInvalid) {
		t.Errorf("New(bad params) error = %v, want ErrConfigInvalid", err)
	}
}

func TestDefaultRegistryList(t *testing.T) {
	got := DefaultRegistry().List()
	want := []string{builtins.MACross, builtins.MAStrategy, splitbuy.Name}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDefaultRegistryAppliesStrategyDefaults(t *testing.T) {
	r := DefaultRegistry()
	tests := []struct {
		name string
		seed float64
	}{
		{splitbuy.Name, splitbuy.DefaultConfig().TotalSeed},
		{builtins.MACross, builtins.DefaultMACross().TotalSeed},
		{builtins.MAStrategy, builtins.DefaultMAStrategy().TotalSeed},
	}
	for _, tt := range tests {
		s, err := r.New(tt.name, "AAPL", nil, nil)
		if err != nil {
			t.Fatalf("New(%s): %v", tt.name, err)
		}
		if s.Name() != tt.name {
			t.Errorf("Name() = %q, want %q", s.Name(), tt.name)
		}
		if s.Seed() != tt.seed {
			t.Errorf("%s Seed() = %g, want %g", tt.name, s.Seed(), tt.seed)
		}
		if got := s.Equity(100); got != tt.seed {
			t.Errorf("%s Equity() = %g, want %g while flat", tt.name, got, tt.seed)
		}
	}
	s, err := r.New(builtins.MACross, "AAPL", params.Params{"total_seed": 5_000}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Seed() != 5_000 {
		t.Errorf("Seed() = %g, want 5000", s.Seed())
	}
}
