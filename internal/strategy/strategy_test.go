package strategy

import (
	"errors"
	"testing"

	"stockwatch/internal/domain"
)

// stubStrategy is a minimal Strategy implementation used in registry tests.
type stubStrategy struct {
	name string
}

func (s *stubStrategy) Name() string                                           { return s.name }
func (s *stubStrategy) ListensTo() []string                                    { return nil }
func (s *stubStrategy) OnTick(_ *domain.Snapshot, _ Portfolio) []domain.Signal { return nil }
func (s *stubStrategy) NotifyFill(_ domain.Fill)                               {}

func stubFactory(name string) Factory {
	return func(_ Params) (Strategy, error) {
		return &stubStrategy{name: name}, nil
	}
}

func TestRegistryRegisterAndNew(t *testing.T) {
	r := NewRegistry()
	r.Register("test-strategy", stubFactory("test-strategy"))

	got, err := r.New("test-strategy", nil)
	if err != nil {
		t.Fatalf("New returned error for registered strategy: %v", err)
	}
	if got.Name() != "test-strategy" {
		t.Errorf("New returned strategy with Name() = %q, want %q", got.Name(), "test-strategy")
	}
}

func TestRegistryNewReturnsFreshInstances(t *testing.T) {
	r := NewRegistry()
	r.Register("stub", stubFactory("stub"))

	a, _ := r.New("stub", nil)
	b, _ := r.New("stub", nil)
	if a == b {
		t.Error("New returned the same instance twice")
	}
}

func TestRegistryNew_NotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.New("nonexistent", nil)
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("New error = %v, want ErrUnknownStrategy", err)
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

func TestParams(t *testing.T) {
	p := Params{"symbol": "AAPL", "fast_window": "50", "bad": "x"}

	if got := p.Get("symbol", "SPY"); got != "AAPL" {
		t.Errorf("Get(symbol) = %q, want %q", got, "AAPL")
	}
	if got := p.Get("missing", "SPY"); got != "SPY" {
		t.Errorf("Get(missing) = %q, want %q", got, "SPY")
	}

	n, err := p.Int("fast_window", 1)
	if err != nil || n != 50 {
		t.Errorf("Int(fast_window) = %d, %v, want 50, nil", n, err)
	}
	n, err = p.Int("slow_window", 200)
	if err != nil || n != 200 {
		t.Errorf("Int(slow_window) = %d, %v, want 200, nil", n, err)
	}
	if _, err := p.Int("bad", 0); !errors.Is(err, ErrInvalidStrategyConfig) {
		t.Errorf("Int(bad) error = %v, want ErrInvalidStrategyConfig", err)
	}

	q := p.With("symbol", "MSFT")
	if q["symbol"] != "MSFT" || p["symbol"] != "AAPL" {
		t.Errorf("With mutated the receiver or failed to set: p=%v q=%v", p, q)
	}
}
