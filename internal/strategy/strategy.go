// Package strategy defines the Strategy interface for trading strategies and
// provides a Registry for constructing them by name.
package strategy

import (
	"errors"
	"fmt"
	"sort"

	"stockwatch/internal/domain"
)

var (
	// ErrInvalidStrategyConfig is returned by factories and constructors when
	// parameters are out of range.
	ErrInvalidStrategyConfig = errors.New("invalid strategy configuration")

	// ErrUnknownStrategy is returned by Registry.New for unregistered names.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// Portfolio is a read-only view of the engine's ledger. Strategies use it to
// size signals; they never hold a balance of their own.
type Portfolio interface {
	Cash() int64
	Holding(symbol string) int64
}

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// ListensTo returns the symbols the strategy trades or reads.
	ListensTo() []string

	// OnTick is called once per tick boundary with the snapshot of the tick
	// that just closed. It returns zero or more signals, applied in order.
	OnTick(snap *domain.Snapshot, pf Portfolio) []domain.Signal

	// NotifyFill reports how one of the strategy's signals was settled.
	NotifyFill(fill domain.Fill)
}

// ValuationHinter is implemented by strategies that can value their own open
// position for diagnostics.
type ValuationHinter interface {
	ValuationHint(latest int64) int64
}

// Factory builds a fresh strategy instance from parameters. Each backtest run
// needs its own instance because strategies carry state.
type Factory func(params Params) (Strategy, error)

// Registry holds a named collection of strategy factories for lookup and
// enumeration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// New builds the strategy registered under name.
func (r *Registry) New(name string, params Params) (Strategy, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return f(params)
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
