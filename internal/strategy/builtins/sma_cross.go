// Package builtins provides built-in strategy implementations that ship with
// stockwatch.
package builtins

import (
	"fmt"

	"stockwatch/internal/domain"
	"stockwatch/internal/strategy"
)

// Compile-time interface checks.
var _ strategy.Strategy = (*SMACross)(nil)
var _ strategy.ValuationHinter = (*SMACross)(nil)

// SMACrossName is the registry name of the crossover strategy.
const SMACrossName = "sma-cross"

// Default parameters used when the config leaves them unset.
const (
	DefaultSymbol     = "AAPL"
	DefaultFastWindow = 50
	DefaultSlowWindow = 200
)

// Phase is the position phase of a single-asset, all-in/all-out strategy.
type Phase int

const (
	Flat Phase = iota
	Long
)

func (p Phase) String() string {
	switch p {
	case Flat:
		return "flat"
	case Long:
		return "long"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// SMACross implements a simple moving average crossover strategy on one
// symbol. It buys with all available cash when the fast SMA rises above the
// slow SMA and sells the whole holding when it falls below.
type SMACross struct {
	symbol      string
	shortPeriod int
	longPeriod  int

	history []int64 // trailing closes, at most longPeriod long
	phase   Phase
	entry   domain.Fill
}

// NewSMACross creates a new SMACross strategy trading symbol with the
// specified short and long moving average periods. Both periods must be
// positive and short must be strictly less than long.
func NewSMACross(symbol string, short, long int) (*SMACross, error) {
	if symbol == "" {
		return nil, fmt.Errorf("%w: empty symbol", strategy.ErrInvalidStrategyConfig)
	}
	if short <= 0 || long <= 0 {
		return nil, fmt.Errorf("%w: windows must be positive (fast=%d, slow=%d)",
			strategy.ErrInvalidStrategyConfig, short, long)
	}
	if short >= long {
		return nil, fmt.Errorf("%w: fast window %d must be smaller than slow window %d",
			strategy.ErrInvalidStrategyConfig, short, long)
	}
	return &SMACross{
		symbol:      symbol,
		shortPeriod: short,
		longPeriod:  long,
		history:     make([]int64, 0, long),
	}, nil
}

// NewSMACrossFromParams builds an SMACross from the "symbol", "fast_window"
// and "slow_window" parameters.
func NewSMACrossFromParams(p strategy.Params) (strategy.Strategy, error) {
	fast, err := p.Int("fast_window", DefaultFastWindow)
	if err != nil {
		return nil, err
	}
	slow, err := p.Int("slow_window", DefaultSlowWindow)
	if err != nil {
		return nil, err
	}
	return NewSMACross(p.Get("symbol", DefaultSymbol), fast, slow)
}

// Register adds the built-in strategies to r.
func Register(r *strategy.Registry) {
	r.Register(SMACrossName, NewSMACrossFromParams)
}

// Name returns "sma-cross".
func (s *SMACross) Name() string {
	return SMACrossName
}

// ListensTo returns the traded symbol.
func (s *SMACross) ListensTo() []string {
	return []string{s.symbol}
}

// Phase returns the current position phase.
func (s *SMACross) Phase() Phase { return s.phase }

// OnTick appends the symbol's close to the price history and returns at most
// one signal based on the SMA crossover. Nothing is emitted until a full slow
// window of history exists; equal means never trigger a trade.
func (s *SMACross) OnTick(snap *domain.Snapshot, pf strategy.Portfolio) []domain.Signal {
	price, ok := snap.PriceOf(s.symbol)
	if !ok {
		return nil
	}

	s.history = append(s.history, price)
	if len(s.history) > s.longPeriod {
		s.history = append(s.history[:0], s.history[1:]...)
	}
	if len(s.history) < s.longPeriod {
		return nil
	}

	cmp := s.compareMeans()

	switch s.phase {
	case Flat:
		if cmp <= 0 {
			return nil
		}
		cash := pf.Cash()
		if cash <= 0 {
			return nil
		}
		s.phase = Long
		return []domain.Signal{domain.Buy(s.symbol, cash)}

	case Long:
		if cmp >= 0 {
			return nil
		}
		s.phase = Flat
		qty := pf.Holding(s.symbol)
		if qty <= 0 {
			return nil
		}
		return []domain.Signal{domain.Sell(s.symbol, qty)}
	}
	return nil
}

// compareMeans returns +1, 0 or -1 as the fast mean is above, equal to or
// below the slow mean. Sums are cross-multiplied so integer division never
// hides a crossing.
func (s *SMACross) compareMeans() int {
	n := len(s.history)

	var fastSum, slowSum int64
	for i, p := range s.history[n-s.longPeriod:] {
		slowSum += p
		if i >= s.longPeriod-s.shortPeriod {
			fastSum += p
		}
	}

	lhs := fastSum * int64(s.longPeriod)
	rhs := slowSum * int64(s.shortPeriod)
	switch {
	case lhs > rhs:
		return 1
	case lhs < rhs:
		return -1
	default:
		return 0
	}
}

// NotifyFill keeps the phase consistent with what actually settled: a buy
// that bought no shares leaves the strategy flat.
func (s *SMACross) NotifyFill(fill domain.Fill) {
	if fill.Signal.Symbol != s.symbol {
		return
	}
	switch fill.Signal.Type {
	case domain.SignalTypeBuy:
		if fill.Qty == 0 {
			s.phase = Flat
			s.entry = domain.Fill{}
			return
		}
		s.phase = Long
		s.entry = fill
	case domain.SignalTypeSell:
		s.phase = Flat
		s.entry = domain.Fill{}
	}
}

// ValuationHint values the shares bought on entry at latest. It returns zero
// while flat.
func (s *SMACross) ValuationHint(latest int64) int64 {
	if s.phase != Long {
		return 0
	}
	return s.entry.Qty * latest
}
