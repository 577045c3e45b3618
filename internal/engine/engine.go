// Package engine replays bars from a cursor through a strategy and settles the
// strategy's signals against a ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockwatch/internal/domain"
	"stockwatch/internal/ledger"
	"stockwatch/internal/store"
	"stockwatch/internal/strategy"
)

var (
	// ErrEmptyBarStore is returned when the cursor yields no bars at all.
	ErrEmptyBarStore = errors.New("empty bar store")

	// ErrUnorderedBars is returned when a bar's timestamp precedes the tick
	// being accumulated.
	ErrUnorderedBars = errors.New("bars out of timestamp order")

	// ErrAlreadyRun is returned by a second call to Run.
	ErrAlreadyRun = errors.New("engine already run")
)

// DefaultFillLag is the number of tick boundaries between a decision and its
// settlement. A signal decided on tick N's snapshot settles at the close of
// tick N+1.
const DefaultFillLag = 1

// State is the lifecycle state of an Engine.
type State int

const (
	Running State = iota
	Halted
	Completed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Halted:
		return "halted"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// HaltError describes the first ledger rejection of a run. It unwraps to one
// of the ledger sentinels.
type HaltError struct {
	Signal    domain.Signal
	Timestamp time.Time
	Ledger    ledger.State
	Err       error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("halted at %s on %s (%s): %v",
		e.Timestamp.Format(time.RFC3339), e.Signal, e.Ledger, e.Err)
}

func (e *HaltError) Unwrap() error { return e.Err }

// EquityPoint is the ledger value after the signals due on a tick settled.
type EquityPoint struct {
	Timestamp time.Time
	Value     int64
}

// Result summarizes a run. On a halt it describes the run up to the halt.
type Result struct {
	State      State
	FinalValue int64
	Ledger     ledger.State
	Ticks      int
	Fills      []domain.Fill
	Equity     []EquityPoint
	Valuation  int64 // strategy's own view of its open position, if it offers one
	LastTick   time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithFillLag sets how many tick boundaries pass before a decided signal
// settles. Zero settles at the closes of the deciding tick.
//
// A signal is priced at its symbol's latest close in the snapshot. When that
// symbol printed no bar in the settlement tick, the close is an older one; the
// fill still carries the settlement tick's timestamp.
func WithFillLag(n int) Option {
	return func(e *Engine) { e.lag = n }
}

// WithFillObserver registers fn to be called after every fill with a copy of
// the ledger. Observers accumulate and run in registration order.
func WithFillObserver(fn func(domain.Fill, ledger.State)) Option {
	return func(e *Engine) { e.observers = append(e.observers, fn) }
}

// Engine drives one replay. It is single-use and not safe for concurrent use.
type Engine struct {
	strat     strategy.Strategy
	ledger    *ledger.Ledger
	snap      *domain.Snapshot
	lag       int
	observers []func(domain.Fill, ledger.State)

	state   State
	started bool
	pending [][]domain.Signal // oldest first
	result  Result
}

// New creates an Engine for strat funded with initialCash (scaled).
func New(strat strategy.Strategy, initialCash int64, opts ...Option) (*Engine, error) {
	if strat == nil {
		return nil, fmt.Errorf("%w: nil strategy", strategy.ErrInvalidStrategyConfig)
	}
	l, err := ledger.New(initialCash)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		strat:  strat,
		ledger: l,
		snap:   domain.NewSnapshot(),
		lag:    DefaultFillLag,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.lag < 0 {
		return nil, fmt.Errorf("fill lag %d must not be negative", e.lag)
	}
	for _, sym := range strat.ListensTo() {
		l.Seed(sym)
	}
	return e, nil
}

// State returns the engine's lifecycle state.
func (e *Engine) State() State { return e.state }

// Ledger returns a copy of the current ledger.
func (e *Engine) Ledger() ledger.State { return e.ledger.State() }

// Run consumes cur until it is exhausted, the context is cancelled or the
// ledger rejects a signal. The cursor is closed before Run returns.
//
// Each change of timestamp is a tick boundary. The first timestamp only
// primes the snapshot. At every later boundary the engine settles the signals
// that have come due, hands the strategy the snapshot of the tick that just
// ended, and queues what it returns. When the cursor is exhausted the queued
// signals settle against the final snapshot.
//
// On a halt Run returns both the partial Result and a *HaltError.
func (e *Engine) Run(ctx context.Context, cur store.BarCursor) (*Result, error) {
	if e.started {
		return nil, ErrAlreadyRun
	}
	e.started = true
	defer cur.Close()

	var (
		current time.Time
		seen    bool
	)
	for cur.Next() {
		bar := cur.Bar()
		switch {
		case !seen:
			seen = true
			current = bar.Timestamp
		case bar.Timestamp.Before(current):
			e.state = Halted
			return e.finish(), fmt.Errorf("%s@%s after %s: %w", bar.Symbol,
				bar.Timestamp.Format(time.RFC3339), current.Format(time.RFC3339), ErrUnorderedBars)
		case bar.Timestamp.After(current):
			if err := ctx.Err(); err != nil {
				e.state = Halted
				return e.finish(), err
			}
			if err := e.boundary(current); err != nil {
				return e.finish(), err
			}
			current = bar.Timestamp
		}
		e.snap.Observe(bar)
	}
	if err := cur.Err(); err != nil {
		e.state = Halted
		return e.finish(), fmt.Errorf("reading bars: %w", err)
	}
	if !seen {
		e.state = Halted
		return e.finish(), ErrEmptyBarStore
	}

	e.result.Ticks++
	for len(e.pending) > 0 {
		batch := e.pending[0]
		e.pending = e.pending[1:]
		if err := e.settle(current, batch); err != nil {
			return e.finish(), err
		}
	}
	value, err := e.ledger.TotalValue(e.snap)
	if err != nil {
		e.state = Halted
		return e.finish(), err
	}
	e.result.Equity = append(e.result.Equity, EquityPoint{Timestamp: current, Value: value})
	e.result.LastTick = current
	e.state = Completed
	return e.finish(), nil
}

// boundary closes the tick at ts, whose bars are all in the snapshot.
func (e *Engine) boundary(ts time.Time) error {
	e.result.Ticks++
	e.result.LastTick = ts

	if e.lag > 0 && len(e.pending) >= e.lag {
		batch := e.pending[0]
		e.pending = e.pending[1:]
		if err := e.settle(ts, batch); err != nil {
			return err
		}
	}

	signals := e.strat.OnTick(e.snap, e.ledger)
	if e.lag == 0 {
		if err := e.settle(ts, signals); err != nil {
			return err
		}
	} else {
		e.pending = append(e.pending, signals)
	}

	value, err := e.ledger.TotalValue(e.snap)
	if err != nil {
		e.state = Halted
		return err
	}
	e.result.Equity = append(e.result.Equity, EquityPoint{Timestamp: ts, Value: value})
	return nil
}

// settle applies signals in order at tick ts, each priced at the snapshot
// close of its own symbol. The first rejection halts the engine.
func (e *Engine) settle(ts time.Time, signals []domain.Signal) error {
	for _, sig := range signals {
		fill, err := e.apply(ts, sig)
		if err != nil {
			e.state = Halted
			return &HaltError{
				Signal:    sig,
				Timestamp: ts,
				Ledger:    e.ledger.State(),
				Err:       err,
			}
		}
		e.result.Fills = append(e.result.Fills, fill)
		e.strat.NotifyFill(fill)
		if len(e.observers) > 0 {
			st := e.ledger.State()
			for _, fn := range e.observers {
				fn(fill, st)
			}
		}
	}
	return nil
}

// apply converts sig into ledger operations at tick ts. Every check, overflow
// included, runs before the first mutation, so a rejected signal leaves the
// ledger untouched.
func (e *Engine) apply(ts time.Time, sig domain.Signal) (domain.Fill, error) {
	bar, ok := e.snap.Bar(sig.Symbol)
	if !ok || bar.Close <= 0 {
		return domain.Fill{}, fmt.Errorf("pricing %s: %w", sig.Symbol, ledger.ErrUnknownSymbolPrice)
	}
	fill := domain.Fill{Signal: sig, Timestamp: ts, Price: bar.Close}

	switch sig.Type {
	case domain.SignalTypeBuy:
		if sig.Dollars < 0 {
			return domain.Fill{}, fmt.Errorf("buy %s for %d: %w", sig.Symbol, sig.Dollars, ledger.ErrNegativeAmount)
		}
		fill.Qty = sig.Dollars / bar.Close
		fill.Cash = sig.Dollars
		if err := e.ledger.CheckDebitCash(sig.Dollars); err != nil {
			return domain.Fill{}, err
		}
		if err := e.ledger.CheckCreditHolding(sig.Symbol, fill.Qty); err != nil {
			return domain.Fill{}, err
		}
		if err := e.ledger.DebitCash(sig.Dollars); err != nil {
			return domain.Fill{}, err
		}
		if err := e.ledger.CreditHolding(sig.Symbol, fill.Qty); err != nil {
			return domain.Fill{}, err
		}
	case domain.SignalTypeSell:
		if err := e.ledger.CheckDebitHolding(sig.Symbol, sig.Qty); err != nil {
			return domain.Fill{}, err
		}
		proceeds, err := ledger.Notional(sig.Qty, bar.Close)
		if err != nil {
			return domain.Fill{}, fmt.Errorf("sell %d %s: %w", sig.Qty, sig.Symbol, err)
		}
		if err := e.ledger.CheckCreditCash(proceeds); err != nil {
			return domain.Fill{}, err
		}
		fill.Qty = sig.Qty
		fill.Cash = proceeds
		if err := e.ledger.DebitHolding(sig.Symbol, sig.Qty); err != nil {
			return domain.Fill{}, err
		}
		if err := e.ledger.CreditCash(proceeds); err != nil {
			return domain.Fill{}, err
		}
	default:
		return domain.Fill{}, fmt.Errorf("unknown signal type %q", sig.Type)
	}
	return fill, nil
}

func (e *Engine) finish() *Result {
	r := e.result
	r.State = e.state
	r.Ledger = e.ledger.State()
	if len(r.Equity) > 0 {
		r.FinalValue = r.Equity[len(r.Equity)-1].Value
	}
	if h, ok := e.strat.(strategy.ValuationHinter); ok {
		if syms := e.strat.ListensTo(); len(syms) > 0 {
			if price, ok := e.snap.PriceOf(syms[0]); ok {
				r.Valuation = h.ValuationHint(price)
			}
		}
	}
	return &r
}
