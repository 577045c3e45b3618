// Package backtest wires a strategy from the registry, a bar store and the
// replay engine into a single run, and computes performance metrics from the
// result.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"stockwatch/internal/domain"
	"stockwatch/internal/engine"
	"stockwatch/internal/ledger"
	"stockwatch/internal/metrics"
	"stockwatch/internal/store"
	"stockwatch/internal/strategy"
)

// Request describes one backtest.
type Request struct {
	Strategy    string
	Params      strategy.Params
	Symbols     []string // empty means the strategy's ListensTo
	Start, End  time.Time
	InitialCash int64 // scaled
}

// BacktestResult holds the outcome and summary metrics of a backtest run.
// Err is set when the run halted or could not start.
type BacktestResult struct {
	RunID       string
	Strategy    string
	Params      strategy.Params
	State       engine.State
	InitialCash int64
	FinalValue  int64
	Ledger      ledger.State
	Ticks       int
	Fills       []domain.Fill
	Equity      []engine.EquityPoint
	StartedAt   time.Time
	FinishedAt  time.Time
	Err         error

	TotalReturn  float64
	SharpeRatio  float64
	MaxDrawdown  float64
	TotalTrades  int
	WinRate      float64
	ProfitFactor float64
}

// Backtester replays historical bar data through a strategy and computes
// performance metrics.
type Backtester struct {
	store    store.BarStore
	registry *strategy.Registry
	runs     store.RunStore
	opts     []engine.Option
	log      *slog.Logger
}

// NewBacktester creates a Backtester that reads bars from the given store and
// looks up strategies in the provided registry. runs may be nil, in which
// case results are not persisted.
func NewBacktester(barStore store.BarStore, registry *strategy.Registry, runs store.RunStore, opts ...engine.Option) *Backtester {
	return &Backtester{
		store:    barStore,
		registry: registry,
		runs:     runs,
		opts:     opts,
		log:      slog.Default().With("component", "backtest"),
	}
}

// Run executes a backtest for req. A run that halts still returns its partial
// result alongside the halt error; configuration errors return a nil result.
func (bt *Backtester) Run(ctx context.Context, req Request) (*BacktestResult, error) {
	strat, err := bt.registry.New(req.Strategy, req.Params)
	if err != nil {
		return nil, err
	}

	symbols := req.Symbols
	if len(symbols) == 0 {
		symbols = strat.ListensTo()
	}

	opts := append([]engine.Option{
		engine.WithFillObserver(func(f domain.Fill, _ ledger.State) {
			metrics.BacktestFills.WithLabelValues(string(f.Signal.Type)).Inc()
		}),
	}, bt.opts...)
	eng, err := engine.New(strat, req.InitialCash, opts...)
	if err != nil {
		return nil, err
	}

	cur, err := bt.store.Cursor(ctx, store.BarQuery{Symbols: symbols, Start: req.Start, End: req.End})
	if err != nil {
		return nil, fmt.Errorf("opening bar cursor: %w", err)
	}

	out := &BacktestResult{
		RunID:       uuid.New().String(),
		Strategy:    strat.Name(),
		Params:      req.Params,
		InitialCash: req.InitialCash,
		StartedAt:   time.Now().UTC(),
	}
	bt.log.Info("starting backtest",
		"run", out.RunID,
		"strategy", out.Strategy,
		"symbols", symbols,
		"cash", domain.FormatAmount(req.InitialCash),
	)

	res, runErr := eng.Run(ctx, cur)
	out.FinishedAt = time.Now().UTC()
	out.Err = runErr
	if res != nil {
		out.State = res.State
		out.FinalValue = res.FinalValue
		out.Ledger = res.Ledger
		out.Ticks = res.Ticks
		out.Fills = res.Fills
		out.Equity = res.Equity
		computeStats(out)
	}

	metrics.BacktestRuns.WithLabelValues(out.Strategy, out.State.String()).Inc()
	metrics.BacktestDuration.WithLabelValues(out.Strategy).Observe(out.FinishedAt.Sub(out.StartedAt).Seconds())

	if runErr != nil {
		var halt *engine.HaltError
		if errors.As(runErr, &halt) {
			bt.log.Warn("backtest halted", "run", out.RunID, "signal", halt.Signal.String(),
				"at", halt.Timestamp, "ledger", halt.Ledger.String(), "error", halt.Err)
		} else {
			bt.log.Error("backtest failed", "run", out.RunID, "error", runErr)
		}
	} else {
		bt.log.Info("backtest complete",
			"run", out.RunID,
			"ticks", out.Ticks,
			"fills", len(out.Fills),
			"final", domain.FormatAmount(out.FinalValue),
			"return", out.TotalReturn,
		)
	}

	if bt.runs != nil {
		if err := bt.runs.SaveRun(ctx, out.record()); err != nil {
			return out, errors.Join(runErr, fmt.Errorf("saving run %s: %w", out.RunID, err))
		}
	}
	return out, runErr
}

// record converts the result into its persisted form.
func (r *BacktestResult) record() *store.RunRecord {
	rec := &store.RunRecord{
		ID:          r.RunID,
		Strategy:    r.Strategy,
		Params:      map[string]string(r.Params),
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		InitialCash: r.InitialCash,
		State:       r.State.String(),
		FinalValue:  r.FinalValue,
		Ticks:       r.Ticks,
		Fills:       r.Fills,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}
