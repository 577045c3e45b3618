package backtest

import (
	"bytes"
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"stockwatch/internal/domain"
	"stockwatch/internal/engine"
	"stockwatch/internal/ledger"
	"stockwatch/internal/metrics"
	"stockwatch/internal/store"
	"stockwatch/internal/strategy"
	"stockwatch/internal/strategy/builtins"
)

const S = domain.PriceScale

func day(i int) time.Time {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
}

func closes(symbol string, prices ...int64) []domain.Bar {
	bars := make([]domain.Bar, len(prices))
	for i, p := range prices {
		bars[i] = domain.Bar{Symbol: symbol, Timestamp: day(i), Open: p * S, High: p * S, Low: p * S, Close: p * S, Volume: 1}
	}
	return bars
}

// roundTrip buys with all cash on its first tick and sells everything on its
// second.
type roundTrip struct {
	symbol string
	ticks  int
}

func (r *roundTrip) Name() string           { return "round-trip" }
func (r *roundTrip) ListensTo() []string    { return []string{r.symbol} }
func (r *roundTrip) NotifyFill(domain.Fill) {}

func (r *roundTrip) OnTick(_ *domain.Snapshot, pf strategy.Portfolio) []domain.Signal {
	r.ticks++
	switch r.ticks {
	case 1:
		return []domain.Signal{domain.Buy(r.symbol, pf.Cash())}
	case 2:
		return []domain.Signal{domain.Sell(r.symbol, pf.Holding(r.symbol))}
	}
	return nil
}

func newEnv(t *testing.T, bars []domain.Bar) (*Backtester, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "bt.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.WriteBars(context.Background(), bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	reg := strategy.NewRegistry()
	builtins.Register(reg)
	reg.Register("round-trip", func(p strategy.Params) (strategy.Strategy, error) {
		return &roundTrip{symbol: p.Get("symbol", "AAPL")}, nil
	})
	return NewBacktester(s, reg, s), s
}

func TestRunRoundTripPersists(t *testing.T) {
	bt, s := newEnv(t, closes("AAPL", 1000, 1000, 1200, 1200))
	ctx := context.Background()

	res, err := bt.Run(ctx, Request{Strategy: "round-trip", InitialCash: 100000 * S})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != engine.Completed {
		t.Errorf("State = %v, want completed", res.State)
	}
	if res.FinalValue != 120000*S {
		t.Errorf("FinalValue = %s, want 120000", domain.FormatAmount(res.FinalValue))
	}
	if math.Abs(res.TotalReturn-0.2) > 1e-9 {
		t.Errorf("TotalReturn = %v, want 0.2", res.TotalReturn)
	}
	if res.TotalTrades != 2 || res.WinRate != 1 || !math.IsInf(res.ProfitFactor, 1) {
		t.Errorf("trades=%d win=%v pf=%v, want 2, 1, +Inf", res.TotalTrades, res.WinRate, res.ProfitFactor)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}

	runs, err := s.ListRuns(ctx, 5)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != res.RunID || runs[0].State != "completed" {
		t.Fatalf("ListRuns = %+v, want the completed run %s", runs, res.RunID)
	}
	fills, err := s.ListFills(ctx, res.RunID)
	if err != nil {
		t.Fatalf("ListFills: %v", err)
	}
	if len(fills) != 2 || fills[1].Cash != 120000*S {
		t.Errorf("persisted fills = %+v, want buy and sell for 120000", fills)
	}
}

func TestRunHaltIsPersisted(t *testing.T) {
	bt, s := newEnv(t, closes("AAPL", 10, 11, 12))
	reg := bt.registry
	reg.Register("oversell", func(strategy.Params) (strategy.Strategy, error) {
		return &overseller{}, nil
	})

	res, err := bt.Run(context.Background(), Request{Strategy: "oversell", InitialCash: 50 * S})
	if !errors.Is(err, ledger.ErrInsufficientHoldings) {
		t.Fatalf("Run error = %v, want ErrInsufficientHoldings", err)
	}
	if res == nil || res.State != engine.Halted {
		t.Fatalf("result = %+v, want halted", res)
	}

	runs, err := s.ListRuns(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].State != "halted" || !strings.Contains(runs[0].Error, "insufficient holdings") {
		t.Errorf("persisted run = %+v, want halted with insufficient holdings", runs)
	}
}

type overseller struct{}

func (overseller) Name() string           { return "oversell" }
func (overseller) ListensTo() []string    { return []string{"AAPL"} }
func (overseller) NotifyFill(domain.Fill) {}

func (overseller) OnTick(*domain.Snapshot, strategy.Portfolio) []domain.Signal {
	return []domain.Signal{domain.Sell("AAPL", 1)}
}

func TestRunUnknownStrategy(t *testing.T) {
	bt, _ := newEnv(t, closes("AAPL", 10))
	res, err := bt.Run(context.Background(), Request{Strategy: "nope"})
	if !errors.Is(err, strategy.ErrUnknownStrategy) || res != nil {
		t.Errorf("Run = %v, %v; want nil, ErrUnknownStrategy", res, err)
	}
}

func TestRunEmptyRange(t *testing.T) {
	bt, _ := newEnv(t, closes("AAPL", 10, 11))
	_, err := bt.Run(context.Background(), Request{
		Strategy:    "round-trip",
		Start:       day(30),
		InitialCash: S,
	})
	if !errors.Is(err, engine.ErrEmptyBarStore) {
		t.Errorf("Run error = %v, want ErrEmptyBarStore", err)
	}
}

func TestSweep(t *testing.T) {
	prices := make([]int64, 0, 30)
	for i := 0; i < 20; i++ {
		prices = append(prices, 100)
	}
	for p := int64(101); p <= 110; p++ {
		prices = append(prices, p)
	}
	bt, s := newEnv(t, closes("AAPL", prices...))

	grid := Grid(map[string][]string{"fast_window": {"2", "5", "10"}})
	base := Request{
		Strategy:    builtins.SMACrossName,
		Params:      strategy.Params{"slow_window": "10"},
		InitialCash: 10000 * S,
	}
	results, err := bt.Sweep(context.Background(), base, grid, 2)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Sweep returned %d results, want 3", len(results))
	}
	for i, want := range []string{"2", "5", "10"} {
		if got := results[i].Params["fast_window"]; got != want {
			t.Errorf("result %d fast_window = %s, want %s", i, got, want)
		}
		if got := results[i].Params["slow_window"]; got != "10" {
			t.Errorf("result %d slow_window = %s, want base value 10", i, got)
		}
	}
	for _, r := range results[:2] {
		if r.Err != nil || r.TotalTrades != 1 {
			t.Errorf("%v: err=%v trades=%d, want one buy", r.Params, r.Err, r.TotalTrades)
		}
	}
	if !errors.Is(results[2].Err, strategy.ErrInvalidStrategyConfig) {
		t.Errorf("equal windows err = %v, want ErrInvalidStrategyConfig", results[2].Err)
	}

	runs, err := s.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("persisted %d runs, want 2", len(runs))
	}

	var buf bytes.Buffer
	WriteReport(&buf, results)
	out := buf.String()
	if !strings.Contains(out, "sma-cross") || !strings.Contains(out, "fast_window=10 slow_window=10") {
		t.Errorf("report missing rows:\n%s", out)
	}
}

func TestGrid(t *testing.T) {
	grid := Grid(map[string][]string{
		"slow_window": {"100", "200"},
		"fast_window": {"10", "20", "50"},
	})
	if len(grid) != 6 {
		t.Fatalf("Grid returned %d sets, want 6", len(grid))
	}
	if grid[0]["fast_window"] != "10" || grid[0]["slow_window"] != "100" {
		t.Errorf("grid[0] = %v, want fast 10 slow 100", grid[0])
	}
	if grid[5]["fast_window"] != "50" || grid[5]["slow_window"] != "200" {
		t.Errorf("grid[5] = %v, want fast 50 slow 200", grid[5])
	}
}

func TestParseAxis(t *testing.T) {
	name, values, err := ParseAxis("fast_window=10, 20,50")
	if err != nil {
		t.Fatalf("ParseAxis: %v", err)
	}
	if name != "fast_window" || len(values) != 3 || values[1] != "20" {
		t.Errorf("ParseAxis = %s %v, want fast_window [10 20 50]", name, values)
	}
	for _, bad := range []string{"fast_window", "=1,2", "fast_window="} {
		if _, _, err := ParseAxis(bad); err == nil {
			t.Errorf("ParseAxis(%q) returned nil error", bad)
		}
	}
}

func TestMaxDrawdown(t *testing.T) {
	curve := []engine.EquityPoint{{Value: 100}, {Value: 120}, {Value: 90}, {Value: 130}, {Value: 117}}
	if got, want := maxDrawdown(curve), 0.25; math.Abs(got-want) > 1e-9 {
		t.Errorf("maxDrawdown = %v, want %v", got, want)
	}
	if got := maxDrawdown(nil); got != 0 {
		t.Errorf("maxDrawdown(nil) = %v, want 0", got)
	}
}

func TestSharpe(t *testing.T) {
	flat := []engine.EquityPoint{{Value: 100}, {Value: 100}, {Value: 100}}
	if got := sharpe(flat); got != 0 {
		t.Errorf("sharpe(flat) = %v, want 0", got)
	}
	up := []engine.EquityPoint{{Value: 100}, {Value: 101}, {Value: 103}, {Value: 104}}
	if got := sharpe(up); got <= 0 {
		t.Errorf("sharpe(rising) = %v, want > 0", got)
	}
}

func TestTradeStats(t *testing.T) {
	fills := []domain.Fill{
		{Signal: domain.Buy("AAPL", 1000), Qty: 10, Cash: 1000},
		{Signal: domain.Sell("AAPL", 5), Qty: 5, Cash: 600},  // +100
		{Signal: domain.Sell("AAPL", 5), Qty: 5, Cash: 400},  // -100
		{Signal: domain.Buy("MSFT", 500), Qty: 5, Cash: 500}, // still open
	}
	win, pf := tradeStats(fills)
	if win != 0.5 {
		t.Errorf("win rate = %v, want 0.5", win)
	}
	if pf != 1 {
		t.Errorf("profit factor = %v, want 1", pf)
	}
}

func TestWriteFills(t *testing.T) {
	var buf bytes.Buffer
	WriteFills(&buf, []domain.Fill{{Signal: domain.Sell("AAPL", 100), Timestamp: day(0), Price: 1200 * S, Qty: 100, Cash: 120000 * S}})
	if !strings.Contains(buf.String(), "sell 100 AAPL") || !strings.Contains(buf.String(), "120000.0000") {
		t.Errorf("WriteFills output:\n%s", buf.String())
	}
}

func fillCount(t *testing.T, side domain.SignalType) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.BacktestFills.WithLabelValues(string(side)).Write(&m); err != nil {
		t.Fatalf("reading fill counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRunKeepsFillMetricsWithCallerObserver(t *testing.T) {
	_, s := newEnv(t, closes("AAPL", 1000, 1000, 1200, 1200))
	reg := strategy.NewRegistry()
	reg.Register("round-trip", func(strategy.Params) (strategy.Strategy, error) {
		return &roundTrip{symbol: "AAPL"}, nil
	})

	var seen []domain.SignalType
	bt := NewBacktester(s, reg, s, engine.WithFillObserver(func(f domain.Fill, _ ledger.State) {
		seen = append(seen, f.Signal.Type)
	}))

	buys, sells := fillCount(t, domain.SignalTypeBuy), fillCount(t, domain.SignalTypeSell)
	if _, err := bt.Run(context.Background(), Request{Strategy: "round-trip", InitialCash: 100000 * S}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(seen) != 2 || seen[0] != domain.SignalTypeBuy || seen[1] != domain.SignalTypeSell {
		t.Errorf("observer saw %v, want [buy sell]", seen)
	}
	if got := fillCount(t, domain.SignalTypeBuy) - buys; got != 1 {
		t.Errorf("buy fills counted = %v, want 1", got)
	}
	if got := fillCount(t, domain.SignalTypeSell) - sells; got != 1 {
		t.Errorf("sell fills counted = %v, want 1", got)
	}
}
