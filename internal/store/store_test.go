package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"stockwatch/internal/domain"
)

var day = func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

func sampleBars() []domain.Bar {
	return []domain.Bar{
		{Symbol: "MSFT", Timestamp: day(3), Open: 4000000, High: 4100000, Low: 3990000, Close: 4080000, Volume: 30000000},
		{Symbol: "AAPL", Timestamp: day(2), Open: 1850000, High: 1865000, Low: 1840000, Close: 1855000, Volume: 50000000},
		{Symbol: "AAPL", Timestamp: day(3), Open: 1855000, High: 1870000, Low: 1850000, Close: 1860000, Volume: 45000000},
		{Symbol: "MSFT", Timestamp: day(2), Open: 3990000, High: 4010000, Low: 3980000, Close: 4000000, Volume: 32000000},
	}
}

// assertOrdered checks ascending (timestamp, symbol) order.
func assertOrdered(t *testing.T, bars []domain.Bar) {
	t.Helper()
	for i := 1; i < len(bars); i++ {
		prev, cur := bars[i-1], bars[i]
		if cur.Timestamp.Before(prev.Timestamp) ||
			(cur.Timestamp.Equal(prev.Timestamp) && cur.Symbol < prev.Symbol) {
			t.Fatalf("bars out of order at %d: %s@%s after %s@%s", i,
				cur.Symbol, cur.Timestamp, prev.Symbol, prev.Timestamp)
		}
	}
}

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore returned error: %v", err)
	}
	t.Cleanup(func() {
		if cerr := s.Close(); cerr != nil {
			t.Errorf("Close() returned error: %v", cerr)
		}
	})
	return s
}

func TestSliceCursorSortsCopy(t *testing.T) {
	in := sampleBars()
	got, err := Drain(NewSliceCursor(in))
	if err != nil {
		t.Fatalf("Drain returned error: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("Drain returned %d bars, want 4", len(got))
	}
	assertOrdered(t, got)
	if in[0].Symbol != "MSFT" {
		t.Error("NewSliceCursor reordered the caller's slice")
	}
}

func TestSliceCursorEmpty(t *testing.T) {
	c := NewSliceCursor(nil)
	if c.Next() {
		t.Error("Next() = true on empty cursor")
	}
	if (c.Bar() != domain.Bar{}) {
		t.Error("Bar() on exhausted cursor should be the zero bar")
	}
}

func TestSQLiteStoreOpen(t *testing.T) {
	store := newSQLite(t)

	// Verify the store is usable by pinging the database.
	if err := store.db.Ping(); err != nil {
		t.Fatalf("db.Ping() returned error: %v", err)
	}
}

func TestSQLiteStoreWriteCursor(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	if err := s.WriteBars(ctx, sampleBars()); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	// Re-writing a bar replaces it instead of duplicating.
	replaced := domain.Bar{Symbol: "AAPL", Timestamp: day(3), Open: 1855000, High: 1880000, Low: 1850000, Close: 1875000, Volume: 46000000}
	if err := s.WriteBars(ctx, []domain.Bar{replaced}); err != nil {
		t.Fatalf("WriteBars (replace): %v", err)
	}

	cur, err := s.Cursor(ctx, BarQuery{})
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	got, err := Drain(cur)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("cursor returned %d bars, want 4", len(got))
	}
	assertOrdered(t, got)
	if got[2] != replaced {
		t.Errorf("bar 2 = %+v, want %+v", got[2], replaced)
	}

	cur, err = s.Cursor(ctx, BarQuery{Symbols: []string{"MSFT"}, Start: day(3)})
	if err != nil {
		t.Fatalf("Cursor (filtered): %v", err)
	}
	got, err = Drain(cur)
	if err != nil {
		t.Fatalf("Drain (filtered): %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "MSFT" || !got[0].Timestamp.Equal(day(3)) {
		t.Errorf("filtered cursor = %+v, want MSFT@%s", got, day(3))
	}

	symbols, err := s.ListSymbols(ctx)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "AAPL" || symbols[1] != "MSFT" {
		t.Errorf("ListSymbols = %v, want [AAPL MSFT]", symbols)
	}
}

func TestSQLiteStoreConcurrentCursors(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	if err := s.WriteBars(ctx, sampleBars()); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	var wg sync.WaitGroup
	counts := make([]int, 4)
	errs := make([]error, 4)
	for i := range counts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cur, err := s.Cursor(ctx, BarQuery{})
			if err != nil {
				errs[i] = err
				return
			}
			bars, err := Drain(cur)
			counts[i], errs[i] = len(bars), err
		}(i)
	}
	wg.Wait()

	for i := range counts {
		if errs[i] != nil {
			t.Errorf("cursor %d: %v", i, errs[i])
		}
		if counts[i] != 4 {
			t.Errorf("cursor %d read %d bars, want 4", i, counts[i])
		}
	}
}

func TestSQLiteRunStore(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	run := &RunRecord{
		ID:          "run-1",
		Strategy:    "sma-cross",
		Params:      map[string]string{"fast_window": "50"},
		StartedAt:   day(5),
		FinishedAt:  day(5).Add(time.Second),
		InitialCash: 100000,
		State:       "completed",
		FinalValue:  120000,
		Ticks:       2,
		Fills: []domain.Fill{
			{Signal: domain.Buy("AAPL", 100000), Timestamp: day(2), Price: 1000, Qty: 100, Cash: 100000},
			{Signal: domain.Sell("AAPL", 100), Timestamp: day(3), Price: 1200, Qty: 100, Cash: 120000},
		},
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	older := &RunRecord{ID: "run-0", Strategy: "sma-cross", StartedAt: day(4), FinishedAt: day(4), State: "halted", Error: "insufficient funds"}
	if err := s.SaveRun(ctx, older); err != nil {
		t.Fatalf("SaveRun (older): %v", err)
	}

	runs, err := s.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-1" || runs[1].ID != "run-0" {
		t.Fatalf("ListRuns = %+v, want [run-1 run-0]", runs)
	}
	if runs[0].Params["fast_window"] != "50" || runs[0].FinalValue != 120000 {
		t.Errorf("run-1 = %+v, want params and final value round-tripped", runs[0])
	}

	fills, err := s.ListFills(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListFills: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("ListFills returned %d fills, want 2", len(fills))
	}
	if fills[0].Signal.Type != domain.SignalTypeBuy || fills[1].Cash != 120000 || !fills[1].Timestamp.Equal(day(3)) {
		t.Errorf("fills = %+v, want buy then sell for 120000", fills)
	}
}

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	bp := ps.barPath("aapl", 2024)
	want := filepath.Join("/data", "bars", "AAPL", "2024.parquet")
	if bp != want {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", bp, want)
	}
	if !strings.Contains(bp, "2024.parquet") {
		t.Errorf("barPath should contain year file '2024.parquet': %s", bp)
	}
}

func TestParquetStoreWriteCursor(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	bars := sampleBars()
	bars = append(bars, domain.Bar{Symbol: "AAPL", Timestamp: time.Date(2023, 12, 29, 0, 0, 0, 0, time.UTC), Close: 1920000})

	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	cur, err := ps.Cursor(ctx, BarQuery{})
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	got, err := Drain(cur)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("cursor returned %d bars, want 5", len(got))
	}
	assertOrdered(t, got)
	if got[0].Close != 1920000 {
		t.Errorf("first bar Close = %d, want the 2023 bar 1920000", got[0].Close)
	}

	cur, err = ps.Cursor(ctx, BarQuery{Symbols: []string{"aapl"}, Start: day(1), End: day(2)})
	if err != nil {
		t.Fatalf("Cursor (filtered): %v", err)
	}
	got, err = Drain(cur)
	if err != nil {
		t.Fatalf("Drain (filtered): %v", err)
	}
	if len(got) != 1 || got[0].Close != 1855000 {
		t.Errorf("filtered cursor = %+v, want AAPL@%s", got, day(2))
	}
}

func TestParquetStoreMergeBars(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	first := []domain.Bar{{Symbol: "MSFT", Timestamp: day(2), Close: 4030000}}
	if err := ps.WriteBars(ctx, first); err != nil {
		t.Fatalf("WriteBars (first): %v", err)
	}

	// Another bar for the same symbol+year merges; a repeat timestamp replaces.
	second := []domain.Bar{
		{Symbol: "MSFT", Timestamp: day(3), Close: 4080000},
		{Symbol: "MSFT", Timestamp: day(2), Close: 4040000},
	}
	if err := ps.WriteBars(ctx, second); err != nil {
		t.Fatalf("WriteBars (second): %v", err)
	}

	cur, err := ps.Cursor(ctx, BarQuery{Symbols: []string{"MSFT"}})
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	got, err := Drain(cur)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("cursor returned %d bars after merge, want 2", len(got))
	}
	if got[0].Close != 4040000 {
		t.Errorf("merged bar Close = %d, want 4040000", got[0].Close)
	}
}

func TestParquetStoreListSymbols(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	ctx := context.Background()

	symbols, err := ps.ListSymbols(ctx)
	if err != nil || len(symbols) != 0 {
		t.Fatalf("ListSymbols on empty store = %v, %v; want none", symbols, err)
	}

	if err := ps.WriteBars(ctx, sampleBars()); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}
	symbols, err = ps.ListSymbols(ctx)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "AAPL" || symbols[1] != "MSFT" {
		t.Errorf("ListSymbols = %v, want [AAPL MSFT]", symbols)
	}
}

func TestReadWriteCSV(t *testing.T) {
	in := `symbol,timestamp,open,high,low,close,volume
aapl,2024-01-02T14:30:00Z,185.00,186.50,184.00,185.50,50000000
MSFT,2024-01-02,400,405,399,403.25,30000000
`
	bars, err := ReadCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("ReadCSV returned %d bars, want 2", len(bars))
	}
	want := domain.Bar{
		Symbol:    "AAPL",
		Timestamp: time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC),
		Open:      1850000, High: 1865000, Low: 1840000, Close: 1855000,
		Volume: 50000000,
	}
	if bars[0] != want {
		t.Errorf("bar 0 = %+v, want %+v", bars[0], want)
	}
	if bars[1].Close != 4032500 || !bars[1].Timestamp.Equal(day(2)) {
		t.Errorf("bar 1 = %+v, want close 4032500 on %s", bars[1], day(2))
	}

	var sb strings.Builder
	if err := WriteCSV(&sb, bars[:1]); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	if !strings.Contains(sb.String(), "AAPL,2024-01-02T14:30:00Z,185.0000,186.5000,184.0000,185.5000,50000000") {
		t.Errorf("WriteCSV output missing row:\n%s", sb.String())
	}
}

func TestReadCSVRejectsBadRows(t *testing.T) {
	tests := map[string]string{
		"bad price":     "symbol,timestamp,open,high,low,close,volume\nAAPL,2024-01-02,x,1,1,1,1\n",
		"bad timestamp": "symbol,timestamp,open,high,low,close,volume\nAAPL,yesterday,1,1,1,1,1\n",
		"empty symbol":  "symbol,timestamp,open,high,low,close,volume\n,2024-01-02,1,1,1,1,1\n",
		"negative":      "symbol,timestamp,open,high,low,close,volume\nAAPL,2024-01-02,1,1,1,-5,10\n",
		"overflow":      "symbol,timestamp,open,high,low,close,volume\nAAPL,2024-01-02,1,1,1,1e15,10\n",
		"volume":        "symbol,timestamp,open,high,low,close,volume\nAAPL,2024-01-02,1,1,1,1,-1\n",
	}
	for name, in := range tests {
		if bars, err := ReadCSV(strings.NewReader(in)); err == nil {
			t.Errorf("%s: ReadCSV returned nil error with %+v", name, bars)
		}
	}
	_, err := ReadCSV(strings.NewReader(tests["overflow"]))
	if !errors.Is(err, domain.ErrAmountOutOfRange) {
		t.Errorf("overflow: ReadCSV error = %v, want ErrAmountOutOfRange", err)
	}
}
