package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"stockwatch/internal/backtest"
	"stockwatch/internal/config"
	"stockwatch/internal/domain"
	"stockwatch/internal/engine"
	"stockwatch/internal/gather"
	"stockwatch/internal/gather/us"
	"stockwatch/internal/httpapi"
	"stockwatch/internal/metrics"
	"stockwatch/internal/store"
	"stockwatch/internal/strategy"
)

// ---------------------------------------------------------------------------
// backtest / sweep
// ---------------------------------------------------------------------------

// requestFlags registers the flags shared by backtest and sweep and returns a
// function building the request and the fill lag once the flags are parsed.
func requestFlags(fs *flag.FlagSet, cfg config.Backtest) func() (backtest.Request, int, error) {
	name := fs.String("strategy", cfg.Strategy, "strategy name")
	lag := fs.Int("lag", engine.DefaultFillLag, "ticks between a decision and its fill")
	cash := fs.String("cash", cfg.InitialCash, "initial cash in dollars")
	symbols := fs.String("symbols", strings.Join(cfg.Symbols, ","), "comma-separated symbols (default: the strategy's own)")
	start := fs.String("start", cfg.Start, "first day, YYYY-MM-DD")
	end := fs.String("end", cfg.End, "last day, YYYY-MM-DD")
	var params multiFlag
	fs.Var(&params, "param", "strategy parameter key=value (repeatable)")

	return func() (backtest.Request, int, error) {
		if *lag < 0 {
			return backtest.Request{}, 0, fmt.Errorf("-lag %d: must not be negative", *lag)
		}
		b := cfg
		b.InitialCash, b.Start, b.End = *cash, *start, *end
		initial, err := b.Cash()
		if err != nil {
			return backtest.Request{}, 0, err
		}
		from, to, err := b.Range()
		if err != nil {
			return backtest.Request{}, 0, err
		}
		if !to.IsZero() {
			to = to.Add(24*time.Hour - time.Millisecond)
		}

		p := strategy.Params{}
		for k, v := range cfg.Params {
			p[k] = v
		}
		for _, kv := range params {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return backtest.Request{}, 0, fmt.Errorf("-param %q: want key=value", kv)
			}
			p[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}

		return backtest.Request{
			Strategy:    *name,
			Params:      p,
			Symbols:     splitList(strings.ToUpper(*symbols)),
			Start:       from,
			End:         to,
			InitialCash: initial,
		}, *lag, nil
	}
}

func runBacktest(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("backtest", flag.ContinueOnError)
	build := requestFlags(fs, a.cfg.Backtest)
	showFills := fs.Bool("fills", false, "print every fill")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, lag, err := build()
	if err != nil {
		return err
	}

	bt := backtest.NewBacktester(a.bars, a.registry, a.db, engine.WithFillLag(lag))
	res, runErr := bt.Run(ctx, req)
	if res == nil {
		return runErr
	}

	backtest.WriteReport(os.Stdout, []*backtest.BacktestResult{res})
	if *showFills {
		backtest.WriteFills(os.Stdout, res.Fills)
	}
	fmt.Printf("ledger: %s\n", res.Ledger)

	var halt *engine.HaltError
	if errors.As(runErr, &halt) {
		return fmt.Errorf("run %s halted: %w", res.RunID, halt)
	}
	return runErr
}

func runSweep(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	build := requestFlags(fs, a.cfg.Backtest)
	workers := fs.Int("workers", a.cfg.Backtest.Workers, "runs in parallel")
	var axes multiFlag
	fs.Var(&axes, "grid", "parameter axis name=v1,v2,... (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, lag, err := build()
	if err != nil {
		return err
	}

	grid := make(map[string][]string, len(axes))
	for _, axis := range axes {
		name, values, err := backtest.ParseAxis(axis)
		if err != nil {
			return err
		}
		grid[name] = values
	}

	bt := backtest.NewBacktester(a.bars, a.registry, a.db, engine.WithFillLag(lag))
	results, err := bt.Sweep(ctx, req, backtest.Grid(grid), *workers)
	backtest.WriteReport(os.Stdout, results)
	return err
}

// ---------------------------------------------------------------------------
// watch / backfill
// ---------------------------------------------------------------------------

func newBackfiller(a *app, timeframe, start string) (*us.HistoricalBarGatherer, error) {
	tf, err := us.ParseTimeFrame(timeframe)
	if err != nil {
		return nil, err
	}
	from, err := config.ParseDate(start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	return us.NewHistoricalBarGatherer(
		a.cfg.Alpaca.APIKey,
		a.cfg.Alpaca.APISecret,
		a.cfg.Alpaca.DataURL,
		a.cfg.Alpaca.Feed,
		a.bars,
		a.cfg.Watcher.Symbols,
		tf,
		from,
		a.cfg.Watcher.RateLimitPerMin,
	), nil
}

func runBackfill(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	start := fs.String("start", a.cfg.Watcher.BackfillStart, "first day, YYYY-MM-DD")
	end := fs.String("end", "", "last day, YYYY-MM-DD (default: now)")
	timeframe := fs.String("timeframe", "1Day", "bar timeframe, 1Min or 1Day")
	symbols := fs.String("symbols", "", "comma-separated symbols (default: watcher.symbols)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *start == "" {
		return errors.New("-start or watcher.backfill_start is required")
	}
	if s := splitList(strings.ToUpper(*symbols)); len(s) > 0 {
		a.cfg.Watcher.Symbols = s
	}

	g, err := newBackfiller(a, *timeframe, *start)
	if err != nil {
		return err
	}
	if *end == "" {
		return g.Run(ctx)
	}
	from, _ := config.ParseDate(*start)
	to, err := config.ParseDate(*end)
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}
	n, err := g.Backfill(ctx, gather.DateRange{Start: from, End: to.Add(24*time.Hour - time.Millisecond)})
	if err != nil {
		return err
	}
	fmt.Printf("backfilled %d bars\n", n)
	return nil
}

func runWatch(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	metricsAddr := fs.String("metrics-addr", a.cfg.Watcher.MetricsAddr, "serve the API, /metrics and /healthz on this address")
	backfillCron := fs.String("backfill-cron", a.cfg.Watcher.BackfillCron, "cron spec for catch-up backfills")
	if err := fs.Parse(args); err != nil {
		return err
	}

	gatherers := []gather.Gatherer{
		us.NewBarStreamGatherer(
			a.cfg.Alpaca.APIKey,
			a.cfg.Alpaca.APISecret,
			a.cfg.Alpaca.StreamURL,
			a.cfg.Alpaca.Feed,
			a.cfg.Watcher.Symbols,
			a.bars,
		),
	}
	if *backfillCron != "" {
		bf, err := newBackfiller(a, a.cfg.Watcher.Timeframe, a.cfg.Watcher.BackfillStart)
		if err != nil {
			return err
		}
		gatherers = append(gatherers, gather.NewScheduled("us-catchup", *backfillCron, func(ctx context.Context) error {
			return bf.Recent(ctx, 24*time.Hour)
		}))
	}

	g, gctx := errgroup.WithContext(ctx)
	if *metricsAddr != "" {
		g.Go(func() error { return serveHTTP(gctx, a, *metricsAddr) })
	}
	for _, gt := range gatherers {
		g.Go(func() error {
			slog.Info("starting gatherer", "name", gt.Name())
			if err := gt.Run(gctx); err != nil {
				return fmt.Errorf("%s: %w", gt.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func runServe(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", a.cfg.Watcher.MetricsAddr, "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *addr == "" {
		*addr = ":8080"
	}
	return serveHTTP(ctx, a, *addr)
}

// serveHTTP serves the API next to /metrics and /healthz until ctx is done.
func serveHTTP(ctx context.Context, a *app, addr string) error {
	r := metrics.NewRouter()
	httpapi.NewServer(a.bars, a.db, a.registry, slog.Default().With("component", "httpapi")).RegisterRoutes(r)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ---------------------------------------------------------------------------
// import / export
// ---------------------------------------------------------------------------

func runImport(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: stockwatch import <file.csv>...")
	}

	for _, path := range fs.Args() {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		bars, err := store.ReadCSV(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := a.bars.WriteBars(ctx, bars); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		metrics.BarsIngested.WithLabelValues("csv").Add(float64(len(bars)))
		slog.Info("imported", "file", path, "bars", len(bars))
	}
	return nil
}

func runExport(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	symbols := fs.String("symbols", "", "comma-separated symbols (default: all)")
	start := fs.String("start", "", "first day, YYYY-MM-DD")
	end := fs.String("end", "", "last day, YYYY-MM-DD")
	out := fs.String("out", "", "output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q := store.BarQuery{Symbols: splitList(strings.ToUpper(*symbols))}
	var err error
	if q.Start, err = config.ParseDate(*start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if q.End, err = config.ParseDate(*end); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	if !q.End.IsZero() {
		q.End = q.End.Add(24*time.Hour - time.Millisecond)
	}

	cur, err := a.bars.Cursor(ctx, q)
	if err != nil {
		return err
	}
	bars, err := store.Drain(cur)
	if err != nil {
		return err
	}

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return store.WriteCSV(w, bars)
}

// ---------------------------------------------------------------------------
// runs / strategies
// ---------------------------------------------------------------------------

func runRuns(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of runs to list")
	fills := fs.String("fills", "", "print the fills of this run ID instead")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *fills != "" {
		f, err := a.db.ListFills(ctx, *fills)
		if err != nil {
			return err
		}
		backtest.WriteFills(os.Stdout, f)
		return nil
	}

	runs, err := a.db.ListRuns(ctx, *limit)
	if err != nil {
		return err
	}
	backtest.WriteRuns(os.Stdout, runs)
	return nil
}

func runStrategies(_ context.Context, a *app, _ []string) error {
	for _, name := range a.registry.List() {
		fmt.Println(name)
	}
	fmt.Printf("\ndefault: %s with %s\n", a.cfg.Backtest.Strategy, formatCash(a.cfg.Backtest))
	return nil
}

func formatCash(b config.Backtest) string {
	v, err := b.Cash()
	if err != nil {
		return b.InitialCash
	}
	return domain.FormatAmount(v)
}
