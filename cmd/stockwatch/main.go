package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"stockwatch/internal/config"
	"stockwatch/internal/store"
	"stockwatch/internal/strategy"
	"stockwatch/internal/strategy/builtins"
	"stockwatch/internal/util"
)

const version = "0.3.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: stockwatch <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  backtest    Replay stored bars through a strategy\n")
	fmt.Fprintf(os.Stderr, "  sweep       Backtest a grid of strategy parameters in parallel\n")
	fmt.Fprintf(os.Stderr, "  watch       Stream live bars into the bar store\n")
	fmt.Fprintf(os.Stderr, "  serve       Serve the HTTP API and metrics\n")
	fmt.Fprintf(os.Stderr, "  backfill    Fetch historical bars into the bar store\n")
	fmt.Fprintf(os.Stderr, "  import      Load bars from CSV files\n")
	fmt.Fprintf(os.Stderr, "  export      Write stored bars as CSV\n")
	fmt.Fprintf(os.Stderr, "  runs        List recorded backtest runs\n")
	fmt.Fprintf(os.Stderr, "  strategies  List registered strategies\n")
	fmt.Fprintf(os.Stderr, "  version     Print the version\n")
	fmt.Fprintf(os.Stderr, "\nConfig is read from $STOCKWATCH_CONFIG or %s.\n", config.DefaultPath)
}

func main() {
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "version":
		fmt.Printf("stockwatch %s\n", version)
		return
	case "help", "-h", "--help":
		usage()
		return
	}

	commands := map[string]func(ctx context.Context, app *app, args []string) error{
		"backtest":   runBacktest,
		"sweep":      runSweep,
		"watch":      runWatch,
		"serve":      runServe,
		"backfill":   runBackfill,
		"import":     runImport,
		"export":     runExport,
		"runs":       runRuns,
		"strategies": runStrategies,
	}
	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	a, err := newApp()
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, a, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		a.Close()
		log.Fatalf("%s: %v", cmd, err)
	}
}

// app holds what every command needs: config, stores and strategies.
type app struct {
	cfg      *config.Config
	bars     store.BarStore
	db       *store.SQLiteStore
	registry *strategy.Registry
}

func newApp() (*app, error) {
	cfgPath := config.Path()
	cfg, err := config.Load(cfgPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format))
	slog.Debug("config loaded", "path", cfgPath, "backend", cfg.Storage.Backend)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: db, bars: db, registry: strategy.NewRegistry()}
	if cfg.Storage.Backend == config.BackendParquet {
		a.bars = store.NewParquetStore(cfg.Storage.DataDir)
	}
	builtins.Register(a.registry)
	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
