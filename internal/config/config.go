package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stockwatch/internal/domain"
)

// DefaultPath is used when STOCKWATCH_CONFIG is unset.
const DefaultPath = "config/stockwatch.yaml"

// Storage backends.
const (
	BackendSQLite  = "sqlite"
	BackendParquet = "parquet"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for stockwatch.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Alpaca   Alpaca   `yaml:"alpaca"`
	Logging  Logging  `yaml:"logging"`
	Watcher  Watcher  `yaml:"watcher"`
	Backtest Backtest `yaml:"backtest"`
}

// Storage selects the bar store backend and where it keeps its data. Runs
// are always recorded in the SQLite database.
type Storage struct {
	Backend    string `yaml:"backend"`
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	DataURL   string `yaml:"data_url"`
	StreamURL string `yaml:"stream_url"`
	Feed      string `yaml:"feed"` // "iex" or "sip"
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Watcher controls the live bar stream and historical backfill.
type Watcher struct {
	Symbols         []string `yaml:"symbols"`
	Timeframe       string   `yaml:"timeframe"` // "1Min" or "1Day"
	BackfillStart   string   `yaml:"backfill_start"`
	BackfillCron    string   `yaml:"backfill_cron"`
	RateLimitPerMin int      `yaml:"rate_limit_per_min"`
	MetricsAddr     string   `yaml:"metrics_addr"`
}

// Backtest holds the default backtest request.
type Backtest struct {
	Strategy    string            `yaml:"strategy"`
	InitialCash string            `yaml:"initial_cash"` // decimal dollars
	Symbols     []string          `yaml:"symbols"`
	Start       string            `yaml:"start"`
	End         string            `yaml:"end"`
	Params      map[string]string `yaml:"params"`
	Workers     int               `yaml:"workers"`
}

// Cash returns InitialCash as a scaled integer.
func (b Backtest) Cash() (int64, error) {
	v, err := domain.ParseAmount(b.InitialCash)
	if err != nil {
		return 0, fmt.Errorf("backtest.initial_cash: %w", err)
	}
	if v < 0 {
		return 0, fmt.Errorf("backtest.initial_cash %s must not be negative", b.InitialCash)
	}
	return v, nil
}

// Range returns the parsed start and end dates; empty values give zero times.
func (b Backtest) Range() (start, end time.Time, err error) {
	if start, err = ParseDate(b.Start); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.start: %w", err)
	}
	if end, err = ParseDate(b.End); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest.end: %w", err)
	}
	return start, end, nil
}

// ParseDate parses a YYYY-MM-DD date in UTC. The empty string is the zero time.
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns $STOCKWATCH_CONFIG, or DefaultPath when it is unset.
func Path() string {
	if p := os.Getenv("STOCKWATCH_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists: defaults plus
// environment overrides.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

// Validate checks values that would otherwise fail deep inside a command.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendParquet:
	default:
		return fmt.Errorf("storage.backend %q: want %s or %s", c.Storage.Backend, BackendSQLite, BackendParquet)
	}
	switch c.Watcher.Timeframe {
	case "1Min", "1Day":
	default:
		return fmt.Errorf("watcher.timeframe %q: want 1Min or 1Day", c.Watcher.Timeframe)
	}
	if _, err := c.Backtest.Cash(); err != nil {
		return err
	}
	if _, _, err := c.Backtest.Range(); err != nil {
		return err
	}
	if _, err := ParseDate(c.Watcher.BackfillStart); err != nil {
		return fmt.Errorf("watcher.backfill_start: %w", err)
	}
	return nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("ALPACA_STREAM_URL"); v != "" {
		cfg.Alpaca.StreamURL = v
	}

	if v := os.Getenv("ALPACA_FEED"); v != "" {
		cfg.Alpaca.Feed = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("WATCH_SYMBOLS"); v != "" {
		cfg.Watcher.Symbols = splitSymbols(v)
	}

	// Standard Alpaca env vars take priority; they are the names the SDK reads.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendSQLite
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/stockwatch.db"
	}
	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if len(cfg.Watcher.Symbols) == 0 {
		cfg.Watcher.Symbols = []string{"AAPL"}
	}
	if cfg.Watcher.Timeframe == "" {
		cfg.Watcher.Timeframe = "1Min"
	}
	if cfg.Watcher.RateLimitPerMin == 0 {
		cfg.Watcher.RateLimitPerMin = 200
	}
	if cfg.Backtest.Strategy == "" {
		cfg.Backtest.Strategy = "sma-cross"
	}
	if cfg.Backtest.InitialCash == "" {
		cfg.Backtest.InitialCash = "100000"
	}
	if cfg.Backtest.Workers == 0 {
		cfg.Backtest.Workers = 4
	}
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
