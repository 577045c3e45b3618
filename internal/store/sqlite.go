package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"stockwatch/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ BarStore = (*SQLiteStore)(nil)
var _ RunStore = (*SQLiteStore)(nil)

// SQLiteStore implements BarStore and RunStore backed by a SQLite database.
// Prices are stored as scaled integers and timestamps as Unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema if needed and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Pragmas in the DSN apply to every pooled connection. WAL lets the
	// watcher append bars while a backtest reads them.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			symbol    TEXT    NOT NULL,
			open      INTEGER NOT NULL,
			close     INTEGER NOT NULL,
			low       INTEGER NOT NULL,
			high      INTEGER NOT NULL,
			volume    INTEGER NOT NULL,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (symbol, timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bars_ts ON bars(timestamp)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id           TEXT PRIMARY KEY,
			strategy     TEXT    NOT NULL,
			params       TEXT    NOT NULL,
			started_at   INTEGER NOT NULL,
			finished_at  INTEGER NOT NULL,
			initial_cash INTEGER NOT NULL,
			state        TEXT    NOT NULL,
			final_value  INTEGER NOT NULL,
			error        TEXT    NOT NULL,
			ticks        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,

		`CREATE TABLE IF NOT EXISTS fills (
			run_id     TEXT    NOT NULL,
			seq        INTEGER NOT NULL,
			timestamp  INTEGER NOT NULL,
			type       TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			dollars    INTEGER NOT NULL,
			signal_qty INTEGER NOT NULL,
			price      INTEGER NOT NULL,
			qty        INTEGER NOT NULL,
			cash       INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// WriteBars inserts bars in a single transaction. A bar with the same symbol
// and timestamp as an existing row replaces it.
func (s *SQLiteStore) WriteBars(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO bars (symbol, open, close, low, high, volume, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx,
			b.Symbol, b.Open, b.Close, b.Low, b.High, b.Volume, b.Timestamp.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert bar %s@%s: %w", b.Symbol, b.Timestamp.Format(time.RFC3339), err)
		}
	}
	return tx.Commit()
}

// Cursor runs a SELECT ordered by timestamp and symbol and streams the rows.
func (s *SQLiteStore) Cursor(ctx context.Context, q BarQuery) (BarCursor, error) {
	var (
		where []string
		args  []any
	)
	if len(q.Symbols) > 0 {
		where = append(where, "symbol IN (?"+strings.Repeat(", ?", len(q.Symbols)-1)+")")
		for _, sym := range q.Symbols {
			args = append(args, sym)
		}
	}
	if !q.Start.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, q.End.UnixMilli())
	}

	query := "SELECT symbol, open, close, low, high, volume, timestamp FROM bars"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp, symbol"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	return &sqliteCursor{rows: rows}, nil
}

// ListSymbols returns the distinct symbols in the bars table, sorted.
func (s *SQLiteStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT symbol FROM bars ORDER BY symbol")
	if err != nil {
		return nil, fmt.Errorf("query symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// sqliteCursor adapts *sql.Rows to BarCursor.
type sqliteCursor struct {
	rows *sql.Rows
	bar  domain.Bar
	err  error
}

func (c *sqliteCursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	var (
		b  domain.Bar
		ts int64
	)
	if err := c.rows.Scan(&b.Symbol, &b.Open, &b.Close, &b.Low, &b.High, &b.Volume, &ts); err != nil {
		c.err = fmt.Errorf("scan bar: %w", err)
		return false
	}
	b.Timestamp = time.UnixMilli(ts).UTC()
	c.bar = b
	return true
}

func (c *sqliteCursor) Bar() domain.Bar { return c.bar }

func (c *sqliteCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *sqliteCursor) Close() error { return c.rows.Close() }

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

// SaveRun inserts the run row and its fills in one transaction.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, strategy, params, started_at, finished_at, initial_cash, state, final_value, error, ticks)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Strategy, string(params),
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
		run.InitialCash, run.State, run.FinalValue, run.Error, run.Ticks,
	); err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}

	for i, f := range run.Fills {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fills (run_id, seq, timestamp, type, symbol, dollars, signal_qty, price, qty, cash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, i, f.Timestamp.UnixMilli(), string(f.Signal.Type), f.Signal.Symbol,
			f.Signal.Dollars, f.Signal.Qty, f.Price, f.Qty, f.Cash,
		); err != nil {
			return fmt.Errorf("insert fill %d of run %s: %w", i, run.ID, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, strategy, params, started_at, finished_at, initial_cash, state, final_value, error, ticks
		 FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			params            string
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &r.Strategy, &params, &started, &finished,
			&r.InitialCash, &r.State, &r.FinalValue, &r.Error, &r.Ticks); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
			return nil, fmt.Errorf("decode params of run %s: %w", r.ID, err)
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListFills returns the fills of runID ordered by settlement sequence.
func (s *SQLiteStore) ListFills(ctx context.Context, runID string) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, type, symbol, dollars, signal_qty, price, qty, cash
		 FROM fills WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var (
			f   domain.Fill
			ts  int64
			typ string
		)
		if err := rows.Scan(&ts, &typ, &f.Signal.Symbol, &f.Signal.Dollars, &f.Signal.Qty,
			&f.Price, &f.Qty, &f.Cash); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Signal.Type = domain.SignalType(typ)
		f.Timestamp = time.UnixMilli(ts).UTC()
		fills = append(fills, f)
	}
	return fills, rows.Err()
}
