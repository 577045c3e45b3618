// Package store defines storage interfaces for persisting and replaying bars
// and backtest runs, with SQLite and Parquet implementations.
package store

import (
	"context"
	"time"

	"stockwatch/internal/domain"
)

// BarQuery selects bars for a cursor. Empty Symbols means every symbol; a
// zero Start or End leaves that side of the range open. Both bounds are
// inclusive.
type BarQuery struct {
	Symbols []string
	Start   time.Time
	End     time.Time
}

// match reports whether b falls inside the query.
func (q BarQuery) match(b domain.Bar) bool {
	if !q.Start.IsZero() && b.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && b.Timestamp.After(q.End) {
		return false
	}
	if len(q.Symbols) == 0 {
		return true
	}
	for _, s := range q.Symbols {
		if s == b.Symbol {
			return true
		}
	}
	return false
}

// BarCursor iterates over bars in ascending timestamp order. Usage mirrors
// database/sql.Rows:
//
//	for cur.Next() {
//		bar := cur.Bar()
//	}
//	if err := cur.Err(); err != nil { ... }
type BarCursor interface {
	// Next advances to the next bar, returning false when the cursor is
	// exhausted or failed.
	Next() bool

	// Bar returns the bar at the current position.
	Bar() domain.Bar

	// Err returns the error, if any, that stopped iteration.
	Err() error

	// Close releases the cursor's resources.
	Close() error
}

// BarStore persists OHLCV bars and replays them in timestamp order.
type BarStore interface {
	// WriteBars persists a batch of bars, replacing any existing bar with the
	// same symbol and timestamp.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// Cursor returns an independent cursor over the bars selected by q,
	// ordered by timestamp then symbol. Concurrent cursors never share state.
	Cursor(ctx context.Context, q BarQuery) (BarCursor, error)

	// ListSymbols returns all distinct symbols available in the store.
	ListSymbols(ctx context.Context) ([]string, error)
}

// RunRecord is the persisted summary of one backtest run.
type RunRecord struct {
	ID          string
	Strategy    string
	Params      map[string]string
	StartedAt   time.Time
	FinishedAt  time.Time
	InitialCash int64
	State       string
	FinalValue  int64
	Error       string
	Ticks       int
	Fills       []domain.Fill
}

// RunStore persists backtest runs and their fills.
type RunStore interface {
	// SaveRun inserts a run together with its fills.
	SaveRun(ctx context.Context, run *RunRecord) error

	// ListRuns returns the most recent runs, newest first, up to limit.
	// Fills are not loaded.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// ListFills returns the fills of a run in settlement order.
	ListFills(ctx context.Context, runID string) ([]domain.Fill, error)
}
