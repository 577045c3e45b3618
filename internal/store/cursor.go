package store

import (
	"sort"

	"stockwatch/internal/domain"
)

// Compile-time interface check.
var _ BarCursor = (*SliceCursor)(nil)

// SliceCursor is an in-memory BarCursor. It owns a sorted copy of its input,
// so the caller's slice is never reordered.
type SliceCursor struct {
	bars []domain.Bar
	pos  int
}

// NewSliceCursor returns a cursor over a copy of bars, stably sorted by
// timestamp then symbol.
func NewSliceCursor(bars []domain.Bar) *SliceCursor {
	sorted := make([]domain.Bar, len(bars))
	copy(sorted, bars)
	sortBars(sorted)
	return &SliceCursor{bars: sorted, pos: -1}
}

// Next advances the cursor.
func (c *SliceCursor) Next() bool {
	if c.pos+1 >= len(c.bars) {
		c.pos = len(c.bars)
		return false
	}
	c.pos++
	return true
}

// Bar returns the current bar.
func (c *SliceCursor) Bar() domain.Bar {
	if c.pos < 0 || c.pos >= len(c.bars) {
		return domain.Bar{}
	}
	return c.bars[c.pos]
}

// Err always returns nil.
func (c *SliceCursor) Err() error { return nil }

// Close is a no-op.
func (c *SliceCursor) Close() error { return nil }

// Drain reads every remaining bar from cur and closes it.
func Drain(cur BarCursor) ([]domain.Bar, error) {
	defer cur.Close()
	var bars []domain.Bar
	for cur.Next() {
		bars = append(bars, cur.Bar())
	}
	return bars, cur.Err()
}

func sortBars(bars []domain.Bar) {
	sort.SliceStable(bars, func(i, j int) bool {
		if !bars[i].Timestamp.Equal(bars[j].Timestamp) {
			return bars[i].Timestamp.Before(bars[j].Timestamp)
		}
		return bars[i].Symbol < bars[j].Symbol
	})
}
