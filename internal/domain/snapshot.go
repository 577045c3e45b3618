package domain

import "sort"

// Snapshot maps each symbol to the most recent bar observed during a replay.
// Entries are overwritten, never removed, so a symbol that produced no bar on
// the current tick still reports its last known close.
type Snapshot struct {
	bars map[string]Bar
}

// NewSnapshot creates an empty Snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{bars: make(map[string]Bar)}
}

// Observe records bar as the latest for its symbol.
func (s *Snapshot) Observe(bar Bar) {
	s.bars[bar.Symbol] = bar
}

// PriceOf returns the last known close of symbol. The second return value is
// false if the symbol has never been observed.
func (s *Snapshot) PriceOf(symbol string) (int64, bool) {
	b, ok := s.bars[symbol]
	if !ok {
		return 0, false
	}
	return b.Close, true
}

// Bar returns the last observed bar of symbol.
func (s *Snapshot) Bar(symbol string) (Bar, bool) {
	b, ok := s.bars[symbol]
	return b, ok
}

// Symbols returns the observed symbols in sorted order.
func (s *Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.bars))
	for sym := range s.bars {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of symbols observed so far.
func (s *Snapshot) Len() int { return len(s.bars) }
