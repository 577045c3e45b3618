// Package ledger implements the authoritative cash and holdings book used by
// the backtest engine. Every mutation is checked before it is applied, so a
// rejected operation leaves the ledger exactly as it was.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"stockwatch/internal/domain"
)

var (
	// ErrInsufficientFunds is returned when a cash debit exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientHoldings is returned when a share debit exceeds the
	// quantity held.
	ErrInsufficientHoldings = errors.New("insufficient holdings")

	// ErrUnknownSymbolPrice is returned when a non-zero holding cannot be
	// valued because its symbol has never been observed.
	ErrUnknownSymbolPrice = errors.New("unknown symbol price")

	// ErrNegativeAmount is returned for negative cash amounts or quantities.
	ErrNegativeAmount = errors.New("negative amount")

	// ErrOverflow is returned when an amount or quantity would exceed the
	// int64 range.
	ErrOverflow = errors.New("amount overflow")
)

// Ledger owns cash and per-symbol share balances. Cash lives in its own field,
// structurally separate from the holdings map. A Ledger is not safe for
// concurrent use; it belongs to a single replay loop.
type Ledger struct {
	cash     int64
	holdings map[string]int64
}

// New creates a Ledger funded with initialCash (scaled).
func New(initialCash int64) (*Ledger, error) {
	if initialCash < 0 {
		return nil, fmt.Errorf("initial cash %d: %w", initialCash, ErrNegativeAmount)
	}
	return &Ledger{
		cash:     initialCash,
		holdings: make(map[string]int64),
	}, nil
}

// Seed creates a zero holding entry for symbol if none exists.
func (l *Ledger) Seed(symbol string) {
	if _, ok := l.holdings[symbol]; !ok {
		l.holdings[symbol] = 0
	}
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() int64 { return l.cash }

// Holding returns the quantity held of symbol (zero if never held).
func (l *Ledger) Holding(symbol string) int64 { return l.holdings[symbol] }

// CheckCreditCash reports whether CreditCash(amount) would succeed.
func (l *Ledger) CheckCreditCash(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("credit cash %d: %w", amount, ErrNegativeAmount)
	}
	if amount > math.MaxInt64-l.cash {
		return fmt.Errorf("credit cash %s to balance %s: %w",
			domain.FormatAmount(amount), domain.FormatAmount(l.cash), ErrOverflow)
	}
	return nil
}

// CreditCash adds amount to the cash balance.
func (l *Ledger) CreditCash(amount int64) error {
	if err := l.CheckCreditCash(amount); err != nil {
		return err
	}
	l.cash += amount
	return nil
}

// CheckDebitCash reports whether DebitCash(amount) would succeed.
func (l *Ledger) CheckDebitCash(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("debit cash %d: %w", amount, ErrNegativeAmount)
	}
	if l.cash < amount {
		return fmt.Errorf("debit cash %s with balance %s: %w",
			domain.FormatAmount(amount), domain.FormatAmount(l.cash), ErrInsufficientFunds)
	}
	return nil
}

// DebitCash removes amount from the cash balance, failing with
// ErrInsufficientFunds if the balance is smaller than amount.
func (l *Ledger) DebitCash(amount int64) error {
	if err := l.CheckDebitCash(amount); err != nil {
		return err
	}
	l.cash -= amount
	return nil
}

// CheckCreditHolding reports whether CreditHolding(symbol, qty) would succeed.
func (l *Ledger) CheckCreditHolding(symbol string, qty int64) error {
	if qty < 0 {
		return fmt.Errorf("credit %s qty %d: %w", symbol, qty, ErrNegativeAmount)
	}
	if held := l.holdings[symbol]; qty > math.MaxInt64-held {
		return fmt.Errorf("credit %d %s to %d held: %w", qty, symbol, held, ErrOverflow)
	}
	return nil
}

// CreditHolding adds qty shares of symbol.
func (l *Ledger) CreditHolding(symbol string, qty int64) error {
	if err := l.CheckCreditHolding(symbol, qty); err != nil {
		return err
	}
	l.holdings[symbol] += qty
	return nil
}

// CheckDebitHolding reports whether DebitHolding(symbol, qty) would succeed.
func (l *Ledger) CheckDebitHolding(symbol string, qty int64) error {
	if qty < 0 {
		return fmt.Errorf("debit %s qty %d: %w", symbol, qty, ErrNegativeAmount)
	}
	if held := l.holdings[symbol]; held < qty {
		return fmt.Errorf("debit %d %s with %d held: %w", qty, symbol, held, ErrInsufficientHoldings)
	}
	return nil
}

// DebitHolding removes qty shares of symbol, failing with
// ErrInsufficientHoldings if fewer are held.
func (l *Ledger) DebitHolding(symbol string, qty int64) error {
	if err := l.CheckDebitHolding(symbol, qty); err != nil {
		return err
	}
	l.holdings[symbol] -= qty
	return nil
}

// Notional returns qty*price, failing with ErrOverflow when the product does
// not fit in an int64.
func Notional(qty, price int64) (int64, error) {
	if qty < 0 || price < 0 {
		return 0, fmt.Errorf("notional of %d at %d: %w", qty, price, ErrNegativeAmount)
	}
	if price != 0 && qty > math.MaxInt64/price {
		return 0, fmt.Errorf("notional of %d at %s: %w", qty, domain.FormatAmount(price), ErrOverflow)
	}
	return qty * price, nil
}

// TotalValue returns cash plus every holding valued at its last known close in
// snap. A symbol with a non-zero holding and no known price is an error, not a
// zero; empty holdings without a price are skipped.
func (l *Ledger) TotalValue(snap *domain.Snapshot) (int64, error) {
	total := l.cash
	var missing []string
	for sym, qty := range l.holdings {
		price, ok := snap.PriceOf(sym)
		if !ok {
			if qty != 0 {
				missing = append(missing, sym)
			}
			continue
		}
		value, err := Notional(qty, price)
		if err != nil {
			return 0, fmt.Errorf("valuing %s: %w", sym, err)
		}
		if value > math.MaxInt64-total {
			return 0, fmt.Errorf("valuing %s: %w", sym, ErrOverflow)
		}
		total += value
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return 0, fmt.Errorf("valuing %v: %w", missing, ErrUnknownSymbolPrice)
	}
	return total, nil
}

// State returns a deep copy of the ledger contents.
func (l *Ledger) State() State {
	h := make(map[string]int64, len(l.holdings))
	for sym, qty := range l.holdings {
		h[sym] = qty
	}
	return State{Cash: l.cash, Holdings: h}
}

// State is a detached copy of a ledger, used in halt reports and fill
// observers.
type State struct {
	Cash     int64
	Holdings map[string]int64
}

// String renders the state with holdings in symbol order.
func (s State) String() string {
	syms := make([]string, 0, len(s.Holdings))
	for sym := range s.Holdings {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	out := "cash=" + domain.FormatAmount(s.Cash)
	for _, sym := range syms {
		out += fmt.Sprintf(" %s=%d", sym, s.Holdings[sym])
	}
	return out
}
