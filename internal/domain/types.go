// Package domain defines the core value types shared by the backtester, the
// bar stores and the market-data gatherers.
package domain

import (
	"fmt"
	"time"
)

// Bar is one OHLCV record for a symbol. Prices are scaled integers (see
// PriceScale).
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      int64
	High      int64
	Low       int64
	Close     int64
	Volume    int64
}

// SignalType tags a Signal as a buy or a sell.
type SignalType string

const (
	SignalTypeBuy  SignalType = "buy"
	SignalTypeSell SignalType = "sell"
)

// Signal is a trade requested by a strategy before it is converted into a
// fill. A buy spends Dollars of cash; a sell liquidates Qty shares.
type Signal struct {
	Type    SignalType
	Symbol  string
	Dollars int64
	Qty     int64
}

// Buy returns a signal that spends dollars (scaled) on symbol.
func Buy(symbol string, dollars int64) Signal {
	return Signal{Type: SignalTypeBuy, Symbol: symbol, Dollars: dollars}
}

// Sell returns a signal that liquidates qty shares of symbol.
func Sell(symbol string, qty int64) Signal {
	return Signal{Type: SignalTypeSell, Symbol: symbol, Qty: qty}
}

// String renders the signal for logs and error messages.
func (s Signal) String() string {
	switch s.Type {
	case SignalTypeBuy:
		return fmt.Sprintf("buy %s for %s", s.Symbol, FormatAmount(s.Dollars))
	case SignalTypeSell:
		return fmt.Sprintf("sell %d %s", s.Qty, s.Symbol)
	default:
		return fmt.Sprintf("signal(%q) %s", s.Type, s.Symbol)
	}
}

// Fill records how a signal was settled: at which tick and price, how many
// shares changed hands and how much cash moved.
type Fill struct {
	Signal    Signal
	Timestamp time.Time
	Price     int64
	Qty       int64
	Cash      int64
}
