// Package httpapi provides an HTTP REST API over the bar store and the
// backtest runner, serving the same data as the CLI in JSON format.
package httpapi

import (
	"math"
	"time"

	"stockwatch/internal/backtest"
	"stockwatch/internal/domain"
	"stockwatch/internal/store"
)

// Prices and amounts are rendered as decimal strings so that scaled integers
// survive JSON without float rounding.

// BarJSON is the JSON representation of one OHLCV bar.
type BarJSON struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      string    `json:"open"`
	High      string    `json:"high"`
	Low       string    `json:"low"`
	Close     string    `json:"close"`
	Volume    int64     `json:"volume"`
}

// FillJSON is the JSON representation of a settled signal.
type FillJSON struct {
	Side      string    `json:"side"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Price     string    `json:"price"`
	Qty       int64     `json:"qty"`
	Cash      string    `json:"cash"`
}

// RunJSON is the JSON representation of a persisted run.
type RunJSON struct {
	ID          string            `json:"id"`
	Strategy    string            `json:"strategy"`
	Params      map[string]string `json:"params,omitempty"`
	State       string            `json:"state"`
	InitialCash string            `json:"initialCash"`
	FinalValue  string            `json:"finalValue"`
	Ticks       int               `json:"ticks"`
	StartedAt   time.Time         `json:"startedAt"`
	FinishedAt  time.Time         `json:"finishedAt"`
	Error       string            `json:"error,omitempty"`
}

// BacktestRequestJSON is the body of POST /api/backtests. Dates are
// YYYY-MM-DD; InitialCash is a decimal string.
type BacktestRequestJSON struct {
	Strategy    string            `json:"strategy"`
	Params      map[string]string `json:"params"`
	Symbols     []string          `json:"symbols"`
	Start       string            `json:"start"`
	End         string            `json:"end"`
	InitialCash string            `json:"initialCash"`
}

// BacktestResultJSON is the response of POST /api/backtests.
type BacktestResultJSON struct {
	RunJSON
	Cash         string           `json:"cash"`
	Holdings     map[string]int64 `json:"holdings"`
	TotalReturn  float64          `json:"totalReturn"`
	SharpeRatio  float64          `json:"sharpeRatio"`
	MaxDrawdown  float64          `json:"maxDrawdown"`
	TotalTrades  int              `json:"totalTrades"`
	WinRate      float64          `json:"winRate"`
	ProfitFactor *float64         `json:"profitFactor,omitempty"` // nil when there were no losing trades
	Fills        []FillJSON       `json:"fills"`
}

func toBarJSON(b domain.Bar) BarJSON {
	return BarJSON{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp,
		Open:      domain.FormatAmount(b.Open),
		High:      domain.FormatAmount(b.High),
		Low:       domain.FormatAmount(b.Low),
		Close:     domain.FormatAmount(b.Close),
		Volume:    b.Volume,
	}
}

func toFillJSON(f domain.Fill) FillJSON {
	return FillJSON{
		Side:      string(f.Signal.Type),
		Symbol:    f.Signal.Symbol,
		Timestamp: f.Timestamp,
		Price:     domain.FormatAmount(f.Price),
		Qty:       f.Qty,
		Cash:      domain.FormatAmount(f.Cash),
	}
}

func toFillsJSON(fills []domain.Fill) []FillJSON {
	out := make([]FillJSON, len(fills))
	for i, f := range fills {
		out[i] = toFillJSON(f)
	}
	return out
}

func toRunJSON(r store.RunRecord) RunJSON {
	return RunJSON{
		ID:          r.ID,
		Strategy:    r.Strategy,
		Params:      r.Params,
		State:       r.State,
		InitialCash: domain.FormatAmount(r.InitialCash),
		FinalValue:  domain.FormatAmount(r.FinalValue),
		Ticks:       r.Ticks,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Error:       r.Error,
	}
}

func toResultJSON(r *backtest.BacktestResult) BacktestResultJSON {
	out := BacktestResultJSON{
		RunJSON: RunJSON{
			ID:          r.RunID,
			Strategy:    r.Strategy,
			Params:      r.Params,
			State:       r.State.String(),
			InitialCash: domain.FormatAmount(r.InitialCash),
			FinalValue:  domain.FormatAmount(r.FinalValue),
			Ticks:       r.Ticks,
			StartedAt:   r.StartedAt,
			FinishedAt:  r.FinishedAt,
		},
		Cash:        domain.FormatAmount(r.Ledger.Cash),
		Holdings:    r.Ledger.Holdings,
		TotalReturn: r.TotalReturn,
		SharpeRatio: r.SharpeRatio,
		MaxDrawdown: r.MaxDrawdown,
		TotalTrades: r.TotalTrades,
		WinRate:     r.WinRate,
		Fills:       toFillsJSON(r.Fills),
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	if pf := r.ProfitFactor; !math.IsInf(pf, 0) && !math.IsNaN(pf) {
		out.ProfitFactor = &pf
	}
	return out
}
