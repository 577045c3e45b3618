package backtest

import (
	"math"

	"github.com/montanaflynn/stats"

	"stockwatch/internal/domain"
	"stockwatch/internal/engine"
)

// periodsPerYear annualizes the Sharpe ratio of daily bars.
const periodsPerYear = 252

// computeStats fills the metric fields of r from its equity curve and fills.
func computeStats(r *BacktestResult) {
	if r.InitialCash > 0 {
		r.TotalReturn = float64(r.FinalValue-r.InitialCash) / float64(r.InitialCash)
	}
	r.SharpeRatio = sharpe(r.Equity)
	r.MaxDrawdown = maxDrawdown(r.Equity)
	r.TotalTrades = len(r.Fills)
	r.WinRate, r.ProfitFactor = tradeStats(r.Fills)
}

// periodReturns converts an equity curve into simple per-tick returns,
// skipping ticks that start from a non-positive value.
func periodReturns(curve []engine.EquityPoint) []float64 {
	var out []float64
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Value
		if prev <= 0 {
			continue
		}
		out = append(out, float64(curve[i].Value-prev)/float64(prev))
	}
	return out
}

// sharpe returns the annualized Sharpe ratio of the curve with a zero risk
// free rate. A flat or too short curve yields zero.
func sharpe(curve []engine.EquityPoint) float64 {
	returns := periodReturns(curve)
	if len(returns) < 2 {
		return 0
	}
	mean, err := stats.Mean(returns)
	if err != nil {
		return 0
	}
	sd, err := stats.StandardDeviation(returns)
	if err != nil || sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(periodsPerYear)
}

// maxDrawdown returns the largest peak-to-trough decline as a fraction of the
// peak.
func maxDrawdown(curve []engine.EquityPoint) float64 {
	var peak int64
	var worst float64
	for _, p := range curve {
		if p.Value > peak {
			peak = p.Value
		}
		if peak > 0 {
			if dd := float64(peak-p.Value) / float64(peak); dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// tradeStats pairs sells with the average cost of the shares they close and
// returns the fraction of winning sells and gross profit over gross loss.
// With no losing sell the profit factor is +Inf if anything was won, else 0.
func tradeStats(fills []domain.Fill) (winRate, profitFactor float64) {
	type position struct{ qty, cost int64 }
	book := make(map[string]*position)

	var wins, closed int
	var grossProfit, grossLoss float64
	for _, f := range fills {
		p := book[f.Signal.Symbol]
		if p == nil {
			p = &position{}
			book[f.Signal.Symbol] = p
		}
		switch f.Signal.Type {
		case domain.SignalTypeBuy:
			p.qty += f.Qty
			p.cost += f.Cash
		case domain.SignalTypeSell:
			if p.qty <= 0 || f.Qty == 0 {
				continue
			}
			basis := p.cost * f.Qty / p.qty
			pnl := f.Cash - basis
			p.cost -= basis
			p.qty -= f.Qty

			closed++
			switch {
			case pnl > 0:
				wins++
				grossProfit += float64(pnl)
			case pnl < 0:
				grossLoss -= float64(pnl)
			}
		}
	}

	if closed > 0 {
		winRate = float64(wins) / float64(closed)
	}
	switch {
	case grossLoss > 0:
		profitFactor = grossProfit / grossLoss
	case grossProfit > 0:
		profitFactor = math.Inf(1)
	}
	return winRate, profitFactor
}
