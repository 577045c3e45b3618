package backtest

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"stockwatch/internal/domain"
	"stockwatch/internal/store"
	"stockwatch/internal/strategy"
)

// WriteReport renders one summary row per result.
func WriteReport(w io.Writer, results []*BacktestResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Run", "Strategy", "Params", "State", "Final", "Return", "Sharpe", "Max DD", "Trades", "Win", "PF"})
	table.SetAutoWrapText(false)

	for _, r := range results {
		state := r.State.String()
		if r.Err != nil && r.RunID == "" {
			state = "error"
		}
		table.Append([]string{
			shortID(r.RunID),
			r.Strategy,
			formatParams(r.Params),
			state,
			domain.FormatAmount(r.FinalValue),
			fmt.Sprintf("%.2f%%", r.TotalReturn*100),
			fmt.Sprintf("%.2f", r.SharpeRatio),
			fmt.Sprintf("%.2f%%", r.MaxDrawdown*100),
			fmt.Sprintf("%d", r.TotalTrades),
			fmt.Sprintf("%.0f%%", r.WinRate*100),
			fmt.Sprintf("%.2f", r.ProfitFactor),
		})
	}
	table.Render()

	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(w, "%s %s: %v\n", shortID(r.RunID), formatParams(r.Params), r.Err)
		}
	}
}

// WriteFills renders the settled signals of a run.
func WriteFills(w io.Writer, fills []domain.Fill) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Time", "Signal", "Price", "Qty", "Cash"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	for i, f := range fills {
		table.Append([]string{
			fmt.Sprintf("%d", i+1),
			f.Timestamp.Format(time.RFC3339),
			f.Signal.String(),
			domain.FormatAmount(f.Price),
			fmt.Sprintf("%d", f.Qty),
			domain.FormatAmount(f.Cash),
		})
	}
	table.Render()
}

// WriteRuns renders persisted runs, newest first.
func WriteRuns(w io.Writer, runs []store.RunRecord) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Run", "Started", "Strategy", "Params", "State", "Initial", "Final", "Ticks", "Error"})
	table.SetAutoWrapText(false)

	for _, r := range runs {
		table.Append([]string{
			r.ID,
			r.StartedAt.Format(time.RFC3339),
			r.Strategy,
			formatParams(strategy.Params(r.Params)),
			r.State,
			domain.FormatAmount(r.InitialCash),
			domain.FormatAmount(r.FinalValue),
			fmt.Sprintf("%d", r.Ticks),
			r.Error,
		})
	}
	table.Render()
}

func formatParams(p strategy.Params) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + p[k]
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
