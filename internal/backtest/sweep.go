package backtest

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"stockwatch/internal/strategy"
)

// Grid expands axes (param name to candidate values) into the cartesian
// product of parameter sets. Keys are expanded in sorted order so the output
// is deterministic.
func Grid(axes map[string][]string) []strategy.Params {
	keys := make([]string, 0, len(axes))
	for k := range axes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []strategy.Params{{}}
	for _, k := range keys {
		var next []strategy.Params
		for _, p := range out {
			for _, v := range axes[k] {
				next = append(next, p.With(k, v))
			}
		}
		out = next
	}
	return out
}

// ParseAxis parses "name=v1,v2,v3" into a grid axis.
func ParseAxis(s string) (string, []string, error) {
	name, values, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" || values == "" {
		return "", nil, fmt.Errorf("grid axis %q: want name=v1,v2", s)
	}
	parts := strings.Split(values, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return name, parts, nil
}

// Sweep runs base once per parameter set in grid, each layered over
// base.Params, with at most workers runs in flight. Every run gets its own
// strategy, engine and cursor. Results keep the order of grid; a run that
// fails to start or halts carries its error in Err. Sweep itself only fails
// when ctx is cancelled.
func (bt *Backtester) Sweep(ctx context.Context, base Request, grid []strategy.Params, workers int) ([]*BacktestResult, error) {
	if workers < 1 {
		workers = 1
	}

	results := make([]*BacktestResult, len(grid))
	var g errgroup.Group
	g.SetLimit(workers)

	for i, params := range grid {
		req := base
		req.Params = merge(base.Params, params)
		if err := ctx.Err(); err != nil {
			results[i] = &BacktestResult{Strategy: req.Strategy, Params: req.Params, InitialCash: req.InitialCash, Err: err}
			continue
		}

		g.Go(func() error {
			res, err := bt.Run(ctx, req)
			if res == nil {
				res = &BacktestResult{Strategy: req.Strategy, Params: req.Params, InitialCash: req.InitialCash}
			}
			res.Err = err
			results[i] = res
			return nil
		})
	}
	g.Wait()

	bt.log.Info("sweep complete", "runs", len(grid), "workers", workers)
	return results, ctx.Err()
}

func merge(base, over strategy.Params) strategy.Params {
	out := make(strategy.Params, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
