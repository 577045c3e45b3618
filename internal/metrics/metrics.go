// Package metrics provides Prometheus instrumentation for the watcher and the
// backtest runner.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BarsIngested counts bars written to the bar store, partitioned by
	// source ("stream", "backfill", "csv").
	BarsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_bars_ingested_total",
		Help: "Total number of bars written to the bar store",
	}, []string{"source"})

	// StreamReconnects counts reconnect attempts of the live bar stream.
	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockwatch_stream_reconnects_total",
		Help: "Live bar stream reconnect attempts",
	})

	// BacktestRuns counts finished backtests by strategy and final state.
	BacktestRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_backtest_runs_total",
		Help: "Total number of backtest runs",
	}, []string{"strategy", "state"})

	// BacktestFills counts settled signals by side.
	BacktestFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockwatch_backtest_fills_total",
		Help: "Total number of settled backtest signals",
	}, []string{"side"})

	// BacktestDuration tracks wall time of a backtest run in seconds.
	BacktestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockwatch_backtest_duration_seconds",
		Help:    "Backtest run duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"strategy"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewRouter returns a router serving /metrics and /healthz.
func NewRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"stockwatch"}`))
	})
	r.Handle("/metrics", Handler())
	return r
}
