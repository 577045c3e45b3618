package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"stockwatch/internal/backtest"
	"stockwatch/internal/config"
	"stockwatch/internal/domain"
	"stockwatch/internal/engine"
	"stockwatch/internal/store"
	"stockwatch/internal/strategy"
)

// defaultMaxBars caps the bars returned by one GET /api/bars request.
const defaultMaxBars = 10000

// truncatedHeader is set on a bars response that hit the cap; the client
// should narrow the range and ask again from the last timestamp it received.
const truncatedHeader = "X-Truncated"

// Server serves the stockwatch HTTP API.
type Server struct {
	bars     store.BarStore
	runs     store.RunStore
	registry *strategy.Registry
	bt       *backtest.Backtester
	log      *slog.Logger
	maxBars  int
}

// NewServer creates a Server reading bars from bars and runs from runs.
// Backtests submitted over HTTP are persisted to runs as well.
func NewServer(bars store.BarStore, runs store.RunStore, registry *strategy.Registry, log *slog.Logger) *Server {
	return &Server{
		bars:     bars,
		runs:     runs,
		registry: registry,
		bt:       backtest.NewBacktester(bars, registry, runs),
		log:      log,
		maxBars:  defaultMaxBars,
	}
}

// RegisterRoutes registers all API routes on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Use(corsMiddleware)
		r.Get("/symbols", s.handleSymbols)
		r.Get("/bars/{symbol}", s.handleBars)
		r.Get("/strategies", s.handleStrategies)
		r.Get("/runs", s.handleRuns)
		r.Get("/runs/{id}/fills", s.handleFills)
		r.Post("/backtests", s.handleBacktest)
	})
}

// Handler returns a standalone router serving only the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.RegisterRoutes(r)
	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// parseDay parses a YYYY-MM-DD query value. With endOfDay set the result is
// the last millisecond of that day, so the bound stays inclusive.
func parseDay(r *http.Request, key string, endOfDay bool) (time.Time, error) {
	t, err := config.ParseDate(r.URL.Query().Get(key))
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	if endOfDay && !t.IsZero() {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// Bars
// ---------------------------------------------------------------------------

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	syms, err := s.bars.ListSymbols(r.Context())
	if err != nil {
		s.log.Error("listing symbols", "error", err)
		writeError(w, http.StatusInternalServerError, "listing symbols failed")
		return
	}
	if syms == nil {
		syms = []string{}
	}
	writeJSON(w, syms)
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	start, err := parseDay(r, "start", false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseDay(r, "end", true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cur, err := s.bars.Cursor(r.Context(), store.BarQuery{Symbols: []string{symbol}, Start: start, End: end})
	if err != nil {
		s.log.Error("opening bar cursor", "symbol", symbol, "error", err)
		writeError(w, http.StatusInternalServerError, "reading bars failed")
		return
	}
	defer cur.Close()

	out := []BarJSON{}
	truncated := false
	for cur.Next() {
		if len(out) == s.maxBars {
			truncated = true
			break
		}
		out = append(out, toBarJSON(cur.Bar()))
	}
	if err := cur.Err(); err != nil {
		s.log.Error("reading bars", "symbol", symbol, "error", err)
		writeError(w, http.StatusInternalServerError, "reading bars failed")
		return
	}
	if truncated {
		w.Header().Set(truncatedHeader, "true")
	}
	writeJSON(w, out)
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.registry.List())
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, "listing runs failed")
		return
	}
	out := make([]RunJSON, len(runs))
	for i, run := range runs {
		out[i] = toRunJSON(run)
	}
	writeJSON(w, out)
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	fills, err := s.runs.ListFills(r.Context(), id)
	if err != nil {
		s.log.Error("listing fills", "run", id, "error", err)
		writeError(w, http.StatusInternalServerError, "listing fills failed")
		return
	}
	writeJSON(w, toFillsJSON(fills))
}

// handleBacktest runs a backtest synchronously. A halted run is still a
// successful request: the response carries the partial result and its error.
func (s *Server) handleBacktest(w http.ResponseWriter, r *http.Request) {
	var body BacktestRequestJSON
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	cfg := config.Backtest{InitialCash: body.InitialCash, Start: body.Start, End: body.End}
	if cfg.InitialCash == "" {
		cfg.InitialCash = "100000"
	}
	cash, err := cfg.Cash()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, end, err := cfg.Range()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !end.IsZero() {
		end = end.Add(24*time.Hour - time.Millisecond)
	}
	symbols := make([]string, len(body.Symbols))
	for i, sym := range body.Symbols {
		symbols[i] = strings.ToUpper(sym)
	}

	res, err := s.bt.Run(r.Context(), backtest.Request{
		Strategy:    body.Strategy,
		Params:      strategy.Params(body.Params),
		Symbols:     symbols,
		Start:       start,
		End:         end,
		InitialCash: cash,
	})
	var halt *engine.HaltError
	switch {
	case err == nil, errors.As(err, &halt):
		writeJSON(w, toResultJSON(res))
	case errors.Is(err, strategy.ErrUnknownStrategy), errors.Is(err, strategy.ErrInvalidStrategyConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrEmptyBarStore):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error("backtest failed", "strategy", body.Strategy, "error", err)
		writeError(w, http.StatusInternalServerError, "backtest failed")
	}
	s.log.Debug("backtest request served", "strategy", body.Strategy, "cash", domain.FormatAmount(cash))
}
