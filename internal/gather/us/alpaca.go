package us

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"

	"stockwatch/internal/domain"
	"stockwatch/internal/gather"
	"stockwatch/internal/metrics"
	"stockwatch/internal/store"
	"stockwatch/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ gather.Gatherer = (*HistoricalBarGatherer)(nil)
var _ gather.Gatherer = (*BarStreamGatherer)(nil)

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

// fromMarketBar converts a REST bar into a scaled-integer bar.
func fromMarketBar(symbol string, ab marketdata.Bar) (domain.Bar, error) {
	return scaleBar(symbol, ab.Timestamp, ab.Open, ab.High, ab.Low, ab.Close, ab.Volume)
}

// fromStreamBar converts a streamed minute bar into a scaled-integer bar.
func fromStreamBar(sb stream.Bar) (domain.Bar, error) {
	return scaleBar(sb.Symbol, sb.Timestamp, sb.Open, sb.High, sb.Low, sb.Close, sb.Volume)
}

func scaleBar(symbol string, ts time.Time, o, h, l, c float64, volume uint64) (domain.Bar, error) {
	b := domain.Bar{
		Symbol:    strings.ToUpper(symbol),
		Timestamp: ts.UTC(),
		Volume:    int64(volume),
	}
	for _, f := range []struct {
		dst *int64
		src float64
	}{
		{&b.Open, o},
		{&b.High, h},
		{&b.Low, l},
		{&b.Close, c},
	} {
		v, err := domain.ScaleFloat(f.src)
		if err != nil {
			return domain.Bar{}, fmt.Errorf("%s@%s: %w", b.Symbol, b.Timestamp.Format(time.RFC3339), err)
		}
		*f.dst = v
	}
	return b, nil
}

// ParseTimeFrame maps the config timeframe names onto Alpaca's.
func ParseTimeFrame(s string) (marketdata.TimeFrame, error) {
	switch s {
	case "1Min":
		return marketdata.OneMin, nil
	case "1Day":
		return marketdata.OneDay, nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("unsupported timeframe %q", s)
	}
}

// ---------------------------------------------------------------------------
// HistoricalBarGatherer: backfills bars from the Alpaca REST API.
// ---------------------------------------------------------------------------

// multiBarsClient is the part of *marketdata.Client the backfill uses.
type multiBarsClient interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// HistoricalBarGatherer fetches historical bars for a fixed symbol list via
// the Alpaca market-data API and writes them to a BarStore.
type HistoricalBarGatherer struct {
	client    multiBarsClient
	store     store.BarStore
	symbols   []string
	timeframe marketdata.TimeFrame
	feed      marketdata.Feed
	start     time.Time
	batchSize int
	limiter   *util.RateLimiter
	now       func() time.Time
	log       *slog.Logger
}

// NewHistoricalBarGatherer creates a HistoricalBarGatherer configured with
// the given Alpaca credentials, target store and rate limit.
func NewHistoricalBarGatherer(apiKey, apiSecret, dataURL, feed string, s store.BarStore, symbols []string, timeframe marketdata.TimeFrame, start time.Time, rateLimitPerMin int) *HistoricalBarGatherer {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return newHistoricalBarGatherer(marketdata.NewClient(opts), feed, s, symbols, timeframe, start, rateLimitPerMin)
}

func newHistoricalBarGatherer(c multiBarsClient, feed string, s store.BarStore, symbols []string, timeframe marketdata.TimeFrame, start time.Time, rateLimitPerMin int) *HistoricalBarGatherer {
	return &HistoricalBarGatherer{
		client:    c,
		store:     s,
		symbols:   symbols,
		timeframe: timeframe,
		feed:      marketdata.Feed(feed),
		start:     start,
		batchSize: 100,
		limiter:   util.NewRateLimiter(rateLimitPerMin, 1),
		now:       time.Now,
		log:       slog.Default().With("gatherer", "us-backfill"),
	}
}

// Name returns the gatherer identifier.
func (g *HistoricalBarGatherer) Name() string { return "us-backfill" }

// Run backfills from the configured start date up to now.
func (g *HistoricalBarGatherer) Run(ctx context.Context) error {
	_, err := g.Backfill(ctx, gather.DateRange{Start: g.start, End: g.now().UTC()})
	return err
}

// Recent backfills the trailing lookback window ending now. The scheduled
// backfill uses it to pick up bars the stream missed.
func (g *HistoricalBarGatherer) Recent(ctx context.Context, lookback time.Duration) error {
	end := g.now().UTC()
	_, err := g.Backfill(ctx, gather.DateRange{Start: end.Add(-lookback), End: end})
	return err
}

// Backfill fetches bars in r for every symbol, batch by batch, and writes them
// to the store. Rewriting existing bars is harmless: stores replace on equal
// symbol and timestamp. It returns the number of bars written.
func (g *HistoricalBarGatherer) Backfill(ctx context.Context, r gather.DateRange) (int, error) {
	if len(g.symbols) == 0 {
		return 0, errors.New("backfill: no symbols configured")
	}

	g.log.Info("starting backfill",
		"symbols", len(g.symbols),
		"start", r.Start.Format("2006-01-02"),
		"end", r.End.Format(time.RFC3339),
		"timeframe", g.timeframe.String(),
	)

	total := 0
	runStart := time.Now()
	for i := 0; i < len(g.symbols); i += g.batchSize {
		batch := g.symbols[i:min(i+g.batchSize, len(g.symbols))]

		if err := g.limiter.Wait(ctx); err != nil {
			return total, err
		}
		multiBars, err := g.client.GetMultiBars(batch, marketdata.GetBarsRequest{
			TimeFrame: g.timeframe,
			Start:     r.Start,
			End:       r.End,
			Feed:      g.feed,
		})
		if err != nil {
			return total, fmt.Errorf("GetMultiBars: %w", err)
		}

		var bars []domain.Bar
		for symbol, alpacaBars := range multiBars {
			for _, ab := range alpacaBars {
				bar, err := fromMarketBar(symbol, ab)
				if err != nil {
					g.log.Warn("skipping bar", "err", err)
					continue
				}
				bars = append(bars, bar)
			}
		}
		if len(bars) == 0 {
			continue
		}
		if err := g.store.WriteBars(ctx, bars); err != nil {
			return total, fmt.Errorf("writing bars: %w", err)
		}
		total += len(bars)
		metrics.BarsIngested.WithLabelValues("backfill").Add(float64(len(bars)))
	}

	g.log.Info("backfill complete",
		"bars", total,
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	return total, nil
}

// ---------------------------------------------------------------------------
// BarStreamGatherer: live minute bars over the Alpaca WebSocket feed.
// ---------------------------------------------------------------------------

// BarStreamGatherer subscribes to minute bars for a symbol list and writes
// each bar to a BarStore as it arrives.
type BarStreamGatherer struct {
	apiKey    string
	apiSecret string
	streamURL string
	feed      marketdata.Feed
	symbols   []string
	store     store.BarStore
	backoff   util.Backoff
	log       *slog.Logger
}

// NewBarStreamGatherer creates a BarStreamGatherer configured with the given
// Alpaca credentials, WebSocket URL, feed and target store.
func NewBarStreamGatherer(apiKey, apiSecret, streamURL, feed string, symbols []string, s store.BarStore) *BarStreamGatherer {
	g := &BarStreamGatherer{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		streamURL: streamURL,
		feed:      marketdata.Feed(feed),
		symbols:   symbols,
		store:     s,
		log:       slog.Default().With("gatherer", "us-stream"),
	}
	g.backoff = util.Backoff{
		Base: time.Second,
		Max:  time.Minute,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			metrics.StreamReconnects.Inc()
			g.log.Warn("stream terminated, reconnecting", "attempt", attempt, "delay", delay, "err", err)
		},
	}
	return g
}

// Name returns the gatherer identifier.
func (g *BarStreamGatherer) Name() string { return "us-stream" }

// Run connects to the Alpaca stream and writes bars to the store. The SDK
// reconnects on its own; when it gives up, Run starts a fresh client with
// exponential backoff. It blocks until ctx is cancelled.
func (g *BarStreamGatherer) Run(ctx context.Context) error {
	if len(g.symbols) == 0 {
		return errors.New("stream: no symbols configured")
	}
	err := g.backoff.Retry(ctx, func() error { return g.session(ctx) })
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one client until it terminates.
func (g *BarStreamGatherer) session(ctx context.Context) error {
	opts := []stream.StockOption{
		stream.WithCredentials(g.apiKey, g.apiSecret),
		stream.WithBars(func(sb stream.Bar) { g.handleBar(ctx, sb) }, g.symbols...),
	}
	if g.streamURL != "" {
		opts = append(opts, stream.WithBaseURL(g.streamURL))
	}

	c := stream.NewStocksClient(g.feed, opts...)
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	g.log.Info("connected", "symbols", g.symbols, "feed", g.feed)

	select {
	case <-ctx.Done():
		<-c.Terminated()
		return nil
	case err := <-c.Terminated():
		if err == nil {
			err = errors.New("stream closed")
		}
		return err
	}
}

func (g *BarStreamGatherer) handleBar(ctx context.Context, sb stream.Bar) {
	bar, err := fromStreamBar(sb)
	if err != nil {
		g.log.Warn("skipping bar", "err", err)
		return
	}
	if err := g.store.WriteBars(ctx, []domain.Bar{bar}); err != nil {
		g.log.Error("writing bar failed", "symbol", bar.Symbol, "err", err)
		return
	}
	metrics.BarsIngested.WithLabelValues("stream").Inc()
	g.log.Debug("bar", "symbol", bar.Symbol, "ts", bar.Timestamp, "close", domain.FormatAmount(bar.Close))
}
