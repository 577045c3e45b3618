package store

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"stockwatch/internal/domain"
)

// BarCSV is the CSV layout for importing and exporting bars. Prices are
// decimal dollars; the timestamp is RFC 3339 or a plain YYYY-MM-DD date.
type BarCSV struct {
	Symbol    string `csv:"symbol"`
	Timestamp string `csv:"timestamp"`
	Open      string `csv:"open"`
	High      string `csv:"high"`
	Low       string `csv:"low"`
	Close     string `csv:"close"`
	Volume    int64  `csv:"volume"`
}

// ToModel converts the CSV row into a scaled-integer bar. Negative or
// out-of-range prices and negative volumes are rejected.
func (r BarCSV) ToModel() (domain.Bar, error) {
	ts, err := parseCSVTime(r.Timestamp)
	if err != nil {
		return domain.Bar{}, err
	}

	b := domain.Bar{
		Symbol:    strings.ToUpper(strings.TrimSpace(r.Symbol)),
		Timestamp: ts,
		Volume:    r.Volume,
	}
	if b.Symbol == "" {
		return domain.Bar{}, fmt.Errorf("empty symbol at %s", r.Timestamp)
	}
	for _, f := range []struct {
		dst *int64
		src string
	}{
		{&b.Open, r.Open},
		{&b.High, r.High},
		{&b.Low, r.Low},
		{&b.Close, r.Close},
	} {
		v, err := domain.ParseAmount(strings.TrimSpace(f.src))
		if err != nil {
			return domain.Bar{}, fmt.Errorf("%s@%s: %w", b.Symbol, r.Timestamp, err)
		}
		if v < 0 {
			return domain.Bar{}, fmt.Errorf("%s@%s: negative price %s", b.Symbol, r.Timestamp, f.src)
		}
		*f.dst = v
	}
	if b.Volume < 0 {
		return domain.Bar{}, fmt.Errorf("%s@%s: negative volume %d", b.Symbol, r.Timestamp, b.Volume)
	}
	return b, nil
}

func parseCSVTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

// ReadCSV parses bars from r. The first line must be the header
// symbol,timestamp,open,high,low,close,volume.
func ReadCSV(r io.Reader) ([]domain.Bar, error) {
	var rows []BarCSV
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("unmarshalling csv: %w", err)
	}

	bars := make([]domain.Bar, 0, len(rows))
	for i, row := range rows {
		b, err := row.ToModel()
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// WriteCSV writes bars to w in the ReadCSV layout.
func WriteCSV(w io.Writer, bars []domain.Bar) error {
	rows := make([]BarCSV, len(bars))
	for i, b := range bars {
		rows[i] = BarCSV{
			Symbol:    b.Symbol,
			Timestamp: b.Timestamp.UTC().Format(time.RFC3339),
			Open:      domain.FormatAmount(b.Open),
			High:      domain.FormatAmount(b.High),
			Low:       domain.FormatAmount(b.Low),
			Close:     domain.FormatAmount(b.Close),
			Volume:    b.Volume,
		}
	}
	return gocsv.Marshal(&rows, w)
}
