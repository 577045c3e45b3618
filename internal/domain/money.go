package domain

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// PriceScale is the fixed-point factor applied to every price and cash
// amount: 1.0000 dollars is stored as 10000.
const PriceScale = 10000

var scale = decimal.NewFromInt(PriceScale)

// ErrAmountOutOfRange is returned when a price or amount does not fit a
// scaled int64.
var ErrAmountOutOfRange = errors.New("amount out of range")

// ScaleFloat converts a floating point price, as returned by market-data
// APIs, into a scaled integer rounded to the nearest unit.
func ScaleFloat(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("scaling %v: %w", f, ErrAmountOutOfRange)
	}
	return toScaled(decimal.NewFromFloat(f), fmt.Sprint(f))
}

// ParseAmount parses a decimal string such as "101.25" into a scaled
// integer. More than four fractional digits are rounded.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return toScaled(d, s)
}

func toScaled(d decimal.Decimal, src string) (int64, error) {
	v := d.Mul(scale).Round(0).BigInt()
	if !v.IsInt64() {
		return 0, fmt.Errorf("amount %s: %w", src, ErrAmountOutOfRange)
	}
	return v.Int64(), nil
}

// FormatAmount renders a scaled integer as a decimal string with four
// fractional digits.
func FormatAmount(v int64) string {
	return decimal.New(v, -scaleDigits).StringFixed(scaleDigits)
}

// scaleDigits is log10(PriceScale).
const scaleDigits = 4
