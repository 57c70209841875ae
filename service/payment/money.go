package payment

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

var (
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

// inInt64Range reports whether a whole decimal fits in an int64. IntPart
// wraps silently outside this range.
func inInt64Range(d decimal.Decimal) bool {
	return d.GreaterThanOrEqual(minInt64) && d.LessThanOrEqual(maxInt64)
}

// currencyExponent holds ISO 4217 minor-unit exponents that differ from 2.
var currencyExponent = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"XOF": 0,
	"XAF": 0,
	"UGX": 0,
	"RWF": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
}

// Exponent returns the number of minor-unit digits for a currency.
func Exponent(currency string) int32 {
	if e, ok := currencyExponent[currency]; ok {
		return e
	}
	return 2
}

// ParseMinorUnits converts a major-unit decimal string ("500.00") into an
// integer amount of minor units. Amounts with more precision than the
// currency allows are rejected rather than rounded.
func ParseMinorUnits(amount, currency string) (int64, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrInvalidInput, amount, err)
	}
	minor := d.Shift(Exponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: amount %q has more than %d decimal places for %s", ErrInvalidInput, amount, Exponent(currency), currency)
	}
	if !minor.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if !inInt64Range(minor) {
		return 0, fmt.Errorf("%w: amount %q is out of range", ErrInvalidInput, amount)
	}
	return minor.IntPart(), nil
}

// FormatMinorUnits renders minor units as a major-unit string.
func FormatMinorUnits(amount int64, currency string) string {
	exp := Exponent(currency)
	return decimal.New(amount, -exp).StringFixed(exp) + " " + currency
}

// IntegerAmount parses a JSON number that must hold a whole number of minor
// units. Gateways sometimes send 50000.00 for 50000.
func IntegerAmount(num string) (int64, error) {
	d, err := decimal.NewFromString(num)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", num, err)
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("amount %q is not a whole number of minor units", num)
	}
	if !inInt64Range(d) {
		return 0, fmt.Errorf("amount %q is out of range", num)
	}
	return d.IntPart(), nil
}
