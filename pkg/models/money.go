package models

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Micros is an amount of money in millionths of a US dollar. The ledger keeps
// every counter in Micros so that store-side arithmetic stays exact.
type Micros int64

// MaxMicros is the largest amount the store keeps exactly. Lua numbers are
// doubles, so counters above 2^53 would lose precision in the scripts.
const MaxMicros Micros = 1 << 53

// USD converts a dollar amount to Micros, rounding half away from zero.
// Amounts outside the int64 range saturate; NaN converts to zero.
func USD(amount float64) Micros {
	v := math.Round(amount * 1e6)
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	case v <= math.MinInt64:
		return math.MinInt64
	}
	return Micros(v)
}

// Float returns the amount in dollars.
func (m Micros) Float() float64 { return float64(m) / 1e6 }

// Decimal returns the exact decimal value of the amount in dollars.
func (m Micros) Decimal() decimal.Decimal { return decimal.New(int64(m), -6) }

// String formats the amount as dollars with four decimal places.
func (m Micros) String() string { return "$" + m.Decimal().StringFixed(4) }

// ParseUSD parses a dollar amount such as "25.50" or "$3" without going
// through binary floating point.
func ParseUSD(s string) (Micros, error) {
	if len(s) > 0 && s[0] == '$' {
		s = s[1:]
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return Micros(d.Shift(6).Round(0).IntPart()), nil
}
