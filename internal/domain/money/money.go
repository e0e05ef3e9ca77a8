// Package money holds helpers for amounts expressed in minor currency units.
//
// Amounts cross every boundary as int64 minor units. Intermediate arithmetic
// runs on decimal.Decimal and is rounded exactly once, half-up, when an
// amount is produced for display or storage.
package money

import "github.com/shopspring/decimal"

var (
	half    = decimal.New(5, -1)
	hundred = decimal.NewFromInt(100)
)

// Zero is the zero decimal amount.
var Zero = decimal.Zero

// Dec converts a minor-unit amount to a decimal.
func Dec(amount int64) decimal.Decimal {
	return decimal.NewFromInt(amount)
}

// Round rounds half-up (towards positive infinity on ties) to whole minor units.
func Round(d decimal.Decimal) int64 {
	return d.Add(half).Floor().IntPart()
}

// Percent returns d * pct / 100 without rounding.
func Percent(d, pct decimal.Decimal) decimal.Decimal {
	return d.Mul(pct).Div(hundred)
}

// Factor returns 1 + pct/100.
func Factor(pct decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Add(pct.Div(hundred))
}

// FloorAtZero clamps negative values to zero.
func FloorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return Zero
	}
	return d
}

// Sum adds minor-unit amounts.
func Sum(amounts ...int64) int64 {
	var total int64
	for _, a := range amounts {
		total += a
	}
	return total
}
