package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DecimalPlaces is the fractional precision for every price, quantity and
// balance amount in the system. Arithmetic is exact; only the rounding
// helpers below may reduce scale.
const DecimalPlaces = 8

// RoundFee rounds a fee amount to 8 decimal places using banker's rounding
// (half-even), so that repeated fee postings don't drift in one direction.
func RoundFee(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(DecimalPlaces)
}

// CeilAmount rounds an amount up to 8 decimal places. Used when computing
// lock amounts for market buys: the reservation must never be smaller than
// the worst-case cost.
func CeilAmount(d decimal.Decimal) decimal.Decimal {
	return d.RoundCeil(DecimalPlaces)
}

// ParseAmount parses a positive decimal with at most 8 fractional digits.
// It validates that the input has no excess precision and returns an error
// otherwise; quantities and prices submitted by clients all go through here.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	if d.Exponent() < -DecimalPlaces {
		return decimal.Zero, fmt.Errorf("amounts must have at most %d decimal places", DecimalPlaces)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be greater than 0")
	}
	return d, nil
}
