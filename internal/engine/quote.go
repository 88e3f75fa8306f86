package engine

import (
	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/book"
	"github.com/kcnex/core/internal/domain"
)

// QuoteResult holds the result of a market order simulation.
type QuoteResult struct {
	QuantityAvailable decimal.Decimal
	FullyFillable     bool
	EstimatedAvgPrice *decimal.Decimal // nil when no liquidity
	EstimatedTotal    *decimal.Decimal // nil when no liquidity
	PriceLevels       []book.Level
}

// quote performs a read-only walk of the opposite side of the book to
// estimate the result of a market order without placing it. For bid quotes
// it walks asks (lowest first); for ask quotes it walks bids (highest
// first). Runs inside the engine loop, so the book is stable.
func (s *Service) quote(side domain.Side, quantity decimal.Decimal) QuoteResult {
	result := QuoteResult{PriceLevels: make([]book.Level, 0)}

	remaining := quantity
	totalCost := decimal.Zero

	s.book.Walk(side.Opposite(), func(level book.Level) bool {
		if !remaining.IsPositive() {
			return false
		}
		fillQty := decimal.Min(remaining, level.Quantity)
		totalCost = totalCost.Add(level.Price.Mul(fillQty))
		result.QuantityAvailable = result.QuantityAvailable.Add(fillQty)
		remaining = remaining.Sub(fillQty)

		result.PriceLevels = append(result.PriceLevels, book.Level{
			Price:    level.Price,
			Quantity: fillQty,
		})
		return true
	})

	if result.QuantityAvailable.IsPositive() {
		avg := totalCost.DivRound(result.QuantityAvailable, domain.DecimalPlaces)
		result.EstimatedAvgPrice = &avg
		result.EstimatedTotal = &totalCost
	}
	result.FullyFillable = result.QuantityAvailable.GreaterThanOrEqual(quantity)

	return result
}
