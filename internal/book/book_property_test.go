package book

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/kcnex/core/internal/domain"
)

func genPrice() *rapid.Generator[decimal.Decimal] {
	return rapid.Custom(func(t *rapid.T) decimal.Decimal {
		cents := rapid.Int64Range(1, 20000).Draw(t, "cents")
		return decimal.New(cents, -2)
	})
}

func genQty() *rapid.Generator[decimal.Decimal] {
	return rapid.Custom(func(t *rapid.T) decimal.Decimal {
		units := rapid.Int64Range(1, 1_000_000).Draw(t, "units")
		return decimal.New(units, -4)
	})
}

func genSide() *rapid.Generator[domain.Side] {
	return rapid.SampledFrom([]domain.Side{domain.SideBid, domain.SideAsk})
}

// The book must never cross: after any sequence of operations the best bid
// stays strictly below the best ask.
func TestProperty_BookNeverCrossed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New()
		var resting []OrderID

		ops := rapid.IntRange(1, 60).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				res := b.AddLimit(uuid.New(), genSide().Draw(t, "side"), genPrice().Draw(t, "price"), genQty().Draw(t, "qty"))
				if res.Remaining.IsPositive() {
					resting = append(resting, res.EngineID)
				}
			case 1:
				b.AddMarket(uuid.New(), genSide().Draw(t, "side"), genQty().Draw(t, "qty"), decimal.Zero)
			case 2:
				if len(resting) > 0 {
					idx := rapid.IntRange(0, len(resting)-1).Draw(t, "idx")
					b.Cancel(resting[idx])
				}
			}

			bid, okB := b.BestBid()
			ask, okA := b.BestAsk()
			if okB && okA && !bid.LessThan(ask) {
				t.Fatalf("book crossed: best bid %s >= best ask %s", bid, ask)
			}
		}
	})
}

// Every admitted order's quantity splits exactly into its fills plus its
// remainder; nothing is created or lost by matching.
func TestProperty_QuantityConserved(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New()

		ops := rapid.IntRange(1, 50).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			side := genSide().Draw(t, "side")
			qty := genQty().Draw(t, "qty")

			var res OrderResult
			if rapid.Bool().Draw(t, "market") {
				res = b.AddMarket(uuid.New(), side, qty, decimal.Zero)
			} else {
				res = b.AddLimit(uuid.New(), side, genPrice().Draw(t, "price"), qty)
			}

			filled := decimal.Zero
			for _, f := range res.Fills {
				if !f.Quantity.IsPositive() {
					t.Fatalf("non-positive fill quantity %s", f.Quantity)
				}
				filled = filled.Add(f.Quantity)
			}
			if !filled.Add(res.Remaining).Equal(qty) {
				t.Fatalf("quantity not conserved: filled %s + remaining %s != submitted %s",
					filled, res.Remaining, qty)
			}
		}
	})
}

// Fills within one level consume resting orders in admission order.
func TestProperty_FIFOWithinLevel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New()
		price := genPrice().Draw(t, "price")

		n := rapid.IntRange(2, 8).Draw(t, "n")
		ids := make([]uuid.UUID, n)
		total := decimal.Zero
		for i := 0; i < n; i++ {
			ids[i] = uuid.New()
			qty := genQty().Draw(t, "qty")
			total = total.Add(qty)
			b.AddLimit(ids[i], domain.SideBid, price, qty)
		}

		res := b.AddLimit(uuid.New(), domain.SideAsk, price, total)

		if len(res.Fills) != n {
			t.Fatalf("fills = %d, want %d", len(res.Fills), n)
		}
		for i, f := range res.Fills {
			if f.BuyExternalID != ids[i] {
				t.Fatalf("fill %d hit order %s, want %s", i, f.BuyExternalID, ids[i])
			}
		}
		if !res.Remaining.IsZero() {
			t.Fatalf("remaining = %s, want 0", res.Remaining)
		}
	})
}
