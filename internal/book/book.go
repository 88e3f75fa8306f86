package book

import (
	"fmt"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/domain"
)

// OrderID is the engine's internal order identifier: monotonically increasing
// per book instance, assigned at admission. Assignment order doubles as the
// time-priority tiebreaker.
type OrderID uint64

// Order is a resting or incoming order as seen by the matching engine.
type Order struct {
	EngineID    OrderID
	ExternalID  uuid.UUID
	Side        domain.Side
	Kind        domain.OrderKind
	Price       decimal.Decimal // zero for market orders
	Quantity    decimal.Decimal
	Remaining   decimal.Decimal
	MaxSlippage decimal.Decimal // market orders: worst acceptable price; zero when unset
}

// IsFilled reports whether nothing remains to match.
func (o *Order) IsFilled() bool {
	return o.Remaining.IsZero()
}

// Fill is one contact between the incoming order and one resting order.
// The ID is deterministic from engine state
// ("<buy_engine_id>:<sell_engine_id>:<trade_seq>"), stable across
// retransmission, unique per match.
type Fill struct {
	ID             string
	BuyOrderID     OrderID
	SellOrderID    OrderID
	BuyExternalID  uuid.UUID
	SellExternalID uuid.UUID
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	TakerSide      domain.Side
	Time           time.Time
}

// OrderResult is returned from AddLimit and AddMarket.
type OrderResult struct {
	EngineID OrderID
	Fills    []Fill
	// Remaining is the unmatched quantity. For a limit order it rests on
	// the book; for a market order it is NOT rested and the caller must
	// cancel the corresponding client order.
	Remaining decimal.Decimal
}

// entry cross-references an order with the level holding it. Market orders
// and fully filled orders are never indexed.
type entry struct {
	order *Order
	level *priceLevel
}

// Book is a price-time priority orderbook for a single symbol. It is not
// safe for concurrent use; the engine service serialises all access through
// its command loop.
type Book struct {
	bids *btree.BTreeG[*priceLevel] // Min() = highest price
	asks *btree.BTreeG[*priceLevel] // Min() = lowest price
	// index maps engine id to the level containing the order, for O(1)
	// cancellation.
	index    map[OrderID]entry
	nextID   OrderID
	tradeSeq uint64
}

const treeDegree = 32

// New creates an empty book.
func New() *Book {
	return NewSeeded(0)
}

// NewSeeded creates an empty book whose trade sequence starts above
// previously issued values, so fill ids stay unique across a restart that
// rebuilds the book.
func NewSeeded(tradeSeq uint64) *Book {
	return &Book{
		bids: btree.NewG(treeDegree, func(a, b *priceLevel) bool {
			return a.price.GreaterThan(b.price)
		}),
		asks: btree.NewG(treeDegree, func(a, b *priceLevel) bool {
			return a.price.LessThan(b.price)
		}),
		index:    make(map[OrderID]entry),
		nextID:   1,
		tradeSeq: tradeSeq,
	}
}

func (b *Book) side(s domain.Side) *btree.BTreeG[*priceLevel] {
	if s == domain.SideBid {
		return b.bids
	}
	return b.asks
}

// AddLimit admits a limit order: it matches against the opposite side while
// the book crosses, consuming resting orders FIFO within each level, and
// rests any remainder at the limit price.
func (b *Book) AddLimit(externalID uuid.UUID, side domain.Side, price, qty decimal.Decimal) OrderResult {
	order := &Order{
		EngineID:   b.assignID(),
		ExternalID: externalID,
		Side:       side,
		Kind:       domain.OrderKindLimit,
		Price:      price,
		Quantity:   qty,
		Remaining:  qty,
	}

	fills := b.match(order)

	if !order.IsFilled() {
		b.rest(order)
	}

	return OrderResult{EngineID: order.EngineID, Fills: fills, Remaining: order.Remaining}
}

// AddMarket admits a market order: it matches across levels until the
// quantity is satisfied, the opposite side is exhausted, or the next level
// breaches maxSlippage (worst acceptable price; zero disables the check).
// The residual is returned, never rested.
func (b *Book) AddMarket(externalID uuid.UUID, side domain.Side, qty, maxSlippage decimal.Decimal) OrderResult {
	order := &Order{
		EngineID:    b.assignID(),
		ExternalID:  externalID,
		Side:        side,
		Kind:        domain.OrderKindMarket,
		Quantity:    qty,
		Remaining:   qty,
		MaxSlippage: maxSlippage,
	}

	fills := b.match(order)

	return OrderResult{EngineID: order.EngineID, Fills: fills, Remaining: order.Remaining}
}

// Cancel removes a resting order by engine id. Returns false if the order is
// unknown (already filled, cancelled, or never rested).
func (b *Book) Cancel(id OrderID) bool {
	e, ok := b.index[id]
	if !ok {
		return false
	}
	delete(b.index, id)

	if !e.level.remove(id) {
		// Index said the order lives in this level but the level
		// disagrees. The book is corrupt; there is no safe recovery.
		panic(fmt.Sprintf("book: index desync for order %d at price %s", id, e.level.price))
	}
	if e.level.empty() {
		b.side(e.order.Side).Delete(e.level)
	}
	return true
}

// Lookup returns the resting order for an engine id.
func (b *Book) Lookup(id OrderID) (*Order, bool) {
	e, ok := b.index[id]
	if !ok {
		return nil, false
	}
	return e.order, true
}

// BestBid returns the highest bid price.
func (b *Book) BestBid() (decimal.Decimal, bool) {
	return bestPrice(b.bids)
}

// BestAsk returns the lowest ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) {
	return bestPrice(b.asks)
}

// Spread returns best_ask − best_bid when both sides are populated and the
// book does not cross.
func (b *Book) Spread() (decimal.Decimal, bool) {
	ask, okA := b.BestAsk()
	bid, okB := b.BestBid()
	if !okA || !okB || !ask.GreaterThan(bid) {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

// QuantityAt returns the total resting quantity at one price.
func (b *Book) QuantityAt(side domain.Side, price decimal.Decimal) decimal.Decimal {
	level, ok := b.side(side).Get(&priceLevel{price: price})
	if !ok {
		return decimal.Zero
	}
	return level.total
}

// Levels returns up to n aggregated levels from one side, best price first.
func (b *Book) Levels(side domain.Side, n int) []Level {
	if n <= 0 {
		return nil
	}
	levels := make([]Level, 0, n)
	b.side(side).Ascend(func(l *priceLevel) bool {
		levels = append(levels, Level{
			Price:      l.price,
			Quantity:   l.total,
			OrderCount: len(l.orders),
		})
		return len(levels) < n
	})
	return levels
}

// Walk visits every aggregated level on one side, best price first, until fn
// returns false.
func (b *Book) Walk(side domain.Side, fn func(Level) bool) {
	b.side(side).Ascend(func(l *priceLevel) bool {
		return fn(Level{
			Price:      l.price,
			Quantity:   l.total,
			OrderCount: len(l.orders),
		})
	})
}

// OpenOrders returns a snapshot of every resting order, used for resync.
func (b *Book) OpenOrders() []Order {
	orders := make([]Order, 0, len(b.index))
	for _, e := range b.index {
		orders = append(orders, *e.order)
	}
	return orders
}

// Len returns the number of resting orders.
func (b *Book) Len() int {
	return len(b.index)
}

func (b *Book) assignID() OrderID {
	id := b.nextID
	b.nextID++
	return id
}

// match consumes the opposite side while prices cross (or unconditionally
// for market orders within slippage), producing fills at the RESTING order's
// price. Fully consumed levels are removed as the sweep proceeds.
func (b *Book) match(order *Order) []Fill {
	opposite := b.side(order.Side.Opposite())
	var fills []Fill
	now := time.Now()

	for !order.IsFilled() {
		level, ok := opposite.Min()
		if !ok {
			break
		}
		if !b.crosses(order, level.price) {
			break
		}

		for len(level.orders) > 0 && !order.IsFilled() {
			resting := level.orders[0]
			qty := decimal.Min(order.Remaining, resting.Remaining)

			order.Remaining = order.Remaining.Sub(qty)
			resting.Remaining = resting.Remaining.Sub(qty)
			level.consume(qty)

			fills = append(fills, b.makeFill(order, resting, level.price, qty, now))

			if resting.IsFilled() {
				level.orders = level.orders[1:]
				delete(b.index, resting.EngineID)
			}
		}

		if level.empty() {
			opposite.Delete(level)
		}
	}

	return fills
}

// crosses reports whether the incoming order may trade at the given resting
// price.
func (b *Book) crosses(order *Order, restingPrice decimal.Decimal) bool {
	if order.Kind == domain.OrderKindMarket {
		if order.MaxSlippage.IsZero() {
			return true
		}
		// Bid ceiling / ask floor: reject levels beyond the worst
		// acceptable price.
		if order.Side == domain.SideBid {
			return restingPrice.LessThanOrEqual(order.MaxSlippage)
		}
		return restingPrice.GreaterThanOrEqual(order.MaxSlippage)
	}
	if order.Side == domain.SideBid {
		return restingPrice.LessThanOrEqual(order.Price)
	}
	return restingPrice.GreaterThanOrEqual(order.Price)
}

func (b *Book) makeFill(taker, resting *Order, price, qty decimal.Decimal, ts time.Time) Fill {
	b.tradeSeq++

	buy, sell := taker, resting
	if taker.Side == domain.SideAsk {
		buy, sell = resting, taker
	}
	return Fill{
		ID:             fmt.Sprintf("%d:%d:%d", buy.EngineID, sell.EngineID, b.tradeSeq),
		BuyOrderID:     buy.EngineID,
		SellOrderID:    sell.EngineID,
		BuyExternalID:  buy.ExternalID,
		SellExternalID: sell.ExternalID,
		Price:          price,
		Quantity:       qty,
		TakerSide:      taker.Side,
		Time:           ts,
	}
}

// FillSeq extracts the trade sequence component from a fill id. Used when
// seeding a new book past previously issued sequences.
func FillSeq(fillID string) (uint64, bool) {
	var buy, sell, seq uint64
	if _, err := fmt.Sscanf(fillID, "%d:%d:%d", &buy, &sell, &seq); err != nil {
		return 0, false
	}
	return seq, true
}

func (b *Book) rest(order *Order) {
	tree := b.side(order.Side)
	level, ok := tree.Get(&priceLevel{price: order.Price})
	if !ok {
		level = newPriceLevel(order.Price)
		tree.ReplaceOrInsert(level)
	}
	level.add(order)
	b.index[order.EngineID] = entry{order: order, level: level}
}

func bestPrice(tree *btree.BTreeG[*priceLevel]) (decimal.Decimal, bool) {
	level, ok := tree.Min()
	if !ok {
		return decimal.Zero, false
	}
	return level.price, true
}
