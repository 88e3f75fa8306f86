package book

import (
	"github.com/shopspring/decimal"
)

// priceLevel holds the resting orders at one price, in arrival order, with a
// cached sum of remaining quantities. The cache and the queue are maintained
// together: a level is dead only when the cache is zero AND the queue is
// empty, since a pending removal may coexist with a partial fill.
type priceLevel struct {
	price  decimal.Decimal
	orders []*Order
	total  decimal.Decimal
}

func newPriceLevel(price decimal.Decimal) *priceLevel {
	return &priceLevel{price: price, total: decimal.Zero}
}

func (l *priceLevel) add(o *Order) {
	l.orders = append(l.orders, o)
	l.total = l.total.Add(o.Remaining)
}

// remove deletes the order with the given engine id from the queue,
// preserving FIFO order of the rest. Returns false if the order isn't here.
func (l *priceLevel) remove(id OrderID) bool {
	for i, o := range l.orders {
		if o.EngineID == id {
			l.total = l.total.Sub(o.Remaining)
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			return true
		}
	}
	return false
}

// consume reduces the front order's remaining quantity and the cached total.
func (l *priceLevel) consume(qty decimal.Decimal) {
	l.total = l.total.Sub(qty)
}

func (l *priceLevel) empty() bool {
	return len(l.orders) == 0 && l.total.IsZero()
}

// Level is an aggregated view of one price level, as exposed to the
// publisher and the REST book endpoint.
type Level struct {
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	OrderCount int
}
