package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/book"
)

// Event is an asynchronous notification from the engine loop. Events for one
// order are delivered in a fixed order: Accepted (or Rejected) first, then
// every Fill, then Cancelled if the order left the book unfilled. The event
// channel is reliable: the loop blocks rather than drop one.
type Event interface {
	isEvent()
}

// Accepted reports admission and binds the external id to the engine id.
type Accepted struct {
	OrderID  uuid.UUID
	EngineID book.OrderID
}

// Rejected reports refusal before any match. Reason is one of the domain
// sentinel errors.
type Rejected struct {
	OrderID uuid.UUID
	Reason  error
}

// Filled carries one match. Both orders' events reference the same fill id.
type Filled struct {
	Fill book.Fill
}

// Cancelled reports that an order left the book with quantity unfilled,
// whether by explicit cancel, market-order residual, or slippage cutoff.
type Cancelled struct {
	OrderID   uuid.UUID
	Remaining decimal.Decimal
}

func (Accepted) isEvent()  {}
func (Rejected) isEvent()  {}
func (Filled) isEvent()    {}
func (Cancelled) isEvent() {}

// LevelChange is one price level whose aggregate quantity changed since the
// previous delta. Old or New is zero for appearing/disappearing levels.
type LevelChange struct {
	Price decimal.Decimal
	Old   decimal.Decimal
	New   decimal.Decimal
}

// TradeTick is one fill as seen by the market data stream.
type TradeTick struct {
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	TakerSide string
	Time      time.Time
}

// Stats24h is the rolling 24-hour market summary attached to every delta.
type Stats24h struct {
	High   decimal.Decimal
	Low    decimal.Decimal
	Open   decimal.Decimal
	Last   decimal.Decimal
	Volume decimal.Decimal
}

// BookDelta is one publisher tick: the top-of-book changes since the
// previous delta, the trades that happened in the interval, and the rolling
// stats. Seq is strictly monotonic; a gap tells the consumer to resync via
// Snapshot. Deltas are droppable under backpressure.
type BookDelta struct {
	Seq        uint64
	Symbol     string
	Time       time.Time
	BidChanges []LevelChange
	AskChanges []LevelChange
	TotalBid   decimal.Decimal
	TotalAsk   decimal.Decimal
	Trades     []TradeTick
	Stats      Stats24h
}

// Snapshot is a full resync dump: the aggregated book, every resting order,
// and the sequence number the next delta will follow.
type Snapshot struct {
	Symbol     string
	Seq        uint64
	Bids       []book.Level
	Asks       []book.Level
	OpenOrders []book.Order
	Stats      Stats24h
}
