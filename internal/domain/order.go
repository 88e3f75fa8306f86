package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderKind distinguishes limit orders from market orders.
type OrderKind string

const (
	OrderKindLimit  OrderKind = "limit"
	OrderKindMarket OrderKind = "market"
)

// Side indicates whether an order is a bid (buy) or ask (sell).
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// OrderStatus represents the lifecycle state of a client order.
//
// Pending: created and funds locked, not yet acknowledged by the engine.
// Open: acknowledged, resting (or about to match).
// PartiallyFilled / Filled: fill progress.
// Cancelled: removed before completion; market-order residuals end here
// even when partially filled.
// Rejected: refused before any match; the lock is reversed.
// Expired: reserved for time-limited orders.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// ClientOrder is the client-visible order record, identified by a UUID chosen
// by the coordinator. The engine's internal numeric id is bound to it for the
// order's lifetime but never exposed.
type ClientOrder struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Symbol         string
	Side           Side
	Kind           OrderKind
	Price          decimal.Decimal // zero for market sells; lock ceiling for market buys
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Status         OrderStatus
	LockEntryID    uuid.UUID
	LockAsset      string
	LockAmount     decimal.Decimal
	MaxSlippage    decimal.Decimal // market orders only; zero when unset
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RemainingQuantity returns the unfilled portion.
func (o *ClientOrder) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// CanCancel reports whether the order may still be cancelled.
func (o *ClientOrder) CanCancel() bool {
	switch o.Status {
	case OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled:
		return true
	}
	return false
}
