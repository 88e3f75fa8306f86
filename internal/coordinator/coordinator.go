// Package coordinator drives the client order lifecycle: it locks funds
// before submission, applies engine events to the ledger and the order
// store, and keeps the two consistent under retries and duplicate delivery.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/domain"
	"github.com/kcnex/core/internal/engine"
	"github.com/kcnex/core/internal/ledger"
	"github.com/kcnex/core/internal/store"
)

// Engine is the coordinator's view of the matching engine.
type Engine interface {
	SubmitPlace(context.Context, engine.PlaceCommand) error
	SubmitCancel(context.Context, engine.CancelCommand) error
	Quote(context.Context, domain.Side, decimal.Decimal) (engine.QuoteResult, error)
	Events() <-chan engine.Event
}

// Notifier receives order lifecycle pushes for connected clients. May be
// left unset.
type Notifier interface {
	OrderFilled(userID, orderID uuid.UUID)
	OrderCancelled(userID, orderID uuid.UUID, filled decimal.Decimal)
}

// Config tunes submission and settlement behaviour.
type Config struct {
	Symbol domain.Symbol
	// LockSlippagePct pads the derived price ceiling for market buys
	// without an explicit slippage bound: the worst quoted level is grossed
	// up by this fraction and submitted as the execution bound.
	LockSlippagePct decimal.Decimal
	CommandTimeout  time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockSlippagePct.IsZero() {
		c.LockSlippagePct = decimal.NewFromFloat(0.05)
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	return c
}

// DeadLetter records a settlement that kept failing after retries. Someone
// has to look at these; they are surfaced on a channel and logged at error
// level.
type DeadLetter struct {
	FillID string
	Err    error
	Time   time.Time
}

// Coordinator implements the order lifecycle over one engine, one ledger and
// one order store.
type Coordinator struct {
	cfg      Config
	log      *slog.Logger
	ledger   *ledger.Ledger
	orders   *store.OrderStore
	engine   Engine
	notifier Notifier
	onTrade  func(ledger.Trade)

	mu      sync.Mutex
	waiters map[uuid.UUID]chan error // place() callers awaiting admission
	applied map[string]struct{}      // fill ids already applied to orders

	deadLetters chan DeadLetter
	done        chan struct{}
}

// New creates a coordinator. Call Run to start consuming engine events.
func New(cfg Config, led *ledger.Ledger, orders *store.OrderStore, eng Engine, log *slog.Logger) *Coordinator {
	return &Coordinator{
		cfg:         cfg.withDefaults(),
		log:         log.With("component", "coordinator"),
		ledger:      led,
		orders:      orders,
		engine:      eng,
		waiters:     make(map[uuid.UUID]chan error),
		applied:     make(map[string]struct{}),
		deadLetters: make(chan DeadLetter, 64),
		done:        make(chan struct{}),
	}
}

// SetNotifier attaches the push sink for order lifecycle updates. Must be
// called before Run.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.notifier = n
}

// SetTradeSink attaches a hook invoked with every newly settled trade, after
// the ledger commit. Must be called before Run.
func (c *Coordinator) SetTradeSink(fn func(ledger.Trade)) {
	c.onTrade = fn
}

// DeadLetters exposes settlements that exhausted their retry budget.
func (c *Coordinator) DeadLetters() <-chan DeadLetter {
	return c.deadLetters
}

// PlaceRequest is a validated order submission.
type PlaceRequest struct {
	UserID      uuid.UUID
	Side        domain.Side
	Kind        domain.OrderKind
	Price       decimal.Decimal // limit orders
	Quantity    decimal.Decimal
	MaxSlippage decimal.Decimal // market orders, optional
}

// Place runs the full placement flow: lock funds, create the pending order,
// submit to the engine with retries, and wait for admission. On rejection or
// submission failure the lock is reversed before returning.
func (c *Coordinator) Place(ctx context.Context, req PlaceRequest) (domain.ClientOrder, error) {
	if err := c.validate(req); err != nil {
		return domain.ClientOrder{}, err
	}

	lockAsset, lockAmount, priceBound, err := c.lockFor(ctx, req)
	if err != nil {
		return domain.ClientOrder{}, err
	}

	now := time.Now()
	order := domain.ClientOrder{
		ID:          uuid.New(),
		UserID:      req.UserID,
		Symbol:      c.cfg.Symbol.String(),
		Side:        req.Side,
		Kind:        req.Kind,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Status:      domain.OrderStatusPending,
		LockAsset:   lockAsset,
		LockAmount:  lockAmount,
		MaxSlippage: req.MaxSlippage,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	lockEntry, err := c.ledger.LockFunds(req.UserID, lockAsset, lockAmount, order.ID)
	if err != nil {
		return domain.ClientOrder{}, err
	}
	order.LockEntryID = lockEntry.ID

	if err := c.orders.Create(order); err != nil {
		c.ledger.UnlockFunds(req.UserID, lockAsset, lockAmount, order.ID)
		return domain.ClientOrder{}, err
	}

	accepted := make(chan error, 1)
	c.mu.Lock()
	c.waiters[order.ID] = accepted
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, order.ID)
		c.mu.Unlock()
	}()

	if err := c.submitWithRetry(ctx, engine.PlaceCommand{
		OrderID:     order.ID,
		Side:        req.Side,
		Kind:        req.Kind,
		Price:       req.Price,
		Quantity:    req.Quantity,
		MaxSlippage: priceBound,
	}); err != nil {
		c.abandon(order.ID, "submission failed")
		return domain.ClientOrder{}, err
	}

	select {
	case err := <-accepted:
		if err != nil {
			return domain.ClientOrder{}, err
		}
	case <-time.After(c.cfg.CommandTimeout):
		c.abandon(order.ID, "admission timeout")
		return domain.ClientOrder{}, domain.ErrEngineUnavailable
	case <-ctx.Done():
		c.abandon(order.ID, "caller gone")
		return domain.ClientOrder{}, domain.ErrEngineUnavailable
	}

	return c.orders.Get(order.ID)
}

// Cancel submits a cancellation for the caller's order. The ledger reversal
// happens when the Cancelled event arrives, so fills racing the cancel are
// accounted first.
func (c *Coordinator) Cancel(ctx context.Context, userID, orderID uuid.UUID) (domain.ClientOrder, error) {
	order, err := c.orders.Get(orderID)
	if err != nil {
		return domain.ClientOrder{}, err
	}
	if order.UserID != userID {
		return domain.ClientOrder{}, domain.ErrUnauthorized
	}
	if !order.CanCancel() {
		return domain.ClientOrder{}, domain.ErrOrderNotOpen
	}

	if err := c.engine.SubmitCancel(ctx, engine.CancelCommand{OrderID: orderID}); err != nil {
		return domain.ClientOrder{}, err
	}
	return order, nil
}

// Order returns one order, enforcing ownership.
func (c *Coordinator) Order(userID, orderID uuid.UUID) (domain.ClientOrder, error) {
	order, err := c.orders.Get(orderID)
	if err != nil {
		return domain.ClientOrder{}, err
	}
	if order.UserID != userID {
		return domain.ClientOrder{}, domain.ErrUnauthorized
	}
	return order, nil
}

func (c *Coordinator) validate(req PlaceRequest) error {
	if req.UserID == uuid.Nil {
		return &domain.ValidationError{Message: "user id is required"}
	}
	if !req.Quantity.IsPositive() {
		return &domain.ValidationError{Message: "quantity must be greater than 0"}
	}
	switch req.Kind {
	case domain.OrderKindLimit:
		if !req.Price.IsPositive() {
			return &domain.ValidationError{Message: "limit orders require a positive price"}
		}
	case domain.OrderKindMarket:
		if !req.Price.IsZero() {
			return &domain.ValidationError{Message: "market orders must not carry a price"}
		}
		if req.MaxSlippage.IsNegative() {
			return &domain.ValidationError{Message: "max slippage must not be negative"}
		}
	default:
		return &domain.ValidationError{Message: "unknown order kind"}
	}
	switch req.Side {
	case domain.SideBid, domain.SideAsk:
	default:
		return &domain.ValidationError{Message: "unknown order side"}
	}
	return nil
}

// lockFor computes the reservation backing an order and the per-unit price
// bound submitted with it. Sells lock the base quantity; limit buys lock
// quantity times limit price. Market buys lock quantity times the price
// ceiling, so no sequence of fills inside the ceiling can consume more than
// was reserved; without an explicit bound the ceiling is derived from the
// worst quoted level, padded to absorb movement between quote and execution.
func (c *Coordinator) lockFor(ctx context.Context, req PlaceRequest) (string, decimal.Decimal, decimal.Decimal, error) {
	if req.Kind == domain.OrderKindMarket && req.MaxSlippage.IsPositive() {
		if err := c.checkTouch(ctx, req); err != nil {
			return "", decimal.Zero, decimal.Zero, err
		}
	}
	if req.Side == domain.SideAsk {
		return c.cfg.Symbol.Base, req.Quantity, req.MaxSlippage, nil
	}
	if req.Kind == domain.OrderKindLimit {
		return c.cfg.Symbol.Quote, req.Quantity.Mul(req.Price), decimal.Zero, nil
	}

	bound := req.MaxSlippage
	if !bound.IsPositive() {
		quote, err := c.engine.Quote(ctx, domain.SideBid, req.Quantity)
		if err != nil {
			return "", decimal.Zero, decimal.Zero, err
		}
		if quote.EstimatedTotal == nil || len(quote.PriceLevels) == 0 {
			return "", decimal.Zero, decimal.Zero, &domain.ValidationError{Message: "no liquidity for market order"}
		}
		worst := quote.PriceLevels[len(quote.PriceLevels)-1].Price
		bound = worst.Mul(decimal.NewFromInt(1).Add(c.cfg.LockSlippagePct))
	}
	return c.cfg.Symbol.Quote, domain.CeilAmount(req.Quantity.Mul(bound)), bound, nil
}

// checkTouch refuses market orders whose explicit price bound cannot reach
// the other side of the book: a buy capped below the best ask or a sell
// floored above the best bid would only ever cancel.
func (c *Coordinator) checkTouch(ctx context.Context, req PlaceRequest) error {
	quote, err := c.engine.Quote(ctx, req.Side, req.Quantity)
	if err != nil {
		return err
	}
	if len(quote.PriceLevels) == 0 {
		return nil
	}
	best := quote.PriceLevels[0].Price
	if req.Side == domain.SideBid && best.GreaterThan(req.MaxSlippage) {
		return domain.ErrSlippageExceeded
	}
	if req.Side == domain.SideAsk && best.LessThan(req.MaxSlippage) {
		return domain.ErrSlippageExceeded
	}
	return nil
}

func (c *Coordinator) submitWithRetry(ctx context.Context, cmd engine.PlaceCommand) error {
	backoff := c.cfg.RetryBackoff
	var err error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		err = c.engine.SubmitPlace(attemptCtx, cmd)
		cancel()
		if err == nil {
			return nil
		}
		c.log.Warn("place submission failed",
			"order_id", cmd.OrderID,
			"attempt", attempt+1,
			"error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return domain.ErrEngineUnavailable
		}
		backoff *= 2
	}
	return domain.ErrEngineUnavailable
}

// abandon reverses the lock of an order whose admission never concluded and
// marks it rejected.
func (c *Coordinator) abandon(orderID uuid.UUID, why string) {
	updated, err := c.orders.Update(orderID, func(o *domain.ClientOrder) error {
		if o.Status != domain.OrderStatusPending {
			return domain.ErrConflict
		}
		o.Status = domain.OrderStatusRejected
		o.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		// The engine confirmed concurrently; the normal flow owns the
		// lock now.
		return
	}
	if updated.LockAmount.IsPositive() {
		c.ledger.UnlockFunds(updated.UserID, updated.LockAsset, updated.LockAmount, updated.ID)
	}
	c.clearLock(orderID)
	c.log.Warn("order abandoned", "order_id", orderID, "reason", why)
}

func (c *Coordinator) clearLock(orderID uuid.UUID) {
	c.orders.Update(orderID, func(o *domain.ClientOrder) error {
		o.LockAmount = decimal.Zero
		return nil
	})
}
