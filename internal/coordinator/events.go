package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	tomb "gopkg.in/tomb.v2"

	"github.com/kcnex/core/internal/book"
	"github.com/kcnex/core/internal/domain"
	"github.com/kcnex/core/internal/engine"
	"github.com/kcnex/core/internal/ledger"
)

const settleAttempts = 3

// Run consumes engine events until the context ends. Fills are applied in
// arrival order; every handler tolerates duplicate delivery.
func (c *Coordinator) Run(ctx context.Context) error {
	t, _ := tomb.WithContext(ctx)
	t.Go(func() error {
		defer close(c.done)
		for {
			select {
			case <-t.Dying():
				return nil
			case ev := <-c.engine.Events():
				c.dispatch(ev)
			}
		}
	})
	return t.Wait()
}

func (c *Coordinator) dispatch(ev engine.Event) {
	switch e := ev.(type) {
	case engine.Accepted:
		c.onAccepted(e)
	case engine.Rejected:
		c.onRejected(e)
	case engine.Filled:
		c.onFill(e.Fill)
	case engine.Cancelled:
		c.onCancelled(e)
	}
}

func (c *Coordinator) onAccepted(ev engine.Accepted) {
	c.orders.Update(ev.OrderID, func(o *domain.ClientOrder) error {
		if o.Status == domain.OrderStatusPending {
			o.Status = domain.OrderStatusOpen
			o.UpdatedAt = time.Now()
		}
		return nil
	})
	c.signal(ev.OrderID, nil)
}

func (c *Coordinator) onRejected(ev engine.Rejected) {
	var unlockUser uuid.UUID
	var unlockAsset string
	unlockAmount := decimal.Zero

	c.orders.Update(ev.OrderID, func(o *domain.ClientOrder) error {
		if o.Status != domain.OrderStatusPending {
			// A cancel for an already-settled order also comes back as
			// rejected; there is nothing to reverse.
			return domain.ErrConflict
		}
		o.Status = domain.OrderStatusRejected
		unlockUser, unlockAsset, unlockAmount = o.UserID, o.LockAsset, o.LockAmount
		o.LockAmount = decimal.Zero
		o.UpdatedAt = time.Now()
		return nil
	})
	if unlockAmount.IsPositive() {
		c.ledger.UnlockFunds(unlockUser, unlockAsset, unlockAmount, ev.OrderID)
	}
	c.signal(ev.OrderID, ev.Reason)
}

// onFill settles one match and applies it to both client orders. Safe to
// call twice with the same fill: the coordinator tracks applied fill ids and
// the ledger is idempotent underneath.
func (c *Coordinator) onFill(fill book.Fill) {
	c.mu.Lock()
	if _, dup := c.applied[fill.ID]; dup {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	buyOrder, buyErr := c.orders.Get(fill.BuyExternalID)
	sellOrder, sellErr := c.orders.Get(fill.SellExternalID)

	params := ledger.SettleParams{
		FillID:      fill.ID,
		Symbol:      c.cfg.Symbol,
		BuyOrderID:  fill.BuyExternalID,
		SellOrderID: fill.SellExternalID,
		Price:       fill.Price,
		Quantity:    fill.Quantity,
		TakerSide:   fill.TakerSide,
		Time:        fill.Time,
	}
	if buyErr == nil {
		params.BuyerID = buyOrder.UserID
	}
	if sellErr == nil {
		params.SellerID = sellOrder.UserID
	}

	trade, err := c.settleWithRetry(params)
	if err != nil {
		c.deadLetter(fill.ID, err)
		return
	}
	if c.onTrade != nil {
		c.onTrade(trade)
	}

	quoteAmount := fill.Price.Mul(fill.Quantity)
	if buyErr == nil {
		c.applyFill(fill.BuyExternalID, fill.Quantity, quoteAmount)
	}
	if sellErr == nil {
		c.applyFill(fill.SellExternalID, fill.Quantity, fill.Quantity)
	}

	c.mu.Lock()
	c.applied[fill.ID] = struct{}{}
	c.mu.Unlock()
}

// applyFill advances one order's fill progress and releases any lock left
// over once the order completes. consumed is how much of the order's
// reservation this fill burned: the quote amount for buyers, the base
// quantity for sellers.
func (c *Coordinator) applyFill(orderID uuid.UUID, qty, consumed decimal.Decimal) {
	var dustUser uuid.UUID
	var dustAsset string
	dust := decimal.Zero

	updated, err := c.orders.Update(orderID, func(o *domain.ClientOrder) error {
		o.FilledQuantity = o.FilledQuantity.Add(qty)
		o.LockAmount = o.LockAmount.Sub(consumed)
		o.UpdatedAt = time.Now()

		if o.FilledQuantity.GreaterThanOrEqual(o.Quantity) {
			o.Status = domain.OrderStatusFilled
			// Price improvement and market over-locks leave a remainder
			// on a completed order; release it.
			if o.LockAmount.IsPositive() {
				dustUser, dustAsset, dust = o.UserID, o.LockAsset, o.LockAmount
				o.LockAmount = decimal.Zero
			}
		} else {
			o.Status = domain.OrderStatusPartiallyFilled
		}
		return nil
	})
	if err != nil {
		c.log.Error("fill applied to unknown order", "order_id", orderID, "error", err)
		return
	}
	if dust.IsPositive() {
		c.ledger.UnlockFunds(dustUser, dustAsset, dust, orderID)
	}
	if updated.Status == domain.OrderStatusFilled && c.notifier != nil {
		c.notifier.OrderFilled(updated.UserID, updated.ID)
	}
}

// onCancelled releases the unfilled portion of the reservation. An order
// that was already fully filled when the cancel landed stays Filled; market
// residuals end Cancelled even after partial fills.
func (c *Coordinator) onCancelled(ev engine.Cancelled) {
	var unlockUser uuid.UUID
	var unlockAsset string
	unlockAmount := decimal.Zero

	updated, err := c.orders.Update(ev.OrderID, func(o *domain.ClientOrder) error {
		if o.Status.IsTerminal() {
			return domain.ErrConflict
		}
		if o.FilledQuantity.GreaterThanOrEqual(o.Quantity) {
			o.Status = domain.OrderStatusFilled
		} else {
			o.Status = domain.OrderStatusCancelled
		}
		unlockUser, unlockAsset, unlockAmount = o.UserID, o.LockAsset, o.LockAmount
		o.LockAmount = decimal.Zero
		o.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return
	}
	if unlockAmount.IsPositive() {
		c.ledger.UnlockFunds(unlockUser, unlockAsset, unlockAmount, ev.OrderID)
	}
	if c.notifier != nil {
		c.notifier.OrderCancelled(updated.UserID, updated.ID, updated.FilledQuantity)
	}
}

func (c *Coordinator) settleWithRetry(params ledger.SettleParams) (ledger.Trade, error) {
	backoff := c.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt < settleAttempts; attempt++ {
		trade, err := c.ledger.SettleFill(params)
		if err == nil {
			return trade, nil
		}
		lastErr = err
		c.log.Warn("settlement failed",
			"fill_id", params.FillID,
			"attempt", attempt+1,
			"error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
	return ledger.Trade{}, fmt.Errorf("settle fill %s: %w", params.FillID, lastErr)
}

func (c *Coordinator) deadLetter(fillID string, err error) {
	dl := DeadLetter{FillID: fillID, Err: err, Time: time.Now()}
	select {
	case c.deadLetters <- dl:
	default:
	}
	c.log.Error("settlement dead-lettered", "fill_id", fillID, "error", err)
}

func (c *Coordinator) signal(orderID uuid.UUID, result error) {
	c.mu.Lock()
	waiter, ok := c.waiters[orderID]
	c.mu.Unlock()
	if ok {
		select {
		case waiter <- result:
		default:
		}
	}
}
