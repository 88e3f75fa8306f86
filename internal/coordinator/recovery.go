package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/domain"
	"github.com/kcnex/core/internal/engine"
)

// Recover reconciles journalled state after a restart. Orders that were
// still pending lost their admission race with the crash: their locks are
// reversed and they end rejected. Open and partially filled limit orders are
// resubmitted to the rebuilt book with their remaining quantity; resting
// orders never cross each other, so replay produces no fills. Settled fill
// ids are reloaded so redelivered events stay no-ops.
func (c *Coordinator) Recover(ctx context.Context) error {
	c.mu.Lock()
	for _, fillID := range c.ledger.FillIDs() {
		c.applied[fillID] = struct{}{}
	}
	c.mu.Unlock()

	open := c.orders.NonTerminal()
	sort.Slice(open, func(i, j int) bool {
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})

	for _, order := range open {
		switch {
		case order.Status == domain.OrderStatusPending,
			order.Kind == domain.OrderKindMarket:
			// Market orders resolve within one admission; one still open
			// after a restart never concluded either way.
			c.rejectOnRecovery(order)
		default:
			if err := c.resubmit(ctx, order); err != nil {
				return err
			}
		}
	}
	c.log.Info("recovery complete", "open_orders", len(open))
	return nil
}

func (c *Coordinator) rejectOnRecovery(order domain.ClientOrder) {
	updated, err := c.orders.Update(order.ID, func(o *domain.ClientOrder) error {
		o.Status = domain.OrderStatusRejected
		o.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return
	}
	if updated.LockAmount.IsPositive() {
		c.ledger.UnlockFunds(updated.UserID, updated.LockAsset, updated.LockAmount, updated.ID)
		c.clearLock(updated.ID)
	}
	c.log.Warn("order rejected during recovery", "order_id", order.ID)
}

func (c *Coordinator) resubmit(ctx context.Context, order domain.ClientOrder) error {
	remaining := order.RemainingQuantity()
	if !remaining.IsPositive() {
		return nil
	}
	err := c.submitWithRetry(ctx, engine.PlaceCommand{
		OrderID:     order.ID,
		Side:        order.Side,
		Kind:        order.Kind,
		Price:       order.Price,
		Quantity:    remaining,
		MaxSlippage: decimal.Zero,
	})
	if err != nil {
		c.log.Error("resubmission failed", "order_id", order.ID, "error", err)
		return err
	}
	return nil
}
