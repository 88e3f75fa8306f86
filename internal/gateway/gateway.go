package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/engine"
)

// MarketData is the gateway's view of the engine.
type MarketData interface {
	Deltas() <-chan engine.BookDelta
	Snapshot(context.Context) (engine.Snapshot, error)
}

// Gateway bridges the engine's delta stream onto WebSocket channels. It is a
// pass-through: deltas become notifications on the book channel, and order
// lifecycle transitions become private pushes on the owner's orders channel.
// A sequence gap on the delta stream triggers a snapshot resync.
type Gateway struct {
	hub     *Hub
	md      MarketData
	log     *slog.Logger
	channel string
	lastSeq uint64
}

// New creates a gateway publishing to the channel named
// book.<SYMBOL>.none.<DEPTH>.<INTERVAL>.
func New(hub *Hub, md MarketData, symbol string, depth int, interval time.Duration, log *slog.Logger) *Gateway {
	return &Gateway{
		hub:     hub,
		md:      md,
		log:     log.With("component", "gateway"),
		channel: fmt.Sprintf("book.%s.none.%d.%s", symbol, depth, interval),
	}
}

// Channel returns the book channel name clients subscribe to.
func (g *Gateway) Channel() string {
	return g.channel
}

// Run forwards deltas until the context ends.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case delta := <-g.md.Deltas():
			if g.lastSeq != 0 && delta.Seq != g.lastSeq+1 {
				g.log.Warn("delta gap, resyncing",
					"expected", g.lastSeq+1,
					"got", delta.Seq)
				g.resync(ctx)
				continue
			}
			g.lastSeq = delta.Seq
			g.hub.Broadcast(g.channel, g.notification(delta))
		}
	}
}

// resync replaces the lost deltas with a full top-of-book image, published
// as changes from empty.
func (g *Gateway) resync(ctx context.Context) {
	snap, err := g.md.Snapshot(ctx)
	if err != nil {
		g.log.Error("snapshot failed", "error", err)
		return
	}
	g.lastSeq = snap.Seq

	data := NotificationData{
		Trades:     []TradeData{},
		BidChanges: make([]PriceLevelChange, 0, len(snap.Bids)),
		AskChanges: make([]PriceLevelChange, 0, len(snap.Asks)),
		Time:       time.Now().UnixMicro(),
		Stats24h:   statsFrom(snap.Stats),
	}
	for _, l := range snap.Bids {
		data.BidChanges = append(data.BidChanges, PriceLevelChange{Price: l.Price, New: l.Quantity})
		data.TotalBidAmount = data.TotalBidAmount.Add(l.Quantity)
	}
	for _, l := range snap.Asks {
		data.AskChanges = append(data.AskChanges, PriceLevelChange{Price: l.Price, New: l.Quantity})
		data.TotalAskAmount = data.TotalAskAmount.Add(l.Quantity)
	}
	g.hub.Broadcast(g.channel, ChannelNotification{ChannelName: g.channel, Notification: data})
}

// OrderFilled pushes a completion notice to the order owner's channel.
func (g *Gateway) OrderFilled(userID, orderID uuid.UUID) {
	g.hub.Broadcast("orders."+userID.String(), OrderUpdate{
		Type:    "order_filled",
		OrderID: orderID.String(),
	})
}

// OrderCancelled pushes a cancellation notice, carrying how much filled
// before the order left the book.
func (g *Gateway) OrderCancelled(userID, orderID uuid.UUID, filled decimal.Decimal) {
	g.hub.Broadcast("orders."+userID.String(), OrderUpdate{
		Type:           "order_cancelled",
		OrderID:        orderID.String(),
		FilledQuantity: &filled,
	})
}

func (g *Gateway) notification(delta engine.BookDelta) ChannelNotification {
	data := NotificationData{
		Trades:         make([]TradeData, 0, len(delta.Trades)),
		BidChanges:     changesFrom(delta.BidChanges),
		AskChanges:     changesFrom(delta.AskChanges),
		TotalBidAmount: delta.TotalBid,
		TotalAskAmount: delta.TotalAsk,
		Time:           delta.Time.UnixMicro(),
		Stats24h:       statsFrom(delta.Stats),
	}
	for _, t := range delta.Trades {
		data.Trades = append(data.Trades, TradeData{
			Price:     t.Price,
			Quantity:  t.Quantity,
			Side:      t.TakerSide,
			Timestamp: t.Time.UnixMicro(),
		})
	}
	return ChannelNotification{
		ChannelName:  g.channel,
		Notification: data,
	}
}

func changesFrom(changes []engine.LevelChange) []PriceLevelChange {
	out := make([]PriceLevelChange, 0, len(changes))
	for _, c := range changes {
		out = append(out, PriceLevelChange{Price: c.Price, Old: c.Old, New: c.New})
	}
	return out
}

func statsFrom(s engine.Stats24h) *Stats24h {
	if s.Last.IsZero() {
		return nil
	}
	return &Stats24h{
		High24h:   s.High,
		Low24h:    s.Low,
		Volume24h: s.Volume,
		Open24h:   s.Open,
		LastPrice: s.Last,
	}
}
