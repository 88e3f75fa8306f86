// Package stream publishes settled trades and market deltas to Kafka for
// downstream consumers (candles, analytics, archival). Optional: with no
// topic configured nothing runs.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/kcnex/core/internal/engine"
	"github.com/kcnex/core/internal/ledger"
)

// Broadcaster writes events to one topic, keyed by symbol so one symbol's
// events stay ordered within a partition. Delivery is fire-and-forget:
// failures are logged, never propagated back into the trading path.
type Broadcaster struct {
	writer *kafka.Writer
	log    *slog.Logger
}

// New creates a broadcaster for the given brokers and topic.
func New(brokers []string, topic string, log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			BatchTimeout: 10 * time.Millisecond,
		},
		log: log.With("component", "broadcaster", "topic", topic),
	}
}

// Close flushes and closes the writer.
func (b *Broadcaster) Close() error {
	return b.writer.Close()
}

type tradeEvent struct {
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	FillID    string `json:"fill_id"`
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`
	TakerSide string `json:"taker_side"`
	SettledAt int64  `json:"settled_at"`
}

// PublishTrade emits one settled trade.
func (b *Broadcaster) PublishTrade(ctx context.Context, t ledger.Trade) {
	b.publish(ctx, t.Symbol, tradeEvent{
		Type:      "trade",
		Symbol:    t.Symbol,
		FillID:    t.FillID,
		Price:     t.Price.String(),
		Quantity:  t.Quantity.String(),
		TakerSide: string(t.TakerSide),
		SettledAt: t.SettledAt.UnixMicro(),
	})
}

type deltaEvent struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	Seq    uint64 `json:"seq"`
	Time   int64  `json:"time"`
	Trades int    `json:"trades"`
}

// PublishDelta emits a compact record of one publisher tick.
func (b *Broadcaster) PublishDelta(ctx context.Context, d engine.BookDelta) {
	b.publish(ctx, d.Symbol, deltaEvent{
		Type:   "book_delta",
		Symbol: d.Symbol,
		Seq:    d.Seq,
		Time:   d.Time.UnixMicro(),
		Trades: len(d.Trades),
	})
}

func (b *Broadcaster) publish(ctx context.Context, key string, v any) {
	value, err := json.Marshal(v)
	if err != nil {
		b.log.Error("marshal event", "error", err)
		return
	}
	if err := b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	}); err != nil {
		b.log.Warn("publish failed", "error", err)
	}
}
