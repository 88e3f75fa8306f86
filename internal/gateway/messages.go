package gateway

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// SubscribeRequest is the only inbound message shape:
// {"op":"subscribe","channels":["book.KCN/EUR.none.10.100ms"]}.
type SubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// ChannelNotification wraps every outbound market data message.
type ChannelNotification struct {
	ChannelName  string           `json:"channel_name"`
	Notification NotificationData `json:"notification"`
}

// NotificationData carries one publisher tick: trades since the previous
// notification and the top-of-book changes, with rolling stats attached.
// Time is unix microseconds.
type NotificationData struct {
	Trades         []TradeData        `json:"trades"`
	BidChanges     []PriceLevelChange `json:"bid_changes"`
	AskChanges     []PriceLevelChange `json:"ask_changes"`
	TotalBidAmount decimal.Decimal    `json:"total_bid_amount"`
	TotalAskAmount decimal.Decimal    `json:"total_ask_amount"`
	Time           int64              `json:"time"`
	Stats24h       *Stats24h          `json:"stats_24h,omitempty"`
}

// Stats24h is the rolling 24-hour summary.
type Stats24h struct {
	High24h   decimal.Decimal `json:"high_24h"`
	Low24h    decimal.Decimal `json:"low_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Open24h   decimal.Decimal `json:"open_24h"`
	LastPrice decimal.Decimal `json:"last_price"`
}

// TradeData is one fill on the public stream. Timestamp is unix
// microseconds.
type TradeData struct {
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      string          `json:"side"`
	Timestamp int64           `json:"timestamp"`
}

// PriceLevelChange serialises as the tuple [price, old_quantity,
// new_quantity].
type PriceLevelChange struct {
	Price decimal.Decimal
	Old   decimal.Decimal
	New   decimal.Decimal
}

func (c PriceLevelChange) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]decimal.Decimal{c.Price, c.Old, c.New})
}

func (c *PriceLevelChange) UnmarshalJSON(data []byte) error {
	var tuple [3]decimal.Decimal
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	c.Price, c.Old, c.New = tuple[0], tuple[1], tuple[2]
	return nil
}

// OrderUpdate is the private push for order lifecycle transitions, sent on
// the owner's orders channel. Type is "order_filled" or "order_cancelled".
type OrderUpdate struct {
	Type           string           `json:"type"`
	OrderID        string           `json:"order_id"`
	FilledQuantity *decimal.Decimal `json:"filled_quantity,omitempty"`
}
