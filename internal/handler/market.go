package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/book"
	"github.com/kcnex/core/internal/domain"
	"github.com/kcnex/core/internal/engine"
	"github.com/kcnex/core/internal/ledger"
)

// Market is the handler's view of the matching engine's read side.
type Market interface {
	Snapshot(context.Context) (engine.Snapshot, error)
	Quote(context.Context, domain.Side, decimal.Decimal) (engine.QuoteResult, error)
}

// MarketHandler handles HTTP requests for public market data endpoints.
// These carry no user identity.
type MarketHandler struct {
	market Market
	ledger *ledger.Ledger
}

// NewMarketHandler creates a new MarketHandler.
func NewMarketHandler(market Market, led *ledger.Ledger) *MarketHandler {
	return &MarketHandler{market: market, ledger: led}
}

// priceLevelResponse is one aggregated price level.
type priceLevelResponse struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// bookResponse is the JSON response for GET /market/book.
type bookResponse struct {
	Symbol string               `json:"symbol"`
	Seq    uint64               `json:"seq"`
	Bids   []priceLevelResponse `json:"bids"`
	Asks   []priceLevelResponse `json:"asks"`
}

// GetBook handles GET /market/book.
func (h *MarketHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	snap, err := h.market.Snapshot(r.Context())
	if err != nil {
		mapOrderError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, bookResponse{
		Symbol: snap.Symbol,
		Seq:    snap.Seq,
		Bids:   levelResponses(snap.Bids),
		Asks:   levelResponses(snap.Asks),
	})
}

// quoteResponse is the JSON response for GET /market/quote. The estimates are
// null when the opposite side of the book is empty.
type quoteResponse struct {
	Side              string               `json:"side"`
	Quantity          decimal.Decimal      `json:"quantity"`
	QuantityAvailable decimal.Decimal      `json:"quantity_available"`
	FullyFillable     bool                 `json:"fully_fillable"`
	EstimatedAvgPrice *decimal.Decimal     `json:"estimated_avg_price"`
	EstimatedTotal    *decimal.Decimal     `json:"estimated_total"`
	PriceLevels       []priceLevelResponse `json:"price_levels"`
}

// GetQuote handles GET /market/quote?side=bid&quantity=1.5. It simulates a
// market order against the current book without executing anything.
func (h *MarketHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	side := domain.Side(r.URL.Query().Get("side"))
	if side != domain.SideBid && side != domain.SideAsk {
		WriteError(w, http.StatusBadRequest, "validation_error", "side must be bid or ask")
		return
	}
	qty, err := domain.ParseAmount(r.URL.Query().Get("quantity"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "quantity: "+err.Error())
		return
	}

	quote, err := h.market.Quote(r.Context(), side, qty)
	if err != nil {
		mapOrderError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, quoteResponse{
		Side:              string(side),
		Quantity:          qty,
		QuantityAvailable: quote.QuantityAvailable,
		FullyFillable:     quote.FullyFillable,
		EstimatedAvgPrice: quote.EstimatedAvgPrice,
		EstimatedTotal:    quote.EstimatedTotal,
		PriceLevels:       levelResponses(quote.PriceLevels),
	})
}

// statsResponse is the JSON response for GET /market/stats. All fields are
// null until the first trade inside the window.
type statsResponse struct {
	Symbol    string           `json:"symbol"`
	High24h   *decimal.Decimal `json:"high_24h"`
	Low24h    *decimal.Decimal `json:"low_24h"`
	Open24h   *decimal.Decimal `json:"open_24h"`
	LastPrice *decimal.Decimal `json:"last_price"`
	Volume24h decimal.Decimal  `json:"volume_24h"`
}

// GetStats handles GET /market/stats.
func (h *MarketHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.market.Snapshot(r.Context())
	if err != nil {
		mapOrderError(w, err)
		return
	}

	resp := statsResponse{Symbol: snap.Symbol, Volume24h: snap.Stats.Volume}
	if !snap.Stats.Last.IsZero() {
		resp.High24h = &snap.Stats.High
		resp.Low24h = &snap.Stats.Low
		resp.Open24h = &snap.Stats.Open
		resp.LastPrice = &snap.Stats.Last
	}

	WriteJSON(w, http.StatusOK, resp)
}

// marketTradeResponse is one settled trade on the public feed. It exposes no
// order or user identifiers.
type marketTradeResponse struct {
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	SettledAt string          `json:"settled_at"`
}

// GetTrades handles GET /market/trades with an optional limit query
// parameter. Trades come back newest first.
func (h *MarketHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 500 {
		WriteError(w, http.StatusBadRequest, "validation_error", "limit must be between 1 and 500")
		return
	}

	trades := h.ledger.RecentTrades(limit)
	resp := make([]marketTradeResponse, 0, len(trades))
	for _, t := range trades {
		resp = append(resp, marketTradeResponse{
			Price:     t.Price,
			Quantity:  t.Quantity,
			SettledAt: t.SettledAt.UTC().Format(time.RFC3339),
		})
	}

	WriteJSON(w, http.StatusOK, map[string]any{"trades": resp})
}

func levelResponses(levels []book.Level) []priceLevelResponse {
	out := make([]priceLevelResponse, 0, len(levels))
	for _, l := range levels {
		out = append(out, priceLevelResponse{Price: l.Price, Quantity: l.Quantity})
	}
	return out
}
