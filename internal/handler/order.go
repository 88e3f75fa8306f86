package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/coordinator"
	"github.com/kcnex/core/internal/domain"
	"github.com/kcnex/core/internal/store"
)

// OrderHandler handles HTTP requests for order endpoints.
type OrderHandler struct {
	coord  *coordinator.Coordinator
	orders *store.OrderStore
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(coord *coordinator.Coordinator, orders *store.OrderStore) *OrderHandler {
	return &OrderHandler{coord: coord, orders: orders}
}

// submitOrderRequest is the JSON request body for POST /orders. Amounts are
// decimal strings; price is required for limit orders and forbidden for
// market orders.
type submitOrderRequest struct {
	Side        string  `json:"side"`
	Type        string  `json:"type"`
	Price       *string `json:"price"`
	Quantity    string  `json:"quantity"`
	MaxSlippage *string `json:"max_slippage"`
}

// orderResponse is the JSON representation of a client order. Price is null
// for market orders.
type orderResponse struct {
	OrderID           string           `json:"order_id"`
	Symbol            string           `json:"symbol"`
	Side              string           `json:"side"`
	Type              string           `json:"type"`
	Status            string           `json:"status"`
	Price             *decimal.Decimal `json:"price"`
	Quantity          decimal.Decimal  `json:"quantity"`
	FilledQuantity    decimal.Decimal  `json:"filled_quantity"`
	RemainingQuantity decimal.Decimal  `json:"remaining_quantity"`
	MaxSlippage       *decimal.Decimal `json:"max_slippage,omitempty"`
	CreatedAt         string           `json:"created_at"`
	UpdatedAt         string           `json:"updated_at"`
}

// orderListResponse is the JSON response for GET /orders.
type orderListResponse struct {
	Orders []orderResponse `json:"orders"`
	Total  int             `json:"total"`
	Page   int             `json:"page"`
	Limit  int             `json:"limit"`
}

// SubmitOrder handles POST /orders.
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}

	var req submitOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	place := coordinator.PlaceRequest{
		UserID: userID,
		Side:   domain.Side(req.Side),
		Kind:   domain.OrderKind(req.Type),
	}

	qty, err := domain.ParseAmount(req.Quantity)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "quantity: "+err.Error())
		return
	}
	place.Quantity = qty

	if req.Price != nil {
		price, err := domain.ParseAmount(*req.Price)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "price: "+err.Error())
			return
		}
		place.Price = price
	}
	if req.MaxSlippage != nil {
		slippage, err := domain.ParseAmount(*req.MaxSlippage)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation_error", "max_slippage: "+err.Error())
			return
		}
		place.MaxSlippage = slippage
	}

	order, err := h.coord.Place(r.Context(), place)
	if err != nil {
		mapOrderError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, buildOrderResponse(order))
}

// GetOrder handles GET /orders/{order_id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	orderID, err := uuid.Parse(chi.URLParam(r, "order_id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "order_id must be a valid UUID")
		return
	}

	order, err := h.coord.Order(userID, orderID)
	if err != nil {
		mapOrderError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

// CancelOrder handles DELETE /orders/{order_id}. Cancellation is
// asynchronous: the response carries the order as it was when the cancel was
// submitted, and the final state arrives over the orders channel.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}
	orderID, err := uuid.Parse(chi.URLParam(r, "order_id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "order_id must be a valid UUID")
		return
	}

	order, err := h.coord.Cancel(r.Context(), userID, orderID)
	if err != nil {
		mapOrderError(w, err)
		return
	}

	WriteJSON(w, http.StatusAccepted, buildOrderResponse(order))
}

// ListOrders handles GET /orders with optional status, page and limit query
// parameters.
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}

	var status *domain.OrderStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := domain.OrderStatus(s)
		switch st {
		case domain.OrderStatusPending, domain.OrderStatusOpen,
			domain.OrderStatusPartiallyFilled, domain.OrderStatusFilled,
			domain.OrderStatusCancelled, domain.OrderStatusRejected,
			domain.OrderStatusExpired:
			status = &st
		default:
			WriteError(w, http.StatusBadRequest, "validation_error", "unknown status filter")
			return
		}
	}

	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)
	if page < 1 || limit < 1 || limit > 500 {
		WriteError(w, http.StatusBadRequest, "validation_error", "page must be >= 1 and limit between 1 and 500")
		return
	}

	orders, total := h.orders.ListByUser(userID, status, page, limit)
	resp := orderListResponse{
		Orders: make([]orderResponse, 0, len(orders)),
		Total:  total,
		Page:   page,
		Limit:  limit,
	}
	for _, o := range orders {
		resp.Orders = append(resp.Orders, buildOrderResponse(o))
	}

	WriteJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}

func buildOrderResponse(o domain.ClientOrder) orderResponse {
	resp := orderResponse{
		OrderID:           o.ID.String(),
		Symbol:            o.Symbol,
		Side:              string(o.Side),
		Type:              string(o.Kind),
		Status:            string(o.Status),
		Quantity:          o.Quantity,
		FilledQuantity:    o.FilledQuantity,
		RemainingQuantity: o.RemainingQuantity(),
		CreatedAt:         o.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:         o.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if o.Kind == domain.OrderKindLimit {
		price := o.Price
		resp.Price = &price
	}
	if o.MaxSlippage.IsPositive() {
		slippage := o.MaxSlippage
		resp.MaxSlippage = &slippage
	}
	return resp
}

// mapOrderError maps domain errors to HTTP responses for order endpoints.
func mapOrderError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidOrder):
		WriteError(w, http.StatusBadRequest, "invalid_order", err.Error())
	case errors.Is(err, domain.ErrOrderNotFound):
		WriteError(w, http.StatusNotFound, "order_not_found", err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		WriteError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, domain.ErrOrderNotOpen):
		WriteError(w, http.StatusConflict, "order_not_open", err.Error())
	case errors.Is(err, domain.ErrInsufficientFunds):
		WriteError(w, http.StatusConflict, "insufficient_funds", err.Error())
	case errors.Is(err, domain.ErrSlippageExceeded):
		WriteError(w, http.StatusConflict, "slippage_exceeded", err.Error())
	case errors.Is(err, domain.ErrConflict):
		WriteError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrEngineUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "engine_unavailable", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
