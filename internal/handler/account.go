package handler

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kcnex/core/internal/domain"
	"github.com/kcnex/core/internal/ledger"
)

// AccountHandler handles HTTP requests for balances and the ledger history.
type AccountHandler struct {
	ledger *ledger.Ledger
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(led *ledger.Ledger) *AccountHandler {
	return &AccountHandler{ledger: led}
}

// balanceResponse is one asset's balance.
type balanceResponse struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Total     decimal.Decimal `json:"total"`
}

// GetBalances handles GET /balances.
func (h *AccountHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}

	balances := h.ledger.Balances(userID)
	assets := make([]string, 0, len(balances))
	for asset := range balances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	resp := make([]balanceResponse, 0, len(assets))
	for _, asset := range assets {
		b := balances[asset]
		resp = append(resp, balanceResponse{
			Asset:     asset,
			Available: b.Available,
			Locked:    b.Locked,
			Total:     b.Total(),
		})
	}

	WriteJSON(w, http.StatusOK, map[string]any{"balances": resp})
}

// entryResponse is one ledger entry. Amount is the signed change to the
// available balance.
type entryResponse struct {
	EntryID      string          `json:"entry_id"`
	Asset        string          `json:"asset"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	Kind         string          `json:"kind"`
	RefID        string          `json:"ref_id"`
	CreatedAt    string          `json:"created_at"`
}

// GetLedger handles GET /ledger with optional asset and limit query
// parameters. Entries come back newest first.
func (h *AccountHandler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := requestUser(w, r)
	if !ok {
		return
	}

	asset := r.URL.Query().Get("asset")
	limit := queryInt(r, "limit", 100)
	if limit < 1 || limit > 1000 {
		WriteError(w, http.StatusBadRequest, "validation_error", "limit must be between 1 and 1000")
		return
	}

	entries := h.ledger.History(userID, asset, limit)
	resp := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, entryResponse{
			EntryID:      e.ID.String(),
			Asset:        e.Asset,
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
			Kind:         string(e.Kind),
			RefID:        e.RefID.String(),
			CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	WriteJSON(w, http.StatusOK, map[string]any{"entries": resp})
}

// transferRequest is the JSON request body for the internal deposit and
// withdrawal endpoints.
type transferRequest struct {
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Deposit handles POST /internal/deposit. Internal endpoints sit behind the
// operator network boundary and carry the target user in the body.
func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, h.ledger.Deposit)
}

// Withdraw handles POST /internal/withdraw.
func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, h.ledger.Withdraw)
}

func (h *AccountHandler) transfer(w http.ResponseWriter, r *http.Request, op func(uuid.UUID, string, decimal.Decimal) (ledger.Entry, error)) {
	var req transferRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "user_id must be a valid UUID")
		return
	}
	if !domain.ValidAsset(req.Asset) {
		WriteError(w, http.StatusBadRequest, "validation_error", "asset must be 1-10 uppercase alphanumeric characters")
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "validation_error", "amount: "+err.Error())
		return
	}

	entry, err := op(userID, req.Asset, amount)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientFunds) {
			WriteError(w, http.StatusConflict, "insufficient_funds", err.Error())
			return
		}
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
		return
	}

	WriteJSON(w, http.StatusCreated, entryResponse{
		EntryID:      entry.ID.String(),
		Asset:        entry.Asset,
		Amount:       entry.Amount,
		BalanceAfter: entry.BalanceAfter,
		Kind:         string(entry.Kind),
		RefID:        entry.RefID.String(),
		CreatedAt:    entry.CreatedAt.UTC().Format(time.RFC3339),
	})
}
