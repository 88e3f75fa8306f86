package domain

import "errors"

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrInsufficientFunds = errors.New("insufficient_funds")
	ErrOrderNotFound     = errors.New("order_not_found")
	ErrOrderNotOpen      = errors.New("order_not_open")
	ErrInvalidOrder      = errors.New("invalid_order")
	ErrSlippageExceeded  = errors.New("slippage_exceeded")
	ErrEngineUnavailable = errors.New("engine_unavailable")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrConflict          = errors.New("conflict")
)

// ValidationError represents a request validation failure. Validation always
// happens before any ledger write, so a ValidationError implies no state
// change occurred.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
