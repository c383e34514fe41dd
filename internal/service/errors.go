package service

import (
	"errors"
	"fmt"
)

// Business failures are expected, frequent outcomes and surface as typed
// errors or structured results for user messaging. They are distinct from
// integration failures (gateway timeouts, 5xx), which are retryable and
// never move an order into a terminal payment state.
var (
	ErrEmptyCart            = errors.New("cart is empty")
	ErrInvalidAddress       = errors.New("shipping address is required")
	ErrInvalidTransition    = errors.New("invalid fulfillment transition")
	ErrMissingTrackingProof = errors.New("missing tracking proof for shipment")
	ErrSignatureMismatch    = errors.New("payment signature mismatch")
	ErrAmountMismatch       = errors.New("captured amount does not match order total")
	ErrNotCaptured          = errors.New("transaction is not captured")
	ErrUnknownIntent        = errors.New("no order references this payment intent")
)

// ItemUnavailableError reports which variant ran out during the advisory
// availability probe or a cash-on-delivery stock commit.
type ItemUnavailableError struct {
	VariantID int64
}

func (e *ItemUnavailableError) Error() string {
	return fmt.Sprintf("variant %d is unavailable", e.VariantID)
}

// Settlement outcomes
const (
	SettleCommitted      = "committed"
	SettleAlreadySettled = "already_settled"
	SettleStockExhausted = "stock_exhausted"
)

// SettleResult is the structured outcome of a settlement attempt
type SettleResult struct {
	Status        string `json:"status"`
	OrderID       int64  `json:"order_id"`
	RefundID      string `json:"refund_id,omitempty"`
	RefundPending bool   `json:"refund_pending,omitempty"`
}
