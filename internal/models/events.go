package models

import "time"

// Event types
const (
	EventTypeCheckoutCreated  = "CHECKOUT_CREATED"
	EventTypeOrderSettled     = "ORDER_SETTLED"
	EventTypeSettlementFailed = "SETTLEMENT_FAILED"
	EventTypeOrderCancelled   = "ORDER_CANCELLED"
	EventTypeRefundIssued     = "REFUND_ISSUED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckoutCreatedEvent published when a checkout produces a new order
type CheckoutCreatedEvent struct {
	BaseEvent
	OrderID       int64           `json:"order_id"`
	UserID        int64           `json:"user_id"`
	PaymentMethod string          `json:"payment_method"`
	TotalAmount   int64           `json:"total_amount"`
	Items         []OrderItemData `json:"items"`
}

// OrderSettledEvent published when payment is captured and stock committed.
// Downstream best-effort hooks (cart clear, notifications) consume this.
type OrderSettledEvent struct {
	BaseEvent
	OrderID             int64  `json:"order_id"`
	UserID              int64  `json:"user_id"`
	RemoteIntentID      string `json:"remote_intent_id"`
	RemoteTransactionID string `json:"remote_transaction_id"`
	Amount              int64  `json:"amount"`
}

// SettlementFailedEvent published when a captured payment could not be
// matched with stock and compensation kicked in
type SettlementFailedEvent struct {
	BaseEvent
	OrderID        int64  `json:"order_id"`
	RemoteIntentID string `json:"remote_intent_id"`
	Reason         string `json:"reason"`
	RefundID       string `json:"refund_id,omitempty"`
}

// OrderCancelledEvent published on any cancellation, reaper included
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// RefundIssuedEvent published when the gateway accepted a refund
type RefundIssuedEvent struct {
	BaseEvent
	OrderID  int64  `json:"order_id"`
	RefundID string `json:"refund_id"`
	Amount   int64  `json:"amount"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	VariantID int64 `json:"variant_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}
