package models

import (
	"database/sql"
	"time"
)

// Variant represents a sellable catalog variant. Prices are stored in
// integer minor units and are the only price source trusted at checkout.
type Variant struct {
	ID            int64     `db:"id" json:"id"`
	SKU           string    `db:"sku" json:"sku"`
	Name          string    `db:"name" json:"name"`
	Price         int64     `db:"price" json:"price"`
	InventoryType string    `db:"inventory_type" json:"inventory_type"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Inventory types
const (
	InventoryTypeQuantity = "QUANTITY"
	InventoryTypeUnique   = "UNIQUE"
)

// StockPool is the counted pool for a quantity-tracked variant. Available
// is only ever mutated through conditional single-statement updates.
type StockPool struct {
	VariantID int64     `db:"variant_id" json:"variant_id"`
	Available int       `db:"available" json:"available"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// UniqueUnit is one individually identified physical item. At most one
// order may hold a unit in Reserved/Sold at any time; the
// Available->Reserved transition is itself the concurrency guard.
type UniqueUnit struct {
	ID             int64          `db:"id" json:"id"`
	VariantID      int64          `db:"variant_id" json:"variant_id"`
	SerialNumber   string         `db:"serial_number" json:"serial_number"`
	Status         string         `db:"status" json:"status"`
	HoldingOrderID sql.NullInt64  `db:"holding_order_id" json:"holding_order_id"`
	Archived       bool           `db:"archived" json:"archived"`
	SoldAt         sql.NullTime   `db:"sold_at" json:"sold_at"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// Unique unit statuses
const (
	UnitStatusAvailable = "AVAILABLE"
	UnitStatusReserved  = "RESERVED"
	UnitStatusSold      = "SOLD"
	UnitStatusReturned  = "RETURNED"
	UnitStatusDamaged   = "DAMAGED"
	UnitStatusInRepair  = "IN_REPAIR"
)

// ProvisionalHolderID is written to holding_order_id while a unit is being
// claimed before the owning order's identity is final. It is overwritten in
// the same transaction; 0 is never a real order id.
const ProvisionalHolderID int64 = 0

// Order represents a checkout intent and its committed line items.
type Order struct {
	ID                  int64          `db:"id" json:"id"`
	UserID              int64          `db:"user_id" json:"user_id"`
	PaymentMethod       string         `db:"payment_method" json:"payment_method"`
	PaymentState        string         `db:"payment_state" json:"payment_state"`
	FulfillmentState    string         `db:"fulfillment_state" json:"fulfillment_state"`
	StockCommitted      bool           `db:"stock_committed" json:"stock_committed"`
	RemoteIntentID      sql.NullString `db:"remote_intent_id" json:"remote_intent_id"`
	RemoteTransactionID sql.NullString `db:"remote_transaction_id" json:"remote_transaction_id"`
	TotalAmount         int64          `db:"total_amount" json:"total_amount"`
	ShippingAddress     string         `db:"shipping_address" json:"shipping_address"`
	TrackingID          sql.NullString `db:"tracking_id" json:"tracking_id"`
	Notes               string         `db:"notes" json:"notes"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
}

// OrderItem is one line of an order. UnitID is set for unique-tracked
// lines once a physical unit has been claimed. Attributes is an opaque
// serialized snapshot preserved for display and audit, never interpreted.
type OrderItem struct {
	ID            int64          `db:"id" json:"id"`
	OrderID       int64          `db:"order_id" json:"order_id"`
	VariantID     int64          `db:"variant_id" json:"variant_id"`
	UnitID        sql.NullInt64  `db:"unit_id" json:"unit_id"`
	Quantity      int            `db:"quantity" json:"quantity"`
	PriceSnapshot int64          `db:"price_snapshot" json:"price_snapshot"`
	Attributes    string         `db:"attributes" json:"attributes"`
	ShippedSerial sql.NullString `db:"shipped_serial" json:"shipped_serial"`
}

// Payment methods
const (
	PaymentMethodCOD     = "COD"
	PaymentMethodGateway = "GATEWAY"
)

// Payment states
const (
	PaymentStateAwaiting         = "AWAITING_PAYMENT"
	PaymentStateCaptured         = "CAPTURED"
	PaymentStateSettlementFailed = "SETTLEMENT_FAILED"
	PaymentStateRefunded         = "REFUNDED"
)

// Fulfillment states
const (
	FulfillmentPlaced     = "PLACED"
	FulfillmentConfirmed  = "CONFIRMED"
	FulfillmentProcessing = "PROCESSING"
	FulfillmentShipped    = "SHIPPED"
	FulfillmentDelivered  = "DELIVERED"
	FulfillmentCancelled  = "CANCELLED"
)

// AuditEntry is one append-only settlement log row. Rows are created by the
// commit engine and the reaper and never updated.
type AuditEntry struct {
	ID                  int64          `db:"id" json:"id"`
	OrderID             sql.NullInt64  `db:"order_id" json:"order_id"`
	RemoteIntentID      string         `db:"remote_intent_id" json:"remote_intent_id"`
	RemoteTransactionID string         `db:"remote_transaction_id" json:"remote_transaction_id"`
	EventKind           string         `db:"event_kind" json:"event_kind"`
	Outcome             string         `db:"outcome" json:"outcome"`
	Message             string         `db:"message" json:"message"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
}

// Audit event kinds
const (
	AuditVerifyAttempt      = "verify_attempt"
	AuditWebhookCaptured    = "webhook_captured"
	AuditWebhookFailed      = "webhook_failed"
	AuditAmountMismatch     = "amount_mismatch"
	AuditStockExhausted     = "stock_exhausted"
	AuditCaptureAfterCancel = "capture_after_cancel"
	AuditRefundIssued       = "refund_issued"
	AuditRefundFailed       = "refund_failed"
	AuditOrderReaped        = "order_reaped"
)

// Audit outcomes
const (
	AuditOutcomeSuccess = "success"
	AuditOutcomeFailure = "failure"
)
