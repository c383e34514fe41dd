package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateOrderTx inserts a new order inside a transaction
func (s *Store) CreateOrderTx(ctx context.Context, tx *sqlx.Tx, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, payment_method, payment_state, fulfillment_state,
			stock_committed, remote_intent_id, total_amount, shipping_address, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	return tx.QueryRowxContext(ctx, query,
		order.UserID, order.PaymentMethod, order.PaymentState, order.FulfillmentState,
		order.StockCommitted, order.RemoteIntentID, order.TotalAmount,
		order.ShippingAddress, order.Notes).
		Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
}

// CreateOrderItemTx inserts one order line inside a transaction
func (s *Store) CreateOrderItemTx(ctx context.Context, tx *sqlx.Tx, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, variant_id, unit_id, quantity, price_snapshot, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	return tx.QueryRowxContext(ctx, query,
		item.OrderID, item.VariantID, item.UnitID, item.Quantity,
		item.PriceSnapshot, item.Attributes).Scan(&item.ID)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order not found: %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByRemoteIntentID retrieves the order minted for a remote payment
// intent. Returns nil when no order references the intent.
func (s *Store) GetOrderByRemoteIntentID(ctx context.Context, intentID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE remote_intent_id = $1", intentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetReusableOrder returns the order iff it belongs to the user and is still
// awaiting payment, so a retried gateway checkout reuses it instead of
// orphaning the already-minted remote intent.
func (s *Store) GetReusableOrder(ctx context.Context, orderID, userID int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE id = $1 AND user_id = $2 AND payment_state = $3",
		orderID, userID, models.PaymentStateAwaiting)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// GetOrderItemsTx retrieves order lines inside a transaction
func (s *Store) GetOrderItemsTx(ctx context.Context, tx *sqlx.Tx, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := tx.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// SetOrderItemUnitTx records the unit claimed for a unique-tracked line
func (s *Store) SetOrderItemUnitTx(ctx context.Context, tx *sqlx.Tx, itemID, unitID int64) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE order_items SET unit_id = $1 WHERE id = $2", unitID, itemID)
	return err
}

// SetShippedSerialTx records the physical-identifier proof for a unique
// line inside the shipment transaction
func (s *Store) SetShippedSerialTx(ctx context.Context, tx *sqlx.Tx, itemID int64, serial string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE order_items SET shipped_serial = $1 WHERE id = $2", serial, itemID)
	return err
}

// SetRemoteIntent stores the minted payment intent id. Conditioned on the
// column being unset so a racing mint can never overwrite an intent the
// client may already be paying against.
func (s *Store) SetRemoteIntent(ctx context.Context, orderID int64, intentID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET remote_intent_id = $1, updated_at = NOW() WHERE id = $2 AND remote_intent_id IS NULL",
		intentID, orderID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("order %d already references a remote intent", orderID)
	}
	return nil
}

// ClaimForCapture is the idempotency gate of settlement: a conditional
// update matched by intent id with the AwaitingPayment precondition.
// Exactly one of any number of racing or duplicate callers gets the row
// back; everyone else gets nil, meaning "already settled". Cancelled orders
// are excluded: a capture landing after cancellation must be refunded, never
// committed. Runs inside the settlement transaction, so a later rollback
// leaves the order observably still AwaitingPayment.
func (s *Store) ClaimForCapture(ctx context.Context, tx *sqlx.Tx, intentID, transactionID string) (*models.Order, error) {
	var order models.Order
	err := tx.GetContext(ctx, &order, `
		UPDATE orders
		SET payment_state = $1, stock_committed = TRUE, remote_transaction_id = $2, updated_at = NOW()
		WHERE remote_intent_id = $3 AND payment_state = $4 AND fulfillment_state <> $5
		RETURNING *`,
		models.PaymentStateCaptured, transactionID,
		intentID, models.PaymentStateAwaiting, models.FulfillmentCancelled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim order for capture: %w", err)
	}
	return &order, nil
}

// MarkSettlementFailed moves an order to the failed/cancelled terminal state
// after the captured-but-stock-gone race. Guarded by the AwaitingPayment
// precondition so a duplicate compensation pass is a no-op.
func (s *Store) MarkSettlementFailed(ctx context.Context, intentID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, `
		UPDATE orders
		SET payment_state = $1, fulfillment_state = $2, updated_at = NOW()
		WHERE remote_intent_id = $3 AND payment_state = $4
		RETURNING *`,
		models.PaymentStateSettlementFailed, models.FulfillmentCancelled,
		intentID, models.PaymentStateAwaiting)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark settlement failed: %w", err)
	}
	return &order, nil
}

// MarkRefunded records a successfully issued refund
func (s *Store) MarkRefunded(ctx context.Context, orderID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET payment_state = $1, updated_at = NOW() WHERE id = $2 AND payment_state = $3",
		models.PaymentStateRefunded, orderID, models.PaymentStateSettlementFailed)
	return err
}

// TransitionFulfillmentTx moves the fulfillment state with the previous
// state as precondition
func (s *Store) TransitionFulfillmentTx(ctx context.Context, tx *sqlx.Tx, orderID int64, from, to string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		"UPDATE orders SET fulfillment_state = $1, updated_at = NOW() WHERE id = $2 AND fulfillment_state = $3",
		to, orderID, from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected == 1, err
}

// CancelOrderTx atomically cancels an order not yet delivered or cancelled.
// The RETURNING clause reports whether stock was committed at cancel time;
// the caller must revert every line item iff it was, then clear the flag in
// the same transaction. The CAS guarantees the revert runs at most once.
func (s *Store) CancelOrderTx(ctx context.Context, tx *sqlx.Tx, orderID int64) (cancelled, stockCommitted bool, err error) {
	err = tx.QueryRowxContext(ctx, `
		UPDATE orders SET fulfillment_state = $1, updated_at = NOW()
		WHERE id = $2 AND fulfillment_state NOT IN ($3, $1)
		RETURNING stock_committed`,
		models.FulfillmentCancelled, orderID, models.FulfillmentDelivered).
		Scan(&stockCommitted)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, stockCommitted, nil
}

// ReapCancelTx is the reaper's variant of CancelOrderTx, additionally
// conditioned on the order being a gateway order still awaiting payment. A
// settlement that lands between the reaper's listing read and this cancel
// flips the payment state first, so the cancel matches nothing and a paid
// order is never reverted.
func (s *Store) ReapCancelTx(ctx context.Context, tx *sqlx.Tx, orderID int64) (cancelled, stockCommitted bool, err error) {
	err = tx.QueryRowxContext(ctx, `
		UPDATE orders SET fulfillment_state = $1, updated_at = NOW()
		WHERE id = $2 AND fulfillment_state NOT IN ($3, $1)
			AND payment_method = $4 AND payment_state = $5
		RETURNING stock_committed`,
		models.FulfillmentCancelled, orderID, models.FulfillmentDelivered,
		models.PaymentMethodGateway, models.PaymentStateAwaiting).
		Scan(&stockCommitted)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, stockCommitted, nil
}

// ClearStockCommittedTx clears the flag after a cancel revert pass
func (s *Store) ClearStockCommittedTx(ctx context.Context, tx *sqlx.Tx, orderID int64) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE orders SET stock_committed = FALSE, updated_at = NOW() WHERE id = $1", orderID)
	return err
}

// SetTrackingIDTx records the shipping tracking reference inside the
// shipment transaction
func (s *Store) SetTrackingIDTx(ctx context.Context, tx *sqlx.Tx, orderID int64, trackingID string) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE orders SET tracking_id = $1, updated_at = NOW() WHERE id = $2", trackingID, orderID)
	return err
}

// CapturePaymentOnDelivery marks a cash-on-delivery order paid
func (s *Store) CapturePaymentOnDelivery(ctx context.Context, tx *sqlx.Tx, orderID int64) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE orders SET payment_state = $1, updated_at = NOW() WHERE id = $2 AND payment_method = $3",
		models.PaymentStateCaptured, orderID, models.PaymentMethodCOD)
	return err
}

// ListAbandonedOrders returns gateway orders stuck awaiting payment since
// before the cutoff, still in the initial fulfillment state
func (s *Store) ListAbandonedOrders(ctx context.Context, cutoff time.Time) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE payment_method = $1 AND payment_state = $2 AND fulfillment_state = $3 AND created_at < $4
		ORDER BY created_at`,
		models.PaymentMethodGateway, models.PaymentStateAwaiting,
		models.FulfillmentPlaced, cutoff)
	return orders, err
}
