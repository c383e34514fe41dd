package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// FulfillmentService moves orders through the fulfillment lifecycle and
// owns the cancellation revert pass and the abandoned-order reaper.
type FulfillmentService struct {
	store          *store.Store
	redis          *redisclient.Client
	eventPublisher *broker.EventPublisher
	audit          *AuditTrail
	logger         *zap.Logger
}

// NewFulfillmentService creates a new fulfillment service
func NewFulfillmentService(
	store *store.Store,
	redis *redisclient.Client,
	eventPublisher *broker.EventPublisher,
	audit *AuditTrail,
) *FulfillmentService {
	return &FulfillmentService{
		store:          store,
		redis:          redis,
		eventPublisher: eventPublisher,
		audit:          audit,
		logger:         util.GetLogger(),
	}
}

// fulfillmentGraph lists the allowed forward transitions. Cancelled is
// reachable from every non-terminal state; Delivered and Cancelled are
// terminal.
var fulfillmentGraph = map[string][]string{
	models.FulfillmentPlaced:     {models.FulfillmentConfirmed, models.FulfillmentCancelled},
	models.FulfillmentConfirmed:  {models.FulfillmentProcessing, models.FulfillmentCancelled},
	models.FulfillmentProcessing: {models.FulfillmentShipped, models.FulfillmentCancelled},
	models.FulfillmentShipped:    {models.FulfillmentDelivered, models.FulfillmentCancelled},
	models.FulfillmentDelivered:  {},
	models.FulfillmentCancelled:  {},
}

// CanTransition reports whether a fulfillment transition is allowed
func CanTransition(from, to string) bool {
	for _, next := range fulfillmentGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionExtra carries the shipment proofs some transitions require.
// ShippedSerials maps order item id to the physical identifier being
// shipped for that line.
type TransitionExtra struct {
	TrackingID     string           `json:"tracking_id,omitempty"`
	ShippedSerials map[int64]string `json:"shipped_serials,omitempty"`
}

// TransitionFulfillment validates and applies a fulfillment transition.
// Delivered finalizes every unique unit and captures cash-on-delivery
// payment; Cancelled reverts every line item iff stock was committed,
// exactly once.
func (f *FulfillmentService) TransitionFulfillment(ctx context.Context, orderID int64, newState string, extra TransitionExtra) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.TransitionFulfillment")
	defer span.End()

	order, err := f.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if order.FulfillmentState == newState {
		// Repeating a transition is a no-op, not an error; the CAS guards
		// below already happened the first time.
		return order, nil
	}
	if !CanTransition(order.FulfillmentState, newState) {
		return nil, ErrInvalidTransition
	}

	items, err := f.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch newState {
	case models.FulfillmentShipped:
		if err := f.ship(ctx, order, items, extra); err != nil {
			return nil, err
		}
	case models.FulfillmentDelivered:
		if err := f.deliver(ctx, order, items); err != nil {
			return nil, err
		}
	case models.FulfillmentCancelled:
		cancelled, err := f.Cancel(ctx, orderID, "manual cancellation")
		if err != nil {
			return nil, err
		}
		if cancelled {
			util.OrdersCancelledTotal.WithLabelValues("manual").Inc()
		}
	default:
		if err := f.step(ctx, order, newState); err != nil {
			return nil, err
		}
	}

	return f.store.GetOrderByID(ctx, orderID)
}

func (f *FulfillmentService) step(ctx context.Context, order *models.Order, newState string) error {
	tx, err := f.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := f.store.TransitionFulfillmentTx(ctx, tx, order.ID, order.FulfillmentState, newState)
	if err != nil {
		return err
	}
	if !ok {
		// Raced with another transition; the precondition no longer holds.
		return ErrInvalidTransition
	}
	return tx.Commit()
}

// ship requires a tracking id and one physical-identifier proof per
// unique-tracked line before the transition is accepted.
func (f *FulfillmentService) ship(ctx context.Context, order *models.Order, items []models.OrderItem, extra TransitionExtra) error {
	if extra.TrackingID == "" {
		return ErrMissingTrackingProof
	}
	for _, item := range items {
		if item.UnitID.Valid {
			if _, ok := extra.ShippedSerials[item.ID]; !ok {
				return ErrMissingTrackingProof
			}
		}
	}

	tx, err := f.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := f.store.TransitionFulfillmentTx(ctx, tx, order.ID, order.FulfillmentState, models.FulfillmentShipped)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}

	// Proofs commit with the transition; a Shipped order always carries them.
	if err := f.store.SetTrackingIDTx(ctx, tx, order.ID, extra.TrackingID); err != nil {
		return err
	}
	for itemID, serial := range extra.ShippedSerials {
		if err := f.store.SetShippedSerialTx(ctx, tx, itemID, serial); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// deliver finalizes every claimed unit and, for cash on delivery, captures
// the payment.
func (f *FulfillmentService) deliver(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := f.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ok, err := f.store.TransitionFulfillmentTx(ctx, tx, order.ID, order.FulfillmentState, models.FulfillmentDelivered)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidTransition
	}

	for _, item := range items {
		if item.UnitID.Valid {
			if err := f.store.FinalizeSale(ctx, tx, item.UnitID.Int64); err != nil {
				return err
			}
		}
	}

	if order.PaymentMethod == models.PaymentMethodCOD {
		if err := f.store.CapturePaymentOnDelivery(ctx, tx, order.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Cancel atomically cancels an order and, iff stock was committed, reverts
// every line item in the same transaction. The cancel CAS makes the revert
// run at most once no matter how often cancellation is retried.
func (f *FulfillmentService) Cancel(ctx context.Context, orderID int64, reason string) (bool, error) {
	return f.cancel(ctx, orderID, reason, f.store.CancelOrderTx)
}

func (f *FulfillmentService) cancel(ctx context.Context, orderID int64, reason string, cancelTx func(context.Context, *sqlx.Tx, int64) (bool, bool, error)) (bool, error) {
	tx, err := f.store.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	cancelled, stockCommitted, err := cancelTx(ctx, tx, orderID)
	if err != nil {
		return false, err
	}
	if !cancelled {
		// Already cancelled or delivered; nothing to do.
		return false, nil
	}

	var reverted []models.OrderItem
	if stockCommitted {
		items, err := f.store.GetOrderItemsTx(ctx, tx, orderID)
		if err != nil {
			return false, err
		}
		for _, item := range items {
			if item.UnitID.Valid {
				if err := f.store.Release(ctx, tx, item.UnitID.Int64, orderID); err != nil {
					return false, err
				}
			} else {
				if err := f.store.Credit(ctx, tx, item.VariantID, item.Quantity); err != nil {
					return false, err
				}
			}
		}
		if err := f.store.ClearStockCommittedTx(ctx, tx, orderID); err != nil {
			return false, err
		}
		reverted = items
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit cancellation: %w", err)
	}

	for _, item := range reverted {
		if err := f.redis.CreditAvailability(ctx, item.VariantID, item.Quantity); err != nil {
			f.logger.Warn("Failed to restore availability cache", zap.Error(err))
		}
	}

	f.logger.Info("Order cancelled",
		zap.Int64("order_id", orderID),
		zap.Bool("stock_reverted", stockCommitted),
		zap.String("reason", reason))

	event := &models.OrderCancelledEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderCancelled,
			Timestamp: time.Now(),
		},
		OrderID: orderID,
		Reason:  reason,
	}
	if err := f.eventPublisher.PublishOrderCancelled(ctx, event); err != nil {
		f.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}

	return true, nil
}

// ReapAbandoned cancels gateway orders stuck awaiting payment longer than
// the threshold. The cancel goes through ReapCancelTx, whose precondition
// includes the payment method and state, so a settlement that lands between
// the listing read and the cancel makes the cancel a no-op instead of
// reverting a paid order.
func (f *FulfillmentService) ReapAbandoned(ctx context.Context, threshold time.Duration) (int, error) {
	ctx, span := util.StartSpan(ctx, "FulfillmentService.ReapAbandoned")
	defer span.End()

	cutoff := time.Now().Add(-threshold)
	orders, err := f.store.ListAbandonedOrders(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list abandoned orders: %w", err)
	}

	reclaimed := 0
	for _, order := range orders {
		cancelled, err := f.cancel(ctx, order.ID, "abandoned checkout", f.store.ReapCancelTx)
		if err != nil {
			f.logger.Error("Failed to reap abandoned order",
				zap.Int64("order_id", order.ID),
				zap.Error(err))
			continue
		}
		if !cancelled {
			continue
		}

		reclaimed++
		util.ReaperReclaimedTotal.Inc()
		util.OrdersCancelledTotal.WithLabelValues("reaper").Inc()
		f.audit.Record(models.AuditEntry{
			OrderID:        sql.NullInt64{Int64: order.ID, Valid: true},
			RemoteIntentID: order.RemoteIntentID.String,
			EventKind:      models.AuditOrderReaped,
			Outcome:        models.AuditOutcomeSuccess,
			Message:        fmt.Sprintf("abandoned for more than %s", threshold),
		})
	}

	if reclaimed > 0 {
		f.logger.Info("Reaped abandoned orders", zap.Int("count", reclaimed))
	}
	return reclaimed, nil
}
