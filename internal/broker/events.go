package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"checkout-service/internal/models"

	"github.com/segmentio/kafka-go"
)

// EventPublisher handles publishing domain events. Publishing is a
// best-effort hook for downstream consumers (cart clear, notifications):
// failures are logged by callers and never undo a captured payment.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishCheckoutCreated publishes CheckoutCreated event
func (ep *EventPublisher) PublishCheckoutCreated(ctx context.Context, event *models.CheckoutCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderSettled publishes OrderSettled event
func (ep *EventPublisher) PublishOrderSettled(ctx context.Context, event *models.OrderSettledEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishSettlementFailed publishes SettlementFailed event
func (ep *EventPublisher) PublishSettlementFailed(ctx context.Context, event *models.SettlementFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderCancelled publishes OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishRefundIssued publishes RefundIssued event
func (ep *EventPublisher) PublishRefundIssued(ctx context.Context, event *models.RefundIssuedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}

// EventHandler routes consumed events to registered callbacks
type EventHandler struct {
	onOrderSettled   func(context.Context, *models.OrderSettledEvent) error
	onOrderCancelled func(context.Context, *models.OrderCancelledEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnOrderSettled registers a handler for OrderSettled events
func (eh *EventHandler) OnOrderSettled(handler func(context.Context, *models.OrderSettledEvent) error) {
	eh.onOrderSettled = handler
}

// OnOrderCancelled registers a handler for OrderCancelled events
func (eh *EventHandler) OnOrderCancelled(handler func(context.Context, *models.OrderCancelledEvent) error) {
	eh.onOrderCancelled = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	switch baseEvent.EventType {
	case models.EventTypeOrderSettled:
		if eh.onOrderSettled != nil {
			var event models.OrderSettledEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderSettled event: %w", err)
			}
			return eh.onOrderSettled(ctx, &event)
		}

	case models.EventTypeOrderCancelled:
		if eh.onOrderCancelled != nil {
			var event models.OrderCancelledEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal OrderCancelled event: %w", err)
			}
			return eh.onOrderCancelled(ctx, &event)
		}

	default:
		log.Printf("Unhandled event type: %s", baseEvent.EventType)
	}

	return nil
}
