package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// CheckoutService turns validated line items into orders. For cash on
// delivery it commits stock in the same transaction that creates the order;
// for gateway payments stock is deliberately left unclaimed until
// settlement so abandoned checkouts never hold inventory hostage.
type CheckoutService struct {
	store          *store.Store
	redis          *redisclient.Client
	gateway        *gateway.Client
	eventPublisher *broker.EventPublisher
	logger         *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	store *store.Store,
	redis *redisclient.Client,
	gw *gateway.Client,
	eventPublisher *broker.EventPublisher,
) *CheckoutService {
	return &CheckoutService{
		store:          store,
		redis:          redis,
		gateway:        gw,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// LineItemRequest is one requested order line. Attributes is an opaque
// per-product snapshot kept for display and audit only.
type LineItemRequest struct {
	VariantID  int64             `json:"variant_id" binding:"required"`
	Quantity   int               `json:"quantity" binding:"required,min=1"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// CreateCheckoutRequest represents a checkout submission
type CreateCheckoutRequest struct {
	UserID          int64             `json:"user_id" binding:"required"`
	Items           []LineItemRequest `json:"items"`
	PaymentMethod   string            `json:"payment_method" binding:"required"`
	ShippingAddress string            `json:"shipping_address"`
	Notes           string            `json:"notes"`
	ExistingOrderID int64             `json:"existing_order_id,omitempty"`
}

// CreateCheckoutResponse carries the order plus, for gateway payments, the
// remote intent the client completes payment against
type CreateCheckoutResponse struct {
	Order  *models.Order   `json:"order"`
	Intent *gateway.Intent `json:"intent,omitempty"`
}

// CreateCheckout validates availability, persists the order and, for
// gateway payments, mints the remote intent.
func (s *CheckoutService) CreateCheckout(ctx context.Context, req *CreateCheckoutRequest) (*CreateCheckoutResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateCheckout")
	defer span.End()

	// A retried gateway checkout referencing a still-pending order reuses
	// it; minting a second intent would orphan the first on the gateway.
	if req.ExistingOrderID != 0 && req.PaymentMethod == models.PaymentMethodGateway {
		resp, err := s.reuseExistingOrder(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp != nil {
			return resp, nil
		}
	}

	if len(req.Items) == 0 {
		util.CheckoutsFailedTotal.WithLabelValues("empty_cart").Inc()
		return nil, ErrEmptyCart
	}
	if req.ShippingAddress == "" {
		util.CheckoutsFailedTotal.WithLabelValues("invalid_address").Inc()
		return nil, ErrInvalidAddress
	}

	variants, err := s.resolveVariants(ctx, req.Items)
	if err != nil {
		util.CheckoutsFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	// Advisory fail-fast probe. Carries no guarantee at settlement time;
	// the settlement transaction re-checks under its own atomic guards.
	for _, item := range req.Items {
		variant := variants[item.VariantID]
		available, err := s.probeAvailability(ctx, variant)
		if err != nil {
			return nil, fmt.Errorf("availability probe failed: %w", err)
		}
		if available < item.Quantity {
			util.CheckoutsFailedTotal.WithLabelValues("unavailable").Inc()
			return nil, &ItemUnavailableError{VariantID: item.VariantID}
		}
	}

	totalAmount := calculateTotal(req.Items, variants)

	var order *models.Order
	switch req.PaymentMethod {
	case models.PaymentMethodCOD:
		order, err = s.createCODOrder(ctx, req, variants, totalAmount)
	case models.PaymentMethodGateway:
		order, err = s.createGatewayOrder(ctx, req, variants, totalAmount)
	default:
		return nil, fmt.Errorf("unsupported payment method: %s", req.PaymentMethod)
	}
	if err != nil {
		return nil, err
	}

	util.CheckoutsCreatedTotal.WithLabelValues(req.PaymentMethod).Inc()
	s.logger.Info("Checkout created",
		zap.Int64("order_id", order.ID),
		zap.String("payment_method", req.PaymentMethod),
		zap.Int64("total_amount", order.TotalAmount))

	s.publishCheckoutCreated(ctx, order, req.Items, variants)

	resp := &CreateCheckoutResponse{Order: order}

	if req.PaymentMethod == models.PaymentMethodGateway {
		intent, err := s.mintIntent(ctx, order)
		if err != nil {
			// The order stays AwaitingPayment without an intent; the
			// reaper cancels it if the client never retries.
			return nil, fmt.Errorf("failed to mint payment intent: %w", err)
		}
		resp.Intent = intent
	}

	return resp, nil
}

// createCODOrder runs stock commitment and order creation in one
// transaction. No external settlement race exists for cash on delivery, so
// committing stock immediately is safe; any line failure aborts everything.
func (s *CheckoutService) createCODOrder(ctx context.Context, req *CreateCheckoutRequest, variants map[int64]*models.Variant, totalAmount int64) (*models.Order, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	type pendingLine struct {
		item   LineItemRequest
		unitID int64
	}

	lines := make([]pendingLine, 0, len(req.Items))
	for _, item := range req.Items {
		variant := variants[item.VariantID]
		line := pendingLine{item: item}

		if variant.InventoryType == models.InventoryTypeUnique {
			unitID, ok, err := s.store.TryClaimUnit(ctx, tx, item.VariantID)
			if err != nil {
				return nil, err
			}
			if !ok {
				util.StockDebitsFailedTotal.Inc()
				return nil, &ItemUnavailableError{VariantID: item.VariantID}
			}
			line.unitID = unitID
		} else {
			ok, err := s.store.TryDebit(ctx, tx, item.VariantID, item.Quantity)
			if err != nil {
				return nil, err
			}
			if !ok {
				util.StockDebitsFailedTotal.Inc()
				return nil, &ItemUnavailableError{VariantID: item.VariantID}
			}
		}
		lines = append(lines, line)
	}

	order := &models.Order{
		UserID:           req.UserID,
		PaymentMethod:    models.PaymentMethodCOD,
		PaymentState:     models.PaymentStateAwaiting,
		FulfillmentState: models.FulfillmentPlaced,
		StockCommitted:   true,
		TotalAmount:      totalAmount,
		ShippingAddress:  req.ShippingAddress,
		Notes:            req.Notes,
	}
	if err := s.store.CreateOrderTx(ctx, tx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	for _, line := range lines {
		if err := s.insertLine(ctx, tx, order.ID, line.item, variants, line.unitID); err != nil {
			return nil, err
		}
		if line.unitID != 0 {
			// Overwrite the provisional holder now that the order exists.
			if err := s.store.LinkUnit(ctx, tx, line.unitID, order.ID); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, line := range lines {
		if err := s.redis.DecrementAvailability(ctx, line.item.VariantID, line.item.Quantity); err != nil {
			s.logger.Warn("Failed to update availability cache", zap.Error(err))
		}
	}

	return order, nil
}

// createGatewayOrder persists the order without touching stock. The
// exposure window (stock sold to another buyer before this one pays) is
// resolved at settlement via compensation, never by blocking checkout.
func (s *CheckoutService) createGatewayOrder(ctx context.Context, req *CreateCheckoutRequest, variants map[int64]*models.Variant, totalAmount int64) (*models.Order, error) {
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	order := &models.Order{
		UserID:           req.UserID,
		PaymentMethod:    models.PaymentMethodGateway,
		PaymentState:     models.PaymentStateAwaiting,
		FulfillmentState: models.FulfillmentPlaced,
		StockCommitted:   false,
		TotalAmount:      totalAmount,
		ShippingAddress:  req.ShippingAddress,
		Notes:            req.Notes,
	}
	if err := s.store.CreateOrderTx(ctx, tx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	for _, item := range req.Items {
		if err := s.insertLine(ctx, tx, order.ID, item, variants, 0); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *CheckoutService) insertLine(ctx context.Context, tx *sqlx.Tx, orderID int64, item LineItemRequest, variants map[int64]*models.Variant, unitID int64) error {
	line := &models.OrderItem{
		OrderID:       orderID,
		VariantID:     item.VariantID,
		Quantity:      item.Quantity,
		PriceSnapshot: variants[item.VariantID].Price,
		Attributes:    serializeAttributes(item.Attributes),
	}
	if unitID != 0 {
		line.UnitID = sql.NullInt64{Int64: unitID, Valid: true}
	}
	if err := s.store.CreateOrderItemTx(ctx, tx, line); err != nil {
		return fmt.Errorf("failed to create order item: %w", err)
	}
	return nil
}

func (s *CheckoutService) reuseExistingOrder(ctx context.Context, req *CreateCheckoutRequest) (*CreateCheckoutResponse, error) {
	order, err := s.store.GetReusableOrder(ctx, req.ExistingOrderID, req.UserID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, nil
	}

	resp := &CreateCheckoutResponse{Order: order}
	if order.RemoteIntentID.Valid {
		resp.Intent = &gateway.Intent{
			ID:      order.RemoteIntentID.String,
			Amount:  order.TotalAmount,
			Receipt: strconv.FormatInt(order.ID, 10),
		}
		return resp, nil
	}

	intent, err := s.mintIntent(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("failed to mint payment intent: %w", err)
	}
	resp.Intent = intent
	return resp, nil
}

func (s *CheckoutService) mintIntent(ctx context.Context, order *models.Order) (*gateway.Intent, error) {
	intent, err := s.gateway.CreateIntent(ctx, order.TotalAmount, strconv.FormatInt(order.ID, 10))
	if err != nil {
		return nil, err
	}

	if err := s.store.SetRemoteIntent(ctx, order.ID, intent.ID); err != nil {
		return nil, fmt.Errorf("failed to persist remote intent: %w", err)
	}
	order.RemoteIntentID = sql.NullString{String: intent.ID, Valid: true}
	return intent, nil
}

func (s *CheckoutService) resolveVariants(ctx context.Context, items []LineItemRequest) (map[int64]*models.Variant, error) {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.VariantID
	}

	variants, err := s.store.GetVariantsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	variantMap := make(map[int64]*models.Variant)
	for i := range variants {
		variantMap[variants[i].ID] = &variants[i]
	}

	for _, item := range items {
		variant, ok := variantMap[item.VariantID]
		if !ok {
			return nil, &ItemUnavailableError{VariantID: item.VariantID}
		}
		if variant.InventoryType == models.InventoryTypeUnique && item.Quantity != 1 {
			return nil, fmt.Errorf("unique-tracked variant %d requires quantity 1", item.VariantID)
		}
	}

	return variantMap, nil
}

func (s *CheckoutService) probeAvailability(ctx context.Context, variant *models.Variant) (int, error) {
	if variant.InventoryType != models.InventoryTypeUnique {
		available, found, err := s.redis.GetAvailability(ctx, variant.ID)
		if err != nil {
			s.logger.Warn("Availability cache read failed, falling back to store",
				zap.Int64("variant_id", variant.ID),
				zap.Error(err))
		} else if found {
			return available, nil
		}
	}
	return s.store.GetAvailable(ctx, variant.ID, variant.InventoryType)
}

func (s *CheckoutService) publishCheckoutCreated(ctx context.Context, order *models.Order, items []LineItemRequest, variants map[int64]*models.Variant) {
	eventItems := make([]models.OrderItemData, 0, len(items))
	for _, item := range items {
		eventItems = append(eventItems, models.OrderItemData{
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
			UnitPrice: variants[item.VariantID].Price,
		})
	}

	event := &models.CheckoutCreatedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCheckoutCreated,
			Timestamp: time.Now(),
		},
		OrderID:       order.ID,
		UserID:        order.UserID,
		PaymentMethod: order.PaymentMethod,
		TotalAmount:   order.TotalAmount,
		Items:         eventItems,
	}

	if err := s.eventPublisher.PublishCheckoutCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish CheckoutCreated event", zap.Error(err))
	}
}

// calculateTotal sums snapshot prices in integer minor units
func calculateTotal(items []LineItemRequest, variants map[int64]*models.Variant) int64 {
	var total int64
	for _, item := range items {
		total += variants[item.VariantID].Price * int64(item.Quantity)
	}
	return total
}

// serializeAttributes snapshots per-line specialization as an opaque blob
func serializeAttributes(attrs map[string]string) string {
	if len(attrs) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// GetOrder retrieves an order with its items
func (s *CheckoutService) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}

	return order, items, nil
}

// GetOrdersByUser retrieves a user's order history
func (s *CheckoutService) GetOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	return s.store.GetOrdersByUserID(ctx, userID)
}

// GetOrderAudit retrieves the settlement log for an order
func (s *CheckoutService) GetOrderAudit(ctx context.Context, orderID int64) ([]models.AuditEntry, error) {
	return s.store.GetAuditByOrderID(ctx, orderID)
}
