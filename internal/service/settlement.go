package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
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

// SettlementEngine reconciles a captured payment with stock. The client
// confirmation call and the gateway webhook both funnel into Settle, which
// is idempotent under repetition and concurrency: the order claim is a
// single conditional write and exactly one caller gets a real match.
type SettlementEngine struct {
	store          *store.Store
	redis          *redisclient.Client
	gateway        *gateway.Client
	eventPublisher *broker.EventPublisher
	audit          *AuditTrail
	logger         *zap.Logger
}

// NewSettlementEngine creates a new settlement engine
func NewSettlementEngine(
	store *store.Store,
	redis *redisclient.Client,
	gw *gateway.Client,
	eventPublisher *broker.EventPublisher,
	audit *AuditTrail,
) *SettlementEngine {
	return &SettlementEngine{
		store:          store,
		redis:          redis,
		gateway:        gw,
		eventPublisher: eventPublisher,
		audit:          audit,
		logger:         util.GetLogger(),
	}
}

// SettleRequest is a client-path settlement confirmation
type SettleRequest struct {
	RemoteIntentID      string `json:"remote_intent_id" binding:"required"`
	RemoteTransactionID string `json:"remote_transaction_id" binding:"required"`
	ClientSignature     string `json:"client_signature" binding:"required"`
}

// Settle verifies the client-submitted settlement and commits it. The
// signature check and the server-to-server re-fetch of the gateway's own
// transaction record both run before the transaction: a compromised or
// replayed client payload cannot forge the gateway's record.
func (e *SettlementEngine) Settle(ctx context.Context, req *SettleRequest) (*SettleResult, error) {
	ctx, span := util.StartSpan(ctx, "SettlementEngine.Settle")
	defer span.End()

	if !e.gateway.VerifyClientSignature(req.RemoteIntentID, req.RemoteTransactionID, req.ClientSignature) {
		e.audit.Record(models.AuditEntry{
			RemoteIntentID:      req.RemoteIntentID,
			RemoteTransactionID: req.RemoteTransactionID,
			EventKind:           models.AuditVerifyAttempt,
			Outcome:             models.AuditOutcomeFailure,
			Message:             "client signature mismatch",
		})
		util.SettlementsTotal.WithLabelValues("signature_mismatch").Inc()
		return nil, ErrSignatureMismatch
	}

	order, err := e.store.GetOrderByRemoteIntentID(ctx, req.RemoteIntentID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up order: %w", err)
	}
	if order == nil {
		return nil, ErrUnknownIntent
	}

	// Server-to-server cross-check. A gateway timeout here is a retryable
	// integration failure, never a business "payment failed".
	tx, err := e.gateway.FetchTransaction(ctx, req.RemoteTransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify transaction with gateway: %w", err)
	}
	if tx.Status != gateway.TxStatusCaptured {
		e.recordAttempt(order, req, models.AuditVerifyAttempt, models.AuditOutcomeFailure,
			"transaction not captured: "+tx.Status)
		util.SettlementsTotal.WithLabelValues("not_captured").Inc()
		return nil, ErrNotCaptured
	}
	if tx.Amount != order.TotalAmount {
		e.recordAttempt(order, req, models.AuditAmountMismatch, models.AuditOutcomeFailure,
			fmt.Sprintf("gateway amount %d != order total %d", tx.Amount, order.TotalAmount))
		util.SettlementsTotal.WithLabelValues("amount_mismatch").Inc()
		return nil, ErrAmountMismatch
	}

	result, err := e.commit(ctx, order, req.RemoteIntentID, req.RemoteTransactionID)
	if err != nil {
		return nil, err
	}

	e.recordAttempt(order, req, models.AuditVerifyAttempt, settleOutcome(result.Status),
		"outcome: "+result.Status)
	return result, nil
}

// commit runs the settlement transaction: atomic claim, stock commitment,
// unit linkage. Any stock failure aborts the whole transaction, leaving the
// order observably still AwaitingPayment, and hands over to compensation.
func (e *SettlementEngine) commit(ctx context.Context, order *models.Order, intentID, transactionID string) (*SettleResult, error) {
	start := time.Now()
	defer func() {
		util.SettlementLatency.Observe(time.Since(start).Seconds())
	}()

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	claimed, err := e.store.ClaimForCapture(ctx, tx, intentID, transactionID)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		current, err := e.store.GetOrderByRemoteIntentID(ctx, intentID)
		if err != nil {
			return nil, err
		}
		if current != nil && current.FulfillmentState == models.FulfillmentCancelled &&
			current.PaymentState == models.PaymentStateAwaiting {
			// The order was cancelled before the capture landed. Money was
			// genuinely taken, so this goes through the refund path rather
			// than being treated as already settled.
			return e.compensate(ctx, tx, current, intentID, transactionID,
				models.AuditCaptureAfterCancel, "order cancelled before capture, refunding payment")
		}
		// Another caller already did the real work.
		util.SettlementsTotal.WithLabelValues(SettleAlreadySettled).Inc()
		return &SettleResult{Status: SettleAlreadySettled, OrderID: order.ID}, nil
	}

	items, err := e.store.GetOrderItemsTx(ctx, tx, claimed.ID)
	if err != nil {
		return nil, err
	}

	variants, err := e.variantsForItems(ctx, items)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		variant := variants[item.VariantID]
		if variant.InventoryType == models.InventoryTypeUnique {
			unitID, ok, err := e.store.TryClaimUnit(ctx, tx, item.VariantID)
			if err != nil {
				return nil, err
			}
			if !ok {
				util.StockDebitsFailedTotal.Inc()
				return e.compensate(ctx, tx, claimed, intentID, transactionID,
					models.AuditStockExhausted,
					fmt.Sprintf("variant %d exhausted, settlement aborted", item.VariantID))
			}
			if err := e.store.LinkUnit(ctx, tx, unitID, claimed.ID); err != nil {
				return nil, err
			}
			if err := e.store.SetOrderItemUnitTx(ctx, tx, item.ID, unitID); err != nil {
				return nil, err
			}
		} else {
			ok, err := e.store.TryDebit(ctx, tx, item.VariantID, item.Quantity)
			if err != nil {
				return nil, err
			}
			if !ok {
				util.StockDebitsFailedTotal.Inc()
				return e.compensate(ctx, tx, claimed, intentID, transactionID,
					models.AuditStockExhausted,
					fmt.Sprintf("variant %d exhausted, settlement aborted", item.VariantID))
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}

	util.SettlementsTotal.WithLabelValues(SettleCommitted).Inc()
	e.logger.Info("Settlement committed",
		zap.Int64("order_id", claimed.ID),
		zap.String("remote_intent_id", intentID),
		zap.String("remote_transaction_id", transactionID))

	e.afterCommit(ctx, claimed, items, intentID, transactionID)
	return &SettleResult{Status: SettleCommitted, OrderID: claimed.ID}, nil
}

// compensate handles a captured payment that cannot be committed, either
// because stock ran out or because the order was cancelled first. The
// settlement transaction is rolled back, the order is marked failed, and a
// full refund is issued against the already-captured payment: money was
// taken, so the only correct resolution is an automatic refund. A refund
// failure never blocks the marking; it is logged for manual reconciliation
// and surfaced as "refund pending".
func (e *SettlementEngine) compensate(ctx context.Context, tx *sqlx.Tx, order *models.Order, intentID, transactionID, kind, detail string) (*SettleResult, error) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		e.logger.Error("Failed to roll back settlement transaction", zap.Error(err))
	}

	util.SettlementsTotal.WithLabelValues(SettleStockExhausted).Inc()
	e.logger.Warn("Settlement aborted, starting compensation",
		zap.Int64("order_id", order.ID),
		zap.String("remote_intent_id", intentID),
		zap.String("detail", detail))

	failed, err := e.store.MarkSettlementFailed(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if failed == nil {
		// A concurrent compensation pass already resolved this order.
		return &SettleResult{Status: SettleAlreadySettled, OrderID: order.ID}, nil
	}

	e.audit.Record(models.AuditEntry{
		OrderID:             sql.NullInt64{Int64: order.ID, Valid: true},
		RemoteIntentID:      intentID,
		RemoteTransactionID: transactionID,
		EventKind:           kind,
		Outcome:             models.AuditOutcomeFailure,
		Message:             detail,
	})

	result := &SettleResult{Status: SettleStockExhausted, OrderID: order.ID}

	refund, err := e.gateway.IssueRefund(ctx, transactionID, order.TotalAmount, "stock exhausted at settlement")
	if err != nil {
		util.RefundsFailedTotal.Inc()
		e.logger.Error("Refund issuance failed, escalating for manual reconciliation",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		e.audit.Record(models.AuditEntry{
			OrderID:             sql.NullInt64{Int64: order.ID, Valid: true},
			RemoteIntentID:      intentID,
			RemoteTransactionID: transactionID,
			EventKind:           models.AuditRefundFailed,
			Outcome:             models.AuditOutcomeFailure,
			Message:             err.Error(),
		})
		result.RefundPending = true
		e.publishSettlementFailed(ctx, order, intentID, "")
		return result, nil
	}

	util.RefundsIssuedTotal.Inc()
	if err := e.store.MarkRefunded(ctx, order.ID); err != nil {
		e.logger.Error("Failed to mark order refunded", zap.Int64("order_id", order.ID), zap.Error(err))
	}
	e.audit.Record(models.AuditEntry{
		OrderID:             sql.NullInt64{Int64: order.ID, Valid: true},
		RemoteIntentID:      intentID,
		RemoteTransactionID: transactionID,
		EventKind:           models.AuditRefundIssued,
		Outcome:             models.AuditOutcomeSuccess,
		Message:             fmt.Sprintf("refund %s for %d", refund.ID, order.TotalAmount),
	})

	result.RefundID = refund.ID
	e.publishSettlementFailed(ctx, order, intentID, refund.ID)
	e.publishRefundIssued(ctx, order, refund.ID)
	return result, nil
}

func (e *SettlementEngine) afterCommit(ctx context.Context, order *models.Order, items []models.OrderItem, intentID, transactionID string) {
	for _, item := range items {
		if err := e.redis.DecrementAvailability(ctx, item.VariantID, item.Quantity); err != nil {
			e.logger.Warn("Failed to update availability cache", zap.Error(err))
		}
	}

	event := &models.OrderSettledEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderSettled,
			Timestamp: time.Now(),
		},
		OrderID:             order.ID,
		UserID:              order.UserID,
		RemoteIntentID:      intentID,
		RemoteTransactionID: transactionID,
		Amount:              order.TotalAmount,
	}
	if err := e.eventPublisher.PublishOrderSettled(ctx, event); err != nil {
		e.logger.Error("Failed to publish OrderSettled event", zap.Error(err))
	}
}

func (e *SettlementEngine) variantsForItems(ctx context.Context, items []models.OrderItem) (map[int64]*models.Variant, error) {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.VariantID
	}

	variants, err := e.store.GetVariantsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	variantMap := make(map[int64]*models.Variant, len(variants))
	for i := range variants {
		variantMap[variants[i].ID] = &variants[i]
	}
	for _, item := range items {
		if _, ok := variantMap[item.VariantID]; !ok {
			return nil, fmt.Errorf("variant %d missing from catalog", item.VariantID)
		}
	}
	return variantMap, nil
}

func (e *SettlementEngine) recordAttempt(order *models.Order, req *SettleRequest, kind, outcome, message string) {
	entry := models.AuditEntry{
		RemoteIntentID:      req.RemoteIntentID,
		RemoteTransactionID: req.RemoteTransactionID,
		EventKind:           kind,
		Outcome:             outcome,
		Message:             message,
	}
	if order != nil {
		entry.OrderID = sql.NullInt64{Int64: order.ID, Valid: true}
	}
	e.audit.Record(entry)
}

// settleOutcome maps a settlement status to its audit outcome
func settleOutcome(status string) string {
	if status == SettleStockExhausted {
		return models.AuditOutcomeFailure
	}
	return models.AuditOutcomeSuccess
}

func (e *SettlementEngine) publishSettlementFailed(ctx context.Context, order *models.Order, intentID, refundID string) {
	event := &models.SettlementFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeSettlementFailed,
			Timestamp: time.Now(),
		},
		OrderID:        order.ID,
		RemoteIntentID: intentID,
		Reason:         "stock exhausted",
		RefundID:       refundID,
	}
	if err := e.eventPublisher.PublishSettlementFailed(ctx, event); err != nil {
		e.logger.Error("Failed to publish SettlementFailed event", zap.Error(err))
	}
}

func (e *SettlementEngine) publishRefundIssued(ctx context.Context, order *models.Order, refundID string) {
	event := &models.RefundIssuedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeRefundIssued,
			Timestamp: time.Now(),
		},
		OrderID:  order.ID,
		RefundID: refundID,
		Amount:   order.TotalAmount,
	}
	if err := e.eventPublisher.PublishRefundIssued(ctx, event); err != nil {
		e.logger.Error("Failed to publish RefundIssued event", zap.Error(err))
	}
}

// WebhookPayload is the gateway-pushed event body
type WebhookPayload struct {
	EventKind     string `json:"event"`
	IntentID      string `json:"intent_id"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
}

// HandleWebhook processes a gateway-pushed event. It acknowledges once the
// outcome is durably recorded or recognized as a duplicate, so the gateway
// stops retrying; only transport or storage faults return an error and
// withhold the ack.
func (e *SettlementEngine) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	ctx, span := util.StartSpan(ctx, "SettlementEngine.HandleWebhook")
	defer span.End()

	if !e.gateway.VerifyWebhookSignature(payload, signature) {
		util.WebhooksTotal.WithLabelValues("signature_mismatch").Inc()
		return ErrSignatureMismatch
	}

	var event WebhookPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		util.WebhooksTotal.WithLabelValues("malformed").Inc()
		return fmt.Errorf("malformed webhook payload: %w", err)
	}

	// Cheap duplicate short-circuit. Best-effort only: the durable claim
	// below remains the authoritative idempotency gate.
	seen, err := e.redis.WebhookSeen(ctx, event.IntentID, event.TransactionID)
	if err != nil {
		e.logger.Warn("Webhook dedupe lookup failed", zap.Error(err))
	} else if seen {
		util.WebhooksTotal.WithLabelValues("duplicate").Inc()
		return nil
	}

	if err := e.dispatchWebhook(ctx, &event); err != nil {
		return err
	}

	// Marked only after the outcome is durably recorded, so a delivery that
	// failed on a storage fault is reprocessed in full when the gateway
	// retries.
	if err := e.redis.MarkWebhookSeen(ctx, event.IntentID, event.TransactionID, time.Hour); err != nil {
		e.logger.Warn("Webhook dedupe marker failed", zap.Error(err))
	}
	return nil
}

func (e *SettlementEngine) dispatchWebhook(ctx context.Context, event *WebhookPayload) error {
	switch event.EventKind {
	case "payment.captured":
		return e.handleWebhookCaptured(ctx, event)

	case "payment.failed":
		// An explicit negative signal. Recorded for reconciliation; the
		// order itself stays AwaitingPayment for retry or the reaper.
		e.audit.Record(models.AuditEntry{
			RemoteIntentID:      event.IntentID,
			RemoteTransactionID: event.TransactionID,
			EventKind:           models.AuditWebhookFailed,
			Outcome:             models.AuditOutcomeFailure,
			Message:             "gateway reported payment failure",
		})
		util.WebhooksTotal.WithLabelValues("payment_failed").Inc()
		return nil

	default:
		e.logger.Info("Ignoring webhook event", zap.String("event", event.EventKind))
		util.WebhooksTotal.WithLabelValues("ignored").Inc()
		return nil
	}
}

func (e *SettlementEngine) handleWebhookCaptured(ctx context.Context, event *WebhookPayload) error {
	order, err := e.store.GetOrderByRemoteIntentID(ctx, event.IntentID)
	if err != nil {
		return fmt.Errorf("failed to look up order: %w", err)
	}
	if order == nil {
		// Nothing to settle; record and ack so the gateway stops retrying.
		e.audit.Record(models.AuditEntry{
			RemoteIntentID:      event.IntentID,
			RemoteTransactionID: event.TransactionID,
			EventKind:           models.AuditWebhookCaptured,
			Outcome:             models.AuditOutcomeFailure,
			Message:             "no order references this intent",
		})
		util.WebhooksTotal.WithLabelValues("unknown_intent").Inc()
		return nil
	}

	if event.Amount != order.TotalAmount {
		e.audit.Record(models.AuditEntry{
			OrderID:             sql.NullInt64{Int64: order.ID, Valid: true},
			RemoteIntentID:      event.IntentID,
			RemoteTransactionID: event.TransactionID,
			EventKind:           models.AuditAmountMismatch,
			Outcome:             models.AuditOutcomeFailure,
			Message:             fmt.Sprintf("webhook amount %d != order total %d", event.Amount, order.TotalAmount),
		})
		util.WebhooksTotal.WithLabelValues("amount_mismatch").Inc()
		return nil
	}

	result, err := e.commit(ctx, order, event.IntentID, event.TransactionID)
	if err != nil {
		// Storage fault: withhold the ack so the gateway redelivers.
		return err
	}

	outcome := models.AuditOutcomeSuccess
	if result.Status == SettleStockExhausted {
		outcome = models.AuditOutcomeFailure
	}
	e.audit.Record(models.AuditEntry{
		OrderID:             sql.NullInt64{Int64: order.ID, Valid: true},
		RemoteIntentID:      event.IntentID,
		RemoteTransactionID: event.TransactionID,
		EventKind:           models.AuditWebhookCaptured,
		Outcome:             outcome,
		Message:             "outcome: " + result.Status,
	})
	util.WebhooksTotal.WithLabelValues(result.Status).Inc()
	return nil
}
