package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"checkout-service/config"
	"checkout-service/internal/broker"
	"checkout-service/internal/gateway"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testClientSecret  = "client-secret-1"
	testWebhookSecret = "webhook-secret-1"
)

func signMessage(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func orderColumns() []string {
	return []string{"id", "user_id", "payment_method", "payment_state", "fulfillment_state",
		"stock_committed", "remote_intent_id", "remote_transaction_id", "total_amount",
		"shipping_address", "tracking_id", "notes", "created_at", "updated_at"}
}

func orderRowFor(method, paymentState, fulfillmentState string, total int64) *sqlmock.Rows {
	return sqlmock.NewRows(orderColumns()).
		AddRow(int64(1), int64(7), method, paymentState, fulfillmentState,
			false, "intent_9", nil, total, "12 test lane", nil, "", time.Now(), time.Now())
}

func orderRow(paymentState, fulfillmentState string, total int64) *sqlmock.Rows {
	return orderRowFor(models.PaymentMethodGateway, paymentState, fulfillmentState, total)
}

func gatewayStub(txStatus string, amount int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/refund"):
			json.NewEncoder(w).Encode(gateway.Refund{ID: "rfnd_1", Amount: amount, Status: "processed"})
		case strings.HasPrefix(r.URL.Path, "/payments/"):
			json.NewEncoder(w).Encode(gateway.Transaction{ID: "txn_9", IntentID: "intent_9", Status: txStatus, Amount: amount})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestEngine(t *testing.T, gatewayHandler http.HandlerFunc) (*SettlementEngine, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.NewStoreWithDB(sqlx.NewDb(db, "sqlmock"))

	mr := miniredis.RunT(t)
	rc, err := redisclient.NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	if gatewayHandler == nil {
		gatewayHandler = gatewayStub(gateway.TxStatusCaptured, 500)
	}
	srv := httptest.NewServer(gatewayHandler)
	t.Cleanup(srv.Close)

	gw := gateway.NewClient(config.GatewayConfig{
		BaseURL:       srv.URL,
		KeyID:         "key_test",
		ClientSecret:  testClientSecret,
		WebhookSecret: testWebhookSecret,
		Timeout:       2 * time.Second,
	})

	producer := broker.NewProducer([]string{"127.0.0.1:1"}, "order-events")
	t.Cleanup(func() { producer.Close() })

	engine := NewSettlementEngine(st, rc, gw, broker.NewEventPublisher(producer), NewAuditTrail(st))
	return engine, mock, mr
}

func settleRequest(secret string) *SettleRequest {
	return &SettleRequest{
		RemoteIntentID:      "intent_9",
		RemoteTransactionID: "txn_9",
		ClientSignature:     signMessage("intent_9|txn_9", secret),
	}
}

func TestSettleRejectsForgedSignature(t *testing.T) {
	engine, _, _ := newTestEngine(t, nil)

	_, err := engine.Settle(context.Background(), settleRequest("wrong-secret"))
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestSettleAmountMismatch(t *testing.T) {
	engine, mock, _ := newTestEngine(t, gatewayStub(gateway.TxStatusCaptured, 999))

	mock.ExpectQuery(`SELECT \* FROM orders WHERE remote_intent_id`).
		WillReturnRows(orderRow(models.PaymentStateAwaiting, models.FulfillmentPlaced, 500))

	_, err := engine.Settle(context.Background(), settleRequest(testClientSecret))
	require.ErrorIs(t, err, ErrAmountMismatch)
}

func TestSettleNotCaptured(t *testing.T) {
	engine, mock, _ := newTestEngine(t, gatewayStub(gateway.TxStatusPending, 500))

	mock.ExpectQuery(`SELECT \* FROM orders WHERE remote_intent_id`).
		WillReturnRows(orderRow(models.PaymentStateAwaiting, models.FulfillmentPlaced, 500))

	_, err := engine.Settle(context.Background(), settleRequest(testClientSecret))
	require.ErrorIs(t, err, ErrNotCaptured)
}

func TestSettleDuplicateIsAlreadySettled(t *testing.T) {
	engine, mock, _ := newTestEngine(t, nil)

	mock.ExpectQuery(`SELECT \* FROM orders WHERE remote_intent_id`).
		WillReturnRows(orderRow(models.PaymentStateAwaiting, models.FulfillmentPlaced, 500))
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE orders SET payment_state`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT \* FROM orders WHERE remote_intent_id`).
		WillReturnRows(orderRow(models.PaymentStateCaptured, models.FulfillmentPlaced, 500))
	mock.ExpectRollback()

	result, err := engine.Settle(context.Background(), settleRequest(testClientSecret))
	require.NoError(t, err)
	assert.Equal(t, SettleAlreadySettled, result.Status)
}

func TestSettleRefundsCaptureAfterCancel(t *testing.T) {
	engine, mock, _ := newTestEngine(t, nil)

	mock.ExpectQuery(`SELECT \* FROM orders WHERE remote_intent_id`).
		WillReturnRows(orderRow(models.PaymentStateAwaiting, models.FulfillmentCancelled, 500))
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE orders SET payment_state`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT \* FROM orders WHERE remote_intent_id`).
		WillReturnRows(orderRow(models.PaymentStateAwaiting, models.FulfillmentCancelled, 500))
	mock.ExpectRollback()
	mock.ExpectQuery(`UPDATE orders SET payment_state = \$1, fulfillment_state = \$2`).
		WillReturnRows(orderRow(models.PaymentStateSettlementFailed, models.FulfillmentCancelled, 500))
	mock.ExpectExec(`UPDATE orders SET payment_state`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := engine.Settle(context.Background(), settleRequest(testClientSecret))
	require.NoError(t, err)
	assert.Equal(t, SettleStockExhausted, result.Status)
	assert.Equal(t, "rfnd_1", result.RefundID)
	assert.False(t, result.RefundPending)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	engine, _, mr := newTestEngine(t, nil)

	body := []byte(`{"event":"payment.captured","intent_id":"intent_9","transaction_id":"txn_9","amount":500}`)
	err := engine.HandleWebhook(context.Background(), body, signMessage(string(body), "wrong-secret"))
	require.ErrorIs(t, err, ErrSignatureMismatch)
	assert.False(t, mr.Exists("webhook:intent_9:txn_9"))
}

func TestWebhookRetryAfterFaultIsReprocessed(t *testing.T) {
	engine, mock, mr := newTestEngine(t, nil)
	ctx := context.Background()

	body := []byte(`{"event":"payment.captured","intent_id":"intent_9","transaction_id":"txn_9","amount":500}`)
	sig := signMessage(string(body), testWebhookSecret)

	mock.ExpectQuery(`SELECT \* FROM orders WHERE remote_intent_id`).
		WillReturnError(sql.ErrConnDone)
	require.Error(t, engine.HandleWebhook(ctx, body, sig))
	assert.False(t, mr.Exists("webhook:intent_9:txn_9"))

	// The ack was withheld, so the gateway redelivers. The retry must be
	// processed in full, never short-circuited as a duplicate.
	mock.ExpectQuery(`SELECT \* FROM orders WHERE remote_intent_id`).
		WillReturnError(sql.ErrConnDone)
	require.Error(t, engine.HandleWebhook(ctx, body, sig))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookDuplicateShortCircuits(t *testing.T) {
	engine, _, mr := newTestEngine(t, nil)
	ctx := context.Background()

	body := []byte(`{"event":"payment.failed","intent_id":"intent_9","transaction_id":"txn_9"}`)
	sig := signMessage(string(body), testWebhookSecret)

	require.NoError(t, engine.HandleWebhook(ctx, body, sig))
	assert.True(t, mr.Exists("webhook:intent_9:txn_9"))

	require.NoError(t, engine.HandleWebhook(ctx, body, sig))
}

func TestSettleOutcomeMapping(t *testing.T) {
	assert.Equal(t, models.AuditOutcomeSuccess, settleOutcome(SettleCommitted))
	assert.Equal(t, models.AuditOutcomeSuccess, settleOutcome(SettleAlreadySettled))
	assert.Equal(t, models.AuditOutcomeFailure, settleOutcome(SettleStockExhausted))
}
