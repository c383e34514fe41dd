package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"checkout-service/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(config.GatewayConfig{
		BaseURL:       server.URL,
		KeyID:         "key_test",
		ClientSecret:  "client-secret",
		WebhookSecret: "webhook-secret",
		Timeout:       2 * time.Second,
	})
}

func sign(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestCreateIntent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)

		user, _, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "key_test", user)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"intent_123","amount":250000,"currency":"INR","receipt":"42"}`))
	})

	intent, err := client.CreateIntent(context.Background(), 250000, "42")
	require.NoError(t, err)
	assert.Equal(t, "intent_123", intent.ID)
	assert.Equal(t, int64(250000), intent.Amount)
}

func TestFetchTransaction(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/txn_9", r.URL.Path)
		w.Write([]byte(`{"id":"txn_9","order_id":"intent_123","status":"captured","amount":250000}`))
	})

	tx, err := client.FetchTransaction(context.Background(), "txn_9")
	require.NoError(t, err)
	assert.Equal(t, TxStatusCaptured, tx.Status)
	assert.Equal(t, int64(250000), tx.Amount)
}

func TestFetchTransactionGatewayError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.FetchTransaction(context.Background(), "txn_9")
	assert.Error(t, err)
}

func TestIssueRefund(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/txn_9/refund", r.URL.Path)
		w.Write([]byte(`{"id":"rfnd_1","amount":250000,"status":"processed"}`))
	})

	refund, err := client.IssueRefund(context.Background(), "txn_9", 250000, "stock exhausted")
	require.NoError(t, err)
	assert.Equal(t, "rfnd_1", refund.ID)
}

func TestIssueRefundRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"already refunded"}`))
	})

	_, err := client.IssueRefund(context.Background(), "txn_9", 250000, "stock exhausted")
	assert.Error(t, err)
}

func TestVerifyClientSignature(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	valid := sign("intent_123|txn_9", "client-secret")
	assert.True(t, client.VerifyClientSignature("intent_123", "txn_9", valid))

	assert.False(t, client.VerifyClientSignature("intent_123", "txn_9", "deadbeef"))
	assert.False(t, client.VerifyClientSignature("intent_123", "txn_8", valid))

	// A signature minted with the webhook secret must not pass the client
	// check: the two trust domains are separate.
	crossed := sign("intent_123|txn_9", "webhook-secret")
	assert.False(t, client.VerifyClientSignature("intent_123", "txn_9", crossed))
}

func TestVerifyWebhookSignature(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	payload := []byte(`{"event":"payment.captured","intent_id":"intent_123","transaction_id":"txn_9","amount":250000}`)
	valid := sign(string(payload), "webhook-secret")

	assert.True(t, client.VerifyWebhookSignature(payload, valid))
	assert.False(t, client.VerifyWebhookSignature([]byte(`{"amount":1}`), valid))
	assert.False(t, client.VerifyWebhookSignature(payload, sign(string(payload), "client-secret")))
}
