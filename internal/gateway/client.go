package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"checkout-service/config"
)

// Transaction statuses reported by the gateway
const (
	TxStatusCaptured = "captured"
	TxStatusFailed   = "failed"
	TxStatusPending  = "pending"
)

// Client talks to the remote payment gateway. All calls use bounded
// timeouts; a timeout or 5xx is a retryable integration failure and never a
// business "payment failed" signal.
type Client struct {
	baseURL       string
	keyID         string
	clientSecret  string
	webhookSecret string
	http          *http.Client
}

// NewClient creates a gateway client from config
func NewClient(cfg config.GatewayConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		keyID:         cfg.KeyID,
		clientSecret:  cfg.ClientSecret,
		webhookSecret: cfg.WebhookSecret,
		http:          &http.Client{Timeout: timeout},
	}
}

// Intent is a remote payment intent minted for an order
type Intent struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
}

// Transaction is the gateway's own record of a payment attempt
type Transaction struct {
	ID       string `json:"id"`
	IntentID string `json:"order_id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
}

// Refund is the gateway's acknowledgement of a refund request
type Refund struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

// CreateIntent mints a remote payment intent for the given amount in minor
// units, tagged with our order id as the receipt reference.
func (c *Client) CreateIntent(ctx context.Context, amount int64, reference string) (*Intent, error) {
	body := map[string]interface{}{
		"amount":   amount,
		"currency": "INR",
		"receipt":  reference,
	}

	var intent Intent
	if err := c.post(ctx, "/orders", body, &intent); err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	return &intent, nil
}

// FetchTransaction retrieves the gateway's own record of a transaction.
// The settlement engine cross-checks status and amount against this record,
// which cannot be forged client-side.
func (c *Client) FetchTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	var tx Transaction
	if err := c.get(ctx, "/payments/"+transactionID, &tx); err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", transactionID, err)
	}
	return &tx, nil
}

// IssueRefund requests a full refund against a captured transaction
func (c *Client) IssueRefund(ctx context.Context, transactionID string, amount int64, reason string) (*Refund, error) {
	body := map[string]interface{}{
		"amount": amount,
		"notes":  map[string]string{"reason": reason},
	}

	var refund Refund
	if err := c.post(ctx, "/payments/"+transactionID+"/refund", body, &refund); err != nil {
		return nil, fmt.Errorf("failed to refund transaction %s: %w", transactionID, err)
	}
	return &refund, nil
}

// VerifyClientSignature validates the signature a client submits alongside
// its settlement callback: HMAC-SHA256 over "intentID|transactionID" keyed
// with the client secret.
func (c *Client) VerifyClientSignature(intentID, transactionID, signature string) bool {
	return verifyHMAC([]byte(intentID+"|"+transactionID), signature, c.clientSecret)
}

// VerifyWebhookSignature validates a server-pushed event against the raw
// request body. Uses a secret distinct from the client one: a leaked client
// secret must not let anyone forge gateway-pushed events.
func (c *Client) VerifyWebhookSignature(payload []byte, signature string) bool {
	return verifyHMAC(payload, signature, c.webhookSecret)
}

func verifyHMAC(message []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.SetBasicAuth(c.keyID, c.clientSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, raw)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}
