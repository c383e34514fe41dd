package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/decrement_availability.lua
var decrementAvailabilityScript string

// Client is an advisory cache in front of the durable store. It backs the
// checkout availability probe and a short-TTL webhook duplicate marker.
// Nothing here is authoritative: every settlement decision is made by a
// conditional write in Postgres, and the cache may lag behind it.
type Client struct {
	rdb             *redis.Client
	decrementScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:             rdb,
		decrementScript: redis.NewScript(decrementAvailabilityScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func availabilityKey(variantID int64) string {
	return fmt.Sprintf("availability:%d", variantID)
}

// InitAvailability seeds the availability snapshot for a variant
func (c *Client) InitAvailability(ctx context.Context, variantID int64, available int) error {
	return c.rdb.HSet(ctx, availabilityKey(variantID), "available", available).Err()
}

// GetAvailability returns the cached availability snapshot.
// found is false when no snapshot exists, in which case callers fall back
// to the durable store.
func (c *Client) GetAvailability(ctx context.Context, variantID int64) (available int, found bool, err error) {
	val, err := c.rdb.HGet(ctx, availabilityKey(variantID), "available").Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return val, true, nil
}

// DecrementAvailability keeps the snapshot roughly in step after a stock
// commit. Best-effort; the snapshot is clamped at zero.
func (c *Client) DecrementAvailability(ctx context.Context, variantID int64, qty int) error {
	_, err := c.decrementScript.Run(ctx, c.rdb, []string{availabilityKey(variantID)}, qty).Result()
	if err != nil {
		return fmt.Errorf("decrement availability script failed: %w", err)
	}
	return nil
}

// CreditAvailability restores the snapshot after a stock revert. Best-effort.
func (c *Client) CreditAvailability(ctx context.Context, variantID int64, qty int) error {
	return c.rdb.HIncrBy(ctx, availabilityKey(variantID), "available", int64(qty)).Err()
}

func webhookKey(intentID, transactionID string) string {
	return fmt.Sprintf("webhook:%s:%s", intentID, transactionID)
}

// WebhookSeen reports whether this webhook delivery was already fully
// processed. A true return lets the handler short-circuit an obvious
// duplicate before touching the store; the durable claim in Postgres
// remains the authoritative idempotency gate either way.
func (c *Client) WebhookSeen(ctx context.Context, intentID, transactionID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, webhookKey(intentID, transactionID)).Result()
	return n > 0, err
}

// MarkWebhookSeen records that a webhook delivery was durably processed.
// Written only after processing succeeds, so a delivery that failed on a
// storage fault is reprocessed in full when the gateway retries.
func (c *Client) MarkWebhookSeen(ctx context.Context, intentID, transactionID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, webhookKey(intentID, transactionID), "1", ttl).Err()
}
