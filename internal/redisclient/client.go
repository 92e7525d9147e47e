package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and checks connectivity
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

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection for readiness probes
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func webhookKey(eventID string) string {
	return fmt.Sprintf("webhook:event:%s", eventID)
}

// WebhookEventSeen reports whether a webhook delivery was already handled.
func (c *Client) WebhookEventSeen(ctx context.Context, eventID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, webhookKey(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkWebhookEvent records a handled webhook delivery for ttl. It returns
// false if the event was already recorded.
func (c *Client) MarkWebhookEvent(ctx context.Context, eventID, outcome string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, webhookKey(eventID), outcome, ttl).Result()
}
