// Package dedup provides an optional Redis-backed window of recently
// processed event ids. It widens the store's single-event replay horizon
// to a bounded set per order; with no Redis configured the horizon from
// the order row alone applies.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 24 * time.Hour

// Cache remembers processed (order, event) pairs for a bounded window.
// A nil *Cache is valid and remembers nothing.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a cache on the given client. A nil client yields a nil
// cache, which disables the wider replay window.
func New(rdb *redis.Client) *Cache {
	if rdb == nil {
		return nil
	}
	return &Cache{rdb: rdb, ttl: defaultTTL}
}

// NewFromURL dials Redis from a URL like "redis://host:6379/0".
func NewFromURL(url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opts)), nil
}

// Ping verifies the Redis connection, for readiness checks.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (c *Cache) Close() {
	if c != nil {
		_ = c.rdb.Close()
	}
}

// Seen reports whether the event id was marked for this order. Errors
// are logged and reported as unseen: a false negative only costs one
// idempotent replay.
func (c *Cache) Seen(ctx context.Context, orderID, eventID string) bool {
	if c == nil {
		return false
	}
	n, err := c.rdb.Exists(ctx, c.key(orderID, eventID)).Result()
	if err != nil {
		slog.Warn("Dedup lookup failed", "order", orderID, "event", eventID, "error", err)
		return false
	}
	return n > 0
}

// Mark records the event id for this order. Best effort.
func (c *Cache) Mark(ctx context.Context, orderID, eventID string) {
	if c == nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(orderID, eventID), 1, c.ttl).Err(); err != nil {
		slog.Warn("Dedup mark failed", "order", orderID, "event", eventID, "error", err)
	}
}

func (c *Cache) key(orderID, eventID string) string {
	return fmt.Sprintf("orderflow:dedup:%s:%s", orderID, eventID)
}
