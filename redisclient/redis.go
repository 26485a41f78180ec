// Package redisclient wraps the go-redis client construction used by the
// optional Redis-backed dedup set.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimbusdata/cdp-core/config"
)

// Client is a thin wrapper around *redis.Client.
type Client struct {
	Raw *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &Client{Raw: redis.NewClient(opt)}, nil
}

// Ping verifies connectivity with a short timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.Raw.Ping(ctx).Err()
}

// SetNX sets key to a sentinel value with the given TTL, only if it does
// not already exist. Returns true if this call won the race (the key was
// not already present) — the dedup semantics the caller needs.
func (c *Client) SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.Raw.SetNX(ctx, key, "1", ttl).Result()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.Raw.Close()
}
