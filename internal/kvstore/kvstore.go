// Package kvstore wraps the Redis client behind the narrow set of keyed
// TTL-store operations the dispatcher and watchdog depend on.
//
// Values are JSON-encoded payload documents; keys are credential strings
// minted by the token package. Every operation takes a context and may fail
// transiently — callers treat failures as "try again next tick" and never
// abort a whole reconciliation pass over one key.
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"robogate/internal/config"
)

// KeyState classifies the result of a TTL probe.
type KeyState int

const (
	// KeyMissing means the key does not exist (PTTL returned -2).
	KeyMissing KeyState = iota
	// KeyNoExpiry means the key exists without a TTL (PTTL returned -1).
	KeyNoExpiry
	// KeyExpiring means the key exists and the returned duration is its
	// remaining TTL.
	KeyExpiring
)

// Store is the TTL-store contract consumed by the dispatcher and watchdog.
// Client is the Redis-backed implementation; tests substitute in-memory fakes.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	RemainingTTL(ctx context.Context, key string) (time.Duration, KeyState, error)
	PExpire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Rotate(ctx context.Context, newKey, value string, ttl time.Duration, oldKey string, grace time.Duration) error
}

// Client is the go-redis implementation of Store.
type Client struct {
	rdb *redis.Client
}

var _ Store = (*Client)(nil)

// New connects to Redis and verifies the connection with a bounded ping.
func New(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Set writes value under key with an absolute TTL.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns the value under key. The bool reports whether the key exists.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// RemainingTTL probes the key's remaining lifetime. go-redis encodes PTTL's
// -2 (missing) and -1 (no expiry) replies as raw negative durations; this
// normalizes them into a KeyState so callers never compare sentinels.
func (c *Client) RemainingTTL(ctx context.Context, key string) (time.Duration, KeyState, error) {
	d, err := c.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, KeyMissing, err
	}
	switch {
	case d == -2:
		return 0, KeyMissing, nil
	case d == -1:
		return 0, KeyNoExpiry, nil
	default:
		return d, KeyExpiring, nil
	}
}

// PExpire sets the key's remaining TTL.
func (c *Client) PExpire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.PExpire(ctx, key, ttl).Err()
}

// Delete removes the key. Deleting an absent key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

// Rotate publishes value under newKey with a full TTL and, when oldKey is
// non-empty, shortens the old key's TTL to grace — both in one pipelined
// round trip. The overlap leaves the outgoing credential readable with
// identical content for the grace window.
func (c *Client) Rotate(ctx context.Context, newKey, value string, ttl time.Duration, oldKey string, grace time.Duration) error {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, newKey, value, ttl)
	if oldKey != "" {
		pipe.PExpire(ctx, oldKey, grace)
	}
	_, err := pipe.Exec(ctx)
	return err
}
