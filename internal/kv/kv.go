// Package kv wraps the shared Redis instance behind the small set of atomic
// primitives the pipeline relies on. Every key is namespaced under "janus:"
// so one Redis can host several deployments.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Namespace prefixes every key this process touches.
const Namespace = "janus"

// Client is a namespaced view of a Redis connection.
type Client struct {
	rdb *redis.Client
}

// Open connects using a redis:// URL (KV_URL).
func Open(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing kv url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

// New wraps an existing client; used by tests with miniredis.
func New(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Key joins parts under the namespace: Key("hash", h) -> "janus:hash:<h>".
func (c *Client) Key(parts ...string) string {
	return Namespace + ":" + strings.Join(parts, ":")
}

// Redis exposes the underlying client for components, like the job queues,
// that need list and sorted-set commands directly. Callers must build keys
// with Key.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping verifies the connection; called once at startup and fatal on failure.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Set stores a value with a TTL (zero means no expiry).
func (c *Client) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, val, ttl).Err()
}

// SetNX stores the value only when the key is absent. Returns whether the
// write happened.
func (c *Client) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, val, ttl).Result()
}

// Get returns the value and whether the key existed.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Exists reports whether the key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// GetSet atomically swaps the value and returns the previous one ("" when
// the key was absent), then refreshes the TTL. The swap is what keeps the
// edit-update tracker single-writer under concurrent updates.
func (c *Client) GetSet(ctx context.Context, key, val string, ttl time.Duration) (string, error) {
	prev, err := c.rdb.GetSet(ctx, key, val).Result()
	if errors.Is(err, redis.Nil) {
		prev, err = "", nil
	}
	if err != nil {
		return "", err
	}
	if ttl > 0 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return prev, err
		}
	}
	return prev, nil
}

// Del removes keys; missing keys are not an error.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// IncrWindow increments a counter, arming the window TTL on the first tick.
// This is the leaky-bucket primitive: the counter lives exactly one window.
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.rdb.PExpire(ctx, key, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// PTTL returns the key's remaining lifetime. Absent keys or keys without a
// TTL report zero.
func (c *Client) PTTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
