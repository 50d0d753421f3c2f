package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// ErrConflict is returned by Update when the optimistic transaction keeps
// losing against concurrent writers.
var ErrConflict = errors.New("too many write conflicts")

const updateRetries = 8

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping checks connectivity, used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// MGet retrieves several keys at once; missing keys come back as empty
// strings.
func (c *Client) MGet(ctx context.Context, keys ...string) ([]string, error) {
	raw, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	vals := make([]string, len(keys))
	for i, v := range raw {
		if s, ok := v.(string); ok {
			vals[i] = s
		}
	}
	return vals, nil
}

// Set stores a value with TTL (zero means no expiry)
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Exists reports whether a key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Update applies fn to the current value of key and writes the result
// back under an optimistic WATCH/MULTI transaction, so concurrent
// updates on the same key cannot lose each other's writes. fn receives
// the current value ("" when absent) and whether the key existed; any
// error it returns aborts the transaction without writing and is passed
// through to the caller.
func (c *Client) Update(ctx context.Context, key string, fn func(cur string, found bool) (string, error)) error {
	for i := 0; i < updateRetries; i++ {
		err := c.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.Get(ctx, key).Result()
			found := true
			if err == redis.Nil {
				cur, found = "", false
			} else if err != nil {
				return err
			}

			next, err := fn(cur, found)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return ErrConflict
}
