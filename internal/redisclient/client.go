package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb         *redis.Client
	queryWindow time.Duration
}

// NewClient creates a new Redis client. queryWindow is the per-reference
// minimum interval between active gateway queries.
func NewClient(addr, password string, db int, queryWindow time.Duration) (*Client, error) {
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

	return &Client{rdb: rdb, queryWindow: queryWindow}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// AllowGatewayQuery reports whether an active gateway query for the
// reference is allowed right now. At most one query per reference per
// window; read-repair callers simply skip the repair when denied.
func (c *Client) AllowGatewayQuery(ctx context.Context, ref string) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("gwquery:%s", ref), "1", c.queryWindow).Result()
}

// SetIdempotentRef stores an idempotency-key to order-reference mapping.
func (c *Client) SetIdempotentRef(ctx context.Context, key, ref string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), ref, ttl).Err()
}

// GetIdempotentRef returns the order reference stored for an idempotency
// key, or the empty string when the key is unknown.
func (c *Client) GetIdempotentRef(ctx context.Context, key string) (string, error) {
	ref, err := c.rdb.Get(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return ref, nil
}

// AcquireLock acquires a best-effort distributed lock, used to keep two
// sweeper instances from scanning the same batch at the same time. The
// sweep stays correct without it; this only avoids wasted work.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
