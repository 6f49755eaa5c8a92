package redis

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"edgecopilot/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Client is the go-redis handle shared by the run registry.
type Client struct {
	inner *redis.Client
}

// ErrCacheMiss reports a key that does not exist or has expired.
var ErrCacheMiss = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

const dialTimeout = 3 * time.Second

// Dial connects to the configured redis and pings it once.
func Dial(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("redis: nil config")
	}
	rc := cfg.Redis
	addr := net.JoinHostPort(cmp.Or(rc.Host, "127.0.0.1"), strconv.Itoa(cmp.Or(rc.Port, 6379)))
	inner := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := inner.Ping(ctx).Err(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return &Client{inner: inner}, nil
}

// HSetWithTTL writes fields into the hash at key and refreshes its expiry.
func (c *Client) HSetWithTTL(ctx context.Context, key string, fields map[string]interface{}, ttl time.Duration) error {
	if c == nil || c.inner == nil {
		return errNotInitialized
	}
	pipe := c.inner.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// HGetAll returns every field of the hash at key; ErrCacheMiss when absent.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if c == nil || c.inner == nil {
		return nil, errNotInitialized
	}
	fields, err := c.inner.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrCacheMiss
	}
	return fields, nil
}

// TTL reports the remaining lifetime of key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	if c == nil || c.inner == nil {
		return 0, errNotInitialized
	}
	return c.inner.TTL(ctx, key).Result()
}

// Close releases the connection pool. Safe on a nil client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw returns the go-redis client for operations the wrapper lacks.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
