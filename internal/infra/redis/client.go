package redis

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/masked-call/internal/config"
)

// Client owns the connection shared by the owner throttle and the
// cancellation registry.
type Client struct {
	inner  *redis.Client
	prefix string
}

// NewClient dials and pings the configured server.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis: address is required")
	}

	inner := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})

	c := &Client{inner: inner, prefix: cfg.KeyPrefix}
	if err := c.Ping(ctx); err != nil {
		_ = inner.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.inner.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Prefix is the namespace every key written by this service starts with.
func (c *Client) Prefix() string {
	if c.prefix == "" {
		return "maskedcall"
	}
	return c.prefix
}

func (c *Client) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

func (c *Client) Inner() *redis.Client {
	return c.inner
}
