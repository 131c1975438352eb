package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client wraps a go-redis client with the service key prefix
type Client struct {
	cli    *redis.Client
	prefix string
	logger *slog.Logger
}

// NewClient creates a new Redis client and pings the server
func NewClient(ctx context.Context, config *Config, logger *slog.Logger) (*Client, error) {
	opts := &redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	logger.Info("Connecting to Redis",
		slog.String("addr", config.Addr),
		slog.Int("db", config.DB),
	)

	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "ocr"
	}

	return &Client{cli: c, prefix: prefix, logger: logger}, nil
}

// Key builds a namespaced key
func (c *Client) Key(parts ...string) string {
	key := c.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Raw returns the underlying go-redis client
func (c *Client) Raw() *redis.Client {
	return c.cli
}

// HealthCheck pings the server with a short deadline
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.cli.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	c.logger.Info("Closing Redis connection")
	return c.cli.Close()
}
