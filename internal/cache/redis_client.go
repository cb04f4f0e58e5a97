package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// releaseScript deletes the lock only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Client wraps the Redis client with the lease helpers stages use
// to stay exclusive across processes.
type Client struct {
	client *redis.Client
	logger *logrus.Logger
	prefix string
}

// NewClient creates a Redis client for addr ("host:port")
func NewClient(ctx context.Context, addr, password string, logger *logrus.Logger) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address missing")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	c := &Client{
		client: client,
		logger: logger,
		prefix: "lms-sync:lock:",
	}

	// fail fast on startup
	if err := c.HealthCheck(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	logger.WithField("addr", addr).Info("redis client connected")
	return c, nil
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	return nil
}

// HealthCheck verifies Redis connectivity
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// AcquireLease sets name if nobody holds it. The returned token is needed
// to release it; ok is false when another holder has the lease.
func (c *Client) AcquireLease(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error) {
	token, err = newToken()
	if err != nil {
		return "", false, err
	}

	ok, err = c.client.SetNX(ctx, c.prefix+name, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx failed for %s: %w", name, err)
	}
	if !ok {
		c.logger.WithField("lease", name).Debug("lease held elsewhere")
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLease drops the lease if token still owns it
func (c *Client) ReleaseLease(ctx context.Context, name, token string) error {
	if err := releaseScript.Run(ctx, c.client, []string{c.prefix + name}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release failed for %s: %w", name, err)
	}
	return nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate lease token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
