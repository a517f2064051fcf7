package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prabhdeep-singh/katalyst-assistant/internal/config"

	redis "github.com/redis/go-redis/v9"
)

const (
	tokenKeyPrefix = "auth:token:"
	pingTimeout    = 3 * time.Second
)

var (
	// ErrCacheMiss is returned when a key is absent.
	ErrCacheMiss = redis.Nil
	// ErrNotInitialized is returned by methods called on a nil Client.
	ErrNotInitialized = errors.New("redis client not initialized")
)

// Client holds the token cache and the rate limit counters.
type Client struct {
	inner *redis.Client
}

// Enabled reports whether a redis host is configured. Without one the server runs with
// database-only token checks and no rate limiting.
func Enabled(cfg *config.Config) bool {
	return cfg != nil && cfg.Redis.Host != ""
}

// NewRedisClient connects using cfg.Redis and verifies the server answers PING.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	port := cfg.Redis.Port
	if port == 0 {
		port = 6379
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, port),
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", client.Options().Addr, err)
	}
	return &Client{inner: client}, nil
}

func (c *Client) ready() error {
	if c == nil || c.inner == nil {
		return ErrNotInitialized
	}
	return nil
}

// CacheTokenRole remembers the role bound to a live token id until ttl passes.
func (c *Client) CacheTokenRole(ctx context.Context, tokenID, role string, ttl time.Duration) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.inner.Set(ctx, tokenKeyPrefix+tokenID, role, ttl).Err()
}

// TokenRole returns the cached role for tokenID, or ErrCacheMiss.
func (c *Client) TokenRole(ctx context.Context, tokenID string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	return c.inner.Get(ctx, tokenKeyPrefix+tokenID).Result()
}

// EvictTokens drops cached entries for revoked tokens.
func (c *Client) EvictTokens(ctx context.Context, tokenIDs ...string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if len(tokenIDs) == 0 {
		return nil
	}
	keys := make([]string, len(tokenIDs))
	for i, id := range tokenIDs {
		keys[i] = tokenKeyPrefix + id
	}
	return c.inner.Del(ctx, keys...).Err()
}

// IncrWindow increments key and starts its expiry on the first hit of a window.
// It returns the count within the current window.
func (c *Client) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	pipe := c.inner.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// TTL returns the remaining lifetime of key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	return c.inner.TTL(ctx, key).Result()
}

func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

func (c *Client) raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
