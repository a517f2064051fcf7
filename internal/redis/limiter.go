package redis

import (
	"context"
	"fmt"
	"time"
)

// Limit is a fixed-window allowance: at most Max hits per Window.
type Limit struct {
	Max    int64
	Window time.Duration
}

// Limiter counts hits per key in fixed windows stored in redis.
type Limiter struct {
	client *Client
	prefix string
}

// NewLimiter builds a limiter over client. Keys are namespaced with prefix.
func NewLimiter(client *Client, prefix string) *Limiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Limiter{client: client, prefix: prefix}
}

// Allow records a hit for (scope, subject) and reports whether it is within limit.
// retryAfter is the remaining window when the hit is rejected.
func (l *Limiter) Allow(ctx context.Context, scope, subject string, limit Limit) (allowed bool, retryAfter time.Duration, err error) {
	key := fmt.Sprintf("%s:%s:%s", l.prefix, scope, subject)
	count, err := l.client.IncrWindow(ctx, key, limit.Window)
	if err != nil {
		return false, 0, fmt.Errorf("rate limit %s: %w", scope, err)
	}
	if count <= limit.Max {
		return true, 0, nil
	}
	ttl, err := l.client.TTL(ctx, key)
	if err != nil || ttl < 0 {
		ttl = limit.Window
	}
	return false, ttl, nil
}
