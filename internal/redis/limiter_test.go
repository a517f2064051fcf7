package redis

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/prabhdeep-singh/katalyst-assistant/internal/config"
)

func TestLimiterFixedWindow(t *testing.T) {
	client := newTestClient(t)
	defer client.Close()

	limiter := NewLimiter(client, "test")
	ctx := context.Background()
	limit := Limit{Max: 2, Window: time.Minute}
	for i := 0; i < 2; i++ {
		ok, _, err := limiter.Allow(ctx, "login", "127.0.0.1", limit)
		if err != nil || !ok {
			t.Fatalf("hit %d rejected: ok=%v err=%v", i+1, ok, err)
		}
	}
	ok, retryAfter, err := limiter.Allow(ctx, "login", "127.0.0.1", limit)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if ok {
		t.Fatalf("expected third hit to be rejected")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("unexpected retry after %v", retryAfter)
	}
	if ok, _, _ := limiter.Allow(ctx, "login", "10.0.0.1", limit); !ok {
		t.Fatalf("other subjects must have their own window")
	}
}

func TestNilClientErrors(t *testing.T) {
	var c *Client
	if _, err := c.IncrWindow(context.Background(), "k", time.Second); err == nil {
		t.Fatalf("expected error from nil client")
	}
	if _, err := c.TokenRole(context.Background(), "jti"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if Enabled(&config.Config{}) {
		t.Fatalf("empty host must disable redis")
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	client, err := NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	if err := client.raw().FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush db: %v", err)
	}
	return client
}
