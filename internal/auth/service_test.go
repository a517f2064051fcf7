package auth

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/prabhdeep-singh/katalyst-assistant/internal/config"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/models"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/redis"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/storage"
)

const testSecret = "test-secret-key"

func TestAuthIssueValidateRevoke(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	user := insertUser(t, db, 1, "functional")

	svc := NewService(db, nil, testSecret, time.Hour)
	ctx := context.Background()
	token, err := svc.IssueToken(ctx, user)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	p, err := svc.ValidateToken(ctx, token)
	if err != nil || p.UserID != 1 || p.Role != "functional" || p.TokenID == "" {
		t.Fatalf("ValidateToken failed: p=%+v err=%v", p, err)
	}
	if err := svc.RevokeToken(ctx, p.TokenID); err != nil {
		t.Fatalf("RevokeToken error: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after revoke, got %v", err)
	}

	token2, err := svc.IssueToken(ctx, user)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if err := svc.RevokeUserTokens(ctx, 1); err != nil {
		t.Fatalf("RevokeUserTokens error: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token2); err == nil {
		t.Fatalf("expected error after revoke all")
	}
}

func TestAuthValidateExpiredToken(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	user := insertUser(t, db, 2, "tester")

	svc := NewService(db, nil, testSecret, time.Minute)
	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := svc.IssueToken(context.Background(), user)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	svc.now = time.Now
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expiration error, got %v", err)
	}
}

func TestAuthPurgesExpiredTokenRecord(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	user := insertUser(t, db, 3, "key_user")

	svc := NewService(db, nil, testSecret, time.Hour)
	ctx := context.Background()
	token, err := svc.IssueToken(ctx, user)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	// the stored record expires before the signed claim does
	if _, err := db.Exec(`UPDATE user_tokens SET expires_at = ?`, time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("expire token record: %v", err)
	}
	if _, err := db.Exec(`CREATE TRIGGER keep_tokens BEFORE DELETE ON user_tokens BEGIN SELECT RAISE(ABORT, 'locked'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	defer slog.SetDefault(prev)

	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if !strings.Contains(logs.String(), "delete expired token failed") {
		t.Fatalf("expected failed delete to be logged, got %q", logs.String())
	}

	if _, err := db.Exec(`DROP TRIGGER keep_tokens`); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM user_tokens`).Scan(&count); err != nil {
		t.Fatalf("count tokens: %v", err)
	}
	if count != 0 {
		t.Fatalf("expired token record should be deleted, %d left", count)
	}
}

func TestAuthRejectsForeignSignature(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	user := insertUser(t, db, 3, "functional")

	other := NewService(db, nil, "another-secret", time.Hour)
	token, err := other.IssueToken(context.Background(), user)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	svc := NewService(db, nil, testSecret, time.Hour)
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestAuthRoleMismatch(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	user := insertUser(t, db, 4, "functional")

	svc := NewService(db, nil, testSecret, time.Hour)
	token, err := svc.IssueToken(context.Background(), user)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	if _, err := db.Exec(`UPDATE users SET role = 'administrator' WHERE id = ?`, user.ID); err != nil {
		t.Fatalf("update role: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch, got %v", err)
	}
}

func TestMiddlewareAndCSRF(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	defer db.Close()
	user := insertUser(t, db, 5, "end_user")
	svc := NewService(db, nil, testSecret, time.Hour)
	token, err := svc.IssueToken(context.Background(), user)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}

	router := gin.New()
	router.Use(svc.Middleware(), svc.CSRFMiddleware())
	router.POST("/whoami", func(c *gin.Context) {
		p, _ := PrincipalFromContext(c)
		c.JSON(http.StatusOK, gin.H{"id": p.UserID, "role": p.Role})
	})

	cases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"missing token", func(r *http.Request) {}, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusOK},
		{"cookie without csrf", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
		}, http.StatusForbidden},
		{"cookie with csrf", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
			r.AddCookie(&http.Cookie{Name: svc.CSRFCookieName(), Value: "abc"})
			r.Header.Set(svc.CSRFHeaderName(), "abc")
		}, http.StatusOK},
		{"garbage bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/whoami", nil)
		tc.setup(req)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, w.Code, w.Body.String())
		}
	}
}

func TestAuthTokenCacheUsesRedis(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	user := insertUser(t, db, 10, "technical")

	cacheClient, cleanup := newRedisCacheClient(t)
	defer cleanup()

	svc := NewService(db, cacheClient, testSecret, time.Hour)
	ctx := context.Background()

	token, err := svc.IssueToken(ctx, user)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	p, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}

	got, err := cacheClient.TokenRole(ctx, p.TokenID)
	if err != nil {
		t.Fatalf("get redis token: %v", err)
	}
	if got != "technical" {
		t.Fatalf("expected cached role technical, got %s", got)
	}

	if err := svc.RevokeToken(ctx, p.TokenID); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, err := cacheClient.TokenRole(ctx, p.TokenID); !errors.Is(err, redis.ErrCacheMiss) {
		t.Fatalf("expected redis key deleted, got %v", err)
	}
	if _, err := svc.ValidateToken(ctx, token); err == nil {
		t.Fatalf("expected error after revoke")
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: ":memory:",
			},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func insertUser(t *testing.T, db *sql.DB, id int64, role string) *models.User {
	t.Helper()
	now := time.Now().UTC()
	username := "user_" + strconv.FormatInt(id, 10)
	_, err := db.Exec(`INSERT INTO users (id, username, password_hash, role, created_at) VALUES (?, ?, '', ?, ?)`,
		id, username, role, now)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return &models.User{ID: id, Username: username, Role: role, CreatedAt: now}
}

func newRedisCacheClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed auth tests")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Host: host,
			Port: port,
			DB:   db,
		},
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	cleanup := func() {
		client.Close()
	}
	return client, cleanup
}
