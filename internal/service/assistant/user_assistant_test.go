package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prabhdeep-singh/katalyst-assistant/internal/config"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/prompt"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/storage"
)

func TestRegisterAndLogin(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, "alice", "s3cret", prompt.RoleTechnical)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Role != "technical" {
		t.Fatalf("unexpected role %q", user.Role)
	}
	if user.PasswordHash == "s3cret" {
		t.Fatalf("password stored in plaintext")
	}

	if _, err := svc.RegisterUser(ctx, "alice", "other", prompt.RoleTester); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}

	got, err := svc.Login(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("login returned user %d, want %d", got.ID, user.ID)
	}
	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)

	if _, err := svc.RegisterUser(context.Background(), "bob", "pw", prompt.Role("wizard")); !errors.Is(err, prompt.ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()

	userID := insertTestUser(t, db, "carol")
	if _, err := svc.SaveExchange(ctx, Exchange{UserID: userID, Role: "functional", Query: "q", Response: "r"}); err != nil {
		t.Fatalf("save exchange: %v", err)
	}
	if err := svc.DeleteUser(ctx, userID); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM responses`).Scan(&count); err != nil {
		t.Fatalf("count responses: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected responses to cascade, got %d", count)
	}
	if err := svc.DeleteUser(ctx, userID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestSaveFeedback(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	ctx := context.Background()
	userID := insertTestUser(t, db, "dave")

	if _, err := svc.SaveFeedback(ctx, userID, nil, 0, ""); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("expected ErrInvalidRating, got %v", err)
	}
	fb, err := svc.SaveFeedback(ctx, userID, nil, 5, " great ")
	if err != nil {
		t.Fatalf("save feedback: %v", err)
	}
	if fb.ID == "" || fb.Comment != "great" {
		t.Fatalf("unexpected feedback: %+v", fb)
	}
	missing := int64(999)
	if _, err := svc.SaveFeedback(ctx, userID, &missing, 3, ""); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows for foreign response, got %v", err)
	}
}

func TestPurgeExpiredTokens(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	svc := NewService(db)
	userID := insertTestUser(t, db, "erin")
	now := time.Now().UTC()

	if _, err := db.Exec(`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?), (?, ?, ?, ?)`,
		"old", userID, now.Add(-2*time.Hour), now.Add(-time.Hour),
		"fresh", userID, now, now.Add(time.Hour),
	); err != nil {
		t.Fatalf("insert tokens: %v", err)
	}
	n, err := svc.PurgeExpiredTokens(context.Background(), now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged token, got %d", n)
	}
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
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

func insertTestUser(t *testing.T, db *sql.DB, username string) int64 {
	t.Helper()
	now := time.Now().UTC()
	res, err := db.Exec(`INSERT INTO users (username, password_hash, role, created_at) VALUES (?, '', 'functional', ?)`, username, now)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return id
}

func saveN(t *testing.T, svc *Service, userID, sessionID int64, n int) int64 {
	t.Helper()
	for i := 1; i <= n; i++ {
		id, err := svc.SaveExchange(context.Background(), Exchange{
			UserID:    userID,
			SessionID: sessionID,
			Role:      "functional",
			Query:     fmt.Sprintf("q%d", i),
			Response:  fmt.Sprintf("r%d", i),
		})
		if err != nil {
			t.Fatalf("save exchange %d: %v", i, err)
		}
		sessionID = id
	}
	return sessionID
}
