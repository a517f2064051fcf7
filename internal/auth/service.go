package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/prabhdeep-singh/katalyst-assistant/internal/models"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/redis"
)

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("could not validate credentials")
	ErrRoleMismatch  = errors.New("token role does not match user role")
)

// Claims is the payload of an access token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the caller identified by a valid token.
type Principal struct {
	UserID  int64
	Role    string
	TokenID string
}

// Service issues, validates, and revokes user access tokens.
type Service struct {
	db             *sql.DB
	cache          *redis.Client
	secret         []byte
	tokenTTL       time.Duration
	now            func() time.Time
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service. cache may be nil, in which case every validation
// hits the database.
func NewService(db *sql.DB, cache *redis.Client, secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Service{
		db:             db,
		cache:          cache,
		secret:         []byte(secret),
		tokenTTL:       ttl,
		now:            time.Now,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// IssueToken signs a new access token for the user and records its id for revocation.
func (s *Service) IssueToken(ctx context.Context, user *models.User) (string, error) {
	if user == nil || user.ID <= 0 {
		return "", errors.New("invalid user")
	}
	now := s.now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	jti := uuid.NewString()

	claims := Claims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		jti, user.ID, now, expiresAt,
	); err != nil {
		return "", fmt.Errorf("record token: %w", err)
	}
	s.cacheToken(ctx, jti, user.Role, expiresAt.Sub(now))
	return signed, nil
}

// ValidateToken verifies signature, expiry and revocation state, and that the role in the
// token still matches the stored user.
func (s *Service) ValidateToken(ctx context.Context, raw string) (*Principal, error) {
	if raw == "" {
		return nil, ErrTokenRequired
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 || claims.ID == "" {
		return nil, ErrInvalidToken
	}

	if role, ok := s.cachedRole(ctx, claims.ID); ok {
		if role != claims.Role {
			return nil, ErrRoleMismatch
		}
		return &Principal{UserID: userID, Role: claims.Role, TokenID: claims.ID}, nil
	}

	var (
		storedRole string
		expiresAt  time.Time
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT u.role, t.expires_at FROM user_tokens t JOIN users u ON u.id = t.user_id WHERE t.token = ? AND t.user_id = ?`,
		claims.ID, userID,
	).Scan(&storedRole, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if s.now().UTC().After(expiresAt) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, claims.ID); err != nil {
			slog.Warn("delete expired token failed", "token_id", claims.ID, "error", err)
		}
		return nil, ErrInvalidToken
	}
	if storedRole != claims.Role {
		return nil, ErrRoleMismatch
	}
	s.cacheToken(ctx, claims.ID, storedRole, expiresAt.Sub(s.now().UTC()))
	return &Principal{UserID: userID, Role: claims.Role, TokenID: claims.ID}, nil
}

// RevokeToken deletes a single token by id.
func (s *Service) RevokeToken(ctx context.Context, tokenID string) error {
	if tokenID == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, tokenID); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.uncache(ctx, tokenID)
	return nil
}

// RevokeUserTokens removes all tokens belonging to the user.
func (s *Service) RevokeUserTokens(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM user_tokens WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("list user tokens: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan token: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("list user tokens: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	s.uncache(ctx, ids...)
	return nil
}

func (s *Service) cacheToken(ctx context.Context, jti, role string, ttl time.Duration) {
	if s.cache == nil || ttl <= 0 {
		return
	}
	if err := s.cache.CacheTokenRole(ctx, jti, role, ttl); err != nil {
		slog.Warn("cache token failed", "error", err)
	}
}

func (s *Service) cachedRole(ctx context.Context, jti string) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	role, err := s.cache.TokenRole(ctx, jti)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			slog.Warn("read token cache failed", "error", err)
		}
		return "", false
	}
	return role, true
}

func (s *Service) uncache(ctx context.Context, jtis ...string) {
	if s.cache == nil || len(jtis) == 0 {
		return
	}
	if err := s.cache.EvictTokens(ctx, jtis...); err != nil {
		slog.Warn("evict token cache failed", "error", err)
	}
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
