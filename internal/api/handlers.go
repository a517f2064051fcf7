package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/prabhdeep-singh/katalyst-assistant/internal/auth"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/prompt"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/redis"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/service/assistant"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/service/query"
	"github.com/prabhdeep-singh/katalyst-assistant/internal/worker"
)

// RateLimiter counts requests per scope and client. The redis limiter satisfies it.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string, limit redis.Limit) (bool, time.Duration, error)
}

// Route limits, per client address.
var (
	LoginLimit         = redis.Limit{Max: 10, Window: time.Minute}
	RegisterLimit      = redis.Limit{Max: 5, Window: time.Hour}
	QueryLimit         = redis.Limit{Max: 60, Window: time.Minute}
	PublicQueryLimit   = redis.Limit{Max: 30, Window: time.Minute}
	FeedbackLimit      = redis.Limit{Max: 10, Window: time.Minute}
	SessionReadLimit   = redis.Limit{Max: 60, Window: time.Minute}
	SessionCreateLimit = redis.Limit{Max: 20, Window: time.Minute}
	SessionWriteLimit  = redis.Limit{Max: 30, Window: time.Minute}
)

const defaultMaxQueryLength = 1000

// Handler wires HTTP routes to the assistant, auth and query services.
type Handler struct {
	assistant      *assistant.Service
	auth           *auth.Service
	queries        *query.Service
	limiter        RateLimiter
	maxQueryLength int
}

// NewHandler constructs a Handler. limiter may be nil to disable rate limiting.
func NewHandler(service *assistant.Service, authService *auth.Service, queries *query.Service, limiter RateLimiter, maxQueryLength int) *Handler {
	if maxQueryLength <= 0 {
		maxQueryLength = defaultMaxQueryLength
	}
	return &Handler{
		assistant:      service,
		auth:           authService,
		queries:        queries,
		limiter:        limiter,
		maxQueryLength: maxQueryLength,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.health)

	api := router.Group("/api")
	api.POST("/register", h.rateLimit("register", RegisterLimit), h.registerUser)
	api.POST("/token", h.rateLimit("login", LoginLimit), h.loginUser)
	api.POST("/public/query", h.rateLimit("public_query", PublicQueryLimit), h.publicQuery)

	authed := api.Group("")
	authed.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	authed.POST("/logout", h.logoutUser)
	authed.DELETE("/users/me", h.deleteUser)
	authed.POST("/query", h.rateLimit("query", QueryLimit), h.processQuery)
	authed.POST("/feedback", h.rateLimit("feedback", FeedbackLimit), h.submitFeedback)

	// each session route counts separately
	sessions := authed.Group("/chat/sessions")
	sessions.GET("", h.rateLimit("sessions_list", SessionReadLimit), h.listSessions)
	sessions.POST("", h.rateLimit("sessions_create", SessionCreateLimit), h.createSession)
	sessions.GET("/:session_id", h.rateLimit("sessions_get", SessionReadLimit), h.getSession)
	sessions.PUT("/:session_id", h.rateLimit("sessions_update", SessionWriteLimit), h.updateSession)
	sessions.DELETE("/:session_id", h.rateLimit("sessions_delete", SessionWriteLimit), h.deleteSession)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// rateLimit rejects requests beyond limit with 429. Limiter failures let the request through.
func (h *Handler) rateLimit(scope string, limit redis.Limit) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.limiter == nil {
			c.Next()
			return
		}
		allowed, retryAfter, err := h.limiter.Allow(c.Request.Context(), scope, c.ClientIP(), limit)
		if err != nil {
			slog.Warn("rate limiter unavailable", "scope", scope, "error", err)
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return 0, false
	}
	return userID, true
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	role, err := prompt.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Username, req.Password, role)
	if err != nil {
		if errors.Is(err, assistant.ErrUsernameTaken) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username already exists or registration failed"})
			return
		}
		slog.Warn("registration failed", "username", req.Username, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	slog.Info("user registered", "user_id", user.ID, "role", user.Role)
	c.JSON(http.StatusCreated, gin.H{
		"message":  "User created successfully",
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

// credentials accepts both the OAuth2 password form and JSON.
type credentials struct {
	Username string `form:"username" json:"username"`
	Password string `form:"password" json:"password"`
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentials
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, assistant.ErrInvalidCredentials) {
			slog.Warn("login failed", "username", req.Username)
			c.Header("WWW-Authenticate", "Bearer")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Incorrect username or password"})
			return
		}
		slog.Error("login failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user)
	if err != nil {
		slog.Error("issue token failed", "user_id", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"access_token": authToken,
		"token_type":   "bearer",
		"role":         user.Role,
		"csrf_token":   csrfToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	if p, ok := auth.PrincipalFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), p.TokenID); err != nil {
			slog.Error("revoke token failed", "user_id", p.UserID, "error", err)
		}
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.queries.CancelUser(id)
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.assistant.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

type feedbackRequest struct {
	ResponseID *int64 `json:"response_id"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment"`
}

func (h *Handler) submitFeedback(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	fb, err := h.assistant.SaveFeedback(c.Request.Context(), userID, req.ResponseID, req.Rating, req.Comment)
	if err != nil {
		switch {
		case errors.Is(err, assistant.ErrInvalidRating):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, sql.ErrNoRows):
			c.JSON(http.StatusNotFound, gin.H{"error": "response not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Feedback received", "id": fb.ID})
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 1800
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, prompt.ErrUnknownRole), errors.Is(err, prompt.ErrMalformedHistory):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, assistant.ErrSessionNotFound), errors.Is(err, sql.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, worker.ErrJobCancelled):
		c.JSON(http.StatusGone, gin.H{"error": "request cancelled because the account was deleted"})
	case errors.Is(err, worker.ErrDispatcherBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request cancelled"})
	default:
		slog.Error("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal server error occurred"})
	}
}

func (h *Handler) checkQuery(c *gin.Context, q string) bool {
	if strings.TrimSpace(q) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return false
	}
	if utf8.RuneCountInString(q) > h.maxQueryLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query exceeds maximum length of " + strconv.Itoa(h.maxQueryLength) + " characters"})
		return false
	}
	return true
}
