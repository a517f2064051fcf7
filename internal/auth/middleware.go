package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const principalContextKey = "auth_principal"

// Middleware validates bearer tokens or the auth cookie and stores the principal in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := s.extractToken(c)
		if authToken == "" {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		principal, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			status := http.StatusUnauthorized
			msg := ErrInvalidToken.Error()
			if errors.Is(err, ErrRoleMismatch) {
				status = http.StatusForbidden
				msg = err.Error()
			} else if !errors.Is(err, ErrInvalidToken) {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
				return
			}
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}
		c.Set(principalContextKey, principal)
		c.Next()
	}
}

// PrincipalFromContext retrieves the authenticated caller from the gin context.
func PrincipalFromContext(c *gin.Context) (*Principal, bool) {
	val, ok := c.Get(principalContextKey)
	if !ok {
		return nil, false
	}
	p, ok := val.(*Principal)
	return p, ok
}

// UserIDFromContext retrieves the authenticated user id from the gin context.
func UserIDFromContext(c *gin.Context) (int64, bool) {
	p, ok := PrincipalFromContext(c)
	if !ok {
		return 0, false
	}
	return p.UserID, true
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}
