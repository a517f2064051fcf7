package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestIDHeader carries the per-request id, echoed back to the client.
const RequestIDHeader = "X-Request-ID"

// RequestLogger logs one line per request with its id, status and latency.
// Health checks are not logged.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)
		c.Set(RequestIDHeader, requestID)

		c.Next()

		if c.Request.URL.Path == "/health" {
			return
		}
		status := c.Writer.Status()
		logger := slog.Default().With(
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"client_ip", c.ClientIP(),
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		switch {
		case status >= 500:
			logger.Error("request failed")
		case status >= 400:
			logger.Warn("request rejected")
		default:
			logger.Info("request completed")
		}
	}
}
