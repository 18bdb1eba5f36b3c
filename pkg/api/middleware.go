package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/dimesh-project/dim/pkg/ratelimit"
	"github.com/dimesh-project/dim/pkg/security"
)

// loggingMiddleware provides structured request logging via the given logger.
func loggingMiddleware(logger interface {
	Info(msg string, args ...any)
}) gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		logger.Info("http request",
			"method", param.Method,
			"path", param.Path,
			"status", param.StatusCode,
			"latency", param.Latency,
			"ip", param.ClientIP,
		)
		return ""
	})
}

// corsMiddleware allows cross-origin requests from the configured origins.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

// securityHeadersMiddleware applies the shared security header set.
func securityHeadersMiddleware() gin.HandlerFunc {
	headers := security.GetSecurityHeaders()
	return func(c *gin.Context) {
		for k, v := range headers {
			c.Header(k, v)
		}
		c.Next()
	}
}

// rateLimitMiddleware rejects requests once the caller's bucket (keyed by
// client IP, or by authenticated user_id when present) is exhausted.
func rateLimitMiddleware(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.ClientIP()
		if claims, ok := GetClaims(c); ok {
			id = claims.UserID
		}
		if ok, retryAfter := limiter.Check(id, 1); !ok {
			c.Header("Retry-After", retryAfter.Truncate(time.Second).String())
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter.Seconds(),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// requireJSON rejects write requests that don't carry a JSON content type.
func requireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		method := c.Request.Method
		if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
			if !strings.Contains(c.GetHeader("Content-Type"), "application/json") {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Content-Type must be application/json"})
				c.Abort()
				return
			}
		}
		c.Next()
	}
}
