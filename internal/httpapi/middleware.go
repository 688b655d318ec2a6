package httpapi

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/roach88/turnstile/internal/auth"
	"github.com/roach88/turnstile/internal/checkin"
)

const (
	requestIDHeader = "X-Request-ID"
	identityKey     = "turnstile.identity"
)

// requestID propagates X-Request-ID or assigns a UUIDv7.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			if u, err := uuid.NewV7(); err == nil {
				id = u.String()
			} else {
				id = uuid.NewString()
			}
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"request_id", c.GetString(requestIDHeader),
		}
		if id, ok := identityFrom(c); ok {
			attrs = append(attrs, "event_id", id.EventID, "subject", id.Subject)
		}
		if c.Writer.Status() >= 500 {
			slog.Warn("http request", attrs...)
			return
		}
		slog.Info("http request", attrs...)
	}
}

// authenticate resolves the bearer token into the request identity.
func authenticate(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			abortWithError(c, checkin.CodeUnauthorized)
			return
		}
		id, err := v.Verify(token)
		if err != nil {
			slog.Debug("token rejected", "error", err)
			abortWithError(c, checkin.CodeUnauthorized)
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func requireRole(roles ...auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identityFrom(c)
		if !ok || !id.Allows(roles...) {
			abortWithError(c, checkin.CodeForbidden)
			return
		}
		c.Next()
	}
}

func identityFrom(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}
