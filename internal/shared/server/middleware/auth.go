package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"docflow-backend/internal/shared/server/respond"
)

const (
	userIDKey = "userId"

	// DefaultIdentityHeader carries the user id set by the upstream identity proxy.
	DefaultIdentityHeader = "X-User-Id"
)

// Auth trusts the identity asserted by the gateway in header and stores it in
// the context. Requests without it are rejected. Public paths skip the check.
func Auth(header string, public ...string) gin.HandlerFunc {
	if strings.TrimSpace(header) == "" {
		header = DefaultIdentityHeader
	}
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}

		path := c.Request.URL.Path
		for _, p := range public {
			if path == p {
				c.Next()
				return
			}
		}

		userID := strings.TrimSpace(c.GetHeader(header))
		if userID == "" {
			respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing identity", nil)
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

// UserIDFromContext fetches the user ID set by the auth middleware.
func UserIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	val, _ := c.Get(userIDKey)
	if id, ok := val.(string); ok {
		return id
	}
	return ""
}
