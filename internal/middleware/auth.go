package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/thingenious/eva-backend/internal/platform/logger"
)

// AdminAuth guards the admin surface with a static bearer token.
type AdminAuth struct {
	log *logger.Logger
	key string
}

func NewAdminAuth(key string, log *logger.Logger) *AdminAuth {
	return &AdminAuth{log: log.With("middleware", "AdminAuth"), key: key}
}

func (a *AdminAuth) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.key)) != 1 {
			a.log.Debug("admin request refused", "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Unauthorized"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if t, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return ""
}
