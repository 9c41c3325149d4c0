package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"equiaudit/internal/config"
)

const adminKeyHeader = "X-Admin-Key"

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch s.cfg.AuthMode {
		case "", config.AuthModeNone:
			c.Next()
		case config.AuthModeAdminKey:
			key := strings.TrimSpace(c.GetHeader(adminKeyHeader))
			if key == "" || s.cfg.AdminAPIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminAPIKey)) != 1 {
				writeErrorCode(c, http.StatusUnauthorized, "UNAUTHORIZED", "admin key required")
				c.Abort()
				return
			}
			c.Set(actorContextKey, "admin-key")
			c.Next()
		default:
			writeErrorCode(c, http.StatusInternalServerError, "AUTH_CONFIG_ERROR", "auth configuration error")
			c.Abort()
		}
	}
}
