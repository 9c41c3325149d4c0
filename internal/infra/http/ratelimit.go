package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"equiaudit/internal/domain"
)

const (
	routeExportsCreate = "exports:create"
	routeExportsRead   = "exports:read"
	routeLedgerRead    = "ledger:read"
	routeLedgerVerify  = "ledger:verify"
)

func (s *Server) rateLimit(routeID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.rateLimiter == nil || s.cfg.RateLimitRequests <= 0 {
			c.Next()
			return
		}
		key := fmt.Sprintf("endpoint:%s:client:%s", routeID, c.ClientIP())
		decision, err := s.rateLimiter.Allow(c.Request.Context(), key, s.cfg.RateLimitRequests, s.cfg.RateLimitWindow())
		if err != nil {
			s.log.Warn("rate limiter unavailable", zap.String("route", routeID), zap.Error(err))
			if s.cfg.RateLimitFailClosed {
				writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMIT_UNAVAILABLE", "rate limiter unavailable")
				c.Abort()
				return
			}
			c.Next()
			return
		}
		writeRateLimitHeaders(c, decision)
		if !decision.Allowed {
			if s.metrics != nil {
				s.metrics.ObserveRateLimited(routeID)
			}
			writeErrorCode(c, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

func writeRateLimitHeaders(c *gin.Context, decision domain.RateLimitDecision) {
	if decision.Limit > 0 {
		c.Header("RateLimit-Limit", strconv.Itoa(decision.Limit))
	}
	if decision.Remaining >= 0 {
		c.Header("RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	}
	if !decision.ResetAt.IsZero() {
		c.Header("RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			retryAfter := int64(time.Until(decision.ResetAt).Seconds())
			if retryAfter < 0 {
				retryAfter = 0
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		}
	}
}
