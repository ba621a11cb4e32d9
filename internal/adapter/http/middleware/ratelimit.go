package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redisStore "asset-ledger/internal/adapter/storage/redis"
	"asset-ledger/pkg/apperror"
	"asset-ledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RateLimitRule defines a rate limit for an endpoint group.
type RateLimitRule struct {
	Limit  int64
	Window time.Duration
}

// Endpoint groups sharing a counter per client.
const (
	GroupSubmit = "submit"
	GroupRead   = "read"
	GroupAdmin  = "admin"
)

// DefaultRateLimitRules derives the per-group limits from the configured
// submit budget. Reads get four times the budget; admin calls a tenth.
func DefaultRateLimitRules(perMinute int64) map[string]RateLimitRule {
	admin := perMinute / 10
	if admin < 1 {
		admin = 1
	}
	return map[string]RateLimitRule{
		GroupSubmit: {Limit: perMinute, Window: time.Minute},
		GroupRead:   {Limit: perMinute * 4, Window: time.Minute},
		GroupAdmin:  {Limit: admin, Window: time.Minute},
	}
}

// RateLimitCounter is the fixed-window counter backing RateLimiter.
type RateLimitCounter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*redisStore.RateLimitResult, error)
}

// RateLimiter creates a rate-limiting middleware for a given endpoint group.
// Counter failures let the request through.
func RateLimiter(store RateLimitCounter, group string, rule RateLimitRule, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("%s:%s", extractIdentifier(c), group)

		result, err := store.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
		if err != nil {
			log.Warn().Err(err).Str("group", group).Msg("rate limit check failed, allowing request (degraded mode)")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))

		if !result.Allowed {
			retryAfter := result.ResetAt - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
			response.Error(c, apperror.ErrRateLimitExceeded())
			c.Abort()
			return
		}

		c.Next()
	}
}

// extractIdentifier keys the counter by admin subject when authenticated,
// otherwise by client address.
func extractIdentifier(c *gin.Context) string {
	if sub := c.GetString(CtxAdminSubject); sub != "" {
		return "admin:" + sub
	}
	return c.ClientIP()
}
