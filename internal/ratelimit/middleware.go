package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware rejects requests over any rule with 429 and locked-out callers with 403
func Middleware(l *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := Request{
			IP:        c.ClientIP(),
			UserID:    c.GetString("user_id"),
			Path:      c.Request.URL.Path,
			Method:    c.Request.Method,
			UserAgent: c.Request.UserAgent(),
		}

		res := l.CheckRateLimits(c.Request.Context(), req)
		if res.Allowed {
			c.Next()
			return
		}

		retryAfter := retrySeconds(res.RetryAfter)
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		if res.LockedOut {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":         "Access temporarily locked",
				"message":       "Too many requests. Try again later.",
				"rule_violated": res.RuleViolated,
				"retry_after":   retryAfter,
			})
			return
		}

		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":         "Rate limit exceeded",
			"message":       "Request rate limit exceeded for " + res.RuleViolated,
			"rule_violated": res.RuleViolated,
			"retry_after":   retryAfter,
		})
	}
}

func retrySeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
