package middleware

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/yourusername/quotagate/core"
	"github.com/yourusername/quotagate/logging"
)

// Checker makes admission decisions. limiter.Limiter implements it.
type Checker interface {
	Check(ctx context.Context, callerID string, role core.Role, plan core.Plan) (*core.Decision, error)
}

// JobGate limits concurrent jobs per caller. limiter.JobGate implements it.
type JobGate interface {
	Enter(callerID string, max uint64) (release func(), err error)
}

// Admission runs the quota check for the authenticated caller and, when
// allowed, holds a concurrent-job slot until the handler returns. A nil gate
// skips the job limit. Unexpected check errors are logged to logger, which
// may be nil.
//
// Standard Headers (RFC 6585 + draft-ietf-httpapi-ratelimit-headers):
//   - X-RateLimit-Limit: Maximum requests allowed in the deciding window
//   - X-RateLimit-Remaining: Remaining requests in that window
//   - X-RateLimit-Reset: Unix time when the window resets
//   - Retry-After: Seconds to wait before retrying (when rate limited)
func Admission(checker Checker, gate JobGate, logger log.FieldLogger) gin.HandlerFunc {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithField("component", "admission")

	return func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_api_key"})
			return
		}

		decision, err := checker.Check(c.Request.Context(), caller.ID, caller.Role, caller.Plan)
		if err != nil {
			AbortWithCheckError(c, err, logger)
			return
		}

		SetRateLimitHeaders(c, decision)
		c.Set(decisionKey, decision)

		if !decision.Allowed {
			AbortWithDenial(c, decision)
			return
		}

		if gate != nil {
			release, err := gate.Enter(caller.ID, decision.MaxJobs)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error":   "too_many_jobs",
					"message": fmt.Sprintf("at most %d concurrent jobs allowed", decision.MaxJobs),
				})
				return
			}
			defer release()
		}

		c.Next()
	}
}

// SetRateLimitHeaders writes the X-RateLimit-* headers for d.
func SetRateLimitHeaders(c *gin.Context, d *core.Decision) {
	c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
	c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining()))
	c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))
}

// SetRetryAfter writes Retry-After in whole seconds, rounded up, at least 1.
func SetRetryAfter(c *gin.Context, wait time.Duration) {
	secs := int64(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.FormatInt(secs, 10))
}

// AbortWithDenial responds 429 with the count that exceeded the limit.
func AbortWithDenial(c *gin.Context, d *core.Decision) {
	SetRetryAfter(c, d.RetryAfter)
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":          "rate_limit_exceeded",
		"message":        d.Err().Error(),
		"current":        d.Current,
		"limit":          d.Limit,
		"window":         d.Window,
		"retry_after_ms": d.RetryAfter.Milliseconds(),
	})
}

// AbortWithCheckError maps a failed check to its HTTP response. Store outages
// and policy defects both fail closed with 503. Anything else is logged and
// answered with 500.
func AbortWithCheckError(c *gin.Context, err error, logger log.FieldLogger) {
	switch {
	case errors.Is(err, core.ErrStoreUnavailable):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":   "rate_limiting_unavailable",
			"message": core.ErrStoreUnavailable.Error(),
		})
	case core.IsPolicyError(err):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error":   "quota_policy_error",
			"message": "quota policy cannot serve this request",
		})
	case errors.Is(err, core.ErrInvalidCaller):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_api_key"})
	default:
		logger.WithError(err).Error("admission check failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
