package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/quotagate/core"
)

const (
	// APIKeyHeader is checked before the Authorization header
	APIKeyHeader = "X-API-Key"

	callerKey   = "quotagate.caller"
	decisionKey = "quotagate.decision"
)

var errNoAPIKey = errors.New("API key required: send X-API-Key or Authorization: Bearer <key>")

// CallerResolver maps an API key to a caller. policy.Table implements it.
type CallerResolver interface {
	Resolve(apiKey string) (core.Caller, bool)
}

// ExtractAPIKey reads the API key from X-API-Key or a Bearer Authorization header.
func ExtractAPIKey(r *http.Request) (string, error) {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key, nil
	}

	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errNoAPIKey
	}

	// Expected format: "Bearer <token>"
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", errNoAPIKey
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errNoAPIKey
	}
	return token, nil
}

// Authenticate resolves the request's API key to a caller and stores it in
// the context. Unknown keys are accepted with the default role and plan.
func Authenticate(resolver CallerResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := ExtractAPIKey(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_api_key",
				"message": err.Error(),
			})
			return
		}

		caller, _ := resolver.Resolve(key)
		c.Set(callerKey, caller)
		c.Next()
	}
}

// RequireRole rejects callers whose role is not role.
func RequireRole(role core.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_api_key"})
			return
		}
		if caller.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": string(role) + " role required",
			})
			return
		}
		c.Next()
	}
}

// CallerFrom returns the caller set by Authenticate.
func CallerFrom(c *gin.Context) (core.Caller, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return core.Caller{}, false
	}
	caller, ok := v.(core.Caller)
	return caller, ok
}

// DecisionFrom returns the decision set by Admission.
func DecisionFrom(c *gin.Context) (*core.Decision, bool) {
	v, ok := c.Get(decisionKey)
	if !ok {
		return nil, false
	}
	d, ok := v.(*core.Decision)
	return d, ok
}
