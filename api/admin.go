package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/yourusername/quotagate/core"
	"github.com/yourusername/quotagate/logging"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// UsageReporter exposes the in-memory usage view. analytics.Aggregator implements it.
type UsageReporter interface {
	Stats() map[string]int64
	Logs(limit int) []core.AuditEntry
	Dropped() int64
}

// PolicyReloader re-reads the quota policy. policy.Table implements it.
type PolicyReloader interface {
	Reload(ctx context.Context) error
	Version() uint64
}

// CallHistory returns recent admission timestamps. limiter.Limiter implements it.
type CallHistory interface {
	RecentCalls(ctx context.Context, callerID string, n int) ([]time.Time, error)
}

// Pinger reports store reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// PersistedUsage reads the statistics and audit log flushed to the counter
// store. store.RedisStore and store.MemoryStore implement it.
type PersistedUsage interface {
	Stats(ctx context.Context) (map[string]int64, error)
	AuditLog(ctx context.Context, n int) ([]core.AuditEntry, error)
}

// JobCounter reports in-flight jobs per caller. limiter.JobGate implements it.
type JobCounter interface {
	Running(callerID string) uint64
}

// RetentionSchedule reports the next prune. analytics.Retention implements it.
type RetentionSchedule interface {
	NextRun() *time.Time
}

// AdminHandler serves the admin-only reporting endpoints and the health check
type AdminHandler struct {
	usage     UsageReporter
	policy    PolicyReloader
	calls     CallHistory
	store     Pinger
	persisted PersistedUsage
	jobs      JobCounter
	retention RetentionSchedule
	logger    log.FieldLogger
	started   time.Time
}

// AdminOption configures optional AdminHandler sources
type AdminOption func(*AdminHandler)

// WithPersistedUsage serves /admin/persisted/* from p
func WithPersistedUsage(p PersistedUsage) AdminOption {
	return func(h *AdminHandler) { h.persisted = p }
}

// WithJobCounter adds running job counts to /admin/calls/:caller
func WithJobCounter(j JobCounter) AdminOption {
	return func(h *AdminHandler) { h.jobs = j }
}

// WithRetentionSchedule adds the next prune time to /health
func WithRetentionSchedule(r RetentionSchedule) AdminOption {
	return func(h *AdminHandler) { h.retention = r }
}

// NewAdminHandler creates the admin handler. logger may be nil.
func NewAdminHandler(usage UsageReporter, policy PolicyReloader, calls CallHistory, store Pinger, logger log.FieldLogger, opts ...AdminOption) *AdminHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	h := &AdminHandler{
		usage:   usage,
		policy:  policy,
		calls:   calls,
		store:   store,
		logger:  logger.WithField("component", "admin"),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Stats handles GET /admin/stats
func (h *AdminHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":   h.usage.Stats(),
		"dropped": h.usage.Dropped(),
	})
}

// Logs handles GET /admin/logs?limit=N
func (h *AdminHandler) Logs(c *gin.Context) {
	limit, ok := logLimit(c)
	if !ok {
		return
	}

	logs := h.usage.Logs(limit)
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

// PersistedStats handles GET /admin/persisted/stats. It reads the store, so
// it reflects every instance sharing it.
func (h *AdminHandler) PersistedStats(c *gin.Context) {
	if h.persisted == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_configured"})
		return
	}

	stats, err := h.persisted.Stats(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("persisted stats lookup failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// PersistedLogs handles GET /admin/persisted/logs?limit=N
func (h *AdminHandler) PersistedLogs(c *gin.Context) {
	if h.persisted == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_configured"})
		return
	}
	limit, ok := logLimit(c)
	if !ok {
		return
	}

	logs, err := h.persisted.AuditLog(c.Request.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("persisted audit log lookup failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

// logLimit parses ?limit, answering 400 itself when it is out of range.
func logLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLogLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxLogLimit {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_limit",
			"message": "limit must be between 1 and 1000",
		})
		return 0, false
	}
	return n, true
}

// ReloadPolicy handles POST /admin/policy/reload. A failed reload keeps the
// previous policy in force.
func (h *AdminHandler) ReloadPolicy(c *gin.Context) {
	if err := h.policy.Reload(c.Request.Context()); err != nil {
		h.logger.WithError(err).Warn("policy reload rejected")
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_policy",
			"message": err.Error(),
			"version": h.policy.Version(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "version": h.policy.Version()})
}

// RecentCalls handles GET /admin/calls/:caller?limit=N
func (h *AdminHandler) RecentCalls(c *gin.Context) {
	callerID := c.Param("caller")
	limit, ok := logLimit(c)
	if !ok {
		return
	}

	calls, err := h.calls.RecentCalls(c.Request.Context(), callerID, limit)
	if err != nil {
		h.logger.WithError(err).Error("recent calls lookup failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}

	out := make([]string, len(calls))
	for i, t := range calls {
		out[i] = t.UTC().Format(time.RFC3339Nano)
	}
	body := gin.H{"caller": callerID, "calls": out}
	if h.jobs != nil {
		body["running_jobs"] = h.jobs.Running(callerID)
	}
	c.JSON(http.StatusOK, body)
}

// Health handles GET /health. The service is unhealthy while the counter
// store is unreachable, since every admission check would fail.
func (h *AdminHandler) Health(c *gin.Context) {
	body := gin.H{
		"service":        "quotagate",
		"policy_version": h.policy.Version(),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}
	if h.retention != nil {
		if next := h.retention.NextRun(); next != nil {
			body["retention_next_run"] = next.UTC().Format(time.RFC3339)
		}
	}
	if err := h.store.Ping(c.Request.Context()); err != nil {
		body["status"] = "unhealthy"
		body["store"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "healthy"
	body["store"] = "ok"
	c.JSON(http.StatusOK, body)
}
