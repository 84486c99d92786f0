package metrics

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yourusername/quotagate/core"
)

// Check results used as label values
const (
	ResultAllowed     = "allowed"
	ResultDenied      = "denied"
	ResultUnavailable = "unavailable"
	ResultPolicyError = "policy_error"
	ResultError       = "error"
)

// MaxTrackedCallers bounds the per-caller table. Requests from callers first
// seen after it is full are counted as untracked.
const MaxTrackedCallers = 1000

// Metrics tracks admission statistics. Counters are exported to Prometheus;
// per-caller totals feed the dashboard snapshot.
type Metrics struct {
	checks        *prometheus.CounterVec
	denials       *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	checkDuration prometheus.Histogram
	dropped       prometheus.Counter
	flushes       *prometheus.CounterVec
	reloads       *prometheus.CounterVec

	totalRequests       atomic.Int64
	allowedRequests     atomic.Int64
	deniedRequests      atomic.Int64
	unavailableRequests atomic.Int64
	untrackedRequests   atomic.Int64

	// Per-caller stats
	mu          sync.RWMutex
	callerStats map[string]*CallerStats
	maxCallers  int
	startTime   time.Time
}

// CallerStats tracks statistics for a specific caller
type CallerStats struct {
	CallerID        string    `json:"caller_id"`
	Role            core.Role `json:"role"`
	TotalRequests   int64     `json:"total_requests"`
	AllowedRequests int64     `json:"allowed_requests"`
	DeniedRequests  int64     `json:"denied_requests"`
	LastRequestAt   time.Time `json:"last_request_at"`
	FirstRequestAt  time.Time `json:"first_request_at"`
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		checks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotagate_checks_total",
			Help: "Admission checks by caller role and result",
		}, []string{"role", "result"}),

		denials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotagate_denials_total",
			Help: "Denied requests by the window that was exceeded",
		}, []string{"window"}),

		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotagate_store_errors_total",
			Help: "Counter store operations that failed after all retries",
		}, []string{"op"}),

		checkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "quotagate_check_duration_seconds",
			Help:    "Latency of admission checks",
			Buckets: prometheus.DefBuckets,
		}),

		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "quotagate_analytics_dropped_total",
			Help: "Audit entries dropped because the analytics queue was full",
		}),

		flushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotagate_analytics_flushes_total",
			Help: "Analytics batch flushes by result",
		}, []string{"result"}),

		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "quotagate_policy_reloads_total",
			Help: "Quota policy loads by result",
		}, []string{"result"}),

		callerStats: make(map[string]*CallerStats),
		maxCallers:  MaxTrackedCallers,
		startTime:   time.Now(),
	}
}

// RecordCheck records the outcome of one admission check
func (m *Metrics) RecordCheck(d *core.Decision, err error, elapsed time.Duration) {
	m.checkDuration.Observe(elapsed.Seconds())
	m.totalRequests.Add(1)

	if err != nil {
		result := ResultError
		switch {
		case errors.Is(err, core.ErrStoreUnavailable):
			result = ResultUnavailable
			m.unavailableRequests.Add(1)
		case core.IsPolicyError(err):
			result = ResultPolicyError
		}
		m.checks.WithLabelValues("", result).Inc()
		return
	}

	role := string(d.Role)
	if d.Allowed {
		m.allowedRequests.Add(1)
		m.checks.WithLabelValues(role, ResultAllowed).Inc()
	} else {
		m.deniedRequests.Add(1)
		m.checks.WithLabelValues(role, ResultDenied).Inc()
		m.denials.WithLabelValues(string(d.Window)).Inc()
	}

	m.recordCaller(d)
}

func (m *Metrics) recordCaller(d *core.Decision) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	stats, exists := m.callerStats[d.CallerID]
	if !exists {
		if len(m.callerStats) >= m.maxCallers {
			m.untrackedRequests.Add(1)
			return
		}
		stats = &CallerStats{
			CallerID:       d.CallerID,
			FirstRequestAt: now,
		}
		m.callerStats[d.CallerID] = stats
	}

	stats.Role = d.Role
	stats.TotalRequests++
	if d.Allowed {
		stats.AllowedRequests++
	} else {
		stats.DeniedRequests++
	}
	stats.LastRequestAt = now
}

// RecordStoreError counts a store operation that exhausted its retries
func (m *Metrics) RecordStoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

// RecordAnalyticsDrop counts an audit entry dropped at submission
func (m *Metrics) RecordAnalyticsDrop() {
	m.dropped.Inc()
}

// RecordAnalyticsFlush counts a batch flush
func (m *Metrics) RecordAnalyticsFlush(ok bool) {
	m.flushes.WithLabelValues(resultLabel(ok)).Inc()
}

// RecordPolicyReload counts a policy load attempt
func (m *Metrics) RecordPolicyReload(ok bool) {
	m.reloads.WithLabelValues(resultLabel(ok)).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// GetSnapshot returns a snapshot of current metrics
func (m *Metrics) GetSnapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Copy caller stats, masking keys
	top := make([]*CallerStats, 0, len(m.callerStats))
	for _, stats := range m.callerStats {
		c := *stats
		c.CallerID = core.MaskKey(c.CallerID)
		top = append(top, &c)
	}

	// Top 10 by total requests
	sort.SliceStable(top, func(i, j int) bool {
		return top[i].TotalRequests > top[j].TotalRequests
	})
	if len(top) > 10 {
		top = top[:10]
	}

	return &Snapshot{
		TotalRequests:       m.totalRequests.Load(),
		AllowedRequests:     m.allowedRequests.Load(),
		DeniedRequests:      m.deniedRequests.Load(),
		UnavailableRequests: m.unavailableRequests.Load(),
		UntrackedRequests:   m.untrackedRequests.Load(),
		UniqueCallers:       int64(len(m.callerStats)),
		TopCallers:          top,
		UptimeSeconds:       int64(time.Since(m.startTime).Seconds()),
		StartTime:           m.startTime,
	}
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	TotalRequests       int64          `json:"total_requests"`
	AllowedRequests     int64          `json:"allowed_requests"`
	DeniedRequests      int64          `json:"denied_requests"`
	UnavailableRequests int64          `json:"unavailable_requests"`
	UntrackedRequests   int64          `json:"untracked_requests"`
	UniqueCallers       int64          `json:"unique_callers"`
	TopCallers          []*CallerStats `json:"top_callers"`
	UptimeSeconds       int64          `json:"uptime_seconds"`
	StartTime           time.Time      `json:"start_time"`
}
