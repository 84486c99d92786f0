package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/quotagate/analytics"
	"github.com/yourusername/quotagate/core"
	"github.com/yourusername/quotagate/limiter"
	"github.com/yourusername/quotagate/metrics"
	"github.com/yourusername/quotagate/policy"
	"github.com/yourusername/quotagate/store"
)

var noon = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type server struct {
	router  *gin.Engine
	store   *store.MemoryStore
	agg     *analytics.Aggregator
	limiter *limiter.Limiter
	jobs    *limiter.JobGate
	table   *policy.Table
	doc     *policy.Document
}

func echoSummarizer(_ context.Context, text string, opts SummarizeOptions) (SummaryResult, error) {
	return SummaryResult{Summary: strings.Fields(text)[0], Language: "en", Style: opts.Style}, nil
}

func newServer(t *testing.T, summarize Summarizer) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	doc := policy.Default()
	doc.Callers = map[string]policy.CallerDoc{
		"admin_api_key": {Role: "admin", Plan: "enterprise"},
		"user_api_key":  {Role: "user", Plan: "free"},
	}

	s := &server{doc: doc}
	var err error
	s.table, err = policy.NewTable(context.Background(), func(context.Context) (*policy.Document, error) {
		return s.doc, nil
	})
	require.NoError(t, err)

	clock := func() time.Time { return noon }
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	s.store = store.NewMemoryStore(store.WithMemoryClock(clock))
	s.limiter, err = limiter.New(s.table, s.store, limiter.WithClock(clock), limiter.WithRecorder(m))
	require.NoError(t, err)
	t.Cleanup(s.limiter.Wait)

	s.agg = analytics.New(s.store, analytics.WithClock(clock))
	s.jobs = limiter.NewJobGate()

	retention := analytics.NewRetention(s.agg, 7, nil)
	require.NoError(t, retention.Start(analytics.DefaultRetentionSchedule))
	t.Cleanup(retention.Stop)

	if summarize == nil {
		summarize = echoSummarizer
	}
	admin := NewAdminHandler(s.agg, s.table, s.limiter, s.store, nil,
		WithPersistedUsage(s.store),
		WithJobCounter(s.jobs),
		WithRetentionSchedule(retention),
	)
	s.router = NewRouter(Routes{
		Resolver: s.table,
		Checker:  s.limiter,
		Jobs:     s.jobs,
		API:      NewHandler(s.limiter, summarize, s.agg),
		Admin:    admin,
		Metrics:  NewMetricsHandler(m, reg),
	})
	return s
}

func (s *server) do(method, path, key string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestCheck_AllowsRequests(t *testing.T) {
	s := newServer(t, nil)

	rec := s.do(http.MethodPost, "/v1/check", "user_api_key", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CheckResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Allowed)
	assert.Equal(t, "daytime", resp.Slot)
	assert.Equal(t, uint64(10), resp.Limit)
	assert.Equal(t, uint64(9), resp.Remaining)
	assert.Equal(t, uint64(2), resp.MaxJobs)
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestCheck_BlocksWhenExceeded(t *testing.T) {
	s := newServer(t, nil)

	// Drain the minute window
	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/check", "user_api_key", nil).Code)
	}

	rec := s.do(http.MethodPost, "/v1/check", "user_api_key", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var resp CheckResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Allowed)
	assert.Equal(t, int64(11), resp.Current)
	assert.Equal(t, int64(60000), resp.RetryAfterMs)
}

func TestCheck_RequiresKey(t *testing.T) {
	s := newServer(t, nil)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/v1/check", "", nil).Code)
}

func TestSummarize_RecordsUsage(t *testing.T) {
	s := newServer(t, nil)

	rec := s.do(http.MethodPost, "/v1/summarize", "user_api_key", SummarizeRequest{Content: "Hello world. More text."})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SummarizeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "Hello", resp.Summary)
	assert.Equal(t, LengthMedium, resp.Length)
	assert.Equal(t, StyleGeneral, resp.Style)
	assert.Equal(t, 23, resp.InputLength)

	stats := s.agg.Stats()
	assert.Equal(t, int64(1), stats["2026-10-15:total"])
	assert.Equal(t, int64(1), stats["2026-10-15:lang:en"])
	assert.Equal(t, int64(1), stats["2026-10-15:style:general"])
	require.Len(t, s.agg.Logs(0), 1)
	assert.Equal(t, "user_api_key", s.agg.Logs(0)[0].Caller)
}

func TestSummarize_Validation(t *testing.T) {
	s := newServer(t, nil)

	tests := []struct {
		name     string
		key      string
		body     SummarizeRequest
		wantCode int
	}{
		{"empty content", "user_api_key", SummarizeRequest{Content: "  "}, http.StatusBadRequest},
		{"bad option", "user_api_key", SummarizeRequest{Content: "x", Option: "huge"}, http.StatusBadRequest},
		{"bad style", "user_api_key", SummarizeRequest{Content: "x", Style: "poetic"}, http.StatusBadRequest},
		{"admin style for user", "user_api_key", SummarizeRequest{Content: "x", Style: StyleEmotional}, http.StatusForbidden},
		{"admin style for admin", "admin_api_key", SummarizeRequest{Content: "x", Style: StyleEmotional}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/v1/summarize", tt.key, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}

	// Only the admin's summary was recorded
	assert.Len(t, s.agg.Logs(0), 1)
}

func TestSummarize_FailureNotRecorded(t *testing.T) {
	s := newServer(t, func(context.Context, string, SummarizeOptions) (SummaryResult, error) {
		return SummaryResult{}, errors.New("model offline")
	})

	rec := s.do(http.MethodPost, "/v1/summarize", "user_api_key", SummarizeRequest{Content: "text"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, s.agg.Logs(0))
}

func TestSummarize_RateLimited(t *testing.T) {
	s := newServer(t, nil)

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/summarize", "user_api_key", SummarizeRequest{Content: "text"}).Code)
	}
	rec := s.do(http.MethodPost, "/v1/summarize", "user_api_key", SummarizeRequest{Content: "text"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, s.agg.Logs(0), 10)
}

func TestAdmin_RequiresAdminRole(t *testing.T) {
	s := newServer(t, nil)

	for _, path := range []string{
		"/admin/stats", "/admin/logs", "/admin/dashboard", "/admin/calls/user_api_key",
		"/admin/persisted/stats", "/admin/persisted/logs",
	} {
		assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, path, "user_api_key", nil).Code, path)
		assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, path, "", nil).Code, path)
		assert.Equal(t, http.StatusOK, s.do(http.MethodGet, path, "admin_api_key", nil).Code, path)
	}
}

func TestAdmin_Logs(t *testing.T) {
	s := newServer(t, nil)
	for i := 0; i < 3; i++ {
		s.agg.Record("user_api_key", "en", "general")
	}

	rec := s.do(http.MethodGet, "/admin/logs?limit=2", "admin_api_key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)

	for _, bad := range []string{"0", "1001", "ten"} {
		assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/admin/logs?limit="+bad, "admin_api_key", nil).Code, bad)
	}
}

func TestAdmin_RecentCalls(t *testing.T) {
	s := newServer(t, nil)
	s.do(http.MethodPost, "/v1/check", "user_api_key", nil)
	s.do(http.MethodPost, "/v1/check", "user_api_key", nil)
	s.limiter.Wait()

	rec := s.do(http.MethodGet, "/admin/calls/user_api_key", "admin_api_key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Calls       []string `json:"calls"`
		RunningJobs uint64   `json:"running_jobs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Len(t, body.Calls, 2)
	assert.Equal(t, uint64(0), body.RunningJobs)

	release, err := s.jobs.Enter("user_api_key", 2)
	require.NoError(t, err)
	defer release()

	rec = s.do(http.MethodGet, "/admin/calls/user_api_key", "admin_api_key", nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, uint64(1), body.RunningJobs)
}

func TestAdmin_PersistedUsage(t *testing.T) {
	s := newServer(t, nil)
	require.NoError(t, s.store.FlushAudit(context.Background(), []core.AuditEntry{
		{ID: "a", Time: noon, Caller: "user_api_key", Language: "en", Style: "general"},
		{ID: "b", Time: noon, Caller: "user_api_key", Language: "fr", Style: "general"},
	}))

	rec := s.do(http.MethodGet, "/admin/persisted/stats", "admin_api_key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Stats map[string]int64 `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, int64(2), stats.Stats["2026-10-15:total"])
	assert.Equal(t, int64(1), stats.Stats["2026-10-15:lang:fr"])

	rec = s.do(http.MethodGet, "/admin/persisted/logs?limit=1", "admin_api_key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs struct {
		Logs  []core.AuditEntry `json:"logs"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&logs))
	require.Equal(t, 1, logs.Count)
	assert.Equal(t, "b", logs.Logs[0].ID)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/admin/persisted/logs?limit=0", "admin_api_key", nil).Code)
}

type failingPersisted struct{}

func (failingPersisted) Stats(context.Context) (map[string]int64, error) {
	return nil, errors.New("connection refused")
}

func (failingPersisted) AuditLog(context.Context, int) ([]core.AuditEntry, error) {
	return nil, errors.New("connection refused")
}

func TestAdmin_PersistedUsageUnavailable(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name     string
		opts     []AdminOption
		wantCode int
	}{
		{"not configured", nil, http.StatusNotFound},
		{"store down", []AdminOption{WithPersistedUsage(failingPersisted{})}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAdminHandler(nil, nil, nil, nil, nil, tt.opts...)
			router := gin.New()
			router.GET("/stats", h.PersistedStats)
			router.GET("/logs", h.PersistedLogs)

			for _, path := range []string{"/stats", "/logs"} {
				rec := httptest.NewRecorder()
				router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
				assert.Equal(t, tt.wantCode, rec.Code, path)
			}
		})
	}
}

func TestAdmin_PolicyReload(t *testing.T) {
	s := newServer(t, nil)

	rec := s.do(http.MethodPost, "/admin/policy/reload", "admin_api_key", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(2), s.table.Version())

	// An invalid document is rejected and the previous one stays in force
	s.doc = &policy.Document{DefaultRole: "ghost"}
	rec = s.do(http.MethodPost, "/admin/policy/reload", "admin_api_key", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, uint64(2), s.table.Version())
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/v1/check", "admin_api_key", nil).Code)
}

func TestHealth(t *testing.T) {
	s := newServer(t, nil)
	rec := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.NotEmpty(t, body["retention_next_run"])

	require.NoError(t, s.store.Close())
	assert.Equal(t, http.StatusServiceUnavailable, s.do(http.MethodGet, "/health", "", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, nil)
	s.do(http.MethodPost, "/v1/check", "user_api_key", nil)

	rec := s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `quotagate_checks_total{result="allowed",role="user"} 1`)
}
