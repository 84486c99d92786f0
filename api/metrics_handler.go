package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourusername/quotagate/metrics"
)

// MetricsProvider defines the interface for getting the dashboard snapshot
type MetricsProvider interface {
	GetSnapshot() *metrics.Snapshot
}

// MetricsHandler serves the dashboard snapshot and the Prometheus scrape endpoint
type MetricsHandler struct {
	provider MetricsProvider
	scrape   http.Handler
}

// NewMetricsHandler creates a new metrics handler. gatherer is usually the
// registry the metrics.Metrics collectors were registered on.
func NewMetricsHandler(provider MetricsProvider, gatherer prometheus.Gatherer) *MetricsHandler {
	return &MetricsHandler{
		provider: provider,
		scrape:   promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
	}
}

// Dashboard handles GET /admin/dashboard
func (h *MetricsHandler) Dashboard(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, h.provider.GetSnapshot())
}

// Prometheus handles GET /metrics
func (h *MetricsHandler) Prometheus() gin.HandlerFunc {
	return gin.WrapH(h.scrape)
}
