package api

import (
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/yourusername/quotagate/core"
	"github.com/yourusername/quotagate/middleware"
)

// Routes groups everything NewRouter mounts
type Routes struct {
	Resolver middleware.CallerResolver
	Checker  middleware.Checker
	Jobs     middleware.JobGate // nil disables the concurrent-job limit
	API      *Handler
	Admin    *AdminHandler
	Metrics  *MetricsHandler
	Logger   log.FieldLogger
}

// NewRouter builds the gin engine:
//
//	POST /v1/check              admission check only
//	POST /v1/summarize          admission, then summarization
//	GET  /admin/stats           usage counters        (admin)
//	GET  /admin/logs            recent audit entries  (admin)
//	GET  /admin/dashboard       metrics snapshot      (admin)
//	GET  /admin/calls/:caller   recent call times     (admin)
//	GET  /admin/persisted/stats stored usage counters (admin)
//	GET  /admin/persisted/logs  stored audit entries  (admin)
//	POST /admin/policy/reload   reload quota policy   (admin)
//	GET  /health
//	GET  /metrics
func NewRouter(r Routes) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	if r.Logger != nil {
		engine.Use(middleware.RequestLogger(r.Logger))
	}

	engine.GET("/health", r.Admin.Health)
	engine.GET("/metrics", r.Metrics.Prometheus())

	v1 := engine.Group("/v1", middleware.Authenticate(r.Resolver))
	v1.POST("/check", r.API.Check)
	v1.POST("/summarize", middleware.Admission(r.Checker, r.Jobs, r.Logger), r.API.Summarize)

	admin := engine.Group("/admin",
		middleware.Authenticate(r.Resolver),
		middleware.RequireRole(core.RoleAdmin),
	)
	admin.GET("/stats", r.Admin.Stats)
	admin.GET("/logs", r.Admin.Logs)
	admin.GET("/dashboard", r.Metrics.Dashboard)
	admin.GET("/calls/:caller", r.Admin.RecentCalls)
	admin.GET("/persisted/stats", r.Admin.PersistedStats)
	admin.GET("/persisted/logs", r.Admin.PersistedLogs)
	admin.POST("/policy/reload", r.Admin.ReloadPolicy)

	return engine
}
