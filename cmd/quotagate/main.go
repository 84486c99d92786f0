package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/yourusername/quotagate/analytics"
	"github.com/yourusername/quotagate/api"
	"github.com/yourusername/quotagate/config"
	"github.com/yourusername/quotagate/limiter"
	"github.com/yourusername/quotagate/logging"
	"github.com/yourusername/quotagate/metrics"
	"github.com/yourusername/quotagate/policy"
	"github.com/yourusername/quotagate/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("quotagate stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Quota policy
	loader := policy.StaticLoader(policy.Default())
	if cfg.PolicyFile != "" {
		loader = policy.FileLoader(cfg.PolicyFile)
	}
	table, err := policy.NewTable(ctx, loader, policy.WithLogger(logger), policy.WithObserver(m))
	if err != nil {
		return err
	}
	if cfg.PolicyFile != "" && cfg.PolicyWatch {
		watcher := policy.NewWatcher(table, cfg.PolicyFile, policy.DefaultDebounce, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.WithError(err).Error("policy watcher stopped")
			}
		}()
	}

	// Counter store
	var backend store.Store
	if addr := cfg.RedisAddr(); addr != "" {
		backend = store.NewRedisStore(store.RedisConfig{
			Addr:        addr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			PoolSize:    cfg.RedisMaxConnections,
			Timeout:     cfg.StoreTimeout,
			TTL:         cfg.CounterTTL,
			Prefix:      cfg.KeyPrefix,
			RecentCalls: cfg.RecentCallsLimit,
		})
		logger.WithField("addr", addr).Info("using redis store")
	} else {
		backend = store.NewMemoryStore(
			store.WithMemoryTTL(cfg.CounterTTL),
			store.WithMemoryRecentCalls(cfg.RecentCallsLimit),
		)
		logger.Warn("using in-memory store, counters are not shared between instances")
	}

	st := store.NewResilient(backend,
		store.RetryPolicy{
			Timeout:   cfg.StoreTimeout,
			MaxTries:  cfg.RedisMaxRetries,
			BaseDelay: cfg.RedisRetryBase,
		},
		store.WithFallback(store.NewFallback(store.FallbackConfig{
			Path:       cfg.FallbackFile,
			MaxSizeMB:  cfg.FallbackMaxSizeMB,
			MaxBackups: cfg.FallbackMaxBackups,
		})),
		store.WithStoreLogger(logger),
		store.WithErrorRecorder(m),
	)
	defer func() {
		if err := st.Close(); err != nil {
			logger.WithError(err).Warn("failed to close store")
		}
	}()

	if err := st.Ping(ctx); err != nil {
		return err
	}

	lim, err := limiter.New(table, st, limiter.WithLogger(logger), limiter.WithRecorder(m))
	if err != nil {
		return err
	}
	defer lim.Wait()

	// Usage analytics
	agg := analytics.New(st,
		analytics.WithQueueSize(cfg.QueueSize),
		analytics.WithBatchSize(cfg.BatchSize),
		analytics.WithInterval(cfg.BatchInterval),
		analytics.WithRingSize(cfg.RingSize),
		analytics.WithLogger(logger),
		analytics.WithRecorder(m),
	)
	agg.Start(context.WithoutCancel(ctx))
	defer agg.Close()

	jobs := limiter.NewJobGate()
	adminOpts := []api.AdminOption{api.WithJobCounter(jobs)}
	if persisted, ok := backend.(api.PersistedUsage); ok {
		adminOpts = append(adminOpts, api.WithPersistedUsage(persisted))
	}

	if cfg.StatsRetentionDays > 0 {
		retention := analytics.NewRetention(agg, cfg.StatsRetentionDays, logger)
		if err := retention.Start(cfg.RetentionSchedule); err != nil {
			return err
		}
		defer retention.Stop()
		adminOpts = append(adminOpts, api.WithRetentionSchedule(retention))
	}

	if cfg.LogLevel != "debug" && cfg.LogLevel != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Routes{
		Resolver: table,
		Checker:  lim,
		Jobs:     jobs,
		API:      api.NewHandler(lim, leadSummarizer, agg, api.WithHandlerLogger(logger)),
		Admin:    api.NewAdminHandler(agg, table, lim, st, logger, adminOpts...),
		Metrics:  api.NewMetricsHandler(m, reg),
		Logger:   logger,
	})
	router.GET("/", rootHandler)
	router.GET("/dashboard", dashboardHandler)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(log.Fields{
			"addr":           cfg.Listen,
			"policy_version": table.Version(),
		}).Info("quotagate listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Deferred calls then drain analytics, wait for call logging and close the store.
	return srv.Shutdown(shutdownCtx)
}

func rootHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "quotagate",
		"endpoints": gin.H{
			"POST /v1/check":             "Check and count one request",
			"POST /v1/summarize":         "Summarize text (rate limited)",
			"GET /admin/stats":           "Usage counters (admin)",
			"GET /admin/logs":            "Recent summarization log (admin)",
			"GET /admin/dashboard":       "Dashboard data (admin)",
			"GET /admin/calls/:caller":   "Recent calls of a caller (admin)",
			"GET /admin/persisted/stats": "Usage counters stored in the counter store (admin)",
			"GET /admin/persisted/logs":  "Audit entries stored in the counter store (admin)",
			"POST /admin/policy/reload":  "Reload the quota policy (admin)",
			"GET /dashboard":             "Dashboard page",
			"GET /health":                "Health check",
			"GET /metrics":               "Prometheus metrics",
		},
	})
}
