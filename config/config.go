// Package config holds the process configuration of the quotagate server.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/yourusername/quotagate/core"
)

// Config is read from flags, then environment variables, then defaults.
type Config struct {
	Listen string `name:"listen" env:"LISTEN_ADDR" default:":8080" help:"HTTP listen address."`

	// Redis; an empty host selects the in-memory store
	RedisHost           string        `name:"redis-host" env:"REDIS_HOST" help:"Redis host (empty = in-memory store)."`
	RedisPort           int           `name:"redis-port" env:"REDIS_PORT" default:"6379" help:"Redis port."`
	RedisPassword       string        `name:"redis-password" env:"REDIS_PASSWORD" help:"Redis password."`
	RedisDB             int           `name:"redis-db" env:"REDIS_DB" default:"0" help:"Redis database number."`
	RedisMaxConnections int           `name:"redis-max-connections" env:"REDIS_MAX_CONNECTIONS" default:"10" help:"Redis connection pool size."`
	RedisMaxRetries     uint          `name:"redis-max-retries" env:"REDIS_MAX_RETRIES" default:"3" help:"Attempts per store operation."`
	RedisRetryBase      time.Duration `name:"redis-retry-base" env:"REDIS_RETRY_BASE" default:"100ms" help:"First retry delay, doubled per attempt."`
	StoreTimeout        time.Duration `name:"store-timeout" env:"STORE_TIMEOUT" default:"10s" help:"Per-attempt store timeout."`
	CounterTTL          time.Duration `name:"counter-ttl" env:"COUNTER_TTL" default:"24h" help:"Usage counter TTL."`
	RecentCallsLimit    int           `name:"recent-calls" env:"RECENT_CALLS_LIMIT" default:"100" help:"Call timestamps kept per caller."`
	KeyPrefix           string        `name:"key-prefix" env:"KEY_PREFIX" default:"quotagate:" help:"Prefix for every store key."`

	// Quota policy
	PolicyFile  string `name:"policy-file" env:"PLAN_CONFIG_FILE" type:"path" help:"Quota policy file, YAML or JSON (empty = built-in defaults)."`
	PolicyWatch bool   `name:"policy-watch" env:"PLAN_CONFIG_WATCH" help:"Reload the policy file when it changes."`

	// Analytics
	QueueSize          int           `name:"analytics-queue" env:"ANALYTICS_QUEUE_SIZE" default:"1000" help:"Analytics submission queue capacity."`
	BatchSize          int           `name:"analytics-batch" env:"ANALYTICS_BATCH_SIZE" default:"10" help:"Entries per persisted batch."`
	BatchInterval      time.Duration `name:"analytics-interval" env:"ANALYTICS_BATCH_INTERVAL" default:"10s" help:"Flush a partial batch after this long."`
	RingSize           int           `name:"analytics-ring" env:"ANALYTICS_RING_SIZE" default:"100" help:"Recent entries kept in memory."`
	StatsRetentionDays int           `name:"stats-retention-days" env:"STATS_RETENTION_DAYS" default:"7" help:"Days of usage counters kept in memory (0 = forever)."`
	RetentionSchedule  string        `name:"retention-schedule" env:"RETENTION_SCHEDULE" default:"5 0 * * *" help:"Cron schedule for counter pruning (UTC)."`

	// Degraded-mode log
	FallbackFile       string `name:"fallback-file" env:"FALLBACK_FILE" default:"local_logs.jsonl" help:"Local log used while the store is unavailable."`
	FallbackMaxSizeMB  int    `name:"fallback-max-size" env:"FALLBACK_MAX_SIZE_MB" default:"50" help:"Rotate the fallback log after this many MB."`
	FallbackMaxBackups int    `name:"fallback-max-backups" env:"FALLBACK_MAX_BACKUPS" default:"5" help:"Rotated fallback logs to keep."`

	LogLevel  string `name:"log-level" env:"LOG_LEVEL" default:"info" enum:"trace,debug,info,warn,warning,error" help:"Log level."`
	LogFormat string `name:"log-format" env:"LOG_FORMAT" default:"text" enum:"text,json" help:"Log format."`
}

// Load reads .env (if present), parses args and the environment, and validates.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	parser, err := kong.New(&cfg,
		kong.Name("quotagate"),
		kong.Description("Admission control and usage accounting for the summarization API."),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build flag parser: %w", err)
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration eagerly so a bad value stops startup.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is required", core.ErrInvalidConfig)
	}
	if c.RedisHost != "" && (c.RedisPort <= 0 || c.RedisPort > 65535) {
		return fmt.Errorf("%w: redis port %d out of range", core.ErrInvalidConfig, c.RedisPort)
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("%w: redis db cannot be negative", core.ErrInvalidConfig)
	}
	if c.RedisMaxConnections <= 0 {
		return fmt.Errorf("%w: redis max connections must be positive", core.ErrInvalidConfig)
	}
	if c.RedisMaxRetries == 0 {
		return fmt.Errorf("%w: redis max retries must be at least 1", core.ErrInvalidConfig)
	}
	if c.RedisRetryBase <= 0 {
		return fmt.Errorf("%w: redis retry base must be positive", core.ErrInvalidConfig)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("%w: store timeout must be positive", core.ErrInvalidConfig)
	}
	if c.CounterTTL < 24*time.Hour {
		return fmt.Errorf("%w: counter ttl %s is shorter than a day bucket", core.ErrInvalidConfig, c.CounterTTL)
	}
	if c.RecentCallsLimit <= 0 {
		return fmt.Errorf("%w: recent calls limit must be positive", core.ErrInvalidConfig)
	}
	if c.QueueSize <= 0 || c.BatchSize <= 0 || c.RingSize <= 0 {
		return fmt.Errorf("%w: analytics queue, batch and ring sizes must be positive", core.ErrInvalidConfig)
	}
	if c.BatchInterval <= 0 {
		return fmt.Errorf("%w: analytics batch interval must be positive", core.ErrInvalidConfig)
	}
	if c.StatsRetentionDays < 0 {
		return fmt.Errorf("%w: stats retention days cannot be negative", core.ErrInvalidConfig)
	}
	if strings.TrimSpace(c.FallbackFile) == "" {
		return fmt.Errorf("%w: fallback file is required", core.ErrInvalidConfig)
	}
	return nil
}

// RedisAddr returns host:port, or "" when Redis is not configured.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return net.JoinHostPort(c.RedisHost, strconv.Itoa(c.RedisPort))
}
