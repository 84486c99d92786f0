package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/quotagate/core"
)

// RedisStore provides Redis-backed storage for usage counters
type RedisStore struct {
	client      *redis.Client
	ttl         time.Duration // How long counters and call lists live
	prefix      string
	recentCalls int
}

// Ensure RedisStore implements Store interface
var _ Store = (*RedisStore)(nil)

// RedisConfig for creating a Redis store
type RedisConfig struct {
	Addr        string        // Redis address (e.g., "localhost:6379")
	Password    string        // Redis password (empty for no auth)
	DB          int           // Redis database number
	PoolSize    int           // Max connections (default: 10)
	Timeout     time.Duration // Read/write timeout per command (default: 10s)
	TTL         time.Duration // Counter TTL (default: 24h)
	Prefix      string        // Key prefix (default: "quotagate:")
	RecentCalls int           // Call timestamps kept per caller (default: 100)
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(config RedisConfig) *RedisStore {
	if config.PoolSize <= 0 {
		config.PoolSize = 10
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
		MaxRetries:   -1, // Resilient owns retries
	})

	return newRedisStore(client, config)
}

func newRedisStore(client *redis.Client, config RedisConfig) *RedisStore {
	ttl := config.TTL
	if ttl <= 0 {
		ttl = DefaultCounterTTL
	}
	prefix := config.Prefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	recent := config.RecentCalls
	if recent <= 0 {
		recent = DefaultRecentCalls
	}

	return &RedisStore{
		client:      client,
		ttl:         ttl,
		prefix:      prefix,
		recentCalls: recent,
	}
}

func (s *RedisStore) counterKey(callerID, bucket string) string {
	return s.prefix + "count:" + callerID + ":" + bucket
}

func (s *RedisStore) callsKey(callerID string) string {
	return s.prefix + "calls:" + callerID
}

func (s *RedisStore) auditKey() string { return s.prefix + "summary_logs" }
func (s *RedisStore) statsKey() string { return s.prefix + "stats" }

// IncrementAndGet increments the bucket counter and refreshes its TTL in one transaction
func (s *RedisStore) IncrementAndGet(ctx context.Context, callerID, bucket string) (int64, error) {
	key := s.counterKey(callerID, bucket)

	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// LogCall records a call timestamp, keeping only the most recent entries
func (s *RedisStore) LogCall(ctx context.Context, callerID string, at time.Time) error {
	key := s.callsKey(callerID)

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, at.UnixNano())
		pipe.LTrim(ctx, key, 0, int64(s.recentCalls-1))
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

// RecentCalls returns the caller's logged call times, newest first
func (s *RedisStore) RecentCalls(ctx context.Context, callerID string, n int) ([]time.Time, error) {
	if n <= 0 || n > s.recentCalls {
		n = s.recentCalls
	}

	vals, err := s.client.LRange(ctx, s.callsKey(callerID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}

	calls := make([]time.Time, 0, len(vals))
	for _, v := range vals {
		nanos, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue // Skip foreign values
		}
		calls = append(calls, time.Unix(0, nanos).UTC())
	}
	return calls, nil
}

// FlushAudit writes a batch in a single round trip. The pipeline is not a
// transaction: each command is atomic on its own.
func (s *RedisStore) FlushAudit(ctx context.Context, entries []core.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	payloads := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode audit entry %s: %w", e.ID, err)
		}
		payloads = append(payloads, data)
	}

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.auditKey(), payloads...)
		for _, e := range entries {
			for _, field := range e.StatKeys() {
				pipe.HIncrBy(ctx, s.statsKey(), field, 1)
			}
		}
		pipe.LTrim(ctx, s.auditKey(), 0, AuditListMax-1)
		return nil
	})
	return err
}

// AuditLog returns up to n persisted audit entries, newest first
func (s *RedisStore) AuditLog(ctx context.Context, n int) ([]core.AuditEntry, error) {
	if n <= 0 {
		n = AuditListMax
	}

	vals, err := s.client.LRange(ctx, s.auditKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]core.AuditEntry, 0, len(vals))
	for _, v := range vals {
		var e core.AuditEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Stats returns the persisted statistics hash
func (s *RedisStore) Stats(ctx context.Context) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, s.statsKey()).Result()
	if err != nil {
		return nil, err
	}

	stats := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		stats[k] = n
	}
	return stats, nil
}

// Ping checks if Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
