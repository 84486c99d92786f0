package store

import (
	"context"
	"time"

	"github.com/yourusername/quotagate/core"
)

const (
	// DefaultCounterTTL keeps counters for a full day bucket
	DefaultCounterTTL = 24 * time.Hour

	// DefaultRecentCalls is how many call timestamps are kept per caller
	DefaultRecentCalls = 100

	// AuditListMax bounds the persisted audit log
	AuditListMax = 10000

	// DefaultKeyPrefix namespaces every key the store writes
	DefaultKeyPrefix = "quotagate:"
)

// Store defines the interface for usage counter storage
type Store interface {
	// IncrementAndGet atomically increments the counter for (callerID, bucket)
	// and returns the new value. New counters expire after the counter TTL.
	IncrementAndGet(ctx context.Context, callerID, bucket string) (int64, error)

	// LogCall pushes a timestamp to the front of the caller's recent-calls list
	// and trims it to the configured length.
	LogCall(ctx context.Context, callerID string, at time.Time) error

	// RecentCalls returns up to n timestamps, newest first.
	RecentCalls(ctx context.Context, callerID string, n int) ([]time.Time, error)

	// FlushAudit persists a batch of audit entries and bumps their statistics counters.
	FlushAudit(ctx context.Context, entries []core.AuditEntry) error

	Ping(ctx context.Context) error
	Close() error
}
