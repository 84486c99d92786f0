package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yourusername/quotagate/core"
)

// MemoryStore provides thread-safe in-memory storage for usage counters.
// Expired counters and call lists are reset on access and swept from the
// maps at most once per sweep interval.
type MemoryStore struct {
	mu          sync.Mutex
	counters    map[string]memCounter
	calls       map[string]memCalls
	audit       []core.AuditEntry // newest first
	stats       map[string]int64
	ttl         time.Duration
	recentCalls int
	now         func() time.Time
	nextSweep   time.Time
	closed      atomic.Bool
}

// memorySweepInterval bounds how often writes scan the maps for expired keys
const memorySweepInterval = time.Minute

var errMemoryClosed = errors.New("memory store closed")

type memCounter struct {
	value     int64
	expiresAt time.Time
}

type memCalls struct {
	times     []time.Time // newest first
	expiresAt time.Time
}

func expired(expiresAt, now time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryTTL overrides the counter TTL
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithMemoryRecentCalls overrides the recent-calls list length
func WithMemoryRecentCalls(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.recentCalls = n
		}
	}
}

// WithMemoryClock injects the clock used for expiry
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		counters:    make(map[string]memCounter),
		calls:       make(map[string]memCalls),
		stats:       make(map[string]int64),
		ttl:         DefaultCounterTTL,
		recentCalls: DefaultRecentCalls,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IncrementAndGet increments the counter for a bucket
func (s *MemoryStore) IncrementAndGet(ctx context.Context, callerID, bucket string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	key := callerID + ":" + bucket
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	c := s.counters[key]
	if expired(c.expiresAt, now) {
		c = memCounter{}
	}
	c.value++
	c.expiresAt = now.Add(s.ttl)
	s.counters[key] = c
	return c.value, nil
}

// LogCall prepends a call timestamp and trims the list
func (s *MemoryStore) LogCall(ctx context.Context, callerID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(now)

	prev := s.calls[callerID]
	if expired(prev.expiresAt, now) {
		prev = memCalls{}
	}
	list := append([]time.Time{at.UTC()}, prev.times...)
	if len(list) > s.recentCalls {
		list = list[:s.recentCalls]
	}
	s.calls[callerID] = memCalls{times: list, expiresAt: now.Add(s.ttl)}
	return nil
}

// RecentCalls returns up to n call timestamps, newest first
func (s *MemoryStore) RecentCalls(ctx context.Context, callerID string, n int) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var list []time.Time
	if c := s.calls[callerID]; !expired(c.expiresAt, now) {
		list = c.times
	}
	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([]time.Time, n)
	copy(out, list[:n])
	return out, nil
}

// sweepLocked drops expired counters and call lists. The caller holds s.mu.
func (s *MemoryStore) sweepLocked(now time.Time) {
	if now.Before(s.nextSweep) {
		return
	}
	s.nextSweep = now.Add(memorySweepInterval)

	for k, c := range s.counters {
		if expired(c.expiresAt, now) {
			delete(s.counters, k)
		}
	}
	for k, c := range s.calls {
		if expired(c.expiresAt, now) {
			delete(s.calls, k)
		}
	}
}

// FlushAudit stores a batch of audit entries and updates the statistics counters
func (s *MemoryStore) FlushAudit(ctx context.Context, entries []core.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.audit = append([]core.AuditEntry{e}, s.audit...)
		for _, k := range e.StatKeys() {
			s.stats[k]++
		}
	}
	if len(s.audit) > AuditListMax {
		s.audit = s.audit[:AuditListMax]
	}
	return nil
}

// AuditLog returns up to n persisted audit entries, newest first
func (s *MemoryStore) AuditLog(_ context.Context, n int) ([]core.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 || n > len(s.audit) {
		n = len(s.audit)
	}
	out := make([]core.AuditEntry, n)
	copy(out, s.audit[:n])
	return out, nil
}

// Stats returns a copy of the persisted statistics counters
func (s *MemoryStore) Stats(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.stats))
	for k, v := range s.stats {
		out[k] = v
	}
	return out, nil
}

// Ping fails only after Close
func (s *MemoryStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return errMemoryClosed
	}
	return ctx.Err()
}

// Close marks the store closed for Ping. Data stays readable.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
