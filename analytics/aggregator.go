// Package analytics keeps usage statistics and a short audit trail of
// completed summarizations, and persists them in batches.
package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/yourusername/quotagate/core"
	"github.com/yourusername/quotagate/logging"
)

const (
	DefaultQueueSize    = 1000
	DefaultBatchSize    = 10
	DefaultInterval     = 10 * time.Second
	DefaultRingSize     = 100
	DefaultFlushTimeout = 30 * time.Second

	dateLayout = "2006-01-02"
)

// Flusher persists a batch of audit entries. store.Store satisfies it.
type Flusher interface {
	FlushAudit(ctx context.Context, entries []core.AuditEntry) error
}

// Recorder receives analytics events. The metrics package implements it.
type Recorder interface {
	RecordAnalyticsDrop()
	RecordAnalyticsFlush(ok bool)
}

// Aggregator counts completed summarizations per day, language and style,
// keeps the most recent entries in memory, and hands entries to a single
// background writer.
type Aggregator struct {
	flusher  Flusher
	recorder Recorder
	logger   log.FieldLogger
	now      func() time.Time

	batchSize    int
	interval     time.Duration
	flushTimeout time.Duration

	mu    sync.Mutex
	stats map[string]int64
	ring  []core.AuditEntry
	head  int // next write position
	count int

	queue   chan core.AuditEntry
	dropped atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures an Aggregator.
type Option func(*Aggregator)

func WithQueueSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.queue = make(chan core.AuditEntry, n)
		}
	}
}

func WithBatchSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.interval = d
		}
	}
}

func WithRingSize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.ring = make([]core.AuditEntry, n)
		}
	}
}

func WithLogger(logger log.FieldLogger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(a *Aggregator) { a.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an Aggregator. It does not persist anything until Start is called.
func New(flusher Flusher, opts ...Option) *Aggregator {

	a := &Aggregator{
		flusher:      flusher,
		logger:       logging.Discard(),
		now:          time.Now,
		batchSize:    DefaultBatchSize,
		interval:     DefaultInterval,
		flushTimeout: DefaultFlushTimeout,
		stats:        make(map[string]int64),
		ring:         make([]core.AuditEntry, DefaultRingSize),
		queue:        make(chan core.AuditEntry, DefaultQueueSize),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithField("component", "analytics")
	return a
}

// Record registers one completed summarization. Counters and the in-memory
// log are updated before it returns; persistence happens in the background.
// Record never blocks: when the queue is full the entry is not persisted.
func (a *Aggregator) Record(callerID, language, style string) {
	entry := core.AuditEntry{
		ID:       uuid.NewString(),
		Time:     a.now().UTC(),
		Caller:   callerID,
		Language: language,
		Style:    style,
	}

	a.mu.Lock()
	for _, k := range entry.StatKeys() {
		a.stats[k]++
	}
	a.ring[a.head] = entry
	a.head = (a.head + 1) % len(a.ring)
	if a.count < len(a.ring) {
		a.count++
	}
	a.mu.Unlock()

	select {
	case a.queue <- entry:
	default:
		n := a.dropped.Add(1)
		if a.recorder != nil {
			a.recorder.RecordAnalyticsDrop()
		}
		a.logger.WithFields(log.Fields{
			"entry_id":      entry.ID,
			"dropped_total": n,
		}).WithError(core.ErrAnalyticsDropped).Warn("analytics queue full, dropping log entry")
	}
}

// Stats returns a copy of the usage counters.
func (a *Aggregator) Stats() map[string]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]int64, len(a.stats))
	for k, v := range a.stats {
		out[k] = v
	}
	return out
}

// Logs returns the most recent entries in arrival order. limit <= 0 returns
// everything kept in memory.
func (a *Aggregator) Logs(limit int) []core.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.count
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]core.AuditEntry, n)
	start := a.head - n
	if start < 0 {
		start += len(a.ring)
	}
	for i := 0; i < n; i++ {
		out[i] = a.ring[(start+i)%len(a.ring)]
	}
	return out
}

// Dropped returns how many entries were not persisted because the queue was full.
func (a *Aggregator) Dropped() int64 {
	return a.dropped.Load()
}

// PruneBefore removes counters for dates strictly before day and reports how
// many were removed.
func (a *Aggregator) PruneBefore(day time.Time) int {
	cutoff := day.UTC().Format(dateLayout)

	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for k := range a.stats {
		if len(k) < len(dateLayout) {
			continue
		}
		if k[:len(dateLayout)] < cutoff {
			delete(a.stats, k)
			removed++
		}
	}
	return removed
}

// Start launches the background writer. Only the first call has any effect.
func (a *Aggregator) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		ctx, a.cancel = context.WithCancel(ctx)
		go a.run(ctx)
		a.logger.WithFields(log.Fields{
			"batch_size": a.batchSize,
			"interval":   a.interval,
			"queue_size": cap(a.queue),
		}).Info("analytics writer started")
	})
}

// Close stops the writer after flushing everything still queued. If Start was
// never called, the queue is flushed synchronously.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		started := true
		a.startOnce.Do(func() { started = false })

		if !started {
			a.drain(nil)
			close(a.done)
			return
		}
		a.cancel()
		<-a.done
	})
}

func (a *Aggregator) run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	batch := make([]core.AuditEntry, 0, a.batchSize)
	for {
		select {
		case e := <-a.queue:
			batch = append(batch, e)
			if len(batch) >= a.batchSize {
				a.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			a.drain(batch)
			a.logger.Info("analytics writer stopped")
			return
		}
	}
}

// drain flushes pending plus whatever is left in the queue.
func (a *Aggregator) drain(pending []core.AuditEntry) {
	batch := append([]core.AuditEntry(nil), pending...)
	for {
		select {
		case e := <-a.queue:
			batch = append(batch, e)
			if len(batch) >= a.batchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				a.flush(batch)
			}
			return
		}
	}
}

func (a *Aggregator) flush(batch []core.AuditEntry) {
	if a.flusher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.flushTimeout)
	defer cancel()

	entries := append([]core.AuditEntry(nil), batch...)
	err := a.flusher.FlushAudit(ctx, entries)
	if a.recorder != nil {
		a.recorder.RecordAnalyticsFlush(err == nil)
	}
	if err != nil {
		a.logger.WithError(err).WithField("entries", len(batch)).Error("failed to persist analytics batch")
		return
	}
	a.logger.WithField("entries", len(batch)).Debug("analytics batch persisted")
}
