// Package limiter decides whether a caller may run another summarization.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/yourusername/quotagate/core"
	"github.com/yourusername/quotagate/logging"
	"github.com/yourusername/quotagate/policy"
	"github.com/yourusername/quotagate/store"
)

// DefaultLogCallTimeout bounds the asynchronous recent-call write.
const DefaultLogCallTimeout = 10 * time.Second

// Recorder receives the outcome of every check. The metrics package implements it.
type Recorder interface {
	RecordCheck(d *core.Decision, err error, elapsed time.Duration)
}

// Limiter checks and records usage against the quota policy.
type Limiter struct {
	table    *policy.Table
	store    store.Store
	recorder Recorder
	logger   log.FieldLogger
	now      func() time.Time

	logCallTimeout time.Duration
	pending        sync.WaitGroup
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock injects the clock. Tests use it to pin buckets.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogCallTimeout bounds the background recent-call write.
func WithLogCallTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.logCallTimeout = d
		}
	}
}

// New creates a Limiter. Both table and st are required.
func New(table *policy.Table, st store.Store, opts ...Option) (*Limiter, error) {
	if table == nil {
		return nil, fmt.Errorf("%w: limiter requires a policy table", core.ErrInvalidConfig)
	}
	if st == nil {
		return nil, fmt.Errorf("%w: limiter requires a store", core.ErrInvalidConfig)
	}

	l := &Limiter{
		table:          table,
		store:          st,
		logger:         logging.Discard(),
		now:            time.Now,
		logCallTimeout: DefaultLogCallTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.WithField("component", "limiter")
	return l, nil
}

// Check counts the request against the caller's day and minute windows and
// decides whether it may proceed. Denied requests are counted too.
//
// A non-nil error means no decision could be made: policy errors and store
// outages both fail closed.
func (l *Limiter) Check(ctx context.Context, callerID string, role core.Role, plan core.Plan) (d *core.Decision, err error) {
	start := time.Now()
	defer func() {
		if l.recorder != nil {
			l.recorder.RecordCheck(d, err, time.Since(start))
		}
	}()

	if callerID == "" {
		return nil, core.ErrInvalidCaller
	}

	now := l.now().UTC()

	quota, err := l.table.Lookup(role, plan, now)
	if err != nil {
		fields := log.Fields{"role": role, "plan": plan, "hour": now.Hour()}
		if errors.Is(err, core.ErrInvalidSlot) {
			l.logger.WithFields(fields).WithError(err).Error("no quota defined for slot")
		} else {
			l.logger.WithFields(fields).WithError(err).Warn("quota lookup failed")
		}
		return nil, err
	}

	dayLimit := quota.DailyLimit()
	minuteLimit := quota.Limit.RateLimitPerMinute

	// Both windows are incremented before either is compared.
	dayCount, err := l.store.IncrementAndGet(ctx, callerID, core.WindowDay.Bucket(now))
	if err != nil {
		return nil, l.storeFailure(callerID, err)
	}
	minuteCount, err := l.store.IncrementAndGet(ctx, callerID, core.WindowMinute.Bucket(now))
	if err != nil {
		return nil, l.storeFailure(callerID, err)
	}

	d = &core.Decision{
		Allowed:  true,
		CallerID: callerID,
		Role:     quota.Role,
		Plan:     quota.Plan,
		Slot:     quota.Slot,
		MaxJobs:  quota.Limit.MaxConcurrentJobs,
	}

	switch {
	case uint64(dayCount) > dayLimit:
		deny(d, core.WindowDay, dayCount, dayLimit, now)
	case uint64(minuteCount) > minuteLimit:
		deny(d, core.WindowMinute, minuteCount, minuteLimit, now)
	default:
		// Report whichever window has less headroom left.
		if dayLimit-uint64(dayCount) < minuteLimit-uint64(minuteCount) {
			setWindow(d, core.WindowDay, dayCount, dayLimit, now)
		} else {
			setWindow(d, core.WindowMinute, minuteCount, minuteLimit, now)
		}
	}

	if !d.Allowed {
		l.logger.WithFields(log.Fields{
			"caller":  core.MaskKey(callerID),
			"window":  d.Window,
			"current": d.Current,
			"limit":   d.Limit,
		}).Info("rate limit exceeded")
	}

	l.logCall(callerID, now)
	return d, nil
}

func setWindow(d *core.Decision, w core.Window, count int64, limit uint64, now time.Time) {
	d.Window = w
	d.Current = count
	d.Limit = limit
	d.ResetAt = w.ResetAt(now)
}

func deny(d *core.Decision, w core.Window, count int64, limit uint64, now time.Time) {
	setWindow(d, w, count, limit, now)
	d.Allowed = false
	d.RetryAfter = d.ResetAt.Sub(now)
}

func (l *Limiter) storeFailure(callerID string, err error) error {
	l.logger.WithField("caller", core.MaskKey(callerID)).WithError(err).Error("usage counter store unavailable")
	if errors.Is(err, core.ErrStoreUnavailable) {
		return err
	}
	return &core.StoreError{Op: "increment", Attempts: 1, Err: err}
}

// logCall records the call timestamp without delaying the decision.
func (l *Limiter) logCall(callerID string, at time.Time) {
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), l.logCallTimeout)
		defer cancel()
		if err := l.store.LogCall(ctx, callerID, at); err != nil {
			l.logger.WithField("caller", core.MaskKey(callerID)).WithError(err).Warn("failed to log call")
		}
	}()
}

// RecentCalls returns the caller's most recent call times, newest first.
func (l *Limiter) RecentCalls(ctx context.Context, callerID string, n int) ([]time.Time, error) {
	if callerID == "" {
		return nil, core.ErrInvalidCaller
	}
	return l.store.RecentCalls(ctx, callerID, n)
}

// Wait blocks until all background call-log writes have finished.
func (l *Limiter) Wait() {
	l.pending.Wait()
}
