package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	log "github.com/sirupsen/logrus"

	"github.com/yourusername/quotagate/core"
	"github.com/yourusername/quotagate/logging"
)

// RetryPolicy bounds how hard Resilient tries before giving up
type RetryPolicy struct {
	Timeout   time.Duration // Per-attempt deadline (default: 10s)
	MaxTries  uint          // Total attempts (default: 3)
	BaseDelay time.Duration // First backoff delay, doubled per retry (default: 100ms)
}

// DefaultRetryPolicy returns the retry settings used by the server
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:   10 * time.Second,
		MaxTries:  3,
		BaseDelay: 100 * time.Millisecond,
	}
}

// ErrorRecorder receives store failures that exhausted their retries
type ErrorRecorder interface {
	RecordStoreError(op string)
}

// ResilientOption configures a Resilient store
type ResilientOption func(*Resilient)

// WithFallback routes failed non-counting writes to a local file
func WithFallback(f *Fallback) ResilientOption {
	return func(r *Resilient) { r.fallback = f }
}

// WithStoreLogger sets the logger for retry and fallback events
func WithStoreLogger(logger log.FieldLogger) ResilientOption {
	return func(r *Resilient) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithErrorRecorder reports exhausted operations, typically to metrics
func WithErrorRecorder(rec ErrorRecorder) ResilientOption {
	return func(r *Resilient) { r.errors = rec }
}

// Resilient wraps a Store with per-attempt timeouts and exponential backoff.
// Counting operations never fall back: when the store is gone the caller
// gets a *core.StoreError and decides what to do.
type Resilient struct {
	inner    Store
	policy   RetryPolicy
	fallback *Fallback
	logger   log.FieldLogger
	errors   ErrorRecorder
}

var _ Store = (*Resilient)(nil)

// NewResilient wraps inner with the given retry policy
func NewResilient(inner Store, policy RetryPolicy, opts ...ResilientOption) *Resilient {
	def := DefaultRetryPolicy()
	if policy.Timeout <= 0 {
		policy.Timeout = def.Timeout
	}
	if policy.MaxTries == 0 {
		policy.MaxTries = def.MaxTries
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = def.BaseDelay
	}

	r := &Resilient{inner: inner, policy: policy, logger: logging.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithField("component", "store")
	return r
}

func (r *Resilient) newBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     r.policy.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         r.policy.BaseDelay << r.policy.MaxTries,
	}
}

func retry[T any](ctx context.Context, r *Resilient, op string, fn func(context.Context) (T, error)) (T, error) {
	attempts := 0
	operation := func() (T, error) {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()

		res, err := fn(attemptCtx)
		if err != nil && (ctx.Err() != nil || !core.IsRetryable(err)) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(r.policy.MaxTries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.WithFields(log.Fields{
				"op":       op,
				"attempt":  attempts,
				"retry_in": next,
			}).WithError(err).Warn("store operation failed, retrying")
		}),
	)
	if err == nil {
		return res, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if r.errors != nil {
		r.errors.RecordStoreError(op)
	}
	return res, &core.StoreError{Op: op, Attempts: attempts, Err: err}
}

// IncrementAndGet retries the increment and never falls back
func (r *Resilient) IncrementAndGet(ctx context.Context, callerID, bucket string) (int64, error) {
	return retry(ctx, r, "increment", func(ctx context.Context) (int64, error) {
		return r.inner.IncrementAndGet(ctx, callerID, bucket)
	})
}

// RecentCalls retries the read and never falls back
func (r *Resilient) RecentCalls(ctx context.Context, callerID string, n int) ([]time.Time, error) {
	return retry(ctx, r, "recent_calls", func(ctx context.Context) ([]time.Time, error) {
		return r.inner.RecentCalls(ctx, callerID, n)
	})
}

// LogCall writes to the fallback file once retries are exhausted
func (r *Resilient) LogCall(ctx context.Context, callerID string, at time.Time) error {
	_, err := retry(ctx, r, "log_call", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.LogCall(ctx, callerID, at)
	})
	if err == nil || r.fallback == nil {
		return err
	}

	r.logger.WithError(err).Warn("store unavailable, writing call to fallback log")
	if ferr := r.fallback.WriteCall(callerID, at); ferr != nil {
		return errors.Join(err, ferr)
	}
	return nil
}

// FlushAudit writes the batch to the fallback file once retries are exhausted
func (r *Resilient) FlushAudit(ctx context.Context, entries []core.AuditEntry) error {
	_, err := retry(ctx, r, "flush_audit", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.FlushAudit(ctx, entries)
	})
	if err == nil || r.fallback == nil {
		return err
	}

	r.logger.WithError(err).WithField("entries", len(entries)).
		Warn("store unavailable, writing audit batch to fallback log")
	if ferr := r.fallback.WriteAudit(entries); ferr != nil {
		return errors.Join(err, ferr)
	}
	return nil
}

// Ping makes a single attempt bounded by the per-attempt timeout
func (r *Resilient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()
	return r.inner.Ping(ctx)
}

// Close closes the wrapped store and the fallback file
func (r *Resilient) Close() error {
	err := r.inner.Close()
	if r.fallback != nil {
		err = errors.Join(err, r.fallback.Close())
	}
	return err
}
