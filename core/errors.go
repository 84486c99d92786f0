package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidConfig is returned when quota policy or process configuration is malformed
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrStoreUnavailable is returned when the counter store cannot be reached after retries
	ErrStoreUnavailable = errors.New("rate limiting temporarily unavailable")

	// ErrQuotaExceeded is returned when a caller's count exceeds its resolved limit
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrInvalidSlot is returned when a time slot has no exact match and no "anytime" fallback
	ErrInvalidSlot = errors.New("invalid time slot")

	// ErrInvalidCaller is returned when the caller identity is empty
	ErrInvalidCaller = errors.New("caller identity cannot be empty")

	// ErrAnalyticsDropped marks an audit entry dropped because the submission queue was full
	ErrAnalyticsDropped = errors.New("analytics queue full")

	// ErrTooManyJobs is returned when a caller already runs its maximum concurrent jobs
	ErrTooManyJobs = errors.New("too many concurrent jobs")
)

// QuotaExceededError carries the observed count and the limit it crossed.
type QuotaExceededError struct {
	Window  Window
	Current int64
	Limit   uint64
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded. Current: %d, Limit: %d (per %s)", e.Current, e.Limit, e.Window)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// StoreError wraps the last failure of a store operation that exhausted its retry budget.
type StoreError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

// Unwrap exposes both ErrStoreUnavailable and the underlying cause to errors.Is.
func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// SlotError reports a policy authoring defect: no limits for the requested slot.
type SlotError struct {
	Role string
	Plan string
	Slot string
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("invalid slot %q for role %q plan %q and no 'anytime' fallback", e.Slot, e.Role, e.Plan)
}

func (e *SlotError) Unwrap() error {
	return ErrInvalidSlot
}

// IsRetryable reports whether a store error is worth another attempt.
// Cancellation by the caller is final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// IsPolicyError reports whether err comes from quota resolution rather than the store.
func IsPolicyError(err error) bool {
	return errors.Is(err, ErrInvalidConfig) || errors.Is(err, ErrInvalidSlot)
}
