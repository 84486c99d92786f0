package core

import (
	"strings"
	"time"
)

// Role determines which quota tier applies to a caller
type Role string

const (
	RoleUser  Role = "user"
	RolePro   Role = "pro"
	RoleAdmin Role = "admin"
)

// Plan is the subscription plan of a caller, independent of its role
type Plan string

const (
	PlanFree       Plan = "free"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// ParseRole normalizes a role string. Unknown roles are kept (lower-cased)
// so the policy table can apply its own fallback.
func ParseRole(s string) Role {
	return Role(strings.ToLower(strings.TrimSpace(s)))
}

// ParsePlan normalizes a plan string the same way ParseRole does.
func ParsePlan(s string) Plan {
	return Plan(strings.ToLower(strings.TrimSpace(s)))
}

// Caller is an authenticated API client as seen by the admission path
type Caller struct {
	ID   string // API key
	Role Role
	Plan Plan
}

// Limit holds the numeric ceilings for one (role, plan, slot) combination
type Limit struct {
	RateLimitPerMinute uint64 `json:"rate_limit_per_minute"`
	MaxRequestsPerDay  uint64 `json:"max_requests_per_day"`
	MaxConcurrentJobs  uint64 `json:"max_concurrent_jobs"`
}

// Window is the time span a usage counter covers
type Window string

const (
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
)

// Bucket returns the bucket label for t. Labels are UTC so every process
// sharing a store agrees on bucket boundaries.
func (w Window) Bucket(t time.Time) string {
	t = t.UTC()
	switch w {
	case WindowMinute:
		return "min:" + t.Format("2006-01-02T15:04")
	default:
		return "day:" + t.Format("2006-01-02")
	}
}

// ResetAt returns the start of the bucket following the one containing t.
func (w Window) ResetAt(t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case WindowMinute:
		return t.Truncate(time.Minute).Add(time.Minute)
	default:
		return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
	}
}

// Decision is the outcome of one admission check
type Decision struct {
	Allowed    bool          `json:"allowed"`
	CallerID   string        `json:"-"`
	Role       Role          `json:"role"`
	Plan       Plan          `json:"plan"`
	Slot       string        `json:"slot"`
	Window     Window        `json:"window"`   // window that decided the outcome
	Current    int64         `json:"current"`  // post-increment count in Window
	Limit      uint64        `json:"limit"`    // effective limit in Window
	ResetAt    time.Time     `json:"reset_at"` // when Window's bucket rolls over
	RetryAfter time.Duration `json:"-"`        // zero when allowed
	MaxJobs    uint64        `json:"max_concurrent_jobs"`
}

// Remaining reports how many requests are left in the deciding window.
func (d *Decision) Remaining() uint64 {
	if d.Current < 0 || uint64(d.Current) >= d.Limit {
		return 0
	}
	return d.Limit - uint64(d.Current)
}

// Err returns a *QuotaExceededError for denied decisions and nil otherwise.
func (d *Decision) Err() error {
	if d == nil || d.Allowed {
		return nil
	}
	return &QuotaExceededError{
		Window:  d.Window,
		Current: d.Current,
		Limit:   d.Limit,
		ResetAt: d.ResetAt,
	}
}

// MaskKey hides all but the first four characters of an API key
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}

// AuditEntry records one completed summarization call
type AuditEntry struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Caller   string    `json:"api_key"`
	Language string    `json:"language"`
	Style    string    `json:"style"`
}

// Date returns the UTC day label used by the usage statistics keys.
func (e AuditEntry) Date() string {
	return e.Time.UTC().Format("2006-01-02")
}

// StatKeys returns the statistics counter keys incremented for this entry.
func (e AuditEntry) StatKeys() []string {
	date := e.Date()
	return []string{
		date + ":total",
		date + ":lang:" + e.Language,
		date + ":style:" + e.Style,
	}
}
