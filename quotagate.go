// Package quotagate provides admission control and usage accounting for a
// summarization API.
//
// Every request is counted against two fixed windows per caller, a UTC day and
// a UTC minute, with limits resolved from a quota policy by role, plan and
// time-of-day slot. Counters live in Redis so several instances share them.
//
// # Quick Start
//
//	table, err := quotagate.NewPolicyTable(ctx, quotagate.StaticPolicy(quotagate.DefaultPolicy()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	limiter, err := quotagate.NewLimiter(table, quotagate.NewMemoryStore())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	decision, err := limiter.Check(ctx, "api-key", quotagate.RoleUser, quotagate.PlanFree)
//	if err != nil {
//	    // store unavailable or policy defect: fail closed
//	}
//	if !decision.Allowed {
//	    fmt.Printf("Rate limited. Retry after %v\n", decision.RetryAfter)
//	}
//
// The cmd/quotagate server wires the same pieces behind gin, with Redis, a
// retrying store wrapper, usage analytics and Prometheus metrics.
package quotagate

import (
	"github.com/yourusername/quotagate/core"
	"github.com/yourusername/quotagate/limiter"
	"github.com/yourusername/quotagate/policy"
	"github.com/yourusername/quotagate/store"
)

// Re-export main types for convenience
type (
	Role     = core.Role
	Plan     = core.Plan
	Caller   = core.Caller
	Decision = core.Decision
	Limiter  = limiter.Limiter
	Table    = policy.Table
	Store    = store.Store
)

const (
	RoleUser  = core.RoleUser
	RolePro   = core.RolePro
	RoleAdmin = core.RoleAdmin

	PlanFree       = core.PlanFree
	PlanPro        = core.PlanPro
	PlanEnterprise = core.PlanEnterprise
)

var (
	// NewLimiter creates a limiter over a policy table and a counter store
	NewLimiter = limiter.New

	// NewPolicyTable loads a policy table, failing on an invalid document
	NewPolicyTable = policy.NewTable

	// StaticPolicy and FilePolicy are policy loaders
	StaticPolicy = policy.StaticLoader
	FilePolicy   = policy.FileLoader

	// DefaultPolicy returns the built-in quota policy
	DefaultPolicy = policy.Default

	NewMemoryStore = store.NewMemoryStore
	NewRedisStore  = store.NewRedisStore
)
