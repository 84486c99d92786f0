package policy

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/quotagate/core"
)

// AnytimeSlot is the wildcard slot used when no slot-specific limits exist.
const AnytimeSlot = "anytime"

// Document is the on-disk quota policy. JSON documents are accepted as well,
// since every JSON document is valid YAML.
type Document struct {
	// DefaultRole is used for callers whose role has no entry in Roles
	DefaultRole string `yaml:"default_role"`

	// DefaultPlan is used when a role has no entry for the caller's plan
	DefaultPlan string `yaml:"default_plan"`

	// Slots maps named time-of-day slots to UTC hour ranges
	Slots map[string]SlotWindow `yaml:"slots,omitempty"`

	// Roles holds the limit tiers per role
	Roles map[string]RoleDoc `yaml:"roles"`

	// Callers is a static API key directory
	Callers map[string]CallerDoc `yaml:"callers,omitempty"`
}

// SlotWindow is a half-open hour range [From, To). From > To wraps past midnight.
type SlotWindow struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
}

// RoleDoc defines the limits of one role.
type RoleDoc struct {
	Label string `yaml:"label,omitempty"`

	// Limits maps a slot (name or hour "0".."23") to its limits. Plans without
	// their own limits inherit these.
	Limits map[string]LimitDoc `yaml:"limits,omitempty"`

	Plans map[string]PlanDoc `yaml:"plans,omitempty"`
}

// PlanDoc refines a role for one plan.
type PlanDoc struct {
	// DailyCap is a flat per-day ceiling applied on top of the slot limits (0 = none)
	DailyCap uint64 `yaml:"daily_cap,omitempty"`

	Limits map[string]LimitDoc `yaml:"limits,omitempty"`
}

// LimitDoc uses pointers so that missing fields can be told apart from zeros.
type LimitDoc struct {
	RateLimitPerMinute *uint64 `yaml:"rate_limit_per_minute"`
	MaxRequestsPerDay  *uint64 `yaml:"max_requests_per_day"`
	MaxConcurrentJobs  *uint64 `yaml:"max_concurrent_jobs"`
}

// CallerDoc assigns a role and plan to an API key.
type CallerDoc struct {
	Role string `yaml:"role"`
	Plan string `yaml:"plan"`
}

// Parse decodes and validates a policy document. Unknown fields are rejected.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse policy: %v", core.ErrInvalidConfig, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadFile reads and parses a policy document from path.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read policy file: %v", core.ErrInvalidConfig, err)
	}
	return Parse(data)
}

// Validate checks that every lookup against the document resolves to a limit.
func (d *Document) Validate() error {
	if len(d.Roles) == 0 {
		return fmt.Errorf("%w: policy: at least one role is required", core.ErrInvalidConfig)
	}

	defaultRole := normalize(d.DefaultRole)
	defaultPlan := normalize(d.DefaultPlan)
	if defaultRole == "" {
		return fmt.Errorf("%w: policy: default_role is required", core.ErrInvalidConfig)
	}
	if defaultPlan == "" {
		return fmt.Errorf("%w: policy: default_plan is required", core.ErrInvalidConfig)
	}

	for name, w := range d.Slots {
		if normalize(name) == "" || normalize(name) == AnytimeSlot {
			return fmt.Errorf("%w: policy: slot name %q is reserved or empty", core.ErrInvalidConfig, name)
		}
		if _, isHour := parseHour(name); isHour {
			return fmt.Errorf("%w: policy: slot name %q must not be an hour", core.ErrInvalidConfig, name)
		}
		if w.From < 0 || w.From > 23 || w.To < 0 || w.To > 23 {
			return fmt.Errorf("%w: policy: slot %q: hours must be within 0-23", core.ErrInvalidConfig, name)
		}
		if w.From == w.To {
			return fmt.Errorf("%w: policy: slot %q: from and to must differ", core.ErrInvalidConfig, name)
		}
	}

	seen := make(map[string]string, len(d.Roles))
	for name, role := range d.Roles {
		key := normalize(name)
		if key == "" {
			return fmt.Errorf("%w: policy: role name cannot be empty", core.ErrInvalidConfig)
		}
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("%w: policy: roles %q and %q collide", core.ErrInvalidConfig, prev, name)
		}
		seen[key] = name

		if err := d.validateLimits(role.Limits, "role "+name); err != nil {
			return err
		}

		hasDefaultPlan := false
		for planName, plan := range role.Plans {
			if normalize(planName) == "" {
				return fmt.Errorf("%w: policy: role %q: plan name cannot be empty", core.ErrInvalidConfig, name)
			}
			if normalize(planName) == defaultPlan {
				hasDefaultPlan = true
			}
			where := fmt.Sprintf("role %s plan %s", name, planName)
			if err := d.validateLimits(plan.Limits, where); err != nil {
				return err
			}
			if len(plan.Limits) == 0 && len(role.Limits) == 0 {
				return fmt.Errorf("%w: policy: %s: no limits defined on the plan or its role", core.ErrInvalidConfig, where)
			}
		}
		if len(role.Limits) == 0 && !hasDefaultPlan {
			return fmt.Errorf("%w: policy: role %q: limits are required when plan %q is not defined",
				core.ErrInvalidConfig, name, defaultPlan)
		}
	}

	if _, ok := seen[defaultRole]; !ok {
		return fmt.Errorf("%w: policy: default_role %q is not defined", core.ErrInvalidConfig, d.DefaultRole)
	}

	for key, c := range d.Callers {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: policy: caller key cannot be empty", core.ErrInvalidConfig)
		}
		if _, ok := seen[normalize(c.Role)]; !ok {
			return fmt.Errorf("%w: policy: caller %q references unknown role %q", core.ErrInvalidConfig, core.MaskKey(key), c.Role)
		}
	}

	return nil
}

func (d *Document) validateLimits(limits map[string]LimitDoc, where string) error {
	if len(limits) == 0 {
		return nil
	}

	hourKeys, namedKeys := 0, 0
	for slot, l := range limits {
		if _, isHour := parseHour(slot); isHour {
			hourKeys++
		} else {
			name := normalize(slot)
			if name == "" {
				return fmt.Errorf("%w: policy: %s: empty slot key", core.ErrInvalidConfig, where)
			}
			if name != AnytimeSlot && !d.hasSlot(name) {
				return fmt.Errorf("%w: policy: %s: slot %q is not declared in slots", core.ErrInvalidConfig, where, slot)
			}
			namedKeys++
		}
		if err := l.validate(); err != nil {
			return fmt.Errorf("%w: policy: %s slot %s: %v", core.ErrInvalidConfig, where, slot, err)
		}
	}
	if hourKeys > 0 && namedKeys > 0 {
		return fmt.Errorf("%w: policy: %s: hour keys and named slots cannot be mixed", core.ErrInvalidConfig, where)
	}
	return nil
}

func (d *Document) hasSlot(name string) bool {
	for n := range d.Slots {
		if normalize(n) == name {
			return true
		}
	}
	return false
}

func (l LimitDoc) validate() error {
	fields := []struct {
		name string
		v    *uint64
	}{
		{"rate_limit_per_minute", l.RateLimitPerMinute},
		{"max_requests_per_day", l.MaxRequestsPerDay},
		{"max_concurrent_jobs", l.MaxConcurrentJobs},
	}
	for _, f := range fields {
		if f.v == nil {
			return fmt.Errorf("%s is required", f.name)
		}
		if *f.v == 0 {
			return fmt.Errorf("%s must be positive", f.name)
		}
	}
	return nil
}

func (l LimitDoc) limit() core.Limit {
	return core.Limit{
		RateLimitPerMinute: *l.RateLimitPerMinute,
		MaxRequestsPerDay:  *l.MaxRequestsPerDay,
		MaxConcurrentJobs:  *l.MaxConcurrentJobs,
	}
}

func parseHour(key string) (int, bool) {
	h, err := strconv.Atoi(strings.TrimSpace(key))
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	return h, true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Default returns the built-in policy used when no policy file is configured.
func Default() *Document {
	limit := func(perMinute, perDay, jobs uint64) LimitDoc {
		return LimitDoc{RateLimitPerMinute: &perMinute, MaxRequestsPerDay: &perDay, MaxConcurrentJobs: &jobs}
	}

	return &Document{
		DefaultRole: string(core.RoleUser),
		DefaultPlan: string(core.PlanFree),
		Slots: map[string]SlotWindow{
			"daytime": {From: 6, To: 22},
			"night":   {From: 22, To: 6},
		},
		Roles: map[string]RoleDoc{
			string(core.RoleAdmin): {
				Label: "Administrator",
				Limits: map[string]LimitDoc{
					AnytimeSlot: limit(1000, 100000, 100),
				},
			},
			string(core.RoleUser): {
				Label: "Free User",
				Limits: map[string]LimitDoc{
					"daytime": limit(10, 100, 2),
					"night":   limit(5, 50, 1),
				},
				Plans: map[string]PlanDoc{
					string(core.PlanFree):       {DailyCap: 1000},
					string(core.PlanPro):        {DailyCap: 5000},
					string(core.PlanEnterprise): {DailyCap: 10000},
				},
			},
			string(core.RolePro): {
				Label: "Pro Subscriber",
				Limits: map[string]LimitDoc{
					"daytime": limit(100, 1000, 10),
					"night":   limit(50, 500, 5),
				},
				Plans: map[string]PlanDoc{
					string(core.PlanFree):       {DailyCap: 1000},
					string(core.PlanPro):        {DailyCap: 10000},
					string(core.PlanEnterprise): {DailyCap: 20000},
				},
			},
		},
	}
}

// sortedSlotNames keeps slot schedule evaluation deterministic.
func (d *Document) sortedSlotNames() []string {
	names := make([]string, 0, len(d.Slots))
	for n := range d.Slots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
