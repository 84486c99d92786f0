package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/yourusername/quotagate/core"
	"github.com/yourusername/quotagate/logging"
)

// Slot identifies a time-of-day category. Hour is -1 when only a name is known.
type Slot struct {
	Name string
	Hour int
}

// NamedSlot returns a slot selected by label only.
func NamedSlot(name string) Slot {
	return Slot{Name: name, Hour: -1}
}

// HourSlot returns a slot selected by hour of day only.
func HourSlot(hour int) Slot {
	return Slot{Hour: hour}
}

// Quota is a resolved policy entry for one request.
type Quota struct {
	Role     core.Role
	Plan     core.Plan
	Slot     string
	Limit    core.Limit
	DailyCap uint64 // flat plan cap, 0 when the plan sets none
}

// DailyLimit is the more restrictive of the slot's daily limit and the plan cap.
func (q Quota) DailyLimit() uint64 {
	if q.DailyCap > 0 && q.DailyCap < q.Limit.MaxRequestsPerDay {
		return q.DailyCap
	}
	return q.Limit.MaxRequestsPerDay
}

// Loader produces a fresh policy document for each (re)load.
type Loader func(ctx context.Context) (*Document, error)

// FileLoader loads the document from path on every call.
func FileLoader(path string) Loader {
	return func(ctx context.Context) (*Document, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return LoadFile(path)
	}
}

// StaticLoader always returns doc.
func StaticLoader(doc *Document) Loader {
	return func(context.Context) (*Document, error) {
		return doc, nil
	}
}

// ReloadObserver is notified about every reload attempt.
type ReloadObserver interface {
	RecordPolicyReload(ok bool)
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger used for reload events.
func WithLogger(logger log.FieldLogger) Option {
	return func(t *Table) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithObserver registers a reload observer.
func WithObserver(o ReloadObserver) Option {
	return func(t *Table) { t.observer = o }
}

// Table is the Quota Policy Table. Lookups read an immutable snapshot; Reload
// builds a new snapshot completely before swapping it in.
type Table struct {
	loader   Loader
	logger   log.FieldLogger
	observer ReloadObserver

	reloadMu sync.Mutex
	current  atomic.Pointer[snapshot]
}

// NewTable performs the initial load. A malformed policy is returned as an
// error so the process can refuse to start.
func NewTable(ctx context.Context, loader Loader, opts ...Option) (*Table, error) {
	if loader == nil {
		return nil, fmt.Errorf("%w: policy loader cannot be nil", core.ErrInvalidConfig)
	}

	t := &Table{loader: loader, logger: logging.Discard()}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithField("component", "policy")

	if err := t.Reload(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload loads the policy again and swaps it in. Concurrent calls are
// serialized: each one runs its own load after the previous one finished.
// On failure the previous table stays active.
func (t *Table) Reload(ctx context.Context) error {
	t.reloadMu.Lock()
	defer t.reloadMu.Unlock()

	doc, err := t.loader(ctx)
	if err == nil {
		var snap *snapshot
		if snap, err = compile(doc); err == nil {
			if prev := t.current.Load(); prev != nil {
				snap.version = prev.version + 1
			} else {
				snap.version = 1
			}
			t.current.Store(snap)
			t.logger.WithFields(log.Fields{
				"version": snap.version,
				"roles":   len(snap.roles),
			}).Info("quota policy loaded")
		}
	}

	if t.observer != nil {
		t.observer.RecordPolicyReload(err == nil)
	}
	if err != nil {
		t.logger.WithError(err).Error("quota policy reload failed, keeping previous table")
		return err
	}
	return nil
}

// Version returns the number of successful loads so far.
func (t *Table) Version() uint64 {
	return t.current.Load().version
}

// Get resolves the limits for (role, plan, slot). Role and plan are matched
// case-insensitively; unknown roles use the default role and unknown plans use
// the role's default plan.
func (t *Table) Get(role core.Role, plan core.Plan, slot Slot) (Quota, error) {
	s := t.current.Load()

	roleKey := normalize(string(role))
	r, ok := s.roles[roleKey]
	if !ok {
		roleKey = s.defaultRole
		r = s.roles[roleKey]
	}

	planKey := normalize(string(plan))
	p, ok := r.plans[planKey]
	if !ok {
		planKey = s.defaultPlan
		p = r.plans[planKey]
	}

	limits := r.limits
	var dailyCap uint64
	if p != nil {
		dailyCap = p.dailyCap
		if p.limits != nil {
			limits = p.limits
		}
	}

	limit, slotName, ok := limits.resolve(slot)
	if !ok {
		name := slot.Name
		if name == "" && slot.Hour >= 0 {
			name = fmt.Sprintf("%d", slot.Hour)
		}
		return Quota{}, &core.SlotError{Role: roleKey, Plan: planKey, Slot: name}
	}

	return Quota{
		Role:     core.Role(roleKey),
		Plan:     core.Plan(planKey),
		Slot:     slotName,
		Limit:    limit,
		DailyCap: dailyCap,
	}, nil
}

// SlotAt maps a point in time to its slot using the policy's slot schedule.
func (t *Table) SlotAt(at time.Time) Slot {
	s := t.current.Load()
	hour := at.UTC().Hour()
	for _, w := range s.slots {
		if w.contains(hour) {
			return Slot{Name: w.name, Hour: hour}
		}
	}
	return Slot{Hour: hour}
}

// Lookup is Get for the slot containing at.
func (t *Table) Lookup(role core.Role, plan core.Plan, at time.Time) (Quota, error) {
	return t.Get(role, plan, t.SlotAt(at))
}

// Resolve maps an API key to a caller. Unknown keys get the default role and
// plan; known reports whether the key was in the directory.
func (t *Table) Resolve(apiKey string) (caller core.Caller, known bool) {
	s := t.current.Load()
	if c, ok := s.callers[apiKey]; ok {
		c.ID = apiKey
		return c, true
	}
	return core.Caller{
		ID:   apiKey,
		Role: core.Role(s.defaultRole),
		Plan: core.Plan(s.defaultPlan),
	}, false
}

type snapshot struct {
	version     uint64
	defaultRole string
	defaultPlan string
	slots       []namedWindow
	roles       map[string]*compiledRole
	callers     map[string]core.Caller
}

type namedWindow struct {
	name     string
	from, to int
}

func (w namedWindow) contains(hour int) bool {
	if w.from < w.to {
		return hour >= w.from && hour < w.to
	}
	return hour >= w.from || hour < w.to
}

type compiledRole struct {
	limits *compiledLimits
	plans  map[string]*compiledPlan
}

type compiledPlan struct {
	dailyCap uint64
	limits   *compiledLimits
}

type hourBracket struct {
	hour  int
	limit core.Limit
}

type compiledLimits struct {
	hours []hourBracket // sorted ascending, set for hour-keyed limits
	named map[string]core.Limit
}

// resolve picks the limit for slot: floor match on hours, or exact name then
// "anytime" for named slots.
func (l *compiledLimits) resolve(slot Slot) (core.Limit, string, bool) {
	if l == nil {
		return core.Limit{}, "", false
	}

	if len(l.hours) > 0 {
		if slot.Hour < 0 || slot.Hour > 23 {
			return core.Limit{}, "", false
		}
		i := sort.Search(len(l.hours), func(i int) bool { return l.hours[i].hour > slot.Hour })
		if i == 0 {
			// hour precedes every bracket
			i = 1
		}
		b := l.hours[i-1]
		return b.limit, fmt.Sprintf("%d", b.hour), true
	}

	name := normalize(slot.Name)
	if name != "" {
		if limit, ok := l.named[name]; ok {
			return limit, name, true
		}
	}
	if limit, ok := l.named[AnytimeSlot]; ok {
		return limit, AnytimeSlot, true
	}
	return core.Limit{}, "", false
}

func compile(doc *Document) (*snapshot, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: policy document is nil", core.ErrInvalidConfig)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	s := &snapshot{
		defaultRole: normalize(doc.DefaultRole),
		defaultPlan: normalize(doc.DefaultPlan),
		roles:       make(map[string]*compiledRole, len(doc.Roles)),
		callers:     make(map[string]core.Caller, len(doc.Callers)),
	}

	for _, name := range doc.sortedSlotNames() {
		w := doc.Slots[name]
		s.slots = append(s.slots, namedWindow{name: normalize(name), from: w.From, to: w.To})
	}

	for name, role := range doc.Roles {
		cr := &compiledRole{
			limits: compileLimits(role.Limits),
			plans:  make(map[string]*compiledPlan, len(role.Plans)),
		}
		for planName, plan := range role.Plans {
			cr.plans[normalize(planName)] = &compiledPlan{
				dailyCap: plan.DailyCap,
				limits:   compileLimits(plan.Limits),
			}
		}
		s.roles[normalize(name)] = cr
	}

	for key, c := range doc.Callers {
		plan := normalize(c.Plan)
		if plan == "" {
			plan = s.defaultPlan
		}
		s.callers[key] = core.Caller{Role: core.Role(normalize(c.Role)), Plan: core.Plan(plan)}
	}

	return s, nil
}

func compileLimits(limits map[string]LimitDoc) *compiledLimits {
	if len(limits) == 0 {
		return nil
	}
	cl := &compiledLimits{named: make(map[string]core.Limit)}
	for key, l := range limits {
		if h, isHour := parseHour(key); isHour {
			cl.hours = append(cl.hours, hourBracket{hour: h, limit: l.limit()})
			continue
		}
		cl.named[normalize(key)] = l.limit()
	}
	sort.Slice(cl.hours, func(i, j int) bool { return cl.hours[i].hour < cl.hours[j].hour })
	return cl
}
