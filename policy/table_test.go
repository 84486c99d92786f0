package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/quotagate/core"
)

const hourlyPolicy = `
default_role: user
default_plan: free
roles:
  user:
    limits:
      "0":  {rate_limit_per_minute: 5,  max_requests_per_day: 50,  max_concurrent_jobs: 1}
      "6":  {rate_limit_per_minute: 20, max_requests_per_day: 200, max_concurrent_jobs: 2}
      "12": {rate_limit_per_minute: 30, max_requests_per_day: 300, max_concurrent_jobs: 3}
      "18": {rate_limit_per_minute: 15, max_requests_per_day: 150, max_concurrent_jobs: 2}
    plans:
      free: {daily_cap: 100}
`

const namedPolicy = `
default_role: user
default_plan: free
slots:
  daytime: {from: 6, to: 22}
  night:   {from: 22, to: 6}
roles:
  admin:
    limits:
      anytime: {rate_limit_per_minute: 1000, max_requests_per_day: 100000, max_concurrent_jobs: 100}
  user:
    limits:
      daytime: {rate_limit_per_minute: 10, max_requests_per_day: 100, max_concurrent_jobs: 2}
    plans:
      free: {}
      pro:
        daily_cap: 5000
        limits:
          daytime: {rate_limit_per_minute: 100, max_requests_per_day: 1000, max_concurrent_jobs: 10}
          night:   {rate_limit_per_minute: 50,  max_requests_per_day: 500,  max_concurrent_jobs: 5}
callers:
  admin_api_key: {role: admin, plan: enterprise}
  pro_api_key:   {role: USER, plan: Pro}
`

func mustTable(t *testing.T, yamlDoc string) *Table {
	t.Helper()
	doc, err := Parse([]byte(yamlDoc))
	require.NoError(t, err)
	table, err := NewTable(context.Background(), StaticLoader(doc))
	require.NoError(t, err)
	return table
}

func TestTable_HourFloorMatch(t *testing.T) {
	table := mustTable(t, hourlyPolicy)

	tests := []struct {
		hour       int
		wantSlot   string
		wantPerDay uint64
	}{
		{hour: 0, wantSlot: "0", wantPerDay: 50},
		{hour: 5, wantSlot: "0", wantPerDay: 50},
		{hour: 6, wantSlot: "6", wantPerDay: 200},
		{hour: 10, wantSlot: "6", wantPerDay: 200},
		{hour: 12, wantSlot: "12", wantPerDay: 300},
		{hour: 23, wantSlot: "18", wantPerDay: 150},
	}

	for _, tt := range tests {
		q, err := table.Get(core.RoleUser, core.PlanFree, HourSlot(tt.hour))
		require.NoError(t, err, "hour %d", tt.hour)
		assert.Equal(t, tt.wantSlot, q.Slot, "hour %d", tt.hour)
		assert.Equal(t, tt.wantPerDay, q.Limit.MaxRequestsPerDay, "hour %d", tt.hour)
	}
}

func TestTable_HourBeforeFirstBracket(t *testing.T) {
	doc, err := Parse([]byte(`
default_role: user
default_plan: free
roles:
  user:
    limits:
      "8":  {rate_limit_per_minute: 1, max_requests_per_day: 10, max_concurrent_jobs: 1}
      "20": {rate_limit_per_minute: 2, max_requests_per_day: 20, max_concurrent_jobs: 1}
`))
	require.NoError(t, err)
	table, err := NewTable(context.Background(), StaticLoader(doc))
	require.NoError(t, err)

	q, err := table.Get(core.RoleUser, core.PlanFree, HourSlot(3))
	require.NoError(t, err)
	assert.Equal(t, "8", q.Slot)
}

func TestTable_DailyLimitTakesMinimum(t *testing.T) {
	table := mustTable(t, hourlyPolicy)

	q, err := table.Get(core.RoleUser, core.PlanFree, HourSlot(13))
	require.NoError(t, err)
	assert.Equal(t, uint64(300), q.Limit.MaxRequestsPerDay)
	assert.Equal(t, uint64(100), q.DailyLimit())

	q, err = table.Get(core.RoleUser, core.PlanFree, HourSlot(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(50), q.DailyLimit())
}

func TestTable_NamedSlots(t *testing.T) {
	table := mustTable(t, namedPolicy)

	t.Run("exact match", func(t *testing.T) {
		q, err := table.Get("User", "PRO", NamedSlot("Night"))
		require.NoError(t, err)
		assert.Equal(t, core.RoleUser, q.Role)
		assert.Equal(t, core.PlanPro, q.Plan)
		assert.Equal(t, "night", q.Slot)
		assert.Equal(t, uint64(50), q.Limit.RateLimitPerMinute)
		assert.Equal(t, uint64(500), q.DailyLimit())
	})

	t.Run("anytime fallback", func(t *testing.T) {
		q, err := table.Get(core.RoleAdmin, core.PlanEnterprise, NamedSlot("daytime"))
		require.NoError(t, err)
		assert.Equal(t, AnytimeSlot, q.Slot)
		assert.Equal(t, uint64(1000), q.Limit.RateLimitPerMinute)
	})

	t.Run("missing slot without anytime", func(t *testing.T) {
		_, err := table.Get(core.RoleUser, core.PlanFree, NamedSlot("night"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrInvalidSlot))

		var se *core.SlotError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "night", se.Slot)
	})

	t.Run("unknown role uses default role", func(t *testing.T) {
		q, err := table.Get("intern", core.PlanFree, NamedSlot("daytime"))
		require.NoError(t, err)
		assert.Equal(t, core.RoleUser, q.Role)
		assert.Equal(t, uint64(10), q.Limit.RateLimitPerMinute)
	})

	t.Run("unknown plan uses default plan", func(t *testing.T) {
		q, err := table.Get(core.RoleUser, "platinum", NamedSlot("daytime"))
		require.NoError(t, err)
		assert.Equal(t, core.PlanFree, q.Plan)
	})
}

func TestTable_SlotAt(t *testing.T) {
	table := mustTable(t, namedPolicy)

	at := func(hour int) time.Time { return time.Date(2026, 10, 15, hour, 30, 0, 0, time.UTC) }

	assert.Equal(t, "daytime", table.SlotAt(at(6)).Name)
	assert.Equal(t, "daytime", table.SlotAt(at(21)).Name)
	assert.Equal(t, "night", table.SlotAt(at(22)).Name)
	assert.Equal(t, "night", table.SlotAt(at(2)).Name)
	assert.Equal(t, 2, table.SlotAt(at(2)).Hour)

	q, err := table.Lookup(core.RoleUser, core.PlanPro, at(23))
	require.NoError(t, err)
	assert.Equal(t, "night", q.Slot)
}

func TestTable_Resolve(t *testing.T) {
	table := mustTable(t, namedPolicy)

	c, known := table.Resolve("pro_api_key")
	assert.True(t, known)
	assert.Equal(t, core.Caller{ID: "pro_api_key", Role: core.RoleUser, Plan: core.PlanPro}, c)

	c, known = table.Resolve("someone_else")
	assert.False(t, known)
	assert.Equal(t, core.RoleUser, c.Role)
	assert.Equal(t, core.PlanFree, c.Plan)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no roles", "default_role: user\ndefault_plan: free\n"},
		{"unknown field", "default_role: user\ndefault_plan: free\nroles: {}\nextra: 1\n"},
		{"missing default role", `
default_plan: free
roles:
  user:
    limits:
      anytime: {rate_limit_per_minute: 1, max_requests_per_day: 1, max_concurrent_jobs: 1}
`},
		{"default role undefined", `
default_role: guest
default_plan: free
roles:
  user:
    limits:
      anytime: {rate_limit_per_minute: 1, max_requests_per_day: 1, max_concurrent_jobs: 1}
`},
		{"missing limit field", `
default_role: user
default_plan: free
roles:
  user:
    limits:
      anytime: {rate_limit_per_minute: 1, max_requests_per_day: 1}
`},
		{"zero limit", `
default_role: user
default_plan: free
roles:
  user:
    limits:
      anytime: {rate_limit_per_minute: 0, max_requests_per_day: 1, max_concurrent_jobs: 1}
`},
		{"undeclared slot", `
default_role: user
default_plan: free
roles:
  user:
    limits:
      weekend: {rate_limit_per_minute: 1, max_requests_per_day: 1, max_concurrent_jobs: 1}
`},
		{"mixed hour and named keys", `
default_role: user
default_plan: free
roles:
  user:
    limits:
      "6":     {rate_limit_per_minute: 1, max_requests_per_day: 1, max_concurrent_jobs: 1}
      anytime: {rate_limit_per_minute: 1, max_requests_per_day: 1, max_concurrent_jobs: 1}
`},
		{"caller with unknown role", `
default_role: user
default_plan: free
roles:
  user:
    limits:
      anytime: {rate_limit_per_minute: 1, max_requests_per_day: 1, max_concurrent_jobs: 1}
callers:
  secret_key: {role: root, plan: free}
`},
		{"bad slot window", `
default_role: user
default_plan: free
slots:
  daytime: {from: 6, to: 25}
roles:
  user:
    limits:
      anytime: {rate_limit_per_minute: 1, max_requests_per_day: 1, max_concurrent_jobs: 1}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, core.ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestParse_CallerKeyMasked(t *testing.T) {
	_, err := Parse([]byte(`
default_role: user
default_plan: free
roles:
  user:
    limits:
      anytime: {rate_limit_per_minute: 1, max_requests_per_day: 1, max_concurrent_jobs: 1}
callers:
  supersecretkey: {role: root}
`))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "supersecretkey")
}

func TestDefault_IsValid(t *testing.T) {
	table, err := NewTable(context.Background(), StaticLoader(Default()))
	require.NoError(t, err)

	q, err := table.Get(core.RoleUser, core.PlanFree, NamedSlot("daytime"))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), q.Limit.RateLimitPerMinute)
	assert.Equal(t, uint64(100), q.DailyLimit())

	q, err = table.Get(core.RoleAdmin, core.PlanFree, NamedSlot("night"))
	require.NoError(t, err)
	assert.Equal(t, AnytimeSlot, q.Slot)
}

func TestNewTable_FailsFast(t *testing.T) {
	bad := &Document{DefaultRole: "user", DefaultPlan: "free"}
	_, err := NewTable(context.Background(), StaticLoader(bad))
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	_, err = NewTable(context.Background(), FileLoader(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

type reloadCounter struct {
	ok, failed atomic.Int32
}

func (r *reloadCounter) RecordPolicyReload(ok bool) {
	if ok {
		r.ok.Add(1)
	} else {
		r.failed.Add(1)
	}
}

func TestTable_ReloadKeepsPreviousOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(namedPolicy), 0o600))

	counter := &reloadCounter{}
	table, err := NewTable(context.Background(), FileLoader(path), WithObserver(counter))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), table.Version())

	require.NoError(t, os.WriteFile(path, []byte("roles: [not, a, map]"), 0o600))
	assert.Error(t, table.Reload(context.Background()))
	assert.Equal(t, uint64(1), table.Version())

	q, err := table.Get(core.RoleUser, core.PlanPro, NamedSlot("night"))
	require.NoError(t, err)
	assert.Equal(t, uint64(50), q.Limit.RateLimitPerMinute)

	require.NoError(t, os.WriteFile(path, []byte(hourlyPolicy), 0o600))
	require.NoError(t, table.Reload(context.Background()))
	assert.Equal(t, uint64(2), table.Version())

	q, err = table.Get(core.RoleUser, core.PlanFree, HourSlot(10))
	require.NoError(t, err)
	assert.Equal(t, "6", q.Slot)

	assert.Equal(t, int32(2), counter.ok.Load())
	assert.Equal(t, int32(1), counter.failed.Load())
}

func TestTable_ConcurrentReloadsAreSerialized(t *testing.T) {
	doc, err := Parse([]byte(namedPolicy))
	require.NoError(t, err)

	var (
		loads    atomic.Int32
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	loader := func(ctx context.Context) (*Document, error) {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inFlight.Add(-1)
		loads.Add(1)
		time.Sleep(10 * time.Millisecond)
		return doc, nil
	}

	table, err := NewTable(context.Background(), loader)
	require.NoError(t, err)
	loads.Store(0)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, table.Reload(context.Background()))
		}()
	}

	// Readers never observe a partially built table
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_, err := table.Get(core.RoleAdmin, core.PlanFree, NamedSlot("daytime"))
			assert.NoError(t, err)
		}
	}()

	wg.Wait()
	<-done

	assert.Equal(t, int32(3), loads.Load())
	assert.False(t, overlap.Load(), "loads overlapped")
	assert.Equal(t, uint64(4), table.Version())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(namedPolicy), 0o600))

	table, err := NewTable(context.Background(), FileLoader(path))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(table, path, 20*time.Millisecond, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	// Let the watcher register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(hourlyPolicy), 0o600))

	assert.Eventually(t, func() bool { return table.Version() >= 2 }, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-errCh)
}

func TestExamplePolicyFile(t *testing.T) {
	table, err := NewTable(context.Background(), FileLoader(filepath.Join("..", "examples", "policy.yaml")))
	require.NoError(t, err)

	q, err := table.Lookup(core.RoleUser, core.PlanFree, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "6", q.Slot)
	assert.Equal(t, uint64(30), q.DailyLimit())

	caller, known := table.Resolve("pro_api_key")
	assert.True(t, known)
	assert.Equal(t, core.RolePro, caller.Role)
}
