package tenant

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tenantpulse/db"
	"github.com/teranos/tenantpulse/errors"
	tptest "github.com/teranos/tenantpulse/internal/testing"
	"github.com/teranos/tenantpulse/pulse/async"
	"github.com/teranos/tenantpulse/pulse/engine"
)

// =============================================================================
// Harbour Test Universe
// =============================================================================
// Tenants are shipping lines (maersk, evergreen, cosco); orgs are their ports.

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type harness struct {
	m        *Manager
	registry *fakeRegistry
	provider *fakeProvider
	clock    *tptest.Clock
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		registry: newFakeRegistry(),
		provider: newFakeProvider(),
		clock:    tptest.NewClock(epoch),
	}
	h.registry.addTenant("maersk", "rotterdam", "singapore")
	h.registry.addTenant("evergreen", "kaohsiung")
	h.registry.addTenant("cosco", "shanghai")

	cfg := Config{
		Mode:     ModeMulti,
		Registry: h.registry,
		Provider: h.provider,
		Decrypt:  plainDecrypt,
		Now:      h.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	h.m = m
	t.Cleanup(func() {
		m.CloseAll(context.Background())
		h.provider.closeAll()
	})
	return h
}

func manifestJob(name string) engine.JobDefinition {
	return engine.JobDefinition{
		Name:    name,
		Handler: func(context.Context, *engine.JobContext, json.RawMessage) error { return nil },
	}
}

func TestNewManagerValidatesMode(t *testing.T) {
	_, err := NewManager(Config{Mode: ModeMulti})
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = NewManager(Config{Mode: ModeSingle})
	assert.True(t, errors.IsInvalidRequestError(err), "single mode needs a database")

	_, err = NewManager(Config{Mode: "sideways", SingleDB: tptest.CreateTestDB(t)})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestSingleModeAlwaysReturnsDefault(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{SingleDB: tptest.CreateTestDB(t)})
	require.NoError(t, err)
	t.Cleanup(func() { m.CloseAll(context.Background()) })

	a, err := m.GetScheduler(ctx, "maersk", "rotterdam")
	require.NoError(t, err)
	b, err := m.GetSchedulerForContext(ctx)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, Key{TenantID: DefaultTenantID, OrgID: DefaultOrgID}, a.Key())
	assert.True(t, a.Engine().Started())

	active, err := m.ListActiveSchedulers(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Zero(t, m.CacheSize())
	assert.Zero(t, m.EvictExpired(ctx))

	require.NoError(t, m.CloseAll(ctx))
	assert.False(t, a.Engine().Started())
}

func TestGetSchedulerConcurrentCallersShareOneInit(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.configDelay = 50 * time.Millisecond

	const callers = 20
	handles := make([]*SchedulerHandle, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i], errs[i] = h.m.GetScheduler(context.Background(), "maersk", "rotterdam")
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i])
	}
	assert.Equal(t, int32(1), h.registry.configCalls.Load())
	assert.Equal(t, int32(1), h.provider.opened.Load())
	assert.Equal(t, 1, h.m.CacheSize())
	assert.Equal(t, "maersk", handles[0].TenantID())
	assert.Equal(t, "rotterdam", handles[0].OrgID())
}

func TestGetSchedulerEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.MaxSchedulers = 2 })

	rotterdam, err := h.m.GetScheduler(ctx, "maersk", "rotterdam")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	kaohsiung, err := h.m.GetScheduler(ctx, "evergreen", "kaohsiung")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.m.GetScheduler(ctx, "maersk", "rotterdam") // touch
	require.NoError(t, err)
	h.clock.Advance(time.Second)

	_, err = h.m.GetScheduler(ctx, "cosco", "shanghai")
	require.NoError(t, err)

	assert.Equal(t, 2, h.m.CacheSize())
	assert.False(t, kaohsiung.Engine().Started(), "least recently used is stopped")
	assert.True(t, rotterdam.Engine().Started())
	assert.Equal(t, 1, h.provider.releases(Key{TenantID: "evergreen", OrgID: "kaohsiung"}))

	again, err := h.m.GetScheduler(ctx, "evergreen", "kaohsiung")
	require.NoError(t, err)
	assert.NotSame(t, kaohsiung, again, "evicted scheduler is rebuilt")
	assert.Equal(t, 2, h.m.CacheSize())
}

func TestEvictExpired(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.TTL = time.Millisecond })

	s, err := h.m.GetScheduler(ctx, "maersk", "rotterdam")
	require.NoError(t, err)
	assert.Equal(t, 1, h.m.CacheSize())

	assert.Zero(t, h.m.EvictExpired(ctx), "not idle yet")
	h.clock.Advance(2 * time.Millisecond)
	assert.Equal(t, 1, h.m.EvictExpired(ctx))
	assert.Zero(t, h.m.CacheSize())
	assert.False(t, s.Engine().Started())
}

func TestMissingDatabaseConfig(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.m.GetScheduler(ctx, "hapag", "hamburg")
	var missing *MissingDatabaseConfigError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "hapag", missing.TenantID)
	assert.True(t, errors.Is(err, errors.ErrMissingDatabaseConfig))
	assert.Zero(t, h.m.CacheSize(), "failed entry is removed")

	h.registry.addTenant("hapag", "hamburg")
	_, err = h.m.GetScheduler(ctx, "hapag", "hamburg")
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.registry.configCalls.Load())
}

func TestInitFailureReachesEveryWaiter(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Decrypt = func(string) (string, error) { return "", errors.New("bad key") }
	})
	h.registry.configs["maersk"].EncryptedPassword = "sealed"
	h.registry.configDelay = 30 * time.Millisecond

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.m.GetScheduler(context.Background(), "maersk", "rotterdam"); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), failures.Load())
	assert.Equal(t, int32(1), h.registry.configCalls.Load())
	assert.Zero(t, h.m.CacheSize())
}

func TestWaiterHonoursOwnContext(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.configDelay = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.m.GetScheduler(ctx, "maersk", "rotterdam")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	s, err := h.m.GetScheduler(context.Background(), "maersk", "rotterdam")
	require.NoError(t, err, "initialization continued for other callers")
	assert.True(t, s.Engine().Started())
	assert.Equal(t, int32(1), h.registry.configCalls.Load())
}

func TestGetSchedulerForContext(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.m.GetSchedulerForContext(ctx)
	var noTenant *NoTenantContextError
	require.True(t, errors.As(err, &noTenant))
	assert.True(t, errors.Is(err, errors.ErrNoTenantContext))

	s, err := h.m.GetSchedulerForContext(WithTenant(ctx, "cosco", "shanghai"))
	require.NoError(t, err)
	assert.Equal(t, Key{TenantID: "cosco", OrgID: "shanghai"}, s.Key())
}

func TestRegisterJobDefinitionsReachLiveAndFutureSchedulers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.m.RegisterJobDefinitions(ctx, manifestJob("load-manifest"))

	rotterdam, err := h.m.GetScheduler(ctx, "maersk", "rotterdam")
	require.NoError(t, err)
	h.m.RegisterJobDefinitions(ctx, manifestJob("clear-customs"))

	singapore, err := h.m.GetScheduler(ctx, "maersk", "singapore")
	require.NoError(t, err)

	for _, s := range []*SchedulerHandle{rotterdam, singapore} {
		jobs := s.Engine().ListJobs()
		require.Len(t, jobs, 2, s.Key().String())
		assert.Equal(t, "clear-customs", jobs[0].Name)
		assert.Equal(t, "load-manifest", jobs[1].Name)
	}

	resp, err := rotterdam.QueueJob(ctx, engine.QueueRequest{Name: "load-manifest"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.JobID)
}

func TestRegistrationCallbackRunsPerScheduler(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	var firstCalls atomic.Int32
	h.m.SetJobRegistrationCallback(ctx, func(ctx context.Context, eng *engine.Engine, hdl *db.Handle) error {
		firstCalls.Add(1)
		assert.NotNil(t, hdl)
		return eng.RegisterJob(ctx, manifestJob("tally-containers"))
	})

	rotterdam, err := h.m.GetScheduler(ctx, "maersk", "rotterdam")
	require.NoError(t, err)
	_, err = h.m.GetScheduler(ctx, "evergreen", "kaohsiung")
	require.NoError(t, err)
	assert.Equal(t, int32(2), firstCalls.Load())
	assert.Len(t, rotterdam.Engine().ListJobs(), 1)

	var secondCalls atomic.Int32
	h.m.SetJobRegistrationCallback(ctx, func(context.Context, *engine.Engine, *db.Handle) error {
		secondCalls.Add(1)
		return nil
	})
	assert.Equal(t, int32(2), secondCalls.Load(), "runs against existing schedulers")
}

func TestListActiveSchedulers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	_, err := h.m.GetScheduler(ctx, "maersk", "singapore")
	require.NoError(t, err)

	active, err := h.m.ListActiveSchedulers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 4)
	assert.Equal(t, Summary{TenantID: "cosco", TenantName: "Tenant cosco", OrgID: "shanghai", OrgName: "Org shanghai"}, active[0])
	assert.Equal(t, "evergreen", active[1].TenantID)
	assert.Equal(t, "rotterdam", active[2].OrgID)
	assert.False(t, active[2].Cached)
	assert.Equal(t, "singapore", active[3].OrgID)
	assert.True(t, active[3].Cached)
}

func TestSchemaNotFoundEvictsScheduler(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) {
		c.Worker = true
		c.Queue = async.Config{PollInterval: 10 * time.Millisecond}
	})
	h.m.RegisterJobDefinitions(ctx, manifestJob("load-manifest"))

	s, err := h.m.GetScheduler(ctx, "maersk", "rotterdam")
	require.NoError(t, err)
	assert.Equal(t, 1, h.m.CacheSize())

	_, err = s.DB().ExecContext(ctx, `DROP TABLE pulse_jobs`)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return h.m.CacheSize() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return !s.Engine().Started() }, 5*time.Second, 10*time.Millisecond)
}

func TestCloseAllStopsEverything(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	a, err := h.m.GetScheduler(ctx, "maersk", "rotterdam")
	require.NoError(t, err)
	b, err := h.m.GetScheduler(ctx, "cosco", "shanghai")
	require.NoError(t, err)

	require.NoError(t, h.m.CloseAll(ctx))
	assert.Zero(t, h.m.CacheSize())
	assert.False(t, a.Engine().Started())
	assert.False(t, b.Engine().Started())
}

func TestReconfigureShrinksCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	for _, k := range []Key{{"maersk", "rotterdam"}, {"maersk", "singapore"}, {"cosco", "shanghai"}} {
		_, err := h.m.GetScheduler(ctx, k.TenantID, k.OrgID)
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}
	require.Equal(t, 3, h.m.CacheSize())

	h.m.Reconfigure(ctx, 1, time.Hour)
	assert.Equal(t, 1, h.m.CacheSize())

	active, err := h.m.ListActiveSchedulers(ctx)
	require.NoError(t, err)
	for _, s := range active {
		assert.Equal(t, s.TenantID == "cosco", s.Cached, s.TenantID+"/"+s.OrgID)
	}
}
