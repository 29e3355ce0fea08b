// Package tenant resolves the job engine of a tenant-org: a lazily built,
// cached, evictable scheduler per tenant database, or one default scheduler
// in single-tenant mode.
package tenant

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/teranos/tenantpulse/db"
	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/internal/observability"
	"github.com/teranos/tenantpulse/logger"
	"github.com/teranos/tenantpulse/pulse/async"
	"github.com/teranos/tenantpulse/pulse/engine"
	"github.com/teranos/tenantpulse/pulse/record"
)

// Modes
const (
	ModeSingle = "single"
	ModeMulti  = "multi"
)

// Cache defaults
const (
	DefaultMaxSchedulers = 100
	DefaultTTL           = 30 * time.Minute
)

// EngineFactory builds a stopped engine on a tenant handle. onError must be
// passed to the engine so queue failures reach the manager.
type EngineFactory func(ctx context.Context, key Key, h *db.Handle, onError func(async.ErrorInfo)) (*engine.Engine, error)

// RegistrationCallback registers jobs that need tenant-scoped collaborators.
// It runs once per new scheduler, before the engine starts.
type RegistrationCallback func(ctx context.Context, eng *engine.Engine, h *db.Handle) error

// Config configures a Manager.
type Config struct {
	Mode          string
	MaxSchedulers int           // default 100
	TTL           time.Duration // default 30m
	InitRate      float64       // initializations per second, 0 = unlimited
	RegistryRate  float64       // self-heal registry calls per second, 0 = unlimited

	// Single-tenant mode
	SingleDB *db.Handle

	// Multi-tenant mode
	Registry Registry
	Provider ConnectionProvider
	Decrypt  DecryptFunc

	// Engine construction; ignored when EngineFactory is set
	Worker bool
	Queue  async.Config

	EngineFactory EngineFactory
	Now           func() time.Time
	Logger        *zap.SugaredLogger
}

// Summary is one tenant-org listed by ListActiveSchedulers.
type Summary struct {
	TenantID   string `json:"tenant_id"`
	TenantName string `json:"tenant_name"`
	OrgID      string `json:"org_id"`
	OrgName    string `json:"org_name"`
	Cached     bool   `json:"cached"` // a scheduler is currently live
}

// entry is a cache slot. done is open while the scheduler initializes;
// handle and err are set before done closes.
type entry struct {
	key      Key
	lastUsed time.Time
	done     chan struct{}
	handle   *SchedulerHandle
	err      error
}

func (e *entry) initializing() bool {
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// Manager is the tenant scheduler cache.
type Manager struct {
	mode            string
	registry        Registry
	provider        ConnectionProvider
	decrypt         DecryptFunc
	factory         EngineFactory
	initLimiter     *rate.Limiter
	registryLimiter *rate.Limiter
	singleDB        *db.Handle
	now             func() time.Time
	logger          *zap.SugaredLogger

	mu            sync.Mutex
	maxSchedulers int
	ttl           time.Duration
	entries       map[Key]*entry
	defs          []engine.JobDefinition
	callback      RegistrationCallback
	callbackGen   int

	singleMu sync.Mutex
	single   *SchedulerHandle
}

// NewManager validates cfg and returns an empty cache.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeSingle
	}
	switch cfg.Mode {
	case ModeSingle:
		if cfg.SingleDB == nil {
			return nil, errors.NewInvalidRequestError("single-tenant mode requires a database")
		}
	case ModeMulti:
		if cfg.Registry == nil || cfg.Provider == nil || cfg.Decrypt == nil {
			return nil, errors.NewInvalidRequestError("multi-tenant mode requires a registry, a connection provider and a decrypter")
		}
	default:
		return nil, errors.NewInvalidRequestError("unknown scheduler mode %q", cfg.Mode)
	}
	if cfg.MaxSchedulers <= 0 {
		cfg.MaxSchedulers = DefaultMaxSchedulers
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		mode:            cfg.Mode,
		registry:        cfg.Registry,
		provider:        cfg.Provider,
		decrypt:         cfg.Decrypt,
		factory:         cfg.EngineFactory,
		initLimiter:     limiter(cfg.InitRate),
		registryLimiter: limiter(cfg.RegistryRate),
		singleDB:        cfg.SingleDB,
		now:             cfg.Now,
		logger:          logger.AddTenantSymbol(logger.OrNop(cfg.Logger).Named("tenant")),
		maxSchedulers:   cfg.MaxSchedulers,
		ttl:             cfg.TTL,
		entries:         make(map[Key]*entry),
	}
	if m.factory == nil {
		m.factory = defaultFactory(cfg.Worker, cfg.Queue, m.logger)
	}
	return m, nil
}

func limiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

// defaultFactory builds a SQL queue and record store on the tenant handle.
func defaultFactory(worker bool, queueCfg async.Config, log *zap.SugaredLogger) EngineFactory {
	return func(_ context.Context, key Key, h *db.Handle, onError func(async.ErrorInfo)) (*engine.Engine, error) {
		engLog := logger.ForTenant(log, key.TenantID, key.OrgID)
		return engine.New(engine.Options{
			Queue:   async.NewSQLQueue(h, queueCfg, engLog),
			Store:   record.NewSQLStore(h),
			Worker:  worker,
			Logger:  engLog,
			OnError: onError,
		})
	}
}

// Mode returns ModeSingle or ModeMulti.
func (m *Manager) Mode() string { return m.mode }

// GetScheduler returns the scheduler of the tenant-org, building it on
// first use. Concurrent callers for one key share a single initialization.
func (m *Manager) GetScheduler(ctx context.Context, tenantID, orgID string) (*SchedulerHandle, error) {
	if m.mode == ModeSingle {
		return m.defaultScheduler(ctx)
	}
	if tenantID == "" || orgID == "" {
		return nil, errors.NewInvalidRequestError("tenant and org ids are required")
	}
	key := Key{TenantID: tenantID, OrgID: orgID}

	m.mu.Lock()
	if ent, ok := m.entries[key]; ok {
		if !ent.initializing() {
			ent.lastUsed = m.now()
			h := ent.handle
			m.mu.Unlock()
			return h, nil
		}
		m.mu.Unlock()
		return m.await(ctx, ent)
	}

	evicted := m.evictLRULocked(m.maxSchedulers - 1)
	ent := &entry{key: key, lastUsed: m.now(), done: make(chan struct{})}
	m.entries[key] = ent
	m.mu.Unlock()

	for _, old := range evicted {
		m.logger.Infow("Evicted least recently used scheduler", logger.FieldTenantID, old.key.TenantID,
			logger.FieldOrgID, old.key.OrgID)
		m.stopEntry(ctx, old)
	}

	// Detached so one caller's cancellation cannot fail the others.
	go m.initialize(context.WithoutCancel(ctx), ent)
	return m.await(ctx, ent)
}

// GetSchedulerForContext resolves the scheduler of the tenant-org in ctx.
func (m *Manager) GetSchedulerForContext(ctx context.Context) (*SchedulerHandle, error) {
	if m.mode == ModeSingle {
		return m.defaultScheduler(ctx)
	}
	key, ok := FromContext(ctx)
	if !ok {
		return nil, &NoTenantContextError{}
	}
	return m.GetScheduler(ctx, key.TenantID, key.OrgID)
}

func (m *Manager) await(ctx context.Context, ent *entry) (*SchedulerHandle, error) {
	select {
	case <-ent.done:
		if ent.err != nil {
			return nil, ent.err
		}
		return ent.handle, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "waiting for scheduler %s", ent.key)
	}
}

// evictLRULocked removes the least recently used ready entries until at
// most keep remain. Initializing entries are never removed.
func (m *Manager) evictLRULocked(keep int) []*entry {
	var evicted []*entry
	for len(m.entries) > keep {
		var oldest *entry
		for _, ent := range m.entries {
			if ent.initializing() {
				continue
			}
			if oldest == nil || ent.lastUsed.Before(oldest.lastUsed) {
				oldest = ent
			}
		}
		if oldest == nil {
			break
		}
		delete(m.entries, oldest.key)
		evicted = append(evicted, oldest)
	}
	return evicted
}

func (m *Manager) initialize(ctx context.Context, ent *entry) {
	h, defsApplied, gen, err := m.build(ctx, ent)

	m.mu.Lock()
	var (
		lateDefs []engine.JobDefinition
		lateCB   RegistrationCallback
	)
	if err != nil {
		ent.err = err
		if m.entries[ent.key] == ent {
			delete(m.entries, ent.key)
		}
	} else {
		ent.handle = h
		ent.lastUsed = m.now()
		lateDefs = append(lateDefs, m.defs[defsApplied:]...)
		if m.callbackGen != gen {
			lateCB = m.callback
		}
	}
	close(ent.done)
	m.mu.Unlock()

	if err != nil {
		m.logger.Errorw("Scheduler initialization failed", logger.FieldTenantID, ent.key.TenantID,
			logger.FieldOrgID, ent.key.OrgID, logger.FieldError, err)
		return
	}
	// definitions or a callback that arrived while this scheduler was building
	m.applyDefinitions(ctx, h, lateDefs)
	if lateCB != nil {
		m.applyCallback(ctx, h, lateCB)
	}
}

// build runs the initialization sequence of one tenant-org. It returns how
// many shared definitions and which callback generation it applied.
func (m *Manager) build(ctx context.Context, ent *entry) (*SchedulerHandle, int, int, error) {
	key := ent.key
	ctx, span := observability.StartSpan(ctx, "tenant.init",
		attribute.String("tenant.id", key.TenantID), attribute.String("org.id", key.OrgID))
	defer span.End()
	ctx = WithTenant(ctx, key.TenantID, key.OrgID)

	h, applied, gen, err := m.buildScheduler(ctx, ent)
	observability.RecordError(span, err)
	return h, applied, gen, err
}

func (m *Manager) buildScheduler(ctx context.Context, ent *entry) (*SchedulerHandle, int, int, error) {
	key := ent.key
	if err := m.initLimiter.Wait(ctx); err != nil {
		return nil, 0, 0, errors.Wrap(err, "scheduler init rate limit")
	}

	cfg, err := m.registry.GetTenantDatabaseConfig(ctx, key.TenantID)
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "failed to fetch database config of tenant %s", key.TenantID)
	}
	if cfg == nil {
		return nil, 0, 0, &MissingDatabaseConfigError{TenantID: key.TenantID}
	}
	password := ""
	if cfg.EncryptedPassword != "" {
		if password, err = m.decrypt(cfg.EncryptedPassword); err != nil {
			return nil, 0, 0, errors.Wrapf(err, "failed to decrypt database password of tenant %s", key.TenantID)
		}
	}
	desc := descriptorFor(cfg, password)

	h, err := m.provider.GetConnection(ctx, key.TenantID, key.OrgID, desc)
	if err != nil {
		return nil, 0, 0, err
	}

	eng, err := m.factory(ctx, key, h, m.errorHandler(ent))
	if err != nil {
		m.release(ctx, key)
		return nil, 0, 0, errors.Wrapf(err, "failed to build engine for %s", key)
	}
	applied, gen := m.prepare(ctx, eng, h)
	if err := eng.Start(ctx); err != nil {
		m.release(ctx, key)
		return nil, 0, 0, errors.Wrapf(err, "failed to start engine for %s", key)
	}

	m.selfHeal(ctx, key, h)

	logger.AddPulseOpenSymbol(m.logger).Infow("Scheduler ready",
		logger.FieldTenantID, key.TenantID, logger.FieldOrgID, key.OrgID, logger.FieldDriver, string(desc.Driver))
	return newHandle(key, eng, h, m.now()), applied, gen, nil
}

// prepare registers the shared definitions and runs the callback on a new
// engine, returning what it applied.
func (m *Manager) prepare(ctx context.Context, eng *engine.Engine, h *db.Handle) (int, int) {
	m.mu.Lock()
	defs := append([]engine.JobDefinition(nil), m.defs...)
	cb, gen := m.callback, m.callbackGen
	m.mu.Unlock()

	for _, def := range defs {
		m.registerOn(ctx, eng, def)
	}
	if cb != nil {
		if err := cb(ctx, eng, h); err != nil {
			m.logger.Errorw("Job registration callback failed", logger.FieldError, err)
		}
	}
	return len(defs), gen
}

func (m *Manager) registerOn(ctx context.Context, eng *engine.Engine, def engine.JobDefinition) {
	err := eng.RegisterJob(ctx, def)
	switch {
	case err == nil:
	case errors.IsConflictError(err):
		m.logger.Debugw("Job already registered", logger.FieldJobName, def.Name)
	default:
		m.logger.Errorw("Failed to register job", logger.FieldJobName, def.Name, logger.FieldError, err)
	}
}

func (m *Manager) applyDefinitions(ctx context.Context, h *SchedulerHandle, defs []engine.JobDefinition) {
	for _, def := range defs {
		m.registerOn(h.Context(ctx), h.Engine(), def)
	}
}

func (m *Manager) applyCallback(ctx context.Context, h *SchedulerHandle, cb RegistrationCallback) {
	if err := cb(h.Context(ctx), h.Engine(), h.DB()); err != nil {
		m.logger.Errorw("Job registration callback failed", logger.FieldTenantID, h.TenantID(),
			logger.FieldOrgID, h.OrgID(), logger.FieldError, err)
	}
}

// errorHandler evicts ent when its tenant schema disappears.
func (m *Manager) errorHandler(ent *entry) func(async.ErrorInfo) {
	return func(info async.ErrorInfo) {
		if info.Code != async.ErrorCodeSchemaNotFound {
			return
		}
		m.mu.Lock()
		if m.entries[ent.key] != ent || ent.initializing() {
			m.mu.Unlock()
			return
		}
		delete(m.entries, ent.key)
		m.mu.Unlock()

		m.logger.Warnw("Tenant schema gone, evicting scheduler",
			logger.FieldTenantID, ent.key.TenantID, logger.FieldOrgID, ent.key.OrgID, logger.FieldQueue, info.Queue)
		// The queue invoking this handler is the one being stopped.
		go m.stopEntry(context.Background(), ent)
	}
}

// stopEntry stops the engine of a resolved entry and releases its connection.
func (m *Manager) stopEntry(ctx context.Context, ent *entry) error {
	select {
	case <-ent.done:
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for scheduler %s", ent.key)
	}
	if ent.handle == nil {
		return nil
	}
	err := ent.handle.Engine().Stop(ctx)
	if err != nil {
		m.logger.Warnw("Failed to stop scheduler", logger.FieldTenantID, ent.key.TenantID,
			logger.FieldOrgID, ent.key.OrgID, logger.FieldError, err)
	}
	m.release(ctx, ent.key)
	return err
}

func (m *Manager) release(ctx context.Context, key Key) {
	r, ok := m.provider.(Releaser)
	if !ok {
		return
	}
	if err := r.Release(ctx, key.TenantID, key.OrgID); err != nil {
		m.logger.Warnw("Failed to release tenant connection", logger.FieldTenantID, key.TenantID,
			logger.FieldOrgID, key.OrgID, logger.FieldError, err)
	}
}

// defaultScheduler lazily builds the single-tenant scheduler.
func (m *Manager) defaultScheduler(ctx context.Context) (*SchedulerHandle, error) {
	m.singleMu.Lock()
	defer m.singleMu.Unlock()
	if m.single != nil {
		return m.single, nil
	}

	key := Key{TenantID: DefaultTenantID, OrgID: DefaultOrgID}
	ctx = WithTenant(ctx, key.TenantID, key.OrgID)
	eng, err := m.factory(ctx, key, m.singleDB, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build default engine")
	}
	m.prepare(ctx, eng, m.singleDB)
	if err := eng.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to start default engine")
	}
	m.single = newHandle(key, eng, m.singleDB, m.now())
	logger.AddPulseOpenSymbol(m.logger).Infow("Default scheduler ready")
	return m.single, nil
}

// existing returns every ready scheduler, including the default one.
func (m *Manager) existing() []*SchedulerHandle {
	var out []*SchedulerHandle
	m.mu.Lock()
	for _, ent := range m.entries {
		if !ent.initializing() && ent.handle != nil {
			out = append(out, ent.handle)
		}
	}
	m.mu.Unlock()

	m.singleMu.Lock()
	if m.single != nil {
		out = append(out, m.single)
	}
	m.singleMu.Unlock()
	return out
}

// RegisterJobDefinitions adds defs for every future scheduler and registers
// them on the live ones.
func (m *Manager) RegisterJobDefinitions(ctx context.Context, defs ...engine.JobDefinition) {
	m.mu.Lock()
	m.defs = append(m.defs, defs...)
	m.mu.Unlock()

	for _, h := range m.existing() {
		m.applyDefinitions(ctx, h, defs)
	}
}

// SetJobRegistrationCallback stores cb for every future scheduler and runs
// it against the live ones.
func (m *Manager) SetJobRegistrationCallback(ctx context.Context, cb RegistrationCallback) {
	m.mu.Lock()
	m.callback = cb
	m.callbackGen++
	m.mu.Unlock()

	if cb == nil {
		return
	}
	for _, h := range m.existing() {
		m.applyCallback(ctx, h, cb)
	}
}

// ListActiveSchedulers lists every tenant-org of the registry. Empty in
// single-tenant mode.
func (m *Manager) ListActiveSchedulers(ctx context.Context) ([]Summary, error) {
	if m.mode == ModeSingle {
		return nil, nil
	}
	tenants, err := m.registry.ListTenants(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tenants")
	}

	perTenant := make([][]Summary, len(tenants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, t := range tenants {
		g.Go(func() error {
			orgs, err := m.registry.ListOrgs(gctx, t.ID)
			if err != nil {
				return errors.Wrapf(err, "failed to list orgs of tenant %s", t.ID)
			}
			for _, o := range orgs {
				perTenant[i] = append(perTenant[i], Summary{
					TenantID: t.ID, TenantName: t.Name, OrgID: o.ID, OrgName: o.Name,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	var out []Summary
	for _, list := range perTenant {
		for _, s := range list {
			ent, ok := m.entries[Key{TenantID: s.TenantID, OrgID: s.OrgID}]
			s.Cached = ok && !ent.initializing() && ent.err == nil
			out = append(out, s)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].OrgID < out[j].OrgID
	})
	return out, nil
}

// EvictExpired stops and removes every ready scheduler idle longer than the TTL.
func (m *Manager) EvictExpired(ctx context.Context) int {
	if m.mode == ModeSingle {
		return 0
	}
	now := m.now()
	m.mu.Lock()
	var expired []*entry
	for key, ent := range m.entries {
		if ent.initializing() {
			continue
		}
		if now.Sub(ent.lastUsed) > m.ttl {
			delete(m.entries, key)
			expired = append(expired, ent)
		}
	}
	m.mu.Unlock()

	m.stopAll(ctx, expired)
	if len(expired) > 0 {
		m.logger.Infow("Evicted idle schedulers", logger.FieldCount, len(expired))
	}
	return len(expired)
}

// Reconfigure changes the cache limits; a smaller capacity evicts at once.
func (m *Manager) Reconfigure(ctx context.Context, maxSchedulers int, ttl time.Duration) {
	if maxSchedulers <= 0 {
		maxSchedulers = DefaultMaxSchedulers
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	m.maxSchedulers = maxSchedulers
	m.ttl = ttl
	evicted := m.evictLRULocked(maxSchedulers)
	m.mu.Unlock()

	m.stopAll(ctx, evicted)
	m.logger.Infow("Scheduler cache reconfigured", "max_schedulers", maxSchedulers, "ttl", ttl,
		"evicted", len(evicted))
}

func (m *Manager) stopAll(ctx context.Context, entries []*entry) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, ent := range entries {
		g.Go(func() error { return m.stopEntry(gctx, ent) })
	}
	return g.Wait()
}

// CloseAll stops every cached and initializing scheduler and the default
// scheduler, then empties the cache.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.entries))
	for _, ent := range m.entries {
		entries = append(entries, ent)
	}
	m.entries = make(map[Key]*entry)
	m.mu.Unlock()

	err := m.stopAll(ctx, entries)

	m.singleMu.Lock()
	single := m.single
	m.single = nil
	m.singleMu.Unlock()
	if single != nil {
		if stopErr := single.Engine().Stop(ctx); stopErr != nil {
			err = errors.CombineErrors(err, stopErr)
		}
	}

	logger.AddPulseCloseSymbol(m.logger).Infow("All schedulers closed", logger.FieldCount, len(entries))
	return err
}

// CacheSize returns the number of cached schedulers, initializing ones
// included. Always 0 in single-tenant mode.
func (m *Manager) CacheSize() int {
	if m.mode == ModeSingle {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
