package commands

import (
	"context"
	"io"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/tenantpulse/am"
	"github.com/teranos/tenantpulse/db"
	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/logger"
	"github.com/teranos/tenantpulse/pulse/async"
	"github.com/teranos/tenantpulse/pulse/async/redisq"
	"github.com/teranos/tenantpulse/pulse/builtin"
	"github.com/teranos/tenantpulse/pulse/engine"
	"github.com/teranos/tenantpulse/pulse/record"
	"github.com/teranos/tenantpulse/pulse/tenant"
	"github.com/teranos/tenantpulse/pulse/tenant/pgregistry"
)

// runtime is a Manager plus everything it was built from.
type runtime struct {
	cfg     *am.Config
	manager *tenant.Manager
	closers []io.Closer
}

// Close stops every scheduler, then releases registry, provider and database handles.
func (r *runtime) Close(ctx context.Context) error {
	err := r.manager.CloseAll(ctx)
	for i := len(r.closers) - 1; i >= 0; i-- {
		err = errors.CombineErrors(err, r.closers[i].Close())
	}
	return err
}

// buildRuntime wires a tenant Manager from cfg. worker = false builds
// submit-only engines, used by the one-shot jobs commands.
func buildRuntime(ctx context.Context, cfg *am.Config, worker bool, log *zap.SugaredLogger) (*runtime, error) {
	rt := &runtime{cfg: cfg}
	mcfg := tenant.Config{
		Mode:          cfg.Scheduler.Mode,
		MaxSchedulers: cfg.Scheduler.MaxSchedulers,
		TTL:           cfg.Scheduler.TTL(),
		InitRate:      cfg.Scheduler.InitRate,
		RegistryRate:  cfg.Scheduler.RegistryRate,
		Worker:        worker,
		Queue: async.Config{
			PollInterval: cfg.Pulse.PollInterval(),
			BatchSize:    cfg.Pulse.BatchSize,
		},
		Logger: log,
	}

	switch cfg.Scheduler.Mode {
	case am.ModeMulti:
		registry, err := pgregistry.Open(ctx, cfg.Registry.DSN, log)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, registry)

		key, err := tenant.ParseKey(cfg.Encryption.Key)
		if err != nil {
			rt.closeAll()
			return nil, err
		}
		provider := tenant.NewSQLProvider(cfg.Scheduler.DataDir, log)
		rt.closers = append(rt.closers, provider)

		mcfg.Registry = registry
		mcfg.Provider = provider
		mcfg.Decrypt = tenant.SecretBoxDecrypter(key)
	default:
		h, err := openSingleDatabase(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, h)
		mcfg.SingleDB = h
	}

	if cfg.Pulse.QueueBackend == am.QueueBackendRedis {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, rdb)
		mcfg.EngineFactory = redisFactory(rdb, worker, mcfg.Queue, log)
	}

	mgr, err := tenant.NewManager(mcfg)
	if err != nil {
		rt.closeAll()
		return nil, err
	}
	rt.manager = mgr

	mgr.SetJobRegistrationCallback(ctx, func(ctx context.Context, eng *engine.Engine, _ *db.Handle) error {
		if worker {
			logEvents(eng, log)
		}
		if !worker || cfg.Pulse.RetentionDays <= 0 {
			return eng.RegisterJob(ctx, builtin.CleanupJob(eng.Store(), cfg.Pulse.RetentionDays, nil))
		}
		return builtin.ScheduleCleanup(ctx, eng, cfg.Pulse.RetentionDays, cfg.Pulse.CleanupCron)
	})
	return rt, nil
}

// eventLogKey is the bus key of the event tap installed by logEvents.
const eventLogKey = "event-log"

// logEvents taps every event of eng into the debug log.
func logEvents(eng *engine.Engine, log *zap.SugaredLogger) {
	tap := logger.AddChainSymbol(log)
	eng.Events().SubscribeAll(eventLogKey, func(ctx context.Context, ev engine.Event) {
		logger.FromContext(ctx, tap).Debugw("Job event",
			logger.FieldEvent, ev.Name,
			logger.FieldSourceJob, ev.SourceJobID)
	})
}

func (r *runtime) closeAll() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i].Close()
	}
}

func openSingleDatabase(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (*db.Handle, error) {
	if cfg.Database.Driver != string(db.DialectPostgres) {
		return db.OpenWithMigrations(cfg.GetDatabasePath(), log)
	}
	h, err := db.OpenPostgres(ctx, cfg.Database.DSN, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(h, log); err != nil {
		h.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return h, nil
}

// redisFactory keeps execution records in the tenant database and moves the
// queue to redis, one key prefix per tenant-org.
func redisFactory(rdb *redis.Client, worker bool, queueCfg async.Config, log *zap.SugaredLogger) tenant.EngineFactory {
	return func(_ context.Context, key tenant.Key, h *db.Handle, onError func(async.ErrorInfo)) (*engine.Engine, error) {
		engLog := logger.ForTenant(log, key.TenantID, key.OrgID)
		return engine.New(engine.Options{
			Queue:   redisq.New(rdb, key.TenantID+":"+key.OrgID, queueCfg, engLog),
			Store:   record.NewSQLStore(h),
			Worker:  worker,
			Logger:  engLog,
			OnError: onError,
		})
	}
}

// schedulerFor resolves the --tenant/--org flags to a live scheduler.
func schedulerFor(ctx context.Context, rt *runtime, tenantID, orgID string) (*tenant.SchedulerHandle, error) {
	if rt.manager.Mode() == tenant.ModeMulti && tenantID == "" {
		return nil, errors.NewInvalidRequestError("--tenant is required in multi-tenant mode")
	}
	if orgID == "" {
		orgID = tenant.DefaultOrgID
	}
	return rt.manager.GetScheduler(ctx, tenantID, orgID)
}
