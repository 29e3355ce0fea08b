package async

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/tenantpulse/db"
	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/logger"
	"github.com/teranos/tenantpulse/sym"
)

// Config tunes an SQLQueue.
type Config struct {
	PollInterval        time.Duration `json:"poll_interval"`        // how often idle workers check for jobs
	BatchSize           int           `json:"batch_size"`           // jobs handed to a Handler per call
	MaintenanceInterval time.Duration `json:"maintenance_interval"` // expiry sweep and cron tick
	StopTimeout         time.Duration `json:"stop_timeout"`         // wait for in-flight handlers on Stop
	Now                 func() time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:        2 * time.Second,
		BatchSize:           1,
		MaintenanceInterval: 15 * time.Second,
		StopTimeout:         30 * time.Second,
	}
}

// WithDefaults replaces zero fields with DefaultConfig values.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.Pulse+" "+msg, keysAndValues...)
}

// SQLQueue implements Queue on a tenant database handle.
type SQLQueue struct {
	h      *db.Handle
	cfg    Config
	logger pulseLogger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers map[string]*worker
	onError ErrorHandler
}

var _ Queue = (*SQLQueue)(nil)

// NewSQLQueue creates a queue over h. The pulse tables must already be migrated.
func NewSQLQueue(h *db.Handle, cfg Config, log *zap.SugaredLogger) *SQLQueue {
	return &SQLQueue{
		h:       h,
		cfg:     cfg.WithDefaults(),
		logger:  pulseLogger{logger.OrNop(log).Named("pulse")},
		workers: make(map[string]*worker),
	}
}

func (q *SQLQueue) now() time.Time { return q.cfg.Now() }

// Start recovers jobs orphaned by a previous process and launches the
// maintenance loop. Starting a started queue is a no-op.
func (q *SQLQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}

	recovered, err := q.recoverOrphanedJobs(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		q.logger.Starting("Recovered orphaned jobs from previous run", logger.FieldCount, recovered)
	}
	logMemory(q.logger.SugaredLogger)

	q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	q.started = true
	q.wg.Add(1)
	go q.maintain(q.ctx)

	q.logger.Starting("Queue started", logger.FieldDriver, string(q.h.Dialect))
	return nil
}

// Stop cancels workers and waits up to StopTimeout (or ctx) for in-flight
// handlers. Stopping a stopped queue is a no-op.
func (q *SQLQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	q.cancel()
	q.workers = make(map[string]*worker)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	timeout := q.cfg.StopTimeout
	select {
	case <-done:
		q.logger.Pulse("Queue stopped - all workers exited cleanly")
		return nil
	case <-time.After(timeout):
		q.logger.Closing("Queue stop timeout - handlers may still be running", "timeout", timeout)
		return errors.Newf("queue stop timed out after %s", timeout)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "queue stop interrupted")
	}
}

// CreateQueue stores the retry defaults of name; repeated calls update them.
func (q *SQLQueue) CreateQueue(ctx context.Context, name string, opts RetryOptions) error {
	return q.upsertQueue(ctx, name, opts)
}

// Send enqueues one job. The id is opts.ID when set, else a new uuid.
func (q *SQLQueue) Send(ctx context.Context, name string, data json.RawMessage, opts SendOptions) (string, error) {
	defaults, err := q.queueDefaults(ctx, name)
	if err != nil {
		return "", err
	}
	opts = opts.WithDefaults(defaults)
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	inserted, err := q.insertJob(ctx, id, name, data, opts)
	if err != nil {
		return "", err
	}
	if !inserted {
		q.logger.Debugw("Job dropped by conflict", logger.FieldQueue, name, logger.FieldJobID, id,
			"singleton_key", opts.SingletonKey)
		return "", nil
	}
	q.wake(name)
	return id, nil
}

// Cancel marks a live job cancelled. Unknown or finished jobs are ignored.
func (q *SQLQueue) Cancel(ctx context.Context, name, id string) error {
	return q.cancelJob(ctx, name, id)
}

// SetErrorHandler installs fn for internal queue failures.
func (q *SQLQueue) SetErrorHandler(fn ErrorHandler) {
	q.mu.Lock()
	q.onError = fn
	q.mu.Unlock()
}

// report classifies err, logs it and forwards it to the error handler.
func (q *SQLQueue) report(stage, queue, jobID string, err error) {
	info := ClassifyError(stage, err)
	info.Queue = queue
	info.JobID = jobID
	q.logger.Warnw("Queue error",
		"stage", stage,
		logger.FieldErrorCode, info.Code,
		logger.FieldQueue, queue,
		logger.FieldJobID, jobID,
		logger.FieldError, err)

	q.mu.Lock()
	fn := q.onError
	q.mu.Unlock()
	if fn != nil {
		fn(info)
	}
}

// maintain expires overdue jobs and fires due schedules until ctx ends.
func (q *SQLQueue) maintain(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.expireJobs(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				q.report(StageMaintenance, "", "", err)
			} else if n > 0 {
				q.logger.Pulse("Expired active jobs", logger.FieldCount, n)
			}
			if _, err := q.runDueSchedules(ctx); err != nil && ctx.Err() == nil {
				q.report(StageSchedule, "", "", err)
			}
		}
	}
}
