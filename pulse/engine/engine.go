// Package engine owns job definitions for one tenant: it validates and queues
// work on a durable queue, tracks each execution in a record store, runs
// handlers and chains jobs through an in-process event bus.
package engine

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/internal/observability"
	"github.com/teranos/tenantpulse/logger"
	"github.com/teranos/tenantpulse/pulse/async"
	"github.com/teranos/tenantpulse/pulse/loop"
	"github.com/teranos/tenantpulse/pulse/record"
)

// Reason stored on executions the queue dropped.
const reasonDeduplicated = "deduplicated by singleton key"

// Options configure an Engine.
type Options struct {
	Queue  async.Queue
	Store  record.Store
	Worker bool // bind handlers; false queues only
	Logger *zap.SugaredLogger
	// OnError receives internal queue failures after the engine logged them.
	OnError func(async.ErrorInfo)
	Now     func() time.Time
}

// Engine is the job queue engine of one tenant-org.
type Engine struct {
	queue    async.Queue
	store    record.Store
	analyzer *loop.Analyzer
	bus      *Bus
	worker   bool
	logger   *zap.SugaredLogger
	onError  func(async.ErrorInfo)
	now      func() time.Time

	startMu sync.Mutex // serializes Start and Stop

	mu      sync.RWMutex
	defs    map[string]*JobDefinition
	started bool
}

// New creates a stopped engine.
func New(opts Options) (*Engine, error) {
	if opts.Queue == nil {
		return nil, errors.NewInvalidRequestError("engine requires a queue")
	}
	if opts.Store == nil {
		return nil, errors.NewInvalidRequestError("engine requires a record store")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logger.OrNop(opts.Logger).Named("engine")
	return &Engine{
		queue:    opts.Queue,
		store:    opts.Store,
		analyzer: loop.NewAnalyzer(opts.Store),
		bus:      NewBus(log),
		worker:   opts.Worker,
		logger:   log,
		onError:  opts.OnError,
		now:      opts.Now,
		defs:     make(map[string]*JobDefinition),
	}, nil
}

// Events returns the engine's event bus.
func (e *Engine) Events() *Bus { return e.bus }

// Queue returns the durable queue the engine drives.
func (e *Engine) Queue() async.Queue { return e.queue }

// Store returns the record store.
func (e *Engine) Store() record.Store { return e.store }

// Started reports whether Start has run without a matching Stop.
func (e *Engine) Started() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started
}

// RegisterJob adds def. On a started worker engine the handler is bound
// immediately; a binding failure is logged and the definition stays
// registered without a worker.
func (e *Engine) RegisterJob(ctx context.Context, def JobDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return errors.NewInvalidRequestError("job name is required")
	}
	if def.Handler == nil {
		return errors.NewInvalidRequestError("job %q has no handler", def.Name)
	}

	e.mu.Lock()
	if _, exists := e.defs[def.Name]; exists {
		e.mu.Unlock()
		return &DuplicateJobError{Name: def.Name}
	}
	d := def.clone()
	e.defs[d.Name] = d
	started := e.started
	e.mu.Unlock()

	if started {
		if err := e.bind(ctx, d); err != nil {
			e.logger.Errorw("Failed to bind job after start", logger.FieldJobName, d.Name, logger.FieldError, err)
		}
	}
	for _, event := range d.TriggerEvents {
		e.subscribeTrigger(event, d)
	}

	e.logger.Debugw("Job registered", logger.FieldJobName, d.Name, "triggers", len(d.TriggerEvents))
	return nil
}

// bind creates the queue of d and, in worker mode, attaches the execution wrapper.
func (e *Engine) bind(ctx context.Context, d *JobDefinition) error {
	if err := e.queue.CreateQueue(ctx, d.Name, d.DefaultOptions.retryOptions()); err != nil {
		return errors.Wrapf(err, "failed to create queue for %s", d.Name)
	}
	if !e.worker {
		return nil
	}
	if err := e.queue.Work(ctx, d.Name, e.wrapper(d.Name)); err != nil {
		return errors.Wrapf(err, "failed to bind worker for %s", d.Name)
	}
	return nil
}

func (e *Engine) definition(name string) *JobDefinition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defs[name]
}

// QueueJob validates req and submits it. A cron option schedules a
// recurring job instead and returns a Scheduled response.
func (e *Engine) QueueJob(ctx context.Context, req QueueRequest) (*QueueResponse, error) {
	ctx, span := observability.StartSpan(ctx, "engine.queue", attribute.String("job.name", req.Name))
	defer span.End()

	resp, err := e.queueJob(ctx, req)
	observability.RecordError(span, err)
	return resp, err
}

func (e *Engine) queueJob(ctx context.Context, req QueueRequest) (*QueueResponse, error) {
	def := e.definition(req.Name)
	if def == nil {
		return nil, &UnknownJobError{Name: req.Name}
	}

	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if def.Params != nil {
		if err := def.Params.Validate(params); err != nil {
			return nil, newValidationError(def.Name, "params", err)
		}
	}
	opts := req.Options.withDefaults(def.DefaultOptions)

	if opts.Cron != "" {
		return e.schedule(ctx, def, params, opts)
	}

	now := e.now()
	exec := &record.Execution{
		ID:              uuid.NewString(),
		Name:            def.Name,
		Params:          params,
		Status:          record.StatusQueued,
		SourceJobID:     req.SourceJobID,
		SourceEventName: req.SourceEventName,
		LoopPrevented:   req.LoopPrevented,
		LoopReason:      req.LoopReason,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, errors.Wrapf(err, "failed to record job %s", def.Name)
	}

	id, err := e.queue.Send(ctx, def.Name, params, opts.sendOptions(exec.ID))
	if err != nil {
		e.finish(ctx, exec.ID, record.StatusFailed, err.Error(), errors.StackString(err))
		err = errors.Wrapf(err, "failed to queue job %s", def.Name)
		return nil, errors.WithDetail(err, "Job ID: "+exec.ID)
	}
	if id == "" {
		e.finish(ctx, exec.ID, record.StatusCancelled, reasonDeduplicated, "")
		e.logger.Infow("Job deduplicated", logger.FieldJobName, def.Name, logger.FieldJobID, exec.ID,
			"singleton_key", opts.SingletonKey)
		return nil, errors.Wrapf(ErrNotQueued, "job %s with singleton key %q", def.Name, opts.SingletonKey)
	}

	e.logger.Debugw("Job queued",
		logger.FieldJobName, def.Name,
		logger.FieldJobID, exec.ID,
		logger.FieldSourceJob, req.SourceJobID,
		"loop_prevented", req.LoopPrevented)
	return &QueueResponse{JobID: exec.ID, Name: def.Name}, nil
}

func (e *Engine) schedule(ctx context.Context, def *JobDefinition, params json.RawMessage, opts JobOptions) (*QueueResponse, error) {
	if _, err := async.ParseCron(opts.Cron); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "job %q: %v", def.Name, err)
	}
	id, err := e.queue.Schedule(ctx, def.Name, opts.Cron, params, opts.sendOptions(""))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to schedule job %s", def.Name)
	}
	e.logger.Infow("Job scheduled", logger.FieldJobName, def.Name, logger.FieldSchedule, opts.Cron)
	return &QueueResponse{Name: def.Name, Scheduled: true, Cron: opts.Cron, ScheduleID: id}, nil
}

// finish moves an execution to a terminal status; failures are logged.
func (e *Engine) finish(ctx context.Context, id string, status record.Status, message, stack string) {
	ended := e.now()
	update := record.StatusUpdate{Status: status, EndedAt: &ended}
	if message != "" {
		update.ErrorMessage = &message
	}
	if stack != "" {
		update.ErrorStack = &stack
	}
	if err := e.store.UpdateStatus(context.WithoutCancel(ctx), id, update); err != nil {
		e.logger.Errorw("Failed to update job status",
			logger.FieldJobID, id, logger.FieldStatus, string(status), logger.FieldError, err)
	}
}

// ListJobs returns the registered definitions sorted by name.
func (e *Engine) ListJobs() []JobInfo {
	e.mu.RLock()
	infos := make([]JobInfo, 0, len(e.defs))
	for _, d := range e.defs {
		infos = append(infos, d.info())
	}
	e.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// GetJobHistory lists executions matching filters, newest first.
func (e *Engine) GetJobHistory(ctx context.Context, filters record.Filters) ([]*record.Execution, error) {
	return e.store.ListExecutions(ctx, filters)
}

// GetJobExecution returns one execution with its logs.
func (e *Engine) GetJobExecution(ctx context.Context, id string) (*record.Execution, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, &NotFoundError{ID: id}
	}
	return exec, nil
}

// CancelJob cancels a queued or running execution. A running handler is not
// interrupted; its outcome no longer changes the record.
func (e *Engine) CancelJob(ctx context.Context, id string) error {
	exec, err := e.GetJobExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return errors.Wrapf(errors.ErrConflict, "job execution %s is already %s", id, exec.Status)
	}
	if err := e.queue.Cancel(ctx, exec.Name, id); err != nil {
		return errors.Wrapf(err, "failed to cancel job %s", id)
	}
	e.finish(ctx, id, record.StatusCancelled, "", "")
	e.emitLifecycle(ctx, exec.Name, PhaseCancelled, id, nil)
	e.logger.Infow("Job cancelled", logger.FieldJobName, exec.Name, logger.FieldJobID, id)
	return nil
}

// RetryJob queues a new execution with the name and params of id.
func (e *Engine) RetryJob(ctx context.Context, id string) (*QueueResponse, error) {
	exec, err := e.GetJobExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.QueueJob(ctx, QueueRequest{Name: exec.Name, Params: exec.Params})
}

// Start starts the queue, creates a queue per definition and, in worker
// mode, binds handlers. Starting a started engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.Started() {
		return nil
	}

	e.queue.SetErrorHandler(e.handleQueueError)
	if err := e.queue.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start queue")
	}
	e.bus.reopen()

	e.mu.Lock()
	defs := make([]*JobDefinition, 0, len(e.defs))
	for _, d := range e.defs {
		defs = append(defs, d)
	}
	e.started = true
	e.mu.Unlock()

	for _, d := range defs {
		if err := e.bind(ctx, d); err != nil {
			e.mu.Lock()
			e.started = false
			e.mu.Unlock()
			if stopErr := e.queue.Stop(ctx); stopErr != nil {
				err = errors.WithSecondaryError(err, stopErr)
			}
			return err
		}
	}

	logger.AddPulseOpenSymbol(e.logger).Infow("Engine started", logger.FieldCount, len(defs), "worker", e.worker)
	return nil
}

// Stop stops the queue and drains the event bus. Stopping a stopped engine
// is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if !e.Started() {
		return nil
	}

	e.mu.Lock()
	e.started = false
	e.mu.Unlock()

	err := e.queue.Stop(ctx)
	e.bus.Close()
	if err != nil {
		return errors.Wrap(err, "failed to stop queue")
	}
	logger.AddPulseCloseSymbol(e.logger).Infow("Engine stopped")
	return nil
}

func (e *Engine) handleQueueError(info async.ErrorInfo) {
	e.logger.Debugw("Queue reported error",
		logger.FieldErrorCode, string(info.Code),
		logger.FieldQueue, info.Queue,
		logger.FieldJobID, info.JobID)
	if e.onError != nil {
		e.onError(info)
	}
}

// emitLifecycle emits "<name>.<phase>" tagged with the execution id.
func (e *Engine) emitLifecycle(ctx context.Context, name, phase, id string, fields map[string]interface{}) {
	payload := map[string]interface{}{"job_id": id, "name": name}
	for k, v := range fields {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		e.logger.Warnw("Failed to encode lifecycle event", logger.FieldEvent, phase, logger.FieldError, err)
		return
	}
	e.bus.Emit(ctx, Event{
		Name:        LifecycleEvent(name, phase),
		Payload:     raw,
		SourceJobID: id,
		EmittedAt:   e.now(),
	})
}
