package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/internal/observability"
	"github.com/teranos/tenantpulse/logger"
	"github.com/teranos/tenantpulse/pulse/async"
	"github.com/teranos/tenantpulse/pulse/record"
)

const loopPreventedPrefix = "Infinite loop prevented: "

// wrapper returns the queue handler of job name. Every job of a batch runs
// and is settled on its own; jobs reached after ctx ended go back to the
// queue untouched.
func (e *Engine) wrapper(name string) async.Handler {
	return func(ctx context.Context, jobs []*async.Job) error {
		failures := async.JobErrors{}
		for _, job := range jobs {
			if ctx.Err() != nil {
				failures[job.ID] = async.ErrNotRun
				continue
			}
			if err := e.execute(ctx, name, job); err != nil {
				failures[job.ID] = err
			}
		}
		if len(failures) == 0 {
			return nil
		}
		return failures
	}
}

func (e *Engine) execute(ctx context.Context, name string, job *async.Job) error {
	def := e.definition(name)
	if def == nil {
		return &UnknownJobError{Name: name}
	}
	log := e.logger.With(logger.FieldJobName, name, logger.FieldJobID, job.ID)

	exec, err := e.loadExecution(ctx, def, job)
	if err != nil {
		return err
	}
	if exec.Status == record.StatusCancelled || exec.Status == record.StatusCompleted {
		log.Debugw("Skipping finished execution", logger.FieldStatus, string(exec.Status))
		return nil
	}

	if exec.LoopPrevented {
		reason := exec.LoopReason
		if reason == "" {
			reason = "Unknown reason"
		}
		message := loopPreventedPrefix + reason
		e.finish(ctx, exec.ID, record.StatusFailed, message, "")
		e.emitLifecycle(ctx, name, PhaseFailed, exec.ID, map[string]interface{}{
			"error":          message,
			"loop_prevented": true,
		})
		logger.AddChainSymbol(log).Warnw("Loop-prevented job not executed", "reason", reason)
		return nil
	}

	startedAt := e.now()
	retryCount := job.RetryCount
	if err := e.store.UpdateStatus(ctx, exec.ID, record.StatusUpdate{
		Status:     record.StatusActive,
		StartedAt:  &startedAt,
		RetryCount: &retryCount,
	}); err != nil {
		return errors.Wrapf(err, "failed to mark job %s active", exec.ID)
	}
	e.emitLifecycle(ctx, name, PhaseStarted, exec.ID, map[string]interface{}{"retry_count": retryCount})

	jc := &JobContext{engine: e, def: def, id: exec.ID, logger: log}
	runCtx := logger.WithJobID(ctx, exec.ID)
	runCtx, span := observability.StartSpan(runCtx, "engine.execute",
		attribute.String("job.name", name),
		attribute.String("job.id", exec.ID),
		attribute.Int("job.retry_count", retryCount))
	runErr := invoke(runCtx, def.Handler, jc, exec.Params)
	observability.RecordError(span, runErr)
	span.End()
	elapsed := e.now().Sub(startedAt)

	if e.cancelledMeanwhile(ctx, exec.ID) {
		log.Infow("Job finished after cancellation; record left cancelled", logger.FieldError, runErr)
		return nil
	}

	if runErr != nil {
		e.finish(ctx, exec.ID, record.StatusFailed, runErr.Error(), errors.StackString(runErr))
		e.emitLifecycle(ctx, name, PhaseFailed, exec.ID, map[string]interface{}{"error": runErr.Error()})
		log.Warnw("Job failed", logger.FieldError, runErr, logger.FieldDurationMS, elapsed.Milliseconds())
		return runErr
	}

	ended := e.now()
	empty := ""
	if err := e.store.UpdateStatus(context.WithoutCancel(ctx), exec.ID, record.StatusUpdate{
		Status:       record.StatusCompleted,
		EndedAt:      &ended,
		ErrorMessage: &empty,
		ErrorStack:   &empty,
	}); err != nil {
		log.Errorw("Failed to mark job completed", logger.FieldError, err)
	}
	fields := map[string]interface{}{logger.FieldDurationMS: elapsed.Milliseconds()}
	if info := jc.completionInfo(); len(info) > 0 {
		fields["completion_info"] = info
	}
	e.emitLifecycle(ctx, name, PhaseCompleted, exec.ID, fields)
	log.Debugw("Job completed", logger.FieldDurationMS, elapsed.Milliseconds())
	return nil
}

// loadExecution returns the record of job, creating it for jobs that were
// not queued through QueueJob, such as cron firings.
func (e *Engine) loadExecution(ctx context.Context, def *JobDefinition, job *async.Job) (*record.Execution, error) {
	exec, err := e.store.GetExecution(ctx, job.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job %s", job.ID)
	}
	if exec != nil {
		return exec, nil
	}

	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = e.now()
	}
	params := job.Data
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	exec = &record.Execution{
		ID:        job.ID,
		Name:      def.Name,
		Params:    params,
		Status:    record.StatusQueued,
		CreatedAt: createdAt,
		UpdatedAt: e.now(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, errors.Wrapf(err, "failed to record delivered job %s", job.ID)
	}
	return exec, nil
}

func (e *Engine) cancelledMeanwhile(ctx context.Context, id string) bool {
	cur, err := e.store.GetExecution(context.WithoutCancel(ctx), id)
	if err != nil || cur == nil {
		return false
	}
	return cur.Status == record.StatusCancelled
}

// invoke runs handler, turning a panic into an error.
func invoke(ctx context.Context, handler HandlerFunc, jc *JobContext, params json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = errors.Wrap(rerr, "handler panic")
				return
			}
			err = errors.Newf("handler panic: %s", fmt.Sprint(r))
		}
	}()
	return handler(ctx, jc, params)
}

