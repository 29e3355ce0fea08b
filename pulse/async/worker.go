package async

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/tenantpulse/db"
	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/logger"
)

// Worker error backoff.
const (
	maxConsecutiveErrors = 5
	initialBackoff       = time.Second
	maxBackoff           = 30 * time.Second
)

type worker struct {
	queue   string
	handler Handler
	wake    chan struct{}
}

// Work binds handler to the named queue and starts polling it.
func (q *SQLQueue) Work(ctx context.Context, name string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return errors.Wrapf(ErrNotStarted, "cannot bind worker for %s", name)
	}
	if _, ok := q.workers[name]; ok {
		return errors.Newf("worker already bound for queue %s", name)
	}

	w := &worker{queue: name, handler: handler, wake: make(chan struct{}, 1)}
	q.workers[name] = w
	q.wg.Add(1)
	go q.runWorker(q.ctx, w)

	q.logger.Starting("Worker bound", logger.FieldQueue, name, logger.FieldBatchSize, q.cfg.BatchSize)
	return nil
}

// wake nudges the worker of queue, if any, to poll now.
func (q *SQLQueue) wake(queue string) {
	q.mu.Lock()
	w, ok := q.workers[queue]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// runWorker polls one queue until ctx ends
func (q *SQLQueue) runWorker(ctx context.Context, w *worker) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	backoffDuration := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}

		err := q.drain(ctx, w)
		if err == nil {
			if errorCount > 0 {
				q.logger.Infow("Worker recovered from errors",
					logger.FieldQueue, w.queue,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = initialBackoff
			continue
		}
		if ctx.Err() != nil || db.IsDatabaseClosed(err) {
			return
		}

		errorCount++
		q.report(StageFetch, w.queue, "", err)
		if errorCount >= maxConsecutiveErrors {
			q.logger.Warnw("Worker backing off due to consecutive errors",
				logger.FieldQueue, w.queue,
				"backoff", backoffDuration,
				"consecutive_errors", errorCount)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDuration):
			}
			backoffDuration = min(backoffDuration*2, maxBackoff)
		}
	}
}

// drain processes batches until the queue has no more runnable jobs.
func (q *SQLQueue) drain(ctx context.Context, w *worker) error {
	for ctx.Err() == nil {
		jobs, err := q.fetch(ctx, w.queue, q.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
		q.process(ctx, w, jobs)
		if len(jobs) < q.cfg.BatchSize {
			return nil
		}
	}
	return nil
}

// process runs the handler and settles each job of the batch by its outcome.
func (q *SQLQueue) process(ctx context.Context, w *worker, jobs []*Job) {
	started := time.Now()
	handlerErr := invoke(ctx, w.handler, jobs)

	// Acks must land even when Stop cancelled the handler context
	ackCtx := context.WithoutCancel(ctx)
	failed := 0
	for _, job := range jobs {
		outcome := JobOutcome(handlerErr, job.ID)
		var err error
		switch {
		case outcome == nil:
			err = q.complete(ackCtx, job.ID)
		case errors.Is(outcome, ErrNotRun):
			err = q.release(ackCtx, job.ID)
		default:
			failed++
			err = q.fail(ackCtx, job, outcome.Error())
		}
		if err != nil {
			q.report(StageAck, w.queue, job.ID, err)
		}
	}

	if failed > 0 {
		q.logger.Debugw("Batch failed",
			logger.FieldQueue, w.queue,
			logger.FieldCount, len(jobs),
			"failed", failed,
			logger.FieldError, handlerErr)
		return
	}
	q.logger.Debugw("Batch completed",
		logger.FieldQueue, w.queue,
		logger.FieldCount, len(jobs),
		logger.FieldDurationMS, time.Since(started).Milliseconds())
}

// invoke calls handler, converting a panic into an error.
func invoke(ctx context.Context, handler Handler, jobs []*Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panic: %s", fmt.Sprint(r))
		}
	}()
	return handler(ctx, jobs)
}
