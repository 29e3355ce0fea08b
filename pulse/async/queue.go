// Package async is the durable queue primitive tenant job engines drive:
// named queues, one-shot and cron-scheduled jobs, retries with backoff,
// singleton keys, expiry, and polling workers.
//
// SQLQueue stores everything in the tenant's own database (sqlite or
// postgres); pulse/async/redisq provides the same contract on redis.
package async

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/tenantpulse/errors"
)

// ErrNotStarted is returned by Work before Start.
var ErrNotStarted = errors.New("queue not started")

// ErrNotRun marks a job of a batch the handler never started, for example
// because the worker was stopping. The queue offers it again without
// counting an attempt.
var ErrNotRun = errors.New("job not run")

// Job is one delivery handed to a Handler.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Data       json.RawMessage `json:"data"`
	Priority   int             `json:"priority"`
	RetryCount int             `json:"retry_count"` // failures before this delivery
	RetryLimit int             `json:"retry_limit"`
	CreatedAt  time.Time       `json:"created_at"`

	retryDelay   time.Duration
	retryBackoff bool
}

// Handler processes a delivered batch. A JobErrors result settles each job
// on its own; any other error fails every job in the batch, which then
// retries according to its retry options.
type Handler func(ctx context.Context, jobs []*Job) error

// JobErrors holds the failures of a batch by job id. Jobs without an entry
// completed.
type JobErrors map[string]error

func (e JobErrors) Error() string {
	if len(e) == 1 {
		for id, err := range e {
			return fmt.Sprintf("job %s: %v", id, err)
		}
	}
	return fmt.Sprintf("%d jobs of the batch failed", len(e))
}

// JobOutcome is the result of job id given the error its batch handler returned.
func JobOutcome(handlerErr error, id string) error {
	if handlerErr == nil {
		return nil
	}
	var perJob JobErrors
	if errors.As(handlerErr, &perJob) {
		return perJob[id]
	}
	return handlerErr
}

// RetryOptions are queue-level defaults applied to jobs sent without their own.
type RetryOptions struct {
	RetryLimit   int           `json:"retry_limit"`
	RetryDelay   time.Duration `json:"retry_delay"`
	RetryBackoff bool          `json:"retry_backoff"`
	ExpireIn     time.Duration `json:"expire_in"`
}

// SendOptions control a single job. Zero retry/expiry fields inherit the
// queue's RetryOptions.
type SendOptions struct {
	ID           string        `json:"id,omitempty"` // generated when empty
	Priority     int           `json:"priority"`     // higher runs first
	StartAfter   time.Duration `json:"start_after"`
	RetryLimit   int           `json:"retry_limit"`
	RetryDelay   time.Duration `json:"retry_delay"`
	RetryBackoff bool          `json:"retry_backoff"`
	ExpireIn     time.Duration `json:"expire_in"`
	SingletonKey string        `json:"singleton_key,omitempty"` // at most one live job per key
}

// WithDefaults fills zero fields of o from the queue defaults.
func (o SendOptions) WithDefaults(d RetryOptions) SendOptions {
	if o.RetryLimit == 0 {
		o.RetryLimit = d.RetryLimit
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = d.RetryDelay
	}
	if !o.RetryBackoff {
		o.RetryBackoff = d.RetryBackoff
	}
	if o.ExpireIn == 0 {
		o.ExpireIn = d.ExpireIn
	}
	return o
}

// ErrorHandler receives internal queue failures (polling, acking,
// maintenance). Handler errors are not reported here.
type ErrorHandler func(ErrorInfo)

// Queue is the durable queue contract.
type Queue interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	CreateQueue(ctx context.Context, name string, opts RetryOptions) error
	Work(ctx context.Context, name string, handler Handler) error
	// Send returns "" with a nil error when the job was dropped by a
	// singleton or id conflict.
	Send(ctx context.Context, name string, data json.RawMessage, opts SendOptions) (string, error)
	// Schedule upserts the cron schedule for name and returns its id.
	Schedule(ctx context.Context, name, cron string, data json.RawMessage, opts SendOptions) (string, error)
	Unschedule(ctx context.Context, name string) error
	Cancel(ctx context.Context, name, id string) error
	SetErrorHandler(fn ErrorHandler)
}

// RetryAt returns when a job that has failed retryCount times may run again.
func RetryAt(now time.Time, delay time.Duration, backoff bool, retryCount int) time.Time {
	if backoff && retryCount > 0 {
		shift := retryCount
		if shift > 16 {
			shift = 16
		}
		delay = delay * time.Duration(1<<shift)
	}
	return now.Add(delay)
}
