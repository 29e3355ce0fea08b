// Package redisq implements async.Queue on redis. Each tenant engine gets
// its own key prefix, so tenants sharing a redis server never see each
// other's jobs.
//
// Keys under the prefix:
//
//	queue:<name>          hash  retry defaults
//	job:<id>              hash  job fields and state
//	ready:<name>          zset  runnable ids, scored by priority then enqueue time
//	delayed:<name>        zset  ids waiting for start_after or a retry delay
//	active:<name>         zset  claimed ids, scored by claim time
//	singleton:<name>:<k>  str   id holding a singleton key
//	queues                set   names seen by CreateQueue or Send
//	schedules             hash  name -> encoded schedule
package redisq

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/logger"
	"github.com/teranos/tenantpulse/pulse/async"
	"github.com/teranos/tenantpulse/sym"
)

// priorityWeight separates priority bands in ready scores; unix ms stays below it.
const priorityWeight = 1e13

// Queue is a redis-backed async.Queue.
type Queue struct {
	rdb    *redis.Client
	prefix string
	cfg    async.Config
	logger *zap.SugaredLogger

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers map[string]chan struct{}
	onError async.ErrorHandler
}

var _ async.Queue = (*Queue)(nil)

// New creates a queue whose keys live under "pulse:<prefix>:".
func New(rdb *redis.Client, prefix string, cfg async.Config, log *zap.SugaredLogger) *Queue {
	return &Queue{
		rdb:     rdb,
		prefix:  "pulse:" + prefix + ":",
		cfg:     cfg.WithDefaults(),
		logger:  logger.OrNop(log).Named("redisq"),
		workers: make(map[string]chan struct{}),
	}
}

func (q *Queue) key(parts ...string) string {
	k := q.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (q *Queue) now() time.Time { return q.cfg.Now() }

// Start pings redis and launches the maintenance loop.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return nil
	}
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping failed")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q.cancel = cancel
	q.started = true
	q.wg.Add(1)
	go q.maintain(runCtx)
	q.runCtx = runCtx
	q.logger.Debugw(sym.PulseOpen+" Redis queue started", "prefix", q.prefix)
	return nil
}

// Stop cancels workers and waits for in-flight handlers.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	q.cancel()
	q.workers = make(map[string]chan struct{})
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Infow(sym.PulseClose + " Redis queue stopped")
		return nil
	case <-time.After(q.cfg.StopTimeout):
		return errors.Newf("queue stop timed out after %s", q.cfg.StopTimeout)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "queue stop interrupted")
	}
}

// CreateQueue stores retry defaults for name.
func (q *Queue) CreateQueue(ctx context.Context, name string, opts async.RetryOptions) error {
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("queue", name), map[string]interface{}{
		"retry_limit":    opts.RetryLimit,
		"retry_delay_ms": opts.RetryDelay.Milliseconds(),
		"retry_backoff":  strconv.FormatBool(opts.RetryBackoff),
		"expire_ms":      opts.ExpireIn.Milliseconds(),
	})
	pipe.SAdd(ctx, q.key("queues"), name)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "failed to create queue %s", name)
}

func (q *Queue) queueDefaults(ctx context.Context, name string) (async.RetryOptions, error) {
	vals, err := q.rdb.HGetAll(ctx, q.key("queue", name)).Result()
	if err != nil {
		return async.RetryOptions{}, errors.Wrapf(err, "failed to read queue %s", name)
	}
	backoff, _ := strconv.ParseBool(vals["retry_backoff"])
	return async.RetryOptions{
		RetryLimit:   atoi(vals["retry_limit"]),
		RetryDelay:   time.Duration(atoi64(vals["retry_delay_ms"])) * time.Millisecond,
		RetryBackoff: backoff,
		ExpireIn:     time.Duration(atoi64(vals["expire_ms"])) * time.Millisecond,
	}, nil
}

func readyScore(priority int, created time.Time) float64 {
	return float64(-priority)*priorityWeight + float64(created.UnixMilli())
}

// Send enqueues one job; "" means a singleton or id conflict dropped it.
func (q *Queue) Send(ctx context.Context, name string, data json.RawMessage, opts async.SendOptions) (string, error) {
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
	now := q.now()

	if opts.SingletonKey != "" {
		ok, err := q.rdb.SetNX(ctx, q.key("singleton", name, opts.SingletonKey), id, 0).Result()
		if err != nil {
			return "", errors.Wrap(err, "failed to claim singleton key")
		}
		if !ok {
			return "", nil
		}
	}

	jobKey := q.key("job", id)
	created, err := q.rdb.HSetNX(ctx, jobKey, "queue", name).Result()
	if err != nil {
		return "", errors.CombineErrors(errors.Wrapf(err, "failed to insert job %s", id),
			q.dropSingletonClaim(ctx, name, opts.SingletonKey, id))
	}
	if !created {
		return "", q.dropSingletonClaim(ctx, name, opts.SingletonKey, id)
	}

	startAfter := now.Add(opts.StartAfter)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey, map[string]interface{}{
		"data":           string(data),
		"state":          async.StateCreated,
		"priority":       opts.Priority,
		"retry_count":    0,
		"retry_limit":    opts.RetryLimit,
		"retry_delay_ms": opts.RetryDelay.Milliseconds(),
		"retry_backoff":  strconv.FormatBool(opts.RetryBackoff),
		"expire_ms":      opts.ExpireIn.Milliseconds(),
		"singleton_key":  opts.SingletonKey,
		"start_after":    startAfter.UnixMilli(),
		"created_at":     now.UnixMilli(),
	})
	pipe.SAdd(ctx, q.key("queues"), name)
	if opts.StartAfter > 0 {
		pipe.ZAdd(ctx, q.key("delayed", name), redis.Z{Score: float64(startAfter.UnixMilli()), Member: id})
	} else {
		pipe.ZAdd(ctx, q.key("ready", name), redis.Z{Score: readyScore(opts.Priority, now), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		err = errors.Wrapf(err, "failed to enqueue job %s", id)
		cleanupCtx := context.WithoutCancel(ctx)
		if delErr := q.rdb.Del(cleanupCtx, jobKey).Err(); delErr != nil {
			err = errors.WithSecondaryError(err, delErr)
		}
		return "", errors.CombineErrors(err, q.dropSingletonClaim(cleanupCtx, name, opts.SingletonKey, id))
	}
	q.wake(name)
	return id, nil
}

// unlockSingleton deletes the singleton key of name only while id holds it.
var unlockSingleton = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// dropSingletonClaim undoes the claim Send made for a job that was not enqueued.
func (q *Queue) dropSingletonClaim(ctx context.Context, name, singletonKey, id string) error {
	if singletonKey == "" {
		return nil
	}
	err := unlockSingleton.Run(context.WithoutCancel(ctx), q.rdb, []string{q.key("singleton", name, singletonKey)}, id).Err()
	return errors.Wrap(err, "failed to release singleton key")
}

// Cancel removes a live job from every index and marks it cancelled.
func (q *Queue) Cancel(ctx context.Context, name, id string) error {
	state, err := q.rdb.HGet(ctx, q.key("job", id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read job %s", id)
	}
	if state != async.StateCreated && state != async.StateRetry && state != async.StateActive {
		return nil
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("ready", name), id)
	pipe.ZRem(ctx, q.key("delayed", name), id)
	pipe.ZRem(ctx, q.key("active", name), id)
	pipe.HSet(ctx, q.key("job", id), "state", async.StateCancelled, "completed_at", q.now().UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to cancel job %s", id)
	}
	return q.releaseSingleton(ctx, name, id)
}

// SetErrorHandler installs fn for internal queue failures.
func (q *Queue) SetErrorHandler(fn async.ErrorHandler) {
	q.mu.Lock()
	q.onError = fn
	q.mu.Unlock()
}

func (q *Queue) report(stage, queue, jobID string, err error) {
	info := async.ClassifyError(stage, err)
	info.Queue = queue
	info.JobID = jobID
	q.logger.Warnw("Queue error", "stage", stage, logger.FieldErrorCode, info.Code,
		logger.FieldQueue, queue, logger.FieldJobID, jobID, logger.FieldError, err)
	q.mu.Lock()
	fn := q.onError
	q.mu.Unlock()
	if fn != nil {
		fn(info)
	}
}

// JobState returns the state of a job, or "" when it does not exist.
func (q *Queue) JobState(ctx context.Context, id string) (string, error) {
	state, err := q.rdb.HGet(ctx, q.key("job", id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return state, errors.Wrapf(err, "failed to read job %s", id)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
