package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/logger"
	"github.com/teranos/tenantpulse/pulse/async"
)

const (
	maxConsecutiveErrors = 5
	maxBackoff           = 30 * time.Second
)

// Work binds handler to name and starts polling it.
func (q *Queue) Work(ctx context.Context, name string, handler async.Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started {
		return errors.Wrapf(async.ErrNotStarted, "cannot bind worker for %s", name)
	}
	if _, ok := q.workers[name]; ok {
		return errors.Newf("worker already bound for queue %s", name)
	}
	wake := make(chan struct{}, 1)
	q.workers[name] = wake
	q.wg.Add(1)
	go q.run(q.runCtx, name, handler, wake)
	return nil
}

func (q *Queue) wake(name string) {
	q.mu.Lock()
	ch, ok := q.workers[name]
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *Queue) run(ctx context.Context, name string, handler async.Handler, wake <-chan struct{}) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}

		if err := q.drain(ctx, name, handler); err != nil {
			if ctx.Err() != nil {
				return
			}
			errorCount++
			q.report(async.StageFetch, name, "", err)
			if errorCount >= maxConsecutiveErrors {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		errorCount = 0
		backoff = time.Second
	}
}

func (q *Queue) drain(ctx context.Context, name string, handler async.Handler) error {
	for ctx.Err() == nil {
		jobs, err := q.claim(ctx, name, q.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		handlerErr := invoke(ctx, handler, jobs)
		ackCtx := context.WithoutCancel(ctx)
		for _, job := range jobs {
			outcome := async.JobOutcome(handlerErr, job.ID)
			var err error
			switch {
			case outcome == nil:
				err = q.complete(ackCtx, name, job.ID)
			case errors.Is(outcome, async.ErrNotRun):
				err = q.release(ackCtx, name, job)
			default:
				err = q.fail(ackCtx, name, job.ID, outcome.Error())
			}
			if err != nil {
				q.report(async.StageAck, name, job.ID, err)
			}
		}
		if len(jobs) < q.cfg.BatchSize {
			return nil
		}
	}
	return nil
}

func invoke(ctx context.Context, handler async.Handler, jobs []*async.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("handler panic: %s", fmt.Sprint(r))
		}
	}()
	return handler(ctx, jobs)
}

// promote moves delayed jobs whose start time has passed into ready.
func (q *Queue) promote(ctx context.Context, name string) error {
	now := q.now().UnixMilli()
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("delayed", name), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return errors.Wrap(err, "failed to read delayed jobs")
	}
	for _, id := range ids {
		vals, err := q.rdb.HMGet(ctx, q.key("job", id), "priority", "created_at").Result()
		if err != nil {
			return errors.Wrapf(err, "failed to read job %s", id)
		}
		priority := atoi(fmt.Sprint(vals[0]))
		created := time.UnixMilli(atoi64(fmt.Sprint(vals[1])))
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("delayed", name), id)
		pipe.ZAdd(ctx, q.key("ready", name), redis.Z{Score: readyScore(priority, created), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.Wrapf(err, "failed to promote job %s", id)
		}
	}
	return nil
}

// claim pops up to n ready jobs and marks them active.
func (q *Queue) claim(ctx context.Context, name string, n int) ([]*async.Job, error) {
	if err := q.promote(ctx, name); err != nil {
		return nil, err
	}
	popped, err := q.rdb.ZPopMin(ctx, q.key("ready", name), int64(n)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to pop from %s", name)
	}

	now := q.now().UnixMilli()
	jobs := make([]*async.Job, 0, len(popped))
	for _, z := range popped {
		id := fmt.Sprint(z.Member)
		jobKey := q.key("job", id)
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, jobKey, "state", async.StateActive, "started_at", now)
		pipe.ZAdd(ctx, q.key("active", name), redis.Z{Score: float64(now), Member: id})
		all := pipe.HGetAll(ctx, jobKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, errors.Wrapf(err, "failed to claim job %s", id)
		}
		jobs = append(jobs, toJob(id, all.Val()))
	}
	return jobs, nil
}

func toJob(id string, vals map[string]string) *async.Job {
	return &async.Job{
		ID:         id,
		Queue:      vals["queue"],
		Data:       json.RawMessage(vals["data"]),
		Priority:   atoi(vals["priority"]),
		RetryCount: atoi(vals["retry_count"]),
		RetryLimit: atoi(vals["retry_limit"]),
		CreatedAt:  time.UnixMilli(atoi64(vals["created_at"])),
	}
}

func (q *Queue) complete(ctx context.Context, name, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.key("job", id), "state", async.StateCompleted, "completed_at", q.now().UnixMilli())
	pipe.ZRem(ctx, q.key("active", name), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to complete job %s", id)
	}
	return q.releaseSingleton(ctx, name, id)
}

// release puts an unstarted job back into ready at its original position.
func (q *Queue) release(ctx context.Context, name string, job *async.Job) error {
	state := async.StateCreated
	if job.RetryCount > 0 {
		state = async.StateRetry
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("active", name), job.ID)
	pipe.HSet(ctx, q.key("job", job.ID), "state", state)
	pipe.ZAdd(ctx, q.key("ready", name), redis.Z{Score: readyScore(job.Priority, job.CreatedAt), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "failed to release job %s", job.ID)
}

func (q *Queue) fail(ctx context.Context, name, id, cause string) error {
	vals, err := q.rdb.HGetAll(ctx, q.key("job", id)).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to read job %s", id)
	}
	retryCount := atoi(vals["retry_count"])
	now := q.now()

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("active", name), id)
	if retryCount < atoi(vals["retry_limit"]) {
		delay := time.Duration(atoi64(vals["retry_delay_ms"])) * time.Millisecond
		backoff, _ := strconv.ParseBool(vals["retry_backoff"])
		at := async.RetryAt(now, delay, backoff, retryCount)
		pipe.HSet(ctx, q.key("job", id), "state", async.StateRetry, "retry_count", retryCount+1,
			"start_after", at.UnixMilli(), "output", cause)
		pipe.ZAdd(ctx, q.key("delayed", name), redis.Z{Score: float64(at.UnixMilli()), Member: id})
		_, err = pipe.Exec(ctx)
		return errors.Wrapf(err, "failed to retry job %s", id)
	}
	pipe.HSet(ctx, q.key("job", id), "state", async.StateFailed, "completed_at", now.UnixMilli(), "output", cause)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to fail job %s", id)
	}
	return q.releaseSingleton(ctx, name, id)
}

func (q *Queue) releaseSingleton(ctx context.Context, name, id string) error {
	key, err := q.rdb.HGet(ctx, q.key("job", id), "singleton_key").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read singleton key of %s", id)
	}
	if key == "" {
		return nil
	}
	skey := q.key("singleton", name, key)
	holder, err := q.rdb.Get(ctx, skey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read singleton holder")
	}
	if holder != id {
		return nil
	}
	return errors.Wrap(q.rdb.Del(ctx, skey).Err(), "failed to release singleton key")
}

// expire fails or retries active jobs that outlived expire_ms.
func (q *Queue) expire(ctx context.Context) (int, error) {
	names, err := q.rdb.SMembers(ctx, q.key("queues")).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to list queues")
	}
	now := q.now().UnixMilli()
	expired := 0
	for _, name := range names {
		active, err := q.rdb.ZRangeWithScores(ctx, q.key("active", name), 0, -1).Result()
		if err != nil {
			return expired, errors.Wrapf(err, "failed to list active jobs of %s", name)
		}
		for _, z := range active {
			id := fmt.Sprint(z.Member)
			limit := atoi64(q.rdb.HGet(ctx, q.key("job", id), "expire_ms").Val())
			if limit <= 0 || int64(z.Score)+limit >= now {
				continue
			}
			if err := q.fail(ctx, name, id, "job expired"); err != nil {
				return expired, err
			}
			expired++
		}
	}
	return expired, nil
}

func (q *Queue) maintain(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.expire(ctx); err != nil && ctx.Err() == nil {
				q.report(async.StageMaintenance, "", "", err)
			} else if n > 0 {
				q.logger.Infow("Expired active jobs", logger.FieldCount, n)
			}
			if _, err := q.runDueSchedules(ctx); err != nil && ctx.Err() == nil {
				q.report(async.StageSchedule, "", "", err)
			}
		}
	}
}
