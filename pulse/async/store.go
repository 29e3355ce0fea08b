package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/teranos/tenantpulse/errors"
)

// Job states in pulse_jobs.
const (
	StateCreated   = "created"
	StateRetry     = "retry"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

const jobColumns = `id, queue, data, priority, retry_count, retry_limit, retry_delay_ms, retry_backoff, created_at`

func ms(t time.Time) int64 { return t.UnixMilli() }

func (q *SQLQueue) upsertQueue(ctx context.Context, name string, opts RetryOptions) error {
	_, err := q.h.ExecContext(ctx, `
		INSERT INTO pulse_queues (name, retry_limit, retry_delay_ms, retry_backoff, expire_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			retry_limit = excluded.retry_limit,
			retry_delay_ms = excluded.retry_delay_ms,
			retry_backoff = excluded.retry_backoff,
			expire_ms = excluded.expire_ms`,
		name, opts.RetryLimit, opts.RetryDelay.Milliseconds(), opts.RetryBackoff, opts.ExpireIn.Milliseconds(), ms(q.now()))
	if err != nil {
		return errors.Wrapf(err, "failed to create queue %s", name)
	}
	return nil
}

// queueDefaults returns the stored retry options for name, or zero options
// when the queue was never created.
func (q *SQLQueue) queueDefaults(ctx context.Context, name string) (RetryOptions, error) {
	var (
		opts            RetryOptions
		delayMS, expire int64
	)
	err := q.h.QueryRowContext(ctx,
		`SELECT retry_limit, retry_delay_ms, retry_backoff, expire_ms FROM pulse_queues WHERE name = ?`, name,
	).Scan(&opts.RetryLimit, &delayMS, &opts.RetryBackoff, &expire)
	if errors.Is(err, sql.ErrNoRows) {
		return RetryOptions{}, nil
	}
	if err != nil {
		return RetryOptions{}, errors.Wrapf(err, "failed to read queue %s", name)
	}
	opts.RetryDelay = time.Duration(delayMS) * time.Millisecond
	opts.ExpireIn = time.Duration(expire) * time.Millisecond
	return opts, nil
}

// insertJob returns false when a singleton or id conflict dropped the row.
func (q *SQLQueue) insertJob(ctx context.Context, id, name string, data json.RawMessage, opts SendOptions) (bool, error) {
	now := q.now()
	var singleton interface{}
	if opts.SingletonKey != "" {
		singleton = opts.SingletonKey
	}
	res, err := q.h.ExecContext(ctx, `
		INSERT INTO pulse_jobs (id, queue, data, state, priority, retry_count, retry_limit, retry_delay_ms,
			retry_backoff, expire_ms, singleton_key, start_after, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		id, name, string(data), StateCreated, opts.Priority, opts.RetryLimit, opts.RetryDelay.Milliseconds(),
		opts.RetryBackoff, opts.ExpireIn.Milliseconds(), singleton, ms(now.Add(opts.StartAfter)), ms(now))
	if err != nil {
		return false, errors.Wrapf(err, "failed to insert job into %s", name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to read rows affected")
	}
	return n == 1, nil
}

// fetch claims up to limit runnable jobs of a queue, highest priority first.
func (q *SQLQueue) fetch(ctx context.Context, queue string, limit int) ([]*Job, error) {
	now := ms(q.now())
	lock := ""
	if q.h.Postgres() {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	rows, err := q.h.QueryContext(ctx, `
		UPDATE pulse_jobs SET state = 'active', started_at = ?
		WHERE id IN (
			SELECT id FROM pulse_jobs
			WHERE queue = ? AND state IN ('created', 'retry') AND start_after <= ?
			ORDER BY priority DESC, created_at ASC
			LIMIT ?`+lock+`
		)
		RETURNING `+jobColumns, now, queue, now, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch jobs from %s", queue)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate fetched jobs")
	}
	// RETURNING order is unspecified
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func scanJob(rows *sql.Rows) (*Job, error) {
	var (
		job              Job
		data             string
		delayMS, created int64
	)
	if err := rows.Scan(&job.ID, &job.Queue, &data, &job.Priority, &job.RetryCount, &job.RetryLimit,
		&delayMS, &job.retryBackoff, &created); err != nil {
		return nil, errors.Wrap(err, "failed to scan job")
	}
	job.Data = json.RawMessage(data)
	job.retryDelay = time.Duration(delayMS) * time.Millisecond
	job.CreatedAt = time.UnixMilli(created)
	return &job, nil
}

func (q *SQLQueue) complete(ctx context.Context, id string) error {
	now := ms(q.now())
	_, err := q.h.ExecContext(ctx,
		`UPDATE pulse_jobs SET state = ?, completed_at = ? WHERE id = ? AND state = ?`,
		StateCompleted, now, id, StateActive)
	return errors.Wrapf(err, "failed to complete job %s", id)
}

// release hands an active job back to the queue with its retry count unchanged.
func (q *SQLQueue) release(ctx context.Context, id string) error {
	_, err := q.h.ExecContext(ctx, `
		UPDATE pulse_jobs SET state = CASE WHEN retry_count > 0 THEN ? ELSE ? END, started_at = NULL
		WHERE id = ? AND state = ?`,
		StateRetry, StateCreated, id, StateActive)
	return errors.Wrapf(err, "failed to release job %s", id)
}

// fail moves an active job to retry while it has attempts left, else to failed.
func (q *SQLQueue) fail(ctx context.Context, job *Job, cause string) error {
	now := q.now()
	var err error
	if job.RetryCount < job.RetryLimit {
		startAfter := RetryAt(now, job.retryDelay, job.retryBackoff, job.RetryCount)
		_, err = q.h.ExecContext(ctx, `
			UPDATE pulse_jobs SET state = ?, retry_count = ?, start_after = ?, started_at = NULL, output = ?
			WHERE id = ? AND state = ?`,
			StateRetry, job.RetryCount+1, ms(startAfter), cause, job.ID, StateActive)
	} else {
		_, err = q.h.ExecContext(ctx,
			`UPDATE pulse_jobs SET state = ?, completed_at = ?, output = ? WHERE id = ? AND state = ?`,
			StateFailed, ms(now), cause, job.ID, StateActive)
	}
	return errors.Wrapf(err, "failed to fail job %s", job.ID)
}

func (q *SQLQueue) cancelJob(ctx context.Context, queue, id string) error {
	_, err := q.h.ExecContext(ctx, `
		UPDATE pulse_jobs SET state = ?, completed_at = ?
		WHERE id = ? AND queue = ? AND state IN ('created', 'retry', 'active')`,
		StateCancelled, ms(q.now()), id, queue)
	return errors.Wrapf(err, "failed to cancel job %s", id)
}

// expireJobs fails or retries active jobs that outlived their expire_ms.
func (q *SQLQueue) expireJobs(ctx context.Context) (int, error) {
	rows, err := q.h.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM pulse_jobs
		WHERE state = 'active' AND expire_ms > 0 AND started_at + expire_ms < ?`, ms(q.now()))
	if err != nil {
		return 0, errors.Wrap(err, "failed to list expired jobs")
	}
	var expired []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "failed to iterate expired jobs")
	}

	for _, job := range expired {
		if err := q.fail(ctx, job, "job expired"); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// recoverOrphanedJobs puts jobs left active by a previous process back into retry.
func (q *SQLQueue) recoverOrphanedJobs(ctx context.Context) (int64, error) {
	res, err := q.h.ExecContext(ctx,
		`UPDATE pulse_jobs SET state = ?, started_at = NULL WHERE state = ?`, StateRetry, StateActive)
	if err != nil {
		return 0, errors.Wrap(err, "failed to recover orphaned jobs")
	}
	return res.RowsAffected()
}

// JobState returns the state of a job, or "" when it does not exist.
func (q *SQLQueue) JobState(ctx context.Context, id string) (string, error) {
	var state string
	err := q.h.QueryRowContext(ctx, `SELECT state FROM pulse_jobs WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read job %s", id)
	}
	return state, nil
}

// QueueStat counts jobs of one queue in one state.
type QueueStat struct {
	Queue string `json:"queue"`
	State string `json:"state"`
	Count int    `json:"count"`
}

// Stats counts jobs per queue and state.
func (q *SQLQueue) Stats(ctx context.Context) ([]QueueStat, error) {
	rows, err := q.h.QueryContext(ctx,
		`SELECT queue, state, COUNT(*) FROM pulse_jobs GROUP BY queue, state ORDER BY queue, state`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}
	defer rows.Close()

	var stats []QueueStat
	for rows.Next() {
		var s QueueStat
		if err := rows.Scan(&s.Queue, &s.State, &s.Count); err != nil {
			return nil, errors.Wrap(err, "failed to scan job count")
		}
		stats = append(stats, s)
	}
	return stats, errors.Wrap(rows.Err(), "failed to iterate job counts")
}
