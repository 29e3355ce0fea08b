package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/logger"
)

// ParseCron parses a standard five-field cron expression (descriptors such
// as @daily are accepted).
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, errors.WithHint(errors.Wrapf(err, "invalid cron expression %q", expr),
			"use five fields: minute hour day-of-month month day-of-week")
	}
	return s, nil
}

// Schedule upserts the recurring schedule for queue name. Each firing sends
// data with opts (minus ID). The schedule id is the queue name.
func (q *SQLQueue) Schedule(ctx context.Context, name, expr string, data json.RawMessage, opts SendOptions) (string, error) {
	s, err := ParseCron(expr)
	if err != nil {
		return "", err
	}
	opts.ID = ""
	encoded, err := json.Marshal(opts)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode schedule options")
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	now := q.now()
	next := s.Next(now)
	_, err = q.h.ExecContext(ctx, `
		INSERT INTO pulse_schedules (name, cron, data, options, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			cron = excluded.cron,
			data = excluded.data,
			options = excluded.options,
			next_run_at = excluded.next_run_at,
			updated_at = excluded.updated_at`,
		name, expr, string(data), string(encoded), ms(next), ms(now), ms(now))
	if err != nil {
		return "", errors.Wrapf(err, "failed to schedule %s", name)
	}

	q.logger.Pulse("Schedule registered", logger.FieldQueue, name, logger.FieldSchedule, expr, "next_run", next)
	return name, nil
}

// Unschedule removes the schedule of name, if any.
func (q *SQLQueue) Unschedule(ctx context.Context, name string) error {
	_, err := q.h.ExecContext(ctx, `DELETE FROM pulse_schedules WHERE name = ?`, name)
	return errors.Wrapf(err, "failed to unschedule %s", name)
}

type dueSchedule struct {
	name    string
	expr    string
	data    string
	options string
	nextRun int64
}

// runDueSchedules sends one job for every schedule whose next run has passed
// and advances it. The optimistic next_run_at check keeps concurrent queues
// on the same database from firing a schedule twice.
func (q *SQLQueue) runDueSchedules(ctx context.Context) (int, error) {
	now := q.now()
	rows, err := q.h.QueryContext(ctx,
		`SELECT name, cron, data, options, next_run_at FROM pulse_schedules WHERE next_run_at <= ?`, ms(now))
	if err != nil {
		return 0, errors.Wrap(err, "failed to list due schedules")
	}
	var due []dueSchedule
	for rows.Next() {
		var d dueSchedule
		if err := rows.Scan(&d.name, &d.expr, &d.data, &d.options, &d.nextRun); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "failed to scan schedule")
		}
		due = append(due, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "failed to iterate schedules")
	}

	fired := 0
	for _, d := range due {
		ok, err := q.fire(ctx, d, now)
		if err != nil {
			q.report(StageSchedule, d.name, "", err)
			continue
		}
		if ok {
			fired++
		}
	}
	return fired, nil
}

func (q *SQLQueue) fire(ctx context.Context, d dueSchedule, now time.Time) (bool, error) {
	s, err := ParseCron(d.expr)
	if err != nil {
		return false, err
	}
	res, err := q.h.ExecContext(ctx,
		`UPDATE pulse_schedules SET next_run_at = ?, last_run_at = ? WHERE name = ? AND next_run_at = ?`,
		ms(s.Next(now)), ms(now), d.name, d.nextRun)
	if err != nil {
		return false, errors.Wrapf(err, "failed to advance schedule %s", d.name)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	var opts SendOptions
	if err := json.Unmarshal([]byte(d.options), &opts); err != nil {
		return false, errors.Wrapf(err, "failed to decode options of schedule %s", d.name)
	}
	id, err := q.Send(ctx, d.name, json.RawMessage(d.data), opts)
	if err != nil {
		return false, err
	}
	q.logger.Debugw("Schedule fired", logger.FieldQueue, d.name, logger.FieldJobID, id)
	return id != "", nil
}

// NextRun returns the next run of the schedule of name, or zero time when
// there is none.
func (q *SQLQueue) NextRun(ctx context.Context, name string) (time.Time, error) {
	var next int64
	err := q.h.QueryRowContext(ctx, `SELECT next_run_at FROM pulse_schedules WHERE name = ?`, name).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to read schedule %s", name)
	}
	return time.UnixMilli(next), nil
}
