package redisq

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/logger"
	"github.com/teranos/tenantpulse/pulse/async"
)

type scheduleRecord struct {
	Cron      string            `json:"cron"`
	Data      json.RawMessage   `json:"data"`
	Options   async.SendOptions `json:"options"`
	NextRunAt int64             `json:"next_run_at"`
}

// Schedule upserts the cron schedule of name; the id is the name.
func (q *Queue) Schedule(ctx context.Context, name, expr string, data json.RawMessage, opts async.SendOptions) (string, error) {
	s, err := async.ParseCron(expr)
	if err != nil {
		return "", err
	}
	opts.ID = ""
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	rec := scheduleRecord{Cron: expr, Data: data, Options: opts, NextRunAt: s.Next(q.now()).UnixMilli()}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode schedule")
	}
	if err := q.rdb.HSet(ctx, q.key("schedules"), name, encoded).Err(); err != nil {
		return "", errors.Wrapf(err, "failed to schedule %s", name)
	}
	q.logger.Infow("Schedule registered", logger.FieldQueue, name, logger.FieldSchedule, expr)
	return name, nil
}

// Unschedule removes the schedule of name.
func (q *Queue) Unschedule(ctx context.Context, name string) error {
	return errors.Wrapf(q.rdb.HDel(ctx, q.key("schedules"), name).Err(), "failed to unschedule %s", name)
}

// runDueSchedules fires every due schedule once. WATCH on the schedules hash
// keeps two processes from advancing the same schedule twice.
func (q *Queue) runDueSchedules(ctx context.Context) (int, error) {
	key := q.key("schedules")
	all, err := q.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrap(err, "failed to list schedules")
	}

	now := q.now()
	fired := 0
	for name, raw := range all {
		var rec scheduleRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			q.report(async.StageSchedule, name, "", errors.Wrap(err, "failed to decode schedule"))
			continue
		}
		if rec.NextRunAt > now.UnixMilli() {
			continue
		}
		s, err := async.ParseCron(rec.Cron)
		if err != nil {
			q.report(async.StageSchedule, name, "", err)
			continue
		}

		advanced := false
		err = q.rdb.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.HGet(ctx, key, name).Result()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			if err != nil || current != raw {
				return err
			}
			next := rec
			next.NextRunAt = s.Next(now).UnixMilli()
			encoded, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, name, encoded)
				return nil
			})
			advanced = err == nil
			return err
		}, key)
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			q.report(async.StageSchedule, name, "", err)
			continue
		}
		if !advanced {
			continue
		}
		if _, err := q.Send(ctx, name, rec.Data, rec.Options); err != nil {
			q.report(async.StageSchedule, name, "", err)
			continue
		}
		fired++
	}
	return fired, nil
}
