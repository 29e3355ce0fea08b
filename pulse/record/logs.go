package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/tenantpulse/errors"
)

// AppendLog adds entry to the log of execution id.
func (s *SQLStore) AppendLog(ctx context.Context, id string, entry LogEntry) error {
	if entry.Level == "" {
		entry.Level = LevelInfo
	}
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = s.now()
	}
	var logCtx interface{}
	if len(entry.Context) > 0 {
		encoded, err := json.Marshal(entry.Context)
		if err != nil {
			return errors.Wrapf(err, "failed to encode log context for execution %s", id)
		}
		logCtx = string(encoded)
	}

	_, err := s.h.ExecContext(ctx, `
		INSERT INTO job_execution_logs (execution_id, level, key, message, context, logged_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, entry.Level, entry.Key, entry.Message, logCtx, entry.LoggedAt.UTC())
	if err != nil {
		return errors.Wrapf(err, "failed to append log to execution %s", id)
	}
	return nil
}

func (s *SQLStore) listLogs(ctx context.Context, id string) ([]LogEntry, error) {
	rows, err := s.h.QueryContext(ctx, `
		SELECT id, level, key, message, context, logged_at
		FROM job_execution_logs WHERE execution_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query logs for execution %s", id)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var (
			entry  LogEntry
			logCtx sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.Level, &entry.Key, &entry.Message, &logCtx, &entry.LoggedAt); err != nil {
			return nil, errors.Wrapf(err, "failed to scan log row for execution %s", id)
		}
		if logCtx.Valid {
			if err := json.Unmarshal([]byte(logCtx.String), &entry.Context); err != nil {
				return nil, errors.Wrapf(err, "failed to decode log context for execution %s", id)
			}
		}
		logs = append(logs, entry)
	}
	return logs, errors.Wrap(rows.Err(), "error iterating logs")
}

// Cleanup deletes terminal executions that ended before olderThan, with their
// logs, and returns how many executions were removed.
func (s *SQLStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.h.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin cleanup")
	}
	defer tx.Rollback()

	const match = `status IN ('completed', 'failed', 'cancelled') AND COALESCE(ended_at, updated_at) < ?`
	cutoff := olderThan.UTC()

	// foreign_keys is a per-connection pragma in sqlite, so logs go explicitly
	if _, err := tx.ExecContext(ctx, s.h.Rebind(`
		DELETE FROM job_execution_logs WHERE execution_id IN (
			SELECT id FROM job_executions WHERE `+match+`)`), cutoff); err != nil {
		return 0, errors.Wrap(err, "failed to delete execution logs")
	}
	res, err := tx.ExecContext(ctx, s.h.Rebind(`DELETE FROM job_executions WHERE `+match), cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete executions")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to check rows affected")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit cleanup")
	}
	return n, nil
}
