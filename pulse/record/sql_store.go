package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/tenantpulse/db"
	"github.com/teranos/tenantpulse/errors"
)

// SQLStore implements Store on the job_executions tables of a tenant database.
type SQLStore struct {
	h   *db.Handle
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a new record store
func NewSQLStore(h *db.Handle) *SQLStore {
	return &SQLStore{h: h, now: func() time.Time { return time.Now().UTC() }}
}

const executionColumns = `id, name, params, status, retry_count, source_job_id, source_event_name,
	loop_prevented, loop_reason, stats, completion_info, error_message, error_stack,
	created_at, started_at, ended_at, updated_at`

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// CreateExecution inserts exec. Zero timestamps are filled in.
func (s *SQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	now := s.now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = now
	}
	if exec.Status == "" {
		exec.Status = StatusQueued
	}
	params := exec.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	_, err := s.h.ExecContext(ctx, `
		INSERT INTO job_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.Name, string(params), string(exec.Status), exec.RetryCount,
		nullString(exec.SourceJobID), nullString(exec.SourceEventName),
		exec.LoopPrevented, nullString(exec.LoopReason),
		nullJSON(exec.Stats), nullJSON(exec.CompletionInfo),
		nullString(exec.ErrorMessage), nullString(exec.ErrorStack),
		exec.CreatedAt.UTC(), nullTime(exec.StartedAt), nullTime(exec.EndedAt), exec.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create execution %s", exec.ID)
	}
	return nil
}

// UpdateStatus applies update to the execution id.
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, update StatusUpdate) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{string(update.Status), s.now()}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC())
	}
	if update.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, update.EndedAt.UTC())
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.ErrorStack != nil {
		sets = append(sets, "error_stack = ?")
		args = append(args, *update.ErrorStack)
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	args = append(args, id)

	return s.exec(ctx, id, `UPDATE job_executions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
}

// UpdateStats replaces the stats payload of id.
func (s *SQLStore) UpdateStats(ctx context.Context, id string, stats json.RawMessage) error {
	return s.exec(ctx, id, `UPDATE job_executions SET stats = ?, updated_at = ? WHERE id = ?`,
		nullJSON(stats), s.now(), id)
}

// UpdateCompletionInfo replaces the completion info of id.
func (s *SQLStore) UpdateCompletionInfo(ctx context.Context, id string, info json.RawMessage) error {
	return s.exec(ctx, id, `UPDATE job_executions SET completion_info = ?, updated_at = ? WHERE id = ?`,
		nullJSON(info), s.now(), id)
}

// exec runs an update and fails when it touched no row.
func (s *SQLStore) exec(ctx context.Context, id, query string, args ...interface{}) error {
	result, err := s.h.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to update execution %s", id)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "execution not found: %s", id)
	}
	return nil
}

// GetExecution loads id with its logs, or returns (nil, nil) when absent.
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	rows, err := s.h.QueryContext(ctx, `SELECT `+executionColumns+` FROM job_executions WHERE id = ?`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	var exec *Execution
	if rows.Next() {
		exec, err = scanExecution(rows)
	}
	rows.Close()
	if err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	if exec == nil {
		return nil, nil
	}

	// Logs are read after the execution row is closed; test databases run
	// on a single connection.
	exec.Logs, err = s.listLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ListExecutions returns executions matching filters, newest first. Logs are not loaded.
func (s *SQLStore) ListExecutions(ctx context.Context, filters Filters) ([]*Execution, error) {
	var (
		where []string
		args  []interface{}
	)
	if filters.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filters.Name)
	}
	if filters.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filters.Status))
	}
	if filters.SourceJobID != "" {
		where = append(where, "source_job_id = ?")
		args = append(args, filters.SourceJobID)
	}
	if !filters.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filters.Since.UTC())
	}

	query := `SELECT ` + executionColumns + ` FROM job_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filters.Offset)

	rows, err := s.h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating executions")
	}
	return executions, nil
}

func scanExecution(rows *sql.Rows) (*Execution, error) {
	var (
		exec                                Execution
		params, status                      string
		sourceJobID, sourceEvent, reason    sql.NullString
		stats, completion, errMsg, errStack sql.NullString
		startedAt, endedAt                  sql.NullTime
	)
	err := rows.Scan(
		&exec.ID, &exec.Name, &params, &status, &exec.RetryCount,
		&sourceJobID, &sourceEvent, &exec.LoopPrevented, &reason,
		&stats, &completion, &errMsg, &errStack,
		&exec.CreatedAt, &startedAt, &endedAt, &exec.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan execution")
	}

	exec.Params = json.RawMessage(params)
	exec.Status = Status(status)
	exec.SourceJobID = sourceJobID.String
	exec.SourceEventName = sourceEvent.String
	exec.LoopReason = reason.String
	exec.ErrorMessage = errMsg.String
	exec.ErrorStack = errStack.String
	if stats.Valid {
		exec.Stats = json.RawMessage(stats.String)
	}
	if completion.Valid {
		exec.CompletionInfo = json.RawMessage(completion.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		exec.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		exec.EndedAt = &t
	}
	return &exec, nil
}
