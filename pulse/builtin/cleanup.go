// Package builtin holds jobs every engine registers.
package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/pulse/engine"
	"github.com/teranos/tenantpulse/pulse/record"
	"github.com/teranos/tenantpulse/pulse/schema"
)

// CleanupJobName is the name of the execution retention job.
const CleanupJobName = "execution-cleanup"

// DefaultCleanupCron runs the cleanup daily at 03:00.
const DefaultCleanupCron = "0 3 * * *"

// CleanupParams override the configured retention for one run.
type CleanupParams struct {
	RetentionDays int `json:"retention_days,omitempty" validate:"min=0"`
}

// CleanupStats is reported by each run.
type CleanupStats struct {
	Deleted int64 `json:"deleted"`
}

// CleanupJob deletes finished executions older than retentionDays. A
// retentionDays of 0 keeps everything unless a run passes its own value.
func CleanupJob(store record.Store, retentionDays int, now func() time.Time) engine.JobDefinition {
	if now == nil {
		now = time.Now
	}
	return engine.JobDefinition{
		Name:        CleanupJobName,
		Title:       "Execution cleanup",
		Description: "Deletes completed, failed and cancelled executions past the retention window",
		Category:    "maintenance",
		Params:      schema.For[CleanupParams](),
		Stats:       schema.For[CleanupStats](),
		Hidden:      true,
		DefaultOptions: engine.JobOptions{
			Priority:     engine.PriorityLow,
			SingletonKey: CleanupJobName,
		},
		Handler: engine.Typed(func(ctx context.Context, jc *engine.JobContext, p CleanupParams) error {
			days := retentionDays
			if p.RetentionDays > 0 {
				days = p.RetentionDays
			}
			if days <= 0 {
				return jc.SetCompletionInfo(ctx, engine.CompletionInfo{Summary: "retention disabled"})
			}

			cutoff := now().AddDate(0, 0, -days)
			deleted, err := store.Cleanup(ctx, cutoff)
			if err != nil {
				return errors.Wrap(err, "execution cleanup")
			}
			if err := jc.UpdateStats(ctx, CleanupStats{Deleted: deleted}); err != nil {
				return err
			}
			return jc.SetCompletionInfo(ctx, engine.CompletionInfo{
				Summary: fmt.Sprintf("deleted %d executions older than %d days", deleted, days),
				Counts:  map[string]int{"deleted": int(deleted)},
			})
		}),
	}
}

// ScheduleCleanup registers the cleanup on eng and schedules it with cron.
func ScheduleCleanup(ctx context.Context, eng *engine.Engine, retentionDays int, cron string) error {
	if cron == "" {
		cron = DefaultCleanupCron
	}
	if err := eng.RegisterJob(ctx, CleanupJob(eng.Store(), retentionDays, nil)); err != nil && !errors.IsConflictError(err) {
		return err
	}
	_, err := eng.QueueJob(ctx, engine.QueueRequest{
		Name:    CleanupJobName,
		Options: engine.JobOptions{Cron: cron},
	})
	return err
}
