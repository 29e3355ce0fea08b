package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronosFiresDueSchedule(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	id, err := q.Schedule(ctx, "digest", "* * * * *", letter("team"), SendOptions{Priority: 1, ID: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, "digest", id)

	next, err := q.NextRun(ctx, "digest")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC), next.UTC())

	fired, err := q.runDueSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired, "not due yet")

	clock.Advance(35 * time.Second)
	fired, err = q.runDueSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	fired, err = q.runDueSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired, "advanced past this minute")

	jobs, err := q.fetch(ctx, "digest", 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.NotEqual(t, "ignored", jobs[0].ID)
	assert.Equal(t, 1, jobs[0].Priority)
	assert.JSONEq(t, `{"to":"team"}`, string(jobs[0].Data))
}

func TestScheduleUpsertAndUnschedule(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Schedule(ctx, "digest", "@hourly", nil, SendOptions{})
	require.NoError(t, err)
	_, err = q.Schedule(ctx, "digest", "0 3 * * *", nil, SendOptions{})
	require.NoError(t, err)

	next, err := q.NextRun(ctx, "digest")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC), next.UTC())

	require.NoError(t, q.Unschedule(ctx, "digest"))
	next, err = q.NextRun(ctx, "digest")
	require.NoError(t, err)
	assert.True(t, next.IsZero())
}

func TestScheduleRejectsBadCron(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Schedule(context.Background(), "digest", "every tuesday", nil, SendOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")
}
