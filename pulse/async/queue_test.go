package async

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tptest "github.com/teranos/tenantpulse/internal/testing"
)

// ============================================================================
// Post Office Queue Test Universe
// ============================================================================
//
// Characters:
//   - Pat: the postman who sends letters into the queue
//   - Cronos: Greek god of time, advances the clock for retries and schedules
//
// Pat drops letters into mailbags (queues); Cronos decides when they may go out.
// ============================================================================

var epoch = time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)

func newTestQueue(t *testing.T) (*SQLQueue, *tptest.Clock) {
	t.Helper()
	clock := tptest.NewClock(epoch)
	q := NewSQLQueue(tptest.CreateTestDB(t), Config{Now: clock.Now}, nil)
	return q, clock
}

func letter(to string) json.RawMessage {
	return json.RawMessage(`{"to":"` + to + `"}`)
}

func TestPatSendsByPriority(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	lowID, err := q.Send(ctx, "mail", letter("low"), SendOptions{Priority: -1})
	require.NoError(t, err)
	highID, err := q.Send(ctx, "mail", letter("high"), SendOptions{Priority: 1})
	require.NoError(t, err)
	normalID, err := q.Send(ctx, "mail", letter("normal"), SendOptions{})
	require.NoError(t, err)

	jobs, err := q.fetch(ctx, "mail", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{highID, normalID, lowID}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
	assert.JSONEq(t, `{"to":"high"}`, string(jobs[0].Data))

	again, err := q.fetch(ctx, "mail", 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed jobs are not handed out twice")
}

func TestPatSendsWithExplicitID(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := q.Send(ctx, "mail", nil, SendOptions{ID: "letter-1"})
	require.NoError(t, err)
	assert.Equal(t, "letter-1", id)

	dup, err := q.Send(ctx, "mail", nil, SendOptions{ID: "letter-1"})
	require.NoError(t, err)
	assert.Empty(t, dup)
}

func TestPatSingletonKeyDeduplicates(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	first, err := q.Send(ctx, "digest", nil, SendOptions{SingletonKey: "daily"})
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := q.Send(ctx, "digest", nil, SendOptions{SingletonKey: "daily"})
	require.NoError(t, err)
	assert.Empty(t, second, "a live job already holds the singleton key")

	other, err := q.Send(ctx, "digest", nil, SendOptions{SingletonKey: "weekly"})
	require.NoError(t, err)
	assert.NotEmpty(t, other)

	jobs, err := q.fetch(ctx, "digest", 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		require.NoError(t, q.complete(ctx, job.ID))
	}

	third, err := q.Send(ctx, "digest", nil, SendOptions{SingletonKey: "daily"})
	require.NoError(t, err)
	assert.NotEmpty(t, third, "finished jobs release the key")
}

func TestCronosRetriesWithBackoff(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	require.NoError(t, q.CreateQueue(ctx, "mail", RetryOptions{
		RetryLimit:   2,
		RetryDelay:   10 * time.Second,
		RetryBackoff: true,
	}))
	id, err := q.Send(ctx, "mail", letter("bounce"), SendOptions{})
	require.NoError(t, err)

	jobs, err := q.fetch(ctx, "mail", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 0, jobs[0].RetryCount)
	assert.Equal(t, 2, jobs[0].RetryLimit)
	require.NoError(t, q.fail(ctx, jobs[0], "mailbox full"))

	state, err := q.JobState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateRetry, state)

	jobs, err = q.fetch(ctx, "mail", 1)
	require.NoError(t, err)
	assert.Empty(t, jobs, "retry waits for its delay")

	clock.Advance(10 * time.Second)
	jobs, err = q.fetch(ctx, "mail", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].RetryCount)
	require.NoError(t, q.fail(ctx, jobs[0], "mailbox full"))

	clock.Advance(10 * time.Second)
	jobs, err = q.fetch(ctx, "mail", 1)
	require.NoError(t, err)
	assert.Empty(t, jobs, "second retry delay is doubled")

	clock.Advance(10 * time.Second)
	jobs, err = q.fetch(ctx, "mail", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, q.fail(ctx, jobs[0], "mailbox full"))

	state, err = q.JobState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
}

func TestSendOptionsOverrideQueueDefaults(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.CreateQueue(ctx, "mail", RetryOptions{RetryLimit: 5}))
	_, err := q.Send(ctx, "mail", nil, SendOptions{RetryLimit: 1})
	require.NoError(t, err)
	_, err = q.Send(ctx, "unknown", nil, SendOptions{})
	require.NoError(t, err, "sending to a queue that was never created uses zero defaults")

	jobs, err := q.fetch(ctx, "mail", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].RetryLimit)
}

func TestCronosStartAfterDelaysDelivery(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	_, err := q.Send(ctx, "mail", nil, SendOptions{StartAfter: time.Minute})
	require.NoError(t, err)

	jobs, err := q.fetch(ctx, "mail", 1)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	clock.Advance(time.Minute)
	jobs, err = q.fetch(ctx, "mail", 1)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestPatCancelsLetter(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	id, err := q.Send(ctx, "mail", nil, SendOptions{})
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, "mail", id))
	require.NoError(t, q.Cancel(ctx, "mail", id), "cancel is idempotent")
	require.NoError(t, q.Cancel(ctx, "mail", "missing"))

	state, err := q.JobState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, state)

	jobs, err := q.fetch(ctx, "mail", 1)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCronosExpiresActiveJobs(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	id, err := q.Send(ctx, "mail", nil, SendOptions{ExpireIn: time.Second})
	require.NoError(t, err)
	jobs, err := q.fetch(ctx, "mail", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	n, err := q.expireJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Second)
	n, err = q.expireJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state, err := q.JobState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, state)
}

func TestStartRecoversOrphanedJobs(t *testing.T) {
	ctx := context.Background()
	clock := tptest.NewClock(epoch)
	h := tptest.CreateTestDB(t)

	crashed := NewSQLQueue(h, Config{Now: clock.Now}, nil)
	id, err := crashed.Send(ctx, "mail", nil, SendOptions{})
	require.NoError(t, err)
	_, err = crashed.fetch(ctx, "mail", 1)
	require.NoError(t, err)

	restarted := NewSQLQueue(h, Config{Now: clock.Now}, nil)
	require.NoError(t, restarted.Start(ctx))
	defer restarted.Stop(ctx)

	state, err := restarted.JobState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateRetry, state)
}

func TestStartStopIdempotent(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	require.NoError(t, q.Stop(ctx), "stopping a queue that never started is a no-op")
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Stop(ctx))
	require.NoError(t, q.Stop(ctx))
}

func TestQueueStats(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Send(ctx, "mail", nil, SendOptions{})
	require.NoError(t, err)
	_, err = q.Send(ctx, "mail", nil, SendOptions{})
	require.NoError(t, err)
	_, err = q.Send(ctx, "parcel", nil, SendOptions{})
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []QueueStat{
		{Queue: "mail", State: StateCreated, Count: 2},
		{Queue: "parcel", State: StateCreated, Count: 1},
	}, stats)
}

func TestRetryAt(t *testing.T) {
	assert.Equal(t, epoch.Add(5*time.Second), RetryAt(epoch, 5*time.Second, false, 3))
	assert.Equal(t, epoch.Add(5*time.Second), RetryAt(epoch, 5*time.Second, true, 0))
	assert.Equal(t, epoch.Add(40*time.Second), RetryAt(epoch, 5*time.Second, true, 3))
}
