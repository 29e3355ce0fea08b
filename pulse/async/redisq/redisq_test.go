package redisq

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tenantpulse/pulse/async"
)

// newTestQueue connects to REDIS_ADDR under a fresh prefix and removes its
// keys afterwards.
func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return newTestQueueWithConfig(t, async.Config{PollInterval: 10 * time.Millisecond})
}

func newTestQueueWithConfig(t *testing.T, cfg async.Config) *Queue {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	prefix := "test-" + uuid.NewString()
	q := New(rdb, prefix, cfg, nil)

	t.Cleanup(func() {
		ctx := context.Background()
		q.Stop(ctx)
		iter := rdb.Scan(ctx, 0, "pulse:"+prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			rdb.Del(ctx, iter.Val())
		}
		rdb.Close()
	})
	return q
}

func TestRedisSendClaimByPriority(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	low, err := q.Send(ctx, "mail", nil, async.SendOptions{Priority: -1})
	require.NoError(t, err)
	high, err := q.Send(ctx, "mail", nil, async.SendOptions{Priority: 1})
	require.NoError(t, err)

	jobs, err := q.claim(ctx, "mail", 5)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, high, jobs[0].ID)
	assert.Equal(t, low, jobs[1].ID)

	state, err := q.JobState(ctx, high)
	require.NoError(t, err)
	assert.Equal(t, async.StateActive, state)
}

func TestRedisSingletonKey(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	first, err := q.Send(ctx, "digest", nil, async.SendOptions{SingletonKey: "daily"})
	require.NoError(t, err)
	require.NotEmpty(t, first)
	dup, err := q.Send(ctx, "digest", nil, async.SendOptions{SingletonKey: "daily"})
	require.NoError(t, err)
	assert.Empty(t, dup)

	require.NoError(t, q.Cancel(ctx, "digest", first))
	again, err := q.Send(ctx, "digest", nil, async.SendOptions{SingletonKey: "daily"})
	require.NoError(t, err)
	assert.NotEmpty(t, again, "cancel releases the key")
}

func TestRedisSingletonKeyFreedOnIDConflict(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	taken, err := q.Send(ctx, "digest", nil, async.SendOptions{ID: "digest-1"})
	require.NoError(t, err)
	require.Equal(t, "digest-1", taken)

	dup, err := q.Send(ctx, "digest", nil, async.SendOptions{ID: "digest-1", SingletonKey: "daily"})
	require.NoError(t, err)
	assert.Empty(t, dup)

	fresh, err := q.Send(ctx, "digest", nil, async.SendOptions{SingletonKey: "daily"})
	require.NoError(t, err)
	assert.NotEmpty(t, fresh, "a dropped send must not keep the singleton key")
}

func TestRedisBatchSettlesJobsIndependently(t *testing.T) {
	ctx := context.Background()
	q := newTestQueueWithConfig(t, async.Config{PollInterval: 10 * time.Millisecond, BatchSize: 3})

	bad, err := q.Send(ctx, "mail", nil, async.SendOptions{Priority: 2})
	require.NoError(t, err)
	good, err := q.Send(ctx, "mail", nil, async.SendOptions{Priority: 1})
	require.NoError(t, err)
	skipped, err := q.Send(ctx, "mail", nil, async.SendOptions{})
	require.NoError(t, err)

	ran := make(chan string, 8)
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.Work(ctx, "mail", func(_ context.Context, jobs []*async.Job) error {
		failures := async.JobErrors{}
		for _, job := range jobs {
			ran <- job.ID
			switch job.ID {
			case bad:
				failures[job.ID] = assert.AnError
			case skipped:
				if len(jobs) > 1 {
					failures[job.ID] = async.ErrNotRun
				}
			}
		}
		return failures
	}))

	waitRedisState := func(id, want string) {
		require.Eventually(t, func() bool {
			state, err := q.JobState(ctx, id)
			return err == nil && state == want
		}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	}
	waitRedisState(bad, async.StateFailed)
	waitRedisState(good, async.StateCompleted)
	waitRedisState(skipped, async.StateCompleted)
}

func TestRedisWorkerRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	require.NoError(t, q.Start(ctx))
	require.NoError(t, q.CreateQueue(ctx, "mail", async.RetryOptions{RetryLimit: 1}))

	calls := make(chan struct{}, 4)
	require.NoError(t, q.Work(ctx, "mail", func(context.Context, []*async.Job) error {
		calls <- struct{}{}
		return assert.AnError
	}))

	id, err := q.Send(ctx, "mail", json.RawMessage(`{"to":"a@b.com"}`), async.SendOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, err := q.JobState(ctx, id)
		return err == nil && state == async.StateFailed
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, calls, 2)
}

func TestRedisScheduleFires(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	base := time.Now()
	q.cfg.Now = func() time.Time { return base }

	_, err := q.Schedule(ctx, "digest", "* * * * *", nil, async.SendOptions{})
	require.NoError(t, err)

	q.cfg.Now = func() time.Time { return base.Add(2 * time.Minute) }
	fired, err := q.runDueSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	fired, err = q.runDueSchedules(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)
}
