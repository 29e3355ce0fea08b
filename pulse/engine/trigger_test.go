package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/tenantpulse/errors"
	tptest "github.com/teranos/tenantpulse/internal/testing"
	"github.com/teranos/tenantpulse/pulse/async"
	"github.com/teranos/tenantpulse/pulse/record"
)

func noop(context.Context, *JobContext, json.RawMessage) error { return nil }

func waitForHistory(t *testing.T, e *Engine, filters record.Filters, ok func([]*record.Execution) bool) []*record.Execution {
	t.Helper()
	var execs []*record.Execution
	require.Eventually(t, func() bool {
		var err error
		execs, err = e.GetJobHistory(context.Background(), filters)
		return err == nil && ok(execs)
	}, 5*time.Second, 10*time.Millisecond)
	return execs
}

func TestTriggerChainsCompletedJob(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, true)

	require.NoError(t, e.RegisterJob(ctx, JobDefinition{Name: "import", Handler: noop}))
	require.NoError(t, e.RegisterJob(ctx, JobDefinition{
		Name:          "index",
		Handler:       noop,
		TriggerEvents: []string{"import.completed"},
		TriggerEventParams: func(_ string, payload json.RawMessage) (json.RawMessage, bool) {
			var p struct {
				JobID string `json:"job_id"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, false
			}
			return json.RawMessage(`{"bag":"` + p.JobID + `"}`), true
		},
	}))
	require.NoError(t, e.Start(ctx))

	resp, err := e.QueueJob(ctx, QueueRequest{Name: "import", Params: json.RawMessage(`{"bag":"monday"}`)})
	require.NoError(t, err)

	execs := waitForHistory(t, e, record.Filters{Name: "index"}, func(execs []*record.Execution) bool {
		return len(execs) == 1 && execs[0].Status == record.StatusCompleted
	})
	idx := execs[0]
	assert.Equal(t, resp.JobID, idx.SourceJobID)
	assert.Equal(t, "import.completed", idx.SourceEventName)
	assert.False(t, idx.LoopPrevented)
	assert.JSONEq(t, `{"bag":"`+resp.JobID+`"}`, string(idx.Params))
}

func TestTriggerStopsSelfLoop(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, true)

	var calls atomic.Int32
	require.NoError(t, e.RegisterJob(ctx, JobDefinition{
		Name: "echo",
		Handler: func(context.Context, *JobContext, json.RawMessage) error {
			calls.Add(1)
			return nil
		},
		TriggerEvents: []string{"echo.completed"},
	}))
	require.NoError(t, e.Start(ctx))

	_, err := e.QueueJob(ctx, QueueRequest{Name: "echo"})
	require.NoError(t, err)

	execs := waitForHistory(t, e, record.Filters{Name: "echo", Status: record.StatusFailed}, func(execs []*record.Execution) bool {
		return len(execs) == 1
	})
	blocked := execs[0]
	assert.True(t, blocked.LoopPrevented)
	assert.Contains(t, blocked.LoopReason, "repetition count")
	assert.True(t, strings.HasPrefix(blocked.ErrorMessage, "Infinite loop prevented: "))

	e.Events().Drain()
	all, err := e.GetJobHistory(ctx, record.Filters{Name: "echo"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTriggerDropsFilteredEvents(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, false)

	require.NoError(t, e.RegisterJob(ctx, JobDefinition{
		Name:          "index",
		Handler:       noop,
		TriggerEvents: []string{"import.completed", "import.failed"},
		TriggerEventParams: func(name string, payload json.RawMessage) (json.RawMessage, bool) {
			return payload, name == "import.completed"
		},
		ShouldTrigger: func(_ string, params json.RawMessage) bool {
			return !strings.Contains(string(params), "junk")
		},
	}))

	e.Events().Emit(ctx, Event{Name: "import.failed", Payload: json.RawMessage(`{"bag":"a"}`)})
	e.Events().Emit(ctx, Event{Name: "import.completed", Payload: json.RawMessage(`{"bag":"junk"}`)})
	e.Events().Emit(ctx, Event{Name: "import.completed", Payload: json.RawMessage(`{"bag":"mail"}`)})
	e.Events().Drain()

	execs, err := e.GetJobHistory(ctx, record.Filters{Name: "index"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.JSONEq(t, `{"bag":"mail"}`, string(execs[0].Params))
}

func TestTriggerRegistrationIsIdempotentPerJob(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, false)

	require.NoError(t, e.RegisterJob(ctx, JobDefinition{
		Name:          "index",
		Handler:       noop,
		TriggerEvents: []string{"import.completed", "import.completed"},
	}))
	assert.Equal(t, []string{"index"}, e.Events().listeners("import.completed"))

	e.Events().Emit(ctx, Event{Name: "import.completed"})
	e.Events().Drain()
	execs, err := e.GetJobHistory(ctx, record.Filters{Name: "index"})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestTriggerFallsBackOnConverterPanic(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, false)

	require.NoError(t, e.RegisterJob(ctx, JobDefinition{
		Name:          "audit",
		Handler:       noop,
		TriggerEvents: []string{"user.created"},
		TriggerEventParams: func(string, json.RawMessage) (json.RawMessage, bool) {
			panic("converter broke")
		},
	}))

	e.Events().Emit(ctx, Event{Name: "user.created", Payload: json.RawMessage(`{"user":"pat"}`)})
	e.Events().Drain()

	execs, err := e.GetJobHistory(ctx, record.Filters{Name: "audit"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.JSONEq(t, `{"user":"pat"}`, string(execs[0].Params))
	assert.Empty(t, execs[0].SourceEventName, "fallback carries no chain metadata")
}

// unreachableStore fails ancestor lookups for one id.
type unreachableStore struct {
	record.Store
	bad string
}

func (s unreachableStore) GetExecution(ctx context.Context, id string) (*record.Execution, error) {
	if id == s.bad {
		return nil, errors.New("record store unreachable")
	}
	return s.Store.GetExecution(ctx, id)
}

func TestTriggerFallsBackOnAnalysisError(t *testing.T) {
	ctx := context.Background()
	h := tptest.CreateTestDB(t)
	e, err := New(Options{
		Queue: async.NewSQLQueue(h, async.Config{}, nil),
		Store: unreachableStore{Store: record.NewSQLStore(h), bad: "ghost"},
	})
	require.NoError(t, err)
	t.Cleanup(e.Events().Close)

	require.NoError(t, e.RegisterJob(ctx, JobDefinition{
		Name:          "audit",
		Handler:       noop,
		TriggerEvents: []string{"user.created"},
	}))

	e.Events().Emit(ctx, Event{Name: "user.created", Payload: json.RawMessage(`{"user":"pat"}`), SourceJobID: "ghost"})
	e.Events().Drain()

	execs, err := e.GetJobHistory(ctx, record.Filters{Name: "audit"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Empty(t, execs[0].SourceJobID)
	assert.False(t, execs[0].LoopPrevented)
}
