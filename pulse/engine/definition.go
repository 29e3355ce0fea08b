package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/pulse/async"
	"github.com/teranos/tenantpulse/pulse/loop"
	"github.com/teranos/tenantpulse/pulse/schema"
)

// Priority of a queued job.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to the queue's integer priority: high=1, normal=0, low=-1.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return -1
	default:
		return 0
	}
}

// JobOptions are scheduling options of one queue request.
type JobOptions struct {
	Priority     Priority      `json:"priority,omitempty"`
	RetryLimit   int           `json:"retry_limit,omitempty"`
	RetryDelay   time.Duration `json:"retry_delay,omitempty"`
	RetryBackoff bool          `json:"retry_backoff,omitempty"`
	ExpireIn     time.Duration `json:"expire_in,omitempty"`
	SingletonKey string        `json:"singleton_key,omitempty"`
	StartAfter   time.Duration `json:"start_after,omitempty"`
	Cron         string        `json:"cron,omitempty"` // recurring when set
}

// withDefaults fills zero fields of o from d.
func (o JobOptions) withDefaults(d JobOptions) JobOptions {
	if o.Priority == "" {
		o.Priority = d.Priority
	}
	if o.RetryLimit == 0 {
		o.RetryLimit = d.RetryLimit
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = d.RetryDelay
	}
	if !o.RetryBackoff {
		o.RetryBackoff = d.RetryBackoff
	}
	if o.ExpireIn == 0 {
		o.ExpireIn = d.ExpireIn
	}
	if o.SingletonKey == "" {
		o.SingletonKey = d.SingletonKey
	}
	if o.StartAfter == 0 {
		o.StartAfter = d.StartAfter
	}
	if o.Cron == "" {
		o.Cron = d.Cron
	}
	return o
}

func (o JobOptions) sendOptions(id string) async.SendOptions {
	return async.SendOptions{
		ID:           id,
		Priority:     o.Priority.Rank(),
		StartAfter:   o.StartAfter,
		RetryLimit:   o.RetryLimit,
		RetryDelay:   o.RetryDelay,
		RetryBackoff: o.RetryBackoff,
		ExpireIn:     o.ExpireIn,
		SingletonKey: o.SingletonKey,
	}
}

func (o JobOptions) retryOptions() async.RetryOptions {
	return async.RetryOptions{
		RetryLimit:   o.RetryLimit,
		RetryDelay:   o.RetryDelay,
		RetryBackoff: o.RetryBackoff,
		ExpireIn:     o.ExpireIn,
	}
}

// HandlerFunc runs one job. params already passed the definition's schema.
type HandlerFunc func(ctx context.Context, jc *JobContext, params json.RawMessage) error

// Typed adapts a handler that takes decoded params.
func Typed[T any](fn func(ctx context.Context, jc *JobContext, params T) error) HandlerFunc {
	return func(ctx context.Context, jc *JobContext, raw json.RawMessage) error {
		params, err := schema.Decode[T](raw)
		if err != nil {
			return errors.Wrapf(err, "failed to decode params of %s", jc.Name())
		}
		return fn(ctx, jc, params)
	}
}

// JobDefinition describes a job type. It is copied on registration.
type JobDefinition struct {
	Name        string
	Title       string
	Description string
	Category    string

	Params  schema.Schema // nil accepts any object
	Stats   schema.Schema // nil accepts any stats
	Handler HandlerFunc

	// TriggerEvents queue this job when emitted on the engine's bus.
	TriggerEvents []string
	// TriggerEventParams converts an event payload to params; false drops the event.
	TriggerEventParams func(eventName string, payload json.RawMessage) (json.RawMessage, bool)
	// ShouldTrigger filters events after conversion; false drops the event.
	ShouldTrigger func(eventName string, params json.RawMessage) bool

	DefaultOptions JobOptions
	LoopPrevention *loop.Limits // nil uses the analyzer defaults

	Hidden bool // omit from user-facing listings
	Manual bool // intended to be queued by hand
}

func (d JobDefinition) clone() *JobDefinition {
	c := d
	c.TriggerEvents = append([]string(nil), d.TriggerEvents...)
	if d.LoopPrevention != nil {
		limits := *d.LoopPrevention
		c.LoopPrevention = &limits
	}
	return &c
}

// JobInfo is the listing of a registered definition.
type JobInfo struct {
	Name           string             `json:"name"`
	Title          string             `json:"title,omitempty"`
	Description    string             `json:"description,omitempty"`
	Category       string             `json:"category,omitempty"`
	TriggerEvents  []string           `json:"trigger_events,omitempty"`
	Params         *jsonschema.Schema `json:"params,omitempty"`
	Stats          *jsonschema.Schema `json:"stats,omitempty"`
	DefaultOptions JobOptions         `json:"default_options"`
	LoopPrevention *loop.Limits       `json:"loop_prevention,omitempty"`
	Hidden         bool               `json:"hidden,omitempty"`
	Manual         bool               `json:"manual,omitempty"`
}

func (d *JobDefinition) info() JobInfo {
	info := JobInfo{
		Name:           d.Name,
		Title:          d.Title,
		Description:    d.Description,
		Category:       d.Category,
		TriggerEvents:  append([]string(nil), d.TriggerEvents...),
		DefaultOptions: d.DefaultOptions,
		LoopPrevention: d.LoopPrevention,
		Hidden:         d.Hidden,
		Manual:         d.Manual,
	}
	if d.Params != nil {
		info.Params = d.Params.Describe()
	}
	if d.Stats != nil {
		info.Stats = d.Stats.Describe()
	}
	return info
}

// QueueRequest asks the engine to run a job.
type QueueRequest struct {
	Name            string          `json:"name"`
	Params          json.RawMessage `json:"params,omitempty"`
	Options         JobOptions      `json:"options"`
	SourceJobID     string          `json:"source_job_id,omitempty"`
	SourceEventName string          `json:"source_event_name,omitempty"`
	LoopPrevented   bool            `json:"loop_prevented,omitempty"`
	LoopReason      string          `json:"loop_reason,omitempty"`
}

// QueueResponse identifies what QueueJob created. Scheduled responses carry
// the schedule instead of an execution id.
type QueueResponse struct {
	JobID      string `json:"job_id,omitempty"`
	Name       string `json:"name"`
	Scheduled  bool   `json:"scheduled,omitempty"`
	Cron       string `json:"cron,omitempty"`
	ScheduleID string `json:"schedule_id,omitempty"`
}
