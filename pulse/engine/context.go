package engine

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/pulse/record"
	"github.com/teranos/tenantpulse/pulse/schema"
)

// CompletionInfo summarises a finished job for listings.
type CompletionInfo struct {
	Summary string         `json:"summary" validate:"required"`
	Details string         `json:"details,omitempty"`
	Counts  map[string]int `json:"counts,omitempty"`
	Links   []Link         `json:"links,omitempty" validate:"dive"`
}

// Link points at something a job produced.
type Link struct {
	Label string `json:"label" validate:"required"`
	URL   string `json:"url" validate:"required,url"`
}

var completionSchema = schema.For[CompletionInfo]()

// JobContext is handed to a running handler.
type JobContext struct {
	engine *Engine
	def    *JobDefinition
	id     string
	logger *zap.SugaredLogger

	mu         sync.Mutex
	completion json.RawMessage
}

// JobID returns the execution id.
func (jc *JobContext) JobID() string { return jc.id }

// Name returns the job name.
func (jc *JobContext) Name() string { return jc.def.Name }

// Logger returns a logger tagged with the job.
func (jc *JobContext) Logger() *zap.SugaredLogger { return jc.logger }

// LogMessage appends a plain message to the execution log. level defaults to info.
func (jc *JobContext) LogMessage(ctx context.Context, text, level string) error {
	return jc.engine.store.AppendLog(ctx, jc.id, record.LogEntry{
		Level:   levelOrInfo(level),
		Message: text,
	})
}

// LogStructured appends a keyed entry with context data. level defaults to info.
func (jc *JobContext) LogStructured(ctx context.Context, key string, data map[string]interface{}, level string) error {
	return jc.engine.store.AppendLog(ctx, jc.id, record.LogEntry{
		Level:   levelOrInfo(level),
		Key:     key,
		Context: data,
	})
}

func levelOrInfo(level string) string {
	if level == "" {
		return record.LevelInfo
	}
	return level
}

// EmitEvent publishes name on the engine's bus with this execution as source.
func (jc *JobContext) EmitEvent(ctx context.Context, name string, data interface{}) error {
	payload, err := marshalPayload(data)
	if err != nil {
		return errors.Wrapf(err, "failed to encode event %s", name)
	}
	jc.engine.bus.Emit(ctx, Event{Name: name, Payload: payload, SourceJobID: jc.id})
	return nil
}

// UpdateStats validates stats against the definition's stats schema, stores
// them and emits "<name>.stats-updated".
func (jc *JobContext) UpdateStats(ctx context.Context, stats interface{}) error {
	raw, err := marshalPayload(stats)
	if err != nil {
		return errors.Wrap(err, "failed to encode stats")
	}
	if jc.def.Stats != nil {
		if err := jc.def.Stats.Validate(raw); err != nil {
			return newValidationError(jc.def.Name, "stats", err)
		}
	}
	if err := jc.engine.store.UpdateStats(ctx, jc.id, raw); err != nil {
		return err
	}
	jc.engine.emitLifecycle(ctx, jc.def.Name, PhaseStatsUpdated, jc.id, map[string]interface{}{
		"stats": raw,
	})
	return nil
}

// SetCompletionInfo validates and stores info; it is carried by the
// completed event.
func (jc *JobContext) SetCompletionInfo(ctx context.Context, info CompletionInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return errors.Wrap(err, "failed to encode completion info")
	}
	if err := completionSchema.Validate(raw); err != nil {
		return newValidationError(jc.def.Name, "completion info", err)
	}
	if err := jc.engine.store.UpdateCompletionInfo(ctx, jc.id, raw); err != nil {
		return err
	}
	jc.mu.Lock()
	jc.completion = raw
	jc.mu.Unlock()
	return nil
}

func (jc *JobContext) completionInfo() json.RawMessage {
	jc.mu.Lock()
	defer jc.mu.Unlock()
	return jc.completion
}

func marshalPayload(data interface{}) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}
