package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/logger"
)

// subscribeTrigger binds def to event on the bus, once per (event, job).
func (e *Engine) subscribeTrigger(event string, def *JobDefinition) {
	if !e.bus.Subscribe(event, def.Name, func(ctx context.Context, ev Event) {
		e.onTrigger(ctx, def, ev)
	}) {
		e.logger.Debugw("Trigger already bound", logger.FieldEvent, event, logger.FieldJobName, def.Name)
	}
}

// onTrigger queues def for ev. When building the request fails the job is
// queued from the raw payload without loop metadata.
func (e *Engine) onTrigger(ctx context.Context, def *JobDefinition, ev Event) {
	log := logger.AddChainSymbol(e.logger).With(logger.FieldEvent, ev.Name, logger.FieldJobName, def.Name)

	req, ok, err := e.triggerRequest(ctx, def, ev)
	if err != nil {
		log.Errorw("Trigger analysis failed, queueing from raw payload", logger.FieldError, err)
		req = QueueRequest{Name: def.Name, Params: ev.Payload, Options: def.DefaultOptions}
		ok = true
	}
	if !ok {
		log.Debugw("Trigger dropped event")
		return
	}

	resp, err := e.QueueJob(ctx, req)
	if err != nil {
		if errors.Is(err, ErrNotQueued) {
			log.Debugw("Triggered job deduplicated")
			return
		}
		log.Errorw("Failed to queue triggered job", logger.FieldError, err)
		return
	}
	log.Debugw("Triggered job queued",
		logger.FieldJobID, resp.JobID,
		logger.FieldSourceJob, ev.SourceJobID,
		"loop_prevented", req.LoopPrevented)
}

// triggerRequest runs loop analysis, conversion and the predicate. ok is
// false when the converter or predicate drops the event.
func (e *Engine) triggerRequest(ctx context.Context, def *JobDefinition, ev Event) (req QueueRequest, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("trigger panic: %s", fmt.Sprint(r))
		}
	}()

	result, err := e.analyzer.Check(ctx, ev.SourceJobID, def.Name, def.LoopPrevention)
	if err != nil {
		return QueueRequest{}, false, errors.Wrap(err, "loop analysis")
	}

	params := ev.Payload
	if def.TriggerEventParams != nil {
		converted, keep := def.TriggerEventParams(ev.Name, ev.Payload)
		if !keep {
			return QueueRequest{}, false, nil
		}
		params = converted
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if def.ShouldTrigger != nil && !def.ShouldTrigger(ev.Name, params) {
		return QueueRequest{}, false, nil
	}

	req = QueueRequest{
		Name:            def.Name,
		Params:          params,
		Options:         def.DefaultOptions,
		SourceJobID:     ev.SourceJobID,
		SourceEventName: ev.Name,
	}
	if result.Prevented {
		req.LoopPrevented = true
		req.LoopReason = result.Reason
	}
	return req, true, nil
}
