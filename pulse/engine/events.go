package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/tenantpulse/logger"
)

// Lifecycle phases emitted as "<job name>.<phase>".
const (
	PhaseStarted      = "started"
	PhaseCompleted    = "completed"
	PhaseFailed       = "failed"
	PhaseCancelled    = "cancelled"
	PhaseStatsUpdated = "stats-updated"
)

// LifecycleEvent returns the event name for a job phase.
func LifecycleEvent(jobName, phase string) string {
	return jobName + "." + phase
}

// Event is a message on a Bus.
type Event struct {
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SourceJobID string          `json:"source_job_id,omitempty"` // execution that emitted it
	EmittedAt   time.Time       `json:"emitted_at"`
}

// Listener handles one delivery. It runs on its own goroutine.
type Listener func(ctx context.Context, ev Event)

// Bus is the in-process pub/sub of one engine. Emit never blocks on
// listeners; each delivery runs on a goroutine that Close waits for.
type Bus struct {
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	subs   map[string]map[string]Listener // event -> key -> listener
	all    map[string]Listener
	closed bool
	wg     sync.WaitGroup
}

// NewBus creates an open bus.
func NewBus(log *zap.SugaredLogger) *Bus {
	return &Bus{
		logger: logger.OrNop(log).Named("bus"),
		subs:   make(map[string]map[string]Listener),
		all:    make(map[string]Listener),
	}
}

// Subscribe binds fn to event under key. A second subscription with the same
// (event, key) is ignored and reports false.
func (b *Bus) Subscribe(event, key string, fn Listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	byKey, ok := b.subs[event]
	if !ok {
		byKey = make(map[string]Listener)
		b.subs[event] = byKey
	}
	if _, exists := byKey[key]; exists {
		return false
	}
	byKey[key] = fn
	return true
}

// SubscribeAll binds fn to every event under key.
func (b *Bus) SubscribeAll(key string, fn Listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.all[key]; exists {
		return false
	}
	b.all[key] = fn
	return true
}

// Unsubscribe removes the listener of (event, key); event "" targets SubscribeAll.
func (b *Bus) Unsubscribe(event, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event == "" {
		delete(b.all, key)
		return
	}
	delete(b.subs[event], key)
}

// listeners returns the keys subscribed to event, sorted.
func (b *Bus) listeners(event string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.subs[event]))
	for k := range b.subs[event] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Emit delivers ev to its listeners asynchronously. Listener contexts outlive
// ctx's cancellation but keep its values. Events emitted on a closed bus are
// dropped.
func (b *Bus) Emit(ctx context.Context, ev Event) {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Debugw("Event dropped on closed bus", logger.FieldEvent, ev.Name)
		return
	}

	deliverCtx := context.WithoutCancel(ctx)
	for key, fn := range b.subs[ev.Name] {
		b.deliver(deliverCtx, key, fn, ev)
	}
	for key, fn := range b.all {
		b.deliver(deliverCtx, key, fn, ev)
	}
}

// deliver must be called with b.mu held so Add never races Wait.
func (b *Bus) deliver(ctx context.Context, key string, fn Listener, ev Event) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Errorw("Listener panicked", logger.FieldEvent, ev.Name, "listener", key, "panic", r)
			}
		}()
		fn(ctx, ev)
	}()
}

// Drain waits for in-flight deliveries.
func (b *Bus) Drain() {
	b.wg.Wait()
}

// Close stops accepting events and waits for in-flight deliveries.
// Subscriptions survive, so a reopened bus delivers to the same listeners.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bus) reopen() {
	b.mu.Lock()
	b.closed = false
	b.mu.Unlock()
}
