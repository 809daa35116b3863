package valet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// EventKind names one of the closed set of event kinds carried by the Bus.
type EventKind string

const (
	EventMessageCreated   EventKind = "message_created"
	EventJobUpdated       EventKind = "job_updated"
	EventMemoryUpdated    EventKind = "memory_updated"
	EventSourceMessage    EventKind = "source_message"
	EventTaskUpdated      EventKind = "scheduler_task_updated"
	EventGUIAction        EventKind = "gui_action"
	EventGUIResponse      EventKind = "gui_response"
	EventAvatarPoke       EventKind = "avatar_poke"
	EventToolExecute      EventKind = "tool_execute"
	EventToolExecuted     EventKind = "tool_executed"
	EventLogInfo          EventKind = "log_info"
	EventLogWarn          EventKind = "log_warn"
	EventLogError         EventKind = "log_error"
)

// IsLogKind reports whether kind belongs to the log event family.
func IsLogKind(kind EventKind) bool {
	return strings.HasPrefix(string(kind), "log_")
}

// Event is one bus notification. Payload is the kind-specific body,
// already serialized; decode it with UnmarshalPayload.
type Event struct {
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// NewEvent builds an Event, serializing payload. Panics only on values
// that cannot be marshalled, which is a programming error.
func NewEvent(kind EventKind, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("valet: unmarshalable event payload for %s: %v", kind, err))
	}
	return Event{Kind: kind, Payload: data, CreatedAt: NowUnixMilli()}
}

// UnmarshalPayload decodes the event payload into v.
func (e Event) UnmarshalPayload(v any) error {
	if len(e.Payload) == 0 {
		return Errorf(KindValidation, "bus.payload", "event %s has no payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return WrapErr(KindValidation, "bus.payload", "decode event payload", err)
	}
	return nil
}

// EventHandler processes one event. A non-nil error is logged and counted
// by the bus; it is never surfaced to the publisher.
type EventHandler func(ctx context.Context, ev Event) error

// Subscription identifies one registered handler; pass it to Unsubscribe.
type Subscription struct {
	kind EventKind
	id   uint64
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBusLogger sets the structured logger for handler failures.
// If not set, a no-op logger is used.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// Bus is the in-process publish/subscribe fabric: multi-producer,
// multi-consumer fan-out over the closed EventKind set.
//
// Publish awaits each handler sequentially but fault-isolated: a handler
// panic or error never prevents the remaining handlers from running and
// never propagates to the publisher. Delivery is FIFO per kind per
// publisher; across kinds there is no ordering guarantee. Events are not
// durable — work that must survive a restart goes through the Queue.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventKind][]busEntry
	nextID uint64

	// dispatchMu serializes delivery per kind (FIFO per publisher).
	dispatchMu map[EventKind]*sync.Mutex
	dmuGuard   sync.Mutex

	// logDepth > 0 while a log-kind event is being dispatched. Publishing
	// a log-kind event from inside a log handler is dropped (cycle break).
	// Handlers run in the publisher's goroutine, so the counter covers the
	// synchronous re-publish case the cycle rule is about.
	logDepth atomic.Int32

	delivered       atomic.Uint64
	handlerFailures atomic.Uint64
	droppedLog      atomic.Uint64

	logger *slog.Logger
}

type busEntry struct {
	id      uint64
	handler EventHandler
}

// NewBus creates an empty Bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:       make(map[EventKind][]busEntry),
		dispatchMu: make(map[EventKind]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = nopLogger
	}
	return b
}

// Subscribe registers handler for kind and returns the Subscription used
// to remove it. Handlers for the same kind run in registration order.
func (b *Bus) Subscribe(kind EventKind, handler EventHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[kind] = append(b.subs[kind], busEntry{id: b.nextID, handler: handler})
	return Subscription{kind: kind, id: b.nextID}
}

// Unsubscribe removes a previously registered handler. In-flight
// invocations complete; the handler is not called for later events.
// Unknown subscriptions are ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.subs[sub.kind]
	for i, e := range entries {
		if e.id == sub.id {
			b.subs[sub.kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Publish delivers ev to every handler subscribed to its kind, in
// registration order, awaiting each sequentially. Handler errors and
// panics are logged and counted, never returned. Log-kind events produced
// while a log-kind event is in flight are dropped to break cycles.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	isLog := IsLogKind(ev.Kind)
	if isLog && b.logDepth.Load() > 0 {
		b.droppedLog.Add(1)
		return
	}

	b.mu.RLock()
	entries := make([]busEntry, len(b.subs[ev.Kind]))
	copy(entries, b.subs[ev.Kind])
	b.mu.RUnlock()
	if len(entries) == 0 {
		return
	}

	dmu := b.kindMutex(ev.Kind)
	dmu.Lock()
	defer dmu.Unlock()

	if isLog {
		b.logDepth.Add(1)
		defer b.logDepth.Add(-1)
	}

	for _, e := range entries {
		b.invoke(ctx, e, ev)
	}
}

// invoke runs one handler with panic recovery.
func (b *Bus) invoke(ctx context.Context, e busEntry, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerFailures.Add(1)
			b.logger.Error("event handler panicked",
				"kind", ev.Kind, "panic", fmt.Sprint(r))
		}
	}()
	if err := e.handler(ctx, ev); err != nil {
		b.handlerFailures.Add(1)
		b.logger.Warn("event handler failed", "kind", ev.Kind, "error", err)
		return
	}
	b.delivered.Add(1)
}

// kindMutex returns the dispatch mutex for kind, creating it on first use.
func (b *Bus) kindMutex(kind EventKind) *sync.Mutex {
	b.dmuGuard.Lock()
	defer b.dmuGuard.Unlock()
	m, ok := b.dispatchMu[kind]
	if !ok {
		m = &sync.Mutex{}
		b.dispatchMu[kind] = m
	}
	return m
}

// Stats reports delivery counters since the bus was created.
func (b *Bus) Stats() BusStats {
	return BusStats{
		Delivered:       b.delivered.Load(),
		HandlerFailures: b.handlerFailures.Load(),
		DroppedLog:      b.droppedLog.Load(),
	}
}

// BusStats are cumulative Bus delivery counters.
type BusStats struct {
	Delivered       uint64
	HandlerFailures uint64
	DroppedLog      uint64
}

// nopLogger discards all records. Used wherever an optional *slog.Logger
// was not supplied.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
