package valet

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// ToolExecuteRequest is the payload of a tool_execute event.
type ToolExecuteRequest struct {
	ExecutionID string          `json:"execution_id"`
	ToolName    string          `json:"tool_name"`
	Args        json.RawMessage `json:"args,omitempty"`
	Ctx         ToolContext     `json:"ctx"`
	// Retry requests the queue's retry policy for this execution; a false
	// value caps the job at a single attempt.
	Retry bool `json:"retry"`
}

// ToolExecutedEvent is the payload of a tool_executed event. Exactly one
// terminal event is published per execution id; intermediate retry
// attempts are not visible outside the worker.
type ToolExecutedEvent struct {
	ExecutionID string      `json:"execution_id"`
	ToolName    string      `json:"tool_name"`
	Result      ToolResult  `json:"result"`
	Ctx         ToolContext `json:"ctx"`
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchTimeout sets how long Execute waits for the terminal
// tool_executed event. Default: 30s.
func WithDispatchTimeout(d time.Duration) DispatcherOption {
	return func(p *Dispatcher) { p.timeout = d }
}

// WithDispatcherLogger sets the structured logger. Default: no output.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(p *Dispatcher) { p.logger = l }
}

// Dispatcher issues correlated tool calls over the bus. Execute publishes
// a tool_execute event keyed by a fresh execution id and blocks until the
// matching tool_executed event arrives or the timeout passes.
//
// The timeout is purely caller-side: the worker is not cancelled, and a
// late tool_executed for an id no longer pending is logged and dropped.
type Dispatcher struct {
	bus     *Bus
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]chan ToolResult

	sub Subscription
}

// NewDispatcher creates a Dispatcher and subscribes it to tool_executed.
// Call Close to detach it from the bus.
func NewDispatcher(bus *Bus, opts ...DispatcherOption) *Dispatcher {
	p := &Dispatcher{
		bus:     bus,
		timeout: 30 * time.Second,
		pending: make(map[string]chan ToolResult),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	p.sub = bus.Subscribe(EventToolExecuted, p.handleExecuted)
	return p
}

// Close detaches the dispatcher from the bus. Pending executions keep
// their registered channels and simply time out.
func (p *Dispatcher) Close() {
	p.bus.Unsubscribe(p.sub)
}

// Execute runs one correlated tool call and returns its terminal result.
// On timeout it returns a tool-failure result alongside a Timeout error;
// concurrent executions with distinct ids never cross-talk.
func (p *Dispatcher) Execute(ctx context.Context, toolName string, args json.RawMessage, tctx ToolContext) (ToolResult, error) {
	executionID := NewID(PrefixExecution)
	ch := make(chan ToolResult, 1)

	p.mu.Lock()
	p.pending[executionID] = ch
	p.mu.Unlock()
	defer p.forget(executionID)

	p.bus.Publish(ctx, NewEvent(EventToolExecute, ToolExecuteRequest{
		ExecutionID: executionID,
		ToolName:    toolName,
		Args:        args,
		Ctx:         tctx,
		Retry:       true,
	}))

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		return ToolResult{OK: false, Error: "tool execution timed out"},
			Errorf(KindTimeout, "dispatch.execute", "tool %q timed out after %s", toolName, p.timeout)
	case <-ctx.Done():
		return ToolResult{OK: false, Error: "cancelled"},
			WrapErr(KindTimeout, "dispatch.execute", "context cancelled", ctx.Err())
	}
}

// handleExecuted resolves the pending execution matching the event's id.
// Resolution is first-wins: the channel is removed before delivery, so a
// duplicate terminal event is dropped like an unknown one.
func (p *Dispatcher) handleExecuted(_ context.Context, ev Event) error {
	var done ToolExecutedEvent
	if err := ev.UnmarshalPayload(&done); err != nil {
		return err
	}

	p.mu.Lock()
	ch, ok := p.pending[done.ExecutionID]
	if ok {
		delete(p.pending, done.ExecutionID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Info("dropping tool_executed for unknown execution",
			"execution_id", done.ExecutionID, "tool", done.ToolName)
		return nil
	}
	ch <- done.Result
	return nil
}

// forget removes a pending entry, if still present.
func (p *Dispatcher) forget(executionID string) {
	p.mu.Lock()
	delete(p.pending, executionID)
	p.mu.Unlock()
}

// PendingCount reports the number of in-flight executions.
func (p *Dispatcher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
