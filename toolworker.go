package valet

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// ToolExecutionQueue is the queue name tool_execute events are routed to.
const ToolExecutionQueue = "tool-execution"

// ToolWorkerOptions tune the toolbox side of the execution pipeline.
type ToolWorkerOptions struct {
	Concurrency int           // worker pool size; default 4
	MaxAttempts int           // retry cap for retryable executions; default 3
	BackoffBase time.Duration // first retry delay; default 1s
	Logger      *slog.Logger
}

// ToolWorker is the toolbox side of the tool execution pipeline: it
// consumes tool_execute events into the tool-execution queue and runs the
// queue's jobs against the registry, publishing exactly one terminal
// tool_executed event per execution id.
type ToolWorker struct {
	bus      *Bus
	queue    *Queue
	registry *Registry
	logger   *slog.Logger

	maxAttempts int
	sub         Subscription
}

// NewToolWorker wires the worker: registers the tool-execution queue
// handler and subscribes to tool_execute. Call Close to detach from the
// bus; the queue owns the worker pool lifecycle.
func NewToolWorker(bus *Bus, queue *Queue, registry *Registry, opts ToolWorkerOptions) (*ToolWorker, error) {
	w := &ToolWorker{
		bus:         bus,
		queue:       queue,
		registry:    registry,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
	}
	if w.logger == nil {
		w.logger = nopLogger
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 3
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	err := queue.RegisterWorker(ToolExecutionQueue, w.runJob, WorkerOptions{
		Concurrency: concurrency,
		MaxAttempts: w.maxAttempts,
		BackoffBase: opts.BackoffBase,
	})
	if err != nil {
		return nil, err
	}
	w.sub = bus.Subscribe(EventToolExecute, w.handleExecute)
	return w, nil
}

// Close detaches the worker from the bus.
func (w *ToolWorker) Close() {
	w.bus.Unsubscribe(w.sub)
}

// handleExecute enqueues one tool-execution job for a tool_execute event.
func (w *ToolWorker) handleExecute(ctx context.Context, ev Event) error {
	var req ToolExecuteRequest
	if err := ev.UnmarshalPayload(&req); err != nil {
		return err
	}
	opts := EnqueueOptions{}
	if !req.Retry {
		opts.MaxAttempts = 1
	}
	if _, err := w.queue.Enqueue(ctx, ToolExecutionQueue, ev.Payload, req.Ctx, opts); err != nil {
		return WrapErr(KindTransient, "toolworker.enqueue", "enqueue tool execution", err)
	}
	return nil
}

// runJob executes one attempt of a tool-execution job. A failed attempt
// returns an error so the queue retries it; the tool_executed event is
// published only for the terminal attempt, carrying the final outcome.
func (w *ToolWorker) runJob(ctx context.Context, job Job) error {
	var req ToolExecuteRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		// Malformed payloads never become valid; report and stop.
		w.publishExecuted(ctx, ToolExecutedEvent{
			ExecutionID: req.ExecutionID,
			Result:      ToolResult{OK: false, Error: "malformed tool execution payload"},
		})
		return nil
	}

	result, err := w.registry.CallTool(ctx, req.ToolName, req.Args, req.Ctx)
	if err != nil && result.Error == "" {
		result = ToolResult{OK: false, Error: err.Error()}
	}
	if !result.OK && err == nil {
		err = Errorf(KindTransient, "toolworker.run", "tool %q failed: %s", req.ToolName, result.Error)
	}

	// The queue retries retryable failures until MaxAttempts; this attempt
	// is terminal exactly when the queue will not run another one. Only
	// terminal attempts publish tool_executed, so the planner sees one
	// event per execution id.
	terminal := result.OK || job.Attempts >= job.MaxAttempts || !IsRetryable(err)
	if terminal {
		w.publishExecuted(ctx, ToolExecutedEvent{
			ExecutionID: req.ExecutionID,
			ToolName:    req.ToolName,
			Result:      result,
			Ctx:         req.Ctx,
		})
	}
	return err
}

func (w *ToolWorker) publishExecuted(ctx context.Context, ev ToolExecutedEvent) {
	w.bus.Publish(ctx, NewEvent(EventToolExecuted, ev))
}
