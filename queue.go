package valet

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// JobHandler processes one job. A non-nil error marks the attempt failed;
// the job is retried with backoff until attempts reach MaxAttempts.
//
// Handlers are assumed non-idempotent but are delivered at-least-once:
// a job found in running state after a restart is reclaimed to queued
// with attempts+1 once the grace period passes, so a handler that was
// interrupted mid-run will be invoked again.
type JobHandler func(ctx context.Context, job Job) error

// EnqueueOptions tune one Enqueue call. Zero values fall back to the
// queue's registered defaults.
type EnqueueOptions struct {
	Priority    int // -1, 0, or 1
	Delay       time.Duration
	MaxAttempts int
}

// WorkerOptions configure RegisterWorker.
type WorkerOptions struct {
	Concurrency int           // strict cap on in-flight jobs; default 1
	MaxAttempts int           // default 3
	BackoffBase time.Duration // first retry delay; default 1s, doubles per attempt
	Priority    int           // default priority for jobs enqueued without one
}

type queueWorker struct {
	name        string
	handler     JobHandler
	concurrency int
	maxAttempts int
	backoffBase time.Duration
	priority    int
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the structured logger. Default: no output.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// WithPollInterval sets how often idle workers re-check for ready jobs.
// Default: 250ms.
func WithPollInterval(d time.Duration) QueueOption {
	return func(q *Queue) { q.pollInterval = d }
}

// WithReclaimGrace sets how long a job may sit in running state before the
// rescuer assumes its worker died and re-queues it. Default: 1 minute.
func WithReclaimGrace(d time.Duration) QueueOption {
	return func(q *Queue) { q.reclaimGrace = d }
}

// WithJobRetention sets how long completed/failed jobs are kept before the
// eviction sweep removes them. Default: 24h.
func WithJobRetention(d time.Duration) QueueOption {
	return func(q *Queue) { q.retention = d }
}

// Queue manages named persistent work queues over a JobStore. Each queue
// has one registered handler, a strict concurrency cap, and a retry policy.
// Jobs run highest priority first, FIFO within a priority, and survive
// process restarts.
//
// Usage:
//
//	q := valet.NewQueue(store, bus)
//	q.RegisterWorker("tool-execution", handler, valet.WorkerOptions{Concurrency: 4})
//	q.Start(ctx)
//	defer q.Stop()
type Queue struct {
	store JobStore
	bus   *Bus

	logger       *slog.Logger
	pollInterval time.Duration
	reclaimGrace time.Duration
	retention    time.Duration

	mu      sync.Mutex
	workers map[string]*queueWorker
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewQueue creates a Queue over store. Terminal job transitions are
// published on bus as job_updated events; bus may be nil.
func NewQueue(store JobStore, bus *Bus, opts ...QueueOption) *Queue {
	q := &Queue{
		store:        store,
		bus:          bus,
		pollInterval: 250 * time.Millisecond,
		reclaimGrace: time.Minute,
		retention:    24 * time.Hour,
		workers:      make(map[string]*queueWorker),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = nopLogger
	}
	return q
}

// RegisterWorker binds handler to queueName. May be called once per queue,
// and only before Start.
func (q *Queue) RegisterWorker(queueName string, handler JobHandler, opts WorkerOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return Errorf(KindValidation, "queue.register", "queue already started")
	}
	if _, ok := q.workers[queueName]; ok {
		return Errorf(KindConflict, "queue.register", "queue %q already has a worker", queueName)
	}
	w := &queueWorker{
		name:        queueName,
		handler:     handler,
		concurrency: opts.Concurrency,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		priority:    opts.Priority,
	}
	if w.concurrency <= 0 {
		w.concurrency = 1
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 3
	}
	if w.backoffBase <= 0 {
		w.backoffBase = time.Second
	}
	q.workers[queueName] = w
	return nil
}

// Enqueue persists a job on queueName and returns its id. The job becomes
// ready after opts.Delay (immediately by default) and is picked up by the
// queue's worker pool.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload json.RawMessage, tctx ToolContext, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	w, ok := q.workers[queueName]
	q.mu.Unlock()
	if !ok {
		return "", Errorf(KindValidation, "queue.enqueue", "unknown queue %q", queueName)
	}
	if opts.Priority < -1 || opts.Priority > 1 {
		return "", Errorf(KindValidation, "queue.enqueue", "priority must be -1, 0, or 1")
	}

	now := NowUnixMilli()
	job := Job{
		ID:          NewID(PrefixJob),
		Queue:       queueName,
		Payload:     payload,
		Ctx:         tctx,
		Attempts:    0,
		MaxAttempts: opts.MaxAttempts,
		Priority:    opts.Priority,
		State:       JobQueued,
		RunAt:       now + opts.Delay.Milliseconds(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = w.maxAttempts
	}
	if opts.Priority == 0 {
		job.Priority = w.priority
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		return "", WrapErr(KindTransient, "queue.enqueue", "insert job", err)
	}
	return job.ID, nil
}

// GetJob returns a job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (Job, error) {
	return q.store.GetJob(ctx, id)
}

// ListJobs returns up to limit jobs on queueName, newest first.
// An empty queueName lists across all queues.
func (q *Queue) ListJobs(ctx context.Context, queueName string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.store.ListJobs(ctx, queueName, limit)
}

// Start reclaims jobs left in running state by a previous process, then
// launches the worker pools, the rescuer, and the eviction sweep.
// Returns immediately; Stop shuts everything down.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return Errorf(KindValidation, "queue.start", "already started")
	}
	q.started = true
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	workers := make([]*queueWorker, 0, len(q.workers))
	for _, w := range q.workers {
		workers = append(workers, w)
	}
	q.mu.Unlock()

	// Reclaim immediately on startup: anything still marked running was
	// orphaned by the previous process.
	for _, w := range workers {
		reclaimed, err := q.store.ReclaimRunning(runCtx, w.name, NowUnixMilli())
		if err != nil {
			cancel()
			return WrapErr(KindTransient, "queue.start", "reclaim running jobs", err)
		}
		for _, job := range reclaimed {
			q.logger.Warn("reclaimed orphaned job",
				"queue", w.name, "job_id", job.ID, "attempts", job.Attempts)
		}
	}

	for _, w := range workers {
		for i := 0; i < w.concurrency; i++ {
			q.wg.Add(1)
			go q.runWorker(runCtx, w)
		}
	}
	q.wg.Add(2)
	go q.runRescuer(runCtx, workers)
	go q.runEviction(runCtx)
	return nil
}

// Stop cancels all workers and waits for in-flight handlers to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// runWorker is one slot of a queue's worker pool: claim, run, repeat.
func (q *Queue) runWorker(ctx context.Context, w *queueWorker) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := q.store.ClaimNext(ctx, w.name, NowUnixMilli())
		if err != nil {
			if !IsNotFound(err) && ctx.Err() == nil {
				q.logger.Warn("claim failed", "queue", w.name, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}
		q.runJob(ctx, w, job)
	}
}

// runJob executes one claimed job and applies the retry policy.
func (q *Queue) runJob(ctx context.Context, w *queueWorker, job Job) {
	job.Attempts++
	err := q.invokeHandler(ctx, w, job)

	job.UpdatedAt = NowUnixMilli()
	switch {
	case err == nil:
		job.State = JobCompleted
		job.Error = ""
	case job.Attempts < job.MaxAttempts && IsRetryable(err):
		// Back to queued after exponential backoff with jitter.
		job.State = JobQueued
		job.Error = err.Error()
		job.RunAt = NowUnixMilli() + retryBackoff(w.backoffBase, job.Attempts-1).Milliseconds()
	default:
		job.State = JobFailed
		job.Error = err.Error()
	}

	if uerr := q.store.UpdateJob(ctx, job); uerr != nil {
		q.logger.Error("persist job state", "job_id", job.ID, "state", job.State, "error", uerr)
	}
	if job.State == JobCompleted || job.State == JobFailed {
		q.publishJobUpdated(ctx, job)
	}
}

// invokeHandler runs the handler with panic containment so one bad job
// cannot take down its worker slot.
func (q *Queue) invokeHandler(ctx context.Context, w *queueWorker, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Errorf(KindInternal, "queue.run", "handler panic: %v", r)
			q.logger.Error("job handler panicked", "queue", w.name, "job_id", job.ID, "panic", r)
		}
	}()
	return w.handler(ctx, job)
}

func (q *Queue) publishJobUpdated(ctx context.Context, job Job) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(ctx, NewEvent(EventJobUpdated, job))
}

// runRescuer periodically re-queues jobs stuck in running past the grace
// period (worker crashed or was cancelled before persisting an outcome).
func (q *Queue) runRescuer(ctx context.Context, workers []*queueWorker) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.reclaimGrace):
		}
		cutoff := NowUnixMilli() - q.reclaimGrace.Milliseconds()
		for _, w := range workers {
			reclaimed, err := q.store.ReclaimRunning(ctx, w.name, cutoff)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Warn("rescuer reclaim failed", "queue", w.name, "error", err)
				}
				continue
			}
			for _, job := range reclaimed {
				q.logger.Warn("rescued stuck job", "queue", w.name, "job_id", job.ID)
			}
		}
	}
}

// runEviction removes terminal jobs older than the retention window.
func (q *Queue) runEviction(ctx context.Context) {
	defer q.wg.Done()
	interval := q.retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		n, err := q.store.EvictTerminal(ctx, NowUnixMilli()-q.retention.Milliseconds())
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Warn("job eviction failed", "error", err)
			}
			continue
		}
		if n > 0 {
			q.logger.Info("evicted terminal jobs", "count", n)
		}
	}
}
