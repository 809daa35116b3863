package valet

import (
	"context"
	"log"
	"time"
)

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets the due-task polling interval. Default: 10s.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// TaskInput is the caller-supplied part of a ScheduledTask.
type TaskInput struct {
	Type           TaskType    `json:"type"`
	Schedule       string      `json:"schedule"`
	Payload        TaskPayload `json:"payload"`
	UserID         string      `json:"user_id"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Enabled        *bool       `json:"enabled,omitempty"` // default true
}

// Scheduler owns cron-scheduled tasks: CRUD over the schedule store and a
// periodic tick that dispatches due tasks onto the bus.
//
// Dispatch is fire-and-forget and at-least-once. NextRun is advanced
// before dispatching, so a slow downstream handler cannot make the same
// firing repeat within one tick; downstream workers are expected to be
// idempotent where that matters.
type Scheduler struct {
	store    ScheduleStore
	bus      *Bus
	interval time.Duration
}

// NewScheduler creates a Scheduler over store, publishing on bus.
func NewScheduler(store ScheduleStore, bus *Bus, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		bus:      bus,
		interval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTask validates, stores, and returns a new scheduled task with its
// first NextRun computed.
func (s *Scheduler) CreateTask(ctx context.Context, in TaskInput) (ScheduledTask, error) {
	now := NowUnix()
	t := ScheduledTask{
		ID:             NewID(PrefixTask),
		Type:           in.Type,
		Schedule:       in.Schedule,
		Payload:        in.Payload,
		UserID:         in.UserID,
		ConversationID: in.ConversationID,
		Enabled:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.Enabled != nil {
		t.Enabled = *in.Enabled
	}
	if err := validateTask(t); err != nil {
		return ScheduledTask{}, err
	}

	next, err := NextRun(t.Schedule, time.Now())
	if err != nil {
		return ScheduledTask{}, err
	}
	t.NextRun = next

	if err := s.store.CreateTask(ctx, t); err != nil {
		return ScheduledTask{}, WrapErr(KindTransient, "scheduler.create", "store task", err)
	}
	s.publishTaskUpdated(ctx, t)
	return t, nil
}

// GetTask returns a task by id.
func (s *Scheduler) GetTask(ctx context.Context, id string) (ScheduledTask, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns a user's tasks. An empty userID lists all tasks.
func (s *Scheduler) ListTasks(ctx context.Context, userID string) ([]ScheduledTask, error) {
	return s.store.ListTasks(ctx, userID)
}

// UpdateTask replaces a task's type, schedule, and payload. NextRun is
// recomputed when the schedule changed.
func (s *Scheduler) UpdateTask(ctx context.Context, id string, in TaskInput) (ScheduledTask, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return ScheduledTask{}, err
	}

	scheduleChanged := in.Schedule != "" && in.Schedule != t.Schedule
	if in.Type != "" {
		t.Type = in.Type
	}
	if in.Schedule != "" {
		t.Schedule = in.Schedule
	}
	t.Payload = in.Payload
	if in.Enabled != nil {
		t.Enabled = *in.Enabled
	}
	t.UpdatedAt = NowUnix()
	if err := validateTask(t); err != nil {
		return ScheduledTask{}, err
	}

	if scheduleChanged {
		next, err := NextRun(t.Schedule, time.Now())
		if err != nil {
			return ScheduledTask{}, err
		}
		t.NextRun = next
	}

	if err := s.store.UpdateTask(ctx, t); err != nil {
		return ScheduledTask{}, WrapErr(KindTransient, "scheduler.update", "store task", err)
	}
	s.publishTaskUpdated(ctx, t)
	return t, nil
}

// DeleteTask removes a task.
func (s *Scheduler) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return err
	}
	return s.store.DeleteTask(ctx, id)
}

// SetEnabled flips a task's enabled flag.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return err
	}
	if err := s.store.SetTaskEnabled(ctx, id, enabled); err != nil {
		return WrapErr(KindTransient, "scheduler.enable", "store enabled flag", err)
	}
	return nil
}

// Start begins the polling loop. Blocks until ctx is cancelled; returns
// nil on clean shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}

// tick performs one poll cycle: fetch due tasks and fire each sequentially.
func (s *Scheduler) tick(ctx context.Context) {
	now := NowUnix()
	due, err := s.store.DueTasks(ctx, now)
	if err != nil {
		log.Printf(" [scheduler] error fetching due tasks: %v", err)
		return
	}

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, t)
	}
}

// fire dispatches a single due task:
// 1. Advance LastRun and NextRun first (prevents re-fire if dispatch is slow).
// 2. Publish the tool_execute or topic event, fire-and-forget.
func (s *Scheduler) fire(ctx context.Context, t ScheduledTask) {
	now := NowUnix()
	t.LastRun = now
	next, err := NextRun(t.Schedule, time.Unix(now, 0))
	if err != nil {
		// Schedule was valid at create time; treat as permanent and disable.
		log.Printf(" [scheduler] task %s: schedule became invalid, disabling: %v", t.ID, err)
		if derr := s.store.SetTaskEnabled(ctx, t.ID, false); derr != nil {
			log.Printf(" [scheduler] task %s: error disabling: %v", t.ID, derr)
		}
		return
	}
	t.NextRun = next
	t.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, t); err != nil {
		log.Printf(" [scheduler] task %s: error updating next_run: %v", t.ID, err)
		// Continue — better to fire than to silently skip.
	}

	switch t.Type {
	case TaskToolCall:
		s.bus.Publish(ctx, NewEvent(EventToolExecute, ToolExecuteRequest{
			ExecutionID: NewID(PrefixExecution),
			ToolName:    t.Payload.ToolName,
			Args:        t.Payload.Args,
			Ctx: ToolContext{
				UserID:         t.UserID,
				ConversationID: t.ConversationID,
				Source:         SourceDescriptor{ID: t.ID, Kind: SourceScheduler, Label: "scheduled task"},
			},
			Retry: true,
		}))
	case TaskEvent:
		s.bus.Publish(ctx, Event{
			Kind:      EventKind(t.Payload.EventTopic),
			Payload:   t.Payload.EventPayload,
			CreatedAt: NowUnixMilli(),
		})
	}
	s.publishTaskUpdated(ctx, t)
}

func (s *Scheduler) publishTaskUpdated(ctx context.Context, t ScheduledTask) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, NewEvent(EventTaskUpdated, t))
}
