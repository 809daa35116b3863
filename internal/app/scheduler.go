package app

import (
	"context"
	"encoding/json"

	"github.com/valetd/valet"
)

// SchedulerService owns the cron tick loop behind the "scheduler"
// service id and exposes task CRUD over RPC.
type SchedulerService struct {
	rt     *valet.Runtime
	opts   options
	core   *valet.ServiceCore
	cancel context.CancelFunc
	done   chan struct{}
}

var _ valet.Service = (*SchedulerService)(nil)

// NewSchedulerService creates the scheduler service.
func NewSchedulerService(rt *valet.Runtime, opts ...Option) *SchedulerService {
	o := buildOptions(opts)
	return &SchedulerService{
		rt:   rt,
		opts: o,
		core: valet.NewServiceCore("scheduler", o.logger),
	}
}

func (s *SchedulerService) ID() string               { return "scheduler" }
func (s *SchedulerService) Core() *valet.ServiceCore { return s.core }

func (s *SchedulerService) Init(ctx context.Context) error {
	if s.rt.Scheduler == nil {
		return valet.Errorf(valet.KindValidation, "scheduler.init", "missing scheduler")
	}

	// The tick loop outlives Init's context; Shutdown stops it.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		_ = s.rt.Scheduler.Start(loopCtx)
	}()

	s.core.Handle("create_task", s.createTask)
	s.core.Handle("get_task", s.getTask)
	s.core.Handle("list_tasks", s.listTasks)
	s.core.Handle("update_task", s.updateTask)
	s.core.Handle("delete_task", s.deleteTask)
	s.core.Handle("set_enabled", s.setEnabled)
	return nil
}

func (s *SchedulerService) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
			return valet.WrapErr(valet.KindTimeout, "scheduler.shutdown", "tick loop stop", ctx.Err())
		}
	}
	return nil
}

func (s *SchedulerService) createTask(ctx context.Context, args json.RawMessage) (any, error) {
	var in valet.TaskInput
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "scheduler.create_task", "decode args", err)
	}
	return s.rt.Scheduler.CreateTask(ctx, in)
}

type taskIDArgs struct {
	ID string `json:"id"`
}

func (s *SchedulerService) getTask(ctx context.Context, args json.RawMessage) (any, error) {
	var a taskIDArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "scheduler.get_task", "decode args", err)
	}
	return s.rt.Scheduler.GetTask(ctx, a.ID)
}

type listTasksArgs struct {
	UserID string `json:"user_id,omitempty"`
}

func (s *SchedulerService) listTasks(ctx context.Context, args json.RawMessage) (any, error) {
	var a listTasksArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, valet.WrapErr(valet.KindValidation, "scheduler.list_tasks", "decode args", err)
		}
	}
	return s.rt.Scheduler.ListTasks(ctx, a.UserID)
}

type updateTaskArgs struct {
	ID string `json:"id"`
	valet.TaskInput
}

func (s *SchedulerService) updateTask(ctx context.Context, args json.RawMessage) (any, error) {
	var a updateTaskArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "scheduler.update_task", "decode args", err)
	}
	return s.rt.Scheduler.UpdateTask(ctx, a.ID, a.TaskInput)
}

func (s *SchedulerService) deleteTask(ctx context.Context, args json.RawMessage) (any, error) {
	var a taskIDArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "scheduler.delete_task", "decode args", err)
	}
	return nil, s.rt.Scheduler.DeleteTask(ctx, a.ID)
}

type setTaskEnabledArgs struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

func (s *SchedulerService) setEnabled(ctx context.Context, args json.RawMessage) (any, error) {
	var a setTaskEnabledArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "scheduler.set_enabled", "decode args", err)
	}
	return nil, s.rt.Scheduler.SetEnabled(ctx, a.ID, a.Enabled)
}
