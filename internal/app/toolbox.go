package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/valetd/valet"
)

// ToolboxService runs the tool side of the execution pipeline behind the
// "toolbox" service id: it starts the registry's tool sets, attaches the
// tool-execution worker to the queue, and exposes the registry over RPC.
type ToolboxService struct {
	rt     *valet.Runtime
	opts   options
	core   *valet.ServiceCore
	worker *valet.ToolWorker
}

var _ valet.Service = (*ToolboxService)(nil)

// NewToolboxService creates the toolbox service.
func NewToolboxService(rt *valet.Runtime, opts ...Option) *ToolboxService {
	o := buildOptions(opts)
	return &ToolboxService{
		rt:   rt,
		opts: o,
		core: valet.NewServiceCore("toolbox", o.logger),
	}
}

func (s *ToolboxService) ID() string               { return "toolbox" }
func (s *ToolboxService) Core() *valet.ServiceCore { return s.core }

func (s *ToolboxService) Init(ctx context.Context) error {
	if s.rt.Registry == nil || s.rt.Queue == nil || s.rt.Bus == nil {
		return valet.Errorf(valet.KindValidation, "toolbox.init", "missing registry, queue, or bus")
	}

	if err := s.rt.Registry.StartAll(ctx); err != nil {
		return err
	}

	worker, err := valet.NewToolWorker(s.rt.Bus, s.rt.Queue, s.rt.Registry, valet.ToolWorkerOptions{
		Concurrency: s.opts.workerConcurrency,
		Logger:      s.opts.logger,
	})
	if err != nil {
		return err
	}
	s.worker = worker

	s.rt.Registry.StartHealthSweep(ctx, 30*time.Second)

	s.core.Handle("list_tools", s.listTools)
	s.core.Handle("get_tool", s.getTool)
	s.core.Handle("execute", s.execute)
	s.core.Handle("set_enabled", s.setEnabled)
	s.core.Handle("health", s.health)
	return nil
}

func (s *ToolboxService) Shutdown(ctx context.Context) error {
	if s.worker != nil {
		s.worker.Close()
	}
	s.rt.Registry.StopHealthSweep()
	s.rt.Registry.StopAll(ctx)
	return nil
}

func (s *ToolboxService) listTools(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.rt.Registry.ListTools(ctx), nil
}

type toolNameArgs struct {
	Name string `json:"name"`
}

func (s *ToolboxService) getTool(ctx context.Context, args json.RawMessage) (any, error) {
	var a toolNameArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "toolbox.get_tool", "decode args", err)
	}
	return s.rt.Registry.GetTool(ctx, a.Name)
}

type executeArgs struct {
	Name string            `json:"name"`
	Args json.RawMessage   `json:"args,omitempty"`
	Ctx  valet.ToolContext `json:"ctx"`
}

// execute runs a tool through the full dispatch pipeline, so RPC callers
// get the same queueing and correlation semantics as the planner.
func (s *ToolboxService) execute(ctx context.Context, args json.RawMessage) (any, error) {
	var a executeArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "toolbox.execute", "decode args", err)
	}
	if a.Name == "" {
		return nil, valet.Errorf(valet.KindValidation, "toolbox.execute", "missing tool name")
	}
	if s.rt.Dispatcher == nil {
		return nil, valet.Errorf(valet.KindInternal, "toolbox.execute", "dispatcher not configured")
	}
	result, err := s.rt.Dispatcher.Execute(ctx, a.Name, a.Args, a.Ctx)
	if err != nil {
		return nil, err
	}
	return result, nil
}

type setEnabledArgs struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

func (s *ToolboxService) setEnabled(ctx context.Context, args json.RawMessage) (any, error) {
	var a setEnabledArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, valet.WrapErr(valet.KindValidation, "toolbox.set_enabled", "decode args", err)
	}
	return nil, s.rt.Registry.SetToolEnabled(ctx, a.Name, a.Enabled)
}

type healthArgs struct {
	SetID string `json:"set_id"`
}

func (s *ToolboxService) health(ctx context.Context, args json.RawMessage) (any, error) {
	var a healthArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, valet.WrapErr(valet.KindValidation, "toolbox.health", "decode args", err)
		}
	}
	if a.SetID != "" {
		return s.rt.Registry.SetHealth(ctx, a.SetID)
	}
	out := map[string]valet.Health{}
	for _, set := range s.rt.Registry.Sets() {
		h, err := s.rt.Registry.SetHealth(ctx, set.ID())
		if err != nil {
			continue
		}
		out[set.ID()] = h
	}
	return out, nil
}
