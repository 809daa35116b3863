// Package schedule exposes the task scheduler as an internal tool set, so
// the planner can create, list, and cancel recurring tasks for a user.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/valetd/valet"
)

// SetID is the registry id of the scheduler tool set.
const SetID = "internal-schedule"

// Set is an internal tool set over a Scheduler.
type Set struct {
	*valet.BasicSet
	scheduler *valet.Scheduler
}

var (
	_ valet.ToolSet   = (*Set)(nil)
	_ valet.Lifecycle = (*Set)(nil)
)

// NewSet builds the scheduler tool set.
func NewSet(scheduler *valet.Scheduler) *Set {
	s := &Set{scheduler: scheduler}
	s.BasicSet = valet.NewBasicSet(SetID, "Scheduling tools", valet.VariantInternal,
		s.createTool(), s.listTool(), s.cancelTool())
	return s
}

func (s *Set) Start(context.Context) error { return nil }
func (s *Set) Stop(context.Context) error  { return nil }

type createArgs struct {
	Schedule string          `json:"schedule"`
	ToolName string          `json:"tool_name"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`
}

func (s *Set) createTool() valet.FuncTool {
	return valet.FuncTool{
		Descriptor: valet.ToolDescriptor{
			Name:             "schedule_task",
			Description:      "Creates a recurring task that runs a tool on a cron schedule. Schedule is standard 5-field cron, with an optional leading seconds field; descriptors like @hourly also work.",
			ShortDescription: "Create a recurring cron task",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"schedule": {"type": "string", "description": "Cron expression, e.g. '0 9 * * *' for 9:00 daily"},
					"tool_name": {"type": "string", "description": "Tool to run when the task fires"},
					"tool_args": {"type": "object", "description": "Arguments passed to the tool"}
				},
				"required": ["schedule", "tool_name"]
			}`),
			Examples: []string{`{"schedule": "0 9 * * *", "tool_name": "echo", "tool_args": {"text": "good morning"}}`},
		},
		Run: func(ctx context.Context, args json.RawMessage, tctx valet.ToolContext) (valet.ToolResult, error) {
			var a createArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return valet.ToolResult{OK: false, Error: "invalid args: " + err.Error()},
					valet.WrapErr(valet.KindValidation, "schedule.create", "decode args", err)
			}
			task, err := s.scheduler.CreateTask(ctx, valet.TaskInput{
				Type:     valet.TaskToolCall,
				Schedule: a.Schedule,
				Payload: valet.TaskPayload{
					ToolName: a.ToolName,
					Args:     a.ToolArgs,
				},
				UserID:         tctx.UserID,
				ConversationID: tctx.ConversationID,
			})
			if err != nil {
				return valet.ToolResult{OK: false, Error: err.Error()}, err
			}
			return valet.ToolResult{OK: true, Content: "scheduled as " + task.ID}, nil
		},
	}
}

func (s *Set) listTool() valet.FuncTool {
	return valet.FuncTool{
		Descriptor: valet.ToolDescriptor{
			Name:             "list_tasks",
			Description:      "Lists the user's scheduled tasks with their cron schedules and next run times.",
			ShortDescription: "List scheduled tasks",
			Parameters:       json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		Run: func(ctx context.Context, _ json.RawMessage, tctx valet.ToolContext) (valet.ToolResult, error) {
			tasks, err := s.scheduler.ListTasks(ctx, tctx.UserID)
			if err != nil {
				return valet.ToolResult{OK: false, Error: err.Error()}, err
			}
			if len(tasks) == 0 {
				return valet.ToolResult{OK: true, Content: "no scheduled tasks"}, nil
			}
			var b strings.Builder
			for _, t := range tasks {
				state := "enabled"
				if !t.Enabled {
					state = "disabled"
				}
				fmt.Fprintf(&b, "- %s: %q runs %s (%s)\n", t.ID, t.Payload.ToolName, t.Schedule, state)
			}
			return valet.ToolResult{OK: true, Content: b.String()}, nil
		},
	}
}

type cancelArgs struct {
	ID string `json:"id"`
}

func (s *Set) cancelTool() valet.FuncTool {
	return valet.FuncTool{
		Descriptor: valet.ToolDescriptor{
			Name:             "cancel_task",
			Description:      "Deletes a scheduled task by id. Ids can be found via list_tasks.",
			ShortDescription: "Delete a scheduled task",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {"type": "string"}
				},
				"required": ["id"]
			}`),
		},
		Run: func(ctx context.Context, args json.RawMessage, tctx valet.ToolContext) (valet.ToolResult, error) {
			var a cancelArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return valet.ToolResult{OK: false, Error: "invalid args: " + err.Error()},
					valet.WrapErr(valet.KindValidation, "schedule.cancel", "decode args", err)
			}
			task, err := s.scheduler.GetTask(ctx, a.ID)
			if err != nil {
				return valet.ToolResult{OK: false, Error: err.Error()}, err
			}
			if task.UserID != tctx.UserID {
				return valet.ToolResult{OK: false, Error: "task not found"},
					valet.Errorf(valet.KindNotFound, "schedule.cancel", "task %q not found for user", a.ID)
			}
			if err := s.scheduler.DeleteTask(ctx, a.ID); err != nil {
				return valet.ToolResult{OK: false, Error: err.Error()}, err
			}
			return valet.ToolResult{OK: true, Content: "cancelled " + a.ID}, nil
		},
	}
}
