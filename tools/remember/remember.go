// Package remember exposes the memory engine as an internal tool set, so
// the planner can store, search, and forget memories on the user's behalf.
package remember

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/valetd/valet"
)

// SetID is the registry id of the memory tool set.
const SetID = "internal-memory"

// Set is an internal tool set over a MemoryEngine.
type Set struct {
	*valet.BasicSet
	engine *valet.MemoryEngine
	logger *slog.Logger
}

var (
	_ valet.ToolSet   = (*Set)(nil)
	_ valet.Lifecycle = (*Set)(nil)
)

// Option configures a Set.
type Option func(*Set)

// WithLogger sets a structured logger for the set.
func WithLogger(l *slog.Logger) Option {
	return func(s *Set) { s.logger = l }
}

// NewSet builds the memory tool set over engine.
func NewSet(engine *valet.MemoryEngine, opts ...Option) *Set {
	s := &Set{engine: engine}
	s.BasicSet = valet.NewBasicSet(SetID, "Memory tools", valet.VariantInternal,
		s.rememberTool(), s.recallTool(), s.forgetTool())
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start is a no-op: the engine is constructed before registration.
func (s *Set) Start(context.Context) error { return nil }

// Stop is a no-op.
func (s *Set) Stop(context.Context) error { return nil }

type rememberArgs struct {
	Kind    string   `json:"kind"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

func (s *Set) rememberTool() valet.FuncTool {
	return valet.FuncTool{
		Descriptor: valet.ToolDescriptor{
			Name:             "remember",
			Description:      "Stores a durable memory about the user. Kind is one of fact, preference, episode.",
			ShortDescription: "Store a memory about the user",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"kind": {"type": "string", "enum": ["fact", "preference", "episode"]},
					"title": {"type": "string"},
					"content": {"type": "string"},
					"tags": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["kind", "title", "content"]
			}`),
			Examples: []string{`{"kind": "preference", "title": "Coffee", "content": "Prefers oat milk flat whites"}`},
		},
		Run: func(ctx context.Context, args json.RawMessage, tctx valet.ToolContext) (valet.ToolResult, error) {
			var a rememberArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return valet.ToolResult{OK: false, Error: "invalid args: " + err.Error()},
					valet.WrapErr(valet.KindValidation, "remember.run", "decode args", err)
			}
			mem, err := s.engine.Add(ctx, valet.MemoryWrite{
				UserID:         tctx.UserID,
				Kind:           valet.MemoryKind(a.Kind),
				Title:          a.Title,
				Content:        a.Content,
				Tags:           a.Tags,
				ConversationID: tctx.ConversationID,
			})
			if err != nil {
				return valet.ToolResult{OK: false, Error: err.Error()}, err
			}
			return valet.ToolResult{OK: true, Content: "remembered as " + mem.ID}, nil
		},
	}
}

type recallArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Set) recallTool() valet.FuncTool {
	return valet.FuncTool{
		Descriptor: valet.ToolDescriptor{
			Name:             "recall",
			Description:      "Searches stored memories semantically and returns the best matches.",
			ShortDescription: "Search stored memories",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string"},
					"limit": {"type": "integer", "minimum": 1, "maximum": 50}
				},
				"required": ["query"]
			}`),
			Examples: []string{`{"query": "what coffee does the user like"}`},
		},
		Run: func(ctx context.Context, args json.RawMessage, tctx valet.ToolContext) (valet.ToolResult, error) {
			var a recallArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return valet.ToolResult{OK: false, Error: "invalid args: " + err.Error()},
					valet.WrapErr(valet.KindValidation, "recall.run", "decode args", err)
			}
			limit := a.Limit
			if limit <= 0 {
				limit = 5
			}
			hits, err := s.engine.Search(ctx, valet.SearchQuery{
				Query:  a.Query,
				UserID: tctx.UserID,
				Limit:  limit,
			})
			if err != nil {
				return valet.ToolResult{OK: false, Error: err.Error()}, err
			}
			if len(hits) == 0 {
				return valet.ToolResult{OK: true, Content: "no matching memories"}, nil
			}
			var b strings.Builder
			for _, h := range hits {
				fmt.Fprintf(&b, "- [%s] %s: %s (id %s)\n", h.Memory.Kind, h.Memory.Title, h.Memory.Content, h.Memory.ID)
			}
			return valet.ToolResult{OK: true, Content: b.String()}, nil
		},
	}
}

type forgetArgs struct {
	ID string `json:"id"`
}

func (s *Set) forgetTool() valet.FuncTool {
	return valet.FuncTool{
		Descriptor: valet.ToolDescriptor{
			Name:             "forget",
			Description:      "Deletes a stored memory by id. The id can be found via the recall tool.",
			ShortDescription: "Delete a stored memory",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {"type": "string"}
				},
				"required": ["id"]
			}`),
		},
		Run: func(ctx context.Context, args json.RawMessage, tctx valet.ToolContext) (valet.ToolResult, error) {
			var a forgetArgs
			if err := json.Unmarshal(args, &a); err != nil {
				return valet.ToolResult{OK: false, Error: "invalid args: " + err.Error()},
					valet.WrapErr(valet.KindValidation, "forget.run", "decode args", err)
			}
			// Refuse to delete another user's memory.
			mem, err := s.engine.Get(ctx, a.ID)
			if err != nil {
				return valet.ToolResult{OK: false, Error: err.Error()}, err
			}
			if mem.UserID != tctx.UserID {
				return valet.ToolResult{OK: false, Error: "memory not found"},
					valet.Errorf(valet.KindNotFound, "forget.run", "memory %q not found for user", a.ID)
			}
			if err := s.engine.Delete(ctx, a.ID); err != nil {
				return valet.ToolResult{OK: false, Error: err.Error()}, err
			}
			return valet.ToolResult{OK: true, Content: "forgot " + a.ID}, nil
		},
	}
}
