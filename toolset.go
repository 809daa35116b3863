package valet

import (
	"context"
	"encoding/json"
)

// ToolSetVariant distinguishes the three kinds of tool providers.
type ToolSetVariant string

const (
	// VariantSystem sets are registered at boot and always running; the
	// registry does not manage their lifecycle.
	VariantSystem ToolSetVariant = "system"
	// VariantInternal sets run in-process and can be started and stopped.
	VariantInternal ToolSetVariant = "internal"
	// VariantExternal sets are remote MCP providers the registry connects
	// to and disconnects from.
	VariantExternal ToolSetVariant = "external"
)

// Health describes the last known state of a tool set.
type Health struct {
	Status    string `json:"status"` // "ok" or "error"
	LastCheck int64  `json:"last_check"`
	Error     string `json:"error,omitempty"`
}

// ToolSet groups tools behind one logical provider. Tool names must be
// unique across all registered sets; the registry rejects conflicts.
type ToolSet interface {
	ID() string
	Name() string
	Variant() ToolSetVariant
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args json.RawMessage, tctx ToolContext) (ToolResult, error)
	CheckHealth(ctx context.Context) Health
}

// Lifecycle is implemented by internal tool sets the registry starts and
// stops with the process.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Remote is implemented by external tool sets with a connection to manage.
type Remote interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// FuncTool pairs a descriptor with its implementation. Building block for
// in-process tool sets.
type FuncTool struct {
	Descriptor ToolDescriptor
	Run        func(ctx context.Context, args json.RawMessage, tctx ToolContext) (ToolResult, error)
}

// BasicSet is a ToolSet over a fixed list of FuncTools. System and
// internal sets that need no connection state embed or construct one.
type BasicSet struct {
	id      string
	name    string
	variant ToolSetVariant
	tools   []FuncTool
}

// NewBasicSet creates a BasicSet. Tools keep their given order.
func NewBasicSet(id, name string, variant ToolSetVariant, tools ...FuncTool) *BasicSet {
	return &BasicSet{id: id, name: name, variant: variant, tools: tools}
}

func (s *BasicSet) ID() string              { return s.id }
func (s *BasicSet) Name() string            { return s.name }
func (s *BasicSet) Variant() ToolSetVariant { return s.variant }

func (s *BasicSet) ListTools(_ context.Context) ([]ToolDescriptor, error) {
	descs := make([]ToolDescriptor, len(s.tools))
	for i, t := range s.tools {
		descs[i] = t.Descriptor
	}
	return descs, nil
}

func (s *BasicSet) CallTool(ctx context.Context, name string, args json.RawMessage, tctx ToolContext) (ToolResult, error) {
	for _, t := range s.tools {
		if t.Descriptor.Name == name {
			return t.Run(ctx, args, tctx)
		}
	}
	return ToolResult{OK: false, Error: "unknown tool: " + name},
		Errorf(KindNotFound, "toolset.call", "tool %q not in set %q", name, s.id)
}

// CheckHealth always reports ok: a BasicSet has no connection to lose.
func (s *BasicSet) CheckHealth(_ context.Context) Health {
	return Health{Status: "ok", LastCheck: NowUnix()}
}

var _ ToolSet = (*BasicSet)(nil)
