package valet

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func echoFuncTool(name string) FuncTool {
	return FuncTool{
		Descriptor: ToolDescriptor{
			Name:             name,
			Description:      "Echoes the input text back",
			ShortDescription: "Echo text back",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {"text": {"type": "string"}},
				"required": ["text"]
			}`),
		},
		Run: func(_ context.Context, args json.RawMessage, _ ToolContext) (ToolResult, error) {
			var a struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(args, &a); err != nil {
				return ToolResult{OK: false, Error: err.Error()}, nil
			}
			return ToolResult{OK: true, Content: a.Text}, nil
		},
	}
}

func TestRegistryRegisterAndCall(t *testing.T) {
	r := NewRegistry(newMemConfigStore())
	set := NewBasicSet("system-core", "Core", VariantSystem, echoFuncTool("echo"))
	if err := r.Register(context.Background(), set); err != nil {
		t.Fatalf("register: %v", err)
	}

	result, err := r.CallTool(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), ToolContext{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !result.OK || result.Content != "hi" {
		t.Errorf("got %+v", result)
	}
}

func TestRegistryRejectsDuplicateSetID(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(context.Background(), NewBasicSet("s1", "One", VariantSystem)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register(context.Background(), NewBasicSet("s1", "Other", VariantInternal))
	if !IsConflict(err) {
		t.Errorf("got %v, want conflict", err)
	}
}

func TestRegistryFirstRegisteredToolNameWins(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(context.Background(), NewBasicSet("s1", "One", VariantSystem, echoFuncTool("echo"))); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := r.Register(context.Background(), NewBasicSet("s2", "Two", VariantInternal, echoFuncTool("echo")))
	if !IsConflict(err) {
		t.Errorf("conflicting tool name: got %v, want conflict", err)
	}
	// The second set is refused entirely; only the first remains.
	if got := len(r.Sets()); got != 1 {
		t.Errorf("got %d sets, want 1", got)
	}
}

func TestRegistryRejectsLongShortDescription(t *testing.T) {
	r := NewRegistry(nil)
	tool := echoFuncTool("verbose")
	tool.Descriptor.ShortDescription = strings.Repeat("x", 51)
	err := r.Register(context.Background(), NewBasicSet("s1", "One", VariantSystem, tool))
	if !IsValidation(err) {
		t.Errorf("got %v, want validation", err)
	}
}

func TestRegistryRejectsEmptyToolName(t *testing.T) {
	r := NewRegistry(nil)
	tool := echoFuncTool("")
	err := r.Register(context.Background(), NewBasicSet("s1", "One", VariantSystem, tool))
	if !IsValidation(err) {
		t.Errorf("got %v, want validation", err)
	}
}

func TestRegistryRejectsInvalidSchema(t *testing.T) {
	r := NewRegistry(nil)
	tool := echoFuncTool("broken")
	tool.Descriptor.Parameters = json.RawMessage(`{"type": 42}`)
	err := r.Register(context.Background(), NewBasicSet("s1", "One", VariantSystem, tool))
	if !IsValidation(err) {
		t.Errorf("got %v, want validation", err)
	}
}

func TestRegistryValidatesArgsAgainstSchema(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(context.Background(), NewBasicSet("s1", "One", VariantSystem, echoFuncTool("echo"))); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Missing required "text" field.
	result, err := r.CallTool(context.Background(), "echo", json.RawMessage(`{}`), ToolContext{})
	if !IsValidation(err) {
		t.Errorf("got %v, want validation", err)
	}
	if result.OK {
		t.Error("result should not be ok")
	}

	// Wrong type.
	_, err = r.CallTool(context.Background(), "echo", json.RawMessage(`{"text":7}`), ToolContext{})
	if !IsValidation(err) {
		t.Errorf("got %v, want validation", err)
	}
}

func TestRegistryUnknownToolNotFound(t *testing.T) {
	r := NewRegistry(nil)
	result, err := r.CallTool(context.Background(), "missing", nil, ToolContext{})
	if !IsNotFound(err) {
		t.Errorf("got %v, want not_found", err)
	}
	if result.OK {
		t.Error("result should not be ok")
	}
	if _, err := r.GetTool(context.Background(), "missing"); !IsNotFound(err) {
		t.Errorf("GetTool: got %v, want not_found", err)
	}
}

func TestRegistryProbeOrderSystemInternalExternal(t *testing.T) {
	r := NewRegistry(nil)
	// Register out of variant order; probe order must still be
	// system, internal, external.
	ext := NewBasicSet("ext", "Ext", VariantExternal, echoFuncTool("t-ext"))
	internal := NewBasicSet("int", "Int", VariantInternal, echoFuncTool("t-int"))
	system := NewBasicSet("sys", "Sys", VariantSystem, echoFuncTool("t-sys"))
	for _, s := range []ToolSet{ext, internal, system} {
		if err := r.Register(context.Background(), s); err != nil {
			t.Fatalf("register %s: %v", s.ID(), err)
		}
	}

	sets := r.Sets()
	gotIDs := []string{sets[0].ID(), sets[1].ID(), sets[2].ID()}
	want := []string{"sys", "int", "ext"}
	for i := range want {
		if gotIDs[i] != want[i] {
			t.Fatalf("probe order %v, want %v", gotIDs, want)
		}
	}

	tools := r.ListTools(context.Background())
	if len(tools) != 3 || tools[0].Name != "t-sys" || tools[1].Name != "t-int" || tools[2].Name != "t-ext" {
		names := make([]string, len(tools))
		for i, d := range tools {
			names[i] = d.Name
		}
		t.Errorf("tool order %v", names)
	}
}

func TestRegistryDisabledToolShortCircuits(t *testing.T) {
	cfg := newMemConfigStore()
	r := NewRegistry(cfg)
	calls := 0
	tool := echoFuncTool("echo")
	inner := tool.Run
	tool.Run = func(ctx context.Context, args json.RawMessage, tctx ToolContext) (ToolResult, error) {
		calls++
		return inner(ctx, args, tctx)
	}
	if err := r.Register(context.Background(), NewBasicSet("s1", "One", VariantSystem, tool)); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.SetToolEnabled(context.Background(), "echo", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	result, err := r.CallTool(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), ToolContext{})
	if !IsDisabled(err) {
		t.Errorf("got %v, want disabled", err)
	}
	if result.OK || result.Error != "disabled" {
		t.Errorf("got %+v", result)
	}
	if calls != 0 {
		t.Error("disabled tool must not be invoked")
	}

	// Re-enable and call again.
	if err := r.SetToolEnabled(context.Background(), "echo", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := r.CallTool(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`), ToolContext{}); err != nil {
		t.Fatalf("call after re-enable: %v", err)
	}
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestRegistrySetEnabledUnknownTool(t *testing.T) {
	r := NewRegistry(newMemConfigStore())
	if err := r.SetToolEnabled(context.Background(), "missing", false); !IsNotFound(err) {
		t.Errorf("got %v, want not_found", err)
	}
}

func TestRegistryToolsDefaultEnabled(t *testing.T) {
	r := NewRegistry(newMemConfigStore())
	if err := r.Register(context.Background(), NewBasicSet("s1", "One", VariantSystem, echoFuncTool("echo"))); err != nil {
		t.Fatalf("register: %v", err)
	}
	enabled, err := r.IsToolEnabled(context.Background(), "echo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !enabled {
		t.Error("tools should default to enabled")
	}
}

func TestRegistryHealthCaching(t *testing.T) {
	r := NewRegistry(nil, WithHealthTTL(time.Hour))
	set := &countingHealthSet{BasicSet: NewBasicSet("s1", "One", VariantInternal)}
	if err := r.Register(context.Background(), set); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := r.SetHealth(context.Background(), "s1"); err != nil {
		t.Fatalf("health: %v", err)
	}
	if _, err := r.SetHealth(context.Background(), "s1"); err != nil {
		t.Fatalf("health: %v", err)
	}
	if set.checks != 1 {
		t.Errorf("got %d probes, want 1 (second served from cache)", set.checks)
	}

	if _, err := r.SetHealth(context.Background(), "unknown"); !IsNotFound(err) {
		t.Errorf("got %v, want not_found", err)
	}
}

// countingHealthSet counts CheckHealth probes.
type countingHealthSet struct {
	*BasicSet
	checks int
}

func (s *countingHealthSet) CheckHealth(context.Context) Health {
	s.checks++
	return Health{Status: "ok", LastCheck: NowUnix()}
}

func TestRegistryStartAllStopAll(t *testing.T) {
	r := NewRegistry(nil)
	lc := &lifecycleSet{BasicSet: NewBasicSet("int", "Int", VariantInternal)}
	if err := r.Register(context.Background(), lc); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if !lc.started {
		t.Error("internal set not started")
	}
	r.StopAll(context.Background())
	if !lc.stopped {
		t.Error("internal set not stopped")
	}
}

// lifecycleSet records Start/Stop calls.
type lifecycleSet struct {
	*BasicSet
	started bool
	stopped bool
}

func (s *lifecycleSet) Start(context.Context) error { s.started = true; return nil }
func (s *lifecycleSet) Stop(context.Context) error  { s.stopped = true; return nil }
