package valet

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// enabledKeyPrefix namespaces per-tool enabled flags in the ConfigStore.
const enabledKeyPrefix = "tool.enabled."

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the structured logger. Default: no output.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithHealthTTL sets how long a cached health result stays fresh.
// Default: 30s.
func WithHealthTTL(d time.Duration) RegistryOption {
	return func(r *Registry) { r.healthTTL = d }
}

// Registry holds all tool sets and dispatches tool calls.
//
// Dispatch probes sets in deterministic order — System, then Internal,
// then External, insertion order within a variant — and calls the first
// set advertising the tool name. Tool names are globally unique: the
// first-registered set wins and a later set with a conflicting name is
// rejected at registration.
type Registry struct {
	config ConfigStore
	logger *slog.Logger

	mu       sync.RWMutex
	sets     []ToolSet
	toolOwner map[string]string // tool name -> set id
	schemas   map[string]*jsonschema.Schema

	healthTTL time.Duration
	healthMu  sync.Mutex
	health    map[string]Health

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewRegistry creates a Registry. Per-tool enabled flags are persisted in
// config; a nil config keeps every tool enabled.
func NewRegistry(config ConfigStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		config:    config,
		toolOwner: make(map[string]string),
		schemas:   make(map[string]*jsonschema.Schema),
		health:    make(map[string]Health),
		healthTTL: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Register adds a tool set. Every tool descriptor is validated: non-empty
// unique name, short description of at most 50 characters, and parameters
// that compile as a JSON Schema. On any rejection the whole set is
// refused and the registry is unchanged.
func (r *Registry) Register(ctx context.Context, set ToolSet) error {
	tools, err := set.ListTools(ctx)
	if err != nil {
		return WrapErr(KindTransient, "registry.register", "list tools of set "+set.ID(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sets {
		if s.ID() == set.ID() {
			return Errorf(KindConflict, "registry.register", "tool set %q already registered", set.ID())
		}
	}

	compiled := make(map[string]*jsonschema.Schema, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return Errorf(KindValidation, "registry.register", "set %q has a tool with an empty name", set.ID())
		}
		if len(t.ShortDescription) > 50 {
			return Errorf(KindValidation, "registry.register",
				"tool %q short description exceeds 50 chars", t.Name)
		}
		if owner, ok := r.toolOwner[t.Name]; ok {
			// First-registered wins.
			return Errorf(KindConflict, "registry.register",
				"tool %q already provided by set %q", t.Name, owner)
		}
		if len(t.Parameters) > 0 {
			sch, err := compileSchema(t.Name, t.Parameters)
			if err != nil {
				return WrapErr(KindValidation, "registry.register",
					"tool "+t.Name+" has invalid parameters schema", err)
			}
			compiled[t.Name] = sch
		}
	}

	for _, t := range tools {
		r.toolOwner[t.Name] = set.ID()
		if sch, ok := compiled[t.Name]; ok {
			r.schemas[t.Name] = sch
		}
	}
	r.sets = append(r.sets, set)
	return nil
}

// orderedSets returns the probe order: System, Internal, External,
// insertion order within each variant.
func (r *Registry) orderedSets() []ToolSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ordered := make([]ToolSet, 0, len(r.sets))
	for _, v := range []ToolSetVariant{VariantSystem, VariantInternal, VariantExternal} {
		for _, s := range r.sets {
			if s.Variant() == v {
				ordered = append(ordered, s)
			}
		}
	}
	return ordered
}

// Sets returns all registered sets in probe order.
func (r *Registry) Sets() []ToolSet {
	return r.orderedSets()
}

// ListTools aggregates descriptors from all sets in probe order.
// A set that fails to list is skipped with a warning.
func (r *Registry) ListTools(ctx context.Context) []ToolDescriptor {
	var all []ToolDescriptor
	for _, s := range r.orderedSets() {
		tools, err := s.ListTools(ctx)
		if err != nil {
			r.logger.Warn("list tools failed", "set", s.ID(), "error", err)
			continue
		}
		all = append(all, tools...)
	}
	return all
}

// GetTool returns the descriptor for name, probing sets in order.
func (r *Registry) GetTool(ctx context.Context, name string) (ToolDescriptor, error) {
	for _, s := range r.orderedSets() {
		tools, err := s.ListTools(ctx)
		if err != nil {
			continue
		}
		for _, t := range tools {
			if t.Name == name {
				return t, nil
			}
		}
	}
	return ToolDescriptor{}, Errorf(KindNotFound, "registry.get", "unknown tool %q", name)
}

// CallTool dispatches a tool call to the first set advertising name.
// A disabled tool short-circuits with {ok:false, error:"disabled"}.
// Args are validated against the tool's parameters schema before dispatch.
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage, tctx ToolContext) (ToolResult, error) {
	enabled, err := r.IsToolEnabled(ctx, name)
	if err != nil {
		r.logger.Warn("enabled flag lookup failed, assuming enabled", "tool", name, "error", err)
		enabled = true
	}
	if !enabled {
		return ToolResult{OK: false, Error: "disabled"},
			Errorf(KindDisabled, "registry.call", "tool %q is disabled", name)
	}

	if err := r.validateArgs(name, args); err != nil {
		return ToolResult{OK: false, Error: err.Error()}, err
	}

	for _, s := range r.orderedSets() {
		tools, lerr := s.ListTools(ctx)
		if lerr != nil {
			r.logger.Warn("list tools failed during dispatch", "set", s.ID(), "error", lerr)
			continue
		}
		for _, t := range tools {
			if t.Name == name {
				return s.CallTool(ctx, name, args, tctx)
			}
		}
	}
	return ToolResult{OK: false, Error: "unknown tool: " + name},
		Errorf(KindNotFound, "registry.call", "unknown tool %q", name)
}

// validateArgs checks args against the tool's compiled parameters schema.
// Tools without a schema accept anything.
func (r *Registry) validateArgs(name string, args json.RawMessage) error {
	r.mu.RLock()
	sch := r.schemas[name]
	r.mu.RUnlock()
	if sch == nil {
		return nil
	}
	var v any
	if len(args) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(args, &v); err != nil {
		return WrapErr(KindValidation, "registry.call", "tool args are not valid JSON", err)
	}
	if err := sch.Validate(v); err != nil {
		return WrapErr(KindValidation, "registry.call", "tool args rejected by schema", err)
	}
	return nil
}

// SetToolEnabled persists the enabled flag for a tool.
func (r *Registry) SetToolEnabled(ctx context.Context, name string, enabled bool) error {
	if _, err := r.GetTool(ctx, name); err != nil {
		return err
	}
	if r.config == nil {
		return Errorf(KindValidation, "registry.enable", "no config store; flags cannot be persisted")
	}
	value := "true"
	if !enabled {
		value = "false"
	}
	return r.config.SetConfig(ctx, enabledKeyPrefix+name, value)
}

// IsToolEnabled reports the persisted enabled flag; tools default to enabled.
func (r *Registry) IsToolEnabled(ctx context.Context, name string) (bool, error) {
	if r.config == nil {
		return true, nil
	}
	v, err := r.config.GetConfig(ctx, enabledKeyPrefix+name)
	if err != nil {
		return true, err
	}
	return v != "false", nil
}

// SetHealth returns the health of one set, served from cache while fresh.
func (r *Registry) SetHealth(ctx context.Context, setID string) (Health, error) {
	r.mu.RLock()
	var target ToolSet
	for _, s := range r.sets {
		if s.ID() == setID {
			target = s
			break
		}
	}
	r.mu.RUnlock()
	if target == nil {
		return Health{}, Errorf(KindNotFound, "registry.health", "unknown tool set %q", setID)
	}

	r.healthMu.Lock()
	cached, ok := r.health[setID]
	r.healthMu.Unlock()
	if ok && NowUnix()-cached.LastCheck < int64(r.healthTTL/time.Second) {
		return cached, nil
	}

	h := target.CheckHealth(ctx)
	r.healthMu.Lock()
	r.health[setID] = h
	r.healthMu.Unlock()
	return h, nil
}

// StartAll starts internal sets and connects external ones, in probe
// order. The first failure aborts and is returned.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, s := range r.orderedSets() {
		switch ls := s.(type) {
		case Lifecycle:
			if err := ls.Start(ctx); err != nil {
				return WrapErr(KindTransient, "registry.start", "start set "+s.ID(), err)
			}
		case Remote:
			if err := ls.Connect(ctx); err != nil {
				return WrapErr(KindTransient, "registry.start", "connect set "+s.ID(), err)
			}
		}
	}
	return nil
}

// StopAll stops and disconnects all managed sets in reverse probe order.
// Failures are logged, not returned: shutdown keeps going.
func (r *Registry) StopAll(ctx context.Context) {
	sets := r.orderedSets()
	for i := len(sets) - 1; i >= 0; i-- {
		s := sets[i]
		switch ls := s.(type) {
		case Lifecycle:
			if err := ls.Stop(ctx); err != nil {
				r.logger.Warn("stop set failed", "set", s.ID(), "error", err)
			}
		case Remote:
			if err := ls.Disconnect(ctx); err != nil {
				r.logger.Warn("disconnect set failed", "set", s.ID(), "error", err)
			}
		}
	}
}

// StartHealthSweep launches the low-frequency background health refresh.
// Call StopHealthSweep on shutdown.
func (r *Registry) StartHealthSweep(ctx context.Context, interval time.Duration) {
	sweepCtx, cancel := context.WithCancel(ctx)
	r.sweepCancel = cancel
	r.sweepDone = make(chan struct{})
	go func() {
		defer close(r.sweepDone)
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-time.After(interval):
			}
			for _, s := range r.orderedSets() {
				h := s.CheckHealth(sweepCtx)
				r.healthMu.Lock()
				r.health[s.ID()] = h
				r.healthMu.Unlock()
				if h.Status != "ok" {
					r.logger.Warn("tool set unhealthy", "set", s.ID(), "error", h.Error)
				}
			}
		}
	}()
}

// StopHealthSweep stops the background refresh, waiting for it to exit.
func (r *Registry) StopHealthSweep() {
	if r.sweepCancel == nil {
		return
	}
	r.sweepCancel()
	<-r.sweepDone
}

// compileSchema compiles a tool's parameters as a JSON Schema document.
func compileSchema(name string, params json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := "valet://tool/" + name + "/parameters.json"
	if err := c.AddResource(url, bytes.NewReader(params)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
