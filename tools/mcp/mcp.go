// Package mcp adapts remote MCP servers as external tool sets. Each
// configured server becomes one set whose tools are discovered at connect
// time; the registry connects and disconnects it with the process.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/valetd/valet"
)

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	Name    string            `toml:"name"`
	Type    string            `toml:"type"`    // "stdio" (default) or "http"
	Command string            `toml:"command"` // stdio: executable
	Args    []string          `toml:"args"`    // stdio: arguments
	Env     map[string]string `toml:"env"`     // stdio: extra env vars
	URL     string            `toml:"url"`     // http: server URL
}

// Option configures a Set.
type Option func(*Set)

// WithLogger sets a structured logger for the set.
func WithLogger(l *slog.Logger) Option {
	return func(s *Set) { s.logger = l }
}

// WithConnectTimeout bounds Connect and tool discovery. Default 30s.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Set) { s.connectTimeout = d }
}

// WithCallTimeout bounds a single remote tool call. Default 30s.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Set) { s.callTimeout = d }
}

// Set is an external tool set backed by one MCP server connection.
// Tool names are namespaced as "<server>_<tool>" to keep the registry's
// global tool namespace collision-free across servers.
type Set struct {
	config         ServerConfig
	logger         *slog.Logger
	connectTimeout time.Duration
	callTimeout    time.Duration

	mu      sync.RWMutex
	session *mcpsdk.ClientSession
	kill    func()
	tools   []*mcpsdk.Tool
	lastErr error
}

var (
	_ valet.ToolSet = (*Set)(nil)
	_ valet.Remote  = (*Set)(nil)
)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewSet creates an unconnected Set for one server config.
func NewSet(config ServerConfig, opts ...Option) *Set {
	s := &Set{
		config:         config,
		logger:         nopLogger,
		connectTimeout: 30 * time.Second,
		callTimeout:    30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Set) ID() string                    { return "mcp-" + s.config.Name }
func (s *Set) Name() string                  { return "MCP: " + s.config.Name }
func (s *Set) Variant() valet.ToolSetVariant { return valet.VariantExternal }

// newTransport creates the appropriate MCP transport plus a kill func for
// the child process in the stdio case.
func newTransport(sc ServerConfig) (mcpsdk.Transport, func()) {
	switch sc.Type {
	case "http":
		return &mcpsdk.StreamableClientTransport{Endpoint: sc.URL}, func() {}
	default: // stdio
		cmd := exec.Command(sc.Command, sc.Args...)
		if len(sc.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range sc.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, func() {
			if cmd.Process != nil {
				// The child may already have exited; ignore kill errors.
				_ = cmd.Process.Kill()
			}
		}
	}
}

// Connect establishes the session and discovers the server's tools.
func (s *Set) Connect(ctx context.Context) error {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "valet",
		Version: "1.0",
	}, nil)

	transport, kill := newTransport(s.config)

	connCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	session, err := client.Connect(connCtx, transport, nil)
	if err != nil {
		kill()
		s.setErr(err)
		return valet.WrapErr(valet.KindTransient, "mcp.connect",
			fmt.Sprintf("connect to %q", s.config.Name), err)
	}

	listCtx, listCancel := context.WithTimeout(ctx, s.connectTimeout)
	defer listCancel()

	result, err := session.ListTools(listCtx, nil)
	if err != nil {
		_ = session.Close()
		kill()
		s.setErr(err)
		return valet.WrapErr(valet.KindTransient, "mcp.connect",
			fmt.Sprintf("list tools of %q", s.config.Name), err)
	}

	s.mu.Lock()
	s.session = session
	s.kill = kill
	s.tools = result.Tools
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.Info("mcp: connected", "server", s.config.Name, "tools", len(result.Tools))
	return nil
}

// Disconnect closes the session and kills any child process.
func (s *Set) Disconnect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		if err := s.session.Close(); err != nil {
			s.logger.Warn("mcp: close session", "server", s.config.Name, "error", err)
		}
		s.session = nil
	}
	if s.kill != nil {
		s.kill()
		s.kill = nil
	}
	s.tools = nil
	return nil
}

func (s *Set) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// ListTools returns the discovered tools under namespaced names.
func (s *Set) ListTools(_ context.Context) ([]valet.ToolDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil, valet.Errorf(valet.KindTransient, "mcp.list", "server %q not connected", s.config.Name)
	}
	descs := make([]valet.ToolDescriptor, 0, len(s.tools))
	for _, t := range s.tools {
		descs = append(descs, s.describe(t))
	}
	return descs, nil
}

// describe converts an MCP tool to a descriptor with a namespaced name.
func (s *Set) describe(t *mcpsdk.Tool) valet.ToolDescriptor {
	params := json.RawMessage(`{"type": "object"}`)
	if t.InputSchema != nil {
		if data, err := json.Marshal(t.InputSchema); err == nil {
			params = data
		}
	}
	return valet.ToolDescriptor{
		Name:             s.config.Name + "_" + t.Name,
		Description:      t.Description,
		ShortDescription: shorten(t.Description, 50),
		Parameters:       params,
	}
}

// CallTool invokes the remote tool behind a namespaced name.
func (s *Set) CallTool(ctx context.Context, name string, args json.RawMessage, _ valet.ToolContext) (valet.ToolResult, error) {
	remote, ok := strings.CutPrefix(name, s.config.Name+"_")
	if !ok {
		return valet.ToolResult{OK: false, Error: "unknown tool: " + name},
			valet.Errorf(valet.KindNotFound, "mcp.call", "tool %q not in server %q", name, s.config.Name)
	}

	s.mu.RLock()
	session := s.session
	s.mu.RUnlock()
	if session == nil {
		return valet.ToolResult{OK: false, Error: "server " + s.config.Name + " is not connected"},
			valet.Errorf(valet.KindTransient, "mcp.call", "server %q not connected", s.config.Name)
	}

	var input map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return valet.ToolResult{OK: false, Error: "invalid args: " + err.Error()},
				valet.WrapErr(valet.KindValidation, "mcp.call", "decode args", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	result, err := session.CallTool(callCtx, &mcpsdk.CallToolParams{
		Name:      remote,
		Arguments: input,
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return valet.ToolResult{OK: false, Error: "tool call timed out"},
				valet.Errorf(valet.KindTimeout, "mcp.call", "tool %q timed out after %s", name, s.callTimeout)
		}
		s.setErr(err)
		return valet.ToolResult{OK: false, Error: err.Error()},
			valet.WrapErr(valet.KindTransient, "mcp.call", fmt.Sprintf("call %q", name), err)
	}
	if result == nil {
		return valet.ToolResult{OK: false, Error: "empty response from server"}, nil
	}

	text := extractTextContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return valet.ToolResult{OK: false, Error: text}, nil
	}
	return valet.ToolResult{OK: true, Content: text}, nil
}

// CheckHealth pings the session.
func (s *Set) CheckHealth(ctx context.Context) valet.Health {
	now := valet.NowUnix()
	s.mu.RLock()
	session := s.session
	lastErr := s.lastErr
	s.mu.RUnlock()

	if session == nil {
		msg := "not connected"
		if lastErr != nil {
			msg += ": " + lastErr.Error()
		}
		return valet.Health{Status: "error", LastCheck: now, Error: msg}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := session.Ping(pingCtx, nil); err != nil {
		s.setErr(err)
		return valet.Health{Status: "error", LastCheck: now, Error: err.Error()}
	}
	return valet.Health{Status: "ok", LastCheck: now}
}

// extractTextContent concatenates text from MCP Content items.
func extractTextContent(content []mcpsdk.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// shorten truncates s to at most n bytes on a rune boundary. The
// registry caps short descriptions at 50.
func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && len(string(runes)) > n-3 {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "..."
}
