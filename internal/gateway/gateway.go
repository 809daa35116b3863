// Package gateway is the HTTP facade over the supervised services. Every
// handler is thin: decode the request, forward one CallService, wrap the
// reply in the uniform {ok, data?, error?} envelope. Error kinds map to
// HTTP status codes; the gateway adds no business logic of its own.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/valetd/valet"
)

// envelope is the uniform response shape of every gateway endpoint.
type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Caller routes a method call to a named service. *valet.Supervisor
// implements it.
type Caller interface {
	CallService(ctx context.Context, serviceID, method string, args json.RawMessage) (json.RawMessage, error)
	Statuses() map[string]valet.ServiceStatus
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// Gateway serves the public HTTP API.
type Gateway struct {
	caller Caller
	logger *slog.Logger
	srv    *http.Server
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Gateway serving on addr, forwarding to caller.
func New(addr string, caller Caller, opts ...Option) *Gateway {
	g := &Gateway{caller: caller, logger: nopLogger}
	for _, o := range opts {
		o(g)
	}
	g.srv = &http.Server{
		Addr:              addr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return g
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// Planner
	mux.HandleFunc("POST /v1/chat", g.forwardBody("planner", "handle_message"))
	mux.HandleFunc("GET /v1/conversations", func(w http.ResponseWriter, r *http.Request) {
		g.forward(w, r, "planner", "list_conversations", queryArgs(r, "user_id", "limit"))
	})
	mux.HandleFunc("GET /v1/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		args := queryArgs(r, "limit")
		args["conversation_id"] = r.PathValue("id")
		g.forward(w, r, "planner", "get_history", args)
	})

	// Memory
	mux.HandleFunc("POST /v1/memories", g.forwardBody("memory", "add"))
	mux.HandleFunc("GET /v1/memories", func(w http.ResponseWriter, r *http.Request) {
		g.forward(w, r, "memory", "list", queryArgs(r, "user_id", "limit", "offset"))
	})
	mux.HandleFunc("POST /v1/memories/search", g.forwardBody("memory", "search"))
	mux.HandleFunc("GET /v1/memories/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.forward(w, r, "memory", "get", map[string]any{"id": r.PathValue("id")})
	})
	mux.HandleFunc("PATCH /v1/memories/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.forwardBodyWith(w, r, "memory", "update", map[string]any{"id": r.PathValue("id")})
	})
	mux.HandleFunc("DELETE /v1/memories/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.forward(w, r, "memory", "delete", map[string]any{"id": r.PathValue("id")})
	})
	mux.HandleFunc("POST /v1/memories/sweep", g.forwardBody("memory", "sweep_orphans"))
	mux.HandleFunc("POST /v1/memories/compact", g.forwardBody("memory", "compact"))

	// Toolbox
	mux.HandleFunc("GET /v1/tools", g.forwardBody("toolbox", "list_tools"))
	mux.HandleFunc("GET /v1/tools/{name}", func(w http.ResponseWriter, r *http.Request) {
		g.forward(w, r, "toolbox", "get_tool", map[string]any{"name": r.PathValue("name")})
	})
	mux.HandleFunc("POST /v1/tools/{name}/execute", func(w http.ResponseWriter, r *http.Request) {
		g.forwardBodyWith(w, r, "toolbox", "execute", map[string]any{"name": r.PathValue("name")})
	})
	mux.HandleFunc("PUT /v1/tools/{name}/enabled", func(w http.ResponseWriter, r *http.Request) {
		g.forwardBodyWith(w, r, "toolbox", "set_enabled", map[string]any{"name": r.PathValue("name")})
	})
	mux.HandleFunc("GET /v1/tools-health", g.forwardBody("toolbox", "health"))

	// Scheduler
	mux.HandleFunc("POST /v1/tasks", g.forwardBody("scheduler", "create_task"))
	mux.HandleFunc("GET /v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		g.forward(w, r, "scheduler", "list_tasks", queryArgs(r, "user_id"))
	})
	mux.HandleFunc("GET /v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.forward(w, r, "scheduler", "get_task", map[string]any{"id": r.PathValue("id")})
	})
	mux.HandleFunc("PUT /v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.forwardBodyWith(w, r, "scheduler", "update_task", map[string]any{"id": r.PathValue("id")})
	})
	mux.HandleFunc("DELETE /v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.forward(w, r, "scheduler", "delete_task", map[string]any{"id": r.PathValue("id")})
	})
	mux.HandleFunc("PUT /v1/tasks/{id}/enabled", func(w http.ResponseWriter, r *http.Request) {
		g.forwardBodyWith(w, r, "scheduler", "set_enabled", map[string]any{"id": r.PathValue("id")})
	})

	// Supervisor
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, http.StatusOK, g.caller.Statuses(), nil)
	})

	return mux
}

// Start binds the listener and serves in the background.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.srv.Addr)
	if err != nil {
		return valet.WrapErr(valet.KindTransient, "gateway.start", "bind "+g.srv.Addr, err)
	}
	go func() {
		if err := g.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway: serve failed", "error", err)
		}
	}()
	g.logger.Info("gateway: listening", "addr", g.srv.Addr)
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.srv.Shutdown(ctx)
}

// forwardBody forwards the request body verbatim as the call args.
func (g *Gateway) forwardBody(serviceID, method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var args json.RawMessage
		if r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
				writeEnvelope(w, http.StatusBadRequest, nil,
					valet.Errorf(valet.KindValidation, "gateway", "invalid JSON body"))
				return
			}
		}
		g.call(w, r, serviceID, method, args)
	}
}

// forwardBodyWith merges the body object with extra fields (path params)
// before forwarding. Extra fields win.
func (g *Gateway) forwardBodyWith(w http.ResponseWriter, r *http.Request, serviceID, method string, extra map[string]any) {
	merged := map[string]json.RawMessage{}
	if r.Body != nil {
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeEnvelope(w, http.StatusBadRequest, nil,
				valet.Errorf(valet.KindValidation, "gateway", "invalid JSON body"))
			return
		}
		for k, v := range body {
			merged[k] = v
		}
	}
	for k, v := range extra {
		data, err := json.Marshal(v)
		if err != nil {
			continue
		}
		merged[k] = data
	}
	args, err := json.Marshal(merged)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, nil, err)
		return
	}
	g.call(w, r, serviceID, method, args)
}

// forward sends a fixed args object.
func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, serviceID, method string, args map[string]any) {
	data, err := json.Marshal(args)
	if err != nil {
		writeEnvelope(w, http.StatusInternalServerError, nil, err)
		return
	}
	g.call(w, r, serviceID, method, data)
}

func (g *Gateway) call(w http.ResponseWriter, r *http.Request, serviceID, method string, args json.RawMessage) {
	data, err := g.caller.CallService(r.Context(), serviceID, method, args)
	if err != nil {
		writeEnvelope(w, statusOf(err), nil, err)
		return
	}
	writeRawEnvelope(w, http.StatusOK, data)
}

// queryArgs lifts named query parameters into a call args map. "limit"
// and "offset" are converted to numbers.
func queryArgs(r *http.Request, names ...string) map[string]any {
	args := map[string]any{}
	q := r.URL.Query()
	for _, name := range names {
		v := q.Get(name)
		if v == "" {
			continue
		}
		switch name {
		case "limit", "offset":
			var n int
			if err := json.Unmarshal([]byte(v), &n); err == nil {
				args[name] = n
			}
		default:
			args[name] = v
		}
	}
	return args
}

// statusOf maps error kinds to HTTP status codes.
func statusOf(err error) int {
	switch valet.KindOf(err) {
	case valet.KindValidation:
		return http.StatusBadRequest
	case valet.KindNotFound:
		return http.StatusNotFound
	case valet.KindTimeout:
		return http.StatusRequestTimeout
	case valet.KindConflict:
		return http.StatusConflict
	case valet.KindDisabled:
		return http.StatusConflict
	case valet.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEnvelope(w http.ResponseWriter, status int, data any, err error) {
	env := envelope{OK: err == nil}
	if err != nil {
		env.Error = err.Error()
	} else if data != nil {
		if raw, merr := json.Marshal(data); merr == nil {
			env.Data = raw
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeRawEnvelope(w http.ResponseWriter, status int, data json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{OK: true, Data: data})
}
