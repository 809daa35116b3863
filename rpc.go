package valet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// rpcPath is the single endpoint every service RPC channel exposes.
const rpcPath = "/rpc"

// CallRequest is the wire request of the service RPC protocol: one
// method name and its JSON-encoded arguments.
type CallRequest struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// CallResult is the wire response. Error carries the error kind as a
// prefix ("not_found: ...") so callers can map it back.
type CallResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RPCServer exposes a ServiceCore on a well-known localhost port.
type RPCServer struct {
	core   *ServiceCore
	server *http.Server
	port   int

	failed chan error
}

// NewRPCServer creates the RPC channel for core on port.
func NewRPCServer(core *ServiceCore, port int) *RPCServer {
	s := &RPCServer{core: core, port: port, failed: make(chan error, 1)}
	mux := http.NewServeMux()
	mux.HandleFunc(rpcPath, s.handle)
	s.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds the port and begins serving. Binding failures are returned
// synchronously; later serve failures surface via Failed.
func (s *RPCServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return WrapErr(KindTransient, "rpc.listen", "bind "+s.server.Addr, err)
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.failed <- err
		}
	}()
	return nil
}

// Failed delivers an asynchronous serve failure, once.
func (s *RPCServer) Failed() <-chan error { return s.failed }

// Shutdown stops the server, waiting for in-flight calls.
func (s *RPCServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *RPCServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req CallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeCallResult(w, CallResult{Success: false, Error: "validation: malformed call request"})
		return
	}
	data, err := s.core.Dispatch(r.Context(), req.Method, req.Args)
	if err != nil {
		writeCallResult(w, CallResult{Success: false, Error: rpcError(err)})
		return
	}
	writeCallResult(w, CallResult{Success: true, Data: data})
}

func writeCallResult(w http.ResponseWriter, res CallResult) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

// rpcError flattens an error for the wire, prefixed with its kind.
func rpcError(err error) string {
	return string(KindOf(err)) + ": " + err.Error()
}

// RPCClient calls one service's RPC channel.
type RPCClient struct {
	url    string
	client *http.Client
}

// NewRPCClient creates a client for the service on port.
func NewRPCClient(port int) *RPCClient {
	return &RPCClient{
		url:    fmt.Sprintf("http://127.0.0.1:%d%s", port, rpcPath),
		client: &http.Client{},
	}
}

// Call invokes method with args and returns the call's data. Transport
// failures are Transient; service-reported failures keep the kind the
// service encoded in the error string.
func (c *RPCClient) Call(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(CallRequest{Method: method, Args: args})
	if err != nil {
		return nil, WrapErr(KindInternal, "rpc.call", "serialize request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, WrapErr(KindInternal, "rpc.call", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, WrapErr(KindTransient, "rpc.call", "call "+method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapErr(KindTransient, "rpc.call", "read response", err)
	}
	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, WrapErr(KindInternal, "rpc.call", "decode response", err)
	}
	if !result.Success {
		return nil, decodeRPCError(method, result.Error)
	}
	return result.Data, nil
}

// decodeRPCError reconstructs a typed error from the wire string.
func decodeRPCError(method, msg string) error {
	kind := KindInternal
	for _, k := range []ErrorKind{
		KindValidation, KindNotFound, KindConflict, KindTransient,
		KindPermanent, KindTimeout, KindDisabled, KindInternal,
	} {
		if len(msg) > len(k) && msg[:len(k)] == string(k) && msg[len(k)] == ':' {
			kind = k
			msg = msg[len(k)+2:]
			break
		}
	}
	return Errorf(kind, "rpc."+method, "%s", msg)
}
