package valet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// HandlerFunc handles one service method. The returned value is
// serialized as the call's data.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Service is one supervised logical service. The supervisor initialises
// it, exposes its handlers over an RPC channel on a well-known port, and
// polls its healthcheck.
type Service interface {
	ID() string
	// Init prepares the service; the supervisor enforces a 30s budget and
	// fails the whole startup if any service's Init errors.
	Init(ctx context.Context) error
	// Core returns the service's dispatch loop.
	Core() *ServiceCore
	Shutdown(ctx context.Context) error
}

type coreRequest struct {
	ctx    context.Context
	method string
	args   json.RawMessage
	reply  chan coreReply
}

type coreReply struct {
	data json.RawMessage
	err  error
}

// ServiceCore is the cooperative single-threaded dispatch loop inside a
// service: requests are serialized through one channel and handled
// sequentially by named handlers. A healthcheck handler is always
// available; unknown methods fail with a Validation error.
//
// Event subscriptions a service holds should route through Dispatch too,
// so bus callbacks share the same serialization.
type ServiceCore struct {
	id       string
	handlers map[string]HandlerFunc
	logger   *slog.Logger

	reqCh  chan coreRequest
	doneCh chan struct{}
}

// NewServiceCore creates a dispatch loop for the named service.
func NewServiceCore(id string, logger *slog.Logger) *ServiceCore {
	if logger == nil {
		logger = nopLogger
	}
	c := &ServiceCore{
		id:       id,
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
		reqCh:    make(chan coreRequest),
		doneCh:   make(chan struct{}),
	}
	c.handlers["healthcheck"] = func(context.Context, json.RawMessage) (any, error) {
		return map[string]string{"status": "ok", "service": id}, nil
	}
	return c
}

// Handle registers a method handler. Must be called before Start;
// registering "healthcheck" replaces the default.
func (c *ServiceCore) Handle(method string, h HandlerFunc) {
	c.handlers[method] = h
}

// Start launches the dispatch loop. It exits when ctx is cancelled.
func (c *ServiceCore) Start(ctx context.Context) {
	go func() {
		defer close(c.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-c.reqCh:
				data, err := c.invoke(req)
				req.reply <- coreReply{data: data, err: err}
			}
		}
	}()
}

// Wait blocks until the loop has exited.
func (c *ServiceCore) Wait() { <-c.doneCh }

// invoke runs one handler with panic containment.
func (c *ServiceCore) invoke(req coreRequest) (data json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Errorf(KindInternal, c.id+"."+req.method, "handler panic: %v", r)
			c.logger.Error("service handler panicked",
				"service", c.id, "method", req.method, "panic", fmt.Sprint(r))
		}
	}()

	h, ok := c.handlers[req.method]
	if !ok {
		return nil, Errorf(KindValidation, c.id+".dispatch", "unknown method %q", req.method)
	}
	result, err := h(req.ctx, req.args)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	out, merr := json.Marshal(result)
	if merr != nil {
		return nil, WrapErr(KindInternal, c.id+"."+req.method, "serialize result", merr)
	}
	return out, nil
}

// Dispatch sends one request through the loop and waits for its reply.
// Fails with a Timeout error if the loop is gone or ctx expires first.
func (c *ServiceCore) Dispatch(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	req := coreRequest{ctx: ctx, method: method, args: args, reply: make(chan coreReply, 1)}
	select {
	case c.reqCh <- req:
	case <-c.doneCh:
		return nil, Errorf(KindInternal, c.id+".dispatch", "service loop stopped")
	case <-ctx.Done():
		return nil, WrapErr(KindTimeout, c.id+".dispatch", "dispatch queue wait", ctx.Err())
	}
	select {
	case rep := <-req.reply:
		return rep.data, rep.err
	case <-ctx.Done():
		return nil, WrapErr(KindTimeout, c.id+".dispatch", "handler wait", ctx.Err())
	}
}
