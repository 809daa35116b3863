package valet

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// ServiceStatus is the supervisor's last known view of one service.
type ServiceStatus struct {
	Running   bool   `json:"running"`
	Healthy   bool   `json:"healthy"`
	LastCheck int64  `json:"last_check"`
	Error     string `json:"error,omitempty"`
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorLogger sets the structured logger. Default: no output.
func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// WithInitTimeout sets the per-service initialisation budget. Default: 30s.
func WithInitTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.initTimeout = d }
}

// WithHealthInterval sets the liveness polling interval. Default: 5s.
func WithHealthInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.healthInterval = d }
}

// WithHealthTimeout sets the per-probe timeout. Default: 2s.
func WithHealthTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.healthTimeout = d }
}

type managedService struct {
	service Service
	port    int
	rpc     *RPCServer
	client  *RPCClient
	cancel  context.CancelFunc
}

// Supervisor owns the lifecycle and liveness of all services: it
// initialises each one (fail-fast), runs its dispatch loop, exposes it
// on its well-known RPC port, and polls healthcheck every interval.
type Supervisor struct {
	logger         *slog.Logger
	initTimeout    time.Duration
	healthInterval time.Duration
	healthTimeout  time.Duration

	mu       sync.Mutex
	services []*managedService
	byID     map[string]*managedService
	statuses map[string]ServiceStatus
	started  bool

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewSupervisor creates an empty Supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		initTimeout:    30 * time.Second,
		healthInterval: 5 * time.Second,
		healthTimeout:  2 * time.Second,
		byID:           make(map[string]*managedService),
		statuses:       make(map[string]ServiceStatus),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = nopLogger
	}
	return s
}

// Register adds a service with its well-known RPC port. Must be called
// before Start; duplicate ids and ports are rejected.
func (s *Supervisor) Register(svc Service, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return Errorf(KindValidation, "supervisor.register", "supervisor already started")
	}
	if _, ok := s.byID[svc.ID()]; ok {
		return Errorf(KindConflict, "supervisor.register", "service %q already registered", svc.ID())
	}
	for _, m := range s.services {
		if m.port == port {
			return Errorf(KindConflict, "supervisor.register",
				"port %d already taken by service %q", port, m.service.ID())
		}
	}
	m := &managedService{service: svc, port: port, client: NewRPCClient(port)}
	s.services = append(s.services, m)
	s.byID[svc.ID()] = m
	return nil
}

// Start initialises and launches every registered service in registration
// order, then begins health polling. Startup is fail-fast: the first
// service that fails to initialise aborts the whole startup, the already
// started services are shut down, and the returned error names the
// failing service.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return Errorf(KindValidation, "supervisor.start", "already started")
	}
	s.started = true
	services := append([]*managedService(nil), s.services...)
	s.mu.Unlock()

	for i, m := range services {
		if err := s.startService(ctx, m); err != nil {
			s.logger.Error("service startup failed; aborting",
				"service", m.service.ID(), "error", err)
			s.stopServices(ctx, services[:i])
			return WrapErr(KindInternal, "supervisor.start",
				"startup failed: service "+m.service.ID(), err)
		}
		s.setStatus(m.service.ID(), ServiceStatus{Running: true, Healthy: true, LastCheck: NowUnix()})
		s.logger.Info("service started", "service", m.service.ID(), "port", m.port)
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.pollCancel = cancel
	s.pollDone = make(chan struct{})
	go s.pollHealth(pollCtx, services)
	return nil
}

// startService initialises one service within the init budget and brings
// up its loop and RPC channel.
func (s *Supervisor) startService(ctx context.Context, m *managedService) error {
	initCtx, cancel := context.WithTimeout(ctx, s.initTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.service.Init(initCtx) }()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-initCtx.Done():
		return Errorf(KindTimeout, "supervisor.start",
			"service %q init exceeded %s", m.service.ID(), s.initTimeout)
	}

	loopCtx, loopCancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = loopCancel
	m.service.Core().Start(loopCtx)

	m.rpc = NewRPCServer(m.service.Core(), m.port)
	if err := m.rpc.Start(); err != nil {
		loopCancel()
		return err
	}

	// A crashed RPC channel marks the service not-running; the supervisor
	// logs it and leaves restart policy to the operator.
	go func() {
		if err, ok := <-m.rpc.Failed(); ok && err != nil {
			s.logger.Error("service rpc channel failed", "service", m.service.ID(), "error", err)
			s.markCrashed(m.service.ID(), err)
		}
	}()
	return nil
}

// CallService invokes a method on a service by id, through its RPC
// channel like any external caller.
func (s *Supervisor) CallService(ctx context.Context, serviceID, method string, args json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	m, ok := s.byID[serviceID]
	s.mu.Unlock()
	if !ok {
		return nil, Errorf(KindNotFound, "supervisor.call", "unknown service %q", serviceID)
	}
	return m.client.Call(ctx, method, args)
}

// Status returns the last recorded status of one service.
func (s *Supervisor) Status(serviceID string) (ServiceStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[serviceID]
	return st, ok
}

// Statuses returns a snapshot of all service statuses keyed by id.
func (s *Supervisor) Statuses() map[string]ServiceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ServiceStatus, len(s.statuses))
	for id, st := range s.statuses {
		out[id] = st
	}
	return out
}

// Stop shuts all services down in reverse registration order.
func (s *Supervisor) Stop(ctx context.Context) {
	if s.pollCancel != nil {
		s.pollCancel()
		<-s.pollDone
	}
	s.mu.Lock()
	services := append([]*managedService(nil), s.services...)
	s.mu.Unlock()
	s.stopServices(ctx, services)
}

func (s *Supervisor) stopServices(ctx context.Context, services []*managedService) {
	for i := len(services) - 1; i >= 0; i-- {
		m := services[i]
		if m.rpc != nil {
			if err := m.rpc.Shutdown(ctx); err != nil {
				s.logger.Warn("rpc shutdown failed", "service", m.service.ID(), "error", err)
			}
		}
		if err := m.service.Shutdown(ctx); err != nil {
			s.logger.Warn("service shutdown failed", "service", m.service.ID(), "error", err)
		}
		if m.cancel != nil {
			m.cancel()
			m.service.Core().Wait()
		}
		s.setStatus(m.service.ID(), ServiceStatus{Running: false, LastCheck: NowUnix()})
	}
}

// pollHealth probes every service's healthcheck on the polling interval.
func (s *Supervisor) pollHealth(ctx context.Context, services []*managedService) {
	defer close(s.pollDone)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.healthInterval):
		}
		for _, m := range services {
			s.probe(ctx, m)
		}
	}
}

// probe runs one healthcheck with the probe timeout and records the result.
func (s *Supervisor) probe(ctx context.Context, m *managedService) {
	id := m.service.ID()
	st, _ := s.Status(id)
	if !st.Running {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()
	_, err := m.client.Call(probeCtx, "healthcheck", nil)

	st.LastCheck = NowUnix()
	if err != nil {
		if st.Healthy {
			s.logger.Warn("service became unhealthy", "service", id, "error", err)
		}
		st.Healthy = false
		st.Error = err.Error()
	} else {
		if !st.Healthy {
			s.logger.Info("service recovered", "service", id)
		}
		st.Healthy = true
		st.Error = ""
	}
	s.setStatus(id, st)
}

func (s *Supervisor) setStatus(id string, st ServiceStatus) {
	s.mu.Lock()
	s.statuses[id] = st
	s.mu.Unlock()
}

func (s *Supervisor) markCrashed(id string, err error) {
	s.mu.Lock()
	st := s.statuses[id]
	st.Running = false
	st.Healthy = false
	st.Error = err.Error()
	st.LastCheck = NowUnix()
	s.statuses[id] = st
	s.mu.Unlock()
}
