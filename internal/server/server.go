package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
)

// State is the lifecycle position of an HTTPServer.
type State int

// Server states, in the only order they can occur.
const (
	StateBound State = iota + 1
	StateServing
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateServing:
		return "serving"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "constructed"
	}
}

// HTTPServer is an http.Server bound to its listener at construction, so
// the port is known before the serve loop runs.
type HTTPServer struct {
	name     string
	logger   logger.Logger
	listener net.Listener
	httpSrv  *http.Server

	mu    sync.Mutex
	state State

	shutdownOnce sync.Once
	shutdownErr  error
}

// Listen binds addr (use ":0" or "127.0.0.1:0" for an OS-assigned port)
// and prepares handler to be served on it.
func Listen(name, addr string, handler http.Handler, log logger.Logger) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s: bind %s: %w", name, addr, err)
	}
	if log == nil {
		log = logger.Nop()
	}

	s := &HTTPServer{
		name:     name,
		logger:   log,
		listener: ln,
		state:    StateBound,
		httpSrv: &http.Server{
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	s.logger.Debug("Server bound", "server", name, "addr", ln.Addr().String())
	return s, nil
}

// Port returns the bound TCP port.
func (s *HTTPServer) Port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Addr returns the bound address.
func (s *HTTPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// State returns the current lifecycle state.
func (s *HTTPServer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *HTTPServer) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// Serve runs the accept loop until Shutdown. A server that was already
// shut down returns nil immediately.
func (s *HTTPServer) Serve() error {
	if !s.transition(StateBound, StateServing) {
		return nil
	}
	s.logger.Info("Starting HTTP server", "server", s.name, "port", s.Port())

	err := s.httpSrv.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, waits for in-flight requests and
// closes the listener. Only the first call does any work.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.state = StateShuttingDown
		s.mu.Unlock()

		err := s.httpSrv.Shutdown(ctx)
		if err != nil {
			s.logger.Error("Server forced to shutdown", "server", s.name, "error", err)
			s.httpSrv.Close()
		}
		// Serve never ran, or lost the race with Shutdown: the listener is
		// still ours to close.
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
			err = cerr
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.shutdownErr = err
		s.logger.Info("Server exited", "server", s.name, "port", s.Port())
	})
	return s.shutdownErr
}
