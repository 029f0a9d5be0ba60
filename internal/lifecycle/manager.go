// Package lifecycle runs HTTP servers in owned background goroutines with a
// blocking, probe-confirmed start and a blocking, leak-free shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
)

// DefaultWaitTimeout bounds how long Start waits for the first response.
const DefaultWaitTimeout = 5 * time.Second

const (
	probeInterval = 20 * time.Millisecond
	probeTimeout  = 500 * time.Millisecond
	closeTimeout  = 10 * time.Second
)

// ErrWaitTimeout is matched by every WaitTimeoutError.
var ErrWaitTimeout = errors.New("wait timeout exceeded")

// WaitTimeoutError is returned by Start when the server never answered.
type WaitTimeoutError struct {
	Port int
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("wait timeout exceeded when waiting for a response on local port %d", e.Port)
}

// Is makes errors.Is(err, ErrWaitTimeout) succeed.
func (e *WaitTimeoutError) Is(target error) bool {
	return target == ErrWaitTimeout
}

// Runner is a server bound to a local port whose serve loop can be run
// and stopped.
type Runner interface {
	// Port returns the local TCP port the server is bound to.
	Port() int
	// Serve blocks until the server is shut down.
	Serve() error
	// Shutdown stops the serve loop and releases the listener. It must be
	// safe to call more than once and on a server that never served.
	Shutdown(ctx context.Context) error
}

// Manager owns one Runner and its serve goroutine.
type Manager struct {
	runner      Runner
	logger      logger.Logger
	waitTimeout time.Duration
	client      *http.Client

	mu      sync.Mutex
	group   *errgroup.Group
	started bool
	closed  bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithWaitTimeout overrides DefaultWaitTimeout.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.waitTimeout = d
		}
	}
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.logger = log
		}
	}
}

// New wraps runner in a Manager.
func New(runner Runner, opts ...Option) *Manager {
	m := &Manager{
		runner:      runner,
		logger:      logger.Nop(),
		waitTimeout: DefaultWaitTimeout,
		client: &http.Client{
			Timeout: probeTimeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
				Proxy:             nil,
			},
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Port returns the wrapped server's port.
func (m *Manager) Port() int {
	return m.runner.Port()
}

// Start launches the serve loop in the background and blocks until the
// server answers an HTTP request on its own port, the wait timeout elapses
// or ctx is done. After a successful Start the caller must call Close.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("server manager is closed")
	}
	if m.started {
		m.mu.Unlock()
		return errors.New("server manager already started")
	}
	m.started = true
	exited := make(chan error, 1)
	m.group = &errgroup.Group{}
	m.group.Go(func() error {
		err := m.runner.Serve()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		exited <- err
		return err
	})
	m.mu.Unlock()

	port := m.runner.Port()
	m.logger.Debug("Waiting for server to respond", "port", port)
	if err := m.waitForResponse(ctx, port, exited); err != nil {
		m.logger.Error("Server failed to start", "port", port, "error", err)
		return err
	}
	m.logger.Debug("Server is responding", "port", port)
	return nil
}

func (m *Manager) waitForResponse(ctx context.Context, port int, exited <-chan error) error {
	deadline := time.Now().Add(m.waitTimeout)
	url := fmt.Sprintf("http://localhost:%d/", port)

	for {
		if m.probe(ctx, url) {
			return nil
		}
		if time.Now().After(deadline) {
			return &WaitTimeoutError{Port: port}
		}

		select {
		case err := <-exited:
			if err == nil {
				err = errors.New("serve loop returned")
			}
			return fmt.Errorf("server on port %d exited before responding: %w", port, err)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeInterval):
		}
	}
}

// probe reports whether any HTTP response, whatever its status, came back.
func (m *Manager) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return true
}

// Close stops the server and waits for its serve goroutine to return. It
// is idempotent and safe to call when Start was never called, in which
// case the bound listener is still released.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	group := m.group
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	err := m.runner.Shutdown(ctx)
	if group != nil {
		if serveErr := group.Wait(); serveErr != nil && err == nil {
			err = serveErr
		}
	}
	if err != nil {
		m.logger.Error("Server shutdown failed", "port", m.runner.Port(), "error", err)
		return fmt.Errorf("shutdown server on port %d: %w", m.runner.Port(), err)
	}
	m.logger.Debug("Server closed", "port", m.runner.Port())
	return nil
}
