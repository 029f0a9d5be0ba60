package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/m-lab/ndt-e2e-clientworker/internal/server"
)

// silentRunner holds a listener open but never accepts on it, so every
// probe hangs until its own timeout.
type silentRunner struct {
	ln       net.Listener
	done     chan struct{}
	stopOnce sync.Once
}

func newSilentRunner(t *testing.T) *silentRunner {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	return &silentRunner{ln: ln, done: make(chan struct{})}
}

func (r *silentRunner) Port() int { return r.ln.Addr().(*net.TCPAddr).Port }

func (r *silentRunner) Serve() error {
	<-r.done
	return nil
}

func (r *silentRunner) Shutdown(context.Context) error {
	r.stopOnce.Do(func() {
		close(r.done)
		r.ln.Close()
	})
	return nil
}

// failingRunner's serve loop returns immediately with an error.
type failingRunner struct{ port int }

func (r *failingRunner) Port() int                      { return r.port }
func (r *failingRunner) Serve() error                   { return errors.New("boom") }
func (r *failingRunner) Shutdown(context.Context) error { return nil }

func newHTTPServer(t *testing.T, addr string) *server.HTTPServer {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv, err := server.Listen("test", addr, handler, nil)
	if err != nil {
		t.Fatalf("Failed to bind server: %v", err)
	}
	return srv
}

func TestManagerStartAndClose(t *testing.T) {
	srv := newHTTPServer(t, "127.0.0.1:0")
	m := New(srv)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if srv.State() != server.StateServing {
		t.Errorf("Expected state serving, got %v", srv.State())
	}

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/anything", m.Port()))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", resp.StatusCode)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if srv.State() != server.StateClosed {
		t.Errorf("Expected state closed, got %v", srv.State())
	}
	if err := m.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Error("Expected Start after Close to fail")
	}
}

func TestManagerStartTwice(t *testing.T) {
	m := New(newHTTPServer(t, "127.0.0.1:0"))
	defer m.Close()

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Error("Expected second Start to fail")
	}
}

func TestManagerWaitTimeout(t *testing.T) {
	r := newSilentRunner(t)
	m := New(r, WithWaitTimeout(200*time.Millisecond))
	defer m.Close()

	start := time.Now()
	err := m.Start(context.Background())
	elapsed := time.Since(start)

	var waitErr *WaitTimeoutError
	if !errors.As(err, &waitErr) {
		t.Fatalf("Expected WaitTimeoutError, got %v", err)
	}
	if !errors.Is(err, ErrWaitTimeout) {
		t.Error("Expected errors.Is(err, ErrWaitTimeout)")
	}
	if waitErr.Port != r.Port() {
		t.Errorf("Expected port %d in error, got %d", r.Port(), waitErr.Port)
	}
	// One probe may still be in flight when the deadline passes.
	if elapsed > 200*time.Millisecond+probeTimeout+time.Second {
		t.Errorf("Start took too long to give up: %v", elapsed)
	}
}

func TestManagerServeExitsEarly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	m := New(&failingRunner{port: port}, WithWaitTimeout(2*time.Second))
	err = m.Start(context.Background())
	if err == nil {
		t.Fatal("Expected Start to fail when the serve loop exits")
	}
	if errors.Is(err, ErrWaitTimeout) {
		t.Errorf("Expected an early-exit error, got timeout %v", err)
	}
	if cerr := m.Close(); cerr == nil {
		t.Error("Expected Close to report the serve error")
	}
}

func TestManagerCloseWithoutStart(t *testing.T) {
	srv := newHTTPServer(t, "127.0.0.1:0")
	port := srv.Port()
	m := New(srv)

	if err := m.Close(); err != nil {
		t.Fatalf("Close without Start failed: %v", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("Expected port %d to be released, got %v", port, err)
	}
	ln.Close()
}

func TestManagerPortReusableAfterClose(t *testing.T) {
	first := newHTTPServer(t, "127.0.0.1:0")
	port := first.Port()
	m := New(first)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second := newHTTPServer(t, fmt.Sprintf("127.0.0.1:%d", port))
	m2 := New(second)
	if err := m2.Start(context.Background()); err != nil {
		t.Fatalf("Restart on port %d failed: %v", port, err)
	}
	if err := m2.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestGroupStartAndClose(t *testing.T) {
	a := newHTTPServer(t, "127.0.0.1:0")
	b := newHTTPServer(t, "127.0.0.1:0")
	g := NewGroup(New(a), New(b))

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Group start failed: %v", err)
	}
	if a.State() != server.StateServing || b.State() != server.StateServing {
		t.Errorf("Expected both servers serving, got %v and %v", a.State(), b.State())
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Group close failed: %v", err)
	}
	if a.State() != server.StateClosed || b.State() != server.StateClosed {
		t.Errorf("Expected both servers closed, got %v and %v", a.State(), b.State())
	}
}

func TestGroupStartFailureClosesStarted(t *testing.T) {
	a := newHTTPServer(t, "127.0.0.1:0")
	silent := newSilentRunner(t)
	g := NewGroup(New(a), New(silent, WithWaitTimeout(100*time.Millisecond)))

	err := g.Start(context.Background())
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("Expected wait timeout from group, got %v", err)
	}
	if a.State() != server.StateClosed {
		t.Errorf("Expected first server closed after group failure, got %v", a.State())
	}
}
