// Package capture implements the recording proxy: it forwards GET requests
// to their origin, hands the normalized answer to the caller and keeps the
// latest answer per absolute URL.
package capture

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

// Recorder observes every captured entry. Implementations must be safe for
// concurrent use and must not modify the entry.
type Recorder interface {
	Record(*response.Entry) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(*response.Entry) error

// Record implements Recorder.
func (f RecorderFunc) Record(e *response.Entry) error {
	return f(e)
}

// Proxy is an http.Handler for proxy-style GET requests.
type Proxy struct {
	upstream *Upstream
	logger   logger.Logger
	captured *response.CaptureSet

	mu        sync.RWMutex
	recorders []Recorder
	selfPort  atomic.Int64
}

// NewProxy creates a proxy with its own upstream client.
func NewProxy(log logger.Logger, opts Options, recorders ...Recorder) *Proxy {
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("component", "capture")
	return &Proxy{
		upstream:  NewUpstream(log, opts),
		logger:    log,
		captured:  response.NewCaptureSet(),
		recorders: recorders,
	}
}

// AddRecorder registers another observer.
func (p *Proxy) AddRecorder(r Recorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recorders = append(p.recorders, r)
}

// SetListenPort tells the proxy the port it is served on, so requests
// addressed to itself are answered locally instead of forwarded.
func (p *Proxy) SetListenPort(port int) {
	p.selfPort.Store(int64(port))
}

// Responses returns the set of captured responses.
func (p *Proxy) Responses() *response.CaptureSet {
	return p.captured
}

// Close releases the upstream client once in-flight requests finish.
func (p *Proxy) Close() {
	p.upstream.Close()
}

// ServeHTTP implements the http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	target, ok := targetURL(r)
	if !ok {
		http.Error(w, "Bad Request: no proxy target", http.StatusBadRequest)
		return
	}

	if p.isSelf(target) {
		http.Error(w, "Loop Detected: request addressed to the capture proxy", http.StatusLoopDetected)
		return
	}

	rec, err := p.upstream.Fetch(r.Context(), target, r.Header)
	if err != nil {
		p.logger.Error("Upstream request failed", "url", target, "error", err)
		http.Error(w, "Bad Gateway: upstream request failed", http.StatusBadGateway)
		return
	}

	entry := p.captured.Put(target, rec)
	if err := rec.Write(w); err != nil {
		p.logger.Warn("Failed to write response to client", "url", target, "error", err)
	}
	p.logger.Debug("Response captured",
		"url", target,
		"status", rec.StatusCode,
		"bytes", len(rec.Body),
		"seq", entry.Seq,
	)
	p.notify(entry)
}

func (p *Proxy) notify(entry *response.Entry) {
	p.mu.RLock()
	recorders := append([]Recorder(nil), p.recorders...)
	p.mu.RUnlock()
	if len(recorders) == 0 {
		return
	}

	var group errgroup.Group
	for _, rec := range recorders {
		group.Go(func() error {
			return rec.Record(entry)
		})
	}
	if err := group.Wait(); err != nil {
		p.logger.Warn("Capture observer failed", "url", entry.URL, "error", err)
	}
}

// targetURL returns the absolute URL a proxy request asks for. Origin-form
// requests are completed from the Host header.
func targetURL(r *http.Request) (string, bool) {
	if r.URL.IsAbs() {
		if strings.Contains(r.RequestURI, "://") {
			return r.RequestURI, true
		}
		return r.URL.String(), true
	}
	if r.Host == "" {
		return "", false
	}
	uri := r.URL.RequestURI()
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return "http://" + r.Host + uri, true
}

func (p *Proxy) isSelf(target string) bool {
	port := p.selfPort.Load()
	if port == 0 {
		return false
	}
	u, err := url.Parse(target)
	if err != nil || u.Port() != strconv.FormatInt(port, 10) {
		return false
	}
	switch host := u.Hostname(); host {
	case "localhost":
		return true
	default:
		ip := net.ParseIP(host)
		return ip != nil && ip.IsLoopback()
	}
}
