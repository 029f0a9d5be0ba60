// Package replay serves a canonicalized replay set from a local port so a
// speed-test client can load its page without reaching the real hosts.
package replay

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/m-lab/ndt-e2e-clientworker/internal/discovery"
	"github.com/m-lab/ndt-e2e-clientworker/internal/lifecycle"
	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
	"github.com/m-lab/ndt-e2e-clientworker/internal/server"
	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

// Placeholder is the host that canonicalization wrote in place of every
// captured network location.
const Placeholder = "127.0.0.1"

// DefaultDiscoveryPaths are the keys whose bodies are replaced with a
// synthesized discovery answer.
var DefaultDiscoveryPaths = []string{"/ndt", "/ndt_ssl"}

// Options tunes a replay Server.
type Options struct {
	// DiscoveryPaths overrides DefaultDiscoveryPaths when non-nil.
	DiscoveryPaths []string
	// ListenHost is the interface to bind. Empty binds all interfaces.
	ListenHost string
}

// Server replays stored responses keyed by request URI.
type Server struct {
	*server.HTTPServer
	logger  logger.Logger
	replays response.ReplaySet
}

// New copies set, binds an OS-assigned port and rewrites the copy for that
// port: discovery keys get an answer naming targetFQDN, then every
// placeholder in every body becomes localhost:<port>.
func New(set response.ReplaySet, targetFQDN string, opts Options, log logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("component", "replay")

	s := &Server{logger: log}

	router := mux.NewRouter()
	router.SkipClean(true)
	router.Methods(http.MethodGet).HandlerFunc(s.handleReplay)
	router.MethodNotAllowedHandler = http.HandlerFunc(handleMethodNotAllowed)

	srv, err := server.Listen("replay", opts.ListenHost+":0", router, log)
	if err != nil {
		return nil, err
	}
	s.HTTPServer = srv

	paths := opts.DiscoveryPaths
	if paths == nil {
		paths = DefaultDiscoveryPaths
	}
	replays := set.Clone()
	synthesizeDiscovery(replays, paths, targetFQDN)
	rewriteLoopback(replays, fmt.Sprintf("localhost:%d", srv.Port()))
	s.replays = replays

	log.Debug("Replay server ready", "port", srv.Port(), "responses", len(replays), "fqdn", targetFQDN)
	return s, nil
}

// NewManager builds a replay server and wraps it in a lifecycle manager.
func NewManager(set response.ReplaySet, targetFQDN string, opts Options, log logger.Logger, mopts ...lifecycle.Option) (*lifecycle.Manager, *Server, error) {
	s, err := New(set, targetFQDN, opts, log)
	if err != nil {
		return nil, nil, err
	}
	if log != nil {
		mopts = append([]lifecycle.Option{lifecycle.WithLogger(log)}, mopts...)
	}
	return lifecycle.New(s, mopts...), s, nil
}

func synthesizeDiscovery(set response.ReplaySet, paths []string, fqdn string) {
	body := discovery.Marshal(fqdn)
	for _, p := range paths {
		if rec, ok := set[p]; ok {
			set[p] = rec.WithBody(body)
		}
	}
}

func rewriteLoopback(set response.ReplaySet, hostport string) {
	old := []byte(Placeholder)
	repl := []byte(hostport)
	for key, rec := range set {
		set[key] = rec.WithBody(bytes.ReplaceAll(rec.Body, old, repl))
	}
}

// Replays returns a copy of the rewritten set being served.
func (s *Server) Replays() response.ReplaySet {
	return s.replays.Clone()
}

// URL returns the address a browser should load to fetch path.
func (s *Server) URL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", s.Port(), path)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.replays[r.RequestURI]
	if !ok {
		s.logger.Info("No stored response", "path", r.RequestURI)
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	if err := rec.Write(w); err != nil {
		s.logger.Debug("Failed to write replayed response", "path", r.RequestURI, "error", err)
	}
}

func handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", http.MethodGet)
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
