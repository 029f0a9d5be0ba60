// Package discovery serves a canned server-discovery answer that points
// speed-test clients at a chosen server FQDN.
package discovery

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
	"github.com/m-lab/ndt-e2e-clientworker/internal/server"
)

// Fixed values of every synthesized answer. Only the FQDN varies.
const (
	StubIP      = "1.2.3.4"
	StubCountry = "US"
	StubCity    = "Washington_DC"
	StubSite    = "iad0t"
	StubPort    = 7123
)

// Response is the discovery answer clients read to locate a test server.
type Response struct {
	IP      []string `json:"ip"`
	Country string   `json:"country"`
	City    string   `json:"city"`
	FQDN    string   `json:"fqdn"`
	Site    string   `json:"site"`
	URL     string   `json:"url"`
}

// NewResponse returns the answer for fqdn.
func NewResponse(fqdn string) Response {
	return Response{
		IP:      []string{StubIP},
		Country: StubCountry,
		City:    StubCity,
		FQDN:    fqdn,
		Site:    StubSite,
		URL:     fmt.Sprintf("http://%s:%d", fqdn, StubPort),
	}
}

// Marshal returns the JSON body for fqdn.
func Marshal(fqdn string) []byte {
	// A struct of strings cannot fail to encode.
	data, _ := json.Marshal(NewResponse(fqdn))
	return data
}

// Stub answers every request, whatever its method or path, with the
// discovery JSON for one FQDN.
type Stub struct {
	*server.HTTPServer
	fqdn string
	body []byte
}

// New binds an OS-assigned port on all interfaces. Port is valid as soon
// as New returns.
func New(fqdn string, log logger.Logger) (*Stub, error) {
	return NewWithAddr(":0", fqdn, log)
}

// NewWithAddr binds addr instead of ":0".
func NewWithAddr(addr, fqdn string, log logger.Logger) (*Stub, error) {
	if log == nil {
		log = logger.Nop()
	}
	s := &Stub{fqdn: fqdn, body: Marshal(fqdn)}
	srv, err := server.Listen("discovery", addr, http.HandlerFunc(s.serveHTTP), log.With("component", "discovery"))
	if err != nil {
		return nil, err
	}
	s.HTTPServer = srv
	return s, nil
}

// FQDN returns the server name the stub advertises.
func (s *Stub) FQDN() string {
	return s.fqdn
}

func (s *Stub) serveHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprint(len(s.body)))
	w.WriteHeader(http.StatusOK)
	w.Write(s.body)
}
