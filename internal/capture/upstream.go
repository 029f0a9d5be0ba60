package capture

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

// ErrUpstreamClosed indicates the upstream client has been shut down.
var ErrUpstreamClosed = errors.New("upstream client is closed")

var errResponseTooLarge = errors.New("upstream response exceeds configured limit")

// Options configures the upstream client.
type Options struct {
	Timeout               time.Duration
	MaxBodyBytes          int64
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	TLSInsecureSkipVerify bool
}

// hopHeaders are never copied between the client and the upstream, in
// either direction.
var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// Upstream fetches GET requests from origin servers and normalizes the
// answer into a replayable Record.
type Upstream struct {
	client       *http.Client
	logger       logger.Logger
	maxBodyBytes int64

	mu          sync.Mutex
	cond        *sync.Cond
	closed      bool
	activeCalls int
}

// NewUpstream creates an upstream client. The transport never asks for or
// decodes compression on its own, so the real Content-Encoding reaches
// normalize.
func NewUpstream(log logger.Logger, opts Options) *Upstream {
	if log == nil {
		log = logger.Nop()
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DisableCompression:    true,
		MaxIdleConns:          positiveOrDefault(opts.MaxIdleConns, 100),
		MaxIdleConnsPerHost:   positiveOrDefault(opts.MaxIdleConnsPerHost, 10),
		IdleConnTimeout:       durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
		ResponseHeaderTimeout: durationOrDefault(opts.ResponseHeaderTimeout, 15*time.Second),
		TLSHandshakeTimeout:   durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecureSkipVerify,
		},
	}

	u := &Upstream{
		client: &http.Client{
			Timeout:   durationOrDefault(opts.Timeout, 30*time.Second),
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:       log,
		maxBodyBytes: opts.MaxBodyBytes,
	}
	u.cond = sync.NewCond(&u.mu)
	return u
}

// Fetch issues a GET for targetURL carrying the caller's end-to-end
// headers and returns the normalized response.
func (u *Upstream) Fetch(ctx context.Context, targetURL string, header http.Header) (*response.Record, error) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil, ErrUpstreamClosed
	}
	u.activeCalls++
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.activeCalls--
		if u.activeCalls == 0 {
			u.cond.Broadcast()
		}
		u.mu.Unlock()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}
	for key, values := range header {
		if !u.shouldForwardHeader(key) {
			continue
		}
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			u.logger.Warn("Failed to close response body", "error", cerr)
		}
	}()

	body, err := u.readBody(resp.Body)
	if err != nil {
		return nil, err
	}
	return normalize(resp.StatusCode, resp.Header, body)
}

func (u *Upstream) readBody(r io.Reader) ([]byte, error) {
	if u.maxBodyBytes <= 0 {
		body, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		return body, nil
	}
	body, err := io.ReadAll(io.LimitReader(r, u.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(body)) > u.maxBodyBytes {
		return nil, errResponseTooLarge
	}
	return body, nil
}

// normalize turns an upstream answer into a Record that can be replayed
// with a plain Content-Length: gzip is decoded, transfer framing and
// hop-by-hop fields are dropped and the length is recomputed.
func normalize(status int, src http.Header, body []byte) (*response.Record, error) {
	headers := response.FromHTTP(src)
	for _, key := range headers.Keys() {
		if hopHeaders[strings.ToLower(key)] {
			headers.Del(key)
		}
	}

	switch encoding := headers.Get("Content-Encoding"); {
	case isGzip(encoding):
		decoded, err := gunzip(body)
		if err != nil {
			return nil, fmt.Errorf("decode gzip body: %w", err)
		}
		body = decoded
		headers.Del("Content-Encoding")
	case isDeflate(encoding):
		decoded, err := inflate(body)
		if err != nil {
			return nil, fmt.Errorf("decode deflate body: %w", err)
		}
		body = decoded
		headers.Del("Content-Encoding")
	}

	headers.Set(response.HeaderContentLength, strconv.Itoa(len(body)))
	return response.NewRecord(status, headers, body)
}

func isGzip(encoding string) bool {
	encoding = strings.TrimSpace(encoding)
	return strings.EqualFold(encoding, "gzip") || strings.EqualFold(encoding, "x-gzip")
}

func gunzip(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func isDeflate(encoding string) bool {
	return strings.EqualFold(strings.TrimSpace(encoding), "deflate")
}

// inflate decodes a deflate body. Servers send either the zlib wrapped
// stream or the raw one, so zlib is tried first.
func inflate(body []byte) ([]byte, error) {
	if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
		defer zr.Close()
		if decoded, err := io.ReadAll(zr); err == nil {
			return decoded, nil
		}
	}
	fr := flate.NewReader(bytes.NewReader(body))
	defer fr.Close()
	return io.ReadAll(fr)
}

// shouldForwardHeader reports whether a client request header is passed
// on to the origin.
func (u *Upstream) shouldForwardHeader(key string) bool {
	lowerKey := strings.ToLower(key)
	if hopHeaders[lowerKey] {
		return false
	}
	switch lowerKey {
	case "host", "content-length":
		return false
	case "authorization", "cookie":
		u.logger.Debug("Forwarding sensitive header", "header", key)
	}
	return true
}

// Close waits for in-flight fetches and releases idle connections. Fetch
// fails with ErrUpstreamClosed afterwards.
func (u *Upstream) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	for u.activeCalls > 0 {
		u.cond.Wait()
	}
	u.mu.Unlock()

	if transport, ok := u.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func durationOrDefault(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}
