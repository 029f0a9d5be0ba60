package capture

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

type memoryRecorder struct {
	mu      sync.Mutex
	entries []*response.Entry
}

func (m *memoryRecorder) Record(e *response.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryRecorder) urls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		out = append(out, e.URL)
	}
	return out
}

func gzipBytes(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s)); err != nil {
		t.Fatalf("gzip write failed: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close failed: %v", err)
	}
	return buf.Bytes()
}

func newTestProxy(opts Options, recorders ...Recorder) *Proxy {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	return NewProxy(nil, opts, recorders...)
}

func proxyGet(p http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)
	return rr
}

func TestProxyForwardsAndCaptures(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Mock-Header", "OK")
		w.Header().Set("X-Seen-Agent", r.Header.Get("User-Agent"))
		w.Write([]byte("hello from " + r.URL.RequestURI()))
	}))
	defer upstream.Close()

	rec := &memoryRecorder{}
	p := newTestProxy(Options{}, rec)
	defer p.Close()

	target := upstream.URL + "/foo?x=1"
	rr := proxyGet(p, target, http.Header{"User-Agent": {"speedtest"}})

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	if got := rr.Body.String(); got != "hello from /foo?x=1" {
		t.Errorf("Unexpected body %q", got)
	}
	if got := rr.Header().Get("X-Seen-Agent"); got != "speedtest" {
		t.Errorf("Expected client headers forwarded, got %q", got)
	}

	stored, ok := p.Responses().Get(target)
	if !ok {
		t.Fatalf("Expected capture for %s", target)
	}
	if stored.Headers.Get("mock-header") != "OK" {
		t.Errorf("Expected stored Mock-Header, got %v", stored.Headers)
	}
	if !stored.ContentLengthValid() || !stored.Headers.Has("Content-Length") {
		t.Errorf("Expected valid content-length, got %q", stored.Headers.Get("Content-Length"))
	}
	if urls := rec.urls(); len(urls) != 1 || urls[0] != target {
		t.Errorf("Expected recorder notified once for %s, got %v", target, urls)
	}
}

func TestProxyDecodesGzip(t *testing.T) {
	const plain = "<html>compressed page</html>"
	compressed := gzipBytes(t, plain)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept-Encoding") != "gzip" {
			t.Errorf("Expected Accept-Encoding passed through, got %q", r.Header.Get("Accept-Encoding"))
		}
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", strconv.Itoa(len(compressed)))
		w.Write(compressed)
	}))
	defer upstream.Close()

	p := newTestProxy(Options{})
	defer p.Close()

	rr := proxyGet(p, upstream.URL+"/", http.Header{"Accept-Encoding": {"gzip"}})
	if rr.Body.String() != plain {
		t.Errorf("Expected decoded body %q, got %q", plain, rr.Body.String())
	}
	if rr.Header().Get("Content-Encoding") != "" {
		t.Errorf("Expected Content-Encoding dropped, got %q", rr.Header().Get("Content-Encoding"))
	}
	if cl := rr.Header().Get("Content-Length"); cl != strconv.Itoa(len(plain)) {
		t.Errorf("Expected Content-Length %d, got %s", len(plain), cl)
	}

	stored, _ := p.Responses().Get(upstream.URL + "/")
	if string(stored.Body) != plain || stored.Headers.Has("Content-Encoding") {
		t.Errorf("Unexpected stored record: %q %v", stored.Body, stored.Headers)
	}
}

func TestProxyDecodesDeflate(t *testing.T) {
	const plain = `<a href="http://cdn.example.org/app.js">deflated page</a>`

	var wrapped bytes.Buffer
	zw := zlib.NewWriter(&wrapped)
	zw.Write([]byte(plain))
	zw.Close()

	var raw bytes.Buffer
	fw, err := flate.NewWriter(&raw, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("flate writer: %v", err)
	}
	fw.Write([]byte(plain))
	fw.Close()

	tests := []struct {
		name string
		body []byte
	}{
		{"zlib stream", wrapped.Bytes()},
		{"raw stream", raw.Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Encoding", "deflate")
				w.Header().Set("Content-Length", strconv.Itoa(len(tt.body)))
				w.Write(tt.body)
			}))
			defer upstream.Close()

			p := newTestProxy(Options{})
			defer p.Close()

			rr := proxyGet(p, upstream.URL+"/", http.Header{"Accept-Encoding": {"gzip, deflate"}})
			if rr.Body.String() != plain {
				t.Errorf("Expected decoded body %q, got %q", plain, rr.Body.String())
			}
			if rr.Header().Get("Content-Encoding") != "" {
				t.Errorf("Expected Content-Encoding dropped, got %q", rr.Header().Get("Content-Encoding"))
			}

			stored, ok := p.Responses().Get(upstream.URL + "/")
			if !ok {
				t.Fatal("Expected response to be recorded")
			}
			if string(stored.Body) != plain || stored.Headers.Has("Content-Encoding") {
				t.Errorf("Unexpected stored record: %q %v", stored.Body, stored.Headers)
			}
			if !stored.ContentLengthValid() {
				t.Errorf("Expected content-length %d, got %q", len(plain), stored.Headers.Get("Content-Length"))
			}
		})
	}
}

func TestProxyChunkedUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("part one "))
		w.(http.Flusher).Flush()
		w.Write([]byte("part two"))
	}))
	defer upstream.Close()

	p := newTestProxy(Options{})
	defer p.Close()

	target := upstream.URL + "/stream"
	rr := proxyGet(p, target, nil)
	if rr.Body.String() != "part one part two" {
		t.Errorf("Unexpected body %q", rr.Body.String())
	}
	stored, _ := p.Responses().Get(target)
	if stored.Headers.Has("Transfer-Encoding") {
		t.Error("Expected Transfer-Encoding dropped")
	}
	if stored.Headers.Get("Content-Length") != "17" {
		t.Errorf("Expected Content-Length 17, got %q", stored.Headers.Get("Content-Length"))
	}
}

func TestProxyLatestResponseWins(t *testing.T) {
	var mu sync.Mutex
	count := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		w.Write([]byte("version " + strconv.Itoa(n)))
	}))
	defer upstream.Close()

	p := newTestProxy(Options{})
	defer p.Close()

	target := upstream.URL + "/page"
	proxyGet(p, target, nil)
	proxyGet(p, target, nil)

	if p.Responses().Len() != 1 {
		t.Fatalf("Expected one captured URL, got %d", p.Responses().Len())
	}
	stored, _ := p.Responses().Get(target)
	if string(stored.Body) != "version 2" {
		t.Errorf("Expected latest response kept, got %q", stored.Body)
	}
}

func TestProxyUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	target := upstream.URL + "/gone"
	upstream.Close()

	rec := &memoryRecorder{}
	p := newTestProxy(Options{Timeout: 2 * time.Second}, rec)
	defer p.Close()

	rr := proxyGet(p, target, nil)
	if rr.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", rr.Code)
	}
	if p.Responses().Len() != 0 {
		t.Error("Expected no capture for a failed request")
	}
	if len(rec.urls()) != 0 {
		t.Error("Expected no recorder notification for a failed request")
	}
}

func TestProxyUpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	p := newTestProxy(Options{Timeout: 200 * time.Millisecond})
	defer p.Close()

	start := time.Now()
	rr := proxyGet(p, upstream.URL+"/slow", nil)
	if rr.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", rr.Code)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Expected the proxy to give up quickly, took %v", elapsed)
	}
}

func TestProxyBodyLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("a"), 64))
	}))
	defer upstream.Close()

	p := newTestProxy(Options{MaxBodyBytes: 16})
	defer p.Close()

	rr := proxyGet(p, upstream.URL+"/big", nil)
	if rr.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 for oversized body, got %d", rr.Code)
	}
}

func TestProxyRejectsNonGET(t *testing.T) {
	p := newTestProxy(Options{})
	defer p.Close()

	req := httptest.NewRequest(http.MethodPost, "http://example.com/", nil)
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodGet {
		t.Errorf("Expected Allow: GET, got %q", rr.Header().Get("Allow"))
	}
}

func TestProxyDoesNotFollowRedirects(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer upstream.Close()

	p := newTestProxy(Options{})
	defer p.Close()

	rr := proxyGet(p, upstream.URL+"/", nil)
	if rr.Code != http.StatusFound {
		t.Errorf("Expected redirect passed through, got %d", rr.Code)
	}
	if rr.Header().Get("Location") != "/elsewhere" {
		t.Errorf("Unexpected Location %q", rr.Header().Get("Location"))
	}
}

func TestProxyAsHTTPProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("via proxy"))
	}))
	defer upstream.Close()

	p := newTestProxy(Options{})
	defer p.Close()

	admin := func(r *mux.Router) {
		r.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("pong"))
		}).Methods(http.MethodGet)
	}
	proxySrv := httptest.NewServer(NewRouter(p, "/_replaykit", admin))
	defer proxySrv.Close()

	proxyURL, _ := url.Parse(proxySrv.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get(upstream.URL + "/page")
	if err != nil {
		t.Fatalf("Proxied GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "via proxy" {
		t.Errorf("Unexpected proxied body %q", body)
	}
	if _, ok := p.Responses().Get(upstream.URL + "/page"); !ok {
		t.Error("Expected proxied response to be captured")
	}

	resp, err = http.Get(proxySrv.URL + "/_replaykit/ping")
	if err != nil {
		t.Fatalf("Admin GET failed: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong" {
		t.Errorf("Expected admin route, got %q", body)
	}

	resp, err = http.Get(proxySrv.URL + "/_replaykit/unknown")
	if err != nil {
		t.Fatalf("Admin GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown admin route, got %d", resp.StatusCode)
	}
}

func TestUpstreamClosed(t *testing.T) {
	u := NewUpstream(nil, Options{})
	u.Close()
	u.Close()
	if _, err := u.Fetch(t.Context(), "http://example.com/", nil); !errors.Is(err, ErrUpstreamClosed) {
		t.Errorf("Expected ErrUpstreamClosed, got %v", err)
	}
}

func TestTargetURL(t *testing.T) {
	tests := []struct {
		name string
		req  *http.Request
		want string
		ok   bool
	}{
		{
			name: "absolute form",
			req:  httptest.NewRequest(http.MethodGet, "http://a.com:8080/x?y=1", nil),
			want: "http://a.com:8080/x?y=1",
			ok:   true,
		},
		{
			name: "origin form with host",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/x?y=1", nil)
				r.Host = "b.com"
				return r
			}(),
			want: "http://b.com/x?y=1",
			ok:   true,
		},
		{
			name: "no host",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/x", nil)
				r.Host = ""
				return r
			}(),
			ok: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := targetURL(tt.req)
			if ok != tt.ok || got != tt.want {
				t.Errorf("targetURL() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestProxyAnswersRequestsToItself(t *testing.T) {
	rec := &memoryRecorder{}
	p := newTestProxy(Options{}, rec)
	defer p.Close()
	p.SetListenPort(8123)

	for _, target := range []string{"http://localhost:8123/", "http://127.0.0.1:8123/x"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		p.ServeHTTP(w, req)
		if w.Code != http.StatusLoopDetected {
			t.Errorf("%s: expected 508, got %d", target, w.Code)
		}
	}
	if p.Responses().Len() != 0 || len(rec.urls()) != 0 {
		t.Error("self requests must not be captured")
	}
	if p.isSelf("http://localhost:8124/") || p.isSelf("http://example.com:8123/") {
		t.Error("only loopback hosts on the listen port are self requests")
	}
}
