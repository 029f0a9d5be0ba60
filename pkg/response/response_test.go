package response

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustRecord(t *testing.T, status int, headers *Header, body string) *Record {
	t.Helper()
	rec, err := NewRecord(status, headers, []byte(body))
	if err != nil {
		t.Fatalf("NewRecord failed: %v", err)
	}
	return rec
}

func TestHeaderCaseInsensitiveLastWriteWins(t *testing.T) {
	h := NewHeader("Content-Type", "text/plain", "X-Mock", "a")
	h.Set("content-type", "application/json")

	if got := h.Get("CONTENT-TYPE"); got != "application/json" {
		t.Fatalf("expected last write to win, got %q", got)
	}
	if diff := cmp.Diff([]string{"Content-Type", "X-Mock"}, h.Keys()); diff != "" {
		t.Fatalf("unexpected key order (-want +got):\n%s", diff)
	}

	h.Del("x-mock")
	if h.Has("X-Mock") || h.Len() != 1 {
		t.Fatalf("expected X-Mock removed, got %s", h)
	}
}

func TestFromHTTPKeepsFirstValue(t *testing.T) {
	src := http.Header{}
	src.Add("Set-Cookie", "a=1")
	src.Add("Set-Cookie", "b=2")
	src.Set("Content-Type", "text/html")

	h := FromHTTP(src)
	if h.Get("set-cookie") != "a=1" {
		t.Fatalf("expected first cookie, got %q", h.Get("set-cookie"))
	}
	if diff := cmp.Diff([]string{"Content-Type", "Set-Cookie"}, h.Keys()); diff != "" {
		t.Fatalf("expected sorted keys (-want +got):\n%s", diff)
	}
}

func TestRecordEquality(t *testing.T) {
	a := mustRecord(t, 200, NewHeader("Mock-Header", "OK"), "mock data")
	same := mustRecord(t, 200, NewHeader("mock-header", "OK"), "mock data")
	if !a.Equal(same) {
		t.Fatal("identical responses should be equal")
	}

	cases := map[string]*Record{
		"status":  mustRecord(t, 500, NewHeader("Mock-Header", "OK"), "mock data"),
		"headers": mustRecord(t, 200, NewHeader("Mock-Header", "FAIL"), "mock data"),
		"body":    mustRecord(t, 200, NewHeader("Mock-Header", "OK"), "mock different data"),
	}
	for name, other := range cases {
		if a.Equal(other) {
			t.Errorf("%s: expected records to differ", name)
		}
	}
}

func TestNewRecordRejectsInvalidStatus(t *testing.T) {
	for _, code := range []int{0, 99, 600} {
		if _, err := NewRecord(code, nil, nil); err == nil {
			t.Errorf("expected error for status %d", code)
		}
	}
}

func TestWithBodyUpdatesContentLength(t *testing.T) {
	orig := mustRecord(t, 200, NewHeader("content-length", "5"), "hello")
	rewritten := orig.WithBody([]byte("hello, world"))

	if rewritten.Headers.Get("Content-Length") != "12" {
		t.Fatalf("expected content-length 12, got %q", rewritten.Headers.Get("Content-Length"))
	}
	if !rewritten.ContentLengthValid() {
		t.Fatal("rewritten record has inconsistent content-length")
	}
	if orig.Headers.Get("content-length") != "5" || string(orig.Body) != "hello" {
		t.Fatal("original record must not be modified")
	}
	if diff := cmp.Diff([]string{"content-length"}, rewritten.Headers.Keys()); diff != "" {
		t.Fatalf("expected original header spelling kept (-want +got):\n%s", diff)
	}
}

func TestRecordWrite(t *testing.T) {
	rec := mustRecord(t, 201, NewHeader("Mock-Header", "OK"), "created")
	rr := httptest.NewRecorder()
	if err := rec.Write(rr); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if rr.Code != 201 || rr.Header().Get("Mock-Header") != "OK" || rr.Body.String() != "created" {
		t.Fatalf("unexpected response: %d %v %q", rr.Code, rr.Header(), rr.Body.String())
	}
}

func TestCaptureSetLatestWins(t *testing.T) {
	set := NewCaptureSet()
	set.Put("http://a.example/x", mustRecord(t, 200, nil, "first"))
	set.Put("http://b.example/y", mustRecord(t, 200, nil, "other"))
	set.Put("http://a.example/x", mustRecord(t, 200, nil, "second"))

	if set.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", set.Len())
	}
	rec, ok := set.Get("http://a.example/x")
	if !ok || string(rec.Body) != "second" {
		t.Fatalf("expected latest response, got %v", rec)
	}

	entries := set.Entries()
	if entries[0].URL != "http://b.example/y" || entries[1].URL != "http://a.example/x" {
		t.Fatalf("entries not ordered by sequence: %s, %s", entries[0].URL, entries[1].URL)
	}
}

func TestCaptureSetRestoreKeepsNewest(t *testing.T) {
	set := NewCaptureSet()
	set.Restore(&Entry{URL: "http://a/", Seq: 7, Record: mustRecord(t, 200, nil, "new")})
	set.Restore(&Entry{URL: "http://a/", Seq: 3, Record: mustRecord(t, 200, nil, "old")})

	rec, _ := set.Get("http://a/")
	if string(rec.Body) != "new" {
		t.Fatalf("expected newest entry kept, got %q", rec.Body)
	}
	if e := set.Put("http://b/", mustRecord(t, 200, nil, "b")); e.Seq != 8 {
		t.Fatalf("expected sequence to continue at 8, got %d", e.Seq)
	}
}

func TestLoadFixtureParsesResponses(t *testing.T) {
	doc := `---
/foo:
  response_code: 200
  headers: {Mock-Header: OK}
  data: foo response
/bar:
  response_code: 500
  headers: {Mock-Header2: purple, content-length: 12}
  data: bar response
`
	got, err := LoadFixture(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	want := ReplaySet{
		"/foo": mustRecord(t, 200, NewHeader("Mock-Header", "OK"), "foo response"),
		"/bar": mustRecord(t, 500, NewHeader("Mock-Header2", "purple", "content-length", "12"), "bar response"),
	}
	if !cmp.Equal(want, got) {
		t.Fatalf("unexpected fixture contents: %v", got)
	}
}

func TestLoadFixtureMissingField(t *testing.T) {
	cases := map[string]string{
		FieldResponseCode: "/x:\n  headers: {Mock-Header: OK}\n  data: foo\n",
		FieldHeaders:      "/x:\n  response_code: 200\n  data: foo\n",
		FieldData:         "/x:\n  response_code: 200\n  headers: {Mock-Header: OK}\n",
	}
	for field, doc := range cases {
		_, err := LoadFixture(strings.NewReader(doc))
		if !errors.Is(err, ErrMissingField) {
			t.Fatalf("%s: expected missing field error, got %v", field, err)
		}
		var mfe *MissingFieldError
		if !errors.As(err, &mfe) || mfe.Field != field || mfe.Key != "/x" {
			t.Fatalf("%s: error does not name the field: %v", field, err)
		}
	}
}

func TestLoadFixtureRejectsBadStatus(t *testing.T) {
	doc := "/x:\n  response_code: abc\n  headers: {}\n  data: foo\n"
	if _, err := LoadFixture(strings.NewReader(doc)); err == nil {
		t.Fatal("expected error for non-integer response_code")
	}
}

func TestFixtureRoundTrip(t *testing.T) {
	set := ReplaySet{
		"/":                mustRecord(t, 200, NewHeader("Content-Type", "text/html", "Content-Length", "27"), "<html>\n  <a href=x>\n</html>"),
		"/ndt?format=json": mustRecord(t, 200, NewHeader("Content-Type", "application/json"), `{"fqdn": "ndt.example.org"}`),
		"/empty":           mustRecord(t, 204, NewHeader(), ""),
		"/crlf":            mustRecord(t, 200, NewHeader("X-Number", "42"), "line one\r\nline two\r\n"),
		"/trailing":        mustRecord(t, 200, NewHeader(), "  indented\n\n"),
		"/tabbed.js":       mustRecord(t, 200, NewHeader("Content-Type", "application/javascript"), "\tvar x = 1;\n"),
		"/tabbed.html":     mustRecord(t, 200, NewHeader(), "\t<p>a</p>\n\t<p>b</p>\n"),
		"/tab-only":        mustRecord(t, 200, NewHeader(), "\t"),
		"/binary":          {StatusCode: 200, Headers: NewHeader("Content-Type", "image/png"), Body: []byte{0x89, 'P', 'N', 'G', 0xff, 0x00}},
	}

	var buf bytes.Buffer
	if err := set.Encode(&buf); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := LoadFixture(&buf)
	if err != nil {
		t.Fatalf("reload failed: %v\n%s", err, buf.String())
	}
	for _, key := range set.Keys() {
		if !set[key].Equal(got[key]) {
			t.Errorf("%s: round trip mismatch: want %q got %v", key, set[key].Body, got[key])
		}
	}
	if len(got) != len(set) {
		t.Fatalf("expected %d keys, got %d", len(set), len(got))
	}
}

func TestSaveFixtureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "replay.yaml")
	set := ReplaySet{"/foo": mustRecord(t, 200, NewHeader("Mock-Header", "OK"), "hello")}
	if err := SaveFixtureFile(path, set); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := LoadFixtureFile(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !got.Equal(set) {
		t.Fatalf("unexpected contents: %v", got)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("temporary files left behind: %v", matches)
	}
}

func TestLoadFixtureEmpty(t *testing.T) {
	got, err := LoadFixture(strings.NewReader(""))
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty set, got %v %v", got, err)
	}
}
