package response

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
)

// HeaderContentLength is the spelling used when a length header is added.
const HeaderContentLength = "Content-Length"

// Record represents one captured HTTP response. Records are treated as
// immutable once stored in a set; rewrites go through WithBody.
type Record struct {
	StatusCode int
	Headers    *Header
	Body       []byte
}

// NewRecord validates the status code and returns a Record. A nil header
// is replaced with an empty one.
func NewRecord(statusCode int, headers *Header, body []byte) (*Record, error) {
	if statusCode < 100 || statusCode > 599 {
		return nil, fmt.Errorf("invalid status code %d (must be 100-599)", statusCode)
	}
	if headers == nil {
		headers = &Header{}
	}
	return &Record{StatusCode: statusCode, Headers: headers, Body: body}, nil
}

// WithBody returns a copy of r carrying body, with the content length
// header set to the new body size. The receiver is left untouched.
func (r *Record) WithBody(body []byte) *Record {
	headers := r.Headers.Clone()
	headers.Set(HeaderContentLength, strconv.Itoa(len(body)))
	return &Record{
		StatusCode: r.StatusCode,
		Headers:    headers,
		Body:       body,
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	return &Record{
		StatusCode: r.StatusCode,
		Headers:    r.Headers.Clone(),
		Body:       append([]byte(nil), r.Body...),
	}
}

// Equal reports structural equality.
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.StatusCode == other.StatusCode &&
		r.Headers.Equal(other.Headers) &&
		bytes.Equal(r.Body, other.Body)
}

// ContentLengthValid reports whether the content length header, when
// present, matches the body size.
func (r *Record) ContentLengthValid() bool {
	if !r.Headers.Has(HeaderContentLength) {
		return true
	}
	n, err := strconv.Atoi(r.Headers.Get(HeaderContentLength))
	return err == nil && n == len(r.Body)
}

// Write sends the record verbatim: stored headers, status, then body.
func (r *Record) Write(w http.ResponseWriter) error {
	r.Headers.WriteTo(w.Header())
	w.WriteHeader(r.StatusCode)
	_, err := w.Write(r.Body)
	return err
}

func sortedKeys(h http.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
