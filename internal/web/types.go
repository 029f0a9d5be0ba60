package web

import (
	"encoding/base64"
	"time"
	"unicode/utf8"

	"github.com/m-lab/ndt-e2e-clientworker/internal/storage"
	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

// ListOptions is shared with the persistent store so both sources filter
// the same way.
type ListOptions = storage.ListOptions

type headerField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CapturedResponse is the API view of one capture.
type CapturedResponse struct {
	Seq         uint64        `json:"seq"`
	URL         string        `json:"url"`
	CapturedAt  time.Time     `json:"captured_at"`
	StatusCode  int           `json:"status_code"`
	ContentType string        `json:"content_type,omitempty"`
	Headers     []headerField `json:"headers"`
	BodySize    int           `json:"body_size"`
	Body        string        `json:"body,omitempty"`
	BodyBase64  string        `json:"body_base64,omitempty"`
}

func newCapturedResponse(e *response.Entry) *CapturedResponse {
	rec := e.Record
	view := &CapturedResponse{
		Seq:         e.Seq,
		URL:         e.URL,
		CapturedAt:  e.CapturedAt,
		StatusCode:  rec.StatusCode,
		ContentType: rec.Headers.Get("Content-Type"),
		Headers:     make([]headerField, 0, rec.Headers.Len()),
		BodySize:    len(rec.Body),
	}
	for _, name := range rec.Headers.Keys() {
		view.Headers = append(view.Headers, headerField{Name: name, Value: rec.Headers.Get(name)})
	}
	if utf8.Valid(rec.Body) {
		view.Body = string(rec.Body)
	} else {
		view.BodyBase64 = base64.StdEncoding.EncodeToString(rec.Body)
	}
	return view
}

func newCapturedResponses(entries []*response.Entry) []*CapturedResponse {
	out := make([]*CapturedResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, newCapturedResponse(e))
	}
	return out
}
