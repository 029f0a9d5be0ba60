package printer

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

// JSONPrinter writes one JSON object per captured response
type JSONPrinter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	logger  logger.Logger
}

// NewJSONPrinter creates a JSON-lines printer on stdout
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	if log == nil {
		log = logger.Nop()
	}
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the destination, mostly for tests
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.mu.Lock()
	p.encoder = encoder
	p.mu.Unlock()
}

type jsonHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type jsonCaptureEnvelope struct {
	Type       string       `json:"type"`
	Seq        uint64       `json:"seq"`
	URL        string       `json:"url"`
	CapturedAt time.Time    `json:"captured_at"`
	StatusCode int          `json:"status_code"`
	Headers    []jsonHeader `json:"headers"`
	BodySize   int          `json:"body_size"`
	BodyText   string       `json:"body_text,omitempty"`
	Binary     bool         `json:"binary,omitempty"`
}

// PrintCapture implements Printer
func (p *JSONPrinter) PrintCapture(e *response.Entry) error {
	rec := e.Record
	env := jsonCaptureEnvelope{
		Type:       "capture",
		Seq:        e.Seq,
		URL:        e.URL,
		CapturedAt: e.CapturedAt,
		StatusCode: rec.StatusCode,
		Headers:    make([]jsonHeader, 0, rec.Headers.Len()),
		BodySize:   len(rec.Body),
	}
	for _, name := range rec.Headers.Keys() {
		env.Headers = append(env.Headers, jsonHeader{Name: name, Value: rec.Headers.Get(name)})
	}
	if utf8.Valid(rec.Body) {
		env.BodyText = string(rec.Body)
	} else {
		env.Binary = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.encoder.Encode(env); err != nil {
		p.logger.Error("Failed to encode capture JSON", "error", err)
		return err
	}
	return nil
}
