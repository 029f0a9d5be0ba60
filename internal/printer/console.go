package printer

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

// ColorScheme color scheme
type ColorScheme struct {
	Status2xx    *color.Color
	Status3xx    *color.Color
	Status4xx    *color.Color
	Status5xx    *color.Color
	HeaderKey    *color.Color
	HeaderValue  *color.Color
	Separator    *color.Color
	URL          *color.Color
	BodyContent  *color.Color
	NoticeNotice *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		Status2xx:    color.New(color.FgGreen, color.Bold),
		Status3xx:    color.New(color.FgCyan, color.Bold),
		Status4xx:    color.New(color.FgYellow, color.Bold),
		Status5xx:    color.New(color.FgRed, color.Bold),
		HeaderKey:    color.New(color.FgCyan),
		HeaderValue:  color.New(color.FgWhite),
		Separator:    color.New(color.FgYellow, color.Bold),
		URL:          color.New(color.FgHiBlue),
		BodyContent:  color.New(color.FgWhite),
		NoticeNotice: color.New(color.FgHiYellow, color.Bold),
	}
}

// ConsolePrinter prints one block per captured response.
type ConsolePrinter struct {
	colorScheme  *ColorScheme
	logger       logger.Logger
	previewBytes int

	mu    sync.Mutex
	out   io.Writer
	width int
}

// NewConsolePrinter creates a console printer writing to stdout. Bodies are
// shown up to previewBytes; zero hides them.
func NewConsolePrinter(log logger.Logger, previewBytes int) *ConsolePrinter {
	if log == nil {
		log = logger.Nop()
	}
	return &ConsolePrinter{
		colorScheme:  NewColorScheme(),
		logger:       log,
		previewBytes: previewBytes,
		out:          os.Stdout,
	}
}

// SetOutput redirects output and fixes the line width. A width of zero
// keeps terminal detection.
func (p *ConsolePrinter) SetOutput(w io.Writer, width int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	p.out = w
	p.width = width
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	width := p.width
	if width == 0 {
		w, _, err := term.GetSize(int(os.Stdout.Fd()))
		if err != nil {
			w = 80
		}
		width = w
	}
	if width < 40 {
		return 40
	}
	if width > 150 {
		return 150
	}
	return width
}

// PrintCapture implements Printer
func (p *ConsolePrinter) PrintCapture(e *response.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	width := p.getTerminalWidth()
	rec := e.Record
	separator := strings.Repeat("-", width)

	p.colorScheme.Separator.Fprintln(p.out, separator)
	p.colorScheme.Separator.Fprintf(p.out, "Capture #%d  %s\n", e.Seq, e.CapturedAt.Format("2006-01-02T15:04:05-07:00"))
	p.printStatusLine(e, width)
	p.printMetadataLine(rec)
	p.colorScheme.Separator.Fprintln(p.out, separator)

	p.printHeaders(rec.Headers, width)
	if p.previewBytes > 0 {
		fmt.Fprintln(p.out)
		p.printBody(rec)
	}
	fmt.Fprintln(p.out)
	return nil
}

func (p *ConsolePrinter) printStatusLine(e *response.Entry, width int) {
	status := fmt.Sprintf("%d %s", e.Record.StatusCode, http.StatusText(e.Record.StatusCode))
	p.statusColor(e.Record.StatusCode).Fprint(p.out, strings.TrimSpace(status))
	fmt.Fprint(p.out, "  ")

	available := width - runewidth.StringWidth(status) - 2
	if available < 10 {
		available = 10
	}
	p.colorScheme.URL.Fprintln(p.out, runewidth.Truncate(e.URL, available, "..."))
}

func (p *ConsolePrinter) printMetadataLine(rec *response.Record) {
	if ct := rec.Headers.Get("Content-Type"); ct != "" {
		fmt.Fprint(p.out, "Content-Type: ")
		p.colorScheme.HeaderValue.Fprint(p.out, ct)
		fmt.Fprint(p.out, " | ")
	}
	fmt.Fprint(p.out, "Size: ")
	p.colorScheme.BodyContent.Fprintln(p.out, humanize.Bytes(uint64(len(rec.Body))))
}

func (p *ConsolePrinter) printHeaders(headers *response.Header, width int) {
	for _, key := range headers.Keys() {
		value := headers.Get(key)
		if isSensitiveHeader(strings.ToLower(key)) {
			value = "[REDACTED]"
		}
		prefix := key + ": "
		available := width - runewidth.StringWidth(prefix)
		if available < 20 {
			available = 20
		}
		p.colorScheme.HeaderKey.Fprint(p.out, prefix)
		p.colorScheme.HeaderValue.Fprintln(p.out, runewidth.Truncate(value, available, "..."))
	}
}

func (p *ConsolePrinter) printBody(rec *response.Record) {
	if len(rec.Body) == 0 {
		p.colorScheme.BodyContent.Fprintln(p.out, "[Empty Body - 0 B]")
		return
	}
	formatted := formatBody(rec.Headers.Get("Content-Type"), rec.Body, p.previewBytes)
	for _, line := range strings.Split(formatted.Text, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == "" {
			continue
		}
		p.colorScheme.BodyContent.Fprintln(p.out, trimmed)
	}
	for _, notice := range formatted.Notices {
		p.colorScheme.NoticeNotice.Fprintln(p.out, notice)
	}
}

func (p *ConsolePrinter) statusColor(code int) *color.Color {
	switch {
	case code >= 500:
		return p.colorScheme.Status5xx
	case code >= 400:
		return p.colorScheme.Status4xx
	case code >= 300:
		return p.colorScheme.Status3xx
	default:
		return p.colorScheme.Status2xx
	}
}

// isSensitiveHeader checks if it's sensitive header information
func isSensitiveHeader(key string) bool {
	switch key {
	case "set-cookie", "authorization", "x-api-key", "x-auth-token", "x-csrf-token", "x-session-token":
		return true
	}
	return false
}
