package web

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

// ExportFormats lists the accepted values of the export format parameter.
var ExportFormats = []string{"csv", "json"}

// ExportCaptures serializes entries into the desired format and returns the
// data, its content type and a file extension.
func ExportCaptures(entries []*response.Entry, format string) ([]byte, string, string, error) {
	switch strings.ToLower(format) {
	case "json":
		buf, err := json.MarshalIndent(newCapturedResponses(entries), "", "  ")
		return buf, "application/json", "json", err
	case "csv":
		return exportCSV(entries)
	default:
		return nil, "", "", fmt.Errorf("unsupported export format: %s", format)
	}
}

func exportCSV(entries []*response.Entry) ([]byte, string, string, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	columns := []string{
		"seq", "captured_at", "url", "status_code", "content_type", "body_size", "headers", "body_base64",
	}
	if err := writer.Write(columns); err != nil {
		return nil, "", "", err
	}

	for _, e := range entries {
		view := newCapturedResponse(e)
		headersJSON, err := json.Marshal(view.Headers)
		if err != nil {
			return nil, "", "", err
		}
		line := []string{
			strconv.FormatUint(e.Seq, 10),
			e.CapturedAt.Format(time.RFC3339),
			e.URL,
			strconv.Itoa(e.Record.StatusCode),
			view.ContentType,
			strconv.Itoa(len(e.Record.Body)),
			string(headersJSON),
			base64.StdEncoding.EncodeToString(e.Record.Body),
		}
		if err := writer.Write(line); err != nil {
			return nil, "", "", err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", "", err
	}
	return buf.Bytes(), "text/csv", "csv", nil
}
