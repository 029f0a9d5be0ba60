package printer

import (
	"github.com/m-lab/ndt-e2e-clientworker/internal/config"
	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

// Printer echoes captured responses as they arrive.
type Printer interface {
	PrintCapture(*response.Entry) error
}

// New creates the printer for the configured output mode.
func New(log logger.Logger, cfg *config.OutputConfig) Printer {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	if cfg.Silence {
		return nopPrinter{}
	}
	switch cfg.Mode {
	case "json":
		return NewJSONPrinter(log)
	default:
		return NewConsolePrinter(log, cfg.BodyPreviewBytes)
	}
}

type nopPrinter struct{}

func (nopPrinter) PrintCapture(*response.Entry) error { return nil }
