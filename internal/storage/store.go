package storage

import (
	"errors"

	"github.com/m-lab/ndt-e2e-clientworker/internal/config"
	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

// ErrUnsupportedDriver indicates the configured driver is not available.
var ErrUnsupportedDriver = errors.New("unsupported storage driver")

// ListOptions controls filtering and pagination when fetching captures.
type ListOptions struct {
	Search string
	Status int
	Limit  int
	Offset int
}

// Store persists the latest captured response per absolute URL, so a
// capture session survives a restart and can be canonicalized later.
type Store interface {
	// Record upserts e; a later capture of the same URL replaces it.
	Record(*response.Entry) error
	// List returns matching captures, newest first, and the total count.
	List(ListOptions) ([]*response.Entry, int, error)
	// Snapshot returns every capture in capture order, numbered from 1.
	Snapshot() ([]*response.Entry, error)
	// Get returns the capture for url, or nil when there is none.
	Get(url string) (*response.Entry, error)
	Close() error
}

// New instantiates a Store based on configuration.
func New(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	if cfg == nil {
		return nil, errors.New("storage config is nil")
	}
	if log == nil {
		log = logger.Nop()
	}
	switch driver := cfg.Driver; driver {
	case "", "sqlite", "sqlite3":
		return newSQLiteStore(cfg, log)
	default:
		return nil, ErrUnsupportedDriver
	}
}

// Load restores every persisted capture into a fresh CaptureSet.
func Load(s Store) (*response.CaptureSet, error) {
	entries, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	set := response.NewCaptureSet()
	for _, e := range entries {
		set.Restore(e)
	}
	return set, nil
}
