package lifecycle

import (
	"context"
	"errors"
)

// Group starts several managers in order and closes them in reverse.
type Group struct {
	managers []*Manager
}

// NewGroup returns a group over managers.
func NewGroup(managers ...*Manager) *Group {
	return &Group{managers: managers}
}

// Start starts every manager in order. If one fails, the ones already
// running are closed before the error is returned.
func (g *Group) Start(ctx context.Context) error {
	for _, m := range g.managers {
		if err := m.Start(ctx); err != nil {
			return errors.Join(err, g.Close())
		}
	}
	return nil
}

// Close closes every manager, including ones that were never started, in
// reverse order and returns the combined error.
func (g *Group) Close() error {
	var errs []error
	for i := len(g.managers) - 1; i >= 0; i-- {
		if err := g.managers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
