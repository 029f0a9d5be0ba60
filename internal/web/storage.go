package web

import (
	"strings"
	"sync"

	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

// CaptureRing keeps the most recent capture events in memory. Repeated
// captures of a URL are separate events.
type CaptureRing struct {
	mu    sync.RWMutex
	max   int
	items []*response.Entry
}

// NewCaptureRing creates a ring holding at most max entries.
func NewCaptureRing(max int) *CaptureRing {
	if max < 1 {
		max = 1
	}
	return &CaptureRing{
		max:   max,
		items: make([]*response.Entry, 0, max),
	}
}

// Add appends e, dropping the oldest entry when full.
func (r *CaptureRing) Add(e *response.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) >= r.max {
		// Drop oldest
		r.items = append(r.items[1:], e)
		return
	}
	r.items = append(r.items, e)
}

// List returns filtered entries (newest first) along with the total count.
func (r *CaptureRing) List(opts ListOptions) ([]*response.Entry, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(opts.Search))
	filtered := make([]*response.Entry, 0, len(r.items))
	for i := len(r.items) - 1; i >= 0; i-- {
		item := r.items[i]
		if opts.Status > 0 && item.Record.StatusCode != opts.Status {
			continue
		}
		if search != "" && !matchesSearch(item, search) {
			continue
		}
		filtered = append(filtered, item)
	}

	total := len(filtered)
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if opts.Limit > 0 && offset+opts.Limit < total {
		end = offset + opts.Limit
	}
	return filtered[offset:end], total
}

// Len returns the number of held entries.
func (r *CaptureRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func matchesSearch(e *response.Entry, term string) bool {
	if strings.Contains(strings.ToLower(e.URL), term) {
		return true
	}
	for _, key := range e.Record.Headers.Keys() {
		if strings.Contains(strings.ToLower(key), term) ||
			strings.Contains(strings.ToLower(e.Record.Headers.Get(key)), term) {
			return true
		}
	}
	return false
}
