package response

import (
	"sort"
	"sync"
	"time"
)

// Entry is a captured record together with the absolute URL it was
// requested from and its position in the capture session.
type Entry struct {
	URL        string    `json:"url"`
	Seq        uint64    `json:"seq"`
	CapturedAt time.Time `json:"captured_at"`
	Record     *Record   `json:"-"`
}

// CaptureSet maps absolute URLs to the most recent response captured for
// them. It is safe for concurrent writers.
type CaptureSet struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]*Entry
}

// NewCaptureSet returns an empty set.
func NewCaptureSet() *CaptureSet {
	return &CaptureSet{entries: make(map[string]*Entry)}
}

// Put stores rec under url, replacing any earlier capture of the same URL.
func (c *CaptureSet) Put(url string, rec *Record) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	e := &Entry{URL: url, Seq: c.seq, CapturedAt: time.Now(), Record: rec}
	c.entries[url] = e
	return e
}

// Restore inserts a previously persisted entry, keeping its sequence.
// An entry older than the one already held for the URL is ignored.
func (c *CaptureSet) Restore(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.entries[e.URL]; ok && cur.Seq > e.Seq {
		return
	}
	c.entries[e.URL] = e
	if e.Seq > c.seq {
		c.seq = e.Seq
	}
}

// Get returns the latest record captured for url.
func (c *CaptureSet) Get(url string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[url]
	if !ok {
		return nil, false
	}
	return e.Record, true
}

// Len returns the number of distinct URLs captured.
func (c *CaptureSet) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Entries returns a snapshot ordered by capture sequence.
func (c *CaptureSet) Entries() []*Entry {
	c.mu.Lock()
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// ReplaySet maps relative path-plus-query keys to records.
type ReplaySet map[string]*Record

// Keys returns the keys in sorted order.
func (s ReplaySet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone deep-copies every record so the copy can be rewritten freely.
func (s ReplaySet) Clone() ReplaySet {
	out := make(ReplaySet, len(s))
	for k, r := range s {
		out[k] = r.Clone()
	}
	return out
}

// Equal reports whether both sets hold structurally equal records under
// the same keys.
func (s ReplaySet) Equal(other ReplaySet) bool {
	if len(s) != len(other) {
		return false
	}
	for k, r := range s {
		o, ok := other[k]
		if !ok || !r.Equal(o) {
			return false
		}
	}
	return true
}
