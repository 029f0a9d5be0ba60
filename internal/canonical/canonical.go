// Package canonical rewrites a capture session into a host-agnostic replay
// set: absolute URLs become relative keys and every captured network
// location inside a body becomes a loopback placeholder.
package canonical

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/m-lab/ndt-e2e-clientworker/internal/logger"
	"github.com/m-lab/ndt-e2e-clientworker/pkg/response"
)

// Placeholder replaces every captured network location in response bodies.
const Placeholder = "127.0.0.1"

// ErrCollision is matched by every CollisionError.
var ErrCollision = errors.New("relative key collision")

// Options tunes Canonicalize.
type Options struct {
	// RejectCollisions fails instead of keeping the later capture when two
	// absolute URLs map to the same relative key.
	RejectCollisions bool
}

// Collision records two captured URLs that share a relative key.
type Collision struct {
	Key     string `json:"key"`
	Kept    string `json:"kept"`
	Dropped string `json:"dropped"`
}

// CollisionError is returned when Options.RejectCollisions is set and at
// least one collision happened.
type CollisionError struct {
	Collisions []Collision
}

func (e *CollisionError) Error() string {
	if len(e.Collisions) == 1 {
		c := e.Collisions[0]
		return fmt.Sprintf("multiple responses for relative URL %s (%s and %s)", c.Key, c.Dropped, c.Kept)
	}
	return fmt.Sprintf("multiple responses for %d relative URLs", len(e.Collisions))
}

// Is makes errors.Is(err, ErrCollision) succeed.
func (e *CollisionError) Is(target error) bool {
	return target == ErrCollision
}

// Result is the output of Canonicalize.
type Result struct {
	Replays    response.ReplaySet
	Collisions []Collision
}

// Canonicalize builds a replay set from captured entries. Entries are
// visited in capture order, so on a key collision the later capture wins.
// The input records are not modified.
func Canonicalize(entries []*response.Entry, opts Options, log logger.Logger) (*Result, error) {
	if log == nil {
		log = logger.Nop()
	}

	ordered := append([]*response.Entry(nil), entries...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	locations, err := NetworkLocations(ordered)
	if err != nil {
		return nil, err
	}
	old := make([][]byte, len(locations))
	for i, loc := range locations {
		old[i] = []byte(loc)
	}
	placeholder := []byte(Placeholder)

	res := &Result{Replays: make(response.ReplaySet, len(ordered))}
	owners := make(map[string]string, len(ordered))

	for _, e := range ordered {
		key, err := RelativeKey(e.URL)
		if err != nil {
			return nil, err
		}

		body := e.Record.Body
		for _, loc := range old {
			body = bytes.ReplaceAll(body, loc, placeholder)
		}
		var rec *response.Record
		if bytes.Equal(body, e.Record.Body) {
			rec = e.Record.Clone()
		} else {
			rec = e.Record.WithBody(body)
		}

		if prev, ok := owners[key]; ok {
			c := Collision{Key: key, Kept: e.URL, Dropped: prev}
			res.Collisions = append(res.Collisions, c)
			log.Warn("Multiple responses for relative URL",
				"key", key,
				"kept", c.Kept,
				"dropped", c.Dropped,
			)
		}
		owners[key] = e.URL
		res.Replays[key] = rec
	}

	if opts.RejectCollisions && len(res.Collisions) > 0 {
		return nil, &CollisionError{Collisions: res.Collisions}
	}
	log.Debug("Canonicalized capture session",
		"captured", len(ordered),
		"replays", len(res.Replays),
		"locations", len(locations),
	)
	return res, nil
}

// CanonicalizeSet canonicalizes every entry held by set.
func CanonicalizeSet(set *response.CaptureSet, opts Options, log logger.Logger) (*Result, error) {
	return Canonicalize(set.Entries(), opts, log)
}

// NetworkLocations returns the distinct host[:port] of every entry URL,
// longest first so that a location is replaced before any of its
// prefixes.
func NetworkLocations(entries []*response.Entry) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, e := range entries {
		u, err := url.Parse(e.URL)
		if err != nil {
			return nil, fmt.Errorf("parse captured url %q: %w", e.URL, err)
		}
		if u.Host == "" || seen[u.Host] {
			continue
		}
		seen[u.Host] = true
		out = append(out, u.Host)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out, nil
}

// RelativeKey strips scheme, host and fragment from rawURL, leaving the
// path ("/" when empty) and the query when present.
func RelativeKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse captured url %q: %w", rawURL, err)
	}
	key := u.EscapedPath()
	if key == "" {
		key = "/"
	} else if !strings.HasPrefix(key, "/") {
		key = "/" + key
	}
	if u.RawQuery != "" || u.ForceQuery {
		key += "?" + u.RawQuery
	}
	return key, nil
}
