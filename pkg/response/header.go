package response

import (
	"fmt"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"
)

// Header is an ordered, case-insensitive mapping of header names to values.
// The first spelling of a name fixes its position; later writes with any
// casing replace the value in place.
type Header struct {
	fields []headerField
}

type headerField struct {
	Name  string
	Value string
}

// NewHeader builds a Header from alternating name/value pairs.
func NewHeader(pairs ...string) *Header {
	h := &Header{}
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

// FromHTTP converts an http.Header, keeping only the first value of each
// name. Names are visited in sorted order so the result is deterministic.
func FromHTTP(src http.Header) *Header {
	h := &Header{}
	for _, name := range sortedKeys(src) {
		if values := src[name]; len(values) > 0 {
			h.Set(name, values[0])
		}
	}
	return h
}

func (h *Header) index(name string) int {
	if h == nil {
		return -1
	}
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].Name, name) {
			return i
		}
	}
	return -1
}

// Get returns the value for name, or "" when absent.
func (h *Header) Get(name string) string {
	if i := h.index(name); i >= 0 {
		return h.fields[i].Value
	}
	return ""
}

// Has reports whether name is present.
func (h *Header) Has(name string) bool {
	return h.index(name) >= 0
}

// Set stores value under name.
func (h *Header) Set(name, value string) {
	if i := h.index(name); i >= 0 {
		h.fields[i].Value = value
		return
	}
	h.fields = append(h.fields, headerField{Name: name, Value: value})
}

// Del removes name if present.
func (h *Header) Del(name string) {
	if i := h.index(name); i >= 0 {
		h.fields = append(h.fields[:i], h.fields[i+1:]...)
	}
}

// Len returns the number of distinct names.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// Keys returns header names in insertion order.
func (h *Header) Keys() []string {
	if h == nil {
		return nil
	}
	keys := make([]string, len(h.fields))
	for i, f := range h.fields {
		keys[i] = f.Name
	}
	return keys
}

// Clone returns a deep copy. Cloning a nil Header yields an empty one.
func (h *Header) Clone() *Header {
	out := &Header{}
	if h != nil {
		out.fields = append([]headerField(nil), h.fields...)
	}
	return out
}

// Equal compares names case-insensitively and values exactly. Order is
// not significant.
func (h *Header) Equal(other *Header) bool {
	if h.Len() != other.Len() {
		return false
	}
	if h == nil {
		return true
	}
	for _, f := range h.fields {
		i := other.index(f.Name)
		if i < 0 || other.fields[i].Value != f.Value {
			return false
		}
	}
	return true
}

// WriteTo copies all fields into dst, replacing existing values.
func (h *Header) WriteTo(dst http.Header) {
	if h == nil {
		return
	}
	for _, f := range h.fields {
		dst[http.CanonicalHeaderKey(f.Name)] = []string{f.Value}
	}
}

func (h *Header) String() string {
	var b strings.Builder
	for i, f := range h.Keys() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %s", f, h.Get(f))
	}
	return b.String()
}

// MarshalYAML encodes the header as a flow mapping in insertion order.
func (h *Header) MarshalYAML() (interface{}, error) {
	return h.node(), nil
}

func (h *Header) node() *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Style: yaml.FlowStyle}
	if h == nil {
		return node
	}
	for _, f := range h.fields {
		node.Content = append(node.Content, scalar(f.Name, "!!str"), scalar(f.Value, "!!str"))
	}
	return node
}

// UnmarshalYAML accepts a mapping of scalars. Non-string scalars such as a
// numeric content-length are kept in their textual form.
func (h *Header) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null" {
		h.fields = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: headers must be a mapping", node.Line)
	}
	h.fields = nil
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if key.Kind != yaml.ScalarNode || value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: header %q must map to a scalar", key.Line, key.Value)
		}
		h.Set(key.Value, value.Value)
	}
	return nil
}
