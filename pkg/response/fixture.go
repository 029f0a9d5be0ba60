package response

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Fixture field names.
const (
	FieldResponseCode = "response_code"
	FieldHeaders      = "headers"
	FieldData         = "data"
)

// ErrMissingField is matched by every MissingFieldError.
var ErrMissingField = errors.New("missing fixture field")

// MissingFieldError is returned when a fixture entry lacks a required field.
type MissingFieldError struct {
	Key   string
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("failed to parse response %q from fixture, missing expected field: %s", e.Key, e.Field)
}

// Is makes errors.Is(err, ErrMissingField) succeed.
func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}

// LoadFixtureFile reads a replay fixture from path.
func LoadFixtureFile(path string) (ReplaySet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()
	set, err := LoadFixture(f)
	if err != nil {
		return nil, fmt.Errorf("load fixture %s: %w", path, err)
	}
	return set, nil
}

// LoadFixture decodes a replay fixture. Every entry must carry
// response_code, headers and data; nothing is defaulted.
func LoadFixture(r io.Reader) (ReplaySet, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return ReplaySet{}, nil
		}
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind == yaml.ScalarNode && root.ShortTag() == "!!null" {
		return ReplaySet{}, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: fixture must be a mapping of relative URL to response", root.Line)
	}

	set := make(ReplaySet, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		rec, err := decodeRecord(key, root.Content[i+1])
		if err != nil {
			return nil, err
		}
		set[key] = rec
	}
	return set, nil
}

func decodeRecord(key string, node *yaml.Node) (*Record, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: response %q must be a mapping", node.Line, key)
	}
	fields := make(map[string]*yaml.Node, 3)
	for i := 0; i+1 < len(node.Content); i += 2 {
		fields[node.Content[i].Value] = node.Content[i+1]
	}
	for _, name := range []string{FieldResponseCode, FieldHeaders, FieldData} {
		if _, ok := fields[name]; !ok {
			return nil, &MissingFieldError{Key: key, Field: name}
		}
	}

	codeNode := fields[FieldResponseCode]
	code, err := strconv.Atoi(codeNode.Value)
	if codeNode.Kind != yaml.ScalarNode || err != nil {
		return nil, fmt.Errorf("line %d: response %q has non-integer %s %q", codeNode.Line, key, FieldResponseCode, codeNode.Value)
	}

	headers := &Header{}
	if err := fields[FieldHeaders].Decode(headers); err != nil {
		return nil, fmt.Errorf("response %q: %w", key, err)
	}

	body, err := decodeData(fields[FieldData])
	if err != nil {
		return nil, fmt.Errorf("response %q: %w", key, err)
	}

	rec, err := NewRecord(code, headers, body)
	if err != nil {
		return nil, fmt.Errorf("response %q: %w", key, err)
	}
	return rec, nil
}

func decodeData(node *yaml.Node) ([]byte, error) {
	if node.Kind != yaml.ScalarNode {
		return nil, fmt.Errorf("line %d: %s must be a scalar", node.Line, FieldData)
	}
	switch node.ShortTag() {
	case "!!binary":
		body, err := base64.StdEncoding.DecodeString(stripSpace(node.Value))
		if err != nil {
			return nil, fmt.Errorf("line %d: decode binary %s: %w", node.Line, FieldData, err)
		}
		return body, nil
	case "!!null":
		return []byte{}, nil
	default:
		return []byte(node.Value), nil
	}
}

func stripSpace(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\n', '\r', '\t':
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

// Encode writes the set as a fixture document with keys in sorted order.
// Bodies that are not valid UTF-8 are tagged !!binary.
func (s ReplaySet) Encode(w io.Writer) error {
	root := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, key := range s.Keys() {
		rec := s[key]
		entry := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		entry.Content = append(entry.Content,
			scalar(FieldResponseCode, "!!str"), scalar(strconv.Itoa(rec.StatusCode), "!!int"),
			scalar(FieldHeaders, "!!str"), rec.Headers.node(),
			scalar(FieldData, "!!str"), encodeData(rec.Body),
		)
		root.Content = append(root.Content, scalar(key, "!!str"), entry)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	return enc.Close()
}

func scalar(value, tag string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
}

func encodeData(body []byte) *yaml.Node {
	if !utf8.Valid(body) {
		return scalar(base64.StdEncoding.EncodeToString(body), "!!binary")
	}
	node := scalar(string(body), "!!str")
	switch {
	case hasControl(body), len(body) > 0 && (body[0] == ' ' || body[0] == '\t' || body[0] == '\n'):
		node.Style = yaml.DoubleQuotedStyle
	case bytes.IndexByte(body, '\n') >= 0:
		node.Style = yaml.LiteralStyle
	}
	return node
}

// hasControl reports bytes that only survive a round-trip when escaped.
func hasControl(body []byte) bool {
	for _, b := range body {
		if (b < 0x20 && b != '\n' && b != '\t') || b == 0x7f {
			return true
		}
	}
	return false
}

// SaveFixtureFile writes the set to path through a temporary file that is
// renamed into place once fully written.
func SaveFixtureFile(path string, s ReplaySet) error {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare fixture directory: %w", err)
	}
	f, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create fixture: %w", err)
	}
	err = s.Encode(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(f.Name(), path)
	}
	if err != nil {
		os.Remove(f.Name())
		return err
	}
	return nil
}
