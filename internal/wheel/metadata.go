package wheel

import (
	"bytes"
	"fmt"
	"strings"
)

// Metadata is a METADATA (or WHEEL) document: RFC 822 style "Key: Value"
// headers, a blank line, then an optional free-form body. Header order and
// the body are preserved byte for byte apart from the lines that are set.
type Metadata struct {
	lines   []string
	body    string
	hasBody bool
}

func ParseMetadata(raw []byte) (*Metadata, error) {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	head, body, hasBody := strings.Cut(text, "\n\n")
	m := &Metadata{hasBody: hasBody}
	if hasBody {
		m.body = body
	} else {
		head = strings.TrimSuffix(head, "\n")
	}
	if head == "" {
		return nil, fmt.Errorf("%w: empty metadata header", ErrMetadataField)
	}
	for _, line := range strings.Split(head, "\n") {
		if len(m.lines) > 0 && (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) {
			m.lines[len(m.lines)-1] += "\n" + line
			continue
		}
		m.lines = append(m.lines, line)
	}
	return m, nil
}

// Get returns the first value for key.
func (m *Metadata) Get(key string) (string, bool) {
	for _, line := range m.lines {
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), key) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// All returns every value for key in order.
func (m *Metadata) All(key string) []string {
	var out []string
	for _, line := range m.lines {
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), key) {
			out = append(out, strings.TrimSpace(v))
		}
	}
	return out
}

// Set rewrites the first line for key, or appends one when absent. Later
// duplicates are left untouched.
func (m *Metadata) Set(key, value string) {
	line := key + ": " + value
	for i, l := range m.lines {
		k, _, ok := strings.Cut(l, ":")
		if ok && strings.EqualFold(strings.TrimSpace(k), key) {
			m.lines[i] = line
			return
		}
	}
	m.lines = append(m.lines, line)
}

func (m *Metadata) Name() (string, error)    { return m.require("Name") }
func (m *Metadata) Version() (string, error) { return m.require("Version") }

func (m *Metadata) require(key string) (string, error) {
	v, ok := m.Get(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrMetadataField, key)
	}
	return v, nil
}

func (m *Metadata) Bytes() []byte {
	var buf bytes.Buffer
	for _, line := range m.lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if m.hasBody {
		buf.WriteByte('\n')
		buf.WriteString(m.body)
	}
	return buf.Bytes()
}
