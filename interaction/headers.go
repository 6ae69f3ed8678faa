package interaction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// HeaderField is a single name/value pair.
type HeaderField struct {
	Name  string
	Value string
}

// Headers is an ordered multimap of header fields. Names compare
// case-insensitively; insertion order is kept for serialization only.
// The zero value is empty and ready to use.
type Headers struct {
	fields []HeaderField
}

// NewHeaders builds headers from alternating name/value pairs.
func NewHeaders(pairs ...string) Headers {
	var h Headers
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Add(pairs[i], pairs[i+1])
	}
	return h
}

// FromHTTP copies an http.Header. Names are added in sorted order since
// http.Header carries no order of its own.
func FromHTTP(src http.Header) Headers {
	names := make([]string, 0, len(src))
	for name := range src {
		names = append(names, name)
	}
	sort.Strings(names)

	var h Headers
	for _, name := range names {
		for _, value := range src[name] {
			h.Add(name, value)
		}
	}
	return h
}

// Add appends a value, keeping any existing values for name.
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Set replaces all values for name with value. The new field takes the
// position of the first existing one.
func (h *Headers) Set(name, value string) {
	for i, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			h.fields[i] = HeaderField{Name: name, Value: value}
			h.delFrom(i+1, name)
			return
		}
	}
	h.Add(name, value)
}

// Del removes every value for name.
func (h *Headers) Del(name string) {
	h.delFrom(0, name)
}

func (h *Headers) delFrom(start int, name string) {
	kept := h.fields[:start]
	for _, f := range h.fields[start:] {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// Extend appends every field of other.
func (h *Headers) Extend(other Headers) {
	h.fields = append(h.fields, other.fields...)
}

// Get returns the first value for name.
func (h Headers) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns all values for name in insertion order.
func (h Headers) Values(name string) []string {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

func (h Headers) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

func (h Headers) Len() int {
	return len(h.fields)
}

// Fields returns a copy of the fields in insertion order.
func (h Headers) Fields() []HeaderField {
	return append([]HeaderField(nil), h.fields...)
}

// Names returns distinct names in order of first appearance, spelled as
// first seen.
func (h Headers) Names() []string {
	var names []string
	for _, f := range h.fields {
		seen := false
		for _, n := range names {
			if strings.EqualFold(n, f.Name) {
				seen = true
				break
			}
		}
		if !seen {
			names = append(names, f.Name)
		}
	}
	return names
}

func (h Headers) Clone() Headers {
	if h.fields == nil {
		return Headers{}
	}
	return Headers{fields: append([]HeaderField(nil), h.fields...)}
}

// ToHTTP converts to an http.Header with canonical names.
func (h Headers) ToHTTP() http.Header {
	out := make(http.Header, len(h.fields))
	for _, f := range h.fields {
		out.Add(f.Name, f.Value)
	}
	return out
}

// MarshalJSON writes a JSON object keyed by name. Single values are written
// as strings, repeated names as an ordered array of strings.
func (h Headers) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range h.Names() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		values := h.Values(name)
		var value []byte
		if len(values) == 1 {
			value, err = json.Marshal(values[0])
		} else {
			value, err = json.Marshal(values)
		}
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the object written by MarshalJSON, keeping key order.
func (h *Headers) UnmarshalJSON(data []byte) error {
	h.fields = nil
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("headers must be an object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("header name must be a string")
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("header %q: %w", name, err)
		}

		var single string
		if err := json.Unmarshal(raw, &single); err == nil {
			h.Add(name, single)
			continue
		}
		var multi []string
		if err := json.Unmarshal(raw, &multi); err != nil {
			return fmt.Errorf("header %q must be a string or an array of strings", name)
		}
		for _, v := range multi {
			h.Add(name, v)
		}
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
