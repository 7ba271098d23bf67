// Package wire reads HTTP/1.1 requests from a buffered reader and renders
// responses.
package wire

import (
	"net/http"
	"net/textproto"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Field is one header line
type Field struct {
	Name  string
	Value string
}

// Headers keeps header fields in arrival order with case-insensitive lookup
type Headers struct {
	fields []Field
}

// Add appends a field
func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces every field named name with a single one
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Del removes every field named name
func (h *Headers) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// Get returns the first value of name, or ""
func (h Headers) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value of name in order
func (h Headers) Values(name string) []string {
	var vals []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			vals = append(vals, f.Value)
		}
	}
	return vals
}

// Has reports whether name is present
func (h Headers) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// HasToken reports whether the comma-separated values of name contain token
func (h Headers) HasToken(name, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(name), token)
}

// Each calls fn for every field in order
func (h Headers) Each(fn func(name, value string)) {
	for _, f := range h.fields {
		fn(f.Name, f.Value)
	}
}

// Len returns the number of fields
func (h Headers) Len() int {
	return len(h.fields)
}

// Clone returns an independent copy
func (h Headers) Clone() Headers {
	return Headers{fields: append([]Field(nil), h.fields...)}
}

// HTTPHeader converts to net/http form for libraries built on it
func (h Headers) HTTPHeader() http.Header {
	out := make(http.Header, len(h.fields))
	for _, f := range h.fields {
		key := textproto.CanonicalMIMEHeaderKey(f.Name)
		out[key] = append(out[key], f.Value)
	}
	return out
}
