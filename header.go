package vnet

//
// Ordered HTTP headers
//

import (
	"net/http"
	"sort"
	"strings"
)

// HeaderField is a single header line.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered list of header fields with case-insensitive lookup
// that preserves the original casing of names. The zero value is empty
// and ready to use.
type Header struct {
	fields []HeaderField
}

// NewHeader creates a [Header] from fields.
func NewHeader(fields ...HeaderField) *Header {
	h := &Header{}
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return h
}

// NewHeaderFromHTTP creates a [Header] from an [http.Header]. The stdlib
// header is a map, so names are sorted to keep a stable order.
func NewHeaderFromHTTP(src http.Header) *Header {
	h := &Header{}
	for _, name := range sortedKeys(src) {
		for _, value := range src[name] {
			h.Add(name, value)
		}
	}
	return h
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, HeaderField{Name: name, Value: value})
}

// Set replaces all the fields named name with a single field, keeping the
// position of the first one.
func (h *Header) Set(name, value string) {
	for idx, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			h.fields[idx] = HeaderField{Name: name, Value: value}
			h.fields = append(h.fields[:idx+1], h.without(h.fields[idx+1:], name)...)
			return
		}
	}
	h.Add(name, value)
}

// Get returns the first value of name or the empty string.
func (h *Header) Get(name string) string {
	if h == nil {
		return ""
	}
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has returns whether at least one field is named name.
func (h *Header) Has(name string) bool {
	return len(h.Values(name)) > 0
}

// Values returns all the values of name in order.
func (h *Header) Values(name string) (out []string) {
	if h == nil {
		return nil
	}
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return
}

// Del removes all the fields named name.
func (h *Header) Del(name string) {
	h.fields = h.without(h.fields, name)
}

func (h *Header) without(fields []HeaderField, name string) []HeaderField {
	out := []HeaderField{}
	for _, f := range fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	return out
}

// Len returns the number of fields.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// Fields returns a copy of the fields in order.
func (h *Header) Fields() []HeaderField {
	if h == nil {
		return []HeaderField{}
	}
	return append([]HeaderField{}, h.fields...)
}

// Names returns the lower-cased distinct names in order of first appearance.
func (h *Header) Names() []string {
	out := []string{}
	seen := map[string]bool{}
	for _, f := range h.Fields() {
		name := strings.ToLower(f.Name)
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Raw returns the flat name, value, name, value, ... sequence with the
// original casing.
func (h *Header) Raw() []string {
	out := []string{}
	for _, f := range h.Fields() {
		out = append(out, f.Name, f.Value)
	}
	return out
}

// Map returns a lower-cased view where repeated fields are joined by ", ".
func (h *Header) Map() map[string]string {
	out := map[string]string{}
	for _, name := range h.Names() {
		out[name] = strings.Join(h.Values(name), ", ")
	}
	return out
}

// Clone returns a deep copy.
func (h *Header) Clone() *Header {
	return &Header{fields: h.Fields()}
}

// HTTP converts to an [http.Header].
func (h *Header) HTTP() http.Header {
	out := http.Header{}
	for _, f := range h.Fields() {
		out.Add(f.Name, f.Value)
	}
	return out
}

// sortedKeys returns the keys of an [http.Header] in sorted order.
func sortedKeys(src http.Header) []string {
	keys := make([]string, 0, len(src))
	for key := range src {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
