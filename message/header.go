package message

import (
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Field is a single header field as it appears on the wire.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered set of header fields. Lookups are case-insensitive,
// the original spelling of names is preserved for HTTP/1.1 output.
type Header []Field

// Pairs returns a Header formed by the mapping of name, value ...
// Pairs panics if len(kv) is odd.
func Pairs(kv ...string) Header {
	if len(kv)%2 != 0 {
		panic(fmt.Sprintf("message: Pairs got the odd number of input pairs for header: %d", len(kv)))
	}

	h := make(Header, 0, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		h = append(h, Field{Name: kv[i], Value: kv[i+1]})
	}
	return h
}

// FromMap builds a Header from a map. Field order follows map iteration.
func FromMap(m map[string][]string) Header {
	h := make(Header, 0, len(m))
	for k, vals := range m {
		for _, v := range vals {
			h = append(h, Field{Name: k, Value: v})
		}
	}
	return h
}

// Len returns the number of fields in h.
func (h Header) Len() int {
	return len(h)
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Set replaces every field called name with a single field.
func (h *Header) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

// Get returns the first value stored under name, or "".
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether a field called name exists.
func (h Header) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value stored under name in insertion order.
func (h Header) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Del removes every field called name.
func (h *Header) Del(name string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

// Clone returns a deep copy of h.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	copy(out, h)
	return out
}

// Range calls fn for every field until fn returns false.
func (h Header) Range(fn func(name, value string) bool) {
	for _, f := range h {
		if !fn(f.Name, f.Value) {
			return
		}
	}
}

// Map returns the fields keyed by lowercase name.
func (h Header) Map() map[string][]string {
	m := make(map[string][]string, len(h))
	for _, f := range h {
		k := strings.ToLower(f.Name)
		m[k] = append(m[k], f.Value)
	}
	return m
}

// Validate checks every field name and value against the HTTP token grammar.
func (h Header) Validate() error {
	for _, f := range h {
		if !httpguts.ValidHeaderFieldName(f.Name) {
			return fmt.Errorf("message: invalid header field name %q", f.Name)
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return fmt.Errorf("message: invalid header field value for %q", f.Name)
		}
	}
	return nil
}

// HasToken reports whether the comma separated field name contains token.
func (h Header) HasToken(name, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(name), token)
}
