// Package httpdata defines the wire-level request/response types shared by
// the proxy core: an ordered header list that preserves duplicates, the
// request and response descriptors, and a chunk buffer.
package httpdata

import "strings"

// Header is a single name/value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Name matching is case-insensitive and
// duplicate names are permitted, unlike net/http.Header, which canonicalizes
// names into an unordered map.
type Headers []Header

// Get returns the first value for name, or empty string.
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// Values returns all values for name in order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr.Value)
		}
	}
	return out
}

// Contains reports whether any header matches name.
func (h Headers) Contains(name string) bool {
	for _, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return true
		}
	}
	return false
}

// Add appends a header, keeping order.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// RemoveAll deletes every header matching name.
func (h *Headers) RemoveAll(name string) {
	out := (*h)[:0]
	for _, hdr := range *h {
		if !strings.EqualFold(hdr.Name, name) {
			out = append(out, hdr)
		}
	}
	*h = out
}

// TakeAll removes every header matching name and returns their values in order.
func (h *Headers) TakeAll(name string) []string {
	vals := h.Values(name)
	h.RemoveAll(name)
	return vals
}

// Clone returns a deep copy of the list.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// JoinValues joins header values with ", " for re-emission as a single header.
func JoinValues(vals []string) string {
	return strings.Join(vals, ", ")
}
