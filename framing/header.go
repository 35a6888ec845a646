// Author: momentics <momentics@gmail.com>

package framing

import (
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Header is one header field as received. Names keep their original case.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list.
type Headers []Header

// Get returns the first value of name.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether name is present.
func (h Headers) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Values returns every value of name in order.
func (h Headers) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// HasToken reports whether the comma separated values of name contain token.
func (h Headers) HasToken(name, token string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values(name), token)
}

// Tokens returns the comma separated tokens of every value of name.
func (h Headers) Tokens(name string) []string {
	var out []string
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

// Add appends a field.
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Set replaces every field called name by one field, keeping the position of
// the first.
func (h *Headers) Set(name, value string) {
	for i, f := range *h {
		if strings.EqualFold(f.Name, name) {
			(*h)[i].Value = value
			h.delFrom(i+1, name)
			return
		}
	}
	h.Add(name, value)
}

// Del removes every field called name and reports whether any was removed.
func (h *Headers) Del(name string) bool {
	n := len(*h)
	h.delFrom(0, name)
	return len(*h) != n
}

func (h *Headers) delFrom(start int, name string) {
	out := (*h)[:start]
	for _, f := range (*h)[start:] {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	return append(Headers(nil), h...)
}

func (h Headers) appendTo(dst []byte) []byte {
	for _, f := range h {
		dst = append(dst, f.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, f.Value...)
		dst = append(dst, "\r\n"...)
	}
	return dst
}
