package request

import "strings"

// HeaderPair is a single raw header as it appeared on the wire: original
// casing, original order, duplicates preserved. This is the canonical form;
// ParsedHeaders (below) is always derived from it (§3 invariants).
type HeaderPair struct {
	Name  string
	Value string
}

// RawHeaders is an ordered, duplicate-preserving header list.
type RawHeaders []HeaderPair

// Parsed returns the lowercase-keyed, order-preserving-per-key view used by
// matchers and handlers. A repeated header name becomes an ordered sequence
// under that one lowercase key.
func (h RawHeaders) Parsed() ParsedHeaders {
	p := make(ParsedHeaders, len(h))
	for _, pair := range h {
		key := strings.ToLower(pair.Name)
		p[key] = append(p[key], pair.Value)
	}
	return p
}

// Get returns the first raw value for name (case-insensitive), and whether
// it was present at all.
func (h RawHeaders) Get(name string) (string, bool) {
	lname := strings.ToLower(name)
	for _, pair := range h {
		if strings.ToLower(pair.Name) == lname {
			return pair.Value, true
		}
	}
	return "", false
}

// Add appends a header pair, preserving any existing occurrences of name.
func (h RawHeaders) Add(name, value string) RawHeaders {
	return append(h, HeaderPair{Name: name, Value: value})
}

// Set replaces all occurrences of name with a single value, preserving the
// position of the first existing occurrence (or appending if absent).
func (h RawHeaders) Set(name, value string) RawHeaders {
	lname := strings.ToLower(name)
	out := make(RawHeaders, 0, len(h)+1)
	replaced := false
	for _, pair := range h {
		if strings.ToLower(pair.Name) == lname {
			if !replaced {
				out = append(out, HeaderPair{Name: name, Value: value})
				replaced = true
			}
			continue
		}
		out = append(out, pair)
	}
	if !replaced {
		out = append(out, HeaderPair{Name: name, Value: value})
	}
	return out
}

// Remove drops every occurrence of name.
func (h RawHeaders) Remove(name string) RawHeaders {
	lname := strings.ToLower(name)
	out := make(RawHeaders, 0, len(h))
	for _, pair := range h {
		if strings.ToLower(pair.Name) == lname {
			continue
		}
		out = append(out, pair)
	}
	return out
}

// WireBytes renders the header block exactly as it would appear after the
// request/status line, CRLF-terminated per header and with the trailing
// blank line. Used by the invariant test in §8 ("the concatenation equals
// the on-the-wire bytes of the header block").
func (h RawHeaders) WireBytes() []byte {
	var b strings.Builder
	for _, pair := range h {
		b.WriteString(pair.Name)
		b.WriteString(": ")
		b.WriteString(pair.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// ParsedHeaders is the lowercase-keyed, duplicate-aware derived view.
type ParsedHeaders map[string][]string

// First returns the first value for a lowercase key, if any.
func (p ParsedHeaders) First(key string) (string, bool) {
	vals := p[strings.ToLower(key)]
	if len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}
