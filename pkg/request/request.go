// Package request defines the canonical request/response record model
// (§3), the body handle (§3, §4.9) and URL normalization (§4.8).
package request

import (
	"time"

	"github.com/google/uuid"
)

// Protocol is the restricted enumeration matchers and records use (§3).
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
	ProtocolWS    Protocol = "ws"
	ProtocolWSS   Protocol = "wss"
)

// Destination describes where the client believes it is talking to, and
// where it is actually connected (§3 "destination").
type Destination struct {
	Hostname     string // as believed by the client (Host header, SNI, or URL)
	Port         int
	ObservedIP   string // the peer the client actually connected to
	ObservedPort int
}

// Timings records the monotonic lifecycle timestamps plus the wall-clock
// start, used for timing metrics and ordering diagnostics.
type Timings struct {
	WallStart        time.Time
	Initiated        time.Time
	HeadersComplete  time.Time
	BodyComplete     time.Time
	ResponseStart    time.Time
	ResponseComplete time.Time
}

// Request is an immutable snapshot of everything the rule engine and
// handlers need to know about an incoming request (§3).
type Request struct {
	ID       string
	Protocol Protocol
	Version  string // "HTTP/1.1", "HTTP/2", ...
	Method   string
	URL      string
	Path     string

	Raw    RawHeaders
	Header ParsedHeaders

	Destination Destination
	RemoteIP    string
	RemotePort  int

	Tags []string

	Timing Timings

	Body *Body

	// TLS metadata, populated only for https/wss (§4.6).
	SNI string
	JA3 string
	JA4 string
}

// NewID generates a fresh, opaque request identifier.
func NewID() string {
	return uuid.NewString()
}

// AddTag appends a provenance tag, e.g. "socket-metadata:t1" (§4.11).
func (r *Request) AddTag(tag string) {
	r.Tags = append(r.Tags, tag)
}

// HasTag reports whether tag is present verbatim.
func (r *Request) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Response is the downstream-direction counterpart of Request (§3).
type Response struct {
	StatusCode int
	StatusMsg  string

	Raw    RawHeaders
	Header ParsedHeaders

	Trailers RawHeaders

	Body *Body

	Timing Timings
}

// forbiddenResponseHeaders are HTTP/2 pseudo-headers, which are never
// user-settable and are stripped before the response goes on the wire
// (§3 "HTTP/2 pseudo-headers are disallowed...").
var forbiddenResponseHeaders = map[string]bool{
	":status":    true,
	":method":    true,
	":path":      true,
	":scheme":    true,
	":authority": true,
}

// StripPseudoHeaders removes any HTTP/2 pseudo-header the caller tried to
// set explicitly, returning the cleaned list.
func StripPseudoHeaders(h RawHeaders) RawHeaders {
	out := make(RawHeaders, 0, len(h))
	for _, pair := range h {
		if forbiddenResponseHeaders[pair.Name] {
			continue
		}
		out = append(out, pair)
	}
	return out
}
