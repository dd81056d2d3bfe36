// Package events implements the per-request lifecycle event bus (§4.7).
//
// Events are typed records delivered to subscriber callbacks. Delivery is
// unordered across subscribers but preserves per-request ordering:
// initiated -> body-data* -> {response|abort}. Subscriber panics and errors
// are isolated so one misbehaving subscriber cannot break another or the
// request path that produced the event.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type identifies the kind of lifecycle event.
type Type string

const (
	TypeRequestInitiated       Type = "request-initiated"
	TypeRequestBodyData        Type = "request-body-data"
	TypeRequest                Type = "request"
	TypeResponseInitiated      Type = "response-initiated"
	TypeResponseBodyData       Type = "response-body-data"
	TypeResponse                Type = "response"
	TypeAbort                   Type = "abort"
	TypeTLSClientError           Type = "tls-client-error"
	TypeClientError             Type = "client-error"
	TypeTLSPassthroughOpened    Type = "tls-passthrough-opened"
	TypeTLSPassthroughClosed    Type = "tls-passthrough-closed"
	TypeRawPassthroughOpened    Type = "raw-passthrough-opened"
	TypeRawPassthroughClosed    Type = "raw-passthrough-closed"
	TypePassthroughRequestHead  Type = "passthrough-request-head"
	TypeRuleEvent                Type = "rule-event"
)

// Event is a single lifecycle occurrence. Only the fields relevant to Type
// are populated; the rest stay at their zero value. This mirrors the
// tagged-variant-by-constant-field convention the rest of this codebase uses
// for matchers and handlers rather than a Go type-union (which the language
// doesn't have).
type Event struct {
	Type      Type
	RequestID string
	At        time.Time

	// request-initiated / request / response-initiated / response
	Method   string
	URL      string
	Protocol string
	Status   int

	// request-body-data / response-body-data
	ChunkSize int
	IsEnded   bool
	Truncated bool

	// abort
	Reason string
	Code   string

	// tls-client-error / client-error
	FailureCause string
	SNI          string
	JA3          string
	JA4          string
	RemoteAddr   string

	// passthrough-request-head
	UpstreamHost string
	UpstreamPort int

	// rule-event
	RuleID string
	Note   string

	// Tags carries provenance strings such as "socket-metadata:...".
	Tags []string
}

// Subscriber receives a best-effort, serialized stream of events.
type Subscriber func(Event)

// Bus fans out events to subscribers. The zero value is not usable; use New.
type Bus struct {
	log  *zap.Logger
	mu   sync.Mutex
	subs []Subscriber

	inflight map[string]struct{}
}

// New creates an empty event bus. A nil logger is replaced with a no-op one,
// matching the library-first posture the rest of this module keeps: silent
// unless the embedder opts in.
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:      log,
		inflight: make(map[string]struct{}),
	}
}

// Subscribe appends a callback to the append-only subscriber set. There is
// no Unsubscribe: subscribers are expected to live for the process lifetime,
// matching the "opaque function values" model in §9.
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Publish delivers ev to every subscriber, isolating panics so one faulty
// subscriber cannot corrupt delivery to the others or unwind into the
// request path that produced the event.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	switch ev.Type {
	case TypeRequestInitiated:
		b.inflight[ev.RequestID] = struct{}{}
	case TypeResponse, TypeAbort:
		delete(b.inflight, ev.RequestID)
	}
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event subscriber panicked",
				zap.Any("recover", r),
				zap.String("event_type", string(ev.Type)),
				zap.String("request_id", ev.RequestID),
			)
		}
	}()
	s(ev)
}

// Snapshot returns the request identifiers currently between
// request-initiated and a terminal response/abort. The slice is a copy;
// callers never see a live reference into the bus's internal state.
func (b *Bus) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.inflight))
	for id := range b.inflight {
		out = append(out, id)
	}
	return out
}
