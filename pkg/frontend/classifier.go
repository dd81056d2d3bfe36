// Package frontend implements the connection frontend (§4.1): the socket
// classifier that peeks a connection's leading bytes and dispatches to the
// TLS interceptor, the HTTP/1 parser, HTTP/2 (via golang.org/x/net/http2),
// WebSocket upgrade detection, or raw-HTTP salvage parsing.
package frontend

import (
	"bufio"
	"strings"

	"github.com/ghostproxy/ghostproxy/pkg/errors"
)

// Protocol is the classifier's dispatch verdict for a freshly peeked
// connection (§4.1's dispatch table).
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolTLS
	ProtocolSOCKS
	ProtocolHTTP1
	ProtocolHTTP2
)

// httpMethodPrefixes are the leading bytes the classifier recognizes as
// plain HTTP/1 requests (§4.1's dispatch table; CONNECT included since it
// arrives as ordinary HTTP/1 request line before the tunnel is established).
var httpMethodPrefixes = []string{
	"GET ", "POST", "HEAD", "PUT ", "CONNECT", "OPTIONS", "DELETE", "PATCH", "TRACE",
}

// Classify peeks the leading bytes of br (without consuming them) and
// returns the route to take. socksEnabled gates whether 0x04/0x05 are
// treated as SOCKS rather than falling through to "unknown".
func Classify(br *bufio.Reader, socksEnabled bool) (Protocol, error) {
	lead, err := br.Peek(1)
	if err != nil {
		return ProtocolUnknown, errors.NewProtocolError("failed to peek connection", err)
	}

	switch lead[0] {
	case 0x16:
		return ProtocolTLS, nil
	case 0x04, 0x05:
		if socksEnabled {
			return ProtocolSOCKS, nil
		}
	}

	n := 7
	if avail := br.Buffered(); avail < n {
		n = avail
	}
	prefix, err := br.Peek(n)
	if err != nil && len(prefix) == 0 {
		return ProtocolUnknown, errors.NewProtocolError("failed to peek connection", err)
	}
	upper := strings.ToUpper(string(prefix))
	for _, m := range httpMethodPrefixes {
		if strings.HasPrefix(upper, m) {
			return ProtocolHTTP1, nil
		}
	}

	return ProtocolUnknown, nil
}

// ALPNRoute resolves the post-handshake protocol from the negotiated ALPN
// value (§4.1 "the negotiated ALPN hints the routing": "h2" -> HTTP/2,
// "http/1.1" or absent -> HTTP/1).
func ALPNRoute(negotiatedProto string) Protocol {
	if negotiatedProto == "h2" {
		return ProtocolHTTP2
	}
	return ProtocolHTTP1
}
