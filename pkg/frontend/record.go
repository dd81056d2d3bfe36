package frontend

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/ghostproxy/ghostproxy/pkg/constants"
	"github.com/ghostproxy/ghostproxy/pkg/request"
)

// ConnectionMeta is everything the frontend learns about a connection
// before the first request record can be built: the observed peer, TLS
// metadata (if any), and tags accumulated from a SOCKS or HTTP proxy-auth
// handshake (§3 "destination", §4.11).
type ConnectionMeta struct {
	RemoteIP   string
	RemotePort int

	ObservedIP   string
	ObservedPort int

	SNI string
	JA3 string
	JA4 string

	Tags []string
}

// MetaFromConn derives RemoteIP/RemotePort from conn's remote address,
// defaulting ObservedIP/Port to the same (no SOCKS tunnel in play).
func MetaFromConn(conn net.Conn) ConnectionMeta {
	meta := ConnectionMeta{}
	if host, port, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		meta.RemoteIP = host
		if p, err := strconv.Atoi(port); err == nil {
			meta.RemotePort = p
		}
		meta.ObservedIP = meta.RemoteIP
		meta.ObservedPort = meta.RemotePort
	}
	return meta
}

// BuildRequest assembles the canonical request record (§3) from a parsed
// HTTP/1 head, a protocol tag, and the connection metadata gathered by the
// classifier/TLS interceptor/SOCKS front.
func BuildRequest(head *RequestHead, protocol request.Protocol, meta ConnectionMeta, maxBodySize int64, onTruncate request.TruncateFunc) *request.Request {
	if maxBodySize <= 0 {
		maxBodySize = constants.DefaultMaxBodySize
	}
	contentEncoding, _ := head.Headers.Get("Content-Encoding")

	req := &request.Request{
		ID:       request.NewID(),
		Protocol: protocol,
		Version:  head.Version,
		Method:   head.Method,
		URL:      resolveRequestURL(head, protocol),
		Path:     head.URL,

		Raw:    head.Headers,
		Header: head.Headers.Parsed(),

		Destination: request.Destination{
			ObservedIP:   meta.ObservedIP,
			ObservedPort: meta.ObservedPort,
		},
		RemoteIP:   meta.RemoteIP,
		RemotePort: meta.RemotePort,

		Tags: append([]string(nil), meta.Tags...),

		Body: request.NewBody(maxBodySize, contentEncoding, onTruncate),

		SNI: meta.SNI,
		JA3: meta.JA3,
		JA4: meta.JA4,
	}
	if u, err := url.Parse(req.URL); err == nil {
		req.Path = u.Path
		req.Destination.Hostname = u.Hostname()
		req.Destination.Port, _ = strconv.Atoi(u.Port())
		if req.Destination.Port == 0 && req.Destination.Hostname != "" {
			req.Destination.Port = 80
			if u.Scheme == "https" || u.Scheme == "wss" {
				req.Destination.Port = 443
			}
		}
	}
	now := time.Now()
	req.Timing.WallStart = now
	req.Timing.Initiated = now
	return req
}

// resolveRequestURL turns an HTTP/1 request line's URL (which may be
// relative, or the absolute-URI form used in proxy requests) into an
// absolute URL using the Host header and negotiated protocol when needed.
func resolveRequestURL(head *RequestHead, protocol request.Protocol) string {
	if hasScheme(head.URL) {
		return head.URL
	}
	host, _ := head.Headers.Get("Host")
	scheme := "http"
	switch protocol {
	case request.ProtocolHTTPS, request.ProtocolWSS:
		scheme = "https"
	}
	if host == "" {
		return head.URL
	}
	return scheme + "://" + host + head.URL
}

func hasScheme(url string) bool {
	for i := 0; i < len(url); i++ {
		switch {
		case url[i] == ':':
			return i > 0 && i+2 < len(url) && url[i+1] == '/' && url[i+2] == '/'
		case url[i] == '/':
			return false
		}
	}
	return false
}
