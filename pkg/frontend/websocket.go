package frontend

import (
	"bufio"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/ghostproxy/ghostproxy/pkg/errors"
	"github.com/ghostproxy/ghostproxy/pkg/request"
)

var upgrader = websocket.Upgrader{
	// The mocking proxy relays arbitrary origins; it's the configured
	// rules, not this package, that decide whether a request is allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// IsWebSocketUpgrade reports whether head names an HTTP/1 WebSocket
// handshake (Upgrade: websocket, Connection: Upgrade), used by the server's
// HTTP/1 request loop to hand the request to WebSocket upgrade handling.
func IsWebSocketUpgrade(head *RequestHead) bool {
	upgrade, ok := head.Headers.Get("Upgrade")
	if !ok || !strings.EqualFold(strings.TrimSpace(upgrade), "websocket") {
		return false
	}
	conn, ok := head.Headers.Get("Connection")
	if !ok {
		return false
	}
	for _, tok := range strings.Split(conn, ",") {
		if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
			return true
		}
	}
	return false
}

// Upgrade completes the WebSocket handshake (RFC 6455) on conn using
// gorilla/websocket, hijacking through br so none of the already-peeked
// bytes are lost. The caller is responsible for closing the returned
// *websocket.Conn.
func Upgrade(conn net.Conn, br *bufio.Reader, head *RequestHead) (*websocket.Conn, error) {
	httpReq, err := toHTTPRequest(head)
	if err != nil {
		return nil, errors.NewClientError("websocket", "failed to build upgrade request", err)
	}
	adapter := &hijackResponseWriter{conn: conn, br: br, header: http.Header{}}
	wsConn, err := upgrader.Upgrade(adapter, httpReq, nil)
	if err != nil {
		return nil, errors.NewProtocolError("WebSocket upgrade failed", err)
	}
	return wsConn, nil
}

func toHTTPRequest(head *RequestHead) (*http.Request, error) {
	u, err := url.ParseRequestURI(head.URL)
	if err != nil {
		// Upgrade requests are typically relative ("/chat"); fall back to
		// a synthetic absolute form for URL parsing purposes only.
		u, err = url.ParseRequestURI("http://upgrade.invalid" + head.URL)
		if err != nil {
			return nil, err
		}
	}
	header := http.Header{}
	for _, pair := range head.Headers {
		header.Add(pair.Name, pair.Value)
	}
	return &http.Request{
		Method:     head.Method,
		URL:        u,
		Proto:      head.Version,
		Header:     header,
		Host:       header.Get("Host"),
		RequestURI: head.URL,
	}, nil
}

// hijackResponseWriter adapts a raw net.Conn + bufio.Reader pair to the
// http.ResponseWriter/http.Hijacker interface gorilla/websocket's Upgrader
// requires, since this frontend never runs an actual net/http server.
type hijackResponseWriter struct {
	conn   net.Conn
	br     *bufio.Reader
	header http.Header
	status int
}

func (h *hijackResponseWriter) Header() http.Header { return h.header }

func (h *hijackResponseWriter) Write(b []byte) (int, error) { return h.conn.Write(b) }

func (h *hijackResponseWriter) WriteHeader(status int) { h.status = status }

func (h *hijackResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw := bufio.NewReadWriter(h.br, bufio.NewWriter(h.conn))
	return h.conn, rw, nil
}

// ProtocolForUpgrade returns ws/wss depending on whether the underlying
// connection is TLS-terminated.
func ProtocolForUpgrade(tlsTerminated bool) request.Protocol {
	if tlsTerminated {
		return request.ProtocolWSS
	}
	return request.ProtocolWS
}
