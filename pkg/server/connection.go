package server

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ghostproxy/ghostproxy/pkg/events"
	"github.com/ghostproxy/ghostproxy/pkg/frontend"
	"github.com/ghostproxy/ghostproxy/pkg/request"
	"github.com/ghostproxy/ghostproxy/pkg/rules"
	"github.com/ghostproxy/ghostproxy/pkg/socks"
	"github.com/ghostproxy/ghostproxy/pkg/transform"
)

// teeReader records the first cap bytes read through it, so a stream that
// fails normal parsing can still be handed to frontend.Salvage (§4.10).
// Recording stops once the cap is reached; bodies run well past it and
// aren't needed for salvage.
type teeReader struct {
	net.Conn
	buf bytes.Buffer
	cap int
}

func (t *teeReader) Read(p []byte) (int, error) {
	n, err := t.Conn.Read(p)
	if n > 0 && t.buf.Len() < t.cap {
		remain := t.cap - t.buf.Len()
		if remain > n {
			remain = n
		}
		t.buf.Write(p[:remain])
	}
	return n, err
}

// handleConnection is the cooperative task that owns one accepted socket
// end to end: classification, optional SOCKS negotiation, optional TLS
// interception, and the request-response loop (§4.1, §5). ctx is cancelled
// when the connection is torn down, unblocking anything waiting on it (a
// TimeoutForeverHandler, most notably).
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, socksAllowed bool) {
	defer conn.Close()
	rec := &teeReader{Conn: conn, cap: 16 * 1024}
	br := bufio.NewReader(rec)
	meta := frontend.MetaFromConn(conn)
	s.serveStream(ctx, conn, br, rec, meta, socksAllowed, false, "")
}

// serveStream classifies the leading bytes of the current layer (raw TCP,
// or the plaintext stream inside a terminated TLS or SOCKS tunnel) and
// dispatches. It recurses one layer deeper for SOCKS and TLS interception.
func (s *Server) serveStream(ctx context.Context, conn net.Conn, br *bufio.Reader, rec *teeReader, meta frontend.ConnectionMeta, socksAllowed bool, tlsTerminated bool, interceptionHost string) {
	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	proto, err := frontend.Classify(br, socksAllowed)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		return
	}

	switch proto {
	case frontend.ProtocolSOCKS:
		s.handleSOCKS(ctx, conn, br, rec, meta)
	case frontend.ProtocolTLS:
		s.handleTLS(ctx, conn, br, rec, meta, interceptionHost)
	case frontend.ProtocolHTTP1:
		s.serveHTTP1(ctx, conn, br, rec, meta, tlsTerminated)
	default:
		s.handleUnknown(conn, br, rec, meta, tlsTerminated)
	}
}

// socksRW adapts a bufio.Reader (which may already hold peeked bytes) and
// the underlying conn into the io.ReadWriter socks.Negotiate wants.
type socksRW struct {
	r io.Reader
	w io.Writer
}

func (s socksRW) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s socksRW) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *Server) handleSOCKS(ctx context.Context, conn net.Conn, br *bufio.Reader, rec *teeReader, meta frontend.ConnectionMeta) {
	result, err := socks.Negotiate(socksRW{r: br, w: conn}, socks.Config{AcceptedMethods: s.cfg.SocksAcceptedMethods})
	if err != nil {
		s.logger().Warn("socks negotiation failed", zap.Error(err))
		return
	}

	host := result.Hostname
	if host == "" {
		host = result.IP
	}
	meta.ObservedIP = host
	meta.ObservedPort = result.Port
	meta.Tags = append(append([]string(nil), meta.Tags...), result.Tags...)

	// The negotiated tunnel is now an opaque byte stream; classify again to
	// see whether it's a nested TLS handshake, a plain HTTP/1 request, or
	// something this proxy can only relay raw.
	s.serveStream(ctx, conn, br, rec, meta, false, false, host)
}

func (s *Server) handleTLS(ctx context.Context, conn net.Conn, br *bufio.Reader, rec *teeReader, meta frontend.ConnectionMeta, interceptionHost string) {
	cfg := frontend.TLSConfig{CA: s.cfg.CA, Passthrough: s.cfg.TLSPassthrough}
	intercepted, result, err := frontend.Intercept(conn, br, cfg, interceptionHost)

	switch result {
	case frontend.ResultClientError:
		var sni string
		if intercepted != nil && intercepted.Info != nil {
			sni = intercepted.Info.SNI
		}
		s.cfg.Bus.Publish(events.Event{
			Type:         events.TypeTLSClientError,
			FailureCause: err.Error(),
			SNI:          sni,
			RemoteAddr:   conn.RemoteAddr().String(),
		})
		return

	case frontend.ResultPassthrough:
		s.relayTLSPassthrough(conn, br, interceptionHost, intercepted)
		return

	case frontend.ResultTerminated:
		meta.SNI = intercepted.Info.SNI
		meta.JA3 = intercepted.Info.JA3
		meta.JA4 = intercepted.Info.JA4

		tlsConn := intercepted.Conn
		defer tlsConn.Close()

		if frontend.ALPNRoute(intercepted.NegotiatedALPN) == frontend.ProtocolHTTP2 {
			s.serveHTTP2(tlsConn, meta)
			return
		}

		innerRec := &teeReader{Conn: tlsConn, cap: 16 * 1024}
		innerBr := bufio.NewReader(innerRec)
		s.serveStream(ctx, tlsConn, innerBr, innerRec, meta, false, true, meta.SNI)
	}
}

// relayTLSPassthrough forwards the still-encrypted bytes already peeked
// (the ClientHello) plus everything following it, untouched, to the real
// destination (§4.6 "passthrough"). host comes from the SNI, falling back
// to interceptionHost for a CONNECT tunnel with no SNI.
func (s *Server) relayTLSPassthrough(conn net.Conn, br *bufio.Reader, interceptionHost string, intercepted *frontend.Intercepted) {
	host := interceptionHost
	if intercepted != nil && intercepted.Info != nil && intercepted.Info.SNI != "" {
		host = intercepted.Info.SNI
	}
	if host == "" {
		return
	}
	upstreamConn, err := net.DialTimeout("tcp", net.JoinHostPort(host, "443"), s.cfg.HandshakeTimeout)
	if err != nil {
		s.logger().Warn("tls passthrough dial failed", zap.String("host", host), zap.Error(err))
		return
	}
	defer upstreamConn.Close()

	s.cfg.Bus.Publish(events.Event{Type: events.TypeTLSPassthroughOpened, UpstreamHost: host, UpstreamPort: 443})
	relayRawStream(conn, br, upstreamConn)
	s.cfg.Bus.Publish(events.Event{Type: events.TypeTLSPassthroughClosed, UpstreamHost: host, UpstreamPort: 443})
}

// handleUnknown either relays the tunnel raw to a configured destination, or
// runs the best-effort salvage parse over whatever bytes this connection has
// produced so far and logs a client-error diagnostic (§4.1 "unknown
// protocol... either raw-passthrough (if configured) or emit client-error
// and reset", §4.10).
func (s *Server) handleUnknown(conn net.Conn, br *bufio.Reader, rec *teeReader, meta frontend.ConnectionMeta, tlsTerminated bool) {
	if meta.ObservedIP != "" && transform.MatchesNoProxy(s.cfg.RawPassthroughHosts, meta.ObservedIP, meta.ObservedPort) {
		s.relayRawPassthrough(conn, br, meta)
		return
	}

	result := frontend.Salvage(rec.buf.Bytes())
	s.cfg.Bus.Publish(events.Event{
		Type:         events.TypeClientError,
		Method:       result.Method,
		URL:          result.URL,
		Protocol:     string(frontend.GuessProtocol(tlsTerminated)),
		FailureCause: "unrecognized protocol on connection",
		RemoteAddr:   conn.RemoteAddr().String(),
		SNI:          meta.SNI,
		Tags:         []string{"client-error:unrecognized-protocol"},
	})
}

// relayRawPassthrough dials meta's observed destination and relays the
// tunnel byte-for-byte in both directions, for CONNECT targets the operator
// has opted out of classification for entirely (e.g. a non-HTTP protocol
// tunneled through the proxy).
func (s *Server) relayRawPassthrough(conn net.Conn, br *bufio.Reader, meta frontend.ConnectionMeta) {
	port := meta.ObservedPort
	if port == 0 {
		port = 80
	}
	addr := net.JoinHostPort(meta.ObservedIP, strconv.Itoa(port))
	upstreamConn, err := net.DialTimeout("tcp", addr, s.cfg.HandshakeTimeout)
	if err != nil {
		s.logger().Warn("raw passthrough dial failed", zap.String("host", meta.ObservedIP), zap.Error(err))
		return
	}
	defer upstreamConn.Close()

	s.cfg.Bus.Publish(events.Event{Type: events.TypeRawPassthroughOpened, UpstreamHost: meta.ObservedIP, UpstreamPort: port})
	relayRawStream(conn, br, upstreamConn)
	s.cfg.Bus.Publish(events.Event{Type: events.TypeRawPassthroughClosed, UpstreamHost: meta.ObservedIP, UpstreamPort: port})
}

// serveHTTP1 runs the keep-alive request/response loop for a plaintext or
// TLS-terminated HTTP/1 stream, including CONNECT tunnels and WebSocket
// upgrades discovered along the way (§4.1, §5 "one connection per
// cooperative task").
func (s *Server) serveHTTP1(ctx context.Context, conn net.Conn, br *bufio.Reader, rec *teeReader, meta frontend.ConnectionMeta, tlsTerminated bool) {
	protocol := frontend.GuessProtocol(tlsTerminated)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		head, err := frontend.ReadRequestHead(br)
		if err != nil {
			if frontend.IsHeaderOverflow(err) {
				s.cfg.Bus.Publish(events.Event{
					Type:         events.TypeClientError,
					FailureCause: err.Error(),
					RemoteAddr:   conn.RemoteAddr().String(),
					Tags:         []string{"client-error:HPE_HEADER_OVERFLOW", "header-overflow"},
				})
				writeRawStatus(conn, "HTTP/1.1", 431, true)
			}
			return
		}
		conn.SetReadDeadline(time.Time{})

		if head.Method == "CONNECT" {
			s.handleConnect(ctx, conn, br, rec, meta, head)
			return
		}

		if frontend.IsWebSocketUpgrade(head) {
			s.handleWebSocketUpgrade(ctx, conn, br, meta, head, protocol)
			return
		}

		req := frontend.BuildRequest(head, protocol, meta, s.cfg.MaxBodySize, nil)

		bodyErr := make(chan error, 1)
		go func() { bodyErr <- frontend.ReadBody(br, head.Headers, req.Body) }()

		out := s.processRequest(ctx, req)

		if err := <-bodyErr; err != nil {
			s.logger().Warn("request body read failed", zap.Error(err))
			return
		}

		if out.Abort {
			return
		}

		if !s.writeOutcome(conn, head.Version, req.ID, out) {
			return
		}
	}
}

func (s *Server) handleConnect(ctx context.Context, conn net.Conn, br *bufio.Reader, rec *teeReader, meta frontend.ConnectionMeta, head *frontend.RequestHead) {
	host, port, err := frontend.ParseConnectTarget(head)
	if err != nil {
		frontend.WriteConnectFailed(conn, "400 Bad Request")
		return
	}

	if err := frontend.WriteConnectEstablished(conn); err != nil {
		return
	}

	portNum, _ := strconv.Atoi(port)
	meta.ObservedIP = host
	meta.ObservedPort = portNum

	// Reset the salvage recording window for the tunnel's own traffic.
	rec.buf.Reset()
	s.serveStream(ctx, conn, br, rec, meta, false, false, host)
}

// handleWebSocketUpgrade resolves the upgrade handshake through the rule
// engine's selection pass. A PassThroughHandler match dials the real
// WebSocket upstream and relays frames byte-for-byte once both handshakes
// succeed; any other handler kind's response is written as a plain
// (non-101) HTTP response, which amounts to rejecting or short-circuiting
// the handshake — per-frame WebSocket mocking is out of scope (§4.4 names
// the handler kinds; none of them describe WS frame synthesis).
func (s *Server) handleWebSocketUpgrade(ctx context.Context, conn net.Conn, br *bufio.Reader, meta frontend.ConnectionMeta, head *frontend.RequestHead, protocol request.Protocol) {
	wsProtocol := request.ProtocolWS
	if protocol == request.ProtocolHTTPS {
		wsProtocol = request.ProtocolWSS
	}

	req := frontend.BuildRequest(head, wsProtocol, meta, s.cfg.MaxBodySize, nil)
	req.Body.Complete()

	s.cfg.Bus.Publish(events.Event{
		Type: events.TypeRequestInitiated, RequestID: req.ID,
		Method: req.Method, URL: req.URL, Protocol: string(req.Protocol),
	})
	rule, decision := s.selectRule(req)
	s.cfg.Bus.Publish(events.Event{
		Type: events.TypeRequest, RequestID: req.ID,
		Method: req.Method, URL: req.URL, Protocol: string(req.Protocol), Tags: req.Tags,
	})

	if decision == rules.DecisionMatched || decision == rules.DecisionFallback {
		if _, ok := rule.Handler.(rules.PassThroughHandler); ok {
			s.relayWebSocketPassThrough(conn, br, req, head, meta, wsProtocol)
			return
		}
	}

	var hr handlerResult
	if decision == rules.DecisionNoMatch {
		hr.Response = responseFromSpec(rules.NoMatchResponse())
	} else {
		var err error
		hr, err = s.realizeHandler(ctx, req, rule.Handler)
		if err != nil {
			hr = handlerResult{Response: internalErrorResponse(err)}
		}
	}

	if hr.Close {
		s.cfg.Bus.Publish(events.Event{Type: events.TypeAbort, RequestID: req.ID, Reason: hr.Reason, Code: hr.Code})
		return
	}

	s.cfg.Bus.Publish(events.Event{Type: events.TypeResponse, RequestID: req.ID, Status: hr.Response.StatusCode, Protocol: string(req.Protocol)})
	s.writeResponse(conn, head.Version, hr.Response)
}

// relayWebSocketPassThrough dials the real upstream, completes both sides
// of the WebSocket handshake, and relays frames until either end closes.
func (s *Server) relayWebSocketPassThrough(conn net.Conn, br *bufio.Reader, req *request.Request, head *frontend.RequestHead, meta frontend.ConnectionMeta, protocol request.Protocol) {
	dest := wsDestination(head, meta, protocol)
	upstreamWS, _, err := websocketDial(dest)
	if err != nil {
		s.logger().Warn("websocket upstream dial failed", zap.Error(err))
		s.cfg.Bus.Publish(events.Event{Type: events.TypeAbort, RequestID: req.ID, Reason: "websocket upstream dial failed", Code: "ECONNREFUSED"})
		writeRawStatus(conn, head.Version, 502, true)
		return
	}
	defer upstreamWS.Close()

	clientWS, err := frontend.Upgrade(conn, br, head)
	if err != nil {
		s.logger().Warn("websocket client upgrade failed", zap.Error(err))
		return
	}
	defer clientWS.Close()

	s.cfg.Bus.Publish(events.Event{Type: events.TypeResponse, RequestID: req.ID, Status: 101, Protocol: string(protocol)})
	relayWebSocket(clientWS, upstreamWS)
}
