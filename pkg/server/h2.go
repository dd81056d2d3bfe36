package server

import (
	"io"
	"net"
	"net/http"
	"strings"

	"golang.org/x/net/http2"

	"github.com/ghostproxy/ghostproxy/pkg/frontend"
	"github.com/ghostproxy/ghostproxy/pkg/request"
)

// serveHTTP2 serves an ALPN-negotiated HTTP/2 connection using
// golang.org/x/net/http2's own frame handling rather than reimplementing
// it (the proxy assumes an underlying HTTP/2 library, per §4.1's dispatch
// table and the explicit Non-goal against hand-rolled frame parsing).
func (s *Server) serveHTTP2(conn net.Conn, meta frontend.ConnectionMeta) {
	h2srv := &http2.Server{}
	h2srv.ServeConn(conn, &http2.ServeConnOpts{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s.serveHTTP2Request(w, r, meta)
		}),
	})
}

func (s *Server) serveHTTP2Request(w http.ResponseWriter, r *http.Request, meta frontend.ConnectionMeta) {
	head := &frontend.RequestHead{
		Method:  r.Method,
		URL:     r.URL.String(),
		Version: "HTTP/2",
		Headers: headersFromHTTP(r),
	}

	req := frontend.BuildRequest(head, request.ProtocolHTTPS, meta, s.cfg.MaxBodySize, nil)

	bodyDone := make(chan struct{})
	go func() {
		defer close(bodyDone)
		drainHTTP2Body(r.Body, req.Body)
	}()

	out := s.processRequest(r.Context(), req)
	<-bodyDone

	if out.Abort {
		// HTTP/2 has no socket-level "connection: close" for a handler to
		// request; the nearest equivalent is resetting the stream, which
		// happens implicitly when this handler returns without a response.
		return
	}

	writeHTTP2Outcome(w, out)
}

func drainHTTP2Body(r io.ReadCloser, body *request.Body) {
	defer r.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			body.Write(chunk)
		}
		if err != nil {
			body.Complete()
			return
		}
	}
}

func headersFromHTTP(r *http.Request) request.RawHeaders {
	var raw request.RawHeaders
	for name, values := range r.Header {
		for _, v := range values {
			raw = raw.Add(name, v)
		}
	}
	if _, ok := raw.Get("Host"); !ok && r.Host != "" {
		raw = raw.Add("Host", r.Host)
	}
	return raw
}

// hopByHop headers have no meaning in HTTP/2 (it has no Connection header
// and no chunked framing of its own) and are dropped rather than relayed.
func hopByHop(name string) bool {
	return strings.EqualFold(name, "Connection") || strings.EqualFold(name, "Transfer-Encoding")
}

func writeHTTP2Outcome(w http.ResponseWriter, out outcome) {
	if out.StreamSource != nil {
		writeHTTP2Stream(w, out)
		return
	}
	resp := out.Response
	for _, pair := range resp.Raw {
		if hopByHop(pair.Name) {
			continue
		}
		w.Header().Add(pair.Name, pair.Value)
	}
	w.WriteHeader(resp.StatusCode)
	if body, err := resp.Body.Bytes(); err == nil {
		w.Write(body)
	}
}

func writeHTTP2Stream(w http.ResponseWriter, out outcome) {
	for _, pair := range out.StreamHeaders {
		if hopByHop(pair.Name) {
			continue
		}
		w.Header().Add(pair.Name, pair.Value)
	}
	w.WriteHeader(out.StreamStatus)
	flusher, _ := w.(http.Flusher)
	for {
		chunk, err := out.StreamSource.Next()
		if len(chunk) > 0 {
			w.Write(chunk)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}
