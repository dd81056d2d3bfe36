// Package h2 dispatches a request over HTTP/2, when the destination's TLS
// handshake negotiates "h2" via ALPN (§4.5 step 5 "HTTP/2 is attempted over
// TLS destinations and falls back to HTTP/1.1 automatically"). It builds on
// golang.org/x/net/http2's frame/HPACK implementation rather than
// reimplementing the wire format.
package h2

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/http2"

	"github.com/ghostproxy/ghostproxy/pkg/buffer"
	"github.com/ghostproxy/ghostproxy/pkg/errors"
	"github.com/ghostproxy/ghostproxy/pkg/upstream/h1"
	"github.com/ghostproxy/ghostproxy/pkg/upstream/transport"
)

// Options is the dial configuration for one request; identical to h1's
// since both protocols share one transport.Options shape.
type Options = transport.Options

// Response reuses h1's shape so the dispatcher never has to reconcile two
// response representations.
type Response = h1.Response

// Client dispatches requests over a negotiated HTTP/2 connection.
type Client struct {
	transport *transport.Transport
}

// NewClient returns a new Client, optionally sharing t's connection pool
// with an h1.Client. A nil t allocates a private transport.
func NewClient(t *transport.Transport) *Client {
	if t == nil {
		t = transport.New()
	}
	return &Client{transport: t}
}

// ErrNoALPN is returned when the TLS handshake did not negotiate "h2",
// signaling the caller to fall back to HTTP/1.1.
var ErrNoALPN = fmt.Errorf("destination does not support HTTP/2")

// Do parses req (a complete HTTP/1.1-style wire request, as built by
// pkg/transform) into an *http.Request, dials opts forcing an h2 ALPN
// offer, and round-trips it over a single-use HTTP/2 client connection.
func (c *Client) Do(ctx context.Context, req []byte, opts Options) (*Response, error) {
	if !strings.EqualFold(opts.Scheme, "https") {
		return nil, ErrNoALPN
	}

	httpReq, err := parseWireRequest(req, opts)
	if err != nil {
		return nil, err
	}

	h2opts := opts
	h2opts.ALPNProtocols = []string{"h2", "http/1.1"}

	conn, meta, err := c.transport.Connect(ctx, h2opts)
	if err != nil {
		return nil, err
	}

	if meta.NegotiatedProtocol != "h2" {
		c.transport.CloseConnection(conn, meta)
		return nil, ErrNoALPN
	}

	t2 := &http2.Transport{}
	clientConn, err := t2.NewClientConn(conn)
	if err != nil {
		c.transport.CloseConnection(conn, meta)
		return nil, errors.NewProtocolError("establishing HTTP/2 connection", err)
	}

	httpResp, err := clientConn.RoundTrip(httpReq)
	shouldClose := !opts.ReuseConnection
	if shouldClose {
		c.transport.CloseConnection(conn, meta)
	} else {
		c.transport.ReleaseConnection(conn, meta)
	}
	if err != nil {
		return nil, errors.NewProtocolError("HTTP/2 round trip failed", err)
	}

	return responseFrom(httpResp, meta)
}

// parseWireRequest decodes the HTTP/1.1-style request line + headers + body
// that pkg/transform built, and retargets it at an absolute https:// URL so
// http2.ClientConn.RoundTrip accepts it.
func parseWireRequest(req []byte, opts Options) (*http.Request, error) {
	httpReq, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(req)))
	if err != nil {
		return nil, errors.NewProtocolError("parsing request for HTTP/2 dispatch", err)
	}

	httpReq.URL.Scheme = "https"
	httpReq.URL.Host = httpReq.Host
	if httpReq.URL.Host == "" {
		httpReq.URL.Host = fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	}
	httpReq.RequestURI = ""

	if httpReq.Body != nil {
		body, err := io.ReadAll(httpReq.Body)
		if err != nil {
			return nil, errors.NewProtocolError("reading request body for HTTP/2 dispatch", err)
		}
		httpReq.Body = io.NopCloser(bytes.NewReader(body))
		httpReq.ContentLength = int64(len(body))
	}
	httpReq.Header.Del("Connection")
	httpReq.Header.Del("Transfer-Encoding")

	return httpReq, nil
}

func responseFrom(httpResp *http.Response, meta *transport.ConnectionMetadata) (*Response, error) {
	bodyBytes, err := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	if err != nil {
		return nil, errors.NewIOError("reading HTTP/2 response body", err)
	}

	body := buffer.New(0)
	body.Write(bodyBytes)

	var raw bytes.Buffer
	fmt.Fprintf(&raw, "HTTP/2 %d %s\r\n", httpResp.StatusCode, http.StatusText(httpResp.StatusCode))
	httpResp.Header.Write(&raw)
	raw.WriteString("\r\n")
	raw.Write(bodyBytes)
	rawBuf := buffer.New(0)
	rawBuf.Write(raw.Bytes())

	return &Response{
		StatusCode:  httpResp.StatusCode,
		StatusLine:  fmt.Sprintf("HTTP/2 %d %s", httpResp.StatusCode, http.StatusText(httpResp.StatusCode)),
		Headers:     map[string][]string(httpResp.Header),
		Body:        body,
		Raw:         rawBuf,
		HTTPVersion: "HTTP/2",
		BodyBytes:   int64(len(bodyBytes)),
		RawBytes:    int64(raw.Len()),
		Stages:      meta.Stages,

		ConnectedIP:        meta.ConnectedIP,
		ConnectedPort:      meta.ConnectedPort,
		NegotiatedProtocol: meta.NegotiatedProtocol,
		ConnectionReused:   meta.ConnectionReused,

		LocalAddr:    meta.LocalAddr,
		RemoteAddr:   meta.RemoteAddr,
		ConnectionID: meta.ConnectionID,

		TLSVersion:     meta.TLSVersion,
		TLSCipherSuite: meta.TLSCipherSuite,
		TLSServerName:  meta.TLSServerName,
		TLSSessionID:   meta.TLSSessionID,
		TLSResumed:     meta.TLSResumed,

		ProxyUsed: meta.ProxyUsed,
		ProxyType: meta.ProxyType,
		ProxyAddr: meta.ProxyAddr,
	}, nil
}
