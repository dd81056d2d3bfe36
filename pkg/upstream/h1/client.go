// Package h1 speaks raw HTTP/1.1 over a transport.Transport-dialed
// connection, writing the wire-format request bytes the passthrough
// handler already built and parsing the response back into structured
// form (§4.5 step 5).
package h1

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/ghostproxy/ghostproxy/pkg/buffer"
	"github.com/ghostproxy/ghostproxy/pkg/errors"
	"github.com/ghostproxy/ghostproxy/pkg/upstream/transport"
)

const maxHeaderBytes = 64 * 1024

// Options is the dial+protocol configuration for one request.
type Options = transport.Options

// Response is a parsed HTTP/1.1 response.
type Response struct {
	StatusLine  string
	StatusCode  int
	Method      string
	Headers     map[string][]string
	Body        *buffer.Buffer
	Raw         *buffer.Buffer
	Stages      transport.Stages
	BodyBytes   int64
	RawBytes    int64
	HTTPVersion string

	ConnectedIP        string
	ConnectedPort      int
	NegotiatedProtocol string
	ConnectionReused   bool

	LocalAddr    string
	RemoteAddr   string
	ConnectionID uint64

	TLSVersion     string
	TLSCipherSuite string
	TLSServerName  string
	TLSSessionID   string
	TLSResumed     bool

	ProxyUsed bool
	ProxyType string
	ProxyAddr string
}

// Client dispatches raw request bytes over HTTP/1.1.
type Client struct {
	transport *transport.Transport
}

// New returns a new Client instance.
func New() *Client {
	return &Client{transport: transport.New()}
}

// NewWithTransport creates a Client sharing an existing Transport, so
// HTTP/1.1 and a caller's own dialing share one connection pool.
func NewWithTransport(t *transport.Transport) *Client {
	return &Client{transport: t}
}

// PoolStats returns connection pool statistics.
func (c *Client) PoolStats() transport.PoolStats {
	if c.transport == nil {
		return transport.PoolStats{}
	}
	return c.transport.PoolStats()
}

func parseMethod(req []byte) string {
	idx := bytes.IndexByte(req, ' ')
	if idx <= 0 {
		return ""
	}
	return strings.ToUpper(string(req[:idx]))
}

// Do sends req (a complete wire-format HTTP/1.1 request, as built by
// pkg/transform) and parses the response.
func (c *Client) Do(ctx context.Context, req []byte, opts Options) (*Response, error) {
	if c.transport == nil {
		return nil, errors.NewValidationError("client transport is nil")
	}
	if len(req) == 0 {
		return nil, errors.NewValidationError("request cannot be empty")
	}

	conn, meta, err := c.transport.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}

	shouldClose := !opts.ReuseConnection
	defer func() {
		if shouldClose {
			c.transport.CloseConnection(conn, meta)
		} else {
			c.transport.ReleaseConnection(conn, meta)
		}
	}()

	method := parseMethod(req)

	rawBufferSize := int64(5 * 1024 * 1024)
	response := &Response{
		Method:  method,
		Headers: make(map[string][]string),
		Body:    buffer.New(0),
		Raw:     buffer.New(rawBufferSize),

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
	}

	if err := c.sendRequest(conn, req, opts.WriteTimeout); err != nil {
		return nil, err
	}

	if err := c.readResponse(conn, response, opts.ReadTimeout); err != nil {
		response.Stages = meta.Stages
		response.BodyBytes = response.Body.Size()
		response.RawBytes = response.Raw.Size()
		if errors.IsTimeoutError(err) || errors.IsContextCanceled(err) {
			response.Body.Close()
			response.Raw.Close()
			return nil, err
		}
		return response, err
	}

	response.Stages = meta.Stages
	response.BodyBytes = response.Body.Size()
	response.RawBytes = response.Raw.Size()
	return response, nil
}

func (c *Client) sendRequest(conn net.Conn, req []byte, writeTimeout time.Duration) error {
	if writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return errors.NewIOError("setting write deadline", err)
		}
		defer conn.SetWriteDeadline(time.Time{})
	}

	written := 0
	for written < len(req) {
		n, err := conn.Write(req[written:])
		if err != nil {
			return errors.NewIOError("writing request", err)
		}
		written += n
	}
	return nil
}

func (c *Client) readResponse(conn net.Conn, response *Response, readTimeout time.Duration) error {
	if readTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return errors.NewIOError("setting read deadline", err)
		}
	}

	reader := bufio.NewReader(conn)

	statusLine, err := c.readLine(reader)
	if err != nil {
		return errors.NewProtocolError("reading status line", err)
	}

	response.StatusLine = statusLine
	if _, err := response.Raw.Write([]byte(statusLine + "\r\n")); err != nil {
		return err
	}

	if err := c.parseStatusLine(statusLine, response); err != nil {
		return err
	}

	headers, err := c.readHeaders(reader, response.Raw)
	if err != nil {
		return err
	}
	response.Headers = headers

	return c.readBody(reader, response, headers)
}

func (c *Client) readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) >= 2 && line[len(line)-2:] == "\r\n" {
		return line[:len(line)-2], nil
	}
	return strings.TrimRight(line, "\n"), nil
}

func (c *Client) parseStatusLine(statusLine string, response *Response) error {
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return errors.NewProtocolError("invalid status line format", nil)
	}
	if len(parts[0]) > 0 {
		response.HTTPVersion = parts[0]
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return errors.NewProtocolError("invalid status code", err)
	}
	response.StatusCode = code
	return nil
}

func (c *Client) readHeaders(reader *bufio.Reader, raw *buffer.Buffer) (map[string][]string, error) {
	headers := make(map[string][]string)
	total := 0
	var lastKey string

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, errors.NewProtocolError("reading headers", err)
		}

		total += len(line)
		if total > maxHeaderBytes {
			return nil, errors.NewProtocolError("headers exceed maximum size", nil)
		}

		if _, err := raw.Write([]byte(line)); err != nil {
			return nil, err
		}

		if line == "\r\n" {
			break
		}

		trimmed := strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t") {
			if lastKey == "" {
				continue
			}
			idx := len(headers[lastKey]) - 1
			headers[lastKey][idx] = headers[lastKey][idx] + strings.TrimSpace(trimmed)
			continue
		}

		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			continue
		}

		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		headers[key] = append(headers[key], value)
		lastKey = key
	}

	return headers, nil
}

// readBody implements RFC 9110 §6.4.1 body-presence rules, but — because
// this is a raw wire-level client standing in for whatever the real
// upstream does — it still captures a body a server sends in violation of
// those rules rather than discarding it.
func (c *Client) readBody(reader *bufio.Reader, response *Response, headers map[string][]string) error {
	statusCode := response.StatusCode
	method := response.Method
	transferEncoding := c.getHeaderValue(headers, "Transfer-Encoding")
	contentLength := c.getHeaderValue(headers, "Content-Length")
	connectionHeader := c.getHeaderValue(headers, "Connection")

	if method == "HEAD" ||
		(statusCode >= 100 && statusCode < 200) ||
		statusCode == 204 ||
		statusCode == 304 {
		if buffered := reader.Buffered(); buffered == 0 {
			return nil
		}
	}

	switch {
	case strings.Contains(strings.ToLower(transferEncoding), "chunked"):
		return c.readChunkedBody(reader, response.Body, response.Raw, response.Headers)
	case contentLength != "":
		length, err := strconv.ParseInt(strings.TrimSpace(contentLength), 10, 64)
		if err != nil {
			return errors.NewProtocolError("invalid content-length", err)
		}
		if length < 0 {
			return errors.NewProtocolError("negative content-length not allowed", nil)
		}
		if length > 1024*1024*1024*1024 {
			return errors.NewProtocolError("content-length too large", nil)
		}
		return c.readFixedBody(reader, length, response.Body, response.Raw)
	default:
		return c.readUntilClose(reader, connectionHeader, response.Body, response.Raw)
	}
}

func (c *Client) getHeaderValue(headers map[string][]string, key string) string {
	if headers == nil {
		return ""
	}
	if values, ok := headers[textproto.CanonicalMIMEHeaderKey(key)]; ok && len(values) > 0 {
		return values[0]
	}
	return ""
}

func (c *Client) readChunkedBody(r *bufio.Reader, dst, raw *buffer.Buffer, headers map[string][]string) error {
	tp := textproto.NewReader(r)
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return errors.NewProtocolError("reading chunk size", err)
		}

		if _, err := raw.Write([]byte(line + "\r\n")); err != nil {
			return err
		}

		size, err := strconv.ParseInt(strings.TrimSpace(strings.Split(line, ";")[0]), 16, 64)
		if err != nil {
			return errors.NewProtocolError("invalid chunk size", err)
		}

		if size == 0 {
			break
		}

		if _, err := io.CopyN(io.MultiWriter(dst, raw), tp.R, size); err != nil {
			return errors.NewIOError("reading chunk body", err)
		}

		crlf := make([]byte, 2)
		if _, err := io.ReadFull(tp.R, crlf); err != nil {
			return errors.NewIOError("reading chunk CRLF", err)
		}
		if _, err := raw.Write(crlf); err != nil {
			return err
		}
	}

	for {
		line, err := tp.ReadLine()
		if err != nil {
			return errors.NewProtocolError("reading chunk trailer", err)
		}
		if _, err := raw.Write([]byte(line + "\r\n")); err != nil {
			return err
		}
		if line == "" {
			break
		}
		if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
			key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(parts[0]))
			value := strings.TrimSpace(parts[1])
			headers[key] = append(headers[key], value)
		}
	}

	return nil
}

func (c *Client) readFixedBody(r *bufio.Reader, length int64, dst, raw *buffer.Buffer) error {
	if length <= 0 {
		return nil
	}

	_, err := io.CopyN(io.MultiWriter(dst, raw), r, length)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		return errors.NewIOError("reading fixed body", err)
	}

	if buffered := r.Buffered(); buffered > 0 {
		if peek, err := r.Peek(min(buffered, 20)); err == nil {
			if len(peek) >= 5 && string(peek[:5]) == "HTTP/" {
				return nil
			}
		}
	}

	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (c *Client) readUntilClose(r *bufio.Reader, connectionHeader string, dst, raw *buffer.Buffer) error {
	_, err := io.Copy(io.MultiWriter(dst, raw), r)
	if err != nil && err != io.EOF {
		return errors.NewIOError("reading until close", err)
	}
	return nil
}
