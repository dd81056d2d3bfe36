package frontend

import (
	"bufio"
	"encoding/hex"
	"io"
	"strconv"
	"strings"

	"github.com/ghostproxy/ghostproxy/pkg/errors"
	"github.com/ghostproxy/ghostproxy/pkg/request"
)

// HTTP/1 parsing bounds (§4.10 "header overflow" is the failure this
// guards against). Exceeding a line length or the header block size gives a
// client error that IsHeaderOverflow recognises, which the server answers
// with a 431; more than maxHeaderLines lines gives a plain client error.
const (
	maxRequestLineLength = 8 * 1024
	maxHeaderLineLength  = 8 * 1024
	maxHeaderLines       = 200
	maxHeaderBlockBytes  = 64 * 1024
)

// RequestHead is the parsed HTTP/1 request line plus header block, before
// the body is read — the frontend's own hand-rolled parser rather than
// net/http's, because net/http.Request.Header collapses header order and
// case, violating the raw-header invariant (§3).
type RequestHead struct {
	Method  string
	URL     string
	Version string
	Headers request.RawHeaders
}

// ReadRequestHead reads a request line and header block from br, stopping
// at the blank line. It does not consume the body.
func ReadRequestHead(br *bufio.Reader) (*RequestHead, error) {
	line, err := readLine(br, maxRequestLineLength)
	if err != nil {
		return nil, errors.NewClientError("http1", "failed to read request line", err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, errors.NewClientError("http1", "malformed request line: "+line, nil)
	}

	head := &RequestHead{Method: parts[0], URL: parts[1], Version: parts[2]}

	var total int
	for i := 0; i < maxHeaderLines; i++ {
		hline, err := readLine(br, maxHeaderLineLength)
		if err != nil {
			if IsHeaderOverflow(err) {
				return nil, errors.NewClientError("http1", "header line exceeded maximum length", err)
			}
			return nil, errors.NewClientError("http1", "failed to read header line", err)
		}
		if hline == "" {
			return head, nil
		}
		total += len(hline)
		if total > maxHeaderBlockBytes {
			return nil, errors.NewClientError("http1", "header block exceeded maximum size", nil)
		}
		name, value, ok := strings.Cut(hline, ":")
		if !ok {
			return nil, errors.NewClientError("http1", "malformed header line: "+hline, nil)
		}
		head.Headers = head.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return nil, errors.NewClientError("http1", "too many header lines", nil)
}

// IsHeaderOverflow reports whether err was caused by a request line or
// header line/block exceeding its length bound (§7 "client-error event",
// §8 scenario 4: a 20 KiB header value is rejected with 431).
func IsHeaderOverflow(err error) bool {
	return err != nil && strings.Contains(err.Error(), "exceeded maximum")
}

// readLine reads up to and not including a trailing CRLF/LF, bounded by max.
func readLine(br *bufio.Reader, max int) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > max {
		return "", errors.NewClientError("http1", "line exceeded maximum length", nil)
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

// ReadBody drains the request/response body per Content-Length or chunked
// Transfer-Encoding into body, calling body.Write per chunk and
// body.Complete() at the end. A request/response with neither header and
// no body (e.g. GET) completes immediately.
func ReadBody(br *bufio.Reader, headers request.RawHeaders, body *request.Body) error {
	if te, ok := headers.Get("Transfer-Encoding"); ok && strings.EqualFold(strings.TrimSpace(te), "chunked") {
		return readChunkedBody(br, body)
	}
	if cl, ok := headers.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return errors.NewClientError("http1", "invalid Content-Length", err)
		}
		return readFixedBody(br, body, n)
	}
	body.Complete()
	return nil
}

func readFixedBody(br *bufio.Reader, body *request.Body, n int64) error {
	const chunkSize = 32 * 1024
	remaining := n
	buf := make([]byte, chunkSize)
	for remaining > 0 {
		want := int64(len(buf))
		if remaining < want {
			want = remaining
		}
		read, err := io.ReadFull(br, buf[:want])
		if read > 0 {
			chunk := make([]byte, read)
			copy(chunk, buf[:read])
			body.Write(chunk)
		}
		if err != nil {
			return errors.NewIOError("reading fixed-length body", err)
		}
		remaining -= int64(read)
	}
	body.Complete()
	return nil
}

func readChunkedBody(br *bufio.Reader, body *request.Body) error {
	for {
		sizeLine, err := readLine(br, 128)
		if err != nil {
			return errors.NewIOError("reading chunk size line", err)
		}
		sizeLine = strings.SplitN(sizeLine, ";", 2)[0] // strip chunk extensions
		size, err := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
		if err != nil {
			return errors.NewClientError("http1", "invalid chunk size: "+hex.EncodeToString([]byte(sizeLine)), err)
		}
		if size == 0 {
			// trailer section: read until blank line.
			for {
				trailer, err := readLine(br, maxHeaderBlockBytes)
				if err != nil {
					return errors.NewIOError("reading chunked trailer", err)
				}
				if trailer == "" {
					break
				}
			}
			body.Complete()
			return nil
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return errors.NewIOError("reading chunk data", err)
		}
		body.Write(chunk)
		if _, err := readLine(br, 2); err != nil { // trailing CRLF after chunk data
			return errors.NewIOError("reading chunk terminator", err)
		}
	}
}
