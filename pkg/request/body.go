package request

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/ghostproxy/ghostproxy/pkg/buffer"
	"github.com/ghostproxy/ghostproxy/pkg/errors"
)

// TruncateFunc is invoked when a streaming body exceeds MaxBodySize. It
// receives the chunks buffered so far; the body then discards its buffer
// and continues relaying live bytes without retaining them (§4.9).
type TruncateFunc func(chunksSoFar [][]byte)

// Body is a polymorphic body handle. It starts in the streaming state and
// becomes completed once every chunk has been observed (§3 "Body handle").
//
// Views (Bytes/Text/JSON/Form/Multipart) are lazy and memoized. The handle
// is not restartable: once the buffer has been read, Stream() replays the
// cached buffer rather than producing a second live read (§9).
type Body struct {
	mu sync.Mutex

	maxSize   int64
	buf       *buffer.Buffer
	completed bool
	truncated bool
	size      int64

	onTruncate TruncateFunc
	chunks     [][]byte

	cond *sync.Cond

	contentEncoding string

	decodedOnce sync.Once
	decoded     []byte
	decodeErr   error
}

// NewBody creates a streaming body handle with the given maximum buffered
// size and content-encoding (used to lazily decode views).
func NewBody(maxSize int64, contentEncoding string, onTruncate TruncateFunc) *Body {
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	b := &Body{
		maxSize:         maxSize,
		buf:             buffer.New(maxSize),
		onTruncate:      onTruncate,
		contentEncoding: contentEncoding,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// NewCompletedBody wraps an already-fully-read byte slice.
func NewCompletedBody(data []byte, contentEncoding string) *Body {
	b := &Body{
		maxSize:         int64(len(data)),
		buf:             buffer.NewWithData(data),
		completed:       true,
		size:            int64(len(data)),
		contentEncoding: contentEncoding,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write appends a chunk arriving from the wire. Once the cumulative size
// exceeds maxSize, the buffered chunks are handed to onTruncate and the
// in-memory buffer is dropped — the live stream keeps flowing through the
// proxy, it simply stops being retained (§4.9 "the buffer continues...").
func (b *Body) Write(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	defer b.cond.Broadcast()
	if b.truncated {
		return
	}

	b.size += int64(len(chunk))
	if b.size > b.maxSize {
		b.truncated = true
		chunksSoFar := b.chunks
		b.chunks = nil
		_ = b.buf.Reset()
		if b.onTruncate != nil {
			b.onTruncate(chunksSoFar)
		}
		return
	}

	b.chunks = append(b.chunks, chunk)
	_, _ = b.buf.Write(chunk)
}

// Complete marks the body as fully received.
func (b *Body) Complete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completed = true
	b.cond.Broadcast()
}

// WaitForUpdate blocks until the next Write or Complete call, or until the
// body is already completed. Used by the rule engine's short-circuit loop
// to re-evaluate a pending match as more of the body arrives (§4.3) without
// busy-polling.
func (b *Body) WaitForUpdate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.completed {
		return
	}
	b.cond.Wait()
}

// IsCompleted reports whether the body has finished arriving.
func (b *Body) IsCompleted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed
}

// IsTruncated reports whether the buffered form was dropped due to
// exceeding maxSize.
func (b *Body) IsTruncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Stream returns a fresh reader over whatever has been buffered so far. If
// the body already truncated, this returns an empty reader — the truncation
// event is the only observable record of the dropped bytes (§4.9).
func (b *Body) Stream() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return b.buf.Reader()
}

// Bytes returns the raw (still content-encoded) buffered payload. Resolves
// to an empty slice if the body truncated, per §3.
func (b *Body) Bytes() ([]byte, error) {
	b.mu.Lock()
	truncated := b.truncated
	buf := b.buf
	b.mu.Unlock()

	if truncated {
		return nil, nil
	}
	r, err := buf.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Decoded returns the content-decoded view (gzip/zstd/identity
// inflated), memoized after the first call. An unknown encoding surfaces an
// error localized to this view only, per §3.
func (b *Body) Decoded() ([]byte, error) {
	b.decodedOnce.Do(func() {
		raw, err := b.Bytes()
		if err != nil {
			b.decodeErr = err
			return
		}
		b.decoded, b.decodeErr = decodeContentEncoding(raw, b.contentEncoding)
	})
	return b.decoded, b.decodeErr
}

// Text returns the decoded body interpreted as UTF-8 text.
func (b *Body) Text() (string, error) {
	data, err := b.Decoded()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// JSON unmarshals the decoded body into v.
func (b *Body) JSON(v interface{}) error {
	data, err := b.Decoded()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.NewValidationError("empty body cannot be parsed as JSON")
	}
	return json.Unmarshal(data, v)
}

// Form parses the decoded body as application/x-www-form-urlencoded.
func (b *Body) Form() (url.Values, error) {
	data, err := b.Decoded()
	if err != nil {
		return nil, err
	}
	return url.ParseQuery(string(data))
}

// MultipartField is one part of a decoded multipart/form-data body.
type MultipartField struct {
	Name     string
	Filename string
	Content  []byte
}

// Multipart parses the decoded body as multipart/form-data, given the
// request's Content-Type header (which carries the boundary parameter).
func (b *Body) Multipart(contentType string) ([]MultipartField, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, errors.NewValidationError("invalid multipart content-type: " + err.Error())
	}
	boundary, ok := params["boundary"]
	if !ok {
		return nil, errors.NewValidationError("multipart content-type missing boundary")
	}

	data, err := b.Decoded()
	if err != nil {
		return nil, err
	}

	mr := multipart.NewReader(bytes.NewReader(data), boundary)
	var fields []MultipartField
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.NewValidationError("multipart parse error: " + err.Error())
		}
		content, err := io.ReadAll(part)
		if err != nil {
			return nil, errors.NewValidationError("multipart part read error: " + err.Error())
		}
		fields = append(fields, MultipartField{
			Name:     part.FormName(),
			Filename: part.FileName(),
			Content:  content,
		})
	}
	return fields, nil
}

func decodeContentEncoding(raw []byte, encoding string) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	switch encoding {
	case "", "identity":
		return raw, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.NewProtocolError("gzip decode failed", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, errors.NewProtocolError("zstd decode failed", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, errors.NewProtocolError(fmt.Sprintf("unknown content-encoding %q", encoding), nil)
	}
}

// EncodeContentEncoding is the inverse of decodeContentEncoding, used by the
// handler engine when synthesizing a response whose headers declare a
// Content-Encoding other than identity (§4.4).
func EncodeContentEncoding(raw []byte, encoding string) ([]byte, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	switch encoding {
	case "", "identity":
		return raw, nil
	case "gzip":
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, errors.NewProtocolError("gzip encode failed", err)
		}
		if err := w.Close(); err != nil {
			return nil, errors.NewProtocolError("gzip encode failed", err)
		}
		return buf.Bytes(), nil
	case "zstd":
		var buf bytes.Buffer
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, errors.NewProtocolError("zstd encode failed", err)
		}
		if _, err := w.Write(raw); err != nil {
			return nil, errors.NewProtocolError("zstd encode failed", err)
		}
		if err := w.Close(); err != nil {
			return nil, errors.NewProtocolError("zstd encode failed", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.NewProtocolError(fmt.Sprintf("unknown content-encoding %q", encoding), nil)
	}
}
