package server

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/ghostproxy/ghostproxy/pkg/events"
	"github.com/ghostproxy/ghostproxy/pkg/request"
	"github.com/ghostproxy/ghostproxy/pkg/rules"
)

func newTestServer() *Server {
	cfg := Config{}
	cfg.setDefaults()
	return &Server{cfg: cfg}
}

func TestWriteResponseKeepsAlive(t *testing.T) {
	s := newTestServer()
	var buf bytes.Buffer
	resp := &request.Response{
		StatusCode: 200,
		StatusMsg:  "OK",
		Raw:        request.RawHeaders{}.Set("Content-Length", "2"),
		Body:       request.NewCompletedBody([]byte("hi"), ""),
	}
	keepAlive := s.writeResponse(&buf, "HTTP/1.1", resp)
	if !keepAlive {
		t.Fatal("expected keep-alive with no Connection: close header")
	}
	out := buf.String()
	if !strings.HasPrefix(out, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("got status line in %q", out)
	}
	if !strings.HasSuffix(out, "hi") {
		t.Fatalf("expected body to be written, got %q", out)
	}
}

func TestWriteResponseConnectionClose(t *testing.T) {
	s := newTestServer()
	var buf bytes.Buffer
	resp := &request.Response{
		StatusCode: 500,
		Raw:        request.RawHeaders{}.Set("Connection", "close"),
		Body:       request.NewCompletedBody(nil, ""),
	}
	if s.writeResponse(&buf, "HTTP/1.1", resp) {
		t.Fatal("expected Connection: close to signal the connection should not be reused")
	}
}

func TestWriteResponseChunked(t *testing.T) {
	s := newTestServer()
	var buf bytes.Buffer
	resp := &request.Response{
		StatusCode: 200,
		Raw:        request.RawHeaders{}.Set("Transfer-Encoding", "chunked"),
		Body:       request.NewCompletedBody([]byte("abc"), ""),
	}
	s.writeResponse(&buf, "HTTP/1.1", resp)
	out := buf.String()
	if !strings.Contains(out, "3\r\nabc\r\n") || !strings.Contains(out, "0\r\n\r\n") {
		t.Fatalf("expected chunked framing, got %q", out)
	}
}

type fixedStream struct {
	chunks [][]byte
	i      int
}

func (f *fixedStream) Next() ([]byte, error) {
	if f.i >= len(f.chunks) {
		return nil, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}

func TestWriteStreamAlwaysCloses(t *testing.T) {
	s := newTestServer()
	var buf bytes.Buffer
	src := &fixedStream{chunks: [][]byte{[]byte("one"), []byte("two")}}
	keepAlive := s.writeStream(&buf, "HTTP/1.1", "req-1", 200, request.RawHeaders{}, src)
	if keepAlive {
		t.Fatal("expected a stream response to always close the connection")
	}
	out := buf.String()
	if !strings.Contains(out, "onetwo") {
		t.Fatalf("expected both chunks written, got %q", out)
	}
}

type erroringStream struct{}

func (erroringStream) Next() ([]byte, error) { return nil, errTestStream }

var errTestStream = streamTestError{}

type streamTestError struct{}

func (streamTestError) Error() string { return "stream source failed" }

func TestWriteStreamPublishesAbortOnSourceError(t *testing.T) {
	s := newTestServer()
	received := make(chan events.Event, 1)
	s.cfg.Bus = events.New(nil)
	s.cfg.Bus.Subscribe(func(e events.Event) { received <- e })

	var buf bytes.Buffer
	s.writeStream(&buf, "HTTP/1.1", "req-2", 200, request.RawHeaders{}, erroringStream{})

	select {
	case e := <-received:
		if e.Type != events.TypeAbort {
			t.Fatalf("got event type %v", e.Type)
		}
	default:
		t.Fatal("expected an abort event to be published")
	}
}

func TestWriteRawStatus(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRawStatus(&buf, "HTTP/1.1", 431, true); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "HTTP/1.1 431 Request Header Fields Too Large\r\n") {
		t.Fatalf("got %q", out)
	}
	if !strings.Contains(out, "Connection: close") {
		t.Fatalf("expected Connection: close, got %q", out)
	}
}

var _ rules.StreamSource = (*fixedStream)(nil)
