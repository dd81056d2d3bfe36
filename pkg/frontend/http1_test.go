package frontend

import (
	"bufio"
	"strings"
	"testing"

	"github.com/ghostproxy/ghostproxy/pkg/request"
)

func TestReadRequestHead(t *testing.T) {
	raw := "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Type: application/json\r\n\r\n"
	br := bufio.NewReader(strings.NewReader(raw))
	head, err := ReadRequestHead(br)
	if err != nil {
		t.Fatal(err)
	}
	if head.Method != "POST" || head.URL != "/submit" || head.Version != "HTTP/1.1" {
		t.Fatalf("got %+v", head)
	}
	host, ok := head.Headers.Get("Host")
	if !ok || host != "example.com" {
		t.Fatalf("got host %q", host)
	}
}

func TestReadRequestHeadMalformedLine(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("GET /\r\n\r\n"))
	if _, err := ReadRequestHead(br); err == nil {
		t.Fatal("expected error on malformed request line")
	}
}

func TestReadBodyFixedLength(t *testing.T) {
	raw := "hello world"
	headers := request.RawHeaders{}.Set("Content-Length", "11")
	br := bufio.NewReader(strings.NewReader(raw))
	body := request.NewBody(1024, "", nil)
	if err := ReadBody(br, headers, body); err != nil {
		t.Fatal(err)
	}
	if !body.IsCompleted() {
		t.Fatal("expected body to be completed")
	}
	got, _ := body.Bytes()
	if string(got) != raw {
		t.Fatalf("got %q", got)
	}
}

func TestReadBodyChunked(t *testing.T) {
	raw := "5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	headers := request.RawHeaders{}.Set("Transfer-Encoding", "chunked")
	br := bufio.NewReader(strings.NewReader(raw))
	body := request.NewBody(1024, "", nil)
	if err := ReadBody(br, headers, body); err != nil {
		t.Fatal(err)
	}
	got, _ := body.Bytes()
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestReadBodyNoLength(t *testing.T) {
	br := bufio.NewReader(strings.NewReader(""))
	body := request.NewBody(1024, "", nil)
	if err := ReadBody(br, request.RawHeaders{}, body); err != nil {
		t.Fatal(err)
	}
	if !body.IsCompleted() {
		t.Fatal("expected immediate completion with no body headers")
	}
}
