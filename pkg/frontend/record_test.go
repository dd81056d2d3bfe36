package frontend

import (
	"testing"

	"github.com/ghostproxy/ghostproxy/pkg/request"
)

func TestBuildRequestAbsoluteURI(t *testing.T) {
	head := &RequestHead{
		Method:  "GET",
		URL:     "http://example.com/path",
		Version: "HTTP/1.1",
		Headers: request.RawHeaders{}.Set("Host", "example.com"),
	}
	req := BuildRequest(head, request.ProtocolHTTP, ConnectionMeta{RemoteIP: "127.0.0.1", RemotePort: 5555}, 0, nil)
	if req.URL != "http://example.com/path" {
		t.Fatalf("got %q", req.URL)
	}
	if req.ID == "" {
		t.Fatal("expected a non-empty request ID")
	}
	if req.Body == nil || req.Body.IsCompleted() {
		t.Fatal("expected a fresh streaming body handle")
	}
}

func TestBuildRequestRelativeURIUsesHostHeader(t *testing.T) {
	head := &RequestHead{
		Method:  "GET",
		URL:     "/path?x=1",
		Version: "HTTP/1.1",
		Headers: request.RawHeaders{}.Set("Host", "backend.example.com"),
	}
	req := BuildRequest(head, request.ProtocolHTTPS, ConnectionMeta{}, 0, nil)
	if req.URL != "https://backend.example.com/path?x=1" {
		t.Fatalf("got %q", req.URL)
	}
}

func TestHasScheme(t *testing.T) {
	if !hasScheme("http://example.com/") {
		t.Fatal("expected scheme detected")
	}
	if hasScheme("/relative/path") {
		t.Fatal("expected no scheme for relative path")
	}
	if hasScheme("example.com:8080") {
		t.Fatal("a bare host:port is not an absolute URI")
	}
}
