package frontend

import (
	"strings"
	"testing"

	"github.com/ghostproxy/ghostproxy/pkg/request"
)

func TestSalvageParsesRequestLineAndHeaders(t *testing.T) {
	raw := []byte("GET /broken HTTP/1.1\r\nHost: example.com\r\nX-Weird\r\nX-Tag: value\r\n")
	result := Salvage(raw)
	if result.Method != "GET" || result.URL != "/broken" || result.Version != "HTTP/1.1" {
		t.Fatalf("got %+v", result)
	}
	host, ok := result.Headers.Get("Host")
	if !ok || host != "example.com" {
		t.Fatalf("got host %q", host)
	}
	tag, ok := result.Headers.Get("X-Tag")
	if !ok || tag != "value" {
		t.Fatalf("got X-Tag %q", tag)
	}
	if _, ok := result.Headers.Get("X-Weird"); ok {
		t.Fatal("expected header line without ':' to be skipped")
	}
}

func TestSalvageTruncatesOverlongMethod(t *testing.T) {
	longMethod := strings.Repeat("A", 40)
	raw := []byte(longMethod + " / HTTP/1.1\r\n\r\n")
	result := Salvage(raw)
	if len(result.Method) != maxSalvageMethodLength {
		t.Fatalf("got method length %d", len(result.Method))
	}
}

func TestGuessProtocol(t *testing.T) {
	if GuessProtocol(true) != request.ProtocolHTTPS {
		t.Fatal("expected https for TLS-encrypted peer")
	}
	if GuessProtocol(false) != request.ProtocolHTTP {
		t.Fatal("expected http for plaintext peer")
	}
}
