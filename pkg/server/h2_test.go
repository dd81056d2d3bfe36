package server

import (
	"net/http/httptest"
	"testing"
)

func TestHeadersFromHTTPPreservesMultiValue(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.com/x", nil)
	r.Header.Add("X-Tag", "a")
	r.Header.Add("X-Tag", "b")
	r.Host = "example.com"

	raw := headersFromHTTP(r)

	var got []string
	for _, pair := range raw {
		if pair.Name == "X-Tag" {
			got = append(got, pair.Value)
		}
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %v", got)
	}
	if host, ok := raw.Get("Host"); !ok || host != "example.com" {
		t.Fatalf("got host %q", host)
	}
}

func TestHeadersFromHTTPDoesNotDuplicateExplicitHost(t *testing.T) {
	r := httptest.NewRequest("GET", "http://example.com/x", nil)
	r.Header.Set("Host", "explicit.example.com")
	r.Host = "example.com"

	raw := headersFromHTTP(r)

	count := 0
	for _, pair := range raw {
		if pair.Name == "Host" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one Host header, got %d", count)
	}
}

func TestHopByHop(t *testing.T) {
	cases := map[string]bool{
		"Connection":        true,
		"connection":        true,
		"Transfer-Encoding":  true,
		"Content-Type":       false,
		"X-Custom":           false,
	}
	for name, want := range cases {
		if got := hopByHop(name); got != want {
			t.Errorf("hopByHop(%q) = %v, want %v", name, got, want)
		}
	}
}
