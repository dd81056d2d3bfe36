package transform

import (
	"testing"

	"github.com/ghostproxy/ghostproxy/pkg/request"
)

func TestResolveDestinationPrecedence(t *testing.T) {
	req := &request.Request{
		Protocol: request.ProtocolHTTPS,
		URL:      "https://url-host.example.com/path",
		SNI:      "sni-host.example.com",
		Header:   request.ParsedHeaders{"host": {"header-host.example.com"}},
		Destination: request.Destination{
			ObservedIP:   "10.0.0.1",
			ObservedPort: 443,
		},
	}

	// Explicit override wins over everything.
	d := ResolveDestination(req, "override.example.com", 8443)
	if d.Hostname != "override.example.com" || d.Port != 8443 {
		t.Fatalf("got %+v", d)
	}

	// No override: Host header wins over URL/SNI/observed peer.
	d = ResolveDestination(req, "", 0)
	if d.Hostname != "header-host.example.com" || d.Source != "host-header" {
		t.Fatalf("got %+v", d)
	}

	// No Host header: URL host wins.
	req.Header = request.ParsedHeaders{}
	d = ResolveDestination(req, "", 0)
	if d.Hostname != "url-host.example.com" || d.Source != "url" {
		t.Fatalf("got %+v", d)
	}

	// No URL: SNI wins.
	req.URL = ""
	d = ResolveDestination(req, "", 0)
	if d.Hostname != "sni-host.example.com" || d.Source != "sni" {
		t.Fatalf("got %+v", d)
	}

	// No SNI: observed peer is the last resort.
	req.SNI = ""
	d = ResolveDestination(req, "", 0)
	if d.Hostname != "10.0.0.1" || d.Source != "observed-peer" {
		t.Fatalf("got %+v", d)
	}
}

func TestMatchesNoProxySuffix(t *testing.T) {
	suffixes := []string{"internal.example.com", "metrics.example.com:9090"}

	if !MatchesNoProxy(suffixes, "api.internal.example.com", 443) {
		t.Fatal("expected subdomain suffix match")
	}
	if !MatchesNoProxy(suffixes, "internal.example.com", 443) {
		t.Fatal("expected exact suffix match")
	}
	if MatchesNoProxy(suffixes, "notinternal.example.com", 443) {
		t.Fatal("expected no match for non-dot-boundary suffix")
	}
	if !MatchesNoProxy(suffixes, "metrics.example.com", 9090) {
		t.Fatal("expected port-qualified match")
	}
	if MatchesNoProxy(suffixes, "metrics.example.com", 443) {
		t.Fatal("expected port mismatch to exclude the entry")
	}
}
