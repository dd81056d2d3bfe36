// Package transform implements the pass-through handler's request/response
// pipeline (§4.5): destination resolution, the beforeRequest/beforeResponse
// hooks, Host-header rewrite policy, noProxy suffix matching, and body
// re-encoding when content-encoding changes across the hop.
package transform

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/ghostproxy/ghostproxy/pkg/request"
)

// Destination is the final {hostname, port} the pass-through handler
// connects to, plus the explanation of which source won (for diagnostics).
type Destination struct {
	Hostname string
	Port     int
	Source   string
}

// ResolveDestination implements §4.5 step 1's precedence: explicit host
// override (static config or a beforeRequest URL rewrite) > Host header >
// URL host > SNI > observed peer IP.
//
// overrideHost/overridePort come from either a static per-rule host
// replacement or the result of running beforeRequest; pass zero values
// when neither applies.
func ResolveDestination(req *request.Request, overrideHost string, overridePort int) Destination {
	if overrideHost != "" {
		port := overridePort
		if port == 0 {
			port = defaultPortFor(req.Protocol)
		}
		return Destination{Hostname: overrideHost, Port: port, Source: "override"}
	}

	if host, ok := req.Header.First("host"); ok && host != "" {
		hostname, port := splitHostPort(host, defaultPortFor(req.Protocol))
		return Destination{Hostname: hostname, Port: port, Source: "host-header"}
	}

	if req.URL != "" {
		if u, err := url.Parse(req.URL); err == nil && u.Hostname() != "" {
			port := defaultPortFor(req.Protocol)
			if p := u.Port(); p != "" {
				if n, err := strconv.Atoi(p); err == nil {
					port = n
				}
			}
			return Destination{Hostname: u.Hostname(), Port: port, Source: "url"}
		}
	}

	if req.SNI != "" {
		return Destination{Hostname: req.SNI, Port: req.Destination.Port, Source: "sni"}
	}

	return Destination{Hostname: req.Destination.ObservedIP, Port: req.Destination.ObservedPort, Source: "observed-peer"}
}

func defaultPortFor(p request.Protocol) int {
	switch p {
	case request.ProtocolHTTPS, request.ProtocolWSS:
		return 443
	default:
		return 80
	}
}

func splitHostPort(hostHeader string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(hostHeader)
	if err != nil {
		return hostHeader, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return hostHeader, defaultPort
	}
	return host, port
}

// MatchesNoProxy reports whether hostname (optionally with an explicit
// port, else scheme's default) matches any suffix in the noProxy list
// (§4.5 step 3: "suffix match on hostname; explicit port or implicit
// default port, per scheme").
func MatchesNoProxy(suffixes []string, hostname string, port int) bool {
	for _, suffix := range suffixes {
		sfxHost, sfxPort := splitSuffixPort(suffix)
		if sfxPort != 0 && sfxPort != port {
			continue
		}
		if hostname == sfxHost || strings.HasSuffix(hostname, "."+sfxHost) {
			return true
		}
	}
	return false
}

func splitSuffixPort(suffix string) (string, int) {
	host, portStr, err := net.SplitHostPort(suffix)
	if err != nil {
		return suffix, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return suffix, 0
	}
	return host, port
}
