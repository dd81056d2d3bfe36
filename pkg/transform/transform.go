package transform

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ghostproxy/ghostproxy/pkg/errors"
	"github.com/ghostproxy/ghostproxy/pkg/events"
	"github.com/ghostproxy/ghostproxy/pkg/request"
	"github.com/ghostproxy/ghostproxy/pkg/rules"
	"github.com/ghostproxy/ghostproxy/pkg/upstream"
)

// Executor runs the pass-through handler's pipeline (§4.5) against a
// Dispatcher, applying beforeRequest/beforeResponse hooks, noProxy and
// trusted-CA overrides, and Host-header rewrite policy.
type Executor struct {
	Dispatcher *upstream.Dispatcher
	Bus        *events.Bus
}

// NewExecutor builds an Executor around a shared outbound Dispatcher.
func NewExecutor(dispatcher *upstream.Dispatcher, bus *events.Bus) *Executor {
	return &Executor{Dispatcher: dispatcher, Bus: bus}
}

// Result is the outcome of running the pass-through pipeline: either a
// response to relay downstream, or an instruction to reset the connection
// (used both for SimulateConnErrors and for an intentional "close" from a
// hook).
type Result struct {
	Response *request.Response
	Reset    bool
	ResetTag string // e.g. ECONNRESET, ECONNREFUSED (§4.5 "Failure modes")
}

// Execute runs the full §4.5 pipeline for req under cfg.
func (e *Executor) Execute(ctx context.Context, req *request.Request, cfg rules.PassThroughConfig) (Result, error) {
	method := req.Method
	target := req.URL
	headers := req.Raw
	bodyBytes, _ := req.Body.Bytes()

	if cfg.BeforeRequest != nil {
		override, shortCircuit, err := cfg.BeforeRequest(req)
		if err != nil {
			return Result{}, errors.NewPassthroughError(req.Destination.Hostname, req.Destination.Port, "beforeRequest hook failed", err)
		}
		if rules.IsClose(shortCircuit) {
			return Result{Reset: true}, nil
		}
		if shortCircuit != nil {
			return Result{Response: responseFromSpec(*shortCircuit)}, nil
		}
		if override != nil {
			if override.Method != "" {
				method = override.Method
			}
			if override.URL != "" {
				if !strings.Contains(override.URL, "://") {
					return Result{}, errors.NewPassthroughError(req.Destination.Hostname, req.Destination.Port,
						"beforeRequest returned a relative URL", nil)
				}
				target = override.URL
			}
			if override.Headers != nil {
				headers = override.Headers
			}
			if override.Body != nil {
				bodyBytes = override.Body
			}
		}
	}

	dest := ResolveDestination(req, "", 0)
	if cfg.NoProxySuffixes != nil && MatchesNoProxy(cfg.NoProxySuffixes, dest.Hostname, dest.Port) {
		cfg = withoutProxy(cfg)
	}

	e.publishRequestHead(req, dest)

	headers = applyHostHeaderPolicy(headers, dest, target)

	if cfg.ContentEncodingOverride != "" {
		encoded, err := request.EncodeContentEncoding(bodyBytes, cfg.ContentEncodingOverride)
		if err != nil {
			return Result{}, errors.NewPassthroughError(dest.Hostname, dest.Port, "failed to re-encode request body", err)
		}
		bodyBytes = encoded
		headers = headers.Set("Content-Encoding", cfg.ContentEncodingOverride)
	}
	if !headerSetsChunked(headers) {
		headers = headers.Set("Content-Length", strconv.Itoa(len(bodyBytes)))
	}

	opts := e.buildOptions(dest, cfg)
	wire := buildWireRequest(method, target, headers, bodyBytes)

	resp, err := e.Dispatcher.Do(ctx, wire, opts)
	if err != nil {
		if cfg.SimulateConnErrors {
			return Result{Reset: true, ResetTag: resetTagFor(err)}, nil
		}
		return Result{Response: upstreamFailureResponse(err)}, nil
	}

	respRecord := responseFromUpstream(resp)

	if cfg.BeforeResponse != nil {
		override, err := cfg.BeforeResponse(respRecord)
		if err != nil {
			return Result{}, errors.NewPassthroughError(dest.Hostname, dest.Port, "beforeResponse hook failed", err)
		}
		if override != nil {
			if override.StatusCode != 0 {
				respRecord.StatusCode = override.StatusCode
			}
			if override.Headers != nil {
				respRecord.Raw = override.Headers
				respRecord.Header = override.Headers.Parsed()
			}
			if override.Body != nil {
				respRecord.Body = request.NewCompletedBody(override.Body, firstHeader(respRecord.Raw, "content-encoding"))
			}
		}
	}

	respRecord.Raw = request.StripPseudoHeaders(respRecord.Raw)
	respRecord.Header = respRecord.Raw.Parsed()

	return Result{Response: respRecord}, nil
}

func withoutProxy(cfg rules.PassThroughConfig) rules.PassThroughConfig {
	cfg.Proxy = nil
	return cfg
}

func (e *Executor) publishRequestHead(req *request.Request, dest Destination) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(events.Event{
		Type:         events.TypePassthroughRequestHead,
		RequestID:    req.ID,
		UpstreamHost: dest.Hostname,
		UpstreamPort: dest.Port,
	})
}

// applyHostHeaderPolicy implements §4.5 "Host header policy": when the URL
// was rewritten to a different host and no explicit Host override was
// supplied, the Host header is updated to match; an explicit user-set Host
// header always wins over the URL.
func applyHostHeaderPolicy(headers request.RawHeaders, dest Destination, targetURL string) request.RawHeaders {
	if _, ok := headers.Get("Host"); ok {
		return headers
	}
	hostValue := dest.Hostname
	if dest.Port != 0 && dest.Port != 80 && dest.Port != 443 {
		hostValue = fmt.Sprintf("%s:%d", dest.Hostname, dest.Port)
	}
	return headers.Set("Host", hostValue)
}

func headerSetsChunked(headers request.RawHeaders) bool {
	v, ok := headers.Get("Transfer-Encoding")
	return ok && strings.EqualFold(strings.TrimSpace(v), "chunked")
}

func firstHeader(headers request.RawHeaders, name string) string {
	v, _ := headers.Get(name)
	return v
}

func (e *Executor) buildOptions(dest Destination, cfg rules.PassThroughConfig) upstream.Options {
	opts := upstream.DefaultOptions(schemeFor(dest), dest.Hostname, dest.Port)

	if cfg.Proxy != nil {
		opts.Proxy = &upstream.ProxyConfig{
			Type:     cfg.Proxy.Scheme,
			Host:     cfg.Proxy.Host,
			Port:     cfg.Proxy.Port,
			Username: cfg.Proxy.Username,
			Password: cfg.Proxy.Password,
		}
	}

	if len(cfg.TrustedCAs) > 0 {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		for _, pem := range cfg.TrustedCAs {
			pool.AppendCertsFromPEM(pem)
		}
		for _, bypass := range cfg.TrustBypassHosts {
			if bypass == dest.Hostname {
				opts.InsecureTLS = true
			}
		}
		opts.TLSConfig = &tls.Config{RootCAs: pool, ServerName: dest.Hostname, MinVersion: tls.VersionTLS12}
	}

	if len(cfg.DNSServers) > 0 {
		opts.Resolver = resolverFor(cfg.DNSServers)
	}

	return opts
}

// resolverFor builds a *net.Resolver that queries servers in order,
// falling back to the next on failure, implementing the passthrough
// handler's per-destination DNS override (§4.5 step 2 "lookupOptions
// DNS override").
func resolverFor(servers []string) *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: 5 * time.Second}
			var lastErr error
			for _, server := range servers {
				addr := server
				if _, _, err := net.SplitHostPort(addr); err != nil {
					addr = net.JoinHostPort(addr, "53")
				}
				conn, err := dialer.DialContext(ctx, network, addr)
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}
}

func schemeFor(dest Destination) string {
	if dest.Port == 443 {
		return "https"
	}
	return "http"
}

func buildWireRequest(method, target string, headers request.RawHeaders, body []byte) []byte {
	var b strings.Builder
	b.WriteString(method)
	b.WriteString(" ")
	b.WriteString(target)
	b.WriteString(" HTTP/1.1\r\n")
	b.Write(headers.WireBytes())
	b.Write(body)
	return []byte(b.String())
}

func responseFromSpec(spec rules.ResponseSpec) *request.Response {
	headers := spec.Headers
	return &request.Response{
		StatusCode: spec.StatusCode,
		Raw:        headers,
		Header:     headers.Parsed(),
		Body:       request.NewCompletedBody(spec.Body, firstHeader(headers, "content-encoding")),
	}
}

func responseFromUpstream(resp *upstream.Response) *request.Response {
	var raw request.RawHeaders
	for name, values := range resp.Headers {
		for _, v := range values {
			raw = raw.Add(name, v)
		}
	}
	var bodyBytes []byte
	if resp.Body != nil {
		bodyBytes, _ = resp.Body.Bytes()
	}
	return &request.Response{
		StatusCode: resp.StatusCode,
		Raw:        raw,
		Header:     raw.Parsed(),
		Body:       request.NewCompletedBody(bodyBytes, firstHeader(raw, "content-encoding")),
	}
}

// upstreamFailureResponse synthesizes the default-mode 502 for an
// unreachable upstream (§4.5 "Failure modes", §7).
func upstreamFailureResponse(err error) *request.Response {
	body := []byte("Bad Gateway: " + err.Error())
	headers := request.RawHeaders{}.Set("Content-Type", "text/plain")
	return &request.Response{
		StatusCode: 502,
		Raw:        headers,
		Header:     headers.Parsed(),
		Body:       request.NewCompletedBody(body, ""),
	}
}

func resetTagFor(err error) string {
	if errors.IsTimeoutError(err) {
		return "ECONNREFUSED"
	}
	return "ECONNRESET"
}
