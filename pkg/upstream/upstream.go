// Package upstream implements the passthrough handler's outbound dispatcher:
// raw-socket HTTP/1.1 and HTTP/2 requests to a request's resolved
// destination, with proxy chaining, DNS override, and trusted-CA override
// (§4.5).
package upstream

import (
	"context"
	"strings"
	"time"

	"github.com/ghostproxy/ghostproxy/pkg/buffer"
	"github.com/ghostproxy/ghostproxy/pkg/errors"
	"github.com/ghostproxy/ghostproxy/pkg/upstream/h1"
	"github.com/ghostproxy/ghostproxy/pkg/upstream/h2"
	"github.com/ghostproxy/ghostproxy/pkg/upstream/transport"
)

// Re-export the shared dial/response/pool types so callers only import
// this package, not the h1/h2/transport internals.
type (
	// Options controls how the Dispatcher establishes connections and reads responses.
	Options = transport.Options

	// ProxyConfig describes a single upstream proxy hop.
	ProxyConfig = transport.ProxyConfig

	// Response represents a parsed HTTP response.
	Response = h1.Response

	// Buffer provides memory-efficient storage with disk spilling.
	Buffer = buffer.Buffer

	// Error represents a structured error with context information.
	Error = errors.Error

	// TransportError is an alias for Error (transport error naming convention).
	TransportError = errors.TransportError

	// PoolStats provides connection pool statistics.
	PoolStats = transport.PoolStats

	// ProxyError represents a proxy-chain negotiation error.
	ProxyError = errors.ProxyError
)

const (
	ErrorTypeDNS        = errors.ErrorTypeDNS
	ErrorTypeConnection = errors.ErrorTypeConnection
	ErrorTypeTLS        = errors.ErrorTypeTLS
	ErrorTypeTimeout    = errors.ErrorTypeTimeout
	ErrorTypeProtocol   = errors.ErrorTypeProtocol
	ErrorTypeIO         = errors.ErrorTypeIO
	ErrorTypeValidation = errors.ErrorTypeValidation
	ErrorTypeProxy      = errors.ErrorTypeProxy
)

// Dispatcher sends a built request to its resolved destination over
// HTTP/1.1 or HTTP/2, sharing one connection pool between both.
type Dispatcher struct {
	transport   *transport.Transport
	client      *h1.Client
	http2Client *h2.Client
}

// NewDispatcher returns a new Dispatcher with HTTP/1.1 and HTTP/2 support
// sharing a single connection pool.
func NewDispatcher() *Dispatcher {
	t := transport.New()
	return &Dispatcher{
		transport:   t,
		client:      h1.NewWithTransport(t),
		http2Client: h2.NewClient(t),
	}
}

// PoolStats returns connection pool statistics.
func (d *Dispatcher) PoolStats() PoolStats {
	return d.transport.PoolStats()
}

// Do sends req, the wire-format request pkg/transform built, to
// opts.Host:opts.Port. HTTPS destinations try HTTP/2 first and fall back
// to HTTP/1.1 automatically when the handshake doesn't negotiate "h2"
// (§4.5 step 5).
func (d *Dispatcher) Do(ctx context.Context, req []byte, opts Options) (*Response, error) {
	if strings.EqualFold(opts.Scheme, "https") {
		resp, err := d.http2Client.Do(ctx, req, opts)
		if err == nil {
			return resp, nil
		}
		if err != h2.ErrNoALPN {
			return nil, err
		}
	}
	return d.client.Do(ctx, req, opts)
}

// NewBuffer creates a new buffer with the specified memory limit.
func NewBuffer(limit int64) *Buffer {
	return buffer.New(limit)
}

// IsTimeoutError checks if an error is a timeout error.
func IsTimeoutError(err error) bool {
	return errors.IsTimeoutError(err)
}

// IsTemporaryError checks if an error is temporary.
func IsTemporaryError(err error) bool {
	return errors.IsTemporaryError(err)
}

// GetErrorType returns the error type if it's a structured error.
func GetErrorType(err error) string {
	return string(errors.GetErrorType(err))
}

// DefaultOptions returns default options for common use cases.
func DefaultOptions(scheme, host string, port int) Options {
	return Options{
		Scheme:      scheme,
		Host:        host,
		Port:        port,
		ConnTimeout: 10 * time.Second,
		ReadTimeout: 30 * time.Second,
	}
}
