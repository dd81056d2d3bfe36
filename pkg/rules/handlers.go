package rules

import (
	"io"

	"github.com/ghostproxy/ghostproxy/pkg/request"
)

// Handler is a polymorphic response-effect variant (§3, §4.4). The handler
// engine (outside this package, in the server/transform layers) type-
// switches on the concrete kind to execute it; pkg/rules only carries the
// declarative configuration.
type Handler interface {
	isHandler()
}

// ResponseSpec is the declarative shape of a synthesized response, shared
// by ReplyWithHandler, CallbackHandler's return value, and the hooks in
// PassThroughConfig.
type ResponseSpec struct {
	StatusCode int
	StatusMsg  string
	Headers    request.RawHeaders
	Body       []byte // encoded automatically per Content-Encoding (§4.4)
	RawBody    []byte // bypasses encoding when set
}

// ReplyWithHandler sends a synthesized response immediately (§4.4
// "reply-with").
type ReplyWithHandler struct {
	Spec ResponseSpec
}

func (ReplyWithHandler) isHandler() {}

// JSONRPCReplyHandler constructs a JSON-RPC 2.0 envelope response. Exactly
// one of Result/ErrorMessage should be set by the caller; ErrorCode is only
// meaningful alongside ErrorMessage.
type JSONRPCReplyHandler struct {
	Result       interface{}
	ErrorCode    int
	ErrorMessage string
}

func (JSONRPCReplyHandler) isHandler() {}

// CloseSentinel is returned by a callback or hook to request an
// intentional connection close (§4.4, §5 "Connection closed intentionally
// by rule").
var CloseSentinel = &ResponseSpec{StatusMsg: "__close__"}

// IsClose reports whether a response spec is the close sentinel.
func IsClose(spec *ResponseSpec) bool { return spec == CloseSentinel }

// CallbackFunc is a user-supplied handler invoked with the full request
// record. It returns a response spec, the close sentinel, or an error (in
// which case the engine synthesizes a 500, §4.4).
type CallbackFunc func(req *request.Request) (*ResponseSpec, error)

// CallbackHandler delegates response construction to a user function.
type CallbackHandler struct {
	Fn CallbackFunc
}

func (CallbackHandler) isHandler() {}

// StreamSource yields successive body chunks. Next returns io.EOF when the
// stream is exhausted; any other error aborts the response (§4.4 "Stream
// handler").
type StreamSource interface {
	Next() ([]byte, error)
}

// ReaderStreamSource adapts an io.Reader into a StreamSource using
// bufSize-sized reads.
type ReaderStreamSource struct {
	R       io.Reader
	BufSize int
}

func (s *ReaderStreamSource) Next() ([]byte, error) {
	bufSize := s.BufSize
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}
	buf := make([]byte, bufSize)
	n, err := s.R.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

// StreamHandler sends headers immediately, then forwards chunks from Source
// as they become available (§4.4).
type StreamHandler struct {
	StatusCode int
	Headers    request.RawHeaders
	Source     StreamSource
}

func (StreamHandler) isHandler() {}

// CloseConnectionHandler resets the connection intentionally (§4.4).
type CloseConnectionHandler struct{}

func (CloseConnectionHandler) isHandler() {}

// TimeoutForeverHandler never produces a response until the client closes
// (§4.4, §5 "thenTimeout handler deliberately never resolves").
type TimeoutForeverHandler struct{}

func (TimeoutForeverHandler) isHandler() {}

// RequestOverride is what beforeRequest may change before the request is
// forwarded upstream (§4.5 step 6).
type RequestOverride struct {
	Method  string
	URL     string // must be absolute; relative URLs fail (§4.5)
	Headers request.RawHeaders
	Body    []byte
}

// BeforeRequestFunc may rewrite the outgoing request, short-circuit with an
// inline response, or return CloseSentinel.
type BeforeRequestFunc func(req *request.Request) (*RequestOverride, *ResponseSpec, error)

// ResponseOverride is what beforeResponse may change before the upstream
// response is relayed downstream (§4.5 step 8).
type ResponseOverride struct {
	StatusCode int
	Headers    request.RawHeaders
	Body       []byte
}

// BeforeResponseFunc may rewrite the response's status, headers or body; a
// nil *ResponseOverride leaves the response unchanged. It has no way to
// close the connection instead of relaying the response.
type BeforeResponseFunc func(resp *request.Response) (*ResponseOverride, error)

// ProxyChainConfig describes an upstream proxy hop to route through.
type ProxyChainConfig struct {
	Scheme   string // http, https, socks4, socks5
	Host     string
	Port     int
	Username string
	Password string
}

// PassThroughConfig carries every knob the pass-through handler (§4.5)
// accepts: transform hooks, proxy chaining, DNS override, CA trust
// overrides and connection-error simulation.
type PassThroughConfig struct {
	BeforeRequest  BeforeRequestFunc
	BeforeResponse BeforeResponseFunc

	Proxy              *ProxyChainConfig
	NoProxySuffixes    []string
	DNSServers         []string
	TrustedCAs         [][]byte // additional PEM-encoded CAs merged into the system trust store
	TrustBypassHosts   []string
	SimulateConnErrors bool

	// ContentEncodingOverride forces re-encoding the request/response body
	// to this encoding rather than leaving Content-Encoding untouched.
	ContentEncodingOverride string
}

// PassThroughHandler forwards the request upstream, optionally rewritten
// (§4.5).
type PassThroughHandler struct {
	Config PassThroughConfig
}

func (PassThroughHandler) isHandler() {}
