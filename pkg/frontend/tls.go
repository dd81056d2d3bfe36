package frontend

import (
	"bufio"
	"crypto/tls"
	"net"
	"strings"

	"github.com/ghostproxy/ghostproxy/pkg/ca"
	"github.com/ghostproxy/ghostproxy/pkg/errors"
)

// TLSConfig controls the interceptor's behavior (§4.6).
type TLSConfig struct {
	CA *ca.CA

	// Passthrough lists SNI names whose traffic is relayed byte-for-byte
	// to the upstream without decryption.
	Passthrough []string
}

func (c TLSConfig) isPassthrough(sni string) bool {
	for _, p := range c.Passthrough {
		if strings.EqualFold(p, sni) {
			return true
		}
	}
	return false
}

// Intercepted is the result of terminating a TLS connection: the wrapped
// connection ready for protocol classification on the decrypted stream,
// plus the metadata the request record carries forward (§4.6).
type Intercepted struct {
	Conn        *tls.Conn
	NegotiatedALPN string
	Info        *ClientHelloInfo
}

// TerminationResult distinguishes the three outcomes of attempting
// interception on a ClientHello (§4.6).
type TerminationResult int

const (
	ResultTerminated TerminationResult = iota
	ResultPassthrough
	ResultClientError
)

// Intercept peeks the ClientHello on conn (via br, which must wrap conn),
// decides whether the SNI is on the passthrough list, and if not, performs
// the TLS handshake presenting a freshly minted (or cached) leaf
// certificate. interceptionHost is used when no SNI is present (e.g. a
// CONNECT tunnel where the CONNECT host is the only hint, §4.1).
func Intercept(conn net.Conn, br *bufio.Reader, cfg TLSConfig, interceptionHost string) (*Intercepted, TerminationResult, error) {
	info, err := PeekClientHello(br)
	if err != nil {
		return nil, ResultClientError, err
	}

	sni := info.SNI
	if sni == "" {
		sni = interceptionHost
	}

	if cfg.isPassthrough(sni) {
		return &Intercepted{Info: info}, ResultPassthrough, nil
	}

	tlsConf := &tls.Config{
		NextProtos: []string{"h2", "http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := hello.ServerName
			if host == "" {
				host = interceptionHost
			}
			cert, err := cfg.CA.LeafFor(host)
			if err != nil {
				return nil, err
			}
			return &cert, nil
		},
	}

	tlsConn := tls.Server(bufConn{Reader: br, Conn: conn}, tlsConf)
	if err := tlsConn.Handshake(); err != nil {
		return &Intercepted{Info: info}, ResultClientError, errors.NewTLSError(sni, 0, err)
	}

	state := tlsConn.ConnectionState()
	return &Intercepted{
		Conn:           tlsConn,
		NegotiatedALPN: state.NegotiatedProtocol,
		Info:           info,
	}, ResultTerminated, nil
}

// bufConn lets tls.Server read through a bufio.Reader that may already hold
// peeked bytes, while writes go straight to the underlying net.Conn.
type bufConn struct {
	*bufio.Reader
	net.Conn
}

func (b bufConn) Read(p []byte) (int, error) { return b.Reader.Read(p) }
