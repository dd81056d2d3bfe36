package frontend

import (
	"net"

	"github.com/ghostproxy/ghostproxy/pkg/errors"
)

// ParseConnectTarget splits a CONNECT request's "host:port" target
// (§4.1 "CONNECT <host>:<port> establishes a tunnel").
func ParseConnectTarget(head *RequestHead) (host string, port string, err error) {
	host, port, err = net.SplitHostPort(head.URL)
	if err != nil {
		return "", "", errors.NewClientError("connect", "malformed CONNECT target: "+head.URL, err)
	}
	return host, port, nil
}

// WriteConnectEstablished writes the "200 Connection Established" reply
// that precedes the tunnel becoming opaque bytes.
func WriteConnectEstablished(conn net.Conn) error {
	_, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	return err
}

// WriteConnectFailed writes a CONNECT failure reply (e.g. destination
// unreachable) before closing the connection.
func WriteConnectFailed(conn net.Conn, statusLine string) error {
	_, err := conn.Write([]byte("HTTP/1.1 " + statusLine + "\r\n\r\n"))
	return err
}
