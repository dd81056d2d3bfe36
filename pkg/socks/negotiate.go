package socks

import (
	"fmt"
	"io"

	"github.com/ghostproxy/ghostproxy/pkg/errors"
)

// Negotiate reads a full SOCKS handshake from rw (version byte through the
// destination request) and returns the negotiated destination and any
// metadata tags captured from the auth exchange. The connection frontend is
// expected to have already classified the socket as SOCKS (§4.1, first byte
// 0x04 or 0x05) via a non-consuming peek; Negotiate does its own full read.
func Negotiate(rw io.ReadWriter, cfg Config) (*Result, error) {
	var version [1]byte
	if _, err := io.ReadFull(rw, version[:]); err != nil {
		return nil, errors.NewSocksError("handshake", "failed to read SOCKS version byte", err)
	}

	switch version[0] {
	case socks4Version:
		return negotiateV4(rw)
	case socks5Version:
		return negotiateV5(rw, cfg)
	default:
		return nil, errors.NewSocksError("handshake", fmt.Sprintf("unsupported SOCKS version 0x%02x", version[0]), nil)
	}
}
