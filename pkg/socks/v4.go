package socks

import (
	"io"
	"net"

	"github.com/ghostproxy/ghostproxy/pkg/errors"
)

// negotiateV4 handles SOCKSv4 and its v4a extension (domain name in place of
// a placeholder 0.0.0.x address, resolved by the proxy rather than the
// client). The version byte has already been consumed by the caller.
func negotiateV4(rw io.ReadWriter) (*Result, error) {
	header := make([]byte, 7)
	if _, err := io.ReadFull(rw, header); err != nil {
		return nil, errors.NewSocksError("socks4", "failed to read request header", err)
	}
	cmd := header[0]
	port := int(header[1])<<8 | int(header[2])
	ip := net.IPv4(header[3], header[4], header[5], header[6])

	if _, err := readNullTerminated(rw, 255); err != nil {
		return nil, errors.NewSocksError("socks4", "failed to read USERID", err)
	}

	if cmd != cmdConnect {
		writeV4Reply(rw, 0x5B, port, ip)
		return nil, errors.NewSocksError("socks4", "unsupported command", nil)
	}

	isV4a := header[3] == 0 && header[4] == 0 && header[5] == 0 && header[6] != 0
	var hostname string
	if isV4a {
		domain, err := readNullTerminated(rw, 255)
		if err != nil {
			return nil, errors.NewSocksError("socks4a", "failed to read domain name", err)
		}
		hostname = string(domain)
	}

	if err := writeV4Reply(rw, 0x5A, port, ip); err != nil {
		return nil, errors.NewSocksError("socks4", "failed to write reply", err)
	}

	result := &Result{Port: port}
	if hostname != "" {
		result.Hostname = hostname
	} else {
		result.IP = ip.String()
	}
	return result, nil
}

func writeV4Reply(w io.Writer, code byte, port int, ip net.IP) error {
	buf := make([]byte, 8)
	buf[0] = 0x00
	buf[1] = code
	buf[2] = byte(port >> 8)
	buf[3] = byte(port)
	if ip4 := ip.To4(); ip4 != nil {
		copy(buf[4:8], ip4)
	}
	_, err := w.Write(buf)
	return err
}

// readNullTerminated reads bytes up to and not including a 0x00 terminator,
// bounded by max to avoid an unbounded read on a misbehaving client.
func readNullTerminated(r io.Reader, max int) ([]byte, error) {
	out := make([]byte, 0, 16)
	var b [1]byte
	for len(out) < max {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		if b[0] == 0x00 {
			return out, nil
		}
		out = append(out, b[0])
	}
	return nil, errors.NewSocksError("socks4", "null-terminated field exceeded maximum length", nil)
}
