package socks

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/ghostproxy/ghostproxy/pkg/errors"
)

// negotiateV5 handles SOCKSv5 (and v5h, which is the same wire format; the
// "h" distinguishes who resolves a domain name, which is a dialing concern
// outside this package's scope). The version byte has already been consumed.
func negotiateV5(rw io.ReadWriter, cfg Config) (*Result, error) {
	var nmethods [1]byte
	if _, err := io.ReadFull(rw, nmethods[:]); err != nil {
		return nil, errors.NewSocksError("socks5", "failed to read method count", err)
	}
	offered := make([]byte, nmethods[0])
	if _, err := io.ReadFull(rw, offered); err != nil {
		return nil, errors.NewSocksError("socks5", "failed to read method list", err)
	}

	selected, selectedMethod := chooseMethod(cfg, offered)
	if selectedMethod == methodNoAcceptable {
		rw.Write([]byte{socks5Version, methodNoAcceptable})
		return nil, errors.NewSocksError("socks5", "no acceptable auth method offered", nil)
	}
	if _, err := rw.Write([]byte{socks5Version, selectedMethod}); err != nil {
		return nil, errors.NewSocksError("socks5", "failed to write method selection", err)
	}

	var tags []string
	switch selected {
	case AuthUserPasswordMetadata:
		t, err := negotiateUserPasswordMetadata(rw)
		if err != nil {
			return nil, err
		}
		tags = t
	case AuthCustomMetadata:
		t, err := negotiateCustomMetadata(rw)
		if err != nil {
			return nil, err
		}
		tags = t
	}

	result, err := readV5Request(rw)
	if err != nil {
		return nil, err
	}
	result.Tags = tags
	return result, nil
}

func chooseMethod(cfg Config, offered []byte) (AuthMethod, byte) {
	offeredSet := make(map[byte]bool, len(offered))
	for _, m := range offered {
		offeredSet[m] = true
	}
	for _, m := range cfg.AcceptedMethods {
		b := cfg.methodByte(m)
		if offeredSet[b] {
			return m, b
		}
	}
	return "", methodNoAcceptable
}

// negotiateUserPasswordMetadata implements RFC 1929 subnegotiation, treating
// the password field as the JSON/base64url metadata payload when the
// username is "metadata" (§4.11, mirroring the HTTP "Proxy-Authorization:
// Basic" convention for the same scheme).
func negotiateUserPasswordMetadata(rw io.ReadWriter) ([]string, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return nil, errors.NewSocksError("socks5-userpass", "failed to read subnegotiation header", err)
	}
	uname := make([]byte, hdr[1])
	if _, err := io.ReadFull(rw, uname); err != nil {
		return nil, errors.NewSocksError("socks5-userpass", "failed to read username", err)
	}
	var plen [1]byte
	if _, err := io.ReadFull(rw, plen[:]); err != nil {
		return nil, errors.NewSocksError("socks5-userpass", "failed to read password length", err)
	}
	passwd := make([]byte, plen[0])
	if _, err := io.ReadFull(rw, passwd); err != nil {
		return nil, errors.NewSocksError("socks5-userpass", "failed to read password", err)
	}

	if string(uname) != "metadata" {
		rw.Write([]byte{0x01, 0x00})
		return nil, nil
	}

	tags, err := parseMetadataTags(passwd)
	if err != nil {
		rw.Write([]byte{0x01, 0x01})
		return nil, err
	}
	rw.Write([]byte{0x01, 0x00})
	return tags, nil
}

// negotiateCustomMetadata implements the 0xDA vendor auth method (§4.11):
// a 2-byte big-endian length prefix followed by the JSON/base64url payload.
func negotiateCustomMetadata(rw io.ReadWriter) ([]string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(rw, lenBuf[:]); err != nil {
		return nil, errors.NewSocksError("socks5-custom", "failed to read payload length", err)
	}
	payload := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(rw, payload); err != nil {
		return nil, errors.NewSocksError("socks5-custom", "failed to read payload", err)
	}

	tags, err := parseMetadataTags(payload)
	if err != nil {
		body := errorJSON(err.Error())
		reply := append([]byte{socks5Version, methodCustomMetadata, byte(len(body))}, body...)
		rw.Write(reply)
		return nil, err
	}
	rw.Write([]byte{socks5Version, 0x00})
	return tags, nil
}

func readV5Request(rw io.ReadWriter) (*Result, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(rw, header); err != nil {
		return nil, errors.NewSocksError("socks5", "failed to read request header", err)
	}
	ver, cmd, atyp := header[0], header[1], header[3]
	if ver != socks5Version {
		return nil, errors.NewSocksError("socks5", fmt.Sprintf("unexpected version 0x%02x in request", ver), nil)
	}

	var hostname, ipStr string
	switch atyp {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(rw, addr); err != nil {
			return nil, errors.NewSocksError("socks5", "failed to read IPv4 address", err)
		}
		ipStr = net.IP(addr).String()
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(rw, addr); err != nil {
			return nil, errors.NewSocksError("socks5", "failed to read IPv6 address", err)
		}
		ipStr = net.IP(addr).String()
	case atypDomain:
		var l [1]byte
		if _, err := io.ReadFull(rw, l[:]); err != nil {
			return nil, errors.NewSocksError("socks5", "failed to read domain length", err)
		}
		domain := make([]byte, l[0])
		if _, err := io.ReadFull(rw, domain); err != nil {
			return nil, errors.NewSocksError("socks5", "failed to read domain", err)
		}
		hostname = string(domain)
	default:
		writeV5Reply(rw, 0x08, 0)
		return nil, errors.NewSocksError("socks5", fmt.Sprintf("unsupported address type 0x%02x", atyp), nil)
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(rw, portBuf[:]); err != nil {
		return nil, errors.NewSocksError("socks5", "failed to read port", err)
	}
	port := int(binary.BigEndian.Uint16(portBuf[:]))

	if cmd != cmdConnect {
		writeV5Reply(rw, 0x07, port)
		return nil, errors.NewSocksError("socks5", "unsupported command", nil)
	}

	if err := writeV5Reply(rw, 0x00, port); err != nil {
		return nil, errors.NewSocksError("socks5", "failed to write reply", err)
	}

	return &Result{Hostname: hostname, IP: ipStr, Port: port}, nil
}

// writeV5Reply always echoes back atyp=IPv4/0.0.0.0 for BND.ADDR, matching
// what most SOCKS servers send for a reply whose bound address isn't
// meaningful in this proxy's direct-relay model.
func writeV5Reply(w io.Writer, rep byte, port int) error {
	buf := []byte{socks5Version, rep, 0x00, atypIPv4, 0, 0, 0, 0, byte(port >> 8), byte(port)}
	_, err := w.Write(buf)
	return err
}
