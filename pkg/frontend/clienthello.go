package frontend

import (
	"bufio"
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/ghostproxy/ghostproxy/pkg/errors"
)

// extServerName and extALPN are the TLS extension type
// numbers this parser cares about (RFC 8446 §4.2).
const (
	extServerName byte = 0x00
	extALPN       byte = 0x10
)

// ClientHelloInfo carries the fields the TLS interceptor exposes on the
// request record (§4.6): SNI, negotiated-candidate ALPN list, and
// best-effort JA3/JA4 fingerprints.
//
// JA3/JA4 here are deterministic fingerprints computed from the same
// ClientHello fields the published algorithms use (version, cipher suites,
// extensions, curves, point formats) but are not guaranteed byte-identical
// to the ja3er.com/FoxIO reference implementations — Go's peek-based
// connection handling sees the same bytes, but this parser trades strict
// extension-ordering edge cases for a compact implementation. Good enough
// to distinguish and correlate clients, which is all the rule engine and
// event bus need from it.
type ClientHelloInfo struct {
	SNI  string
	ALPN []string
	JA3  string
	JA4  string
}

// PeekClientHello reads (without consuming past what's needed for the
// eventual real handshake — br is a bufio.Reader wrapping the connection,
// and Peek never advances the read position) the leading TLS record
// containing the ClientHello, and parses it.
func PeekClientHello(br *bufio.Reader) (*ClientHelloInfo, error) {
	header, err := br.Peek(5)
	if err != nil {
		return nil, errors.NewTLSError("", 0, err)
	}
	if header[0] != 0x16 {
		return nil, errors.NewProtocolError("not a TLS handshake record", nil)
	}
	recordLen := int(binary.BigEndian.Uint16(header[3:5]))
	total := 5 + recordLen
	record, err := br.Peek(total)
	if err != nil {
		return nil, errors.NewTLSError("", 0, err)
	}

	body := record[5:]
	if len(body) < 4 || body[0] != 0x01 {
		return nil, errors.NewProtocolError("leading handshake message is not ClientHello", nil)
	}
	hsLen := int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	if len(body) < 4+hsLen {
		return nil, errors.NewProtocolError("truncated ClientHello", nil)
	}
	return parseClientHello(body[4 : 4+hsLen])
}

func parseClientHello(b []byte) (*ClientHelloInfo, error) {
	c := &cursor{buf: b}

	version, err := c.uint16()
	if err != nil {
		return nil, errors.NewProtocolError("failed to read client_version", err)
	}
	if err := c.skip(32); err != nil { // random
		return nil, errors.NewProtocolError("failed to skip random", err)
	}

	sessIDLen, err := c.uint8()
	if err != nil {
		return nil, errors.NewProtocolError("failed to read session_id length", err)
	}
	if err := c.skip(int(sessIDLen)); err != nil {
		return nil, errors.NewProtocolError("failed to skip session_id", err)
	}

	cipherLen, err := c.uint16()
	if err != nil {
		return nil, errors.NewProtocolError("failed to read cipher_suites length", err)
	}
	cipherBytes, err := c.take(int(cipherLen))
	if err != nil {
		return nil, errors.NewProtocolError("failed to read cipher_suites", err)
	}
	ciphers := make([]uint16, 0, len(cipherBytes)/2)
	for i := 0; i+1 < len(cipherBytes); i += 2 {
		ciphers = append(ciphers, binary.BigEndian.Uint16(cipherBytes[i:i+2]))
	}

	compLen, err := c.uint8()
	if err != nil {
		return nil, errors.NewProtocolError("failed to read compression_methods length", err)
	}
	if err := c.skip(int(compLen)); err != nil {
		return nil, errors.NewProtocolError("failed to skip compression_methods", err)
	}

	info := &ClientHelloInfo{}
	var extTypes []uint16
	var curves []uint16
	var pointFormats []uint8

	if c.remaining() > 0 {
		extTotalLen, err := c.uint16()
		if err != nil {
			return nil, errors.NewProtocolError("failed to read extensions length", err)
		}
		extBytes, err := c.take(int(extTotalLen))
		if err != nil {
			return nil, errors.NewProtocolError("failed to read extensions", err)
		}
		ec := &cursor{buf: extBytes}
		for ec.remaining() > 0 {
			extType, err := ec.uint16()
			if err != nil {
				break
			}
			extLen, err := ec.uint16()
			if err != nil {
				break
			}
			extData, err := ec.take(int(extLen))
			if err != nil {
				break
			}
			extTypes = append(extTypes, extType)

			switch extType {
			case uint16(extServerName):
				info.SNI = parseSNIExtension(extData)
			case uint16(extALPN):
				info.ALPN = parseALPNExtension(extData)
			case 0x0a: // supported_groups (curves)
				curves = parseUint16List(extData)
			case 0x0b: // ec_point_formats
				if len(extData) > 1 {
					pointFormats = extData[1:]
				}
			}
		}
	}

	info.JA3 = computeJA3(version, ciphers, extTypes, curves, pointFormats)
	info.JA4 = computeJA4(version, ciphers, extTypes, info.ALPN, info.SNI != "")
	return info, nil
}

func parseSNIExtension(data []byte) string {
	c := &cursor{buf: data}
	listLen, err := c.uint16()
	if err != nil {
		return ""
	}
	listBytes, err := c.take(int(listLen))
	if err != nil {
		return ""
	}
	lc := &cursor{buf: listBytes}
	for lc.remaining() > 0 {
		nameType, err := lc.uint8()
		if err != nil {
			return ""
		}
		nameLen, err := lc.uint16()
		if err != nil {
			return ""
		}
		name, err := lc.take(int(nameLen))
		if err != nil {
			return ""
		}
		if nameType == 0x00 {
			return string(name)
		}
	}
	return ""
}

func parseALPNExtension(data []byte) []string {
	c := &cursor{buf: data}
	listLen, err := c.uint16()
	if err != nil {
		return nil
	}
	listBytes, err := c.take(int(listLen))
	if err != nil {
		return nil
	}
	var out []string
	lc := &cursor{buf: listBytes}
	for lc.remaining() > 0 {
		n, err := lc.uint8()
		if err != nil {
			break
		}
		name, err := lc.take(int(n))
		if err != nil {
			break
		}
		out = append(out, string(name))
	}
	return out
}

func parseUint16List(data []byte) []uint16 {
	c := &cursor{buf: data}
	listLen, err := c.uint16()
	if err != nil {
		return nil
	}
	listBytes, err := c.take(int(listLen))
	if err != nil {
		return nil
	}
	var out []uint16
	for i := 0; i+1 < len(listBytes); i += 2 {
		out = append(out, binary.BigEndian.Uint16(listBytes[i:i+2]))
	}
	return out
}

// computeJA3 follows the classic JA3 field order (SSLVersion, Cipher,
// Extension, EllipticCurve, EllipticCurvePointFormat) joined by "," with
// each field's values joined by "-", then MD5-hashed to hex (ja3er.com's
// published algorithm).
func computeJA3(version uint16, ciphers, extensions, curves []uint16, points []uint8) string {
	join := func(vals []uint16) string {
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = fmt.Sprintf("%d", v)
		}
		return strings.Join(parts, "-")
	}
	joinU8 := func(vals []uint8) string {
		parts := make([]string, len(vals))
		for i, v := range vals {
			parts[i] = fmt.Sprintf("%d", v)
		}
		return strings.Join(parts, "-")
	}

	raw := fmt.Sprintf("%d,%s,%s,%s,%s", version, join(ciphers), join(extensions), join(curves), joinU8(points))
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// computeJA4 is a simplified approximation of FoxIO's JA4: a version/SNI
// indicator, cipher count, extension count, and the ALPN's first/last byte
// pair, followed by truncated SHA256 hashes of the sorted cipher and
// extension lists (the published algorithm's core idea of order-independent
// hashing, without every one of its field-separation and byte-truncation
// details).
func computeJA4(version uint16, ciphers, extensions []uint16, alpn []string, hasSNI bool) string {
	sniFlag := "i"
	if hasSNI {
		sniFlag = "d"
	}
	alpnTag := "00"
	if len(alpn) > 0 && len(alpn[0]) >= 2 {
		alpnTag = alpn[0][:1] + alpn[0][len(alpn[0])-1:]
	}

	sortedCiphers := append([]uint16(nil), ciphers...)
	sort.Slice(sortedCiphers, func(i, j int) bool { return sortedCiphers[i] < sortedCiphers[j] })
	sortedExts := append([]uint16(nil), extensions...)
	sort.Slice(sortedExts, func(i, j int) bool { return sortedExts[i] < sortedExts[j] })

	cipherHash := truncatedSHA256(uint16sToBytes(sortedCiphers))
	extHash := truncatedSHA256(uint16sToBytes(sortedExts))

	return fmt.Sprintf("t%02x%s%02d%02d%s_%s_%s", version&0xff, sniFlag, len(ciphers), len(extensions), alpnTag, cipherHash, extHash)
}

func truncatedSHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:6])
}

func uint16sToBytes(vals []uint16) []byte {
	out := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.BigEndian.PutUint16(out[i*2:], v)
	}
	return out
}

// cursor is a small forward-only byte-slice reader, used instead of
// bytes.Reader so each field read can report which one failed.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) remaining() int { return len(c.buf) - c.pos }

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, errors.NewProtocolError("ClientHello field out of bounds", nil)
	}
	out := c.buf[c.pos : c.pos+n]
	c.pos += n
	return out, nil
}

func (c *cursor) skip(n int) error {
	_, err := c.take(n)
	return err
}

func (c *cursor) uint8() (uint8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) uint16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}
