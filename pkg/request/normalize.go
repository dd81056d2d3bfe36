package request

import (
	"net/url"
	"strconv"
	"strings"
)

// defaultPorts maps a scheme to the port that is elided when it matches
// (§4.8 "strip default ports").
var defaultPorts = map[string]string{
	"http":  "80",
	"ws":    "80",
	"https": "443",
	"wss":   "443",
}

// NormalizeURL implements §4.8: strip query/fragment, percent-encoding
// canonicalization, trailing-dot hostname removal, default-port removal.
// It is idempotent: NormalizeURL(NormalizeURL(u)) == NormalizeURL(u) for all
// u, which is exercised directly by the property test in §8.
func NormalizeURL(raw string) (string, error) {
	input := raw
	protocolLess := !strings.Contains(raw, "://")
	if protocolLess {
		input = "http://" + raw
	}

	u, err := url.Parse(input)
	if err != nil {
		return "", err
	}

	u.RawQuery = ""
	u.Fragment = ""

	escaped := uppercasePercentEscapes(u.EscapedPath())
	escaped = percentEncodeNonASCII(escaped)
	if decoded, err := url.PathUnescape(escaped); err == nil {
		u.Path = decoded
		u.RawPath = escaped
	}

	host := strings.TrimSuffix(u.Hostname(), ".")
	port := u.Port()
	if port != "" && defaultPorts[u.Scheme] == port {
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	out := u.String()
	if protocolLess {
		out = strings.TrimPrefix(out, "http://")
	}
	return out, nil
}

// uppercasePercentEscapes rewrites %xx triplets using uppercase hex digits,
// as required by §4.8, without touching any other character.
func uppercasePercentEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte('%')
			b.WriteByte(toUpperHex(s[i+1]))
			b.WriteByte(toUpperHex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func toUpperHex(c byte) byte {
	if c >= 'a' && c <= 'f' {
		return c - 'a' + 'A'
	}
	return c
}

// percentEncodeNonASCII escapes any byte >= 0x80 in the path, leaving
// existing percent escapes and ASCII characters untouched.
func percentEncodeNonASCII(s string) string {
	needsEscape := false
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			needsEscape = true
			break
		}
	}
	if !needsEscape {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x80 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		hex := strconv.FormatUint(uint64(c), 16)
		if len(hex) == 1 {
			b.WriteByte('0')
		}
		b.WriteString(strings.ToUpper(hex))
	}
	return b.String()
}
