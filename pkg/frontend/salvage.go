package frontend

import (
	"strings"

	"github.com/ghostproxy/ghostproxy/pkg/request"
)

// maxSalvageMethodLength bounds the method token's length so a corrupt
// stream can't pretend to be an absurdly long "method" (§4.10).
const maxSalvageMethodLength = 15

// SalvageResult is the best-effort parse of a stream that failed normal
// HTTP/1 parsing (header overflow, invalid method, bad version). It
// populates the client-error.request diagnostic record rather than a
// request the rule engine would ever match against (§4.10).
type SalvageResult struct {
	Method  string
	URL     string
	Version string
	Headers request.RawHeaders
}

// Salvage performs the best-effort parse described in §4.10: split on
// CRLF, first line yields method/URL/version, subsequent non-empty lines
// yield headers via ":" split. It works from raw alone: the protocol is not
// guessed from TLS state, and no SNI hostname is used as a default when the
// request line doesn't carry one.
func Salvage(raw []byte) SalvageResult {
	lines := strings.Split(string(raw), "\r\n")
	if len(lines) == 1 {
		lines = strings.Split(string(raw), "\n")
	}
	if len(lines) == 0 {
		return SalvageResult{}
	}

	result := SalvageResult{}
	first := strings.SplitN(lines[0], " ", 3)
	if len(first) > 0 {
		method := first[0]
		if len(method) > maxSalvageMethodLength {
			method = method[:maxSalvageMethodLength]
		}
		result.Method = method
	}
	if len(first) > 1 {
		result.URL = first[1]
	}
	if len(first) > 2 {
		result.Version = first[2]
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		result.Headers = result.Headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return result
}

// GuessProtocol implements §4.10's "protocol is guessed from whether the
// peer is TLS-encrypted".
func GuessProtocol(tlsEncrypted bool) request.Protocol {
	if tlsEncrypted {
		return request.ProtocolHTTPS
	}
	return request.ProtocolHTTP
}
