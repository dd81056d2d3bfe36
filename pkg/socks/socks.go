// Package socks implements the SOCKSv4/4a/5/5h front end (§4.11): version
// dispatch, authentication negotiation, and destination-address capture.
// It never dials the destination itself — the caller uses the returned
// Result to seed the connection's observed-peer destination and then hands
// the raw socket back to the connection frontend for protocol sniffing.
package socks

import "fmt"

// AuthMethod is one of the three auth schemes a SOCKSv5 listener can be
// configured to accept (§4.11).
type AuthMethod string

const (
	AuthNoAuth               AuthMethod = "no-auth"
	AuthUserPasswordMetadata AuthMethod = "user-password-metadata"
	AuthCustomMetadata       AuthMethod = "custom-metadata"
)

// wire method bytes, RFC 1928 plus the 0xDA vendor extension this spec uses
// for custom-metadata (§4.11).
const (
	methodNoAuth         byte = 0x00
	methodUserPassword   byte = 0x02
	methodCustomMetadata byte = 0xDA
	methodNoAcceptable   byte = 0xFF
)

const (
	socks4Version byte = 0x04
	socks5Version byte = 0x05
)

const cmdConnect byte = 0x01

const (
	atypIPv4   byte = 0x01
	atypDomain byte = 0x03
	atypIPv6   byte = 0x04
)

// Config controls which auth methods a listener accepts.
type Config struct {
	AcceptedMethods []AuthMethod
}

func (c Config) accepts(m AuthMethod) bool {
	for _, a := range c.AcceptedMethods {
		if a == m {
			return true
		}
	}
	return false
}

func (c Config) methodByte(m AuthMethod) byte {
	switch m {
	case AuthUserPasswordMetadata:
		return methodUserPassword
	case AuthCustomMetadata:
		return methodCustomMetadata
	default:
		return methodNoAuth
	}
}

// Result is what the SOCKS front hands back to the connection frontend:
// the negotiated destination plus any tags captured from the auth payload.
type Result struct {
	Hostname string // literal domain, when the client sent one (preferred)
	IP       string // literal IP, when the client sent an address instead
	Port     int
	Tags     []string
}

func (r Result) String() string {
	if r.Hostname != "" {
		return fmt.Sprintf("%s:%d", r.Hostname, r.Port)
	}
	return fmt.Sprintf("%s:%d", r.IP, r.Port)
}
