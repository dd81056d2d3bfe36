// Package constants defines magic numbers and default values shared across
// the proxy's front-end, rule engine and upstream dispatcher.
package constants

import "time"

// Connection timeouts and limits
const (
	DefaultIdleTimeout    = 90 * time.Second
	DefaultConnTimeout    = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultPingInterval   = 15 * time.Second
	MaxConnectionIdleTime = 5 * time.Minute
	HealthCheckInterval   = 30 * time.Second
	CleanupInterval       = 30 * time.Second

	// DefaultHandshakeTimeout bounds how long the socket classifier will
	// peek at a new connection's first bytes before giving up (§4.1).
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultShutdownDrainTimeout bounds graceful shutdown (§5, §6).
	DefaultShutdownDrainTimeout = 15 * time.Second
)

// TLS / certificate authority defaults (§4.2).
const (
	DefaultCALeafValidity = 365 * 24 * time.Hour
	DefaultCALeafBackdate = 24 * time.Hour
	DefaultCAKeyLength    = 2048
)

// HTTP/2 limits
const (
	MaxTotalStreams       = 10000
	SettingsAckTimeout    = 10 * time.Second
	DefaultHpackTableSize = 4096
)

// HTTP limits
const (
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Buffer limits
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024   // 4MB
	MaxRawBufferSize    = 100 * 1024 * 1024 // 100MB cap for raw buffer

	// DefaultMaxBodySize is the default per-request/response buffered body
	// cap before a truncate event fires (§4.9).
	DefaultMaxBodySize = 10 * 1024 * 1024 // 10MB
)
