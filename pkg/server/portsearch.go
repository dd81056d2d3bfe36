package server

import (
	"fmt"
	"net"
	"strconv"
)

// resolveListener binds addr as given when it is non-empty; otherwise it
// searches [start, end] on the wildcard interface for the first free port
// (§6 "a single TCP port, optionally with a fixed or range-selected port
// number; default search from 8000").
func resolveListener(addr string, start, end int) (net.Listener, error) {
	if addr != "" {
		return net.Listen("tcp", addr)
	}

	host := ""
	var lastErr error
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free port in [%d, %d]: %w", start, end, lastErr)
}
