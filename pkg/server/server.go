// Package server wires the frontend, rule engine, certificate authority and
// pass-through executor into a running proxy: an accept loop, one
// cooperative per-connection goroutine each, and graceful shutdown (§5,
// §6).
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ghostproxy/ghostproxy/pkg/ca"
	"github.com/ghostproxy/ghostproxy/pkg/constants"
	"github.com/ghostproxy/ghostproxy/pkg/events"
	"github.com/ghostproxy/ghostproxy/pkg/rules"
	"github.com/ghostproxy/ghostproxy/pkg/socks"
	"github.com/ghostproxy/ghostproxy/pkg/transform"
)

// Config carries every knob the server needs at construction time (§6
// "External interfaces").
type Config struct {
	// Addr is a fixed "host:port" to bind. Empty means search (see
	// PortRangeStart/PortRangeEnd).
	Addr string
	// PortRangeStart/PortRangeEnd bound the search when Addr is empty.
	// Default search is 8000-8099 (§6 "default search from 8000").
	PortRangeStart int
	PortRangeEnd   int

	// SocksAddr, if non-empty, binds a second listener that speaks only
	// SOCKS (§6 "a separate SOCKS front may share or use its own port").
	// When empty and SocksEnabled is true, the main listener classifies
	// and accepts SOCKS itself.
	SocksAddr string
	// SocksEnabled turns on SOCKS recognition on the main listener.
	SocksEnabled        bool
	SocksAcceptedMethods []socks.AuthMethod

	CA        *ca.CA
	Rules     *rules.Store
	Bus       *events.Bus
	Executor  *transform.Executor

	TLSPassthrough []string // SNI suffixes/exact hosts bypassing interception (§4.6)

	// RawPassthroughHosts lists hostname suffixes (noProxy-style) whose
	// CONNECT tunnels, when the tunneled stream doesn't classify as TLS or
	// HTTP/1, are relayed byte-for-byte to the real destination instead of
	// being treated as a client error (§4.1 "unknown protocol... either
	// raw-passthrough (if configured) or emit client-error and reset").
	RawPassthroughHosts []string

	MaxBodySize int64

	HandshakeTimeout     time.Duration
	IdleTimeout          time.Duration
	ShutdownDrainTimeout time.Duration

	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.PortRangeStart == 0 {
		c.PortRangeStart = 8000
	}
	if c.PortRangeEnd == 0 {
		c.PortRangeEnd = c.PortRangeStart + 99
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = constants.DefaultMaxBodySize
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = constants.DefaultHandshakeTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = constants.DefaultIdleTimeout
	}
	if c.ShutdownDrainTimeout == 0 {
		c.ShutdownDrainTimeout = constants.DefaultShutdownDrainTimeout
	}
	if c.Rules == nil {
		c.Rules = rules.NewStore()
	}
	if c.Bus == nil {
		c.Bus = events.New(nil)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.SocksAcceptedMethods == nil {
		c.SocksAcceptedMethods = []socks.AuthMethod{
			socks.AuthNoAuth, socks.AuthUserPasswordMetadata, socks.AuthCustomMetadata,
		}
	}
}

// Server is a running (or not-yet-started) proxy instance.
type Server struct {
	cfg    Config
	engine *rules.Engine

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]context.CancelFunc
	wg        sync.WaitGroup
	closing   bool
}

// New builds a Server from cfg, filling unset fields with the package
// defaults.
func New(cfg Config) *Server {
	cfg.setDefaults()
	return &Server{
		cfg:    cfg,
		engine: rules.NewEngine(cfg.Rules),
		conns:  make(map[net.Conn]context.CancelFunc),
	}
}

// Addr returns the bound address of the main listener, valid only after
// ListenAndServe has started it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return ""
	}
	return s.listeners[0].Addr().String()
}

// ListenAndServe binds the configured listener(s) and accepts connections
// until ctx is cancelled, then drains in-flight connections up to
// ShutdownDrainTimeout before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mainLn, err := resolveListener(s.cfg.Addr, s.cfg.PortRangeStart, s.cfg.PortRangeEnd)
	if err != nil {
		return fmt.Errorf("server: failed to bind main listener: %w", err)
	}
	s.registerListener(mainLn)

	var socksLn net.Listener
	if s.cfg.SocksAddr != "" {
		socksLn, err = net.Listen("tcp", s.cfg.SocksAddr)
		if err != nil {
			mainLn.Close()
			return fmt.Errorf("server: failed to bind SOCKS listener: %w", err)
		}
		s.registerListener(socksLn)
	}

	s.cfg.Logger.Info("proxy listening", zap.String("addr", mainLn.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop(mainLn, s.cfg.SocksEnabled)

	if socksLn != nil {
		s.cfg.Logger.Info("socks front listening", zap.String("addr", socksLn.Addr().String()))
		s.wg.Add(1)
		go s.acceptLoop(socksLn, true)
	}

	<-ctx.Done()
	return s.Shutdown(context.Background())
}

func (s *Server) registerListener(ln net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ln net.Listener, socksOnly bool) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			s.cfg.Logger.Warn("accept failed", zap.Error(err))
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.trackConn(conn, cancel)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer cancel()
			defer s.untrackConn(conn)
			s.handleConnection(ctx, conn, socksOnly)
		}()
	}
}

func (s *Server) trackConn(c net.Conn, cancel context.CancelFunc) {
	s.mu.Lock()
	s.conns[c] = cancel
	s.mu.Unlock()
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown stops accepting new connections, waits up to
// ShutdownDrainTimeout for in-flight connections to finish on their own,
// then forcibly closes whatever remains (§5 "graceful shutdown drain
// timeout", §6 "exit conditions").
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	deadline := time.NewTimer(s.cfg.ShutdownDrainTimeout)
	defer deadline.Stop()

	select {
	case <-done:
		return nil
	case <-deadline.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	for c, cancel := range s.conns {
		c.Close()
		cancel()
	}
	s.mu.Unlock()

	<-done
	return nil
}
