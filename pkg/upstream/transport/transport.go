// Package transport dials the outbound connection for the passthrough
// handler (§4.5): plain TCP, TLS, or through a chained proxy hop, with a
// small per-origin connection pool and per-destination DNS/trust overrides.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghostproxy/ghostproxy/pkg/errors"
	netproxy "golang.org/x/net/proxy"
)

// ProxyConfig describes a single upstream proxy hop a destination is
// chained through (§4.5 step 4). Mirrors rules.ProxyChainConfig one level
// down the stack, without pkg/rules depending on net/tls types.
type ProxyConfig struct {
	Type     string // http, https, socks4, socks5
	Host     string
	Port     int
	Username string
	Password string

	ConnTimeout  time.Duration
	ProxyHeaders map[string]string
	TLSConfig    *tls.Config
}

// Options is the resolved dial configuration for one destination: the
// hostname/port the passthrough handler settled on (§4.5 step 1), plus
// whatever DNS, trust, and proxy overrides the matching rule carried.
type Options struct {
	Scheme string
	Host   string
	Port   int

	// Resolver performs DNS lookup for Host. nil means the system resolver.
	// Set from rules.PassThroughConfig.DNSServers (§4.5 step 2) by the
	// caller so a custom resolver never has to be constructed per-dial.
	Resolver *net.Resolver

	SNI         string
	DisableSNI  bool
	InsecureTLS bool

	ConnTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	ReuseConnection bool

	Proxy *ProxyConfig

	// TrustedCAs are PEM-encoded certificates merged into the system trust
	// store for this dial, per rules.PassThroughConfig.TrustedCAs (§4.5
	// step 4 "Trust is the system trust store merged with trustedCAs").
	TrustedCAs []byte

	// ALPNProtocols is the TLS ALPN offer, in preference order. The h2
	// dispatcher sets this to []string{"h2", "http/1.1"}; the h1 dispatcher
	// leaves it nil, which upgradeTLS treats as ["http/1.1"].
	ALPNProtocols []string

	TLSConfig    *tls.Config
	CipherSuites []uint16
}

// Stages reports the dial-phase timestamps consumed by the lifecycle event
// bus and the response record's timing view (§3 "timing events").
type Stages struct {
	DNSLookup    time.Duration
	TCPConnect   time.Duration
	TLSHandshake time.Duration
}

type stageTimer struct {
	dnsStart, dnsEnd time.Time
	tcpStart, tcpEnd time.Time
	tlsStart, tlsEnd time.Time
}

func (t *stageTimer) startDNS() { t.dnsStart = time.Now() }
func (t *stageTimer) endDNS()   { t.dnsEnd = time.Now() }
func (t *stageTimer) startTCP() { t.tcpStart = time.Now() }
func (t *stageTimer) endTCP()   { t.tcpEnd = time.Now() }
func (t *stageTimer) startTLS() { t.tlsStart = time.Now() }
func (t *stageTimer) endTLS()   { t.tlsEnd = time.Now() }

func (t *stageTimer) stages() Stages {
	var s Stages
	if !t.dnsStart.IsZero() && !t.dnsEnd.IsZero() {
		s.DNSLookup = t.dnsEnd.Sub(t.dnsStart)
	}
	if !t.tcpStart.IsZero() && !t.tcpEnd.IsZero() {
		s.TCPConnect = t.tcpEnd.Sub(t.tcpStart)
	}
	if !t.tlsStart.IsZero() && !t.tlsEnd.IsZero() {
		s.TLSHandshake = t.tlsEnd.Sub(t.tlsStart)
	}
	return s
}

// ConnectionMetadata describes the connection a dial produced.
type ConnectionMetadata struct {
	ConnectedIP        string
	ConnectedPort      int
	NegotiatedProtocol string
	ConnectionReused   bool

	LocalAddr    string
	RemoteAddr   string
	ConnectionID uint64

	TLSVersion     string
	TLSCipherSuite string
	TLSServerName  string
	TLSSessionID   string
	TLSResumed     bool

	ProxyUsed bool
	ProxyType string
	ProxyAddr string

	Stages Stages

	poolKey string
}

// PoolConfig tunes the per-origin idle-connection pool.
type PoolConfig struct {
	MaxIdleConnsPerHost int
	MaxIdleTime         time.Duration
	TCPKeepAlivePeriod  time.Duration
}

// DefaultPoolConfig returns the pool defaults used when a Transport is
// built without explicit tuning.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConnsPerHost: 2,
		MaxIdleTime:         90 * time.Second,
		TCPKeepAlivePeriod:  30 * time.Second,
	}
}

type pooledConnection struct {
	conn     net.Conn
	metadata ConnectionMetadata
	lastUsed time.Time
}

type hostPool struct {
	mu        sync.Mutex
	idle      []*pooledConnection
	numActive int
}

// Transport dials upstream connections on behalf of the passthrough
// handler and pools them per destination+proxy combination.
type Transport struct {
	hostPools           sync.Map // map[string]*hostPool
	poolConfig          PoolConfig
	connectionIDCounter uint64

	statsReused  uint64
	statsCreated uint64
}

// PoolStats is a read-only snapshot of pool occupancy, surfaced by
// Dispatcher.PoolStats for operational visibility.
type PoolStats struct {
	ActiveConns int
	IdleConns   int
	TotalReused int
	TotalCreated int
}

// New creates a Transport with default pool tuning.
func New() *Transport {
	return NewWithConfig(DefaultPoolConfig())
}

// NewWithConfig creates a Transport with custom pool tuning.
func NewWithConfig(config PoolConfig) *Transport {
	if config.MaxIdleConnsPerHost <= 0 {
		config.MaxIdleConnsPerHost = 2
	}
	if config.MaxIdleTime <= 0 {
		config.MaxIdleTime = 90 * time.Second
	}
	if config.TCPKeepAlivePeriod <= 0 {
		config.TCPKeepAlivePeriod = 30 * time.Second
	}
	return &Transport{poolConfig: config}
}

// Connect dials opts.Host:opts.Port, through opts.Proxy if set, upgrading
// to TLS when opts.Scheme is "https".
func (t *Transport) Connect(ctx context.Context, opts Options) (net.Conn, *ConnectionMetadata, error) {
	if err := t.validate(opts); err != nil {
		return nil, nil, err
	}

	metadata := &ConnectionMetadata{}
	poolKey := poolKeyFor(opts)

	if opts.ReuseConnection {
		if conn, meta, ok := t.getFromPool(poolKey); conn != nil && ok {
			meta.ConnectionReused = true
			meta.poolKey = poolKey
			return conn, meta, nil
		}
	}

	connTimeout := opts.ConnTimeout
	if connTimeout <= 0 {
		connTimeout = 10 * time.Second
	}

	timer := &stageTimer{}
	dialAddr, err := t.resolve(ctx, opts, timer)
	if err != nil {
		return nil, nil, err
	}

	host, portStr, _ := net.SplitHostPort(dialAddr)
	metadata.ConnectedIP = host
	if port, err := strconv.Atoi(portStr); err == nil {
		metadata.ConnectedPort = port
	}

	var conn net.Conn
	if opts.Proxy != nil {
		conn, err = t.connectViaProxy(ctx, opts, dialAddr, connTimeout, timer, metadata)
	} else {
		conn, err = t.connectTCP(ctx, dialAddr, connTimeout, timer)
	}
	if err != nil {
		return nil, nil, err
	}

	if conn.LocalAddr() != nil {
		metadata.LocalAddr = conn.LocalAddr().String()
	}
	if conn.RemoteAddr() != nil {
		metadata.RemoteAddr = conn.RemoteAddr().String()
	}
	metadata.ConnectionID = atomic.AddUint64(&t.connectionIDCounter, 1)

	if strings.EqualFold(opts.Scheme, "https") {
		tlsConn, err := t.upgradeTLS(ctx, conn, opts, timer, metadata)
		if err != nil {
			conn.Close()
			return nil, nil, errors.NewTLSError(opts.Host, opts.Port, err)
		}
		conn = tlsConn
	} else {
		metadata.NegotiatedProtocol = "HTTP/1.1"
	}

	metadata.Stages = timer.stages()
	metadata.poolKey = poolKey
	if opts.ReuseConnection {
		atomic.AddUint64(&t.statsCreated, 1)
	}
	return conn, metadata, nil
}

func poolKeyFor(opts Options) string {
	if opts.Proxy == nil {
		return fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	}
	port := opts.Proxy.Port
	if port == 0 {
		port = defaultProxyPort(opts.Proxy.Type)
	}
	return fmt.Sprintf("%s:%s:%d->%s:%d", opts.Proxy.Type, opts.Proxy.Host, port, opts.Host, opts.Port)
}

func defaultProxyPort(scheme string) int {
	switch scheme {
	case "http":
		return 8080
	case "https":
		return 443
	default:
		return 1080
	}
}

func (t *Transport) validate(opts Options) error {
	if opts.Host == "" {
		return errors.NewValidationError("host cannot be empty")
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return errors.NewValidationError("port must be between 1 and 65535")
	}
	if opts.Scheme != "http" && opts.Scheme != "https" {
		return errors.NewValidationError("scheme must be http or https")
	}
	if opts.DisableSNI && opts.SNI != "" {
		return errors.NewValidationError("cannot set both DisableSNI=true and SNI")
	}
	return nil
}

// resolve honors a per-destination resolver override (§4.5 step 2
// "lookupOptions.servers"), falling back to the system resolver if none was
// set or if the custom resolver itself fails.
func (t *Transport) resolve(ctx context.Context, opts Options, timer *stageTimer) (string, error) {
	timer.startDNS()
	defer timer.endDNS()

	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	lookupCtx, cancel := context.WithTimeout(ctx, dnsTimeout(opts))
	defer cancel()

	addrs, err := resolver.LookupIPAddr(lookupCtx, opts.Host)
	if (err != nil || len(addrs) == 0) && opts.Resolver != nil {
		addrs, err = net.DefaultResolver.LookupIPAddr(lookupCtx, opts.Host)
	}
	if err != nil {
		return "", errors.NewDNSError(opts.Host, err)
	}
	if len(addrs) == 0 {
		return "", errors.NewDNSError(opts.Host, errors.NewValidationError("no IP addresses found"))
	}
	return net.JoinHostPort(addrs[0].IP.String(), strconv.Itoa(opts.Port)), nil
}

func dnsTimeout(opts Options) time.Duration {
	if opts.ConnTimeout > 0 {
		return opts.ConnTimeout
	}
	return 5 * time.Second
}

func (t *Transport) connectTCP(ctx context.Context, dialAddr string, timeout time.Duration, timer *stageTimer) (net.Conn, error) {
	timer.startTCP()
	defer timer.endTCP()

	dialer := &net.Dialer{Timeout: timeout, KeepAlive: t.poolConfig.TCPKeepAlivePeriod}
	conn, err := dialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		return nil, errors.NewConnectionError(dialAddr, 0, err)
	}
	return conn, nil
}

// recommendedCipherSuites returns Go's secure-default cipher suite list
// filtered to what applies at minVersion; TLS 1.3 ignores CipherSuites
// entirely so an empty result there is correct, not an omission.
func recommendedCipherSuites(minVersion uint16) []uint16 {
	if minVersion >= tls.VersionTLS13 {
		return nil
	}
	var suites []uint16
	for _, s := range tls.CipherSuites() {
		suites = append(suites, s.ID)
	}
	return suites
}

func (t *Transport) upgradeTLS(ctx context.Context, conn net.Conn, opts Options, timer *stageTimer, metadata *ConnectionMetadata) (net.Conn, error) {
	timer.startTLS()
	defer timer.endTLS()

	handshakeTimeout := opts.ConnTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	tlsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	alpn := opts.ALPNProtocols
	if len(alpn) == 0 {
		alpn = []string{"http/1.1"}
	}

	var tlsConfig *tls.Config
	if opts.TLSConfig != nil {
		tlsConfig = opts.TLSConfig.Clone()
		if opts.InsecureTLS {
			tlsConfig.InsecureSkipVerify = true
		}
		tlsConfig.NextProtos = alpn
	} else {
		tlsConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: opts.InsecureTLS,
			NextProtos:         alpn,
		}
		if len(opts.TrustedCAs) > 0 {
			pool, err := systemPoolWith(opts.TrustedCAs)
			if err != nil {
				return nil, err
			}
			tlsConfig.RootCAs = pool
		}
		configureSNI(tlsConfig, opts.SNI, opts.DisableSNI, opts.Host)
	}

	if len(opts.CipherSuites) > 0 && len(tlsConfig.CipherSuites) == 0 {
		tlsConfig.CipherSuites = opts.CipherSuites
	} else if len(tlsConfig.CipherSuites) == 0 {
		tlsConfig.CipherSuites = recommendedCipherSuites(tlsConfig.MinVersion)
	}

	if tlsConfig.ServerName != "" {
		metadata.TLSServerName = tlsConfig.ServerName
	} else if !opts.DisableSNI {
		metadata.TLSServerName = opts.Host
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(tlsCtx); err != nil {
		return nil, err
	}

	state := tlsConn.ConnectionState()
	metadata.TLSVersion = tlsVersionString(state.Version)
	metadata.TLSCipherSuite = tls.CipherSuiteName(state.CipherSuite)
	metadata.NegotiatedProtocol = state.NegotiatedProtocol
	if metadata.NegotiatedProtocol == "" {
		metadata.NegotiatedProtocol = "HTTP/1.1"
	}
	metadata.TLSResumed = state.DidResume
	if len(state.TLSUnique) > 0 {
		metadata.TLSSessionID = hex.EncodeToString(state.TLSUnique)
	}

	return tlsConn, nil
}

// systemPoolWith merges trustedCAs into a copy of the system trust store
// (§4.5 step 4 "system trust store merged with trustedCAs").
func systemPoolWith(trustedCAs []byte) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(trustedCAs) {
		return nil, errors.NewValidationError("failed to parse trusted CA certificate(s)")
	}
	return pool, nil
}

func tlsVersionString(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS 1.0"
	case tls.VersionTLS11:
		return "TLS 1.1"
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("unknown TLS version 0x%04X", version)
	}
}

func configureSNI(tlsConfig *tls.Config, customSNI string, disableSNI bool, fallbackHost string) {
	if tlsConfig.ServerName != "" || disableSNI {
		return
	}
	if customSNI != "" {
		tlsConfig.ServerName = customSNI
		return
	}
	tlsConfig.ServerName = fallbackHost
}

func (t *Transport) getOrCreateHostPool(key string) *hostPool {
	val, _ := t.hostPools.LoadOrStore(key, &hostPool{})
	return val.(*hostPool)
}

func (t *Transport) getFromPool(key string) (net.Conn, *ConnectionMetadata, bool) {
	hp := t.getOrCreateHostPool(key)
	hp.mu.Lock()
	defer hp.mu.Unlock()

	for len(hp.idle) > 0 {
		n := len(hp.idle)
		pc := hp.idle[n-1]
		hp.idle = hp.idle[:n-1]

		if time.Since(pc.lastUsed) > t.poolConfig.MaxIdleTime || !isAlive(pc.conn) {
			pc.conn.Close()
			continue
		}

		hp.numActive++
		atomic.AddUint64(&t.statsReused, 1)
		meta := pc.metadata
		return pc.conn, &meta, true
	}
	return nil, nil, false
}

// ReleaseConnection returns conn to the pool it was dialed for, or closes
// it if the pool is full or the dial wasn't pooled.
func (t *Transport) ReleaseConnection(conn net.Conn, metadata *ConnectionMetadata) {
	if metadata == nil || metadata.poolKey == "" {
		conn.Close()
		return
	}
	val, ok := t.hostPools.Load(metadata.poolKey)
	if !ok {
		conn.Close()
		return
	}
	hp := val.(*hostPool)
	hp.mu.Lock()
	defer hp.mu.Unlock()

	hp.numActive--
	if len(hp.idle) >= t.poolConfig.MaxIdleConnsPerHost {
		conn.Close()
		return
	}
	hp.idle = append(hp.idle, &pooledConnection{conn: conn, metadata: *metadata, lastUsed: time.Now()})
}

// CloseConnection discards conn instead of returning it to the pool.
func (t *Transport) CloseConnection(conn net.Conn, metadata *ConnectionMetadata) {
	if metadata != nil && metadata.poolKey != "" {
		if val, ok := t.hostPools.Load(metadata.poolKey); ok {
			hp := val.(*hostPool)
			hp.mu.Lock()
			hp.numActive--
			hp.mu.Unlock()
		}
	}
	conn.Close()
}

func isAlive(conn net.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})
	one := make([]byte, 1)
	_, err := conn.Read(one)
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	return false
}

// PoolStats returns a snapshot of current pool occupancy.
func (t *Transport) PoolStats() PoolStats {
	var stats PoolStats
	t.hostPools.Range(func(_, value interface{}) bool {
		hp := value.(*hostPool)
		hp.mu.Lock()
		stats.ActiveConns += hp.numActive
		stats.IdleConns += len(hp.idle)
		hp.mu.Unlock()
		return true
	})
	stats.TotalReused = int(atomic.LoadUint64(&t.statsReused))
	stats.TotalCreated = int(atomic.LoadUint64(&t.statsCreated))
	return stats
}

// connectViaProxy dials proxy.Host:proxy.Port and establishes a tunnel to
// dialAddr through it (§4.5 step 4, §4.11 chained proxy support).
func (t *Transport) connectViaProxy(ctx context.Context, opts Options, targetAddr string, timeout time.Duration, timer *stageTimer, metadata *ConnectionMetadata) (net.Conn, error) {
	proxy := opts.Proxy
	if proxy.Host == "" {
		return nil, errors.NewValidationError("proxy host cannot be empty")
	}

	proxyPort := proxy.Port
	if proxyPort == 0 {
		proxyPort = defaultProxyPort(proxy.Type)
	}
	proxyAddr := fmt.Sprintf("%s:%d", proxy.Host, proxyPort)
	proxyTimeout := proxy.ConnTimeout
	if proxyTimeout <= 0 {
		proxyTimeout = timeout
	}

	metadata.ProxyUsed = true
	metadata.ProxyType = proxy.Type
	metadata.ProxyAddr = proxyAddr

	timer.startTCP()
	defer timer.endTCP()

	var conn net.Conn
	var err error
	switch proxy.Type {
	case "http", "https":
		conn, err = connectViaHTTPProxy(ctx, proxy, proxyAddr, opts, targetAddr, proxyTimeout)
	case "socks4":
		conn, err = connectViaSOCKS4Proxy(ctx, proxy, proxyAddr, targetAddr, proxyTimeout)
	case "socks5":
		conn, err = connectViaSOCKS5Proxy(ctx, proxy, proxyAddr, targetAddr, proxyTimeout)
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported proxy type: %s", proxy.Type))
	}
	if err != nil {
		return nil, errors.NewProxyError(proxy.Type, proxyAddr, "connect", err)
	}

	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		metadata.ConnectedIP = tcpAddr.IP.String()
		metadata.ConnectedPort = tcpAddr.Port
	}
	return conn, nil
}

// connectViaHTTPProxy tunnels through an HTTP/HTTPS CONNECT proxy. The
// proxy scheme governs the hop to the proxy itself; the target scheme
// governs what travels through the tunnel once established.
func connectViaHTTPProxy(ctx context.Context, proxy *ProxyConfig, proxyAddr string, opts Options, targetAddr string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to proxy: %w", err)
	}

	if proxy.Type == "https" {
		tlsConfig := proxy.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: proxy.Host, InsecureSkipVerify: opts.InsecureTLS}
		} else {
			tlsConfig = tlsConfig.Clone()
			if opts.InsecureTLS {
				tlsConfig.InsecureSkipVerify = true
			}
			if tlsConfig.ServerName == "" {
				tlsConfig.ServerName = proxy.Host
			}
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake to proxy: %w", err)
		}
		conn = tlsConn
	}

	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.1\r\nHost: %s\r\nConnection: keep-alive\r\n", targetAddr, opts.Host)
	for key, value := range proxy.ProxyHeaders {
		fmt.Fprintf(&req, "%s: %s\r\n", key, value)
	}
	if proxy.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(proxy.Username + ":" + proxy.Password))
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", auth)
	}
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	if !strings.Contains(statusLine, " 200") {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", strings.TrimSpace(statusLine))
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("read CONNECT headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	return conn, nil
}

// connectViaSOCKS4Proxy tunnels through a SOCKS4 proxy (IPv4 only, DNS
// resolved locally per RFC 1928 predecessor convention).
func connectViaSOCKS4Proxy(ctx context.Context, proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(targetAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid target address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution for %s: %w", host, err)
	}
	var targetIP net.IP
	for _, ip := range ips {
		if ip4 := ip.IP.To4(); ip4 != nil {
			targetIP = ip4
			break
		}
	}
	if targetIP == nil {
		return nil, fmt.Errorf("no IPv4 address for %s (SOCKS4 requires IPv4)", host)
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("connect to SOCKS4 proxy: %w", err)
	}

	req := []byte{0x04, 0x01, byte(port >> 8), byte(port & 0xFF)}
	req = append(req, targetIP...)
	if proxy.Username != "" {
		req = append(req, []byte(proxy.Username)...)
	}
	req = append(req, 0x00)

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send SOCKS4 request: %w", err)
	}
	resp := make([]byte, 8)
	if _, err := io.ReadFull(conn, resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read SOCKS4 response: %w", err)
	}
	if resp[1] != 0x5A {
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 request rejected, status 0x%02X", resp[1])
	}
	return conn, nil
}

// connectViaSOCKS5Proxy tunnels through a SOCKS5 proxy using
// golang.org/x/net/proxy rather than a hand-rolled negotiation.
func connectViaSOCKS5Proxy(ctx context.Context, proxy *ProxyConfig, proxyAddr, targetAddr string, timeout time.Duration) (net.Conn, error) {
	var auth *netproxy.Auth
	if proxy.Username != "" {
		auth = &netproxy.Auth{User: proxy.Username, Password: proxy.Password}
	}
	dialer, err := netproxy.SOCKS5("tcp", proxyAddr, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
	}
	conn, err := dialer.Dial("tcp", targetAddr)
	if err != nil {
		return nil, fmt.Errorf("SOCKS5 connect: %w", err)
	}
	return conn, nil
}
