// Package config loads the YAML-configurable knobs a running proxy needs at
// startup: listener address, CA key/cert material, SOCKS front settings and
// the TLS/raw passthrough suffix lists. The rule table itself stays
// Go-constructed (§6, §1 "rule-builder fluent surface is an out-of-scope
// external collaborator") — this package only loads what an operator would
// otherwise have to recompile the binary to change.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ghostproxy/ghostproxy/pkg/ca"
	"github.com/ghostproxy/ghostproxy/pkg/constants"
	"github.com/ghostproxy/ghostproxy/pkg/errors"
	"github.com/ghostproxy/ghostproxy/pkg/events"
	"github.com/ghostproxy/ghostproxy/pkg/rules"
	"github.com/ghostproxy/ghostproxy/pkg/server"
	"github.com/ghostproxy/ghostproxy/pkg/socks"
	"github.com/ghostproxy/ghostproxy/pkg/transform"
	"github.com/ghostproxy/ghostproxy/pkg/upstream"
)

// Config is the on-disk shape of a ghostproxyd YAML document.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	Socks  SocksConfig  `yaml:"socks"`
	TLS    TLSConfig    `yaml:"tls"`

	RawPassthroughHosts []string `yaml:"rawPassthroughHosts"`

	MaxBodySize int64 `yaml:"maxBodySize"`

	HandshakeTimeout     time.Duration `yaml:"handshakeTimeout"`
	IdleTimeout          time.Duration `yaml:"idleTimeout"`
	ShutdownDrainTimeout time.Duration `yaml:"shutdownDrainTimeout"`
}

// ListenConfig controls the main listener (§6 "a single TCP port, optionally
// with a fixed or range-selected port number; default search from 8000").
type ListenConfig struct {
	Addr           string `yaml:"addr"`
	PortRangeStart int    `yaml:"portRangeStart"`
	PortRangeEnd   int    `yaml:"portRangeEnd"`
}

// SocksConfig controls SOCKS recognition (§4.11).
type SocksConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Addr            string   `yaml:"addr"`
	AcceptedMethods []string `yaml:"acceptedMethods"`
}

// TLSConfig points at the CA key/cert pair and the SNI passthrough list
// (§4.2, §4.6).
type TLSConfig struct {
	CACertPath  string   `yaml:"caCertPath"`
	CAKeyPath   string   `yaml:"caKeyPath"`
	Passthrough []string `yaml:"passthrough"`
}

// Default returns a Config with every knob at the same defaults
// server.Config.setDefaults applies, so a caller that never loads a file
// still gets a runnable configuration (minus the CA, which has no sane
// default and must be supplied).
func Default() *Config {
	return &Config{
		Listen: ListenConfig{PortRangeStart: 8000, PortRangeEnd: 8099},
		Socks: SocksConfig{
			AcceptedMethods: []string{"no-auth", "user-password-metadata", "custom-metadata"},
		},
		MaxBodySize:          constants.DefaultMaxBodySize,
		HandshakeTimeout:     constants.DefaultHandshakeTimeout,
		IdleTimeout:          constants.DefaultIdleTimeout,
		ShutdownDrainTimeout: constants.DefaultShutdownDrainTimeout,
	}
}

// Load reads and parses a YAML config file at path, applying the
// GHOSTPROXY_ADDR / GHOSTPROXY_CA_CERT / GHOSTPROXY_CA_KEY environment
// overrides on top (§1.3 "environment overrides for listen address / CA
// paths").
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewValidationError("failed to read config file: " + err.Error())
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.NewValidationError("failed to parse config file: " + err.Error())
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GHOSTPROXY_ADDR"); v != "" {
		c.Listen.Addr = v
	}
	if v := os.Getenv("GHOSTPROXY_CA_CERT"); v != "" {
		c.TLS.CACertPath = v
	}
	if v := os.Getenv("GHOSTPROXY_CA_KEY"); v != "" {
		c.TLS.CAKeyPath = v
	}
}

// authMethod maps a YAML string to its socks.AuthMethod constant, silently
// dropping anything unrecognized rather than failing the whole load for a
// typo in an otherwise-valid document.
func authMethod(name string) (socks.AuthMethod, bool) {
	switch name {
	case "no-auth":
		return socks.AuthNoAuth, true
	case "user-password-metadata":
		return socks.AuthUserPasswordMetadata, true
	case "custom-metadata":
		return socks.AuthCustomMetadata, true
	default:
		return "", false
	}
}

// BuildServerConfig assembles a server.Config from the loaded file, loading
// the CA from TLS.CACertPath/CAKeyPath, wiring rulesStore and the event bus
// in (a nil bus is replaced by events.New(nil)), and constructing the
// upstream dispatcher/executor pair internally — an operator only needs to
// hand this function its rule table and, optionally, a bus.
func (c *Config) BuildServerConfig(rulesStore *rules.Store, bus *events.Bus) (server.Config, error) {
	if bus == nil {
		bus = events.New(nil)
	}

	authority, err := ca.LoadFromFiles(c.TLS.CACertPath, c.TLS.CAKeyPath)
	if err != nil {
		return server.Config{}, err
	}

	dispatcher := upstream.NewDispatcher()
	executor := transform.NewExecutor(dispatcher, bus)

	var methods []socks.AuthMethod
	for _, name := range c.Socks.AcceptedMethods {
		if m, ok := authMethod(name); ok {
			methods = append(methods, m)
		}
	}

	return server.Config{
		Addr:                 c.Listen.Addr,
		PortRangeStart:       c.Listen.PortRangeStart,
		PortRangeEnd:         c.Listen.PortRangeEnd,
		SocksAddr:            c.Socks.Addr,
		SocksEnabled:         c.Socks.Enabled,
		SocksAcceptedMethods: methods,
		CA:                   authority,
		Rules:                rulesStore,
		Bus:                  bus,
		Executor:             executor,
		TLSPassthrough:       c.TLS.Passthrough,
		RawPassthroughHosts:  c.RawPassthroughHosts,
		MaxBodySize:          c.MaxBodySize,
		HandshakeTimeout:     c.HandshakeTimeout,
		IdleTimeout:          c.IdleTimeout,
		ShutdownDrainTimeout: c.ShutdownDrainTimeout,
	}, nil
}
