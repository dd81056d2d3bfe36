package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ghostproxy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeTempConfig(t, `
listen:
  addr: "127.0.0.1:9000"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.Addr != "127.0.0.1:9000" {
		t.Fatalf("got addr %q", cfg.Listen.Addr)
	}
	if cfg.Listen.PortRangeStart != 8000 || cfg.Listen.PortRangeEnd != 8099 {
		t.Fatalf("expected default port range, got %+v", cfg.Listen)
	}
	if cfg.HandshakeTimeout != 5*time.Second {
		t.Fatalf("expected default handshake timeout, got %v", cfg.HandshakeTimeout)
	}
}

func TestLoadParsesFullDocument(t *testing.T) {
	path := writeTempConfig(t, `
listen:
  addr: ":8443"
  portRangeStart: 9000
  portRangeEnd: 9010
socks:
  enabled: true
  addr: ":1080"
  acceptedMethods: ["no-auth", "user-password-metadata"]
tls:
  caCertPath: "/etc/ghostproxy/ca.pem"
  caKeyPath: "/etc/ghostproxy/ca.key"
  passthrough: ["bank.example.com"]
rawPassthroughHosts: ["legacy.example.com"]
maxBodySize: 1048576
handshakeTimeout: 2s
idleTimeout: 30s
shutdownDrainTimeout: 10s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.PortRangeStart != 9000 || cfg.Listen.PortRangeEnd != 9010 {
		t.Fatalf("got %+v", cfg.Listen)
	}
	if !cfg.Socks.Enabled || cfg.Socks.Addr != ":1080" {
		t.Fatalf("got %+v", cfg.Socks)
	}
	if len(cfg.Socks.AcceptedMethods) != 2 {
		t.Fatalf("got %+v", cfg.Socks.AcceptedMethods)
	}
	if cfg.TLS.CACertPath != "/etc/ghostproxy/ca.pem" || len(cfg.TLS.Passthrough) != 1 {
		t.Fatalf("got %+v", cfg.TLS)
	}
	if len(cfg.RawPassthroughHosts) != 1 || cfg.RawPassthroughHosts[0] != "legacy.example.com" {
		t.Fatalf("got %+v", cfg.RawPassthroughHosts)
	}
	if cfg.MaxBodySize != 1048576 {
		t.Fatalf("got %d", cfg.MaxBodySize)
	}
	if cfg.HandshakeTimeout != 2*time.Second || cfg.IdleTimeout != 30*time.Second {
		t.Fatalf("got %+v", cfg)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadInvalidYAMLFails(t *testing.T) {
	path := writeTempConfig(t, "listen: [this is not a mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for invalid YAML")
	}
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	path := writeTempConfig(t, `
listen:
  addr: ":8443"
tls:
  caCertPath: "/file/ca.pem"
  caKeyPath: "/file/ca.key"
`)

	t.Setenv("GHOSTPROXY_ADDR", ":9443")
	t.Setenv("GHOSTPROXY_CA_CERT", "/env/ca.pem")
	t.Setenv("GHOSTPROXY_CA_KEY", "/env/ca.key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen.Addr != ":9443" {
		t.Fatalf("got addr %q", cfg.Listen.Addr)
	}
	if cfg.TLS.CACertPath != "/env/ca.pem" || cfg.TLS.CAKeyPath != "/env/ca.key" {
		t.Fatalf("got %+v", cfg.TLS)
	}
}

func TestAuthMethodRejectsUnknownNames(t *testing.T) {
	if _, ok := authMethod("bogus"); ok {
		t.Fatal("expected unknown method name to be rejected")
	}
	if m, ok := authMethod("no-auth"); !ok || m == "" {
		t.Fatalf("got %q, %v", m, ok)
	}
}
