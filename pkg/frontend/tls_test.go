package frontend

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	gca "github.com/ghostproxy/ghostproxy/pkg/ca"
)

func generateTestCA(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test CA Org"}, CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          []byte{1, 2, 3, 4},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestInterceptTerminatesAndMintsLeaf(t *testing.T) {
	certPEM, keyPEM := generateTestCA(t)
	authority, err := gca.Load(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	cfg := TLSConfig{CA: authority}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	type serverResult struct {
		intercepted *Intercepted
		result      TerminationResult
		err         error
	}
	serverDone := make(chan serverResult, 1)
	go func() {
		br := bufio.NewReader(serverConn)
		ic, res, err := Intercept(serverConn, br, cfg, "")
		serverDone <- serverResult{ic, res, err}
	}()

	clientDone := make(chan error, 1)
	go func() {
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(certPEM)
		tlsClient := tls.Client(clientConn, &tls.Config{
			ServerName: "example.com",
			RootCAs:    pool,
			NextProtos: []string{"h2", "http/1.1"},
		})
		clientDone <- tlsClient.Handshake()
	}()

	if err := <-clientDone; err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	sr := <-serverDone
	if sr.err != nil {
		t.Fatalf("server intercept: %v", sr.err)
	}
	if sr.result != ResultTerminated {
		t.Fatalf("expected ResultTerminated, got %v", sr.result)
	}
	if sr.intercepted.Info.SNI != "example.com" {
		t.Fatalf("got SNI %q", sr.intercepted.Info.SNI)
	}
}

func TestInterceptPassthroughSkipsHandshake(t *testing.T) {
	certPEM, keyPEM := generateTestCA(t)
	authority, err := gca.Load(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	cfg := TLSConfig{CA: authority, Passthrough: []string{"bypass.example.com"}}

	raw := buildClientHello(t, "bypass.example.com", nil)
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan struct {
		res TerminationResult
		err error
	}, 1)
	go func() {
		br := bufio.NewReader(serverConn)
		_, res, err := Intercept(serverConn, br, cfg, "")
		done <- struct {
			res TerminationResult
			err error
		}{res, err}
	}()

	go clientConn.Write(raw)

	out := <-done
	if out.err != nil {
		t.Fatalf("intercept: %v", out.err)
	}
	if out.res != ResultPassthrough {
		t.Fatalf("expected ResultPassthrough, got %v", out.res)
	}
}
