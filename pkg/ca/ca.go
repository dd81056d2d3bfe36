// Package ca implements the on-the-fly certificate authority (§4.2): it
// loads a user-supplied CA key+cert pair and mints per-hostname leaf
// certificates at runtime for transparent TLS interception.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sync"
	"time"

	"github.com/ghostproxy/ghostproxy/pkg/constants"
	"github.com/ghostproxy/ghostproxy/pkg/errors"
)

// CA holds the root signing key/cert, the process-wide leaf keypair and the
// leaf certificate cache.
type CA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey

	mu        sync.Mutex
	keyLength int
	leafKey   *rsa.PrivateKey // process-wide leaf keypair (§4.2), built lazily

	cache    map[string]*leafEntry
	inflight map[string]*inflightBuild
}

// Load constructs a CA from PEM-encoded cert and key material.
func Load(certPEM, keyPEM []byte) (*CA, error) {
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return nil, errors.NewCAError("", "failed to parse CA certificate", err)
	}
	key, err := parseKeyPEM(keyPEM)
	if err != nil {
		return nil, errors.NewCAError("", "failed to parse CA private key", err)
	}
	return &CA{
		cert:      cert,
		key:       key,
		keyLength: constants.DefaultCAKeyLength,
		cache:     make(map[string]*leafEntry),
		inflight:  make(map[string]*inflightBuild),
	}, nil
}

// LoadFromFiles reads the CA cert and key from disk paths.
func LoadFromFiles(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.NewCAError("", "failed to read CA certificate file", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.NewCAError("", "failed to read CA key file", err)
	}
	return Load(certPEM, keyPEM)
}

// Generate mints a fresh self-signed root CA (§4.2 "load/generate CA"),
// returning both the constructed *CA and its PEM-encoded cert/key so a
// caller can persist them for reuse across restarts — without that, clients
// would need to re-trust a new root every time the process starts.
func Generate(commonName string) (authority *CA, certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, constants.DefaultCAKeyLength)
	if err != nil {
		return nil, nil, nil, errors.NewCAError("", "failed to generate CA key", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, errors.NewCAError("", "failed to generate CA serial number", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"ghostproxy"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, errors.NewCAError("", "failed to self-sign CA certificate", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, nil, errors.NewCAError("", "failed to marshal CA key", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	authority, err = Load(certPEM, keyPEM)
	if err != nil {
		return nil, nil, nil, err
	}
	return authority, certPEM, keyPEM, nil
}

// Certificate returns the CA's own certificate, e.g. for export to clients
// that need to trust it.
func (c *CA) Certificate() *x509.Certificate {
	return c.cert
}

func parseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

// parseKeyPEM accepts PKCS#1 or PKCS#8 RSA private keys. A PKCS#1 key is
// parsed directly with x509.ParsePKCS1PrivateKey; it is not re-encoded as a
// PKCS#8 PrivateKeyInfo.
func parseKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if block.Type == "RSA PRIVATE KEY" {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Some PEM producers label PKCS#1 data as a generic "PRIVATE KEY".
		if rsaKey, err1 := x509.ParsePKCS1PrivateKey(block.Bytes); err1 == nil {
			return rsaKey, nil
		}
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key is not RSA")
	}
	return rsaKey, nil
}
