package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/text/idna"

	"github.com/ghostproxy/ghostproxy/pkg/constants"
	"github.com/ghostproxy/ghostproxy/pkg/errors"
)

// domainValidatedPolicyOID is the CA/Browser Forum "domain validated"
// certificate policy (§4.2).
var domainValidatedPolicyOID = asn1.ObjectIdentifier{2, 23, 140, 1, 2, 1}

// leafEntry is a certificate cache entry (§3 "Certificate cache entry").
type leafEntry struct {
	key    *rsa.PrivateKey
	leaf   *x509.Certificate
	leafDER []byte
	expiry time.Time
}

// inflightBuild collapses concurrent generate requests for the same
// canonical hostname into a single outstanding operation (§4.2
// "at-most-one-build-per-fingerprint semantics").
type inflightBuild struct {
	done chan struct{}
	cert tls.Certificate
	err  error
}

// CanonicalizeHost converts an internationalized hostname to its ASCII
// (punycode) form, then rewrites any remaining underscore into the
// wildcard form, since TLS forbids underscores in DNS names (§4.2). An
// error is returned when no underscore rewrite is possible: a single-label
// host, or underscores in any interior label.
func CanonicalizeHost(host string) (string, error) {
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}

	if !strings.Contains(host, "_") {
		return host, nil
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return "", fmt.Errorf("cannot wildcard single-label host %q", host)
	}
	for _, l := range labels[1:] {
		if strings.Contains(l, "_") {
			return "", fmt.Errorf("underscore in interior label of %q", host)
		}
	}
	labels[0] = "*"
	return strings.Join(labels, "."), nil
}

// LeafFor mints (or fetches from cache) a leaf certificate for host,
// terminating TLS for that SNI/destination (§4.6). Concurrent calls for the
// same canonical host collapse onto a single generation.
func (c *CA) LeafFor(host string) (tls.Certificate, error) {
	canonical, err := CanonicalizeHost(host)
	if err != nil {
		return tls.Certificate{}, errors.NewCAError(host, "cannot derive a valid DNS name", err)
	}

	c.mu.Lock()
	if entry, ok := c.cache[canonical]; ok && time.Now().Before(entry.expiry) {
		c.mu.Unlock()
		return toTLSCertificate(entry, c.cert), nil
	}
	if build, ok := c.inflight[canonical]; ok {
		c.mu.Unlock()
		<-build.done
		return build.cert, build.err
	}

	build := &inflightBuild{done: make(chan struct{})}
	c.inflight[canonical] = build
	c.mu.Unlock()

	cert, entry, err := c.mintLeaf(canonical)
	c.mu.Lock()
	delete(c.inflight, canonical)
	if err == nil {
		c.cache[canonical] = entry
	}
	c.mu.Unlock()

	build.cert, build.err = cert, err
	close(build.done)
	return cert, err
}

// leafKeypair returns the process-wide RSA keypair used to sign every leaf
// certificate, generating it lazily on first use. If a larger key length is
// requested than was used to build the current keypair, it is regenerated
// (§4.2 rationale: leaf keys are not secrets in a mock context).
func (c *CA) leafKeypair(keyLength int) (*rsa.PrivateKey, error) {
	if keyLength <= 0 {
		keyLength = constants.DefaultCAKeyLength
	}
	if c.leafKey != nil && c.leafKey.N.BitLen() >= keyLength {
		return c.leafKey, nil
	}
	key, err := rsa.GenerateKey(rand.Reader, keyLength)
	if err != nil {
		return nil, err
	}
	c.leafKey = key
	c.keyLength = keyLength
	return key, nil
}

func (c *CA) mintLeaf(canonicalHost string) (tls.Certificate, *leafEntry, error) {
	c.mu.Lock()
	key, err := c.leafKeypair(c.keyLength)
	c.mu.Unlock()
	if err != nil {
		return tls.Certificate{}, nil, errors.NewCAError(canonicalHost, "failed to build leaf keypair", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return tls.Certificate{}, nil, errors.NewCAError(canonicalHost, "failed to generate serial", err)
	}

	isWildcard := strings.HasPrefix(canonicalHost, "*.")
	subject := pkix.Name{
		Country:      c.cert.Subject.Country,
		Organization: c.cert.Subject.Organization,
		Locality:     c.cert.Subject.Locality,
	}
	if !isWildcard {
		subject.CommonName = canonicalHost
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:                subject,
		NotBefore:             now.Add(-constants.DefaultCALeafBackdate),
		NotAfter:              now.Add(constants.DefaultCALeafValidity),
		BasicConstraintsValid: true,
		IsCA:                  false,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:              []string{canonicalHost},
		PolicyIdentifiers:     []asn1.ObjectIdentifier{domainValidatedPolicyOID},
		AuthorityKeyId:        c.cert.SubjectKeyId,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, c.cert, &key.PublicKey, c.key)
	if err != nil {
		return tls.Certificate{}, nil, errors.NewCAError(canonicalHost, "failed to sign leaf certificate", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, errors.NewCAError(canonicalHost, "failed to parse minted leaf certificate", err)
	}

	entry := &leafEntry{
		key:     key,
		leaf:    leaf,
		leafDER: der,
		expiry:  template.NotAfter,
	}
	return toTLSCertificate(entry, c.cert), entry, nil
}

func toTLSCertificate(entry *leafEntry, issuer *x509.Certificate) tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{entry.leafDER, issuer.Raw},
		PrivateKey:  entry.key,
		Leaf:        entry.leaf,
	}
}

// randomSerial returns a random 128-bit serial with the high bit forced to
// ensure a positive, fixed-length value (§4.2).
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, err
	}
	return serial.SetBit(serial, 127, 1), nil
}
