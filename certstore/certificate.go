package certstore

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// PublicKeyInfo describes the subject public key.
type PublicKeyInfo struct {
	Algorithm string // RSA, ECDSA or Ed25519
	Size      int    // modulus or curve size in bits
	Curve     string // ECDSA only
	Raw       []byte // SubjectPublicKeyInfo DER
}

type Extension struct {
	ID       string
	Critical bool
	Value    []byte
}

// Certificate is an immutable parsed X.509 certificate. Its identity is the
// hex SHA-256 fingerprint of the DER encoding.
type Certificate struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	PublicKey    PublicKeyInfo
	Fingerprint  string
	Extensions   []Extension
	Raw          []byte

	cert *x509.Certificate
}

// ParseError reports malformed certificate input.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("certificate parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var errEmptyInput = errors.New("empty input")

// ParseCertificate accepts a PEM CERTIFICATE block or raw DER.
func ParseCertificate(data []byte) (*Certificate, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ParseError{Err: errEmptyInput}
	}

	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, &ParseError{Err: fmt.Errorf("unexpected PEM block type %q", block.Type)}
		}
		der = block.Bytes
	} else if bytes.Contains(data, []byte("-----BEGIN")) {
		return nil, &ParseError{Err: errors.New("invalid PEM encoding")}
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	return FromX509(cert)
}

// ParseCertificates parses every CERTIFICATE block of a PEM bundle, or a
// single DER certificate.
func ParseCertificates(data []byte) ([]*Certificate, error) {
	if !bytes.Contains(data, []byte("-----BEGIN")) {
		c, err := ParseCertificate(data)
		if err != nil {
			return nil, err
		}
		return []*Certificate{c}, nil
	}

	var certs []*Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, &ParseError{Err: err}
		}
		c, err := FromX509(cert)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, &ParseError{Err: errors.New("no CERTIFICATE blocks found")}
	}
	return certs, nil
}

// FromX509 wraps an already parsed certificate.
func FromX509(cert *x509.Certificate) (*Certificate, error) {
	if cert == nil {
		return nil, &ParseError{Err: errors.New("nil certificate")}
	}
	if cert.NotAfter.Before(cert.NotBefore) {
		return nil, &ParseError{Err: errors.New("notAfter precedes notBefore")}
	}

	pub, err := publicKeyInfo(cert)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	sum := sha256.Sum256(cert.Raw)
	c := &Certificate{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: hex.EncodeToString(cert.SerialNumber.Bytes()),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		PublicKey:    pub,
		Fingerprint:  hex.EncodeToString(sum[:]),
		Raw:          cert.Raw,
		cert:         cert,
	}
	for _, ext := range cert.Extensions {
		c.Extensions = append(c.Extensions, Extension{
			ID:       ext.Id.String(),
			Critical: ext.Critical,
			Value:    ext.Value,
		})
	}
	return c, nil
}

func publicKeyInfo(cert *x509.Certificate) (PublicKeyInfo, error) {
	info := PublicKeyInfo{Raw: cert.RawSubjectPublicKeyInfo}
	switch k := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		info.Algorithm = "RSA"
		info.Size = k.N.BitLen()
	case *ecdsa.PublicKey:
		info.Algorithm = "ECDSA"
		info.Size = k.Curve.Params().BitSize
		info.Curve = k.Curve.Params().Name
	case ed25519.PublicKey:
		info.Algorithm = "Ed25519"
		info.Size = 256
	default:
		return info, fmt.Errorf("unsupported public key type %T", cert.PublicKey)
	}
	return info, nil
}

// X509 returns the underlying parsed certificate.
func (c *Certificate) X509() *x509.Certificate {
	return c.cert
}

// IsSelfSigned reports whether subject and issuer names match.
func (c *Certificate) IsSelfSigned() bool {
	return bytes.Equal(c.cert.RawSubject, c.cert.RawIssuer) || namesEqual(c.Subject, c.Issuer)
}

// ValidAt reports whether t lies within the validity interval.
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}

// IssuedBy reports whether the issuer name of c matches the subject of
// parent.
func (c *Certificate) IssuedBy(parent *Certificate) bool {
	return bytes.Equal(c.cert.RawIssuer, parent.cert.RawSubject) || namesEqual(c.Issuer, parent.Subject)
}

// normalizeName makes distinguished names comparable regardless of Unicode
// composition and letter case. Casers are stateful, so one is built per call.
func normalizeName(dn string) string {
	return cases.Fold().String(norm.NFKC.String(dn))
}

func namesEqual(a, b string) bool {
	return normalizeName(a) == normalizeName(b)
}
