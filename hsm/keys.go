package hsm

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
)

// PublicKeySignatureSize returns the maximum signature size in bytes for a
// public key.
func PublicKeySignatureSize(pub crypto.PublicKey) (int, error) {
	if pub == nil {
		return 0, ErrNilPublicKey
	}

	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N == nil {
			return 0, fmt.Errorf("%w: RSA key has nil modulus", ErrUnsupportedKey)
		}
		return k.Size(), nil

	case *ecdsa.PublicKey:
		if k.Curve == nil {
			return 0, fmt.Errorf("%w: ECDSA key has nil curve", ErrUnsupportedKey)
		}
		// DER SEQUENCE { r INTEGER, s INTEGER }, RFC 3279 section 2.2.3.
		coordSize := (k.Curve.Params().BitSize + 7) / 8
		return 2*coordSize + 9, nil

	case ed25519.PublicKey:
		return ed25519.SignatureSize, nil

	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// MatchCertificate checks that pub is the public key of cert.
func MatchCertificate(pub crypto.PublicKey, cert *x509.Certificate) error {
	if cert == nil {
		return ErrNilCertificate
	}
	if pub == nil {
		return ErrNilPublicKey
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("failed to marshal signer public key: %w", err)
	}
	certPubBytes, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal certificate public key: %w", err)
	}
	if !bytes.Equal(pubBytes, certPubBytes) {
		return ErrKeyMismatch
	}
	return nil
}

// ValidateSignerCertificateMatch checks that the signer's public key matches
// the certificate.
func ValidateSignerCertificateMatch(signer crypto.Signer, cert *x509.Certificate) error {
	if signer == nil {
		return ErrNilSigner
	}
	return MatchCertificate(signer.Public(), cert)
}

// checkSignatureSize rejects provider output that cannot be a signature of
// the certificate's key.
func checkSignatureSize(sig []byte, cert *x509.Certificate) error {
	if len(sig) == 0 {
		return fmt.Errorf("provider returned an empty signature")
	}
	max, err := PublicKeySignatureSize(cert.PublicKey)
	if err != nil {
		return err
	}
	if len(sig) > max {
		return fmt.Errorf("signature of %d bytes exceeds %d bytes for %T", len(sig), max, cert.PublicKey)
	}
	return nil
}
