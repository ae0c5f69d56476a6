package hsm

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
)

// KeyType is the public key family an Algorithm signs with.
type KeyType string

const (
	KeyTypeRSA   KeyType = "RSA"
	KeyTypeECDSA KeyType = "ECDSA"
)

// Algorithm is a signature scheme plus digest. RSA signatures are always
// PKCS #1 v1.5.
type Algorithm struct {
	Name string
	Key  KeyType
	Hash crypto.Hash
}

var (
	RSASHA256   = Algorithm{Name: "RSA-PKCS1-SHA256", Key: KeyTypeRSA, Hash: crypto.SHA256}
	RSASHA384   = Algorithm{Name: "RSA-PKCS1-SHA384", Key: KeyTypeRSA, Hash: crypto.SHA384}
	RSASHA512   = Algorithm{Name: "RSA-PKCS1-SHA512", Key: KeyTypeRSA, Hash: crypto.SHA512}
	ECDSASHA256 = Algorithm{Name: "ECDSA-SHA256", Key: KeyTypeECDSA, Hash: crypto.SHA256}
	ECDSASHA384 = Algorithm{Name: "ECDSA-SHA384", Key: KeyTypeECDSA, Hash: crypto.SHA384}
	ECDSASHA512 = Algorithm{Name: "ECDSA-SHA512", Key: KeyTypeECDSA, Hash: crypto.SHA512}
)

func (a Algorithm) String() string {
	return a.Name
}

func (a Algorithm) IsZero() bool {
	return a.Name == ""
}

// HashFunc makes Algorithm usable as crypto.SignerOpts.
func (a Algorithm) HashFunc() crypto.Hash {
	return a.Hash
}

// SelectAlgorithm picks the signature algorithm for the key in cert.
//
//	RSA   < 4096 bits  RSA-PKCS1-SHA256
//	RSA  >= 4096 bits  RSA-PKCS1-SHA512
//	EC  <= 256 bits    ECDSA-SHA256
//	EC  <= 384 bits    ECDSA-SHA384
//	EC   > 384 bits    ECDSA-SHA512
func SelectAlgorithm(cert *x509.Certificate) (Algorithm, error) {
	if cert == nil {
		return Algorithm{}, ErrNilCertificate
	}
	return SelectAlgorithmForKey(cert.PublicKey)
}

func SelectAlgorithmForKey(pub crypto.PublicKey) (Algorithm, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N == nil {
			return Algorithm{}, fmt.Errorf("%w: RSA key has nil modulus", ErrUnsupportedKey)
		}
		if k.N.BitLen() >= 4096 {
			return RSASHA512, nil
		}
		return RSASHA256, nil
	case *ecdsa.PublicKey:
		if k.Curve == nil {
			return Algorithm{}, fmt.Errorf("%w: ECDSA key has nil curve", ErrUnsupportedKey)
		}
		switch size := k.Curve.Params().BitSize; {
		case size <= 256:
			return ECDSASHA256, nil
		case size <= 384:
			return ECDSASHA384, nil
		default:
			return ECDSASHA512, nil
		}
	case ed25519.PublicKey:
		return Algorithm{}, fmt.Errorf("%w: Ed25519 is not supported for CMS signing", ErrUnsupportedKey)
	case nil:
		return Algorithm{}, ErrNilPublicKey
	default:
		return Algorithm{}, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

var hashOIDs = map[crypto.Hash]asn1.ObjectIdentifier{
	crypto.SHA1:   asn1.ObjectIdentifier([]int{1, 3, 14, 3, 2, 26}),
	crypto.SHA256: asn1.ObjectIdentifier([]int{2, 16, 840, 1, 101, 3, 4, 2, 1}),
	crypto.SHA384: asn1.ObjectIdentifier([]int{2, 16, 840, 1, 101, 3, 4, 2, 2}),
	crypto.SHA512: asn1.ObjectIdentifier([]int{2, 16, 840, 1, 101, 3, 4, 2, 3}),
}

func oidForHash(h crypto.Hash) asn1.ObjectIdentifier {
	return hashOIDs[h]
}

func hashForOID(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	for h, o := range hashOIDs {
		if o.Equal(oid) {
			return h, true
		}
	}
	return 0, false
}

// ParseDigestAlgorithm maps a configuration name such as "SHA256" or
// "SHA-384" to a hash.
func ParseDigestAlgorithm(name string) (crypto.Hash, error) {
	switch name {
	case "", "SHA256", "SHA-256", "sha256":
		return crypto.SHA256, nil
	case "SHA384", "SHA-384", "sha384":
		return crypto.SHA384, nil
	case "SHA512", "SHA-512", "sha512":
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("unsupported digest algorithm %q", name)
}
