package hsm

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"github.com/digitorus/pkcs7"
	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	// OIDTimeStampToken is id-aa-timeStampToken, RFC 3161 appendix A.
	OIDTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}
	// OIDSigningCertificateV2 is id-aa-signingCertificateV2, RFC 5035.
	OIDSigningCertificateV2 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 47}
)

// Attribute is a CMS attribute with the DER encoding of its values.
type Attribute struct {
	Type  asn1.ObjectIdentifier
	Value []byte
}

type SignerInfo struct {
	Certificate        *x509.Certificate
	SignedAttributes   []Attribute
	UnsignedAttributes []Attribute
	Algorithm          Algorithm
	Signature          []byte
}

// CMSSignature is a detached CMS SignedData over a document. The content
// and encoding are fixed at construction.
type CMSSignature struct {
	SignerInfo   SignerInfo
	Certificates []*x509.Certificate
	// DigestAlgorithm produced DocumentDigest, the digest of the signed
	// content recorded for compliance reporting.
	DigestAlgorithm crypto.Hash
	DocumentDigest  []byte
	SignedAt        time.Time
	KeyRef          KeyReference

	content []byte
	encoded []byte
}

// Content returns the signed document. It must not be modified.
func (s *CMSSignature) Content() []byte {
	return s.content
}

// Encoded returns the DER encoded SignedData. It must not be modified.
func (s *CMSSignature) Encoded() []byte {
	return s.encoded
}

// TimestampToken returns the embedded RFC 3161 token, if any.
func (s *CMSSignature) TimestampToken() []byte {
	for _, a := range s.SignerInfo.UnsignedAttributes {
		if a.Type.Equal(OIDTimeStampToken) {
			return a.Value
		}
	}
	return nil
}

// ParseCMSSignature decodes a detached signature over content. digest
// selects the document digest algorithm; zero means SHA-256.
func ParseCMSSignature(encoded, content []byte, digest crypto.Hash) (*CMSSignature, error) {
	if !digest.Available() {
		digest = crypto.SHA256
	}
	return newCMSSignature(encoded, content, digest)
}

func newCMSSignature(encoded, content []byte, digest crypto.Hash) (*CMSSignature, error) {
	p7, err := pkcs7.Parse(encoded)
	if err != nil {
		return nil, &Error{Code: InvalidSignature, Err: err}
	}
	if len(p7.Signers) != 1 {
		return nil, &Error{Code: InvalidSignature, Err: fmt.Errorf("expected one signer, found %d", len(p7.Signers))}
	}
	signer := p7.Signers[0]
	cert := p7.GetOnlySigner()
	if cert == nil {
		return nil, &Error{Code: InvalidSignature, Err: errors.New("signer certificate not embedded")}
	}

	h := digest.New()
	h.Write(content)

	sig := &CMSSignature{
		SignerInfo: SignerInfo{
			Certificate: cert,
			Signature:   signer.EncryptedDigest,
		},
		Certificates:    p7.Certificates,
		DigestAlgorithm: digest,
		DocumentDigest:  h.Sum(nil),
		content:         content,
		encoded:         encoded,
	}
	for _, a := range signer.AuthenticatedAttributes {
		sig.SignerInfo.SignedAttributes = append(sig.SignerInfo.SignedAttributes, Attribute{Type: a.Type, Value: a.Value.Bytes})
	}
	for _, a := range signer.UnauthenticatedAttributes {
		sig.SignerInfo.UnsignedAttributes = append(sig.SignerInfo.UnsignedAttributes, Attribute{Type: a.Type, Value: a.Value.Bytes})
	}

	if hash, ok := hashForOID(signer.DigestAlgorithm.Algorithm); ok {
		if alg, err := SelectAlgorithmForKey(cert.PublicKey); err == nil {
			sig.SignerInfo.Algorithm = withHash(alg, hash)
		}
	}

	var signingTime time.Time
	if err := p7.UnmarshalSignedAttribute(pkcs7.OIDAttributeSigningTime, &signingTime); err == nil {
		sig.SignedAt = signingTime
	}
	return sig, nil
}

// withHash returns the algorithm of the same key family using hash.
func withHash(alg Algorithm, hash crypto.Hash) Algorithm {
	for _, a := range []Algorithm{RSASHA256, RSASHA384, RSASHA512, ECDSASHA256, ECDSASHA384, ECDSASHA512} {
		if a.Key == alg.Key && a.Hash == hash {
			return a
		}
	}
	return alg
}

// signingCertificateAttribute builds the ESS signing-certificate-v2
// attribute binding the signer certificate to the signature.
func signingCertificateAttribute(cert *x509.Certificate, hash crypto.Hash) (*pkcs7.Attribute, error) {
	h := hash.New()
	h.Write(cert.Raw)

	var b cryptobyte.Builder
	b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // SigningCertificateV2
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // []ESSCertIDv2
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // ESSCertIDv2
				if hash != crypto.SHA256 { // default SHA-256
					b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) { // AlgorithmIdentifier
						b.AddASN1ObjectIdentifier(oidForHash(hash))
					})
				}
				b.AddASN1OctetString(h.Sum(nil)) // certHash
			})
		})
	})

	sse, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return &pkcs7.Attribute{
		Type:  OIDSigningCertificateV2,
		Value: asn1.RawValue{FullBytes: sse},
	}, nil
}

// essCertHash extracts the certificate hash of the first ESSCertIDv2.
func essCertHash(value []byte) (crypto.Hash, []byte, error) {
	input := cryptobyte.String(value)
	var signingCert, certs, certID cryptobyte.String
	if !input.ReadASN1(&signingCert, cryptobyte_asn1.SEQUENCE) ||
		!signingCert.ReadASN1(&certs, cryptobyte_asn1.SEQUENCE) ||
		!certs.ReadASN1(&certID, cryptobyte_asn1.SEQUENCE) {
		return 0, nil, errors.New("malformed signing certificate attribute")
	}

	hash := crypto.SHA256
	if certID.PeekASN1Tag(cryptobyte_asn1.SEQUENCE) {
		var algID cryptobyte.String
		var oid asn1.ObjectIdentifier
		if !certID.ReadASN1(&algID, cryptobyte_asn1.SEQUENCE) || !algID.ReadASN1ObjectIdentifier(&oid) {
			return 0, nil, errors.New("malformed ESSCertIDv2 hash algorithm")
		}
		h, ok := hashForOID(oid)
		if !ok {
			return 0, nil, fmt.Errorf("unsupported ESSCertIDv2 hash algorithm %v", oid)
		}
		hash = h
	}
	var certHash []byte
	if !certID.ReadASN1Bytes(&certHash, cryptobyte_asn1.OCTET_STRING) {
		return 0, nil, errors.New("malformed ESSCertIDv2 certificate hash")
	}
	return hash, certHash, nil
}

func asn1RawValue(der []byte) asn1.RawValue {
	return asn1.RawValue{FullBytes: der}
}
