package hsm

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
	"go.uber.org/zap"

	"github.com/digitorus/sigtrust/certstore"
)

// Issue codes reported in SignatureValidationResult.
const (
	CodeMalformed          = "SIGNATURE_MALFORMED"
	CodeDigestMismatch     = "DIGEST_MISMATCH"
	CodeSignatureInvalid   = "SIGNATURE_INVALID"
	CodeSigningCertificate = "SIGNING_CERTIFICATE_MISMATCH"
	CodeTimestampInvalid   = "TIMESTAMP_INVALID"
	CodeTimestampMissing   = "TIMESTAMP_MISSING"
	CodeTimestampUntrusted = "TIMESTAMP_UNTRUSTED"
)

// SignatureValidationResult aggregates the cryptographic, certificate and
// timestamp verdicts of a CMS signature.
type SignatureValidationResult struct {
	IsValid          bool
	SignatureValid   bool
	CertificateValid bool
	TimestampValid   bool
	HasTimestamp     bool

	Signer        *certstore.Certificate
	Chain         *certstore.ChainValidationResult
	SignedAt      time.Time
	TimestampTime time.Time

	Errors      []certstore.ValidationIssue
	Warnings    []certstore.ValidationIssue
	ValidatedAt time.Time
}

func (r *SignatureValidationResult) addError(code, format string, args ...any) {
	r.Errors = append(r.Errors, certstore.ValidationIssue{Code: code, Message: fmt.Sprintf(format, args...)})
}

func (r *SignatureValidationResult) addWarning(code, format string, args ...any) {
	r.Warnings = append(r.Warnings, certstore.ValidationIssue{Code: code, Message: fmt.Sprintf(format, args...)})
}

// ValidateHSMSignature verifies sig independently of how it was produced.
// Verification failures are reported in the result; an error is returned
// only for nil input and context cancellation.
func (g *Gateway) ValidateHSMSignature(ctx context.Context, sig *CMSSignature) (*SignatureValidationResult, error) {
	if sig == nil || len(sig.Encoded()) == 0 {
		return nil, &Error{Code: InvalidRequest, Err: errors.New("signature is empty")}
	}
	result := &SignatureValidationResult{ValidatedAt: g.now()}

	p7, err := pkcs7.Parse(sig.Encoded())
	if err != nil {
		result.addError(CodeMalformed, "cannot parse signature: %v", err)
		return result, nil
	}
	p7.Content = sig.Content()
	signer := p7.GetOnlySigner()
	if signer == nil {
		result.addError(CodeMalformed, "signature must carry exactly one signer with its certificate")
		return result, nil
	}
	si := p7.Signers[0]

	result.SignatureValid = g.verifyDigest(p7, si.DigestAlgorithm.Algorithm, sig.Content(), result)
	if result.SignatureValid {
		if err := p7.Verify(); err != nil {
			result.SignatureValid = false
			var mismatch *pkcs7.MessageDigestMismatchError
			if errors.As(err, &mismatch) {
				result.addError(CodeDigestMismatch, "document digest does not match signed digest")
			} else {
				result.addError(CodeSignatureInvalid, "signature verification failed: %v", err)
			}
		}
	}
	checkSigningCertificate(p7, signer, result)

	var signingTime time.Time
	if err := p7.UnmarshalSignedAttribute(pkcs7.OIDAttributeSigningTime, &signingTime); err == nil {
		result.SignedAt = signingTime
	}

	if err := g.validateSignerChain(ctx, p7, signer, result); err != nil {
		return nil, err
	}

	g.validateTimestamp(si.EncryptedDigest, unsignedTimestamp(p7), result)

	result.IsValid = result.SignatureValid && result.CertificateValid &&
		(result.TimestampValid || !result.HasTimestamp) && len(result.Errors) == 0

	g.logger.Debug("validated signature",
		zap.String("signer", signer.Subject.String()),
		zap.Bool("valid", result.IsValid),
		zap.Bool("timestamped", result.HasTimestamp),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// verifyDigest recomputes the digest of content and compares it with the
// message-digest attribute.
func (g *Gateway) verifyDigest(p7 *pkcs7.PKCS7, digestOID asn1.ObjectIdentifier, content []byte, result *SignatureValidationResult) bool {
	hash, ok := hashForOID(digestOID)
	if !ok {
		result.addError(CodeSignatureInvalid, "unsupported digest algorithm %v", digestOID)
		return false
	}
	var signed []byte
	if err := p7.UnmarshalSignedAttribute(pkcs7.OIDAttributeMessageDigest, &signed); err != nil {
		result.addError(CodeMalformed, "message digest attribute missing: %v", err)
		return false
	}
	if !bytes.Equal(signed, hashOf(hash, content)) {
		result.addError(CodeDigestMismatch, "document digest does not match signed digest")
		return false
	}
	return true
}

// checkSigningCertificate compares the ESS signing certificate attribute,
// when present, with the embedded signer certificate.
func checkSigningCertificate(p7 *pkcs7.PKCS7, signer *x509.Certificate, result *SignatureValidationResult) {
	for _, a := range p7.Signers[0].AuthenticatedAttributes {
		if !a.Type.Equal(OIDSigningCertificateV2) {
			continue
		}
		hash, certHash, err := essCertHash(a.Value.Bytes)
		if err != nil {
			result.addError(CodeSigningCertificate, "%v", err)
			return
		}
		if !bytes.Equal(certHash, hashOf(hash, signer.Raw)) {
			result.addError(CodeSigningCertificate, "signing certificate attribute does not match signer certificate")
		}
		return
	}
}

func (g *Gateway) validateSignerChain(ctx context.Context, p7 *pkcs7.PKCS7, signer *x509.Certificate, result *SignatureValidationResult) error {
	leaf, err := certstore.FromX509(signer)
	if err != nil {
		result.addError(CodeMalformed, "signer certificate: %v", err)
		return nil
	}
	result.Signer = leaf

	certs := []*certstore.Certificate{leaf}
	for _, c := range p7.Certificates {
		if bytes.Equal(c.Raw, signer.Raw) {
			continue
		}
		wrapped, err := certstore.FromX509(c)
		if err != nil {
			result.addWarning(CodeMalformed, "skipping embedded certificate: %v", err)
			continue
		}
		certs = append(certs, wrapped)
	}

	chain, err := g.store.ValidateChain(ctx, certs)
	if err != nil {
		return err
	}
	result.Chain = chain
	result.CertificateValid = chain.IsValid
	result.Errors = append(result.Errors, chain.Errors...)
	result.Warnings = append(result.Warnings, chain.Warnings...)
	return nil
}

func unsignedTimestamp(p7 *pkcs7.PKCS7) []byte {
	for _, a := range p7.Signers[0].UnauthenticatedAttributes {
		if a.Type.Equal(OIDTimeStampToken) {
			return a.Value.Bytes
		}
	}
	return nil
}

// validateTimestamp checks that token is a valid RFC 3161 token over the
// signature value. A missing token is only a warning.
func (g *Gateway) validateTimestamp(signature, token []byte, result *SignatureValidationResult) {
	if token == nil {
		result.addWarning(CodeTimestampMissing, "signature carries no timestamp")
		return
	}
	result.HasTimestamp = true

	ts, err := timestamp.Parse(token)
	if err != nil {
		result.addError(CodeTimestampInvalid, "cannot parse timestamp: %v", err)
		return
	}
	if err := checkImprint(ts, signature); err != nil {
		result.addError(CodeTimestampInvalid, "%v", err)
		return
	}
	result.TimestampValid = true
	result.TimestampTime = ts.Time

	if !result.SignedAt.IsZero() && ts.Time.Before(result.SignedAt.Add(-5*time.Minute)) {
		result.addWarning(CodeTimestampInvalid, "timestamp %s precedes signing time %s",
			ts.Time.Format(time.RFC3339), result.SignedAt.Format(time.RFC3339))
	}

	if len(ts.Certificates) == 0 {
		result.addWarning(CodeTimestampUntrusted, "timestamp carries no TSA certificate")
		return
	}
	tsaCert := ts.Certificates[0]
	for _, c := range ts.Certificates {
		for _, eku := range c.ExtKeyUsage {
			if eku == x509.ExtKeyUsageTimeStamping {
				tsaCert = c
			}
		}
	}
	tsa, err := certstore.FromX509(tsaCert)
	if err != nil || !g.store.ValidateAgainstTrustedRoots(tsa) {
		result.addWarning(CodeTimestampUntrusted, "TSA certificate does not chain to a trusted root")
	}
}
