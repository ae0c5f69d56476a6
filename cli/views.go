package cli

import (
	"time"

	"github.com/digitorus/sigtrust/certstore"
	"github.com/digitorus/sigtrust/hsm"
)

type certificateView struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serialNumber"`
	NotBefore    time.Time `json:"notBefore"`
	NotAfter     time.Time `json:"notAfter"`
	Fingerprint  string    `json:"fingerprint"`
}

func newCertificateView(c *certstore.Certificate) *certificateView {
	if c == nil {
		return nil
	}
	return &certificateView{
		Subject:      c.Subject,
		Issuer:       c.Issuer,
		SerialNumber: c.SerialNumber,
		NotBefore:    c.NotBefore,
		NotAfter:     c.NotAfter,
		Fingerprint:  c.Fingerprint,
	}
}

type revocationView struct {
	Revoked   bool      `json:"revoked"`
	Method    string    `json:"method"`
	Reason    string    `json:"reason,omitempty"`
	RevokedAt time.Time `json:"revokedAt"`
	Source    string    `json:"source,omitempty"`
	CheckedAt time.Time `json:"checkedAt"`
}

type chainView struct {
	Valid       bool                        `json:"valid"`
	ChainValid  bool                        `json:"chainValid"`
	NotExpired  bool                        `json:"notExpired"`
	NotRevoked  bool                        `json:"notRevoked"`
	TrustedRoot bool                        `json:"trustedRoot"`
	Chain       []*certificateView          `json:"chain"`
	Revocation  *revocationView             `json:"revocation,omitempty"`
	Errors      []certstore.ValidationIssue `json:"errors,omitempty"`
	Warnings    []certstore.ValidationIssue `json:"warnings,omitempty"`
	ValidatedAt time.Time                   `json:"validatedAt"`
}

func newChainView(r *certstore.ChainValidationResult) *chainView {
	if r == nil {
		return nil
	}
	v := &chainView{
		Valid:       r.IsValid,
		ChainValid:  r.ChainValid,
		NotExpired:  r.NotExpired,
		NotRevoked:  r.NotRevoked,
		TrustedRoot: r.TrustedRoot,
		Errors:      r.Errors,
		Warnings:    r.Warnings,
		ValidatedAt: r.ValidatedAt,
	}
	for _, c := range r.Chain {
		v.Chain = append(v.Chain, newCertificateView(c))
	}
	if s := r.Revocation; s != nil {
		v.Revocation = &revocationView{
			Revoked:   s.IsRevoked,
			Method:    string(s.Method),
			Reason:    s.Reason,
			RevokedAt: s.RevokedAt,
			Source:    s.Source,
			CheckedAt: s.CheckedAt,
		}
	}
	return v
}

type signatureView struct {
	Valid            bool                        `json:"valid"`
	SignatureValid   bool                        `json:"signatureValid"`
	CertificateValid bool                        `json:"certificateValid"`
	HasTimestamp     bool                        `json:"hasTimestamp"`
	TimestampValid   bool                        `json:"timestampValid"`
	Signer           *certificateView            `json:"signer,omitempty"`
	SignedAt         time.Time                   `json:"signedAt"`
	TimestampTime    time.Time                   `json:"timestampTime"`
	Chain            *chainView                  `json:"chain,omitempty"`
	Errors           []certstore.ValidationIssue `json:"errors,omitempty"`
	Warnings         []certstore.ValidationIssue `json:"warnings,omitempty"`
	ValidatedAt      time.Time                   `json:"validatedAt"`
}

func newSignatureView(r *hsm.SignatureValidationResult) *signatureView {
	return &signatureView{
		Valid:            r.IsValid,
		SignatureValid:   r.SignatureValid,
		CertificateValid: r.CertificateValid,
		HasTimestamp:     r.HasTimestamp,
		TimestampValid:   r.TimestampValid,
		Signer:           newCertificateView(r.Signer),
		SignedAt:         r.SignedAt,
		TimestampTime:    r.TimestampTime,
		Chain:            newChainView(r.Chain),
		Errors:           r.Errors,
		Warnings:         r.Warnings,
		ValidatedAt:      r.ValidatedAt,
	}
}
