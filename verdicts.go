package sigtrust

import (
	"github.com/digitorus/sigtrust/certstore"
	"github.com/digitorus/sigtrust/compliance"
	"github.com/digitorus/sigtrust/hsm"
)

// Verdicts splits a signature validation result into the independent
// verdicts the compliance engine checks metadata against. ts is nil when
// the signature carries no timestamp.
func Verdicts(r *hsm.SignatureValidationResult) (sig, cert compliance.Verdict, ts *compliance.Verdict) {
	if r == nil {
		return compliance.Verdict{Reasons: []string{"no validation result"}},
			compliance.Verdict{Reasons: []string{"no validation result"}}, nil
	}
	sig.Valid = r.SignatureValid
	cert.Valid = r.CertificateValid

	chainIssues := make(map[certstore.ValidationIssue]bool)
	if r.Chain != nil {
		for _, e := range r.Chain.Errors {
			chainIssues[e] = true
			cert.Reasons = append(cert.Reasons, e.String())
		}
	}
	var tsReasons []string
	for _, e := range r.Errors {
		switch {
		case chainIssues[e]:
		case e.Code == hsm.CodeTimestampInvalid || e.Code == hsm.CodeTimestampUntrusted:
			tsReasons = append(tsReasons, e.String())
		default:
			sig.Reasons = append(sig.Reasons, e.String())
		}
	}
	if r.HasTimestamp {
		ts = &compliance.Verdict{Valid: r.TimestampValid, Reasons: tsReasons}
	}
	return sig, cert, ts
}

// CertificateInfo summarizes c for compliance metadata.
func CertificateInfo(c *certstore.Certificate) *compliance.CertificateInfo {
	if c == nil {
		return nil
	}
	return &compliance.CertificateInfo{
		Subject:      c.Subject,
		Issuer:       c.Issuer,
		SerialNumber: c.SerialNumber,
		ValidFrom:    c.NotBefore,
		ValidTo:      c.NotAfter,
		Fingerprint:  c.Fingerprint,
	}
}
