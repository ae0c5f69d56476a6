package sigtrust

import (
	"crypto/x509"

	"github.com/digitorus/sigtrust/compliance"
	"github.com/digitorus/sigtrust/hsm"
)

// Result is the outcome of one signing workflow.
type Result struct {
	DocumentID  string
	SignatureID string

	Signature  *hsm.CMSSignature
	Validation *hsm.SignatureValidationResult
	Metadata   *compliance.Metadata
	Compliance *compliance.ValidationResult
	Report     *compliance.Report
}

// SignBuilder stages a signing workflow. Nothing happens until Execute.
type SignBuilder struct {
	svc *Service

	documentID  string
	signatureID string
	document    []byte
	keyRef      hsm.KeyReference
	cert        *x509.Certificate
	providerCfg *hsm.ProviderConfig

	signer  compliance.SignerInfo
	collect compliance.CollectOptions
	report  compliance.ReportOptions
}

// Sign stages the signing of document with the provider key keyRef, whose
// certificate is cert.
func (s *Service) Sign(documentID string, document []byte, keyRef hsm.KeyReference, cert *x509.Certificate) *SignBuilder {
	return &SignBuilder{
		svc:        s,
		documentID: documentID,
		document:   document,
		keyRef:     keyRef,
		cert:       cert,
	}
}

// SignatureID sets the signature id. A random UUID is used by default.
func (b *SignBuilder) SignatureID(id string) *SignBuilder {
	b.signatureID = id
	return b
}

// Signer records who signs and how consent and identity were obtained.
func (b *SignBuilder) Signer(info compliance.SignerInfo) *SignBuilder {
	b.signer = info
	return b
}

// Framework selects the legal framework the signature is assessed against.
func (b *SignBuilder) Framework(f compliance.Framework) *SignBuilder {
	b.collect.LegalFramework = f
	return b
}

// ProviderConfig (re)initializes the provider before signing when needed.
func (b *SignBuilder) ProviderConfig(cfg hsm.ProviderConfig) *SignBuilder {
	b.providerCfg = &cfg
	return b
}

// AuditOptional drops the audit trail requirement from the compliance
// assessment.
func (b *SignBuilder) AuditOptional() *SignBuilder {
	b.collect.AuditOptional = true
	return b
}

func (b *SignBuilder) Certification(c compliance.Certification) *SignBuilder {
	b.collect.Certifications = append(b.collect.Certifications, c)
	return b
}

func (b *SignBuilder) CustomField(key, value string) *SignBuilder {
	if b.collect.CustomFields == nil {
		b.collect.CustomFields = make(map[string]string)
	}
	b.collect.CustomFields[key] = value
	return b
}

// Title sets the document title shown in the report.
func (b *SignBuilder) Title(title string) *SignBuilder {
	b.report.Document.Title = title
	return b
}

// PageCount sets the document page count shown in the report.
func (b *SignBuilder) PageCount(n int) *SignBuilder {
	b.report.Document.PageCount = n
	return b
}

func (b *SignBuilder) Attachment(a compliance.Attachment) *SignBuilder {
	b.report.Attachments = append(b.report.Attachments, a)
	return b
}

// TrustServiceProvider names the trust service provider reported for
// eIDAS signatures.
func (b *SignBuilder) TrustServiceProvider(name string) *SignBuilder {
	b.report.TrustServiceProvider = name
	return b
}
