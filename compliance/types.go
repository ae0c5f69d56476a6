package compliance

import (
	"fmt"
	"strings"
	"time"

	"github.com/digitorus/sigtrust/auditlog"
)

// Framework is a legal framework a signature is assessed against.
type Framework string

const (
	ESIGN        Framework = "ESIGN"
	EIDAS        Framework = "EIDAS"
	CFR21Part11  Framework = "CFR_21_PART_11"
	UETA         Framework = "UETA"
	PIPEDA       Framework = "PIPEDA"
	CustomFramework Framework = "CUSTOM"
)

// ParseFramework accepts the enum name in any letter case. "21CFR11" and
// "21_CFR_11" are accepted for CFR_21_PART_11.
func ParseFramework(s string) (Framework, error) {
	f := Framework(strings.ToUpper(strings.TrimSpace(s)))
	switch f {
	case ESIGN, EIDAS, CFR21Part11, UETA, PIPEDA, CustomFramework:
		return f, nil
	case "21CFR11", "21_CFR_11", "CFR_21_11":
		return CFR21Part11, nil
	}
	return "", fmt.Errorf("compliance: unknown legal framework %q", s)
}

type VerificationMethod string

const (
	VerifyEmail          VerificationMethod = "EMAIL"
	VerifySMS            VerificationMethod = "SMS"
	VerifyKnowledgeBased VerificationMethod = "KNOWLEDGE_BASED"
	VerifyIDDocument     VerificationMethod = "ID_DOCUMENT"
	VerifyBiometric      VerificationMethod = "BIOMETRIC"
	VerifyMultiFactor    VerificationMethod = "MULTI_FACTOR"
)

// VerificationLevel is ordered LOW < MEDIUM < HIGH < VERY_HIGH.
type VerificationLevel string

const (
	LevelLow      VerificationLevel = "LOW"
	LevelMedium   VerificationLevel = "MEDIUM"
	LevelHigh     VerificationLevel = "HIGH"
	LevelVeryHigh VerificationLevel = "VERY_HIGH"
)

func (l VerificationLevel) rank() int {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelVeryHigh:
		return 4
	}
	return 0
}

// AtLeast reports whether l is at or above min on the level scale.
func (l VerificationLevel) AtLeast(min VerificationLevel) bool {
	return l.rank() >= min.rank()
}

type ConsentMethod string

const (
	ConsentClickThrough ConsentMethod = "CLICK_THROUGH"
	ConsentCheckbox     ConsentMethod = "CHECKBOX"
	ConsentTypedName    ConsentMethod = "TYPED_NAME"
	ConsentWritten      ConsentMethod = "WRITTEN"
	ConsentImplicit     ConsentMethod = "IMPLICIT"
)

// Level is the derived compliance level of a signature.
type Level string

const (
	NonCompliant Level = "NON_COMPLIANT"
	Basic        Level = "BASIC"
	Standard     Level = "STANDARD"
	Advanced     Level = "ADVANCED"
	Qualified    Level = "QUALIFIED"
)

type ViolationType string

const (
	ViolationConsent     ViolationType = "CONSENT"
	ViolationIdentity    ViolationType = "IDENTITY"
	ViolationIntegrity   ViolationType = "INTEGRITY"
	ViolationSignature   ViolationType = "SIGNATURE"
	ViolationAudit       ViolationType = "AUDIT"
	ViolationCertificate ViolationType = "CERTIFICATE"
	ViolationTimestamp   ViolationType = "TIMESTAMP"
	ViolationFramework   ViolationType = "FRAMEWORK"
)

// Severity is ordered LOW < MEDIUM < HIGH < CRITICAL.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Violation describes one failed compliance requirement. Violations are
// results, not errors.
type Violation struct {
	Type        ViolationType `json:"type"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
	Requirement string        `json:"requirement"`
	Remediation string        `json:"remediation"`
	DetectedAt  time.Time     `json:"detectedAt"`
}

type Consent struct {
	ConsentGiven bool          `json:"consentGiven"`
	Method       ConsentMethod `json:"method"`
	Timestamp    time.Time     `json:"timestamp"`
	Evidence     string        `json:"evidence,omitempty"`
	IPAddress    string        `json:"ipAddress,omitempty"`
	UserAgent    string        `json:"userAgent,omitempty"`
	Location     string        `json:"location,omitempty"`
}

type IdentityVerification struct {
	Method     VerificationMethod `json:"method"`
	Level      VerificationLevel  `json:"level"`
	Provider   string             `json:"provider,omitempty"`
	VerifiedAt time.Time          `json:"verifiedAt"`
}

type DocumentIntegrity struct {
	HashAlgorithm     string `json:"hashAlgorithm"`
	Hash              string `json:"hash"`
	TamperEvidence    bool   `json:"tamperEvidence"`
	IntegrityVerified bool   `json:"integrityVerified"`
}

type SignatureValidity struct {
	CryptographicValid bool `json:"cryptographicValid"`
	CertificateValid   bool `json:"certificateValid"`
	HasTimestamp       bool `json:"hasTimestamp"`
	TimestampValid     bool `json:"timestampValid"`
}

// AuditTrailDescriptor describes the trail kept for the signature. Events
// is the trail as recorded when the metadata was collected.
type AuditTrailDescriptor struct {
	Required                 bool             `json:"required"`
	Immutable                bool             `json:"immutable"`
	CryptographicallySecured bool             `json:"cryptographicallySecured"`
	RetentionYears           int              `json:"retentionPeriod"`
	Events                   []auditlog.Event `json:"events"`
}

type Certification struct {
	Name      string `json:"name" yaml:"name"`
	Authority string `json:"authority,omitempty" yaml:"authority"`
	Standard  string `json:"standard,omitempty" yaml:"standard"`
}

type CertificateInfo struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serialNumber"`
	ValidFrom    time.Time `json:"validFrom"`
	ValidTo      time.Time `json:"validTo"`
	Fingerprint  string    `json:"fingerprint"`
}

// Metadata is the compliance record of one signature. It is created by
// CollectComplianceMetadata and not modified afterwards.
type Metadata struct {
	DocumentID           string               `json:"documentId"`
	SignatureID          string               `json:"signatureId"`
	LegalFramework       Framework            `json:"legalFramework"`
	SignerName           string               `json:"signerName"`
	SignerEmail          string               `json:"signerEmail"`
	SignatureTime        time.Time            `json:"signatureTime"`
	SignatureMethod      string               `json:"signatureMethod"`
	Certificate          *CertificateInfo     `json:"certificate,omitempty"`
	SignerConsent        Consent              `json:"signerConsent"`
	IdentityVerification IdentityVerification `json:"identityVerification"`
	DocumentIntegrity    DocumentIntegrity    `json:"documentIntegrity"`
	SignatureValidity    SignatureValidity    `json:"signatureValidity"`
	AuditTrail           AuditTrailDescriptor `json:"auditTrail"`
	Certifications       []Certification      `json:"certifications"`
	CustomFields         map[string]string    `json:"customFields,omitempty"`
	CollectedAt          time.Time            `json:"collectedAt"`
}

// SignerInfo is what the signing pipeline knows about the signer.
type SignerInfo struct {
	Name                 string
	Email                string
	UserID               string
	IPAddress            string
	UserAgent            string
	Location             string
	// ConsentMethod defaults to IMPLICIT, which does not satisfy the
	// consent check.
	ConsentMethod        ConsentMethod
	ConsentEvidence      string
	ConsentAt            time.Time
	VerificationMethod   VerificationMethod
	VerificationProvider string
	VerifiedAt           time.Time
}

// SignatureData is what the signing pipeline knows about the signature.
type SignatureData struct {
	DocumentHash       string
	HashAlgorithm      string
	TamperEvidence     bool
	IntegrityVerified  bool
	CryptographicValid bool
	CertificateValid   bool
	HasTimestamp       bool
	TimestampValid     bool
	SignedAt           time.Time
	SignatureMethod    string
	Certificate        *CertificateInfo
}

type CollectOptions struct {
	LegalFramework Framework
	// AuditOptional drops the audit trail requirement.
	AuditOptional  bool
	Certifications []Certification
	CustomFields   map[string]string
}

// Verdict is the outcome of an independent validation step.
type Verdict struct {
	Valid   bool
	Reasons []string
}
