package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/digitorus/sigtrust/auditlog"
)

// MinCompleteness is the audit trail completeness, in percent, below
// which the audit check fails.
const MinCompleteness = 90.0

// AdmissibilityThreshold is the confidence at which a signature is
// considered legally admissible.
const AdmissibilityThreshold = 70

type CheckResult struct {
	Passed      bool   `json:"passed"`
	Requirement string `json:"requirement"`
	Details     string `json:"details,omitempty"`
}

type AuditCheckResult struct {
	CheckResult
	Completeness float64 `json:"completeness"`
	ChainValid   bool    `json:"chainValid"`
	EventCount   int     `json:"eventCount"`
}

type Checks struct {
	SignerConsent        CheckResult      `json:"signerConsent"`
	IdentityVerification CheckResult      `json:"identityVerification"`
	DocumentIntegrity    CheckResult      `json:"documentIntegrity"`
	SignatureValidity    CheckResult      `json:"signatureValidity"`
	AuditTrail           AuditCheckResult `json:"auditTrail"`
}

type Admissibility struct {
	Admissible bool     `json:"admissible"`
	Confidence int      `json:"confidence"`
	Factors    []string `json:"factors"`
}

// ValidationResult is the outcome of ValidateSignatureCompliance. A
// non-compliant signature is a valid result, not an error.
type ValidationResult struct {
	SignatureID        string        `json:"signatureId"`
	LegalFramework     Framework     `json:"legalFramework"`
	IsCompliant        bool          `json:"isCompliant"`
	ComplianceLevel    Level         `json:"complianceLevel"`
	Checks             Checks        `json:"checks"`
	Violations         []Violation   `json:"violations"`
	LegalAdmissibility Admissibility `json:"legalAdmissibility"`
	ValidatedAt        time.Time     `json:"validatedAt"`

	// Trail is the audit trail the result was computed from.
	Trail []auditlog.Event `json:"-"`
}

// ValidateSignatureCompliance checks md against its legal framework using
// the independent signature, certificate and optional timestamp verdicts.
// The stored audit trail of the signature is re-verified. Validation may
// be repeated; no further audit events are accepted afterwards.
func (e *Engine) ValidateSignatureCompliance(ctx context.Context, md *Metadata, sig, cert Verdict, ts *Verdict) (*ValidationResult, error) {
	if md == nil {
		return nil, errors.New("compliance: metadata is required")
	}
	const op = "validate"
	if err := e.require(md.SignatureID, op, StateMetadataCollected, StateValidated, StateReported); err != nil {
		return nil, err
	}
	trail, err := e.audit.Trail(ctx, md.SignatureID)
	if err != nil {
		return nil, fmt.Errorf("compliance: load audit trail: %w", err)
	}
	if len(trail) == 0 {
		trail = md.AuditTrail.Events
	}

	res := evaluate(e.rules, md, trail, sig, cert, ts, e.now().UTC())

	if err := e.advance(md.SignatureID, op, StateValidated, StateMetadataCollected, StateValidated, StateReported); err != nil {
		return nil, err
	}
	e.metrics.ComplianceValidated(string(res.LegalFramework), string(res.ComplianceLevel))
	e.logger.Info("signature compliance validated",
		zap.String("signature_id", md.SignatureID),
		zap.String("framework", string(res.LegalFramework)),
		zap.String("level", string(res.ComplianceLevel)),
		zap.Int("violations", len(res.Violations)),
		zap.Int("confidence", res.LegalAdmissibility.Confidence))
	return res, nil
}

// evaluate is the pure part of validation.
func evaluate(rules *Rules, md *Metadata, trail []auditlog.Event, sig, cert Verdict, ts *Verdict, now time.Time) *ValidationResult {
	fr := rules.Framework(md.LegalFramework)
	v := &validator{now: now, violations: []Violation{}}

	res := &ValidationResult{
		SignatureID:    md.SignatureID,
		LegalFramework: md.LegalFramework,
		ValidatedAt:    now,
		Trail:          trail,
	}
	res.Checks.SignerConsent = v.consent(md, fr.Requirements.Consent)
	res.Checks.IdentityVerification = v.identity(md, fr)
	res.Checks.DocumentIntegrity = v.integrity(md, fr.Requirements.Integrity)
	res.Checks.SignatureValidity = v.signature(md, fr.Requirements.Signature, sig, cert, ts)
	res.Checks.AuditTrail = v.audit(md, fr.Requirements.Audit, trail)

	res.Violations = v.violations
	res.IsCompliant = len(v.violations) == 0
	res.ComplianceLevel = deriveLevel(md.LegalFramework, v.violations)
	res.LegalAdmissibility = admissibility(md, res.ComplianceLevel)
	return res
}

type validator struct {
	now        time.Time
	violations []Violation
}

func (v *validator) add(t ViolationType, sev Severity, requirement, description, remediation string) {
	v.violations = append(v.violations, Violation{
		Type:        t,
		Severity:    sev,
		Description: description,
		Requirement: requirement,
		Remediation: remediation,
		DetectedAt:  v.now,
	})
}

func (v *validator) consent(md *Metadata, req string) CheckResult {
	c := md.SignerConsent
	switch {
	case !c.ConsentGiven:
		v.add(ViolationConsent, SeverityHigh, req,
			"Signer consent was not given",
			"Obtain explicit signer consent before signing")
		return CheckResult{Requirement: req, Details: "consent not given"}
	case c.Method == ConsentImplicit:
		v.add(ViolationConsent, SeverityHigh, req,
			"Signer consent was only implied",
			"Capture consent with an explicit action such as a checkbox or typed name")
		return CheckResult{Requirement: req, Details: "implicit consent"}
	}
	return CheckResult{Passed: true, Requirement: req, Details: string(c.Method)}
}

func (v *validator) identity(md *Metadata, fr FrameworkRules) CheckResult {
	req := fr.Requirements.Identity
	got := md.IdentityVerification.Level
	details := fmt.Sprintf("level %s, required %s", got, fr.RequiredLevel)
	if !got.AtLeast(fr.RequiredLevel) {
		v.add(ViolationIdentity, SeverityMedium, req,
			fmt.Sprintf("Identity verification level %s is below the required %s", got, fr.RequiredLevel),
			fmt.Sprintf("Verify the signer with a method rated %s or higher", fr.RequiredLevel))
		return CheckResult{Requirement: req, Details: details}
	}
	return CheckResult{Passed: true, Requirement: req, Details: details}
}

func (v *validator) integrity(md *Metadata, req string) CheckResult {
	di := md.DocumentIntegrity
	var problems []string
	if di.TamperEvidence {
		problems = append(problems, "tamper evidence detected")
		v.add(ViolationIntegrity, SeverityCritical, req,
			"The document shows evidence of tampering",
			"Re-issue the document from a trusted source and sign it again")
	}
	if !di.IntegrityVerified {
		problems = append(problems, "integrity not verified")
		v.add(ViolationIntegrity, SeverityCritical, req,
			"Document integrity was not verified",
			fmt.Sprintf("Verify the %s digest of the document before signing", di.HashAlgorithm))
	}
	if len(problems) > 0 {
		return CheckResult{Requirement: req, Details: strings.Join(problems, "; ")}
	}
	return CheckResult{Passed: true, Requirement: req, Details: di.HashAlgorithm}
}

// signature fails an aspect unless both the metadata and the supplied
// verdict report it valid.
func (v *validator) signature(md *Metadata, req string, sig, cert Verdict, ts *Verdict) CheckResult {
	sv := md.SignatureValidity
	var problems []string
	if !sv.CryptographicValid || !sig.Valid {
		problems = append(problems, "signature")
		v.add(ViolationSignature, SeverityCritical, req,
			describe("The cryptographic signature is not valid", sig.Reasons),
			"Re-sign the document with a valid signing key")
	}
	if !sv.CertificateValid || !cert.Valid {
		problems = append(problems, "certificate")
		v.add(ViolationCertificate, SeverityCritical, req,
			describe("The signing certificate is not valid", cert.Reasons),
			"Sign with a certificate that chains to a trusted root and is not revoked")
	}
	if sv.HasTimestamp && sv.TimestampValid && (ts == nil || !ts.Valid) {
		problems = append(problems, "timestamp")
		var reasons []string
		if ts == nil {
			reasons = []string{"no timestamp verdict supplied"}
		} else {
			reasons = ts.Reasons
		}
		v.add(ViolationTimestamp, SeverityCritical, req,
			describe("The signature timestamp could not be confirmed", reasons),
			"Obtain a new RFC 3161 timestamp from a trusted authority")
	}
	if len(problems) > 0 {
		return CheckResult{Requirement: req, Details: "invalid: " + strings.Join(problems, ", ")}
	}
	return CheckResult{Passed: true, Requirement: req}
}

func describe(msg string, reasons []string) string {
	if len(reasons) == 0 {
		return msg
	}
	return msg + ": " + strings.Join(reasons, "; ")
}

func (v *validator) audit(md *Metadata, req string, trail []auditlog.Event) AuditCheckResult {
	res := AuditCheckResult{
		CheckResult:  CheckResult{Requirement: req},
		Completeness: auditlog.Completeness(trail),
		EventCount:   len(trail),
	}
	chainErr := auditlog.Verify(trail)
	res.ChainValid = chainErr == nil

	if !md.AuditTrail.Required && len(trail) == 0 {
		res.Passed = true
		res.Details = "audit trail not required"
		return res
	}

	var problems []string
	if len(trail) == 0 {
		problems = append(problems, "empty")
		v.add(ViolationAudit, SeverityHigh, req,
			"The required audit trail is empty",
			"Record the signing lifecycle events for this signature")
	}
	if res.Completeness < MinCompleteness {
		problems = append(problems, fmt.Sprintf("%.0f%% complete", res.Completeness))
		v.add(ViolationAudit, SeverityHigh, req,
			fmt.Sprintf("The audit trail is %.0f%% complete, below %.0f%%", res.Completeness, MinCompleteness),
			"Record the document prepared, signature requested, signature applied and document completed events")
	}
	if chainErr != nil {
		problems = append(problems, "hash chain broken")
		v.add(ViolationAudit, SeverityHigh, req,
			fmt.Sprintf("The audit trail hash chain failed verification: %v", chainErr),
			"Investigate the audit store for tampering and restore the trail from a trusted copy")
	}
	if len(problems) > 0 {
		res.Details = strings.Join(problems, "; ")
		return res
	}
	res.Passed = true
	return res
}

func deriveLevel(f Framework, violations []Violation) Level {
	worst := 0
	for _, v := range violations {
		if r := v.Severity.Rank(); r > worst {
			worst = r
		}
	}
	switch worst {
	case SeverityCritical.Rank():
		return NonCompliant
	case SeverityHigh.Rank():
		return Basic
	case SeverityMedium.Rank():
		return Standard
	case SeverityLow.Rank():
		return Advanced
	}
	if f == EIDAS {
		return Qualified
	}
	return Advanced
}

// admissibility caps the confidence by compliance level, then applies the
// bonuses. Every step stays within 0..100.
func admissibility(md *Metadata, level Level) Admissibility {
	a := Admissibility{Confidence: 100, Factors: []string{}}
	switch level {
	case NonCompliant:
		a.Confidence = min(a.Confidence, 10)
		a.Factors = append(a.Factors, "non-compliant signature limits confidence to 10")
	case Basic:
		a.Confidence = min(a.Confidence, 60)
		a.Factors = append(a.Factors, "basic compliance limits confidence to 60")
	}
	if md.LegalFramework == EIDAS && level == Qualified {
		a.Confidence = min(a.Confidence+20, 100)
		a.Factors = append(a.Factors, "qualified electronic signature under eIDAS")
	}
	if md.IdentityVerification.Level == LevelVeryHigh {
		a.Confidence = min(a.Confidence+10, 100)
		a.Factors = append(a.Factors, "very high identity verification")
	}
	if md.AuditTrail.Immutable && md.AuditTrail.CryptographicallySecured {
		a.Confidence = min(a.Confidence+10, 100)
		a.Factors = append(a.Factors, "immutable cryptographically secured audit trail")
	}
	a.Admissible = a.Confidence >= AdmissibilityThreshold
	return a
}
