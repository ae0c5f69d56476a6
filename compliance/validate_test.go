package compliance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitorus/sigtrust/auditlog"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func lifecycleTrail(t *testing.T, signatureID string, types ...auditlog.EventType) []auditlog.Event {
	t.Helper()
	if len(types) == 0 {
		types = auditlog.LifecycleTypes
	}
	inputs := make([]auditlog.Input, len(types))
	for i, typ := range types {
		inputs[i] = auditlog.Input{Type: typ}
	}
	trail, err := auditlog.Generate(signatureID, inputs)
	require.NoError(t, err)
	return trail
}

func compliantMetadata(t *testing.T, f Framework) *Metadata {
	t.Helper()
	rules := DefaultRules()
	return &Metadata{
		DocumentID:     "doc-1",
		SignatureID:    "sig-1",
		LegalFramework: f,
		SignerName:     "Ada Lovelace",
		SignerEmail:    "ada@example.com",
		SignatureTime:  testNow,
		SignerConsent: Consent{
			ConsentGiven: true,
			Method:       ConsentCheckbox,
			Timestamp:    testNow,
		},
		IdentityVerification: IdentityVerification{
			Method: VerifyIDDocument,
			Level:  LevelHigh,
		},
		DocumentIntegrity: DocumentIntegrity{
			HashAlgorithm:     "SHA-256",
			Hash:              "ab12",
			IntegrityVerified: true,
		},
		SignatureValidity: SignatureValidity{
			CryptographicValid: true,
			CertificateValid:   true,
		},
		AuditTrail: AuditTrailDescriptor{
			Required:                 true,
			Immutable:                true,
			CryptographicallySecured: true,
			RetentionYears:           rules.RetentionYears(f),
		},
		Certifications: rules.DefaultCertifications(f),
	}
}

var valid = Verdict{Valid: true}

func violationTypes(vs []Violation) []ViolationType {
	out := make([]ViolationType, len(vs))
	for i, v := range vs {
		out[i] = v.Type
	}
	return out
}

func TestEvaluateCompliant(t *testing.T) {
	tests := []struct {
		framework Framework
		level     Level
	}{
		{ESIGN, Advanced},
		{EIDAS, Qualified},
		{CFR21Part11, Advanced},
		{UETA, Advanced},
		{PIPEDA, Advanced},
		{CustomFramework, Advanced},
	}
	for _, tt := range tests {
		t.Run(string(tt.framework), func(t *testing.T) {
			md := compliantMetadata(t, tt.framework)
			res := evaluate(DefaultRules(), md, lifecycleTrail(t, "sig-1"), valid, valid, nil, testNow)

			assert.True(t, res.IsCompliant)
			assert.Empty(t, res.Violations)
			assert.Equal(t, tt.level, res.ComplianceLevel)
			assert.True(t, res.Checks.SignerConsent.Passed)
			assert.True(t, res.Checks.IdentityVerification.Passed)
			assert.True(t, res.Checks.DocumentIntegrity.Passed)
			assert.True(t, res.Checks.SignatureValidity.Passed)
			assert.True(t, res.Checks.AuditTrail.Passed)
			assert.Equal(t, 100.0, res.Checks.AuditTrail.Completeness)
			assert.True(t, res.Checks.AuditTrail.ChainValid)
			assert.Equal(t, 100, res.LegalAdmissibility.Confidence)
			assert.True(t, res.LegalAdmissibility.Admissible)
		})
	}
}

func TestEvaluateViolations(t *testing.T) {
	tests := []struct {
		name      string
		framework Framework
		mutate    func(md *Metadata)
		trail     func(t *testing.T) []auditlog.Event
		sig, cert *Verdict
		ts        *Verdict
		wantTypes []ViolationType
		wantLevel Level
	}{
		{
			name:      "consent not given",
			mutate:    func(md *Metadata) { md.SignerConsent.ConsentGiven = false },
			wantTypes: []ViolationType{ViolationConsent},
			wantLevel: Basic,
		},
		{
			name:      "implicit consent",
			mutate:    func(md *Metadata) { md.SignerConsent.Method = ConsentImplicit },
			wantTypes: []ViolationType{ViolationConsent},
			wantLevel: Basic,
		},
		{
			name:      "eidas with email verification",
			framework: EIDAS,
			mutate: func(md *Metadata) {
				md.IdentityVerification = IdentityVerification{Method: VerifyEmail, Level: LevelLow}
			},
			wantTypes: []ViolationType{ViolationIdentity},
			wantLevel: Standard,
		},
		{
			name:      "cfr with sms verification",
			framework: CFR21Part11,
			mutate: func(md *Metadata) {
				md.IdentityVerification = IdentityVerification{Method: VerifySMS, Level: LevelMedium}
			},
			wantTypes: []ViolationType{ViolationIdentity},
			wantLevel: Standard,
		},
		{
			name:      "tamper evidence",
			mutate:    func(md *Metadata) { md.DocumentIntegrity.TamperEvidence = true },
			wantTypes: []ViolationType{ViolationIntegrity},
			wantLevel: NonCompliant,
		},
		{
			name:      "integrity not verified",
			mutate:    func(md *Metadata) { md.DocumentIntegrity.IntegrityVerified = false },
			wantTypes: []ViolationType{ViolationIntegrity},
			wantLevel: NonCompliant,
		},
		{
			name:      "signature verdict invalid",
			sig:       &Verdict{Reasons: []string{"digest mismatch"}},
			wantTypes: []ViolationType{ViolationSignature},
			wantLevel: NonCompliant,
		},
		{
			name:      "metadata flags signature invalid",
			mutate:    func(md *Metadata) { md.SignatureValidity.CryptographicValid = false },
			wantTypes: []ViolationType{ViolationSignature},
			wantLevel: NonCompliant,
		},
		{
			name:      "certificate verdict invalid",
			cert:      &Verdict{Reasons: []string{"certificate revoked"}},
			wantTypes: []ViolationType{ViolationCertificate},
			wantLevel: NonCompliant,
		},
		{
			name: "timestamp flagged valid without verdict",
			mutate: func(md *Metadata) {
				md.SignatureValidity.HasTimestamp = true
				md.SignatureValidity.TimestampValid = true
			},
			wantTypes: []ViolationType{ViolationTimestamp},
			wantLevel: NonCompliant,
		},
		{
			name: "timestamp verdict invalid",
			mutate: func(md *Metadata) {
				md.SignatureValidity.HasTimestamp = true
				md.SignatureValidity.TimestampValid = true
			},
			ts:        &Verdict{Reasons: []string{"imprint mismatch"}},
			wantTypes: []ViolationType{ViolationTimestamp},
			wantLevel: NonCompliant,
		},
		{
			name:      "empty required trail",
			trail:     func(t *testing.T) []auditlog.Event { return nil },
			wantTypes: []ViolationType{ViolationAudit, ViolationAudit},
			wantLevel: Basic,
		},
		{
			name: "incomplete trail",
			trail: func(t *testing.T) []auditlog.Event {
				return lifecycleTrail(t, "sig-1", auditlog.DocumentPrepared, auditlog.SignatureApplied)
			},
			wantTypes: []ViolationType{ViolationAudit},
			wantLevel: Basic,
		},
		{
			name: "tampered trail",
			trail: func(t *testing.T) []auditlog.Event {
				trail := lifecycleTrail(t, "sig-1")
				trail[2].Details = map[string]string{"injected": "true"}
				return trail
			},
			wantTypes: []ViolationType{ViolationAudit},
			wantLevel: Basic,
		},
		{
			name: "everything wrong",
			mutate: func(md *Metadata) {
				md.SignerConsent.ConsentGiven = false
				md.DocumentIntegrity.TamperEvidence = true
			},
			sig:       &Verdict{},
			cert:      &Verdict{},
			wantTypes: []ViolationType{ViolationConsent, ViolationIntegrity, ViolationSignature, ViolationCertificate},
			wantLevel: NonCompliant,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framework := tt.framework
			if framework == "" {
				framework = ESIGN
			}
			md := compliantMetadata(t, framework)
			if tt.mutate != nil {
				tt.mutate(md)
			}
			trail := lifecycleTrail(t, "sig-1")
			if tt.trail != nil {
				trail = tt.trail(t)
			}
			sig, cert := valid, valid
			if tt.sig != nil {
				sig = *tt.sig
			}
			if tt.cert != nil {
				cert = *tt.cert
			}

			res := evaluate(DefaultRules(), md, trail, sig, cert, tt.ts, testNow)

			assert.False(t, res.IsCompliant)
			assert.Equal(t, tt.wantTypes, violationTypes(res.Violations))
			assert.Equal(t, tt.wantLevel, res.ComplianceLevel)
			assert.NotEqual(t, Qualified, res.ComplianceLevel)
			for _, v := range res.Violations {
				assert.NotEmpty(t, v.Description)
				assert.NotEmpty(t, v.Requirement)
				assert.NotEmpty(t, v.Remediation)
				assert.Equal(t, testNow, v.DetectedAt)
			}
		})
	}
}

func TestEvaluateConsentCheck(t *testing.T) {
	md := compliantMetadata(t, UETA)
	md.SignerConsent.ConsentGiven = false
	res := evaluate(DefaultRules(), md, lifecycleTrail(t, "sig-1"), valid, valid, nil, testNow)

	assert.False(t, res.Checks.SignerConsent.Passed)
	assert.Contains(t, violationTypes(res.Violations), ViolationConsent)
	assert.Equal(t, SeverityHigh, res.Violations[0].Severity)
}

func TestEvaluateEmptyTrail(t *testing.T) {
	md := compliantMetadata(t, ESIGN)
	res := evaluate(DefaultRules(), md, nil, valid, valid, nil, testNow)

	assert.Equal(t, 0.0, res.Checks.AuditTrail.Completeness)
	assert.False(t, res.Checks.AuditTrail.Passed)
	assert.Contains(t, violationTypes(res.Violations), ViolationAudit)

	md.AuditTrail.Required = false
	res = evaluate(DefaultRules(), md, nil, valid, valid, nil, testNow)
	assert.True(t, res.Checks.AuditTrail.Passed)
	assert.True(t, res.IsCompliant)
}

func TestEvaluateTimestampVerdict(t *testing.T) {
	md := compliantMetadata(t, ESIGN)
	md.SignatureValidity.HasTimestamp = true
	md.SignatureValidity.TimestampValid = true
	res := evaluate(DefaultRules(), md, lifecycleTrail(t, "sig-1"), valid, valid, &Verdict{Valid: true}, testNow)
	assert.True(t, res.IsCompliant)

	// A timestamp the metadata already flags invalid is not re-checked.
	md.SignatureValidity.TimestampValid = false
	res = evaluate(DefaultRules(), md, lifecycleTrail(t, "sig-1"), valid, valid, nil, testNow)
	assert.True(t, res.Checks.SignatureValidity.Passed)
}

func TestEvaluateDeterministic(t *testing.T) {
	md := compliantMetadata(t, EIDAS)
	md.SignerConsent.Method = ConsentImplicit
	md.IdentityVerification.Level = LevelLow
	trail := lifecycleTrail(t, "sig-1", auditlog.DocumentPrepared)
	cert := Verdict{Reasons: []string{"expired"}}

	first := evaluate(DefaultRules(), md, trail, valid, cert, nil, testNow)
	for i := 0; i < 5; i++ {
		again := evaluate(DefaultRules(), md, trail, valid, cert, nil, testNow)
		assert.Equal(t, first.IsCompliant, again.IsCompliant)
		assert.Equal(t, first.ComplianceLevel, again.ComplianceLevel)
		assert.Len(t, again.Violations, len(first.Violations))
	}
}

func TestDeriveLevel(t *testing.T) {
	v := func(sevs ...Severity) []Violation {
		out := make([]Violation, len(sevs))
		for i, s := range sevs {
			out[i] = Violation{Severity: s}
		}
		return out
	}
	tests := []struct {
		name       string
		framework  Framework
		violations []Violation
		want       Level
	}{
		{"none eidas", EIDAS, nil, Qualified},
		{"none esign", ESIGN, nil, Advanced},
		{"low", EIDAS, v(SeverityLow), Advanced},
		{"medium", ESIGN, v(SeverityLow, SeverityMedium), Standard},
		{"high", ESIGN, v(SeverityMedium, SeverityHigh), Basic},
		{"critical", EIDAS, v(SeverityHigh, SeverityCritical, SeverityLow), NonCompliant},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveLevel(tt.framework, tt.violations))
		})
	}
}

func TestAdmissibility(t *testing.T) {
	tests := []struct {
		name           string
		framework      Framework
		level          Level
		identity       VerificationLevel
		secured        bool
		wantConfidence int
		wantAdmissible bool
	}{
		{"non compliant", ESIGN, NonCompliant, LevelHigh, false, 10, false},
		{"non compliant with bonuses", ESIGN, NonCompliant, LevelVeryHigh, true, 30, false},
		{"basic", ESIGN, Basic, LevelHigh, false, 60, false},
		{"basic with secured trail", ESIGN, Basic, LevelHigh, true, 70, true},
		{"standard", ESIGN, Standard, LevelMedium, false, 100, true},
		{"eidas qualified", EIDAS, Qualified, LevelVeryHigh, true, 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := compliantMetadata(t, tt.framework)
			md.IdentityVerification.Level = tt.identity
			md.AuditTrail.Immutable = tt.secured
			md.AuditTrail.CryptographicallySecured = tt.secured

			a := admissibility(md, tt.level)
			assert.Equal(t, tt.wantConfidence, a.Confidence)
			assert.Equal(t, tt.wantAdmissible, a.Admissible)
			assert.LessOrEqual(t, a.Confidence, 100)
		})
	}
}
