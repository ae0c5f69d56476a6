package compliance

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validatedSignature(t *testing.T, e *Engine, framework Framework) (*Metadata, *ValidationResult) {
	t.Helper()
	ctx := context.Background()
	md, err := e.CollectComplianceMetadata(ctx, "doc-1", "sig-1", testSigner(), testSignatureData(),
		CollectOptions{LegalFramework: framework})
	require.NoError(t, err)
	recordLifecycle(t, e, "sig-1")
	res, err := e.ValidateSignatureCompliance(ctx, md, valid, valid, nil)
	require.NoError(t, err)
	return md, res
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestReportJSONFields(t *testing.T) {
	e := newTestEngine(t)
	md, res := validatedSignature(t, e, ESIGN)

	report, err := e.GenerateComplianceReport(context.Background(), "doc-1", "sig-1", md, res, ReportOptions{
		Document:    DocumentInfo{Title: "Lease agreement", PageCount: 3},
		Attachments: []Attachment{{Name: "id.png", ContentType: "image/png", Size: 1024}},
	})
	require.NoError(t, err)

	data, err := report.JSON()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))

	for _, k := range []string{
		"reportId", "documentId", "signatureId", "generatedAt", "generatedBy",
		"document", "signature", "compliance", "auditTrail", "frameworkSpecific", "attachments",
	} {
		assert.Contains(t, doc, k)
	}
	assert.Equal(t, "sigtrust-test", doc["generatedBy"])

	document := doc["document"].(map[string]any)
	assert.Equal(t, []string{"completedAt", "createdAt", "hash", "pageCount", "title"}, keys(document))
	assert.Equal(t, md.DocumentIntegrity.Hash, document["hash"])

	signature := doc["signature"].(map[string]any)
	assert.Equal(t, []string{"certificate", "signatureMethod", "signatureTime", "signerEmail", "signerName"}, keys(signature))
	cert := signature["certificate"].(map[string]any)
	assert.Equal(t, []string{"fingerprint", "issuer", "serialNumber", "subject", "validFrom", "validTo"}, keys(cert))

	compliance := doc["compliance"].(map[string]any)
	assert.Equal(t, true, compliance["isCompliant"])
	assert.Equal(t, string(Advanced), compliance["complianceLevel"])
	checks := compliance["checks"].(map[string]any)
	audit := checks["auditTrail"].(map[string]any)
	assert.Equal(t, 100.0, audit["completeness"])
	assert.Equal(t, true, audit["passed"])

	assert.Len(t, doc["auditTrail"], 5)
	assert.Len(t, doc["attachments"], 1)
	assert.Empty(t, doc["frameworkSpecific"])
}

func TestReportIdempotent(t *testing.T) {
	e := newTestEngine(t)
	md, res := validatedSignature(t, e, CFR21Part11)
	ctx := context.Background()

	a, err := e.GenerateComplianceReport(ctx, "doc-1", "sig-1", md, res, ReportOptions{})
	require.NoError(t, err)
	b, err := e.GenerateComplianceReport(ctx, "doc-1", "sig-1", md, res, ReportOptions{})
	require.NoError(t, err)

	assert.NotEqual(t, a.ReportID, b.ReportID)
	a.ReportID, a.GeneratedAt = b.ReportID, b.GeneratedAt
	assert.Equal(t, a, b)
}

func TestReportMismatchedInputs(t *testing.T) {
	e := newTestEngine(t)
	md, res := validatedSignature(t, e, ESIGN)
	ctx := context.Background()

	_, err := e.GenerateComplianceReport(ctx, "doc-2", "sig-1", md, res, ReportOptions{})
	assert.Error(t, err)
	_, err = e.GenerateComplianceReport(ctx, "doc-1", "sig-1", md, nil, ReportOptions{})
	assert.Error(t, err)
	other := *res
	other.SignatureID = "sig-9"
	_, err = e.GenerateComplianceReport(ctx, "doc-1", "sig-1", md, &other, ReportOptions{})
	assert.Error(t, err)
	assert.Equal(t, StateValidated, e.State("sig-1"))
}

func TestFrameworkSpecific(t *testing.T) {
	tests := []struct {
		name      string
		framework Framework
		mutate    func(md *Metadata, res *ValidationResult)
		opts      ReportOptions
		want      map[string]any
	}{
		{
			name:      "eidas qualified",
			framework: EIDAS,
			opts:      ReportOptions{TrustServiceProvider: "Example QTSP"},
			want: map[string]any{
				"signatureLevel":       "QES",
				"trustServiceProvider": "Example QTSP",
				"qualifiedCertificate": true,
			},
		},
		{
			name:      "eidas advanced falls back to issuer",
			framework: EIDAS,
			mutate:    func(md *Metadata, res *ValidationResult) { res.ComplianceLevel = Advanced },
			want: map[string]any{
				"signatureLevel":       "AdES",
				"trustServiceProvider": "CN=Test Issuing CA",
				"qualifiedCertificate": false,
			},
		},
		{
			name:      "eidas standard",
			framework: EIDAS,
			mutate:    func(md *Metadata, res *ValidationResult) { res.ComplianceLevel = Standard },
			want: map[string]any{
				"signatureLevel":       "AdES",
				"trustServiceProvider": "CN=Test Issuing CA",
				"qualifiedCertificate": false,
			},
		},
		{
			name:      "eidas basic",
			framework: EIDAS,
			mutate:    func(md *Metadata, res *ValidationResult) { res.ComplianceLevel = Basic },
			want: map[string]any{
				"signatureLevel":       "SES",
				"trustServiceProvider": "CN=Test Issuing CA",
				"qualifiedCertificate": false,
			},
		},
		{
			name:      "cfr compliant",
			framework: CFR21Part11,
			want: map[string]any{
				"fdaCompliant":    true,
				"recordIntegrity": true,
			},
		},
		{
			name:      "cfr broken chain",
			framework: CFR21Part11,
			mutate: func(md *Metadata, res *ValidationResult) {
				res.IsCompliant = false
				res.Checks.AuditTrail.ChainValid = false
			},
			want: map[string]any{
				"fdaCompliant":    false,
				"recordIntegrity": false,
			},
		},
		{
			name:      "pipeda",
			framework: PIPEDA,
			want:      map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t)
			md, res := validatedSignature(t, e, tt.framework)
			if tt.mutate != nil {
				tt.mutate(md, res)
			}
			report, err := e.GenerateComplianceReport(context.Background(), "doc-1", "sig-1", md, res, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, report.FrameworkSpecific)
		})
	}
}

func TestRecommendations(t *testing.T) {
	violations := []Violation{
		{Type: ViolationIdentity, Severity: SeverityMedium, Description: "weak identity", Remediation: "verify identity"},
		{Type: ViolationIntegrity, Severity: SeverityCritical, Description: "tampered", Remediation: "re-issue"},
		{Type: ViolationAudit, Severity: SeverityHigh, Description: "empty", Remediation: "record events"},
		{Type: ViolationAudit, Severity: SeverityHigh, Description: "incomplete", Remediation: "record events"},
		{Type: ViolationFramework, Severity: SeverityLow, Description: "no remediation"},
	}
	recs := recommendations(violations)
	require.Len(t, recs, 3)
	assert.Equal(t, SeverityCritical, recs[0].Priority)
	assert.Equal(t, "re-issue", recs[0].Description)
	assert.Equal(t, "Resolves: tampered", recs[0].Impact)
	assert.Equal(t, SeverityHigh, recs[1].Priority)
	assert.Equal(t, "Resolves: empty", recs[1].Impact)
	assert.Equal(t, SeverityMedium, recs[2].Priority)

	many := make([]Violation, 30)
	for i := range many {
		many[i] = Violation{Severity: SeverityLow, Remediation: fmt.Sprintf("step %d", i)}
	}
	assert.Len(t, recommendations(many), MaxRecommendations)
	assert.Empty(t, recommendations(nil))
}

func TestReportSummary(t *testing.T) {
	e := newTestEngine(t)
	md, res := validatedSignature(t, e, EIDAS)
	report, err := e.GenerateComplianceReport(context.Background(), "doc-1", "sig-1", md, res, ReportOptions{})
	require.NoError(t, err)
	assert.Contains(t, report.Summary, "QUALIFIED")
	assert.Contains(t, report.Summary, "admissible")
	assert.Empty(t, report.Recommendations)
}
