package compliance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/digitorus/sigtrust/auditlog"
)

// MaxRecommendations bounds the recommendations of a report.
const MaxRecommendations = 20

type DocumentInfo struct {
	Title       string     `json:"title"`
	Hash        string     `json:"hash"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt"`
	PageCount   int        `json:"pageCount"`
}

type SignatureInfo struct {
	SignerName      string           `json:"signerName"`
	SignerEmail     string           `json:"signerEmail"`
	SignatureTime   time.Time        `json:"signatureTime"`
	SignatureMethod string           `json:"signatureMethod"`
	Certificate     *CertificateInfo `json:"certificate"`
}

type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Hash        string `json:"hash,omitempty"`
}

type Recommendation struct {
	Priority    Severity      `json:"priority"`
	Type        ViolationType `json:"type"`
	Description string        `json:"description"`
	Impact      string        `json:"impact"`
}

// Report is the compliance report of one signature.
type Report struct {
	ReportID          string            `json:"reportId"`
	DocumentID        string            `json:"documentId"`
	SignatureID       string            `json:"signatureId"`
	GeneratedAt       time.Time         `json:"generatedAt"`
	GeneratedBy       string            `json:"generatedBy"`
	Document          DocumentInfo      `json:"document"`
	Signature         SignatureInfo     `json:"signature"`
	Compliance        *ValidationResult `json:"compliance"`
	AuditTrail        []auditlog.Event  `json:"auditTrail"`
	FrameworkSpecific map[string]any    `json:"frameworkSpecific"`
	Attachments       []Attachment      `json:"attachments"`
	Summary           string            `json:"summary"`
	Recommendations   []Recommendation  `json:"recommendations"`
}

type ReportOptions struct {
	// Document describes the signed document. Hash defaults to the digest
	// recorded in the metadata.
	Document    DocumentInfo
	Attachments []Attachment
	// TrustServiceProvider is reported for eIDAS signatures. The
	// certificate issuer is used when empty.
	TrustServiceProvider string
}

// JSON renders the report as indented JSON.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// GenerateComplianceReport assembles the report of a validated signature.
// It does not modify md or result and may be called repeatedly.
func (e *Engine) GenerateComplianceReport(ctx context.Context, documentID, signatureID string, md *Metadata, result *ValidationResult, opts ReportOptions) (*Report, error) {
	if md == nil || result == nil {
		return nil, errors.New("compliance: metadata and validation result are required")
	}
	if md.DocumentID != documentID || md.SignatureID != signatureID {
		return nil, fmt.Errorf("compliance: metadata belongs to %s/%s, not %s/%s",
			md.DocumentID, md.SignatureID, documentID, signatureID)
	}
	if result.SignatureID != signatureID {
		return nil, fmt.Errorf("compliance: validation result belongs to signature %s", result.SignatureID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	const op = "report"
	if err := e.advance(signatureID, op, StateReported, StateValidated, StateReported); err != nil {
		return nil, err
	}

	r := buildReport(md, result, opts)
	r.ReportID = uuid.NewString()
	r.GeneratedAt = e.now().UTC()
	r.GeneratedBy = e.generatedBy

	e.logger.Info("compliance report generated",
		zap.String("report_id", r.ReportID),
		zap.String("signature_id", signatureID),
		zap.String("level", string(result.ComplianceLevel)))
	return r, nil
}

func buildReport(md *Metadata, result *ValidationResult, opts ReportOptions) *Report {
	doc := opts.Document
	if doc.Hash == "" {
		doc.Hash = md.DocumentIntegrity.Hash
	}
	trail := result.Trail
	if trail == nil {
		trail = md.AuditTrail.Events
	}
	attachments := make([]Attachment, len(opts.Attachments))
	copy(attachments, opts.Attachments)

	return &Report{
		DocumentID:  md.DocumentID,
		SignatureID: md.SignatureID,
		Document:    doc,
		Signature: SignatureInfo{
			SignerName:      md.SignerName,
			SignerEmail:     md.SignerEmail,
			SignatureTime:   md.SignatureTime,
			SignatureMethod: md.SignatureMethod,
			Certificate:     md.Certificate,
		},
		Compliance:        result,
		AuditTrail:        append([]auditlog.Event{}, trail...),
		FrameworkSpecific: frameworkSpecific(md, result, opts),
		Attachments:       attachments,
		Summary:           summary(md, result),
		Recommendations:   recommendations(result.Violations),
	}
}

func hasCertification(md *Metadata, name string) bool {
	for _, c := range md.Certifications {
		if c.Name == name {
			return true
		}
	}
	return false
}

func frameworkSpecific(md *Metadata, result *ValidationResult, opts ReportOptions) map[string]any {
	switch md.LegalFramework {
	case EIDAS:
		level := "SES"
		switch result.ComplianceLevel {
		case Qualified:
			level = "QES"
		case Advanced, Standard:
			level = "AdES"
		}
		tsp := opts.TrustServiceProvider
		if tsp == "" && md.Certificate != nil {
			tsp = md.Certificate.Issuer
		}
		return map[string]any{
			"signatureLevel":       level,
			"trustServiceProvider": tsp,
			"qualifiedCertificate": result.ComplianceLevel == Qualified && hasCertification(md, "Qualified"),
		}
	case CFR21Part11:
		return map[string]any{
			"fdaCompliant":    result.IsCompliant && hasCertification(md, "FDA Compliant"),
			"recordIntegrity": result.Checks.DocumentIntegrity.Passed && result.Checks.AuditTrail.ChainValid,
		}
	}
	return map[string]any{}
}

func summary(md *Metadata, result *ValidationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Signature %s under %s: %s", md.SignatureID, md.LegalFramework, result.ComplianceLevel)
	if result.IsCompliant {
		b.WriteString(", compliant.")
	} else {
		fmt.Fprintf(&b, ", %d violation(s).", len(result.Violations))
	}
	adm := result.LegalAdmissibility
	verdict := "not admissible"
	if adm.Admissible {
		verdict = "admissible"
	}
	fmt.Fprintf(&b, " Legal admissibility confidence %d%% (%s).", adm.Confidence, verdict)
	return b.String()
}

// recommendations turns violations into remediation steps, most severe
// first, without repeating a remediation.
func recommendations(violations []Violation) []Recommendation {
	recs := make([]Recommendation, 0, len(violations))
	for _, v := range violations {
		if v.Remediation == "" {
			continue
		}
		recs = append(recs, Recommendation{
			Priority:    v.Severity,
			Type:        v.Type,
			Description: v.Remediation,
			Impact:      "Resolves: " + v.Description,
		})
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Priority.Rank() > recs[j].Priority.Rank()
	})
	seen := make(map[string]bool, len(recs))
	out := recs[:0]
	for _, r := range recs {
		if seen[r.Description] {
			continue
		}
		seen[r.Description] = true
		out = append(out, r)
	}
	if len(out) > MaxRecommendations {
		out = out[:MaxRecommendations]
	}
	return out
}
