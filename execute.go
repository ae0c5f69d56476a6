package sigtrust

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/digitorus/sigtrust/auditlog"
	"github.com/digitorus/sigtrust/compliance"
	"github.com/digitorus/sigtrust/hsm"
)

// Execute signs the document, validates the signature and its chain,
// records each step in the audit trail and produces the compliance
// report. An error is returned only when the workflow cannot complete; a
// non-compliant signature is reported through Result.Compliance.
func (b *SignBuilder) Execute(ctx context.Context) (*Result, error) {
	if b.documentID == "" {
		return nil, errors.New("sigtrust: document id is required")
	}
	if len(b.document) == 0 {
		return nil, errors.New("sigtrust: document is empty")
	}
	sigID := b.signatureID
	if sigID == "" {
		sigID = uuid.NewString()
	}
	s := b.svc
	engine := s.engine
	log := s.logger.With(zap.String("document_id", b.documentID), zap.String("signature_id", sigID))

	actor := actorOf(b.signer)
	record := func(t auditlog.EventType, details map[string]string) error {
		if _, err := engine.RecordAuditEvent(ctx, sigID, auditlog.Input{Type: t, Actor: actor, Details: details}); err != nil {
			return fmt.Errorf("sigtrust: record %s: %w", t, err)
		}
		return nil
	}

	if err := record(auditlog.DocumentPrepared, map[string]string{
		"documentId": b.documentID,
		"title":      b.report.Document.Title,
		"size":       strconv.Itoa(len(b.document)),
	}); err != nil {
		return nil, err
	}
	if err := record(auditlog.SignatureRequested, map[string]string{
		"keyRef": b.keyRef.String(),
	}); err != nil {
		return nil, err
	}

	sig, err := s.gateway.SignWithHSM(ctx, b.document, b.keyRef, b.cert, b.providerCfg)
	if err != nil {
		log.Warn("signing failed", zap.Error(err))
		return nil, err
	}
	if err := record(auditlog.SignatureApplied, map[string]string{
		"algorithm":      sig.SignerInfo.Algorithm.String(),
		"documentDigest": hex.EncodeToString(sig.DocumentDigest),
	}); err != nil {
		return nil, err
	}
	if sig.TimestampToken() != nil {
		if err := record(auditlog.TimestampApplied, nil); err != nil {
			return nil, err
		}
	}

	validation, err := s.gateway.ValidateHSMSignature(ctx, sig)
	if err != nil {
		return nil, err
	}
	if err := record(auditlog.CertificateValidated, certificateDetails(validation)); err != nil {
		return nil, err
	}
	if err := record(auditlog.DocumentCompleted, nil); err != nil {
		return nil, err
	}

	md, err := engine.CollectComplianceMetadata(ctx, b.documentID, sigID, b.signer, signatureData(sig, validation), b.collect)
	if err != nil {
		return nil, err
	}
	sigVerdict, certVerdict, tsVerdict := Verdicts(validation)
	res, err := engine.ValidateSignatureCompliance(ctx, md, sigVerdict, certVerdict, tsVerdict)
	if err != nil {
		return nil, err
	}
	report, err := engine.GenerateComplianceReport(ctx, b.documentID, sigID, md, res, b.reportOptions())
	if err != nil {
		return nil, err
	}

	log.Info("signing workflow completed",
		zap.Bool("signature_valid", validation.IsValid),
		zap.String("compliance_level", string(res.ComplianceLevel)),
		zap.Bool("admissible", res.LegalAdmissibility.Admissible))

	return &Result{
		DocumentID:  b.documentID,
		SignatureID: sigID,
		Signature:   sig,
		Validation:  validation,
		Metadata:    md,
		Compliance:  res,
		Report:      report,
	}, nil
}

func (b *SignBuilder) reportOptions() compliance.ReportOptions {
	opts := b.report
	if opts.Document.CreatedAt.IsZero() {
		opts.Document.CreatedAt = time.Now().UTC()
	}
	if opts.Document.CompletedAt == nil {
		now := time.Now().UTC()
		opts.Document.CompletedAt = &now
	}
	return opts
}

func actorOf(info compliance.SignerInfo) *auditlog.Actor {
	if info.UserID == "" && info.IPAddress == "" && info.UserAgent == "" && info.Location == "" {
		return nil
	}
	return &auditlog.Actor{
		UserID:    info.UserID,
		IPAddress: info.IPAddress,
		UserAgent: info.UserAgent,
		Location:  info.Location,
	}
}

func certificateDetails(r *hsm.SignatureValidationResult) map[string]string {
	d := map[string]string{
		"certificateValid": strconv.FormatBool(r.CertificateValid),
	}
	if r.Signer != nil {
		d["fingerprint"] = r.Signer.Fingerprint
	}
	if r.Chain != nil {
		d["trustedRoot"] = strconv.FormatBool(r.Chain.TrustedRoot)
		d["chainLength"] = strconv.Itoa(len(r.Chain.Chain))
		if r.Chain.Revocation != nil {
			d["revocationMethod"] = string(r.Chain.Revocation.Method)
			d["revoked"] = strconv.FormatBool(r.Chain.Revocation.IsRevoked)
		}
	}
	return d
}

func signatureData(sig *hsm.CMSSignature, r *hsm.SignatureValidationResult) compliance.SignatureData {
	signedAt := sig.SignedAt
	if signedAt.IsZero() {
		signedAt = r.SignedAt
	}
	tampered := false
	for _, e := range r.Errors {
		if e.Code == hsm.CodeDigestMismatch {
			tampered = true
		}
	}
	return compliance.SignatureData{
		DocumentHash:       hex.EncodeToString(sig.DocumentDigest),
		HashAlgorithm:      sig.DigestAlgorithm.String(),
		TamperEvidence:     tampered,
		IntegrityVerified:  r.SignatureValid,
		CryptographicValid: r.SignatureValid,
		CertificateValid:   r.CertificateValid,
		HasTimestamp:       r.HasTimestamp,
		TimestampValid:     r.TimestampValid,
		SignedAt:           signedAt,
		SignatureMethod:    "CMS " + sig.SignerInfo.Algorithm.String(),
		Certificate:        CertificateInfo(r.Signer),
	}
}
