package compliance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/digitorus/sigtrust/auditlog"
	"github.com/digitorus/sigtrust/metrics"
)

// State is the position of a signature in the compliance workflow.
type State int

const (
	StateNoMetadata State = iota
	StateMetadataCollected
	StateValidated
	StateReported
)

func (s State) String() string {
	switch s {
	case StateNoMetadata:
		return "NO_METADATA"
	case StateMetadataCollected:
		return "METADATA_COLLECTED"
	case StateValidated:
		return "VALIDATED"
	case StateReported:
		return "REPORTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StateError is returned when an operation is called out of order for a
// signature.
type StateError struct {
	SignatureID string
	State       State
	Op          string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("compliance: %s not allowed for signature %s in state %s", e.Op, e.SignatureID, e.State)
}

// Options configures an Engine.
type Options struct {
	// Audit stores the per-signature audit trails. An in-memory log is
	// used when nil.
	Audit *auditlog.Log
	// Rules defaults to DefaultRules().
	Rules *Rules
	// DefaultFramework applies when CollectOptions names none.
	DefaultFramework Framework
	// GeneratedBy is recorded on every report.
	GeneratedBy string

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

type record struct {
	state State
	// collecting is set while CollectComplianceMetadata runs.
	collecting bool
}

// Engine tracks the compliance state of signatures. It is safe for
// concurrent use; operations on different signatures do not contend
// beyond a short map lookup.
type Engine struct {
	mu      sync.Mutex
	records map[string]*record

	audit       *auditlog.Log
	rules       *Rules
	framework   Framework
	generatedBy string
	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	audit := opts.Audit
	if audit == nil {
		audit = auditlog.NewLog(nil, logger, opts.Metrics)
	}
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	framework := opts.DefaultFramework
	if framework == "" {
		framework = CustomFramework
	}
	generatedBy := opts.GeneratedBy
	if generatedBy == "" {
		generatedBy = "sigtrust"
	}
	return &Engine{
		records:     make(map[string]*record),
		audit:       audit,
		rules:       rules,
		framework:   framework,
		generatedBy: generatedBy,
		logger:      logger.With(zap.String("component", "compliance")),
		metrics:     opts.Metrics,
		now:         time.Now,
	}
}

// Rules returns the rule tables in use.
func (e *Engine) Rules() *Rules {
	return e.rules
}

// State returns the current state of signatureID.
func (e *Engine) State(signatureID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.records[signatureID]; ok {
		return r.state
	}
	return StateNoMetadata
}

// advance moves signatureID to s when the current state is in allowed.
// States never move backwards.
func (e *Engine) advance(signatureID, op string, to State, allowed ...State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.records[signatureID]
	if !ok {
		r = &record{}
	}
	if r.collecting || !stateIn(r.state, allowed) {
		return &StateError{SignatureID: signatureID, State: r.state, Op: op}
	}
	if to > r.state {
		r.state = to
	}
	e.records[signatureID] = r
	return nil
}

func (e *Engine) require(signatureID, op string, allowed ...State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var st State
	var collecting bool
	if r, ok := e.records[signatureID]; ok {
		st, collecting = r.state, r.collecting
	}
	if collecting || !stateIn(st, allowed) {
		return &StateError{SignatureID: signatureID, State: st, Op: op}
	}
	return nil
}

func stateIn(s State, allowed []State) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

// RecordAuditEvent appends an event to the trail of signatureID. Events
// are accepted until the signature has been validated.
func (e *Engine) RecordAuditEvent(ctx context.Context, signatureID string, in auditlog.Input) (*auditlog.Event, error) {
	if err := e.require(signatureID, "record audit event", StateNoMetadata, StateMetadataCollected); err != nil {
		return nil, err
	}
	return e.audit.Append(ctx, signatureID, in)
}

// GenerateAuditTrail builds a detached hash-chained trail from inputs.
// Nothing is stored. Inputs without a timestamp are stamped with the
// current time; an explicit timestamp earlier than the one before it fails
// with auditlog.ErrOutOfOrder, as does text that is not valid UTF-8 with
// auditlog.ErrInvalidUTF8.
func (e *Engine) GenerateAuditTrail(signatureID string, inputs []auditlog.Input) ([]auditlog.Event, error) {
	return auditlog.Generate(signatureID, inputs)
}

// AuditTrail returns the stored trail of signatureID.
func (e *Engine) AuditTrail(ctx context.Context, signatureID string) ([]auditlog.Event, error) {
	return e.audit.Trail(ctx, signatureID)
}

// VerifyAuditTrail re-verifies the stored trail of signatureID.
func (e *Engine) VerifyAuditTrail(ctx context.Context, signatureID string) error {
	return e.audit.Verify(ctx, signatureID)
}

// Close closes the audit log.
func (e *Engine) Close() error {
	return e.audit.Close()
}

// CollectComplianceMetadata records the compliance metadata of a signature
// and appends a compliance_verified event to its trail. It succeeds once
// per signature id.
func (e *Engine) CollectComplianceMetadata(ctx context.Context, documentID, signatureID string, signer SignerInfo, data SignatureData, opts CollectOptions) (*Metadata, error) {
	if documentID == "" || signatureID == "" {
		return nil, errors.New("compliance: document id and signature id are required")
	}
	framework := opts.LegalFramework
	if framework == "" {
		framework = e.framework
	}
	framework, err := ParseFramework(string(framework))
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	r, ok := e.records[signatureID]
	if !ok {
		r = &record{}
		e.records[signatureID] = r
	}
	if r.collecting || r.state != StateNoMetadata {
		st := r.state
		e.mu.Unlock()
		return nil, &StateError{SignatureID: signatureID, State: st, Op: "collect metadata"}
	}
	r.collecting = true
	e.mu.Unlock()

	md, err := e.collect(ctx, documentID, signatureID, framework, signer, data, opts)

	e.mu.Lock()
	r.collecting = false
	if err == nil {
		r.state = StateMetadataCollected
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.logger.Info("compliance metadata collected",
		zap.String("document_id", documentID),
		zap.String("signature_id", signatureID),
		zap.String("framework", string(framework)),
		zap.String("verification_level", string(md.IdentityVerification.Level)))
	return md, nil
}

func (e *Engine) collect(ctx context.Context, documentID, signatureID string, framework Framework, signer SignerInfo, data SignatureData, opts CollectOptions) (*Metadata, error) {
	now := e.now().UTC()
	rules := e.rules.Framework(framework)

	method := signer.ConsentMethod
	if method == "" {
		method = ConsentImplicit
	}
	consentAt := signer.ConsentAt
	if consentAt.IsZero() {
		consentAt = now
	}
	verifiedAt := signer.VerifiedAt
	if verifiedAt.IsZero() {
		verifiedAt = now
	}
	signedAt := data.SignedAt
	if signedAt.IsZero() {
		signedAt = now
	}
	hashAlg := data.HashAlgorithm
	if hashAlg == "" {
		hashAlg = "SHA-256"
	}

	certs := e.rules.DefaultCertifications(framework)
	certs = append(certs, opts.Certifications...)

	var actor *auditlog.Actor
	if signer.UserID != "" || signer.IPAddress != "" || signer.UserAgent != "" || signer.Location != "" {
		actor = &auditlog.Actor{
			UserID:    signer.UserID,
			IPAddress: signer.IPAddress,
			UserAgent: signer.UserAgent,
			Location:  signer.Location,
		}
	}
	level := e.rules.VerificationLevel(signer.VerificationMethod)
	if _, err := e.audit.Append(ctx, signatureID, auditlog.Input{
		Type:  auditlog.ComplianceVerified,
		Actor: actor,
		Details: map[string]string{
			"documentId":         documentID,
			"legalFramework":     string(framework),
			"consentMethod":      string(method),
			"verificationMethod": string(signer.VerificationMethod),
			"verificationLevel":  string(level),
		},
	}); err != nil {
		return nil, fmt.Errorf("compliance: record metadata event: %w", err)
	}
	trail, err := e.audit.Trail(ctx, signatureID)
	if err != nil {
		return nil, err
	}

	var custom map[string]string
	if len(opts.CustomFields) > 0 {
		custom = make(map[string]string, len(opts.CustomFields))
		for k, v := range opts.CustomFields {
			custom[k] = v
		}
	}
	var cert *CertificateInfo
	if data.Certificate != nil {
		c := *data.Certificate
		cert = &c
	}

	return &Metadata{
		DocumentID:      documentID,
		SignatureID:     signatureID,
		LegalFramework:  framework,
		SignerName:      signer.Name,
		SignerEmail:     signer.Email,
		SignatureTime:   signedAt,
		SignatureMethod: data.SignatureMethod,
		Certificate:     cert,
		SignerConsent: Consent{
			ConsentGiven: true,
			Method:       method,
			Timestamp:    consentAt,
			Evidence:     signer.ConsentEvidence,
			IPAddress:    signer.IPAddress,
			UserAgent:    signer.UserAgent,
			Location:     signer.Location,
		},
		IdentityVerification: IdentityVerification{
			Method:     signer.VerificationMethod,
			Level:      level,
			Provider:   signer.VerificationProvider,
			VerifiedAt: verifiedAt,
		},
		DocumentIntegrity: DocumentIntegrity{
			HashAlgorithm:     hashAlg,
			Hash:              data.DocumentHash,
			TamperEvidence:    data.TamperEvidence,
			IntegrityVerified: data.IntegrityVerified,
		},
		SignatureValidity: SignatureValidity{
			CryptographicValid: data.CryptographicValid,
			CertificateValid:   data.CertificateValid,
			HasTimestamp:       data.HasTimestamp,
			TimestampValid:     data.TimestampValid,
		},
		AuditTrail: AuditTrailDescriptor{
			Required:                 !opts.AuditOptional,
			Immutable:                true,
			CryptographicallySecured: true,
			RetentionYears:           rules.RetentionYears,
			Events:                   trail,
		},
		Certifications: certs,
		CustomFields:   custom,
		CollectedAt:    now,
	}, nil
}
