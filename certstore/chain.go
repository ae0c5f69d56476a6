package certstore

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/digitorus/sigtrust/revocation"
)

// Issue codes reported in ChainValidationResult.
const (
	CodeExpired           = "CERT_EXPIRED"
	CodeNotYetValid       = "CERT_NOT_YET_VALID"
	CodeChainBroken       = "CHAIN_BROKEN"
	CodeSignatureInvalid  = "SIGNATURE_INVALID"
	CodeUntrustedRoot     = "UNTRUSTED_ROOT"
	CodeChainCycle        = "CHAIN_CYCLE"
	CodeChainTooLong      = "CHAIN_TOO_LONG"
	CodeRevoked           = "CERT_REVOKED"
	CodeRevocationUnknown = "REVOCATION_UNKNOWN"
	CodeKeyUsage          = "KEY_USAGE"
	CodeWeakKey           = "WEAK_KEY"
)

// minRSABits is the smallest RSA modulus accepted without a warning.
const minRSABits = 2048

type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	return i.Code + ": " + i.Message
}

// ChainValidationResult is the verdict of ValidateChain. Failures are
// reported through Errors and Warnings rather than as a Go error.
type ChainValidationResult struct {
	IsValid     bool
	ChainValid  bool
	NotExpired  bool
	NotRevoked  bool
	TrustedRoot bool
	Errors      []ValidationIssue
	Warnings    []ValidationIssue
	// Chain is the built chain, leaf first.
	Chain       []*Certificate
	Revocation  *revocation.Status
	ValidatedAt time.Time
}

func (r *ChainValidationResult) addError(code, format string, args ...any) {
	r.Errors = append(r.Errors, ValidationIssue{Code: code, Message: fmt.Sprintf(format, args...)})
}

func (r *ChainValidationResult) addWarning(code, format string, args ...any) {
	r.Warnings = append(r.Warnings, ValidationIssue{Code: code, Message: fmt.Sprintf(format, args...)})
}

// BuildChain returns cert followed by its issuers as far as they can be
// resolved. Resolution stops at a self-signed certificate, when no issuer is
// known, when an issuer is already part of the chain or at MaxChainDepth.
func (s *Store) BuildChain(cert *Certificate) []*Certificate {
	chain, _ := s.extendChain([]*Certificate{cert})
	return chain
}

// extendChain resolves issuers for the last certificate of chain. The
// returned code is non-empty when building stopped on the cycle guard or the
// depth limit.
func (s *Store) extendChain(chain []*Certificate) ([]*Certificate, string) {
	seen := make(map[string]bool, len(chain))
	out := make([]*Certificate, 0, len(chain)+2)
	for _, c := range chain {
		if seen[c.Fingerprint] {
			return out, CodeChainCycle
		}
		seen[c.Fingerprint] = true
		out = append(out, c)
	}

	for {
		last := out[len(out)-1]
		if last.IsSelfSigned() {
			return out, ""
		}
		issuer := s.findIssuer(last)
		if issuer == nil {
			return out, ""
		}
		if seen[issuer.Fingerprint] {
			return out, CodeChainCycle
		}
		if len(out) >= MaxChainDepth {
			return out, CodeChainTooLong
		}
		seen[issuer.Fingerprint] = true
		out = append(out, issuer)
	}
}

// findIssuer looks for the issuer of cert in the trusted roots, then the
// intermediates, then the cache. Within a collection a candidate whose key
// verifies the signature is preferred over a mere name match.
func (s *Store) findIssuer(cert *Certificate) *Certificate {
	s.mu.RLock()
	now := s.now()
	roots := make([]*Certificate, 0, len(s.roots))
	for _, c := range s.roots {
		roots = append(roots, c)
	}
	intermediates := make([]*Certificate, 0, len(s.intermediates))
	for _, c := range s.intermediates {
		intermediates = append(intermediates, c)
	}
	cached := make([]*Certificate, 0, len(s.entries))
	for _, e := range s.entries {
		if now.Sub(e.CachedAt) <= s.ttl {
			cached = append(cached, e.Certificate)
		}
	}
	s.mu.RUnlock()

	for _, candidates := range [][]*Certificate{roots, intermediates, cached} {
		if issuer := pickIssuer(cert, candidates); issuer != nil {
			return issuer
		}
	}
	return nil
}

func pickIssuer(cert *Certificate, candidates []*Certificate) *Certificate {
	var nameMatch *Certificate
	for _, c := range candidates {
		if c.Fingerprint == cert.Fingerprint || !cert.IssuedBy(c) {
			continue
		}
		if cert.X509().CheckSignatureFrom(c.X509()) == nil {
			return c
		}
		if nameMatch == nil {
			nameMatch = c
		}
	}
	return nameMatch
}

// ValidateAgainstTrustedRoots reports whether cert chains to a trusted root
// with every link verifying.
func (s *Store) ValidateAgainstTrustedRoots(cert *Certificate) bool {
	chain, code := s.extendChain([]*Certificate{cert})
	if code != "" {
		return false
	}
	if !s.IsTrustedRoot(chain[len(chain)-1].Fingerprint) {
		return false
	}
	for i := 0; i+1 < len(chain); i++ {
		if !chain[i].IssuedBy(chain[i+1]) || chain[i].X509().CheckSignatureFrom(chain[i+1].X509()) != nil {
			return false
		}
	}
	return true
}

// ValidateChain validates certs, ordered leaf first. Only empty input and
// context cancellation are returned as errors; every other failure is
// recorded in the result.
func (s *Store) ValidateChain(ctx context.Context, certs []*Certificate) (*ChainValidationResult, error) {
	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}
	now := s.now()
	leaf := certs[0]
	result := &ChainValidationResult{
		ChainValid:  true,
		NotExpired:  true,
		NotRevoked:  true,
		ValidatedAt: now,
	}

	// Validity interval of the leaf.
	switch {
	case now.Before(leaf.NotBefore):
		result.NotExpired = false
		result.addError(CodeNotYetValid, "certificate %s is not valid before %s", leaf.Subject, leaf.NotBefore.Format(time.RFC3339))
	case now.After(leaf.NotAfter):
		result.NotExpired = false
		result.addError(CodeExpired, "certificate %s expired at %s", leaf.Subject, leaf.NotAfter.Format(time.RFC3339))
	}

	chain, code := s.extendChain(certs)
	result.Chain = chain
	switch code {
	case CodeChainCycle:
		result.ChainValid = false
		result.addError(CodeChainCycle, "certificate chain contains a cycle")
	case CodeChainTooLong:
		result.ChainValid = false
		result.addError(CodeChainTooLong, "certificate chain exceeds %d certificates", MaxChainDepth)
	}

	// Every adjacent link must match by name and verify.
	for i := 0; i+1 < len(chain); i++ {
		child, parent := chain[i], chain[i+1]
		if !child.IssuedBy(parent) {
			result.ChainValid = false
			result.addError(CodeChainBroken, "issuer of %s does not match subject of %s", child.Subject, parent.Subject)
			continue
		}
		if err := child.X509().CheckSignatureFrom(parent.X509()); err != nil {
			result.ChainValid = false
			result.addError(CodeSignatureInvalid, "signature of %s not verified by %s: %v", child.Subject, parent.Subject, err)
		}
	}
	for _, c := range chain[1:] {
		if !c.ValidAt(now) {
			result.addWarning(CodeExpired, "chain certificate %s is outside its validity period", c.Subject)
		}
	}

	terminal := chain[len(chain)-1]
	result.TrustedRoot = s.IsTrustedRoot(terminal.Fingerprint)
	if !result.TrustedRoot {
		result.addError(CodeUntrustedRoot, "chain terminates at untrusted certificate %s", terminal.Subject)
	}

	checkPolicy(leaf, result)

	if err := s.revocationStep(ctx, chain, result); err != nil {
		return nil, err
	}

	result.IsValid = result.ChainValid && result.NotExpired && result.NotRevoked &&
		result.TrustedRoot && len(result.Errors) == 0

	s.metrics.ObserveChainValidation(result.IsValid)
	s.publishVerdict(leaf, result)
	s.logger.Debug("validated certificate chain",
		zap.String("subject", leaf.Subject),
		zap.String("fingerprint", leaf.Fingerprint),
		zap.Int("length", len(chain)),
		zap.Bool("valid", result.IsValid),
		zap.Int("errors", len(result.Errors)),
		zap.Int("warnings", len(result.Warnings)),
	)
	return result, nil
}

func (s *Store) revocationStep(ctx context.Context, chain []*Certificate, result *ChainValidationResult) error {
	leaf := chain[0]
	if s.disableRevocation || s.checker == nil || leaf.IsSelfSigned() {
		return nil
	}
	if len(chain) < 2 {
		result.addWarning(CodeRevocationUnknown, "issuer of %s unknown, revocation not checked", leaf.Subject)
		return nil
	}

	status, err := s.checkRevocation(ctx, leaf, chain[1])
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		// Both mechanisms failing is treated as not revoked.
		result.addWarning(CodeRevocationUnknown, "revocation status unavailable: %v", err)
		return nil
	}
	result.Revocation = status
	if status.IsRevoked {
		result.NotRevoked = false
		msg := fmt.Sprintf("certificate %s revoked (%s)", leaf.Subject, status.Method)
		if status.Reason != "" {
			msg += ": " + status.Reason
		}
		result.Errors = append(result.Errors, ValidationIssue{Code: CodeRevoked, Message: msg})
	}
	return nil
}

// checkPolicy adds warnings for leaf certificates that are poorly suited
// for document signing.
func checkPolicy(leaf *Certificate, result *ChainValidationResult) {
	c := leaf.X509()
	if c.KeyUsage != 0 && c.KeyUsage&(x509.KeyUsageDigitalSignature|x509.KeyUsageContentCommitment) == 0 {
		result.addWarning(CodeKeyUsage, "certificate %s lacks digitalSignature and nonRepudiation key usage", leaf.Subject)
	}
	if k, ok := c.PublicKey.(*rsa.PublicKey); ok && k.N.BitLen() < minRSABits {
		result.addWarning(CodeWeakKey, "RSA key of %d bits is below %d", k.N.BitLen(), minRSABits)
	}
}

// publishVerdict replaces the cache entry of leaf with a copy carrying the
// verdict. Certificates that are not cached are left alone.
func (s *Store) publishVerdict(leaf *Certificate, result *ChainValidationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[leaf.Fingerprint]
	if !ok {
		return
	}
	next := *cur
	next.LastValidated = result.ValidatedAt
	next.Verdict = result
	s.entries[leaf.Fingerprint] = &next
}
