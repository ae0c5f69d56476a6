package hsm

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/digitorus/pkcs7"
	"go.uber.org/zap"

	"github.com/digitorus/sigtrust/certstore"
	"github.com/digitorus/sigtrust/revocation"
)

// SignWithHSM signs document with the key referenced by keyRef and returns
// a detached CMS signature carrying cert and its chain.
//
// When cfg is given and the provider has not been initialized, or its last
// call timed out, the provider is (re)initialized with cfg first.
func (g *Gateway) SignWithHSM(ctx context.Context, document []byte, keyRef KeyReference, cert *x509.Certificate, cfg *ProviderConfig) (*CMSSignature, error) {
	if cert == nil {
		return nil, &Error{Code: InvalidRequest, Provider: keyRef.Provider, Err: ErrNilCertificate}
	}
	if keyRef.KeyID == "" {
		return nil, &Error{Code: InvalidRequest, Provider: keyRef.Provider, Err: errors.New("key id is required")}
	}

	provider, err := g.GetProvider(keyRef.Provider)
	if err != nil {
		return nil, err
	}
	if err := g.ensureReady(ctx, keyRef.Provider, provider, cfg); err != nil {
		return nil, err
	}

	alg, err := SelectAlgorithm(cert)
	if err != nil {
		return nil, &Error{Code: UnsupportedAlgorithm, Provider: keyRef.Provider, Err: err}
	}

	log := g.logger.With(
		zap.Stringer("provider", keyRef.Provider),
		zap.String("key_id", keyRef.KeyID),
		zap.Stringer("algorithm", alg),
	)

	chain := g.signerChain(cert)

	signedData, err := pkcs7.NewSignedData(document)
	if err != nil {
		return nil, fmt.Errorf("new signed data: %w", err)
	}
	signedData.SetDigestAlgorithm(oidForHash(alg.Hash))

	signingCertificate, err := signingCertificateAttribute(cert, alg.Hash)
	if err != nil {
		return nil, fmt.Errorf("signing certificate attribute: %w", err)
	}
	config := pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: []pkcs7.Attribute{*signingCertificate},
	}
	if archival := g.revocationArchival(ctx, cert, chain, log); archival != nil {
		config.ExtraSignedAttributes = append(config.ExtraSignedAttributes, pkcs7.Attribute{
			Type:  revocation.OIDInfoArchival,
			Value: *archival,
		})
	}

	signer := &providerSigner{
		ctx:      ctx,
		gateway:  g,
		provider: provider,
		keyRef:   keyRef,
		cert:     cert,
		alg:      alg,
	}

	start := g.now()
	if err := signedData.AddSignerChain(cert, signer, chain, config); err != nil {
		g.metrics.ObserveSign(string(keyRef.Provider), time.Since(start), err)
		if signer.err != nil {
			log.Warn("provider signing failed", zap.Error(signer.err))
			return nil, signer.err
		}
		return nil, fmt.Errorf("add signer chain: %w", err)
	}
	g.metrics.ObserveSign(string(keyRef.Provider), time.Since(start), nil)

	signedData.Detach()

	var tsToken []byte
	if g.tsa.URL != "" {
		sd := signedData.GetSignedData()
		tsToken, err = g.requestTimestamp(ctx, sd.SignerInfos[0].EncryptedDigest)
		if err != nil {
			return nil, fmt.Errorf("get timestamp: %w", err)
		}
		attr := pkcs7.Attribute{
			Type:  OIDTimeStampToken,
			Value: asn1RawValue(tsToken),
		}
		if err := sd.SignerInfos[0].SetUnauthenticatedAttributes([]pkcs7.Attribute{attr}); err != nil {
			return nil, fmt.Errorf("set timestamp attribute: %w", err)
		}
	}

	encoded, err := signedData.Finish()
	if err != nil {
		return nil, fmt.Errorf("finish signed data: %w", err)
	}

	sig, err := newCMSSignature(encoded, document, g.digest)
	if err != nil {
		return nil, err
	}
	sig.KeyRef = keyRef
	sig.SignerInfo.Algorithm = alg
	if signer.resp != nil && !signer.resp.Timestamp.IsZero() {
		sig.SignedAt = signer.resp.Timestamp
	}

	log.Info("document signed",
		zap.Int("document_size", len(document)),
		zap.Int("chain_length", len(chain)+1),
		zap.Bool("timestamped", tsToken != nil),
	)
	return sig, nil
}

// ensureReady initializes the provider when needed and tests its
// connection.
func (g *Gateway) ensureReady(ctx context.Context, t ProviderType, p Provider, cfg *ProviderConfig) error {
	stale := g.takeStale(t)
	if cfg != nil && (stale || !p.IsInitialized()) {
		if stale {
			g.logger.Info("reinitializing provider after timeout", zap.Stringer("provider", t))
			if err := p.Close(); err != nil {
				g.logger.Warn("closing stale provider failed", zap.Stringer("provider", t), zap.Error(err))
			}
		}
		if err := g.initialize(ctx, t, p, *cfg); err != nil {
			return err
		}
	}
	if !p.IsInitialized() {
		return &ConnectionError{Provider: t, Err: ErrNotInitialized}
	}

	ok, err := g.testConnection(ctx, p)
	if err != nil || !ok {
		return &ConnectionError{Provider: t, Err: err}
	}
	return nil
}

// signerChain returns the issuers of cert known to the store, stopping at
// the first link that does not verify.
func (g *Gateway) signerChain(cert *x509.Certificate) []*x509.Certificate {
	leaf, err := certstore.FromX509(cert)
	if err != nil {
		return nil
	}
	built := g.store.BuildChain(leaf)
	var parents []*x509.Certificate
	child := cert
	for _, c := range built[1:] {
		if child.CheckSignatureFrom(c.X509()) != nil {
			break
		}
		parents = append(parents, c.X509())
		child = c.X509()
	}
	return parents
}

// revocationArchival fetches revocation evidence for cert. Failures are
// logged; a signature without embedded evidence is still valid.
func (g *Gateway) revocationArchival(ctx context.Context, cert *x509.Certificate, chain []*x509.Certificate, log *zap.Logger) *revocation.InfoArchival {
	if !g.embedRev || len(chain) == 0 {
		return nil
	}
	status, err := g.revocation.Check(ctx, cert, chain[0])
	if err != nil {
		log.Warn("revocation evidence unavailable", zap.Error(err))
		return nil
	}
	archival := &revocation.InfoArchival{}
	if err := archival.Add(status); err != nil || archival.Empty() {
		return nil
	}
	return archival
}

// providerSigner adapts a Provider to crypto.Signer for pkcs7, which hands
// it the digest of the signed attributes.
type providerSigner struct {
	ctx      context.Context
	gateway  *Gateway
	provider Provider
	keyRef   KeyReference
	cert     *x509.Certificate
	alg      Algorithm

	resp *SignResponse
	err  error
}

func (s *providerSigner) Public() crypto.PublicKey {
	return s.cert.PublicKey
}

func (s *providerSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != s.alg.Hash {
		s.err = &Error{Code: UnsupportedAlgorithm, Provider: s.keyRef.Provider,
			Err: fmt.Errorf("digest %v does not match %s", opts.HashFunc(), s.alg)}
		return nil, s.err
	}
	resp, err := s.gateway.callProvider(s.ctx, s.provider, &SignRequest{
		KeyRef:      s.keyRef,
		Data:        digest,
		Algorithm:   s.alg,
		Certificate: s.cert,
	})
	if err != nil {
		s.err = err
		return nil, err
	}
	s.resp = resp
	return resp.Signature, nil
}

// callProvider invokes Sign with a per attempt timeout, retrying transient
// failures with exponential backoff.
func (g *Gateway) callProvider(ctx context.Context, p Provider, req *SignRequest) (*SignResponse, error) {
	t := req.KeyRef.Provider
	attempt := 0
	operation := func() (*SignResponse, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, g.signTimeout)
		defer cancel()

		resp, err := p.Sign(callCtx, req)
		if err == nil {
			err = checkSignatureSize(resp.Signature, req.Certificate)
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				g.markStale(t)
			}
			serr := &SigningError{Provider: t, KeyID: req.KeyRef.KeyID, Err: err}
			if ctx.Err() != nil || !serr.Retryable() {
				return nil, backoff.Permanent(serr)
			}
			g.logger.Debug("provider sign attempt failed",
				zap.Stringer("provider", t), zap.Int("attempt", attempt), zap.Error(err))
			return nil, serr
		}
		if resp.Algorithm.IsZero() {
			resp.Algorithm = req.Algorithm
		}
		if resp.Timestamp.IsZero() {
			resp.Timestamp = g.now()
		}
		return resp, nil
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.RetryWithData(operation,
		backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.maxRetries)), ctx))
}
