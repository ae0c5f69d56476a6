// Package sigtrust runs accountable signing workflows. A document is
// signed through an HSM provider, the resulting signature and its
// certificate chain are validated independently, and every step is
// recorded in a hash-chained audit trail from which a compliance report
// is derived.
//
// Basic usage:
//
//	svc := sigtrust.New(sigtrust.Options{})
//	defer svc.Close()
//
//	result, err := svc.Sign("contract-42", document, keyRef, cert).
//	    Signer(signer).
//	    Framework(compliance.EIDAS).
//	    Execute(ctx)
//
//	data, err := result.Report.JSON()
package sigtrust

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/digitorus/sigtrust/certstore"
	"github.com/digitorus/sigtrust/compliance"
	"github.com/digitorus/sigtrust/hsm"
	"github.com/digitorus/sigtrust/metrics"
)

// Options configures a Service. Components left nil are created with
// default settings and share Logger and Metrics.
type Options struct {
	Store      *certstore.Store
	Gateway    *hsm.Gateway
	Compliance *compliance.Engine

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Service ties the certificate store, the signing gateway and the
// compliance engine together. It is safe for concurrent use.
type Service struct {
	store   *certstore.Store
	gateway *hsm.Gateway
	engine  *compliance.Engine
	logger  *zap.Logger
}

func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil && opts.Gateway != nil {
		store = opts.Gateway.Store()
	}
	if store == nil {
		store = certstore.New(certstore.Options{Logger: logger, Metrics: opts.Metrics})
	}
	gateway := opts.Gateway
	if gateway == nil {
		gateway = hsm.NewGateway(hsm.Options{Store: store, Logger: logger, Metrics: opts.Metrics})
	}
	engine := opts.Compliance
	if engine == nil {
		engine = compliance.NewEngine(compliance.Options{Logger: logger, Metrics: opts.Metrics})
	}
	return &Service{
		store:   store,
		gateway: gateway,
		engine:  engine,
		logger:  logger,
	}
}

func (s *Service) Store() *certstore.Store {
	return s.store
}

func (s *Service) Gateway() *hsm.Gateway {
	return s.gateway
}

func (s *Service) Compliance() *compliance.Engine {
	return s.engine
}

// ValidateChain parses PEM or DER certificates, leaf first, and validates
// the chain they form with the certificate store.
func (s *Service) ValidateChain(ctx context.Context, data []byte) (*certstore.ChainValidationResult, error) {
	certs, err := certstore.ParseCertificates(data)
	if err != nil {
		return nil, err
	}
	return s.store.ValidateChain(ctx, certs)
}

// Verify validates a detached CMS signature over content.
func (s *Service) Verify(ctx context.Context, signature, content []byte) (*hsm.SignatureValidationResult, error) {
	sig, err := hsm.ParseCMSSignature(signature, content, s.gateway.DigestAlgorithm())
	if err != nil {
		return nil, err
	}
	return s.gateway.ValidateHSMSignature(ctx, sig)
}

// Close releases all provider connections and the audit log.
func (s *Service) Close() error {
	return errors.Join(s.gateway.CloseAllConnections(), s.engine.Close())
}
