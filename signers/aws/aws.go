// Package aws provides an AWS KMS signing provider. Keys held in a KMS
// custom key store backed by AWS CloudHSM are addressed the same way, so
// the provider serves both the KMS and CLOUD_HSM provider types.
package aws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"

	"github.com/digitorus/sigtrust/hsm"
)

// KMSClient defines the interface for AWS KMS operations used by the provider.
type KMSClient interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	ListKeys(ctx context.Context, params *kms.ListKeysInput, optFns ...func(*kms.Options)) (*kms.ListKeysOutput, error)
}

// Provider signs with keys held in AWS KMS.
type Provider struct {
	mu     sync.RWMutex
	client KMSClient
	ready  bool
}

// NewProvider returns a provider using client. A nil client is created
// from the default AWS configuration on Initialize.
func NewProvider(client KMSClient) *Provider {
	return &Provider{client: client}
}

// Initialize loads the default AWS configuration chain. cfg.Region and
// cfg.Endpoint override the region and the KMS endpoint.
func (p *Provider) Initialize(ctx context.Context, cfg hsm.ProviderConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		var opts []func(*config.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return fmt.Errorf("aws: load config: %w", err)
		}
		p.client = kms.NewFromConfig(awsCfg, func(o *kms.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
	}
	p.ready = true
	return nil
}

func (p *Provider) IsInitialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// TestConnection lists a single key to confirm credentials and reachability.
func (p *Provider) TestConnection(ctx context.Context) (bool, error) {
	client, err := p.activeClient()
	if err != nil {
		return false, err
	}
	if _, err := client.ListKeys(ctx, &kms.ListKeysInput{Limit: aws.Int32(1)}); err != nil {
		return false, classify(err)
	}
	return true, nil
}

// Sign signs req.Data as a precomputed digest.
func (p *Provider) Sign(ctx context.Context, req *hsm.SignRequest) (*hsm.SignResponse, error) {
	client, err := p.activeClient()
	if err != nil {
		return nil, err
	}
	if req.KeyRef.KeyID == "" {
		return nil, fmt.Errorf("aws: key id is required")
	}
	algo := signingAlgorithm(req.Algorithm)
	if algo == "" {
		return nil, fmt.Errorf("aws: unsupported signing algorithm %s", req.Algorithm)
	}

	output, err := client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(req.KeyRef.KeyID),
		Message:          req.Data,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: algo,
	})
	if err != nil {
		return nil, fmt.Errorf("aws: sign failed: %w", classify(err))
	}

	return &hsm.SignResponse{
		Signature: output.Signature,
		Algorithm: req.Algorithm,
		Timestamp: time.Now(),
	}, nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = false
	return nil
}

func (p *Provider) activeClient() (KMSClient, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.ready || p.client == nil {
		return nil, hsm.ErrNotInitialized
	}
	return p.client, nil
}

// signingAlgorithm maps to the PKCS #1 v1.5 and ECDSA specs. PSS is never
// used because CMS signer infos carry the rsaEncryption OID.
func signingAlgorithm(alg hsm.Algorithm) types.SigningAlgorithmSpec {
	switch alg {
	case hsm.RSASHA256:
		return types.SigningAlgorithmSpecRsassaPkcs1V15Sha256
	case hsm.RSASHA384:
		return types.SigningAlgorithmSpecRsassaPkcs1V15Sha384
	case hsm.RSASHA512:
		return types.SigningAlgorithmSpecRsassaPkcs1V15Sha512
	case hsm.ECDSASHA256:
		return types.SigningAlgorithmSpecEcdsaSha256
	case hsm.ECDSASHA384:
		return types.SigningAlgorithmSpecEcdsaSha384
	case hsm.ECDSASHA512:
		return types.SigningAlgorithmSpecEcdsaSha512
	}
	return ""
}

// classify marks throttling and KMS side failures as transient.
func classify(err error) error {
	var (
		internal *types.KMSInternalException
		depTime  *types.DependencyTimeoutException
		notFound *types.NotFoundException
		apiErr   smithy.APIError
	)
	switch {
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: %w", hsm.ErrKeyNotFound, err)
	case errors.As(err, &internal), errors.As(err, &depTime):
		return fmt.Errorf("%w: %w", hsm.ErrTransient, err)
	case errors.As(err, &apiErr) && apiErr.ErrorFault() == smithy.FaultServer,
		errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException":
		return fmt.Errorf("%w: %w", hsm.ErrTransient, err)
	}
	return err
}
