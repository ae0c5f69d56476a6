// Package azure provides an Azure Key Vault signing provider.
package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"

	"github.com/digitorus/sigtrust/hsm"
)

// OptionProbeKey names a key whose metadata is fetched by TestConnection.
const OptionProbeKey = "probe_key"

// KeyVaultClient defines the interface for Azure Key Vault operations used
// by the provider.
type KeyVaultClient interface {
	Sign(ctx context.Context, name string, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error)
	GetKey(ctx context.Context, name string, version string, options *azkeys.GetKeyOptions) (azkeys.GetKeyResponse, error)
}

// Provider signs with Key Vault or Managed HSM keys. A request KeyID is
// "name" or "name/version"; without a version the current one is used.
type Provider struct {
	mu       sync.RWMutex
	client   KeyVaultClient
	probeKey string
	ready    bool
}

// NewProvider returns a provider using client. A nil client is created
// on Initialize for cfg.Endpoint, the vault URL, using the default
// Azure credential chain.
func NewProvider(client KeyVaultClient) *Provider {
	return &Provider{client: client}
}

func (p *Provider) Initialize(ctx context.Context, cfg hsm.ProviderConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		if cfg.Endpoint == "" {
			return errors.New("azure: vault URL is required")
		}
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return fmt.Errorf("azure: credential: %w", err)
		}
		client, err := azkeys.NewClient(cfg.Endpoint, cred, nil)
		if err != nil {
			return fmt.Errorf("azure: create client: %w", err)
		}
		p.client = client
	}
	p.probeKey = cfg.Option(OptionProbeKey, "")
	p.ready = true
	return nil
}

func (p *Provider) IsInitialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *Provider) TestConnection(ctx context.Context) (bool, error) {
	p.mu.RLock()
	client, probe, ready := p.client, p.probeKey, p.ready
	p.mu.RUnlock()
	if !ready {
		return false, hsm.ErrNotInitialized
	}
	if probe == "" {
		return true, nil
	}
	name, version := splitKeyID(probe)
	if _, err := client.GetKey(ctx, name, version, nil); err != nil {
		return false, classify(err)
	}
	return true, nil
}

func (p *Provider) Sign(ctx context.Context, req *hsm.SignRequest) (*hsm.SignResponse, error) {
	p.mu.RLock()
	client, ready := p.client, p.ready
	p.mu.RUnlock()
	if !ready {
		return nil, hsm.ErrNotInitialized
	}
	name, version := splitKeyID(req.KeyRef.KeyID)
	if name == "" {
		return nil, errors.New("azure: key name is required")
	}
	algo := signingAlgorithm(req.Algorithm)
	if algo == "" {
		return nil, fmt.Errorf("azure: unsupported signing algorithm %s", req.Algorithm)
	}

	resp, err := client.Sign(ctx, name, version, azkeys.SignParameters{
		Algorithm: &algo,
		Value:     req.Data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: sign failed: %w", classify(err))
	}

	sig := resp.Result
	if req.Algorithm.Key == hsm.KeyTypeECDSA {
		// Key Vault returns ES* signatures as raw r||s.
		if sig, err = hsm.ECDSASignatureToASN1(sig); err != nil {
			return nil, fmt.Errorf("azure: %w", err)
		}
	}

	return &hsm.SignResponse{
		Signature: sig,
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

func splitKeyID(id string) (name, version string) {
	name, version, _ = strings.Cut(strings.Trim(id, "/"), "/")
	return name, version
}

func signingAlgorithm(alg hsm.Algorithm) azkeys.SignatureAlgorithm {
	switch alg {
	case hsm.RSASHA256:
		return azkeys.SignatureAlgorithmRS256
	case hsm.RSASHA384:
		return azkeys.SignatureAlgorithmRS384
	case hsm.RSASHA512:
		return azkeys.SignatureAlgorithmRS512
	case hsm.ECDSASHA256:
		return azkeys.SignatureAlgorithmES256
	case hsm.ECDSASHA384:
		return azkeys.SignatureAlgorithmES384
	case hsm.ECDSASHA512:
		return azkeys.SignatureAlgorithmES512
	}
	return ""
}

func classify(err error) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	switch {
	case respErr.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %w", hsm.ErrKeyNotFound, err)
	case respErr.StatusCode == http.StatusTooManyRequests, respErr.StatusCode >= 500:
		return fmt.Errorf("%w: %w", hsm.ErrTransient, err)
	}
	return err
}
