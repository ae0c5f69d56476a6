// Package gcp provides a Google Cloud KMS signing provider.
package gcp

import (
	"context"
	"crypto"
	"fmt"
	"hash/crc32"
	"io"
	"sync"
	"time"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/digitorus/sigtrust/hsm"
)

// OptionProbeKey names a key version whose public key is fetched by
// TestConnection.
const OptionProbeKey = "probe_key"

// KMSClient defines the interface for GCP KMS operations used by the provider.
type KMSClient interface {
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...gax.CallOption) (*kmspb.PublicKey, error)
}

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// Provider signs with Cloud KMS key versions. The KeyID of a request is
// the full resource name of the key version.
type Provider struct {
	mu       sync.RWMutex
	client   KMSClient
	owned    io.Closer
	probeKey string
	ready    bool
}

// NewProvider returns a provider using client. A nil client is dialed on
// Initialize with application default credentials.
func NewProvider(client KMSClient) *Provider {
	return &Provider{client: client}
}

func (p *Provider) Initialize(ctx context.Context, cfg hsm.ProviderConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		var opts []option.ClientOption
		if cfg.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		}
		if file := cfg.Option("credentials_file", ""); file != "" {
			opts = append(opts, option.WithCredentialsFile(file))
		}
		client, err := kms.NewKeyManagementClient(ctx, opts...)
		if err != nil {
			return fmt.Errorf("gcp: create client: %w", classify(err))
		}
		p.client = client
		p.owned = client
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

// TestConnection fetches the public key of the probe key when one is
// configured. Without a probe key an initialized client is assumed
// reachable.
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
	if _, err := client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: probe}); err != nil {
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
	if req.KeyRef.KeyID == "" {
		return nil, fmt.Errorf("gcp: key name is required")
	}

	digest, err := digestFor(req.Algorithm, req.Data)
	if err != nil {
		return nil, err
	}
	resp, err := client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name:         req.KeyRef.KeyID,
		Digest:       digest,
		DigestCrc32C: wrapperspb.Int64(int64(crc32.Checksum(req.Data, crc32c))),
	})
	if err != nil {
		return nil, fmt.Errorf("gcp: sign failed: %w", classify(err))
	}

	// Both checksums guard against corruption in transit.
	if !resp.VerifiedDigestCrc32C {
		return nil, fmt.Errorf("gcp: %w: request digest corrupted in transit", hsm.ErrTransient)
	}
	if resp.SignatureCrc32C != nil && int64(crc32.Checksum(resp.Signature, crc32c)) != resp.SignatureCrc32C.Value {
		return nil, fmt.Errorf("gcp: %w: response signature corrupted in transit", hsm.ErrTransient)
	}

	return &hsm.SignResponse{
		Signature: resp.Signature,
		Algorithm: req.Algorithm,
		Timestamp: time.Now(),
	}, nil
}

// Close releases a client dialed by Initialize.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = false
	if p.owned == nil {
		return nil
	}
	err := p.owned.Close()
	p.owned, p.client = nil, nil
	return err
}

func digestFor(alg hsm.Algorithm, digest []byte) (*kmspb.Digest, error) {
	switch alg.Hash {
	case crypto.SHA256:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha256{Sha256: digest}}, nil
	case crypto.SHA384:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha384{Sha384: digest}}, nil
	case crypto.SHA512:
		return &kmspb.Digest{Digest: &kmspb.Digest_Sha512{Sha512: digest}}, nil
	}
	return nil, fmt.Errorf("gcp: unsupported hash function: %v", alg.Hash)
}

func classify(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Internal, codes.Aborted:
		return fmt.Errorf("%w: %w", hsm.ErrTransient, err)
	case codes.NotFound:
		return fmt.Errorf("%w: %w", hsm.ErrKeyNotFound, err)
	}
	return err
}
