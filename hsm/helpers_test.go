package hsm

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/digitorus/sigtrust/certstore"
	"github.com/digitorus/sigtrust/internal/testpki"
)

// fakeProvider signs with an in-memory key and can be scripted to fail.
type fakeProvider struct {
	mu          sync.Mutex
	signer      crypto.Signer
	initialized bool
	initErr     error
	connected   bool
	signErrs    []error
	blockCalls  int
	signature   []byte

	initCalls, closeCalls, signCalls int
	lastConfig                       ProviderConfig
}

func newFakeProvider(signer crypto.Signer) *fakeProvider {
	return &fakeProvider{signer: signer, initialized: true, connected: true}
}

func (p *fakeProvider) Initialize(ctx context.Context, cfg ProviderConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initCalls++
	p.lastConfig = cfg
	if p.initErr != nil {
		return p.initErr
	}
	p.initialized = true
	return nil
}

func (p *fakeProvider) IsInitialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized
}

func (p *fakeProvider) TestConnection(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized && p.connected, nil
}

func (p *fakeProvider) Sign(ctx context.Context, req *SignRequest) (*SignResponse, error) {
	p.mu.Lock()
	p.signCalls++
	var scripted error
	if len(p.signErrs) > 0 {
		scripted, p.signErrs = p.signErrs[0], p.signErrs[1:]
	}
	block := p.blockCalls > 0
	if block {
		p.blockCalls--
	}
	fixed := p.signature
	p.mu.Unlock()

	if scripted != nil {
		return nil, scripted
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fixed != nil {
		return &SignResponse{Signature: fixed}, nil
	}
	sig, err := p.signer.Sign(rand.Reader, req.Data, req.Algorithm)
	if err != nil {
		return nil, err
	}
	return &SignResponse{Signature: sig, Algorithm: req.Algorithm}, nil
}

func (p *fakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	p.initialized = false
	return nil
}

type fixture struct {
	pki      *testpki.TestPKI
	store    *certstore.Store
	key      crypto.Signer
	leaf     *x509.Certificate
	provider *fakeProvider
	keyRef   KeyReference
}

// newFixture returns a PKI whose root is trusted by a store without
// revocation checking, plus a leaf whose key backs a fake provider.
func newFixture(t *testing.T, profile testpki.KeyProfile, server bool) *fixture {
	t.Helper()
	pki := testpki.NewTestPKIWithConfig(t, testpki.TestPKIConfig{Profile: profile, IntermediateCAs: 1})
	if server {
		pki.StartServer()
		t.Cleanup(pki.Close)
	}
	key, leaf := pki.IssueLeaf("HSM Signer")

	store := certstore.New(certstore.Options{DisableRevocation: true})
	root, err := certstore.FromX509(pki.RootCert)
	require.NoError(t, err)
	store.AddTrustedRoot(root)
	inter, err := certstore.FromX509(pki.IntermediateCerts[0])
	require.NoError(t, err)
	store.AddIntermediate(inter)

	return &fixture{
		pki:      pki,
		store:    store,
		key:      key,
		leaf:     leaf,
		provider: newFakeProvider(key),
		keyRef:   KeyReference{Provider: ProviderSoftware, KeyID: "signing-key"},
	}
}

func (f *fixture) gateway(t *testing.T, opts Options) *Gateway {
	t.Helper()
	opts.Store = f.store
	g := NewGateway(opts)
	require.NoError(t, g.RegisterProvider(ProviderSoftware, f.provider))
	return g
}

func hasIssue(issues []certstore.ValidationIssue, code string) bool {
	for _, i := range issues {
		if i.Code == code {
			return true
		}
	}
	return false
}
