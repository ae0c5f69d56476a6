// Package software provides an in-memory signing provider backed by PEM or
// PKCS #12 key material. It is intended for development and tests; keys
// are held in process memory.
package software

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/digitorus/sigtrust/hsm"
)

// Provider configuration options.
const (
	OptionPKCS12File = "pkcs12_file"
	OptionPassword   = "password"
	OptionKeyFile    = "key_file"
	OptionKeyID      = "key_id"
)

// Credential is a key with its certificate chain.
type Credential struct {
	Signer      crypto.Signer
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

type Provider struct {
	mu          sync.RWMutex
	keys        map[string]Credential
	initialized bool
}

func New() *Provider {
	return &Provider{keys: make(map[string]Credential)}
}

// AddKey registers signer under id. The provider counts as initialized
// once it holds a key.
func (p *Provider) AddKey(id string, signer crypto.Signer, cert *x509.Certificate, chain ...*x509.Certificate) error {
	if signer == nil {
		return hsm.ErrNilSigner
	}
	if cert != nil {
		if err := hsm.ValidateSignerCertificateMatch(signer, cert); err != nil {
			return fmt.Errorf("software: key %q: %w", id, err)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[id] = Credential{Signer: signer, Certificate: cert, Chain: chain}
	p.initialized = true
	return nil
}

// Credential returns the key registered under id.
func (p *Provider) Credential(id string) (Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.keys[id]
	return c, ok
}

// Initialize loads key material named by the configuration options: a
// PKCS #12 file (pkcs12_file, password) or a PEM private key (key_file).
// Keys are registered under key_id, default "default".
func (p *Provider) Initialize(ctx context.Context, cfg hsm.ProviderConfig) error {
	id := cfg.Option(OptionKeyID, "default")

	switch {
	case cfg.Option(OptionPKCS12File, "") != "":
		data, err := os.ReadFile(cfg.Options[OptionPKCS12File])
		if err != nil {
			return fmt.Errorf("software: %w", err)
		}
		cred, err := LoadPKCS12(data, cfg.Options[OptionPassword])
		if err != nil {
			return err
		}
		return p.AddKey(id, cred.Signer, cred.Certificate, cred.Chain...)

	case cfg.Option(OptionKeyFile, "") != "":
		data, err := os.ReadFile(cfg.Options[OptionKeyFile])
		if err != nil {
			return fmt.Errorf("software: %w", err)
		}
		signer, err := ParsePrivateKey(data)
		if err != nil {
			return err
		}
		return p.AddKey(id, signer, nil)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return errors.New("software: no key material configured")
	}
	p.initialized = true
	return nil
}

func (p *Provider) IsInitialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized
}

func (p *Provider) TestConnection(ctx context.Context) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized && len(p.keys) > 0, nil
}

func (p *Provider) Sign(ctx context.Context, req *hsm.SignRequest) (*hsm.SignResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	cred, ok := p.keys[req.KeyRef.KeyID]
	initialized := p.initialized
	p.mu.RUnlock()
	if !initialized {
		return nil, hsm.ErrNotInitialized
	}
	if !ok {
		return nil, fmt.Errorf("software: %w: %q", hsm.ErrKeyNotFound, req.KeyRef.KeyID)
	}
	if req.Certificate != nil {
		if err := hsm.ValidateSignerCertificateMatch(cred.Signer, req.Certificate); err != nil {
			return nil, fmt.Errorf("software: %w", err)
		}
	}

	sig, err := cred.Signer.Sign(rand.Reader, req.Data, req.Algorithm.HashFunc())
	if err != nil {
		return nil, fmt.Errorf("software: sign failed: %w", err)
	}
	return &hsm.SignResponse{
		Signature: sig,
		Algorithm: req.Algorithm,
		Timestamp: time.Now(),
	}, nil
}

// Close drops the initialized state. Keys stay registered so that a
// subsequent Initialize restores the provider.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = false
	return nil
}

// LoadPKCS12 decodes a PKCS #12 bundle with its certificate chain.
func LoadPKCS12(data []byte, password string) (*Credential, error) {
	key, cert, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("software: decode PKCS #12: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("software: %w: %T", hsm.ErrUnsupportedKey, key)
	}
	return &Credential{Signer: signer, Certificate: cert, Chain: chain}, nil
}

// ParsePrivateKey accepts PKCS #8, PKCS #1 and SEC 1 keys in PEM or DER.
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return signer, nil
		}
		return nil, fmt.Errorf("software: %w: %T", hsm.ErrUnsupportedKey, key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("software: unrecognized private key format")
}
