// Package hsm signs documents with keys held by hardware security modules
// and key management services and wraps the result in a CMS envelope.
//
// Providers are registered per ProviderType on a Gateway. The gateway owns
// algorithm selection, CMS assembly, timestamping and signature validation;
// providers only turn a digest into a raw signature.
package hsm

import (
	"context"
	"crypto/x509"
	"fmt"
	"strings"
	"time"
)

// ProviderType is the closed set of supported key custody backends.
type ProviderType string

const (
	// ProviderCloudHSM is a remote signing service speaking the Cloud
	// Signature Consortium API.
	ProviderCloudHSM  ProviderType = "CLOUD_HSM"
	ProviderKMS       ProviderType = "KMS"
	ProviderGoogleKMS ProviderType = "GOOGLE_KMS"
	ProviderKeyVault  ProviderType = "KEY_VAULT"
	ProviderPKCS11    ProviderType = "PKCS11"
	// ProviderSoftware keeps keys in process memory. Development and tests
	// only.
	ProviderSoftware ProviderType = "SOFTWARE"
)

// ProviderTypes lists every ProviderType.
var ProviderTypes = []ProviderType{
	ProviderCloudHSM,
	ProviderKMS,
	ProviderGoogleKMS,
	ProviderKeyVault,
	ProviderPKCS11,
	ProviderSoftware,
}

func (t ProviderType) Valid() bool {
	for _, p := range ProviderTypes {
		if p == t {
			return true
		}
	}
	return false
}

func (t ProviderType) String() string {
	return string(t)
}

// ParseProviderType accepts the enum name in any letter case.
func ParseProviderType(s string) (ProviderType, error) {
	t := ProviderType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown provider type %q", s)
	}
	return t, nil
}

// KeyReference names a key inside a provider. It never carries key
// material.
type KeyReference struct {
	Provider ProviderType
	KeyID    string
}

func (k KeyReference) String() string {
	return string(k.Provider) + ":" + k.KeyID
}

// ProviderConfig is passed to Provider.Initialize. Options carries
// provider specific settings such as credentials or module paths.
type ProviderConfig struct {
	Endpoint string
	Region   string
	Timeout  time.Duration
	Options  map[string]string
}

// Option returns Options[key] or def when unset.
func (c ProviderConfig) Option(key, def string) string {
	if v, ok := c.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// SignRequest asks a provider to sign a digest.
type SignRequest struct {
	KeyRef KeyReference
	// Data is the digest to sign, computed with Algorithm.Hash.
	Data        []byte
	Algorithm   Algorithm
	Certificate *x509.Certificate
}

type SignResponse struct {
	Signature []byte
	Algorithm Algorithm
	Timestamp time.Time
}

// Provider is implemented by every key custody backend.
type Provider interface {
	Initialize(ctx context.Context, cfg ProviderConfig) error
	IsInitialized() bool
	TestConnection(ctx context.Context) (bool, error)
	Sign(ctx context.Context, req *SignRequest) (*SignResponse, error)
	Close() error
}
