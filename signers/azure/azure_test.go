package azure

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azkeys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitorus/sigtrust/hsm"
)

type mockKeyVaultClient struct {
	signFunc   func(ctx context.Context, name string, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error)
	getKeyFunc func(ctx context.Context, name string, version string, options *azkeys.GetKeyOptions) (azkeys.GetKeyResponse, error)
}

func (m *mockKeyVaultClient) Sign(ctx context.Context, name string, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error) {
	return m.signFunc(ctx, name, version, parameters, options)
}

func (m *mockKeyVaultClient) GetKey(ctx context.Context, name string, version string, options *azkeys.GetKeyOptions) (azkeys.GetKeyResponse, error) {
	return m.getKeyFunc(ctx, name, version, options)
}

func result(sig []byte) azkeys.SignResponse {
	return azkeys.SignResponse{KeyOperationResult: azkeys.KeyOperationResult{Result: sig}}
}

func initialized(t *testing.T, mock KeyVaultClient, opts map[string]string) *Provider {
	t.Helper()
	p := NewProvider(mock)
	require.NoError(t, p.Initialize(context.Background(), hsm.ProviderConfig{Options: opts}))
	return p
}

func TestProvider_SignRSA(t *testing.T) {
	mock := &mockKeyVaultClient{
		signFunc: func(ctx context.Context, name string, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error) {
			assert.Equal(t, "test-key", name)
			assert.Equal(t, "v2", version)
			assert.Equal(t, azkeys.SignatureAlgorithmRS512, *parameters.Algorithm)
			return result([]byte("mock-signature")), nil
		},
	}
	p := initialized(t, mock, nil)
	resp, err := p.Sign(context.Background(), &hsm.SignRequest{
		KeyRef:    hsm.KeyReference{Provider: hsm.ProviderKeyVault, KeyID: "test-key/v2"},
		Data:      []byte("digest"),
		Algorithm: hsm.RSASHA512,
	})
	require.NoError(t, err)
	assert.Equal(t, "mock-signature", string(resp.Signature))
}

func TestProvider_SignECDSAConvertsToDER(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("document"))

	mock := &mockKeyVaultClient{
		signFunc: func(ctx context.Context, name string, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error) {
			assert.Empty(t, version)
			r, s, err := ecdsa.Sign(rand.Reader, key, parameters.Value)
			require.NoError(t, err)
			raw := make([]byte, 64)
			r.FillBytes(raw[:32])
			s.FillBytes(raw[32:])
			return result(raw), nil
		},
	}
	p := initialized(t, mock, nil)
	resp, err := p.Sign(context.Background(), &hsm.SignRequest{
		KeyRef:    hsm.KeyReference{KeyID: "ec-key"},
		Data:      digest[:],
		Algorithm: hsm.ECDSASHA256,
	})
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(&key.PublicKey, digest[:], resp.Signature))
}

func TestProvider_Sign_Error(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		notFound  bool
	}{
		{"generic", errors.New("vault error"), false, false},
		{"throttled", &azcore.ResponseError{StatusCode: http.StatusTooManyRequests}, true, false},
		{"unavailable", &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, true, false},
		{"forbidden", &azcore.ResponseError{StatusCode: http.StatusForbidden}, false, false},
		{"not found", &azcore.ResponseError{StatusCode: http.StatusNotFound}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockKeyVaultClient{
				signFunc: func(ctx context.Context, name string, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error) {
					return azkeys.SignResponse{}, tt.err
				},
			}
			p := initialized(t, mock, nil)
			_, err := p.Sign(context.Background(), &hsm.SignRequest{
				KeyRef: hsm.KeyReference{KeyID: "k"}, Data: []byte("d"), Algorithm: hsm.RSASHA256,
			})
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.Is(err, hsm.ErrTransient))
			assert.Equal(t, tt.notFound, errors.Is(err, hsm.ErrKeyNotFound))
		})
	}
}

func TestProvider_MalformedECDSAResult(t *testing.T) {
	mock := &mockKeyVaultClient{
		signFunc: func(ctx context.Context, name string, version string, parameters azkeys.SignParameters, options *azkeys.SignOptions) (azkeys.SignResponse, error) {
			return result([]byte{1, 2, 3}), nil
		},
	}
	p := initialized(t, mock, nil)
	_, err := p.Sign(context.Background(), &hsm.SignRequest{
		KeyRef: hsm.KeyReference{KeyID: "k"}, Data: []byte("d"), Algorithm: hsm.ECDSASHA256,
	})
	assert.Error(t, err)
}

func TestProvider_TestConnection(t *testing.T) {
	mock := &mockKeyVaultClient{
		getKeyFunc: func(ctx context.Context, name string, version string, options *azkeys.GetKeyOptions) (azkeys.GetKeyResponse, error) {
			if name == "probe" && version == "1" {
				return azkeys.GetKeyResponse{}, nil
			}
			return azkeys.GetKeyResponse{}, &azcore.ResponseError{StatusCode: http.StatusBadGateway}
		},
	}

	ok, err := initialized(t, mock, map[string]string{OptionProbeKey: "probe/1"}).TestConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = initialized(t, mock, map[string]string{OptionProbeKey: "other"}).TestConnection(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, hsm.ErrTransient)

	p := NewProvider(mock)
	_, err = p.TestConnection(context.Background())
	assert.ErrorIs(t, err, hsm.ErrNotInitialized)
	assert.Error(t, NewProvider(nil).Initialize(context.Background(), hsm.ProviderConfig{}))
}

func TestSplitKeyID(t *testing.T) {
	tests := []struct{ in, name, version string }{
		{"key", "key", ""},
		{"key/abc", "key", "abc"},
		{"/key/abc/", "key", "abc"},
	}
	for _, tt := range tests {
		name, version := splitKeyID(tt.in)
		assert.Equal(t, tt.name, name)
		assert.Equal(t, tt.version, version)
	}
}
