package gcp

import (
	"context"
	"errors"
	"hash/crc32"
	"testing"

	"cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/digitorus/sigtrust/hsm"
)

const keyName = "projects/p/locations/global/keyRings/r/cryptoKeys/k/cryptoKeyVersions/1"

type mockKMSClient struct {
	asymmetricSignFunc func(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
	getPublicKeyFunc   func(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...gax.CallOption) (*kmspb.PublicKey, error)
}

func (m *mockKMSClient) AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error) {
	return m.asymmetricSignFunc(ctx, req, opts...)
}

func (m *mockKMSClient) GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...gax.CallOption) (*kmspb.PublicKey, error) {
	return m.getPublicKeyFunc(ctx, req, opts...)
}

func signed(sig []byte) *kmspb.AsymmetricSignResponse {
	return &kmspb.AsymmetricSignResponse{
		Signature:            sig,
		SignatureCrc32C:      wrapperspb.Int64(int64(crc32.Checksum(sig, crc32c))),
		VerifiedDigestCrc32C: true,
		Name:                 keyName,
	}
}

func newProvider(t *testing.T, mock *mockKMSClient, cfg hsm.ProviderConfig) *Provider {
	t.Helper()
	p := NewProvider(mock)
	require.NoError(t, p.Initialize(context.Background(), cfg))
	return p
}

func TestProvider_Sign(t *testing.T) {
	tests := []struct {
		alg   hsm.Algorithm
		check func(t *testing.T, d *kmspb.Digest)
	}{
		{hsm.ECDSASHA256, func(t *testing.T, d *kmspb.Digest) { assert.Equal(t, []byte("digest"), d.GetSha256()) }},
		{hsm.ECDSASHA384, func(t *testing.T, d *kmspb.Digest) { assert.Equal(t, []byte("digest"), d.GetSha384()) }},
		{hsm.RSASHA512, func(t *testing.T, d *kmspb.Digest) { assert.Equal(t, []byte("digest"), d.GetSha512()) }},
	}
	for _, tt := range tests {
		t.Run(tt.alg.String(), func(t *testing.T) {
			mock := &mockKMSClient{
				asymmetricSignFunc: func(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error) {
					assert.Equal(t, keyName, req.Name)
					assert.Equal(t, int64(crc32.Checksum([]byte("digest"), crc32c)), req.DigestCrc32C.GetValue())
					tt.check(t, req.Digest)
					return signed([]byte("mock-signature")), nil
				},
			}
			p := newProvider(t, mock, hsm.ProviderConfig{})
			resp, err := p.Sign(context.Background(), &hsm.SignRequest{
				KeyRef:    hsm.KeyReference{Provider: hsm.ProviderGoogleKMS, KeyID: keyName},
				Data:      []byte("digest"),
				Algorithm: tt.alg,
			})
			require.NoError(t, err)
			assert.Equal(t, "mock-signature", string(resp.Signature))
		})
	}
}

func TestProvider_Sign_Error(t *testing.T) {
	tests := []struct {
		name      string
		resp      *kmspb.AsymmetricSignResponse
		err       error
		transient bool
		notFound  bool
	}{
		{name: "generic", err: errors.New("kms error")},
		{name: "unavailable", err: status.Error(codes.Unavailable, "down"), transient: true},
		{name: "quota", err: status.Error(codes.ResourceExhausted, "quota"), transient: true},
		{name: "denied", err: status.Error(codes.PermissionDenied, "no")},
		{name: "not found", err: status.Error(codes.NotFound, "gone"), notFound: true},
		{name: "digest crc", resp: &kmspb.AsymmetricSignResponse{Signature: []byte("x")}, transient: true},
		{name: "signature crc", resp: &kmspb.AsymmetricSignResponse{
			Signature:            []byte("x"),
			SignatureCrc32C:      wrapperspb.Int64(1),
			VerifiedDigestCrc32C: true,
		}, transient: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockKMSClient{
				asymmetricSignFunc: func(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error) {
					return tt.resp, tt.err
				},
			}
			p := newProvider(t, mock, hsm.ProviderConfig{})
			_, err := p.Sign(context.Background(), &hsm.SignRequest{
				KeyRef:    hsm.KeyReference{KeyID: keyName},
				Data:      []byte("digest"),
				Algorithm: hsm.ECDSASHA256,
			})
			require.Error(t, err)
			assert.Equal(t, tt.transient, errors.Is(err, hsm.ErrTransient))
			assert.Equal(t, tt.notFound, errors.Is(err, hsm.ErrKeyNotFound))
		})
	}
}

func TestProvider_UnsupportedHash(t *testing.T) {
	p := newProvider(t, &mockKMSClient{}, hsm.ProviderConfig{})
	_, err := p.Sign(context.Background(), &hsm.SignRequest{
		KeyRef:    hsm.KeyReference{KeyID: keyName},
		Data:      []byte("digest"),
		Algorithm: hsm.Algorithm{Name: "MD5"},
	})
	assert.Error(t, err)
}

func TestProvider_TestConnection(t *testing.T) {
	var probed string
	mock := &mockKMSClient{
		getPublicKeyFunc: func(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...gax.CallOption) (*kmspb.PublicKey, error) {
			probed = req.Name
			if req.Name == "bad" {
				return nil, status.Error(codes.Unavailable, "down")
			}
			return &kmspb.PublicKey{Name: req.Name}, nil
		},
	}

	p := NewProvider(mock)
	_, err := p.TestConnection(context.Background())
	assert.ErrorIs(t, err, hsm.ErrNotInitialized)

	p = newProvider(t, mock, hsm.ProviderConfig{})
	ok, err := p.TestConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, probed)

	p = newProvider(t, mock, hsm.ProviderConfig{Options: map[string]string{OptionProbeKey: keyName}})
	ok, err = p.TestConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, keyName, probed)

	p = newProvider(t, mock, hsm.ProviderConfig{Options: map[string]string{OptionProbeKey: "bad"}})
	ok, err = p.TestConnection(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, hsm.ErrTransient)

	require.NoError(t, p.Close())
	assert.False(t, p.IsInitialized())
}
