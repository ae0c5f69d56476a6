package hsm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterProvider(t *testing.T) {
	g := NewGateway(Options{})

	_, err := g.GetProvider(ProviderKMS)
	var herr *Error
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, ProviderNotRegistered, herr.Code)

	err = g.RegisterProvider(ProviderType("TPM"), newFakeProvider(nil))
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, InvalidProviderType, herr.Code)

	assert.Error(t, g.RegisterProvider(ProviderKMS, nil))

	p := newFakeProvider(nil)
	require.NoError(t, g.RegisterProvider(ProviderKMS, p))
	got, err := g.GetProvider(ProviderKMS)
	require.NoError(t, err)
	assert.Same(t, p, got)
	assert.Equal(t, []ProviderType{ProviderKMS}, g.Providers())
}

func TestInitializeAllProviders(t *testing.T) {
	g := NewGateway(Options{})
	ok := newFakeProvider(nil)
	ok.initialized = false
	failing := newFakeProvider(nil)
	failing.initialized = false
	failing.initErr = errors.New("credentials rejected")
	require.NoError(t, g.RegisterProvider(ProviderKMS, ok))
	require.NoError(t, g.RegisterProvider(ProviderKeyVault, failing))

	err := g.InitializeAllProviders(context.Background(), map[ProviderType]ProviderConfig{
		ProviderKMS:       {Region: "eu-west-1"},
		ProviderKeyVault:  {Endpoint: "https://vault.example"},
		ProviderGoogleKMS: {},
	})
	require.Error(t, err)

	var cerr *ConnectionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, ProviderKeyVault, cerr.Provider)
	assert.True(t, cerr.Retryable())

	var herr *Error
	require.True(t, errors.As(err, &herr), "unregistered provider is reported")
	assert.Equal(t, ProviderNotRegistered, herr.Code)

	assert.True(t, ok.IsInitialized())
	assert.Equal(t, "eu-west-1", ok.lastConfig.Region)
	assert.Equal(t, 1, failing.initCalls)
}

func TestTestAllConnections(t *testing.T) {
	g := NewGateway(Options{})
	up := newFakeProvider(nil)
	down := newFakeProvider(nil)
	down.connected = false
	require.NoError(t, g.RegisterProvider(ProviderPKCS11, up))
	require.NoError(t, g.RegisterProvider(ProviderCloudHSM, down))

	assert.Equal(t, map[ProviderType]bool{
		ProviderPKCS11:   true,
		ProviderCloudHSM: false,
	}, g.TestAllConnections(context.Background()))
}

func TestCloseAllConnections(t *testing.T) {
	g := NewGateway(Options{})
	a, b := newFakeProvider(nil), newFakeProvider(nil)
	require.NoError(t, g.RegisterProvider(ProviderPKCS11, a))
	require.NoError(t, g.RegisterProvider(ProviderSoftware, b))

	require.NoError(t, g.CloseAllConnections())
	assert.Equal(t, 1, a.closeCalls)
	assert.Equal(t, 1, b.closeCalls)
	assert.False(t, a.IsInitialized())
}
