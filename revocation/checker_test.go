package revocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitorus/sigtrust/internal/testpki"
)

func newPKI(t *testing.T) *testpki.TestPKI {
	t.Helper()
	pki := testpki.NewTestPKI(t)
	pki.StartServer()
	t.Cleanup(pki.Close)
	return pki
}

func TestCheckOCSPGood(t *testing.T) {
	pki := newPKI(t)
	_, leaf := pki.IssueLeaf("signer")
	issuer, _ := pki.Issuer()

	checker := NewHTTPChecker(Options{})
	status, err := checker.Check(context.Background(), leaf, issuer)
	require.NoError(t, err)

	assert.False(t, status.IsRevoked)
	assert.Equal(t, MethodOCSP, status.Method)
	assert.NotEmpty(t, status.Response)
	assert.WithinDuration(t, time.Now(), status.CheckedAt, time.Minute)

	crl, ocsp, _ := pki.Requests()
	assert.Equal(t, 0, crl, "CRL must not be consulted when OCSP answers")
	assert.Equal(t, 1, ocsp)
}

func TestCheckRevoked(t *testing.T) {
	tests := []struct {
		name     string
		failOCSP bool
		method   Method
	}{
		{"via OCSP", false, MethodOCSP},
		{"via CRL fallback", true, MethodCRL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pki := newPKI(t)
			_, leaf := pki.IssueLeaf("revoked signer")
			issuer, _ := pki.Issuer()
			pki.Revoke(leaf)
			pki.SetFailOCSP(tt.failOCSP)

			status, err := NewHTTPChecker(Options{}).Check(context.Background(), leaf, issuer)
			require.NoError(t, err)
			assert.True(t, status.IsRevoked)
			assert.Equal(t, tt.method, status.Method)
			assert.Equal(t, "keyCompromise", status.Reason)
			assert.False(t, status.RevokedAt.IsZero())
		})
	}
}

func TestCheckBothFail(t *testing.T) {
	pki := newPKI(t)
	_, leaf := pki.IssueLeaf("signer")
	issuer, _ := pki.Issuer()
	pki.SetFailOCSP(true)
	pki.SetFailCRL(true)

	_, err := NewHTTPChecker(Options{}).Check(context.Background(), leaf, issuer)
	require.Error(t, err)

	var checkErr *CheckError
	require.True(t, errors.As(err, &checkErr))
	assert.Error(t, checkErr.OCSP)
	assert.Error(t, checkErr.CRL)
	assert.Contains(t, err.Error(), "ocsp=")
	assert.Contains(t, err.Error(), "crl=")
}

func TestCheckWithoutEndpoints(t *testing.T) {
	pki := testpki.NewTestPKI(t)
	_, leaf := pki.IssueLeaf("offline signer")
	issuer, _ := pki.Issuer()

	_, err := NewHTTPChecker(Options{}).Check(context.Background(), leaf, issuer)
	assert.ErrorIs(t, err, ErrNoOCSPServer)
	assert.ErrorIs(t, err, ErrNoCRLEndpoint)
}

func TestCheckRequiresIssuer(t *testing.T) {
	pki := newPKI(t)
	_, leaf := pki.IssueLeaf("signer")

	_, err := NewHTTPChecker(Options{}).Check(context.Background(), leaf, nil)
	assert.ErrorIs(t, err, ErrIssuerRequired)
}

func TestCheckRetries(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		attempts   int
	}{
		{"two retries", 2, 3},
		{"no retries", 0, 1},
		{"negative is no retries", -1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pki := newPKI(t)
			_, leaf := pki.IssueLeaf("signer")
			issuer, _ := pki.Issuer()
			pki.SetFailOCSP(true)

			status, err := NewHTTPChecker(Options{MaxRetries: tt.maxRetries}).Check(context.Background(), leaf, issuer)
			require.NoError(t, err)
			assert.Equal(t, MethodCRL, status.Method)

			_, ocsp, _ := pki.Requests()
			assert.Equal(t, tt.attempts, ocsp)
		})
	}
}

func TestCheckCancelled(t *testing.T) {
	pki := newPKI(t)
	_, leaf := pki.IssueLeaf("signer")
	issuer, _ := pki.Issuer()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHTTPChecker(Options{}).Check(ctx, leaf, issuer)
	var checkErr *CheckError
	assert.True(t, errors.As(err, &checkErr))
}

func TestCheckUsesCache(t *testing.T) {
	pki := newPKI(t)
	_, leaf := pki.IssueLeaf("signer")
	issuer, _ := pki.Issuer()

	checker := NewHTTPChecker(Options{Cache: NewMemoryCache(time.Hour)})
	for i := 0; i < 3; i++ {
		status, err := checker.Check(context.Background(), leaf, issuer)
		require.NoError(t, err)
		assert.False(t, status.IsRevoked)
	}

	_, ocsp, _ := pki.Requests()
	assert.Equal(t, 1, ocsp)
}

func TestCheckCachesCRL(t *testing.T) {
	pki := newPKI(t)
	_, leaf := pki.IssueLeaf("signer")
	issuer, _ := pki.Issuer()
	pki.SetFailOCSP(true)

	checker := NewHTTPChecker(Options{Cache: NewMemoryCache(time.Hour)})
	for i := 0; i < 2; i++ {
		status, err := checker.Check(context.Background(), leaf, issuer)
		require.NoError(t, err)
		assert.Equal(t, MethodCRL, status.Method)
	}

	crl, _, _ := pki.Requests()
	assert.Equal(t, 1, crl)
}
