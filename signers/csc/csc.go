// Package csc provides a Cloud Signature Consortium (CSC) API provider for
// remote signing with credentials held by a trust service provider.
//
// This package implements the CSC API v2 specification, which is the
// current standard for cloud-based digital signatures. It should be
// compatible with CSC v1.0.4, v2.0, v2.1, and v2.2 compliant services.
//
// Usage:
//
//	p := csc.NewProvider(nil)
//	err := p.Initialize(ctx, hsm.ProviderConfig{
//	    Endpoint: "https://signing-service.example.com/csc/v1",
//	    Options:  map[string]string{csc.OptionAuthToken: "Bearer ey..."},
//	})
//
// The KeyID of a sign request is the CSC credential ID.
//
// See https://cloudsignatureconsortium.org/ for the CSC API specification.
package csc

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/digitorus/sigtrust/hsm"
)

// Provider configuration options.
const (
	OptionAuthToken = "auth_token"
	OptionPIN       = "pin"
	OptionOTP       = "otp"
)

// Provider implements hsm.Provider using the CSC API.
type Provider struct {
	mu          sync.RWMutex
	httpClient  *http.Client
	baseURL     string
	authToken   string
	pin         string
	otp         string
	credentials map[string]*credential
	ready       bool
}

type credential struct {
	algorithms  []string
	certificate *x509.Certificate
}

// NewProvider returns a provider that sends requests with client, or with
// a client using the configured timeout when nil.
func NewProvider(client *http.Client) *Provider {
	return &Provider{httpClient: client}
}

// Initialize stores the service URL and credentials. No request is made;
// use TestConnection to reach the service.
func (p *Provider) Initialize(ctx context.Context, cfg hsm.ProviderConfig) error {
	if cfg.Endpoint == "" {
		return fmt.Errorf("csc: BaseURL is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	p.baseURL = strings.TrimRight(cfg.Endpoint, "/")
	p.authToken = cfg.Option(OptionAuthToken, "")
	p.pin = cfg.Option(OptionPIN, "")
	p.otp = cfg.Option(OptionOTP, "")
	p.credentials = make(map[string]*credential)
	p.ready = true
	return nil
}

func (p *Provider) IsInitialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// infoResponse is the response from the info method.
type infoResponse struct {
	Specs   string   `json:"specs"`
	Name    string   `json:"name"`
	Methods []string `json:"methods"`
}

// TestConnection calls the info method, which requires no authorization.
func (p *Provider) TestConnection(ctx context.Context) (bool, error) {
	if !p.IsInitialized() {
		return false, hsm.ErrNotInitialized
	}
	var info infoResponse
	if err := p.call(ctx, "info", struct{}{}, &info); err != nil {
		return false, err
	}
	return true, nil
}

// credentialInfoRequest is the request body for credentials/info
type credentialInfoRequest struct {
	CredentialID string `json:"credentialID"`
	Certificates string `json:"certificates,omitempty"`
}

// credentialInfoResponse is the response from credentials/info
type credentialInfoResponse struct {
	Key struct {
		Status string   `json:"status"`
		Algo   []string `json:"algo"`
		Len    int      `json:"len"`
	} `json:"key"`
	Cert struct {
		Status       string   `json:"status"`
		Certificates []string `json:"certificates"`
	} `json:"cert"`
	AuthMode string `json:"authMode"`
}

// credentialInfo retrieves and caches the credential information.
func (p *Provider) credentialInfo(ctx context.Context, id string) (*credential, error) {
	p.mu.RLock()
	cred, ok := p.credentials[id]
	p.mu.RUnlock()
	if ok {
		return cred, nil
	}

	var info credentialInfoResponse
	if err := p.call(ctx, "credentials/info", credentialInfoRequest{CredentialID: id, Certificates: "single"}, &info); err != nil {
		return nil, fmt.Errorf("csc: failed to fetch credential info: %w", err)
	}
	if info.Key.Status != "" && info.Key.Status != "enabled" {
		return nil, fmt.Errorf("csc: credential %q key is %s", id, info.Key.Status)
	}

	cred = &credential{algorithms: info.Key.Algo}
	if len(info.Cert.Certificates) > 0 {
		der, err := base64.StdEncoding.DecodeString(info.Cert.Certificates[0])
		if err != nil {
			return nil, fmt.Errorf("csc: failed to decode certificate: %w", err)
		}
		if cred.certificate, err = x509.ParseCertificate(der); err != nil {
			return nil, fmt.Errorf("csc: failed to parse certificate: %w", err)
		}
	}

	p.mu.Lock()
	if p.credentials != nil {
		p.credentials[id] = cred
	}
	p.mu.Unlock()
	return cred, nil
}

// signHashRequest is the request body for signatures/signHash
type signHashRequest struct {
	CredentialID string   `json:"credentialID"`
	SAD          string   `json:"SAD,omitempty"`
	Hashes       []string `json:"hash"`
	HashAlgo     string   `json:"hashAlgo"`
	SignAlgo     string   `json:"signAlgo"`
}

// signHashResponse is the response from signatures/signHash
type signHashResponse struct {
	Signatures []string `json:"signatures"`
}

// Sign signs the digest with the credential named by the request KeyID.
func (p *Provider) Sign(ctx context.Context, req *hsm.SignRequest) (*hsm.SignResponse, error) {
	if !p.IsInitialized() {
		return nil, hsm.ErrNotInitialized
	}
	if req.KeyRef.KeyID == "" {
		return nil, fmt.Errorf("csc: CredentialID is required")
	}
	hashAlgo := hashAlgoName(req.Algorithm)
	signAlgo := signAlgoName(req.Algorithm)
	if hashAlgo == "" || signAlgo == "" {
		return nil, fmt.Errorf("csc: unsupported signing algorithm %s", req.Algorithm)
	}

	cred, err := p.credentialInfo(ctx, req.KeyRef.KeyID)
	if err != nil {
		return nil, err
	}
	if len(cred.algorithms) > 0 && !slices.Contains(cred.algorithms, signAlgo) && !slices.Contains(cred.algorithms, keyAlgoName(req.Algorithm)) {
		return nil, fmt.Errorf("csc: credential %q does not support %s", req.KeyRef.KeyID, req.Algorithm)
	}
	if req.Certificate != nil && cred.certificate != nil && !cred.certificate.Equal(req.Certificate) {
		return nil, fmt.Errorf("csc: %w", hsm.ErrKeyMismatch)
	}

	// Authorize credential if needed (get SAD - Signature Activation Data)
	sad, err := p.authorizeCredential(ctx, req.KeyRef.KeyID)
	if err != nil {
		return nil, fmt.Errorf("csc: failed to authorize credential: %w", err)
	}

	var resp signHashResponse
	err = p.call(ctx, "signatures/signHash", signHashRequest{
		CredentialID: req.KeyRef.KeyID,
		SAD:          sad,
		Hashes:       []string{base64.StdEncoding.EncodeToString(req.Data)},
		HashAlgo:     hashAlgo,
		SignAlgo:     signAlgo,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("csc: sign request failed: %w", err)
	}
	if len(resp.Signatures) == 0 {
		return nil, fmt.Errorf("csc: no signatures returned")
	}

	sig, err := base64.StdEncoding.DecodeString(resp.Signatures[0])
	if err != nil {
		return nil, fmt.Errorf("csc: failed to decode signature: %w", err)
	}

	return &hsm.SignResponse{
		Signature: sig,
		Algorithm: req.Algorithm,
		Timestamp: time.Now(),
	}, nil
}

// authorizeCredentialRequest is the request for credentials/authorize
type authorizeCredentialRequest struct {
	CredentialID  string `json:"credentialID"`
	NumSignatures int    `json:"numSignatures"`
	PIN           string `json:"PIN,omitempty"`
	OTP           string `json:"OTP,omitempty"`
}

// authorizeCredentialResponse is the response from credentials/authorize
type authorizeCredentialResponse struct {
	SAD string `json:"SAD"`
}

// authorizeCredential gets the Signature Activation Data (SAD). Services
// with implicit authorization reject the call; that is not an error, the
// sign request then goes out without SAD. Transient failures are returned.
func (p *Provider) authorizeCredential(ctx context.Context, id string) (string, error) {
	p.mu.RLock()
	req := authorizeCredentialRequest{
		CredentialID:  id,
		NumSignatures: 1,
		PIN:           p.pin,
		OTP:           p.otp,
	}
	p.mu.RUnlock()

	var resp authorizeCredentialResponse
	if err := p.call(ctx, "credentials/authorize", req, &resp); err != nil {
		if errors.Is(err, hsm.ErrTransient) || ctx.Err() != nil {
			return "", err
		}
		return "", nil
	}
	return resp.SAD, nil
}

// call performs an HTTP POST request to the CSC API and decodes the
// response into out.
func (p *Provider) call(ctx context.Context, endpoint string, body, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	p.mu.RLock()
	client, url, token := p.httpClient, p.baseURL+"/"+endpoint, p.authToken
	p.mu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %w", hsm.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %w", hsm.ErrTransient, err)
		}
		return err
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Close forgets cached credential information.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = false
	p.credentials = nil
	return nil
}

// hashAlgoName converts the algorithm digest to its CSC OID.
func hashAlgoName(alg hsm.Algorithm) string {
	switch alg.Hash {
	case crypto.SHA256:
		return "2.16.840.1.101.3.4.2.1"
	case crypto.SHA384:
		return "2.16.840.1.101.3.4.2.2"
	case crypto.SHA512:
		return "2.16.840.1.101.3.4.2.3"
	}
	return ""
}

// signAlgoName returns the combined signature algorithm OID.
func signAlgoName(alg hsm.Algorithm) string {
	switch alg {
	case hsm.RSASHA256:
		return "1.2.840.113549.1.1.11"
	case hsm.RSASHA384:
		return "1.2.840.113549.1.1.12"
	case hsm.RSASHA512:
		return "1.2.840.113549.1.1.13"
	case hsm.ECDSASHA256:
		return "1.2.840.10045.4.3.2"
	case hsm.ECDSASHA384:
		return "1.2.840.10045.4.3.3"
	case hsm.ECDSASHA512:
		return "1.2.840.10045.4.3.4"
	}
	return ""
}

// keyAlgoName returns the bare key algorithm OID some services list
// instead of combined signature OIDs.
func keyAlgoName(alg hsm.Algorithm) string {
	switch alg.Key {
	case hsm.KeyTypeRSA:
		return "1.2.840.113549.1.1.1"
	case hsm.KeyTypeECDSA:
		return "1.2.840.10045.2.1"
	}
	return ""
}
