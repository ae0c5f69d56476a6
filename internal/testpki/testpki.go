// Package testpki builds throwaway certificate hierarchies with CRL, OCSP
// and time-stamping endpoints for tests.
package testpki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"golang.org/x/crypto/ocsp"
)

// KeyProfile defines the cryptographic settings for the PKI.
type KeyProfile string

const (
	RSA_2048   KeyProfile = "RSA_2048"
	RSA_3072   KeyProfile = "RSA_3072"
	RSA_4096   KeyProfile = "RSA_4096"
	ECDSA_P256 KeyProfile = "ECDSA_P256"
	ECDSA_P384 KeyProfile = "ECDSA_P384"
	ECDSA_P521 KeyProfile = "ECDSA_P521"
)

type TestPKIConfig struct {
	Profile         KeyProfile
	IntermediateCAs int
}

// TestPKI manages a temporary PKI hierarchy for testing.
type TestPKI struct {
	T                 *testing.T
	RootKey           crypto.Signer
	RootCert          *x509.Certificate
	IntermediateKeys  []crypto.Signer
	IntermediateCerts []*x509.Certificate
	TSAKey            crypto.Signer
	TSACert           *x509.Certificate
	Server            *httptest.Server
	Profile           KeyProfile

	mu           sync.Mutex
	revoked      map[string]time.Time
	crlRequests  int
	ocspRequests int
	tsaRequests  int
	failOCSP     bool
	failCRL      bool
}

// NewTestPKI creates a fresh Root CA and initializes the helper.
func NewTestPKI(t *testing.T) *TestPKI {
	return NewTestPKIWithConfig(t, TestPKIConfig{
		Profile:         ECDSA_P384,
		IntermediateCAs: 1,
	})
}

// NewTestPKIWithConfig allows detailed configuration of the PKI.
func NewTestPKIWithConfig(t *testing.T, config TestPKIConfig) *TestPKI {
	rootKey := GenerateKey(t, config.Profile)

	rootTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "Sigtrust Test Root CA",
			Organization: []string{"Sigtrust Test Org"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          []byte{1, 2, 3, 4},
	}
	rootCert := createCertificate(t, rootTemplate, rootTemplate, rootKey.Public(), rootKey)

	var intermediateKeys []crypto.Signer
	var intermediateCerts []*x509.Certificate

	parentKey := rootKey
	parentCert := rootCert

	for i := 0; i < config.IntermediateCAs; i++ {
		key := GenerateKey(t, config.Profile)
		template := &x509.Certificate{
			SerialNumber: big.NewInt(int64(i + 2)),
			Subject: pkix.Name{
				CommonName:   fmt.Sprintf("Sigtrust Test Intermediate CA %d", i+1),
				Organization: []string{"Sigtrust Test Org"},
			},
			NotBefore:             time.Now().Add(-1 * time.Hour),
			NotAfter:              time.Now().Add(24 * time.Hour),
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraintsValid: true,
			IsCA:                  true,
			MaxPathLen:            0,
			SubjectKeyId:          []byte{5, 6, 7, 8, byte(i)},
			AuthorityKeyId:        parentCert.SubjectKeyId,
		}
		cert := createCertificate(t, template, parentCert, key.Public(), parentKey)

		intermediateKeys = append(intermediateKeys, key)
		intermediateCerts = append(intermediateCerts, cert)

		parentKey = key
		parentCert = cert
	}

	p := &TestPKI{
		T:                 t,
		RootKey:           rootKey,
		RootCert:          rootCert,
		IntermediateKeys:  intermediateKeys,
		IntermediateCerts: intermediateCerts,
		Profile:           config.Profile,
		revoked:           make(map[string]time.Time),
	}
	p.TSAKey, p.TSACert = p.issueTSA()
	return p
}

// Issuer returns the CA that signs leaf certificates.
func (p *TestPKI) Issuer() (*x509.Certificate, crypto.Signer) {
	if len(p.IntermediateCerts) > 0 {
		last := len(p.IntermediateCerts) - 1
		return p.IntermediateCerts[last], p.IntermediateKeys[last]
	}
	return p.RootCert, p.RootKey
}

// StartServer starts a mock HTTP server with /crl, /ocsp, /tsa and /ca
// endpoints.
func (p *TestPKI) StartServer() {
	p.Server = httptest.NewServer(http.HandlerFunc(p.serve))
}

func (p *TestPKI) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/crl":
		p.mu.Lock()
		p.crlRequests++
		fail := p.failCRL
		p.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/pkix-crl")
		_, _ = w.Write(p.CRL())

	case strings.HasPrefix(r.URL.Path, "/ocsp"):
		p.mu.Lock()
		p.ocspRequests++
		fail := p.failOCSP
		p.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		reqBytes, err := ocspRequestBytes(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ocspReq, err := ocsp.ParseRequest(reqBytes)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		respBytes, err := p.OCSPResponse(ocspReq.SerialNumber)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		_, _ = w.Write(respBytes)

	case r.URL.Path == "/tsa":
		p.mu.Lock()
		p.tsaRequests++
		p.mu.Unlock()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp, err := p.TimestampResponse(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/timestamp-reply")
		_, _ = w.Write(resp)

	case strings.HasPrefix(r.URL.Path, "/ca"):
		issuer, _ := p.Issuer()
		w.Header().Set("Content-Type", "application/x-x509-ca-cert")
		_, _ = w.Write(issuer.Raw)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// ocspRequestBytes accepts both POST bodies and base64 GET paths.
func ocspRequestBytes(r *http.Request) ([]byte, error) {
	if r.Method == http.MethodPost {
		return io.ReadAll(r.Body)
	}
	parts := strings.Split(r.URL.Path, "/")
	if len(parts) < 3 {
		return nil, fmt.Errorf("missing request")
	}
	return base64.StdEncoding.DecodeString(parts[len(parts)-1])
}

// CRL returns a freshly signed CRL listing every revoked serial.
func (p *TestPKI) CRL() []byte {
	issuerCert, issuerKey := p.Issuer()

	p.mu.Lock()
	var entries []x509.RevocationListEntry
	for serial, at := range p.revoked {
		n, _ := new(big.Int).SetString(serial, 16)
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   n,
			RevocationTime: at,
			ReasonCode:     ocsp.KeyCompromise,
		})
	}
	p.mu.Unlock()

	crlTemplate := &x509.RevocationList{
		Number:                    big.NewInt(time.Now().UnixNano()),
		ThisUpdate:                time.Now().Add(-1 * time.Minute),
		NextUpdate:                time.Now().Add(24 * time.Hour),
		RevokedCertificateEntries: entries,
	}

	crlBytes, err := x509.CreateRevocationList(rand.Reader, crlTemplate, issuerCert, issuerKey)
	if err != nil {
		Fail(p.T, "failed to create CRL: %v", err)
	}
	return crlBytes
}

// OCSPResponse returns a signed OCSP response for serial.
func (p *TestPKI) OCSPResponse(serial *big.Int) ([]byte, error) {
	issuerCert, issuerKey := p.Issuer()

	now := time.Now()
	template := ocsp.Response{
		Status:       ocsp.Good,
		SerialNumber: serial,
		ThisUpdate:   now.Add(-1 * time.Hour),
		NextUpdate:   now.Add(24 * time.Hour),
	}
	p.mu.Lock()
	if at, ok := p.revoked[serial.Text(16)]; ok {
		template.Status = ocsp.Revoked
		template.RevokedAt = at
		template.RevocationReason = ocsp.KeyCompromise
	}
	p.mu.Unlock()

	return ocsp.CreateResponse(issuerCert, issuerCert, template, issuerKey)
}

// TimestampResponse answers an RFC 3161 request with a token signed by the
// test TSA.
func (p *TestPKI) TimestampResponse(request []byte) ([]byte, error) {
	req, err := timestamp.ParseRequest(request)
	if err != nil {
		return nil, err
	}
	ts := timestamp.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              time.Now().UTC(),
		Nonce:             req.Nonce,
		Policy:            asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1},
		AddTSACertificate: req.Certificates,
	}
	return ts.CreateResponseWithOpts(p.TSACert, p.TSAKey, crypto.SHA256)
}

// Revoke marks cert as revoked in both CRL and OCSP answers.
func (p *TestPKI) Revoke(cert *x509.Certificate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked[cert.SerialNumber.Text(16)] = time.Now().Add(-1 * time.Minute)
}

// SetFailOCSP makes the OCSP endpoint answer 500.
func (p *TestPKI) SetFailOCSP(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOCSP = fail
}

// SetFailCRL makes the CRL endpoint answer 500.
func (p *TestPKI) SetFailCRL(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failCRL = fail
}

// Requests returns the number of CRL, OCSP and TSA requests served.
func (p *TestPKI) Requests() (crl, ocsp, tsa int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.crlRequests, p.ocspRequests, p.tsaRequests
}

// IssueLeaf generates a new leaf certificate signed by the last CA in the
// chain. When the server is running the leaf points at its CRL and OCSP
// endpoints.
func (p *TestPKI) IssueLeaf(commonName string) (crypto.Signer, *x509.Certificate) {
	return p.IssueLeafWithProfile(commonName, p.Profile)
}

// IssueLeafWithProfile issues a leaf with a key type independent of the CA.
func (p *TestPKI) IssueLeafWithProfile(commonName string, profile KeyProfile) (crypto.Signer, *x509.Certificate) {
	priv := GenerateKey(p.T, profile)

	serialNumber, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"Sigtrust Test Org"},
		},
		NotBefore: time.Now().Add(-1 * time.Hour),
		NotAfter:  time.Now().Add(1 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
	}
	if p.Server != nil {
		template.CRLDistributionPoints = []string{fmt.Sprintf("%s/crl", p.Server.URL)}
		template.OCSPServer = []string{fmt.Sprintf("%s/ocsp", p.Server.URL)}
		template.IssuingCertificateURL = []string{fmt.Sprintf("%s/ca", p.Server.URL)}
	}

	issuerCert, issuerKey := p.Issuer()
	return priv, createCertificate(p.T, template, issuerCert, priv.Public(), issuerKey)
}

func (p *TestPKI) issueTSA() (crypto.Signer, *x509.Certificate) {
	key := GenerateKey(p.T, ECDSA_P256)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1000),
		Subject: pkix.Name{
			CommonName:   "Sigtrust Test TSA",
			Organization: []string{"Sigtrust Test Org"},
		},
		NotBefore:   time.Now().Add(-1 * time.Hour),
		NotAfter:    time.Now().Add(24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	}
	return key, createCertificate(p.T, template, p.RootCert, key.Public(), p.RootKey)
}

// Chain returns the certificate chain for a leaf (Intermediate -> Root).
func (p *TestPKI) Chain() []*x509.Certificate {
	var chain []*x509.Certificate
	for i := len(p.IntermediateCerts) - 1; i >= 0; i-- {
		chain = append(chain, p.IntermediateCerts[i])
	}
	chain = append(chain, p.RootCert)
	return chain
}

// Close stops the mock server.
func (p *TestPKI) Close() {
	if p.Server != nil {
		p.Server.Close()
	}
}

// SelfSigned returns a standalone self-signed certificate valid for the
// given window.
func SelfSigned(t *testing.T, commonName string, notBefore, notAfter time.Time) (crypto.Signer, *x509.Certificate) {
	key := GenerateKey(t, ECDSA_P256)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	return key, createCertificate(t, template, template, key.Public(), key)
}

// PEM encodes certs as CERTIFICATE blocks.
func PEM(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

func createCertificate(t *testing.T, template, parent *x509.Certificate, pub crypto.PublicKey, priv crypto.Signer) *x509.Certificate {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, priv)
	if err != nil {
		Fail(t, "failed to create certificate %q: %v", template.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		Fail(t, "failed to parse certificate %q: %v", template.Subject.CommonName, err)
	}
	return cert
}

func Fail(t *testing.T, format string, args ...interface{}) {
	if t != nil {
		t.Helper()
		t.Fatalf(format, args...)
	} else {
		log.Fatalf(format, args...)
	}
}

func GenerateKey(t *testing.T, profile KeyProfile) crypto.Signer {
	switch profile {
	case RSA_2048:
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			Fail(t, "failed to generate RSA 2048 key: %v", err)
		}
		return k
	case RSA_3072:
		k, err := rsa.GenerateKey(rand.Reader, 3072)
		if err != nil {
			Fail(t, "failed to generate RSA 3072 key: %v", err)
		}
		return k
	case RSA_4096:
		k, err := rsa.GenerateKey(rand.Reader, 4096)
		if err != nil {
			Fail(t, "failed to generate RSA 4096 key: %v", err)
		}
		return k
	case ECDSA_P256:
		k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			Fail(t, "failed to generate P-256 key: %v", err)
		}
		return k
	case ECDSA_P384:
		k, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		if err != nil {
			Fail(t, "failed to generate P-384 key: %v", err)
		}
		return k
	case ECDSA_P521:
		k, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
		if err != nil {
			Fail(t, "failed to generate P-521 key: %v", err)
		}
		return k
	default:
		Fail(t, "unknown key profile: %s", profile)
		return nil
	}
}
