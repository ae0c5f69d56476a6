package revocation

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"

	"github.com/digitorus/sigtrust/metrics"
)

const DefaultTimeout = 10 * time.Second

var (
	ErrNoOCSPServer   = errors.New("certificate has no OCSP server URLs")
	ErrNoCRLEndpoint  = errors.New("certificate has no CRL distribution points")
	ErrIssuerRequired = errors.New("issuer certificate is required")
)

// CheckError is returned when both OCSP and CRL checking failed.
type CheckError struct {
	OCSP error
	CRL  error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("revocation check failed: ocsp=%v, crl=%v", e.OCSP, e.CRL)
}

// Unwrap exposes both causes to errors.Is and errors.As.
func (e *CheckError) Unwrap() []error {
	return []error{e.OCSP, e.CRL}
}

// Checker determines the revocation status of cert. issuer may be nil when
// it could not be resolved; OCSP then fails and CRL signatures cannot be
// verified.
type Checker interface {
	Check(ctx context.Context, cert, issuer *x509.Certificate) (*Status, error)
}

// Options configures an HTTPChecker.
type Options struct {
	// Timeout bounds each individual request. Defaults to 10s.
	Timeout time.Duration
	// MaxRetries is the number of retries after a failed request.
	MaxRetries int
	HTTPClient *http.Client
	Cache      Cache
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// HTTPChecker queries the OCSP responder named in the Authority Information
// Access extension and falls back to the CRL distribution points.
type HTTPChecker struct {
	opts   Options
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

func NewHTTPChecker(opts Options) *HTTPChecker {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPChecker{
		opts:   opts,
		client: client,
		logger: logger.With(zap.String("component", "revocation")),
		now:    time.Now,
	}
}

// Check tries OCSP first and CRL second. A *CheckError is returned only when
// both fail.
func (c *HTTPChecker) Check(ctx context.Context, cert, issuer *x509.Certificate) (*Status, error) {
	start := c.now()
	status, ocspErr := c.checkOCSP(ctx, cert, issuer)
	c.opts.Metrics.ObserveRevocation(string(MethodOCSP), c.now().Sub(start), ocspErr)
	if ocspErr == nil {
		return status, nil
	}
	c.logger.Debug("OCSP check failed, falling back to CRL",
		zap.String("serial", cert.SerialNumber.Text(16)), zap.Error(ocspErr))

	start = c.now()
	status, crlErr := c.checkCRL(ctx, cert, issuer)
	c.opts.Metrics.ObserveRevocation(string(MethodCRL), c.now().Sub(start), crlErr)
	if crlErr == nil {
		return status, nil
	}

	return nil, &CheckError{OCSP: ocspErr, CRL: crlErr}
}

func (c *HTTPChecker) checkOCSP(ctx context.Context, cert, issuer *x509.Certificate) (*Status, error) {
	if len(cert.OCSPServer) == 0 {
		return nil, ErrNoOCSPServer
	}
	if issuer == nil {
		return nil, ErrIssuerRequired
	}

	req, err := ocsp.CreateRequest(cert, issuer, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	// Try each OCSP server URL
	var lastErr error
	for _, serverURL := range cert.OCSPServer {
		key := "ocsp:" + serverURL + ":" + hex.EncodeToString(cert.SerialNumber.Bytes())
		if body, ok := c.cacheGet(ctx, key); ok {
			resp, err := ocsp.ParseResponseForCert(body, cert, issuer)
			if err == nil && c.fresh(resp.NextUpdate) {
				return c.ocspStatus(resp, serverURL, body)
			}
		}

		body, err := c.fetch(ctx, http.MethodPost, serverURL, "application/ocsp-request", req)
		if err != nil {
			lastErr = fmt.Errorf("OCSP server %s: %w", serverURL, err)
			continue
		}

		resp, err := ocsp.ParseResponseForCert(body, cert, issuer)
		if err != nil {
			lastErr = fmt.Errorf("failed to parse OCSP response from %s: %w", serverURL, err)
			continue
		}

		status, err := c.ocspStatus(resp, serverURL, body)
		if err != nil {
			lastErr = err
			continue
		}
		c.cachePut(ctx, key, body)
		return status, nil
	}

	return nil, lastErr
}

func (c *HTTPChecker) ocspStatus(resp *ocsp.Response, source string, body []byte) (*Status, error) {
	status := &Status{
		CheckedAt: c.now(),
		Method:    MethodOCSP,
		Source:    source,
		Response:  body,
	}
	switch resp.Status {
	case ocsp.Good:
	case ocsp.Revoked:
		status.IsRevoked = true
		status.RevokedAt = resp.RevokedAt
		status.Reason = ReasonString(resp.RevocationReason)
	default:
		return nil, fmt.Errorf("OCSP server %s returned status unknown", source)
	}
	return status, nil
}

func (c *HTTPChecker) checkCRL(ctx context.Context, cert, issuer *x509.Certificate) (*Status, error) {
	if len(cert.CRLDistributionPoints) == 0 {
		return nil, ErrNoCRLEndpoint
	}
	if issuer == nil {
		return nil, ErrIssuerRequired
	}

	// Try each CRL distribution point
	var lastErr error
	for _, crlURL := range cert.CRLDistributionPoints {
		key := "crl:" + crlURL
		body, cached := c.cacheGet(ctx, key)
		if !cached {
			var err error
			body, err = c.fetch(ctx, http.MethodGet, crlURL, "", nil)
			if err != nil {
				lastErr = fmt.Errorf("failed to download CRL from %s: %w", crlURL, err)
				continue
			}
		}

		crl, err := x509.ParseRevocationList(body)
		if err != nil {
			lastErr = fmt.Errorf("failed to parse CRL from %s: %w", crlURL, err)
			continue
		}
		if err := crl.CheckSignatureFrom(issuer); err != nil {
			lastErr = fmt.Errorf("CRL signature from %s invalid: %w", crlURL, err)
			continue
		}
		if cached && !c.fresh(crl.NextUpdate) {
			cached = false
			body, err = c.fetch(ctx, http.MethodGet, crlURL, "", nil)
			if err != nil {
				lastErr = fmt.Errorf("failed to download CRL from %s: %w", crlURL, err)
				continue
			}
			if crl, err = x509.ParseRevocationList(body); err != nil {
				lastErr = fmt.Errorf("failed to parse CRL from %s: %w", crlURL, err)
				continue
			}
			if err := crl.CheckSignatureFrom(issuer); err != nil {
				lastErr = fmt.Errorf("CRL signature from %s invalid: %w", crlURL, err)
				continue
			}
		}
		if !cached {
			c.cachePut(ctx, key, body)
		}

		status := &Status{
			CheckedAt: c.now(),
			Method:    MethodCRL,
			Source:    crlURL,
			Response:  body,
		}
		for _, revoked := range crl.RevokedCertificateEntries {
			if revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				status.IsRevoked = true
				status.RevokedAt = revoked.RevocationTime
				status.Reason = ReasonString(revoked.ReasonCode)
				break
			}
		}
		return status, nil
	}

	return nil, lastErr
}

// fresh reports whether a response with the given nextUpdate may be reused.
func (c *HTTPChecker) fresh(nextUpdate time.Time) bool {
	return nextUpdate.IsZero() || c.now().Before(nextUpdate)
}

func (c *HTTPChecker) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if c.opts.Cache == nil {
		return nil, false
	}
	return c.opts.Cache.Get(ctx, key)
}

func (c *HTTPChecker) cachePut(ctx context.Context, key string, body []byte) {
	if c.opts.Cache != nil {
		c.opts.Cache.Put(ctx, key, body)
	}
}

// fetch performs one logical request, retrying transport errors and 5xx
// responses with exponential backoff. Every attempt has its own timeout.
func (c *HTTPChecker) fetch(ctx context.Context, method, url, contentType string, payload []byte) ([]byte, error) {
	var policy backoff.BackOff = backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(0),
	)
	policy = backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.opts.MaxRetries)), ctx)

	return backoff.RetryWithData(func() ([]byte, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(attemptCtx, method, url, body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fmt.Errorf("server returned status %d", resp.StatusCode))
		}
		return data, nil
	}, policy)
}
