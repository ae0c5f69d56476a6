package hsm

import (
	"bytes"
	"context"
	"crypto"
	"fmt"
	"io"
	"net/http"

	"github.com/digitorus/timestamp"
)

// requestTimestamp obtains an RFC 3161 token over the signature value.
func (g *Gateway) requestTimestamp(ctx context.Context, signature []byte) ([]byte, error) {
	tsRequest, err := timestamp.CreateRequest(bytes.NewReader(signature), &timestamp.RequestOptions{
		Hash:         g.digest,
		Certificates: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.tsa.URL, bytes.NewReader(tsRequest))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request (%s): %w", g.tsa.URL, err)
	}
	req.Header.Add("Content-Type", "application/timestamp-query")
	req.Header.Add("Content-Transfer-Encoding", "binary")
	if g.tsa.Username != "" && g.tsa.Password != "" {
		req.SetBasicAuth(g.tsa.Username, g.tsa.Password)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("non success response (%d): %s", resp.StatusCode, body)
	}

	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp: %w", err)
	}
	if err := checkImprint(ts, signature); err != nil {
		return nil, err
	}
	return ts.RawToken, nil
}

// checkImprint verifies that the token covers signature.
func checkImprint(ts *timestamp.Timestamp, signature []byte) error {
	if !ts.HashAlgorithm.Available() {
		return fmt.Errorf("timestamp uses unavailable hash %v", ts.HashAlgorithm)
	}
	h := ts.HashAlgorithm.New()
	h.Write(signature)
	if !bytes.Equal(h.Sum(nil), ts.HashedMessage) {
		return fmt.Errorf("timestamp hash does not match")
	}
	return nil
}

// hashOf is a small helper for digests of in-memory data.
func hashOf(h crypto.Hash, data []byte) []byte {
	d := h.New()
	d.Write(data)
	return d.Sum(nil)
}
