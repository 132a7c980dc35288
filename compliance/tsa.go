package compliance

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"
)

// TSAClient obtains RFC 3161 timestamp tokens for appended attestations.
type TSAClient struct {
	url    string
	client *http.Client
}

func NewTSAClient(url string, timeout time.Duration) *TSAClient {
	if url == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TSAClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Stamp requests a timestamp token over payload. Returns the DER token and
// the TSA's asserted time.
func (c *TSAClient) Stamp(ctx context.Context, payload []byte) ([]byte, time.Time, error) {
	req, err := timestamp.CreateRequest(bytes.NewReader(payload), &timestamp.RequestOptions{
		Hash:         crypto.SHA256,
		Certificates: true,
	})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("build timestamp request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(req))
	if err != nil {
		return nil, time.Time{}, err
	}
	httpReq.Header.Set("Content-Type", "application/timestamp-query")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("timestamp authority unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, fmt.Errorf("timestamp authority returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, time.Time{}, err
	}

	token, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("parse timestamp response: %w", err)
	}
	return body, token.Time, nil
}

// VerifyToken re-parses a DER-encoded timestamp token and checks that it
// covers the SHA-256 digest of payload. The parsed token carries the TSA's
// serial number and asserted time.
func VerifyToken(der, payload []byte) (*timestamp.Timestamp, error) {
	token, err := timestamp.ParseResponse(der)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp token: %w", err)
	}
	if token.HashAlgorithm != crypto.SHA256 {
		return nil, fmt.Errorf("timestamp token uses %v, want SHA-256", token.HashAlgorithm)
	}
	digest := sha256.Sum256(payload)
	if !bytes.Equal(token.HashedMessage, digest[:]) {
		return nil, fmt.Errorf("timestamp token digest does not match payload")
	}
	return token, nil
}
