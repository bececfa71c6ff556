package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/subtle"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/digitorus/timestamp"

	"github.com/clinicore/platform/internal/shared/errors"
)

const maxReplyBytes = 1 << 20

// Remote calls an external RFC 3161 authority over HTTP.
type Remote struct {
	url    string
	name   string
	client *http.Client
	roots  *x509.CertPool
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithRoots pins the certificate chain of the authority's signer. Without roots
// only the token's own CMS signature is checked.
func WithRoots(roots *x509.CertPool) RemoteOption {
	return func(r *Remote) { r.roots = roots }
}

// NewRemote creates a client for the authority at rawURL.
func NewRemote(rawURL string, timeout time.Duration, opts ...RemoteOption) (*Remote, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid TSA URL %q", rawURL)
	}
	r := &Remote{
		url:    rawURL,
		name:   u.Host,
		client: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Name identifies the authority by host.
func (r *Remote) Name() string {
	return r.name
}

// Timestamp requests a token over a SHA-256 digest. The reply must echo the digest
// and the request nonce, and its token must pass Verify.
func (r *Remote) Timestamp(ctx context.Context, digest []byte) (*Token, error) {
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	req := timestamp.Request{
		HashAlgorithm: crypto.SHA256,
		HashedMessage: digest,
		Certificates:  true,
		Nonce:         nonce,
	}
	query, err := req.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode timestamp request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("failed to build timestamp request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentTypeQuery)
	httpReq.Header.Set("Accept", contentTypeReply)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("timestamp authority unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("timestamp authority returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read timestamp reply: %w", err)
	}

	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp reply: %w", err)
	}
	if subtle.ConstantTimeCompare(ts.HashedMessage, digest) != 1 {
		return nil, fmt.Errorf("timestamp reply covers a different digest")
	}
	if ts.Nonce == nil || ts.Nonce.Cmp(nonce) != 0 {
		return nil, fmt.Errorf("timestamp reply nonce mismatch")
	}
	if _, err := Verify(ts.RawToken, digest, r.roots); err != nil {
		return nil, errors.CryptoOperation("timestamp token rejected", err)
	}

	return tokenFrom(ts, r.name), nil
}

var _ Authority = (*Remote)(nil)
