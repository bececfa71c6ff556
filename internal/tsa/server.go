package tsa

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/digitorus/timestamp"

	"github.com/clinicore/platform/internal/shared/clock"
)

const (
	contentTypeQuery = "application/timestamp-query"
	contentTypeReply = "application/timestamp-reply"
	maxQueryBytes    = 16 << 10
)

// Server is an in-process RFC 3161 Time Stamping Authority.
type Server struct {
	config *Config
	clock  clock.Clock
	serial atomic.Uint64
	logger *slog.Logger
}

// NewServer creates a TSA server with the given configuration.
func NewServer(config *Config, clk clock.Clock, logger *slog.Logger) (*Server, error) {
	if config == nil || config.Certificate == nil || config.PrivateKey == nil {
		return nil, fmt.Errorf("TSA certificate or private key not configured")
	}
	if len(config.PolicyOID) == 0 {
		config.PolicyOID = DefaultPolicyOID
	}
	if config.Name == "" {
		config.Name = config.Certificate.Subject.CommonName
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{config: config, clock: clk, logger: logger}
	s.serial.Store(uint64(clk.Now().UnixNano()))
	return s, nil
}

// NewServerWithGeneratedCert creates a TSA server with a self-signed certificate.
// Development and tests only; production loads a certificate with LoadServer.
func NewServerWithGeneratedCert(orgName string, clk clock.Clock, logger *slog.Logger) (*Server, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := clk.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization:       []string{orgName},
			OrganizationalUnit: []string{"Time Stamping Authority"},
			CommonName:         fmt.Sprintf("%s TSA", orgName),
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	config := DefaultConfig()
	config.Certificate = cert
	config.CertificateChain = []*x509.Certificate{cert}
	config.PrivateKey = key
	return NewServer(config, clk, logger)
}

// LoadServer creates a TSA server from PEM certificate and key files.
func LoadServer(certPath, keyPath string, clk clock.Clock, logger *slog.Logger) (*Server, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TSA key pair: %w", err)
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("TSA key of type %T cannot sign", pair.PrivateKey)
	}

	chain := make([]*x509.Certificate, 0, len(pair.Certificate))
	for _, der := range pair.Certificate {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TSA certificate: %w", err)
		}
		chain = append(chain, cert)
	}

	config := DefaultConfig()
	config.Name = ""
	config.Certificate = chain[0]
	config.CertificateChain = chain
	config.PrivateKey = signer
	return NewServer(config, clk, logger)
}

// Name identifies the authority on ledger rows.
func (s *Server) Name() string {
	return s.config.Name
}

// Certificate returns the TSA signing certificate.
func (s *Server) Certificate() *x509.Certificate {
	return s.config.Certificate
}

// Roots returns a pool trusting this authority's chain.
func (s *Server) Roots() *x509.CertPool {
	pool := x509.NewCertPool()
	for _, cert := range s.config.CertificateChain {
		pool.AddCert(cert)
	}
	return pool
}

// Timestamp issues a token over a SHA-256 digest.
func (s *Server) Timestamp(ctx context.Context, digest []byte) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := s.respond(digest, nil, true)
	if err != nil {
		return nil, err
	}

	ts, err := timestamp.ParseResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issued timestamp: %w", err)
	}
	return tokenFrom(ts, s.Name()), nil
}

// respond builds a DER TimeStampResp.
func (s *Server) respond(digest []byte, nonce *big.Int, includeCert bool) ([]byte, error) {
	if len(digest) != crypto.SHA256.Size() {
		return nil, fmt.Errorf("expected a %d byte SHA-256 digest, got %d bytes", crypto.SHA256.Size(), len(digest))
	}

	ts := timestamp.Timestamp{
		HashAlgorithm:     crypto.SHA256,
		HashedMessage:     digest,
		Time:              s.clock.Now().UTC(),
		Accuracy:          s.config.Accuracy,
		SerialNumber:      new(big.Int).SetUint64(s.serial.Add(1)),
		Policy:            s.config.PolicyOID,
		Nonce:             nonce,
		AddTSACertificate: includeCert,
	}

	resp, err := ts.CreateResponse(s.config.Certificate, s.config.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create timestamp response: %w", err)
	}
	return resp, nil
}

// ServeHTTP answers RFC 3161 requests sent as application/timestamp-query.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Content-Type") != contentTypeQuery {
		http.Error(w, "expected "+contentTypeQuery, http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxQueryBytes))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}

	req, err := timestamp.ParseRequest(body)
	if err != nil {
		http.Error(w, "malformed timestamp request", http.StatusBadRequest)
		return
	}
	if req.HashAlgorithm != crypto.SHA256 {
		http.Error(w, "only SHA-256 imprints are accepted", http.StatusBadRequest)
		return
	}

	resp, err := s.respond(req.HashedMessage, req.Nonce, req.Certificates)
	if err != nil {
		s.logger.Error("failed to issue timestamp", "error", err)
		http.Error(w, "failed to issue timestamp", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentTypeReply)
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func tokenFrom(ts *timestamp.Timestamp, authority string) *Token {
	return &Token{
		Raw:           ts.RawToken,
		Time:          ts.Time.UTC(),
		SerialNumber:  ts.SerialNumber,
		HashedMessage: ts.HashedMessage,
		Policy:        ts.Policy.String(),
		Authority:     authority,
	}
}

var _ Authority = (*Server)(nil)
