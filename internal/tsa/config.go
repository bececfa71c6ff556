// Package tsa issues and verifies RFC 3161 timestamp tokens, either in-process or by
// calling an external Time Stamping Authority.
package tsa

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"math/big"
	"time"
)

// DefaultPolicyOID identifies the timestamp policy of the in-process authority.
var DefaultPolicyOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 2, 1}

// Authority issues timestamp tokens over a SHA-256 digest.
type Authority interface {
	// Name identifies the authority on ledger rows.
	Name() string
	Timestamp(ctx context.Context, digest []byte) (*Token, error)
}

// Token is a parsed TimeStampToken.
type Token struct {
	// Raw is the DER TimeStampToken (a CMS ContentInfo), as embedded in PDFs.
	Raw           []byte    `json:"-"`
	Time          time.Time `json:"time"`
	SerialNumber  *big.Int  `json:"serial_number"`
	HashedMessage []byte    `json:"hashed_message"`
	Policy        string    `json:"policy"`
	Authority     string    `json:"authority"`
}

// Config holds the in-process authority configuration.
type Config struct {
	// Name is recorded as the timestamp authority on ledger rows
	Name string

	// PolicyOID is the policy under which tokens are issued
	PolicyOID asn1.ObjectIdentifier

	// Certificate is the TSA signing certificate
	Certificate *x509.Certificate

	// CertificateChain is the full chain for verification
	CertificateChain []*x509.Certificate

	// PrivateKey is the TSA signing key
	PrivateKey crypto.Signer

	// Accuracy is the claimed accuracy of genTime
	Accuracy time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:      "local-tsa",
		PolicyOID: DefaultPolicyOID,
		Accuracy:  time.Second,
	}
}
