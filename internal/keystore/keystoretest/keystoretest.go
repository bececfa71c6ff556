// Package keystoretest builds throwaway PKCS#12 bundles for tests.
package keystoretest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// KeyType selects the generated key.
type KeyType int

const (
	ECDSA KeyType = iota
	RSA
)

// Options control the generated bundle.
type Options struct {
	KeyType    KeyType
	CommonName string
	NotBefore  time.Time
	NotAfter   time.Time
}

// Bundle is a generated keystore with its parts kept for assertions.
type Bundle struct {
	Data        []byte
	Passphrase  string
	Key         crypto.Signer
	Certificate *x509.Certificate
}

// New generates a self-signed certificate and encodes it with its key as PKCS#12.
func New(tb testing.TB, passphrase string, opts Options) *Bundle {
	tb.Helper()

	if opts.CommonName == "" {
		opts.CommonName = "Dr. Test Signer"
	}
	if opts.NotBefore.IsZero() {
		opts.NotBefore = time.Now().Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = time.Now().AddDate(1, 0, 0)
	}

	var key crypto.Signer
	var err error
	switch opts.KeyType {
	case RSA:
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	default:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	if err != nil {
		tb.Fatalf("failed to generate key: %v", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		tb.Fatalf("failed to generate serial: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{"Clinicore Test CA"},
		},
		NotBefore:             opts.NotBefore,
		NotAfter:              opts.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		tb.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		tb.Fatalf("failed to parse certificate: %v", err)
	}

	data, err := pkcs12.Modern.Encode(key, cert, nil, passphrase)
	if err != nil {
		tb.Fatalf("failed to encode PKCS#12: %v", err)
	}

	return &Bundle{
		Data:        data,
		Passphrase:  passphrase,
		Key:         key,
		Certificate: cert,
	}
}
