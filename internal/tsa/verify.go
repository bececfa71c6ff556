package tsa

import (
	"crypto/subtle"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
)

// Verify checks a DER TimeStampToken: the CMS signature, the signer chain against
// roots when roots is not nil, and that the token covers digest.
func Verify(raw, digest []byte, roots *x509.CertPool) (*Token, error) {
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp token: %w", err)
	}
	if roots != nil {
		err = p7.VerifyWithChain(roots)
	} else {
		err = p7.Verify()
	}
	if err != nil {
		return nil, fmt.Errorf("timestamp token signature invalid: %w", err)
	}

	ts, err := timestamp.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp info: %w", err)
	}
	if subtle.ConstantTimeCompare(ts.HashedMessage, digest) != 1 {
		return nil, fmt.Errorf("timestamp was issued for different data")
	}

	authority := ""
	if signer := p7.GetOnlySigner(); signer != nil {
		authority = signer.Subject.CommonName
	}
	return tokenFrom(ts, authority), nil
}

// LoadRoots reads a PEM bundle of trusted TSA certificates.
func LoadRoots(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read TSA roots %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
