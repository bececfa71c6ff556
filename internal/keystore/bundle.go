// Package keystore handles signer keystore bundles: PKCS#12 parsing, the one-way
// passphrase verifier, and sealing of bundle bytes at rest.
package keystore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// Signature algorithm identifiers recorded on ledger rows. The suffix is the
// algorithm version; a change of padding or digest gets a new identifier.
const (
	AlgorithmRSASHA256   = "RSA-PKCS1v15-SHA256@v1"
	AlgorithmECDSASHA256 = "ECDSA-P256-SHA256@v1"
	AlgorithmEd25519     = "Ed25519-SHA256@v1"
)

var (
	// ErrWrongPassphrase is returned when the bundle MAC or key decryption fails.
	ErrWrongPassphrase = errors.New("keystore passphrase does not unlock bundle")
	// ErrUnreadableBundle is returned when the bytes are not a PKCS#12 bundle.
	ErrUnreadableBundle = errors.New("keystore bundle cannot be parsed")
	// ErrUnsupportedKey is returned for key types the engine cannot sign with.
	ErrUnsupportedKey = errors.New("unsupported private key type")
)

// Bundle is an unlocked keystore: private key plus certificate chain.
type Bundle struct {
	Signer      crypto.Signer
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	Algorithm   string
}

// Metadata is the public information extracted from a bundle's leaf certificate.
type Metadata struct {
	Issuer         string
	Subject        string
	SerialNumber   string
	NotBefore      time.Time
	NotAfter       time.Time
	Algorithm      string
	CertificateDER []byte
}

// ParseBundle decodes a PKCS#12 bundle with the given passphrase.
func ParseBundle(data []byte, passphrase string) (*Bundle, error) {
	if len(data) == 0 {
		return nil, ErrUnreadableBundle
	}

	key, cert, chain, err := pkcs12.DecodeChain(data, passphrase)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreadableBundle, err)
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: no certificate in bundle", ErrUnreadableBundle)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}

	algorithm, err := AlgorithmFor(signer.Public())
	if err != nil {
		return nil, err
	}

	return &Bundle{
		Signer:      signer,
		Certificate: cert,
		Chain:       chain,
		Algorithm:   algorithm,
	}, nil
}

// Metadata extracts issuer, subject, serial and validity from the leaf certificate.
func (b *Bundle) Metadata() Metadata {
	return Metadata{
		Issuer:         b.Certificate.Issuer.String(),
		Subject:        b.Certificate.Subject.String(),
		SerialNumber:   strings.ToUpper(b.Certificate.SerialNumber.Text(16)),
		NotBefore:      b.Certificate.NotBefore.UTC(),
		NotAfter:       b.Certificate.NotAfter.UTC(),
		Algorithm:      b.Algorithm,
		CertificateDER: b.Certificate.Raw,
	}
}

// AlgorithmFor maps a public key to the signature algorithm identifier.
func AlgorithmFor(pub crypto.PublicKey) (string, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N.BitLen() < 2048 {
			return "", fmt.Errorf("%w: RSA key of %d bits", ErrUnsupportedKey, k.N.BitLen())
		}
		return AlgorithmRSASHA256, nil
	case *ecdsa.PublicKey:
		if k.Curve.Params().Name != "P-256" {
			return "", fmt.Errorf("%w: ECDSA curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
		}
		return AlgorithmECDSASHA256, nil
	case ed25519.PublicKey:
		return AlgorithmEd25519, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// SignerOpts returns the crypto.SignerOpts to sign a SHA-256 digest with the given algorithm.
func SignerOpts(algorithm string) (crypto.SignerOpts, error) {
	switch algorithm {
	case AlgorithmRSASHA256, AlgorithmECDSASHA256:
		return crypto.SHA256, nil
	case AlgorithmEd25519:
		// Ed25519 signs the digest bytes as its message
		return crypto.Hash(0), nil
	default:
		return nil, fmt.Errorf("%w: algorithm %s", ErrUnsupportedKey, algorithm)
	}
}

// VerifySignature checks sig over digest with the certificate's public key.
func VerifySignature(cert *x509.Certificate, algorithm string, digest, sig []byte) error {
	switch algorithm {
	case AlgorithmRSASHA256:
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("certificate key is %T, not RSA", cert.PublicKey)
		}
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, sig)
	case AlgorithmECDSASHA256:
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("certificate key is %T, not ECDSA", cert.PublicKey)
		}
		if !ecdsa.VerifyASN1(pub, digest, sig) {
			return errors.New("ecdsa signature mismatch")
		}
		return nil
	case AlgorithmEd25519:
		pub, ok := cert.PublicKey.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("certificate key is %T, not Ed25519", cert.PublicKey)
		}
		if !ed25519.Verify(pub, digest, sig) {
			return errors.New("ed25519 signature mismatch")
		}
		return nil
	default:
		return fmt.Errorf("%w: algorithm %s", ErrUnsupportedKey, algorithm)
	}
}
