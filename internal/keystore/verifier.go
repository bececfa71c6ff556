package keystore

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Verifier derives and checks the one-way passphrase verifier stored on a credential.
// The passphrase itself is never persisted.
type Verifier struct {
	cost int
}

// NewVerifier creates a verifier with the given bcrypt cost.
func NewVerifier(cost int) *Verifier {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &Verifier{cost: cost}
}

// Derive computes the verifier for a passphrase.
func (v *Verifier) Derive(passphrase string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(prehash(passphrase), v.cost)
	if err != nil {
		return "", fmt.Errorf("failed to derive passphrase verifier: %w", err)
	}
	return string(hash), nil
}

// Check reports whether passphrase matches the stored verifier.
func (v *Verifier) Check(verifier, passphrase string) bool {
	if verifier == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(verifier), prehash(passphrase)) == nil
}

// prehash keeps long passphrases within bcrypt's 72-byte input limit.
func prehash(passphrase string) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}
