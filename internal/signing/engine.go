// Package signing is the signing core: the stateless engine that turns a document
// and an unlocked credential into a signature, the service that enforces the
// at-most-once rule around it, and the verifier.
package signing

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/clinicore/platform/internal/canonical"
	"github.com/clinicore/platform/internal/credential"
	"github.com/clinicore/platform/internal/document"
	"github.com/clinicore/platform/internal/keystore"
	"github.com/clinicore/platform/internal/shared/clock"
	"github.com/clinicore/platform/internal/shared/errors"
	"github.com/clinicore/platform/internal/shared/metrics"
)

// KeyUnlocker checks passphrases and opens credential key material.
type KeyUnlocker interface {
	CheckPassphrase(c *credential.Credential, passphrase string) bool
	Unlock(ctx context.Context, c *credential.Credential, passphrase string) (*keystore.Bundle, error)
}

// Result is what the engine produces. It is not persisted by the engine.
type Result struct {
	SignatureValue     []byte    `json:"signature_value"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	SignatureHash      string    `json:"signature_hash"`
	DigestAlgorithm    string    `json:"digest_algorithm"`
	SignedAt           time.Time `json:"signed_at"`
}

// Engine signs canonical document digests. It holds no mutable state.
type Engine struct {
	keys          KeyUnlocker
	clock         clock.Clock
	unlockTimeout time.Duration
}

// NewEngine creates an engine. unlockTimeout bounds the key unlock step.
func NewEngine(keys KeyUnlocker, clk clock.Clock, unlockTimeout time.Duration) *Engine {
	if unlockTimeout <= 0 {
		unlockTimeout = 10 * time.Second
	}
	return &Engine{keys: keys, clock: clk, unlockTimeout: unlockTimeout}
}

// Sign checks the credential and passphrase, unlocks the key under a timeout,
// and signs the SHA-256 digest of the document's canonical form.
func (e *Engine) Sign(ctx context.Context, doc document.Document, cred *credential.Credential, passphrase string) (*Result, error) {
	if reason := cred.Unusable(e.clock.Now()); reason != "" {
		return nil, errors.CredentialState(cred.ID.String(), reason)
	}
	if !cred.HasKeyMaterial() {
		return nil, errors.CredentialState(cred.ID.String(), credential.ReasonKeyPurged)
	}

	// Cheap check first; a wrong passphrase never reaches the unlock.
	if !e.keys.CheckPassphrase(cred, passphrase) {
		return nil, errors.InvalidPassphrase()
	}

	bundle, err := e.unlock(ctx, cred, passphrase)
	if err != nil {
		return nil, err
	}

	digest, hash, err := canonical.Hash(doc)
	if err != nil {
		return nil, errors.Validation("document cannot be canonicalized", map[string]string{"document": err.Error()})
	}

	opts, err := keystore.SignerOpts(bundle.Algorithm)
	if err != nil {
		return nil, errors.CryptoOperation("unsupported signature algorithm", err)
	}
	sig, err := bundle.Signer.Sign(rand.Reader, digest, opts)
	if err != nil {
		return nil, errors.CryptoOperation("failed to sign document", err)
	}

	return &Result{
		SignatureValue:     sig,
		SignatureAlgorithm: bundle.Algorithm,
		SignatureHash:      hash,
		DigestAlgorithm:    canonical.DigestAlgorithm,
		SignedAt:           e.clock.Now(),
	}, nil
}

type unlocked struct {
	bundle *keystore.Bundle
	err    error
}

// unlock runs the key unlock in its own goroutine so a slow PKCS#12 decryption
// cannot hold the request past the deadline.
func (e *Engine) unlock(ctx context.Context, cred *credential.Credential, passphrase string) (*keystore.Bundle, error) {
	ctx, cancel := context.WithTimeout(ctx, e.unlockTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan unlocked, 1)
	go func() {
		b, err := e.keys.Unlock(ctx, cred, passphrase)
		done <- unlocked{bundle: b, err: err}
	}()

	var res unlocked
	select {
	case <-ctx.Done():
		res.err = ctx.Err()
	case res = <-done:
	}
	metrics.RecordUnlock(time.Since(start))

	switch err := res.err; {
	case err == nil:
		return res.bundle, nil
	case errors.Is(err, context.DeadlineExceeded):
		return nil, errors.SigningTimeout(err)
	case errors.Is(err, context.Canceled):
		return nil, err
	case errors.Is(err, errors.ErrCredentialState):
		return nil, err
	default:
		return nil, errors.CryptoOperation("failed to unlock private key", err)
	}
}
