package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/clinicore/platform/internal/shared/blob"
	"github.com/clinicore/platform/internal/shared/types"
)

const (
	sealVersion = byte(1)
	sealInfo    = "clinicore/keystore-bundle/v1"
)

// Vault seals keystore bundle bytes with a per-credential AES-256-GCM key derived
// from the master secret, and keeps the sealed blob in a blob store.
type Vault struct {
	master []byte
	store  blob.Store
}

// NewVault creates a vault. The master secret must be at least 16 bytes.
func NewVault(master []byte, store blob.Store) (*Vault, error) {
	if len(master) < 16 {
		return nil, fmt.Errorf("keystore master key must be at least 16 bytes (got %d)", len(master))
	}
	return &Vault{master: append([]byte(nil), master...), store: store}, nil
}

// Reference returns the blob key used for a credential's sealed bundle.
func Reference(credentialID types.ID) string {
	return "keystores/" + credentialID.String() + ".sealed"
}

// Seal encrypts the bundle and stores it, returning the blob reference.
func (v *Vault) Seal(ctx context.Context, credentialID types.ID, bundle []byte) (string, error) {
	aead, err := v.aead(credentialID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := make([]byte, 0, 1+len(nonce)+len(bundle)+aead.Overhead())
	sealed = append(sealed, sealVersion)
	sealed = append(sealed, nonce...)
	sealed = aead.Seal(sealed, nonce, bundle, []byte(credentialID))

	ref := Reference(credentialID)
	if err := v.store.Put(ctx, ref, sealed); err != nil {
		return "", err
	}
	return ref, nil
}

// Open reads and decrypts a sealed bundle.
func (v *Vault) Open(ctx context.Context, ref string, credentialID types.ID) ([]byte, error) {
	sealed, err := v.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	aead, err := v.aead(credentialID)
	if err != nil {
		return nil, err
	}

	if len(sealed) < 1+aead.NonceSize() {
		return nil, fmt.Errorf("sealed bundle too short")
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("unknown sealed bundle version %d", sealed[0])
	}

	nonce := sealed[1 : 1+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, sealed[1+aead.NonceSize():], []byte(credentialID))
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed bundle: %w", err)
	}
	return plaintext, nil
}

// Purge deletes the sealed bundle.
func (v *Vault) Purge(ctx context.Context, ref string) error {
	return v.store.Delete(ctx, ref)
}

func (v *Vault) aead(credentialID types.ID) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, v.master, []byte(credentialID), []byte(sealInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
