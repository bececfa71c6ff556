// Package audit is the signature ledger: one append-only SignedDocument row per
// signed (document type, document id) pair.
package audit

import (
	"time"

	"github.com/clinicore/platform/internal/document"
	"github.com/clinicore/platform/internal/shared/types"
)

// SignedDocument binds a cryptographic signature to a document, a credential and a
// signer. Rows are never deleted; the only update is attaching a timestamp anchor.
// Integrity-only stamps are a different type and never stored here.
type SignedDocument struct {
	ID                 types.ID      `json:"id"`
	DocumentType       document.Type `json:"document_type"`
	DocumentID         string        `json:"document_id"`
	CredentialID       types.ID      `json:"credential_id"`
	SignerID           types.ID      `json:"signer_id"`
	SignatureAlgorithm string        `json:"signature_algorithm"`
	SignatureValue     []byte        `json:"signature_value"`
	SignatureHash      string        `json:"signature_hash"`
	DigestAlgorithm    string        `json:"digest_algorithm"`
	TimestampAuthority *string       `json:"timestamp_authority,omitempty"`
	TimestampToken     []byte        `json:"timestamp_token,omitempty"`
	TimestampedAt      *time.Time    `json:"timestamped_at,omitempty"`
	IsValid            bool          `json:"is_valid"`
	ValidatedAt        time.Time     `json:"validated_at"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Key returns the document key of the row.
func (s *SignedDocument) Key() document.Key {
	return document.Key{Type: s.DocumentType, ID: s.DocumentID}
}

// HasTimestamp reports whether a timestamp anchor has been recorded.
func (s *SignedDocument) HasTimestamp() bool {
	return s.TimestampedAt != nil
}

// Signature is what the signing engine produced, ready to be recorded.
type Signature struct {
	Algorithm       string
	Value           []byte
	Hash            string
	DigestAlgorithm string
	SignedAt        time.Time
}

// Anchor is a trusted timestamp attached to a ledger row.
type Anchor struct {
	Authority string
	Token     []byte
	At        time.Time
}
