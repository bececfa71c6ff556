package audit

import (
	"context"
	"log/slog"

	"github.com/clinicore/platform/internal/document"
	"github.com/clinicore/platform/internal/shared/errors"
	"github.com/clinicore/platform/internal/shared/types"
)

// UsageRecorder counts successful signings against a credential.
type UsageRecorder interface {
	RecordUse(ctx context.Context, credentialID types.ID) error
}

// Ledger records signatures under the at-most-once rule.
type Ledger struct {
	repo   Repository
	usage  UsageRecorder
	logger *slog.Logger
}

// NewLedger creates a ledger. usage may be nil.
func NewLedger(repo Repository, usage UsageRecorder, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, usage: usage, logger: logger}
}

// RecordSignature appends the ledger row for a document. When the document already
// has a row the call fails with AlreadySigned and the existing row is untouched.
func (l *Ledger) RecordSignature(
	ctx context.Context,
	docType document.Type,
	documentID string,
	signerID types.ID,
	credentialID types.ID,
	sig Signature,
) (*SignedDocument, error) {
	if documentID == "" || sig.Hash == "" || len(sig.Value) == 0 {
		return nil, errors.BadRequest("incomplete signature")
	}

	sd := &SignedDocument{
		ID:                 types.NewID(),
		DocumentType:       docType,
		DocumentID:         documentID,
		CredentialID:       credentialID,
		SignerID:           signerID,
		SignatureAlgorithm: sig.Algorithm,
		SignatureValue:     sig.Value,
		SignatureHash:      sig.Hash,
		DigestAlgorithm:    sig.DigestAlgorithm,
		IsValid:            true,
		ValidatedAt:        sig.SignedAt,
		CreatedAt:          sig.SignedAt,
	}

	if err := l.repo.Insert(ctx, sd); err != nil {
		return nil, err
	}

	// The row is committed; a failed counter update must not undo it.
	if l.usage != nil {
		if err := l.usage.RecordUse(ctx, credentialID); err != nil {
			l.logger.Error("failed to record credential use",
				"credential_id", credentialID,
				"signature_id", sd.ID,
				"error", err,
			)
		}
	}

	return sd, nil
}

// IsSigned reports whether the document has a ledger row.
func (l *Ledger) IsSigned(ctx context.Context, docType document.Type, documentID string) (bool, error) {
	_, err := l.repo.FindByDocument(ctx, docType, documentID)
	if errors.Is(err, errors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetSignature returns the ledger row of a document or NotFound.
func (l *Ledger) GetSignature(ctx context.Context, docType document.Type, documentID string) (*SignedDocument, error) {
	return l.repo.FindByDocument(ctx, docType, documentID)
}

// FindByHash returns the ledger row carrying the signature hash or NotFound.
func (l *Ledger) FindByHash(ctx context.Context, signatureHash string) (*SignedDocument, error) {
	if signatureHash == "" {
		return nil, errors.BadRequest("hash is required")
	}
	return l.repo.FindByHash(ctx, signatureHash)
}

// ListBySigner lists the most recent signatures of a signer.
func (l *Ledger) ListBySigner(ctx context.Context, signerID types.ID, limit int) ([]*SignedDocument, error) {
	return l.repo.ListBySigner(ctx, signerID, limit)
}

// RecordTimestamp attaches a trusted timestamp to a ledger row. It is the only
// mutation a row ever sees.
func (l *Ledger) RecordTimestamp(ctx context.Context, signatureID types.ID, anchor Anchor) (*SignedDocument, error) {
	if anchor.Authority == "" || len(anchor.Token) == 0 {
		return nil, errors.BadRequest("timestamp authority and token are required")
	}
	anchor.At = anchor.At.UTC()
	return l.repo.RecordTimestamp(ctx, signatureID, anchor)
}
