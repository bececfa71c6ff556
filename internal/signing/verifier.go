package signing

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/clinicore/platform/internal/audit"
	"github.com/clinicore/platform/internal/canonical"
	"github.com/clinicore/platform/internal/credential"
	"github.com/clinicore/platform/internal/document"
	"github.com/clinicore/platform/internal/keystore"
	"github.com/clinicore/platform/internal/shared/clock"
	"github.com/clinicore/platform/internal/shared/config"
	"github.com/clinicore/platform/internal/shared/errors"
	"github.com/clinicore/platform/internal/shared/metrics"
	"github.com/clinicore/platform/internal/shared/types"
)

// Verification failure reasons.
const (
	ReasonModified          = "document modified after signing"
	ReasonMarkedInvalid     = "signature marked invalid"
	ReasonBadSignature      = "signature does not match the credential certificate"
	ReasonNoCertificate     = "signing certificate unavailable"
	ReasonNotUsableAtSign   = "credential was not usable at signing time"
	ReasonDocumentMissing   = "signed document no longer available"
	ReasonUncanonicalizable = "document cannot be canonicalized"
)

// Verdict is the verification payload. It backs the public verification page, so
// it carries no signature bytes and no document fields.
type Verdict struct {
	Signed             bool              `json:"signed"`
	Valid              *bool             `json:"valid,omitempty"`
	Reason             string            `json:"reason,omitempty"`
	DocumentType       document.Type     `json:"document_type,omitempty"`
	DocumentID         string            `json:"document_id,omitempty"`
	SignatureHash      string            `json:"signature_hash,omitempty"`
	SignatureAlgorithm string            `json:"signature_algorithm,omitempty"`
	SignerID           types.ID          `json:"signer_id,omitempty"`
	SignedAt           *time.Time        `json:"signed_at,omitempty"`
	TimestampAuthority *string           `json:"timestamp_authority,omitempty"`
	TimestampedAt      *time.Time        `json:"timestamped_at,omitempty"`
	VerificationURL    string            `json:"verification_url,omitempty"`
	TrustMode          config.TrustMode  `json:"trust_mode,omitempty"`
	Credential         *credential.State `json:"credential,omitempty"`
}

// Verifier re-checks signed documents against the ledger.
type Verifier struct {
	documents   document.Lookup
	ledger      *audit.Ledger
	credentials Credentials
	policy      *config.Policy
	clock       clock.Clock
	logger      *slog.Logger
}

// NewVerifier creates a verifier. A nil policy means the default snapshot policy.
func NewVerifier(documents document.Lookup, ledger *audit.Ledger, credentials Credentials, policy *config.Policy, clk clock.Clock, logger *slog.Logger) *Verifier {
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{
		documents:   documents,
		ledger:      ledger,
		credentials: credentials,
		policy:      policy,
		clock:       clk,
		logger:      logger,
	}
}

// Verify checks the current state of a document against its ledger row.
func (v *Verifier) Verify(ctx context.Context, docType document.Type, documentID string) (*Verdict, error) {
	doc, err := v.documents.Find(ctx, docType, documentID)
	if err != nil {
		return nil, err
	}

	row, err := v.ledger.GetSignature(ctx, docType, documentID)
	if errors.Is(err, errors.ErrNotFound) {
		metrics.RecordVerification("unsigned")
		return &Verdict{Signed: false, DocumentType: docType, DocumentID: documentID}, nil
	}
	if err != nil {
		return nil, err
	}

	return v.check(ctx, row, doc)
}

// VerifyByHash looks a signature up by its hash and verifies it. Unknown hashes
// yield an unsigned verdict rather than an error.
func (v *Verifier) VerifyByHash(ctx context.Context, signatureHash string) (*Verdict, error) {
	signatureHash = strings.ToLower(strings.TrimSpace(signatureHash))
	if _, err := hex.DecodeString(signatureHash); err != nil || len(signatureHash) != 64 {
		return nil, errors.BadRequest("hash must be 64 hex characters")
	}

	row, err := v.ledger.FindByHash(ctx, signatureHash)
	if errors.Is(err, errors.ErrNotFound) {
		metrics.RecordVerification("unsigned")
		return &Verdict{Signed: false, SignatureHash: signatureHash}, nil
	}
	if err != nil {
		return nil, err
	}

	doc, err := v.documents.Find(ctx, row.DocumentType, row.DocumentID)
	if errors.Is(err, errors.ErrNotFound) {
		verdict := v.base(row)
		return v.invalid(verdict, ReasonDocumentMissing), nil
	}
	if err != nil {
		return nil, err
	}

	return v.check(ctx, row, doc)
}

func (v *Verifier) check(ctx context.Context, row *audit.SignedDocument, doc document.Document) (*Verdict, error) {
	verdict := v.base(row)

	if !row.IsValid {
		return v.invalid(verdict, ReasonMarkedInvalid), nil
	}

	digest, hash, err := canonical.Hash(doc)
	if err != nil {
		return v.invalid(verdict, ReasonUncanonicalizable), nil
	}
	if hash != row.SignatureHash {
		return v.invalid(verdict, ReasonModified), nil
	}

	cred, err := v.credentials.Get(ctx, row.CredentialID)
	if errors.Is(err, errors.ErrNotFound) {
		return v.invalid(verdict, ReasonNoCertificate), nil
	}
	if err != nil {
		return nil, err
	}
	state := cred.StateAt(v.clock.Now())
	verdict.Credential = &state

	cert, err := cred.Certificate()
	if err != nil {
		return v.invalid(verdict, ReasonNoCertificate), nil
	}
	if err := keystore.VerifySignature(cert, row.SignatureAlgorithm, digest, row.SignatureValue); err != nil {
		v.logger.Warn("signature bytes do not verify",
			"signature_id", row.ID,
			"credential_id", cred.ID,
			"error", err,
		)
		return v.invalid(verdict, ReasonBadSignature), nil
	}

	if !usableAt(cred, row.CreatedAt) {
		return v.invalid(verdict, ReasonNotUsableAtSign), nil
	}

	// Strict trust also needs the credential to be in good standing now. Rotation
	// is not a loss of trust, so superseded credentials still count.
	if v.policy.TrustMode == config.TrustModeStrict && !state.Usable && state.Reason != credential.ReasonSuperseded {
		return v.invalid(verdict, "credential "+state.Reason), nil
	}

	valid := true
	verdict.Valid = &valid
	metrics.RecordVerification("valid")
	return verdict, nil
}

func (v *Verifier) base(row *audit.SignedDocument) *Verdict {
	signedAt := row.CreatedAt
	return &Verdict{
		Signed:             true,
		DocumentType:       row.DocumentType,
		DocumentID:         row.DocumentID,
		SignatureHash:      row.SignatureHash,
		SignatureAlgorithm: row.SignatureAlgorithm,
		SignerID:           row.SignerID,
		SignedAt:           &signedAt,
		TimestampAuthority: row.TimestampAuthority,
		TimestampedAt:      row.TimestampedAt,
		VerificationURL:    VerificationURL(v.policy.VerificationBaseURL, row.SignatureHash),
		TrustMode:          v.policy.TrustMode,
	}
}

func (v *Verifier) invalid(verdict *Verdict, reason string) *Verdict {
	valid := false
	verdict.Valid = &valid
	verdict.Reason = reason
	metrics.RecordVerification("invalid")
	return verdict
}

// usableAt reports whether the credential's window and revocation allowed signing at t.
func usableAt(c *credential.Credential, t time.Time) bool {
	if t.Before(c.NotBefore) || !t.Before(c.NotAfter) {
		return false
	}
	return c.RevokedAt == nil || !c.RevokedAt.Before(t)
}
