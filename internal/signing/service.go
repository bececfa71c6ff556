package signing

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"net/url"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/clinicore/platform/internal/audit"
	"github.com/clinicore/platform/internal/credential"
	"github.com/clinicore/platform/internal/document"
	"github.com/clinicore/platform/internal/integrity"
	"github.com/clinicore/platform/internal/pdf"
	"github.com/clinicore/platform/internal/shared/auth"
	"github.com/clinicore/platform/internal/shared/clock"
	"github.com/clinicore/platform/internal/shared/config"
	"github.com/clinicore/platform/internal/shared/errors"
	"github.com/clinicore/platform/internal/shared/events"
	"github.com/clinicore/platform/internal/shared/metrics"
	"github.com/clinicore/platform/internal/shared/types"
	"github.com/clinicore/platform/internal/tsa"
)

// Credentials resolves signer credentials.
type Credentials interface {
	Current(ctx context.Context, ownerID types.ID) (*credential.Credential, error)
	FindActive(ctx context.Context, ownerID types.ID) (*credential.Credential, error)
	Get(ctx context.Context, id types.ID) (*credential.Credential, error)
}

// Signature is a ledger row as returned to callers.
type Signature struct {
	*audit.SignedDocument
	VerificationURL   string `json:"verification_url"`
	TimestampRequired bool   `json:"timestamp_required"`
}

// TimestampResult is a PDF with an appended timestamp revision.
type TimestampResult struct {
	PDF            []byte     `json:"pdf"`
	Degraded       bool       `json:"degraded"`
	DegradedReason string     `json:"degraded_reason,omitempty"`
	Signature      *Signature `json:"signature"`
}

// Service is the caller-facing signing API.
type Service struct {
	documents   document.Lookup
	credentials Credentials
	engine      *Engine
	ledger      *audit.Ledger
	stamper     *integrity.Stamper
	authority   tsa.Authority
	policy      *config.Policy
	clock       clock.Clock
	publisher   events.Publisher
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithAuthority enables timestamp anchoring.
func WithAuthority(a tsa.Authority) Option {
	return func(s *Service) { s.authority = a }
}

// WithPolicy sets the signing policy.
func WithPolicy(p *config.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithPublisher publishes signing events after each committed change.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService wires the signing service.
func NewService(
	documents document.Lookup,
	credentials Credentials,
	engine *Engine,
	ledger *audit.Ledger,
	clk clock.Clock,
	opts ...Option,
) *Service {
	s := &Service{
		documents:   documents,
		credentials: credentials,
		engine:      engine,
		ledger:      ledger,
		stamper:     integrity.NewStamper(clk),
		policy:      config.DefaultPolicy(),
		clock:       clk,
		publisher:   events.Nop{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign signs a document with its signer's current credential. Only the document's
// signer or an admin may sign. Any failure leaves the ledger untouched.
func (s *Service) Sign(ctx context.Context, docType document.Type, documentID string, user *auth.User, passphrase string) (sig *Signature, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordSignOutcome(string(docType), signOutcome(err))
		if err == nil {
			metrics.RecordSignDuration(time.Since(start))
		}
	}()

	if user == nil {
		return nil, errors.Unauthorized("authentication required")
	}

	doc, err := s.documents.Find(ctx, docType, documentID)
	if err != nil {
		return nil, err
	}
	if doc.SignerID() != user.ID && !user.IsAdmin() {
		return nil, errors.Forbidden("only the document's signer or an admin may sign it")
	}

	// Skips the unlock for the common retry case; the ledger insert is still the guard.
	signed, err := s.ledger.IsSigned(ctx, docType, documentID)
	if err != nil {
		return nil, err
	}
	if signed {
		return nil, errors.AlreadySigned(string(docType), documentID)
	}

	cred, err := s.credentials.Current(ctx, doc.SignerID())
	if err != nil {
		return nil, err
	}

	result, err := s.engine.Sign(ctx, doc, cred, passphrase)
	if err != nil {
		s.logSignFailure(docType, documentID, cred.ID, err)
		return nil, err
	}

	row, err := s.ledger.RecordSignature(ctx, docType, documentID, doc.SignerID(), cred.ID, audit.Signature{
		Algorithm:       result.SignatureAlgorithm,
		Value:           result.SignatureValue,
		Hash:            result.SignatureHash,
		DigestAlgorithm: result.DigestAlgorithm,
		SignedAt:        result.SignedAt,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("document signed",
		"document_type", docType,
		"document_id", documentID,
		"signature_id", row.ID,
		"credential_id", cred.ID,
		"actor_id", user.ID,
		"algorithm", row.SignatureAlgorithm,
	)
	s.publish(ctx, events.NewEvent(events.TypeDocumentSigned, "signing", map[string]any{
		"signature_id":   row.ID,
		"document_type":  docType,
		"document_id":    documentID,
		"signer_id":      row.SignerID,
		"credential_id":  cred.ID,
		"signature_hash": row.SignatureHash,
	}).WithActor(user.ID, actorType(user)))

	return s.present(row), nil
}

// GetSignature returns the signature of a document or NotFound.
func (s *Service) GetSignature(ctx context.Context, docType document.Type, documentID string) (*Signature, error) {
	row, err := s.ledger.GetSignature(ctx, docType, documentID)
	if err != nil {
		return nil, err
	}
	return s.present(row), nil
}

// TimestampPDF anchors a trusted timestamp to the PDF rendition of a signed document.
// The token covers SHA-256 of the given bytes and is appended as a new revision; the
// ledger row records the token.
func (s *Service) TimestampPDF(ctx context.Context, docType document.Type, documentID string, user *auth.User, data []byte) (*TimestampResult, error) {
	if s.authority == nil {
		return nil, errors.BadRequest("timestamp anchoring is not enabled")
	}
	if user == nil {
		return nil, errors.Unauthorized("authentication required")
	}
	if len(data) == 0 {
		return nil, errors.Validation("pdf is required", map[string]string{"pdf": "required"})
	}

	row, err := s.ledger.GetSignature(ctx, docType, documentID)
	if err != nil {
		return nil, err
	}
	if row.SignerID != user.ID && !user.IsAdmin() {
		return nil, errors.Forbidden("only the document's signer or an admin may timestamp it")
	}
	if row.HasTimestamp() {
		return nil, errors.Conflict("document already has a timestamp")
	}

	digest := sha256.Sum256(data)
	token, err := s.authority.Timestamp(ctx, digest[:])
	if err != nil {
		metrics.RecordTimestampRevision("failed")
		s.logger.Error("timestamp authority failed", "authority", s.authority.Name(), "document_id", documentID, "error", err)
		return nil, errors.CryptoOperation("timestamp authority request failed", err)
	}

	rev, err := pdf.AppendTimestampRevision(data, token.Raw, pdf.Options{StrictTrailer: s.policy.StrictTrailer})
	if err != nil {
		metrics.RecordTimestampRevision("failed")
		return nil, err
	}

	updated, err := s.ledger.RecordTimestamp(ctx, row.ID, audit.Anchor{
		Authority: s.authority.Name(),
		Token:     token.Raw,
		At:        token.Time,
	})
	if err != nil {
		metrics.RecordTimestampRevision("failed")
		return nil, err
	}

	if rev.Degraded {
		metrics.RecordTimestampRevision("degraded")
		s.logger.Warn("timestamp revision written with fallback trailer",
			"document_type", docType,
			"document_id", documentID,
			"reason", rev.Reason,
		)
	} else {
		metrics.RecordTimestampRevision("ok")
		s.logger.Info("timestamp revision appended",
			"document_type", docType,
			"document_id", documentID,
			"authority", s.authority.Name(),
			"object", rev.ObjectNumber,
		)
	}

	s.publish(ctx, events.NewEvent(events.TypeTimestampAnchored, "signing", map[string]any{
		"signature_id":  updated.ID,
		"document_type": docType,
		"document_id":   documentID,
		"authority":     s.authority.Name(),
		"degraded":      rev.Degraded,
	}).WithActor(user.ID, actorType(user)))

	return &TimestampResult{
		PDF:            rev.PDF,
		Degraded:       rev.Degraded,
		DegradedReason: rev.Reason,
		Signature:      s.present(updated),
	}, nil
}

// IntegrityStamp applies the integrity-only fallback for a caller without a usable
// credential. Signers who can sign are refused so a stamp never stands in for a
// signature.
func (s *Service) IntegrityStamp(ctx context.Context, user *auth.User, req integrity.Request) (*integrity.Result, error) {
	if user == nil {
		return nil, errors.Unauthorized("authentication required")
	}

	_, err := s.credentials.FindActive(ctx, user.ID)
	switch {
	case err == nil:
		return nil, errors.ModeConflict("caller has an active signing credential; sign the document instead")
	case !errors.Is(err, errors.ErrNotFound):
		return nil, err
	}

	res, err := s.stamper.Stamp(req)
	if err != nil {
		return nil, err
	}

	metrics.RecordIntegrityStamp()
	s.logger.Info("integrity stamp applied", "actor_id", user.ID, "hash", res.Metadata.Hash, "size", res.Metadata.Size)
	s.publish(ctx, events.NewEvent(events.TypeIntegrityStamped, "signing", map[string]any{
		"hash": res.Metadata.Hash,
		"mode": res.Metadata.Mode,
	}).WithActor(user.ID, actorType(user)))

	return res, nil
}

func (s *Service) present(row *audit.SignedDocument) *Signature {
	return &Signature{
		SignedDocument:    row,
		VerificationURL:   VerificationURL(s.policy.VerificationBaseURL, row.SignatureHash),
		TimestampRequired: s.policy.RequiresTimestamp(string(row.DocumentType)) && !row.HasTimestamp(),
	}
}

func (s *Service) logSignFailure(docType document.Type, documentID string, credentialID types.ID, err error) {
	attrs := []any{"document_type", docType, "document_id", documentID, "credential_id", credentialID, "error", err}
	switch {
	case errors.Is(err, errors.ErrCryptoOperation):
		s.logger.Error("signing failed", attrs...)
	case errors.Is(err, errors.ErrSigningTimeout):
		s.logger.Warn("signing timed out", attrs...)
	default:
		s.logger.Info("signing refused", attrs...)
	}
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if reqID := chimw.GetReqID(ctx); reqID != "" {
		event = event.WithCorrelation(reqID)
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event", "type", event.Type, "error", err)
	}
}

// VerificationURL is the public, QR-encodable verification link for a signature hash.
func VerificationURL(base, signatureHash string) string {
	return base + "/verify?hash=" + url.QueryEscape(signatureHash)
}

func signOutcome(err error) string {
	switch {
	case err == nil:
		return "signed"
	case errors.Is(err, errors.ErrAlreadySigned):
		return "already_signed"
	case errors.Is(err, errors.ErrForbidden), errors.Is(err, errors.ErrUnauthorized):
		return "forbidden"
	case errors.Is(err, errors.ErrCredentialState):
		return "credential_state"
	case errors.Is(err, errors.ErrInvalidPassphrase):
		return "invalid_passphrase"
	case errors.Is(err, errors.ErrCryptoOperation):
		return "crypto_error"
	case errors.Is(err, errors.ErrSigningTimeout):
		return "timeout"
	case errors.Is(err, errors.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func actorType(user *auth.User) string {
	if user.IsAdmin() {
		return auth.RoleAdmin
	}
	return auth.RoleClinician
}
