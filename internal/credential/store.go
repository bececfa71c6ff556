package credential

import (
	"context"
	"fmt"
	"log/slog"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/clinicore/platform/internal/keystore"
	"github.com/clinicore/platform/internal/shared/clock"
	"github.com/clinicore/platform/internal/shared/errors"
	"github.com/clinicore/platform/internal/shared/events"
	"github.com/clinicore/platform/internal/shared/metrics"
	"github.com/clinicore/platform/internal/shared/types"
)

// Store is the credential lifecycle service.
type Store struct {
	repo      Repository
	vault     *keystore.Vault
	verifier  *keystore.Verifier
	clock     clock.Clock
	publisher events.Publisher
	logger    *slog.Logger

	maxBundleBytes int64
	rotate         bool
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher publishes lifecycle events after each committed change.
func WithPublisher(p events.Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMaxBundleBytes caps the accepted keystore size.
func WithMaxBundleBytes(n int64) Option {
	return func(s *Store) { s.maxBundleBytes = n }
}

// WithRotation controls whether registering a credential deactivates the owner's
// other active credentials. Enabled by default.
func WithRotation(enabled bool) Option {
	return func(s *Store) { s.rotate = enabled }
}

// NewStore creates a credential store.
func NewStore(repo Repository, vault *keystore.Vault, verifier *keystore.Verifier, clk clock.Clock, opts ...Option) *Store {
	s := &Store{
		repo:           repo,
		vault:          vault,
		verifier:       verifier,
		clock:          clk,
		publisher:      events.Nop{},
		logger:         slog.Default(),
		maxBundleBytes: 1 << 20,
		rotate:         true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register validates a keystore bundle with its passphrase and stores a new credential.
func (s *Store) Register(ctx context.Context, bundle []byte, passphrase string, ownerID types.ID) (*Credential, error) {
	if ownerID.IsZero() {
		return nil, errors.Validation("owner is required", map[string]string{"owner_id": "required"})
	}
	if int64(len(bundle)) > s.maxBundleBytes {
		return nil, errors.InvalidKeystore(fmt.Errorf("bundle exceeds %d bytes", s.maxBundleBytes))
	}

	parsed, err := keystore.ParseBundle(bundle, passphrase)
	if err != nil {
		return nil, errors.InvalidKeystore(err)
	}
	meta := parsed.Metadata()

	now := s.clock.Now()
	if !now.Before(meta.NotAfter) {
		return nil, errors.InvalidKeystore(fmt.Errorf("certificate expired at %s", meta.NotAfter.Format("2006-01-02")))
	}

	verifier, err := s.verifier.Derive(passphrase)
	if err != nil {
		return nil, errors.Internal(err)
	}

	id := types.NewID()
	ref, err := s.vault.Seal(ctx, id, bundle)
	if err != nil {
		return nil, errors.Wrap(err, "failed to store keystore bundle")
	}

	c := &Credential{
		ID:                 id,
		OwnerID:            ownerID,
		Issuer:             meta.Issuer,
		Subject:            meta.Subject,
		SerialNumber:       meta.SerialNumber,
		NotBefore:          meta.NotBefore,
		NotAfter:           meta.NotAfter,
		IsActive:           true,
		PassphraseVerifier: verifier,
		KeyRef:             &ref,
		CertificateDER:     meta.CertificateDER,
		Algorithm:          meta.Algorithm,
		CreatedAt:          now,
	}

	superseded, err := s.repo.Insert(ctx, c, s.rotate)
	if err != nil {
		if purgeErr := s.vault.Purge(ctx, ref); purgeErr != nil {
			s.logger.Error("failed to remove orphaned keystore blob", "credential_id", id, "error", purgeErr)
		}
		return nil, err
	}

	metrics.RecordCredentialEvent("registered")
	for _, old := range superseded {
		metrics.RecordCredentialEvent("superseded")
		s.logger.Info("credential superseded", "credential_id", old, "owner_id", ownerID, "replaced_by", id)
	}
	s.logger.Info("credential registered",
		"credential_id", id,
		"owner_id", ownerID,
		"serial", meta.SerialNumber,
		"algorithm", meta.Algorithm,
		"not_after", meta.NotAfter,
	)

	s.publish(ctx, events.NewEvent(events.TypeCredentialRegistered, "credential", map[string]any{
		"credential_id": id,
		"owner_id":      ownerID,
		"serial_number": meta.SerialNumber,
		"superseded":    superseded,
	}).WithActor(ownerID, "clinician"))

	return c, nil
}

// FindActive returns the owner's most recently created usable credential.
// It fails with NotFound when there is none.
func (s *Store) FindActive(ctx context.Context, ownerID types.ID) (*Credential, error) {
	return s.repo.FindUsable(ctx, ownerID, s.clock.Now())
}

// Current resolves the credential to sign with. When nothing is usable it explains why:
// CredentialState naming the latest credential's problem, or NotFound when the owner
// never registered one.
func (s *Store) Current(ctx context.Context, ownerID types.ID) (*Credential, error) {
	c, err := s.FindActive(ctx, ownerID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	latest, latestErr := s.repo.Latest(ctx, ownerID)
	if latestErr != nil {
		if errors.Is(latestErr, errors.ErrNotFound) {
			return nil, errors.NotFound("credential", ownerID.String())
		}
		return nil, latestErr
	}
	return nil, errors.CredentialState(latest.ID.String(), latest.Unusable(s.clock.Now()))
}

// Get returns a credential by id.
func (s *Store) Get(ctx context.Context, id types.ID) (*Credential, error) {
	return s.repo.FindByID(ctx, id)
}

// ListByOwner returns the owner's credentials, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID types.ID) ([]*Credential, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}

// Revoke permanently deactivates a credential. Revoking twice is a no-op, but an
// explicit revoke replaces the reason of a credential that was only superseded by
// rotation; the original revocation time is kept.
func (s *Store) Revoke(ctx context.Context, id types.ID, reason string) (*Credential, error) {
	if reason == "" {
		reason = "unspecified"
	}
	if reason == ReasonSuperseded {
		return nil, errors.BadRequest("reason superseded is reserved for key rotation")
	}

	c, changed, err := s.repo.Revoke(ctx, id, reason, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return c, nil
	}

	metrics.RecordCredentialEvent("revoked")
	s.logger.Info("credential revoked", "credential_id", id, "owner_id", c.OwnerID, "reason", reason)
	s.publish(ctx, events.NewEvent(events.TypeCredentialRevoked, "credential", map[string]any{
		"credential_id": id,
		"owner_id":      c.OwnerID,
		"reason":        reason,
	}))
	return c, nil
}

// RecordUse counts one signature made with the credential.
func (s *Store) RecordUse(ctx context.Context, id types.ID) error {
	return s.repo.RecordUse(ctx, id, s.clock.Now())
}

// PurgeKeyMaterial deletes the sealed bundle while keeping the credential row, its
// certificate and usage history for verification of past signatures.
func (s *Store) PurgeKeyMaterial(ctx context.Context, id types.ID) (*Credential, error) {
	c, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.HasKeyMaterial() {
		return c, nil
	}

	if err := s.repo.ClearKeyRef(ctx, id); err != nil {
		return nil, err
	}
	if err := s.vault.Purge(ctx, *c.KeyRef); err != nil {
		s.logger.Error("failed to delete sealed keystore", "credential_id", id, "error", err)
	}
	c.KeyRef = nil

	metrics.RecordCredentialEvent("purged")
	s.logger.Info("credential key material purged", "credential_id", id)
	return c, nil
}

// CheckPassphrase compares the passphrase with the stored one-way verifier.
func (s *Store) CheckPassphrase(c *Credential, passphrase string) bool {
	return s.verifier.Check(c.PassphraseVerifier, passphrase)
}

// Unlock opens the sealed bundle and decrypts the private key. It honours ctx
// only between the blob read and the PKCS#12 decryption.
func (s *Store) Unlock(ctx context.Context, c *Credential, passphrase string) (*keystore.Bundle, error) {
	if !c.HasKeyMaterial() {
		return nil, errors.CredentialState(c.ID.String(), ReasonKeyPurged)
	}

	data, err := s.vault.Open(ctx, *c.KeyRef, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bundle, err := keystore.ParseBundle(data, passphrase)
	if err != nil {
		return nil, err
	}
	if bundle.Algorithm != c.Algorithm {
		return nil, fmt.Errorf("keystore algorithm %s does not match credential %s", bundle.Algorithm, c.Algorithm)
	}
	return bundle, nil
}

func (s *Store) publish(ctx context.Context, event events.Event) {
	if reqID := chimw.GetReqID(ctx); reqID != "" {
		event = event.WithCorrelation(reqID)
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("failed to publish event", "type", event.Type, "error", err)
	}
}
