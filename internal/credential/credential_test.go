package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/clinicore/platform/internal/keystore"
	"github.com/clinicore/platform/internal/keystore/keystoretest"
	"github.com/clinicore/platform/internal/shared/auth"
	"github.com/clinicore/platform/internal/shared/blob"
	"github.com/clinicore/platform/internal/shared/clock"
	apperrors "github.com/clinicore/platform/internal/shared/errors"
	"github.com/clinicore/platform/internal/shared/events"
	"github.com/clinicore/platform/internal/shared/logger"
	"github.com/clinicore/platform/internal/shared/types"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store *Store
	repo  *MemoryRepository
	blobs *blob.MemoryStore
	clock *clock.Fixed
	bus   *events.MemoryBus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs := blob.NewMemoryStore()
	vault, err := keystore.NewVault([]byte("test-master-key-0123456789abcdef"), blobs)
	if err != nil {
		t.Fatalf("NewVault failed: %v", err)
	}
	f := &fixture{
		repo:  NewMemoryRepository(),
		blobs: blobs,
		clock: clock.NewFixed(epoch),
		bus:   events.NewMemoryBus(),
	}
	f.store = NewStore(f.repo, vault, keystore.NewVerifier(4), f.clock,
		WithPublisher(f.bus),
		WithLogger(logger.Discard()),
	)
	return f
}

func bundleValid(t *testing.T, passphrase string) []byte {
	return keystoretest.New(t, passphrase, keystoretest.Options{
		NotBefore: epoch.AddDate(0, -1, 0),
		NotAfter:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}).Data
}

func TestUsabilityWindow(t *testing.T) {
	notBefore := epoch
	notAfter := epoch.Add(24 * time.Hour)
	revokedAt := epoch
	reason := "lost token"

	tests := []struct {
		name string
		cred Credential
		now  time.Time
		want string
	}{
		{"inside window", Credential{IsActive: true, NotBefore: notBefore, NotAfter: notAfter}, epoch.Add(time.Hour), ""},
		{"at not before", Credential{IsActive: true, NotBefore: notBefore, NotAfter: notAfter}, notBefore, ""},
		{"at not after", Credential{IsActive: true, NotBefore: notBefore, NotAfter: notAfter}, notAfter, ReasonExpired},
		{"before window", Credential{IsActive: true, NotBefore: notBefore, NotAfter: notAfter}, epoch.Add(-time.Second), ReasonNotYetValid},
		{"inactive", Credential{IsActive: false, NotBefore: notBefore, NotAfter: notAfter}, epoch.Add(time.Hour), ReasonInactive},
		{"revoked", Credential{IsActive: false, RevokedAt: &revokedAt, RevokedReason: &reason, NotBefore: notBefore, NotAfter: notAfter}, epoch.Add(time.Hour), ReasonRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.Unusable(tt.now); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
			if tt.cred.IsUsable(tt.now) != (tt.want == "") {
				t.Error("IsUsable disagrees with Unusable")
			}
		})
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.store.Register(ctx, bundleValid(t, "correct horse"), "correct horse", types.ID("U1"))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !c.IsActive || c.OwnerID != "U1" {
		t.Errorf("Unexpected credential: %+v", c)
	}
	if c.PassphraseVerifier == "" || bytes.Contains([]byte(c.PassphraseVerifier), []byte("correct horse")) {
		t.Error("Expected a one-way verifier, not the passphrase")
	}
	if !c.HasKeyMaterial() || f.blobs.Len() != 1 {
		t.Error("Expected sealed key material to be stored")
	}
	if len(c.CertificateDER) == 0 || c.SerialNumber == "" || c.Issuer == "" {
		t.Error("Expected certificate metadata to be extracted")
	}
	if len(f.bus.Events(events.TypeCredentialRegistered)) != 1 {
		t.Error("Expected credential_registered event")
	}
}

func TestRegisterInvalidKeystore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	data := bundleValid(t, "correct horse")

	expired := keystoretest.New(t, "pw", keystoretest.Options{
		NotBefore: epoch.AddDate(-2, 0, 0),
		NotAfter:  epoch.AddDate(-1, 0, 0),
	}).Data

	tests := []struct {
		name       string
		bundle     []byte
		passphrase string
	}{
		{"wrong passphrase", data, "wrong123"},
		{"garbage", []byte("not pkcs12"), "correct horse"},
		{"expired certificate", expired, "pw"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.store.Register(ctx, tt.bundle, tt.passphrase, types.ID("U1"))
			if !errors.Is(err, apperrors.ErrInvalidKeystore) {
				t.Errorf("Expected ErrInvalidKeystore, got %v", err)
			}
		})
	}

	if f.blobs.Len() != 0 {
		t.Error("Failed registrations must not leave key material behind")
	}
}

func TestRegisterRotatesCurrentCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.store.Register(ctx, bundleValid(t, "pw1"), "pw1", types.ID("U1"))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	f.clock.Advance(time.Minute)
	second, err := f.store.Register(ctx, bundleValid(t, "pw2"), "pw2", types.ID("U1"))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	active, err := f.store.FindActive(ctx, "U1")
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if active.ID != second.ID {
		t.Errorf("Expected newest credential %s, got %s", second.ID, active.ID)
	}

	old, _ := f.store.Get(ctx, first.ID)
	if old.IsActive || old.Unusable(f.clock.Now()) != ReasonSuperseded {
		t.Errorf("Expected first credential to be superseded, got %+v", old)
	}
}

func TestRegisterConcurrentLeavesOneActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	bundles := make([][]byte, n)
	for i := range bundles {
		bundles[i] = bundleValid(t, "pw")
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(bundle []byte) {
			defer wg.Done()
			if _, err := f.store.Register(ctx, bundle, "pw", types.ID("U1")); err != nil {
				t.Errorf("Register failed: %v", err)
			}
		}(bundles[i])
	}
	wg.Wait()

	all, _ := f.store.ListByOwner(ctx, "U1")
	if len(all) != n {
		t.Fatalf("Expected %d credentials, got %d", n, len(all))
	}
	active := 0
	for _, c := range all {
		if c.IsActive && c.RevokedAt == nil {
			active++
		}
	}
	if active != 1 {
		t.Errorf("Expected exactly 1 active credential, got %d", active)
	}
}

func TestFindActiveIsDerivedView(t *testing.T) {
	f := newFixture(t)
	f.store = NewStore(f.repo, f.store.vault, f.store.verifier, f.clock, WithRotation(false), WithLogger(logger.Discard()))
	ctx := context.Background()

	older, _ := f.store.Register(ctx, bundleValid(t, "pw"), "pw", types.ID("U1"))
	f.clock.Advance(time.Minute)
	newer, _ := f.store.Register(ctx, bundleValid(t, "pw"), "pw", types.ID("U1"))

	active, _ := f.store.FindActive(ctx, "U1")
	if active.ID != newer.ID {
		t.Fatalf("Expected most recent credential, got %s", active.ID)
	}

	// Revoking the newest makes the older one current again
	if _, err := f.store.Revoke(ctx, newer.ID, "compromised"); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	active, err := f.store.FindActive(ctx, "U1")
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if active.ID != older.ID {
		t.Errorf("Expected older credential, got %s", active.ID)
	}
}

func TestCurrentExplainsUnusable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.store.Current(ctx, "nobody"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	c, _ := f.store.Register(ctx, bundleValid(t, "pw"), "pw", types.ID("U1"))
	f.clock.Set(c.NotAfter.Add(time.Hour))

	_, err := f.store.Current(ctx, "U1")
	if !errors.Is(err, apperrors.ErrCredentialState) {
		t.Fatalf("Expected ErrCredentialState, got %v", err)
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Details["reason"] != ReasonExpired {
		t.Errorf("Expected reason %q, got %q", ReasonExpired, appErr.Details["reason"])
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.store.Register(ctx, bundleValid(t, "pw"), "pw", types.ID("U1"))

	first, err := f.store.Revoke(ctx, c.ID, "lost token")
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	f.clock.Advance(time.Hour)
	second, err := f.store.Revoke(ctx, c.ID, "another reason")
	if err != nil {
		t.Fatalf("Second revoke must not fail, got %v", err)
	}

	if !first.RevokedAt.Equal(*second.RevokedAt) || *second.RevokedReason != "lost token" {
		t.Error("Second revoke must not change revocation time or reason")
	}
	if second.IsActive {
		t.Error("Revoked credential must stay inactive")
	}
	if len(f.bus.Events(events.TypeCredentialRevoked)) != 1 {
		t.Error("Expected exactly one revoke event")
	}

	if _, err := f.store.Revoke(ctx, types.NewID(), "x"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown credential, got %v", err)
	}
}

func TestRevokeAfterRotationRecordsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, _ := f.store.Register(ctx, bundleValid(t, "pw1"), "pw1", types.ID("U1"))
	rotatedAt := f.clock.Now().Add(time.Minute)
	f.clock.Set(rotatedAt)
	if _, err := f.store.Register(ctx, bundleValid(t, "pw2"), "pw2", types.ID("U1")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	f.clock.Advance(time.Hour)
	revoked, err := f.store.Revoke(ctx, old.ID, "key compromised")
	if err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if *revoked.RevokedReason != "key compromised" {
		t.Errorf("Expected explicit reason to replace superseded, got %q", *revoked.RevokedReason)
	}
	if !revoked.RevokedAt.Equal(rotatedAt) {
		t.Errorf("Expected revocation time %v to be kept, got %v", rotatedAt, *revoked.RevokedAt)
	}
	if got := revoked.StateAt(f.clock.Now()).Reason; got != ReasonRevoked {
		t.Errorf("Expected state %q, got %q", ReasonRevoked, got)
	}
	if len(f.bus.Events(events.TypeCredentialRevoked)) != 1 {
		t.Error("Expected a revoke event for the explicit revoke")
	}

	again, err := f.store.Revoke(ctx, old.ID, "other")
	if err != nil || *again.RevokedReason != "key compromised" {
		t.Errorf("Expected repeat revoke to be a no-op, got %v (err %v)", again.RevokedReason, err)
	}

	if _, err := f.store.Revoke(ctx, old.ID, ReasonSuperseded); !errors.Is(err, apperrors.ErrBadRequest) {
		t.Errorf("Expected ErrBadRequest for the reserved reason, got %v", err)
	}
}

func TestEventsCarryRequestID(t *testing.T) {
	f := newFixture(t)
	ctx := context.WithValue(context.Background(), chimw.RequestIDKey, "req-42")

	if _, err := f.store.Register(ctx, bundleValid(t, "pw"), "pw", types.ID("U1")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	registered := f.bus.Events(events.TypeCredentialRegistered)
	if len(registered) != 1 {
		t.Fatalf("Expected 1 registered event, got %d", len(registered))
	}
	if registered[0].CorrelationID != "req-42" {
		t.Errorf("Expected correlation id req-42, got %q", registered[0].CorrelationID)
	}

	if _, err := f.store.Register(context.Background(), bundleValid(t, "pw2"), "pw2", types.ID("U2")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if got := f.bus.Events(events.TypeCredentialRegistered)[1].CorrelationID; got != "" {
		t.Errorf("Expected no correlation id outside a request, got %q", got)
	}
}

func TestRecordUseConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.store.Register(ctx, bundleValid(t, "pw"), "pw", types.ID("U1"))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.store.RecordUse(ctx, c.ID); err != nil {
				t.Errorf("RecordUse failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := f.store.Get(ctx, c.ID)
	if got.UsageCount != n {
		t.Errorf("Expected usage count %d, got %d", n, got.UsageCount)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(f.clock.Now()) {
		t.Errorf("Expected last used at %v, got %v", f.clock.Now(), got.LastUsedAt)
	}
}

func TestUnlockAndPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, _ := f.store.Register(ctx, bundleValid(t, "pw"), "pw", types.ID("U1"))

	if !f.store.CheckPassphrase(c, "pw") || f.store.CheckPassphrase(c, "wrong123") {
		t.Error("CheckPassphrase mismatch")
	}

	bundle, err := f.store.Unlock(ctx, c, "pw")
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if !bytes.Equal(bundle.Certificate.Raw, c.CertificateDER) {
		t.Error("Unlocked certificate differs from registered one")
	}

	if _, err := f.store.Unlock(ctx, c, "wrong123"); !errors.Is(err, keystore.ErrWrongPassphrase) {
		t.Errorf("Expected ErrWrongPassphrase, got %v", err)
	}

	purged, err := f.store.PurgeKeyMaterial(ctx, c.ID)
	if err != nil {
		t.Fatalf("PurgeKeyMaterial failed: %v", err)
	}
	if purged.HasKeyMaterial() || f.blobs.Len() != 0 {
		t.Error("Expected key material to be gone")
	}

	kept, err := f.store.Get(ctx, c.ID)
	if err != nil || len(kept.CertificateDER) == 0 {
		t.Error("Credential identity and certificate must survive purge")
	}

	if _, err := f.store.Unlock(ctx, kept, "pw"); !errors.Is(err, apperrors.ErrCredentialState) {
		t.Errorf("Expected ErrCredentialState after purge, got %v", err)
	}
}

func TestHandlerRegisterAndRevoke(t *testing.T) {
	f := newFixture(t)
	handler := NewHandler(f.store, f.clock).Routes()
	user := &auth.User{ID: "U1", Roles: []string{auth.RoleClinician}}

	body, _ := json.Marshal(RegisterRequest{Bundle: bundleValid(t, "pw"), Passphrase: "pw"})
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req = req.WithContext(auth.WithUser(req.Context(), user))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("passphrase_verifier")) {
		t.Error("Verifier must not be exposed")
	}

	var created struct {
		ID                 types.ID `json:"id"`
		KeyMaterialPresent bool     `json:"key_material_present"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)
	if !created.KeyMaterialPresent {
		t.Error("Expected key_material_present")
	}

	// Another clinician cannot see or revoke it
	other := &auth.User{ID: "U2", Roles: []string{auth.RoleClinician}}
	req = httptest.NewRequest(http.MethodPost, "/"+created.ID.String()+"/revoke", nil)
	req = req.WithContext(auth.WithUser(req.Context(), other))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for foreign credential, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/"+created.ID.String()+"/revoke", bytes.NewReader([]byte(`{"reason":"left clinic"}`)))
	req = req.WithContext(auth.WithUser(req.Context(), user))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/active", nil)
	req = req.WithContext(auth.WithUser(req.Context(), user))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 with no active credential, got %d", rec.Code)
	}
}
