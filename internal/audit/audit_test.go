package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clinicore/platform/internal/document"
	"github.com/clinicore/platform/internal/shared/auth"
	"github.com/clinicore/platform/internal/shared/errors"
	"github.com/clinicore/platform/internal/shared/events"
	"github.com/clinicore/platform/internal/shared/logger"
	"github.com/clinicore/platform/internal/shared/types"
)

var signedAt = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type countingUsage struct {
	calls atomic.Int64
	err   error
}

func (c *countingUsage) RecordUse(ctx context.Context, credentialID types.ID) error {
	c.calls.Add(1)
	return c.err
}

func testSignature(hash string) Signature {
	return Signature{
		Algorithm:       "ECDSA-P256-SHA256@v1",
		Value:           []byte{0x30, 0x44, 0x02},
		Hash:            hash,
		DigestAlgorithm: "SHA-256",
		SignedAt:        signedAt,
	}
}

func TestRecordSignature(t *testing.T) {
	usage := &countingUsage{}
	ledger := NewLedger(NewMemoryRepository(), usage, logger.Discard())
	ctx := context.Background()

	sd, err := ledger.RecordSignature(ctx, document.TypeMedicalCertificate, "doc-42", "U1", "C1", testSignature("abc"))
	if err != nil {
		t.Fatalf("RecordSignature failed: %v", err)
	}

	if sd.ID.IsZero() {
		t.Error("Expected non-zero ID")
	}
	if !sd.IsValid {
		t.Error("Expected new row to be valid")
	}
	if !sd.CreatedAt.Equal(signedAt) {
		t.Errorf("Expected created_at %v, got %v", signedAt, sd.CreatedAt)
	}
	if sd.HasTimestamp() {
		t.Error("Expected no timestamp on a new row")
	}
	if usage.calls.Load() != 1 {
		t.Errorf("Expected 1 recorded use, got %d", usage.calls.Load())
	}

	signed, err := ledger.IsSigned(ctx, document.TypeMedicalCertificate, "doc-42")
	if err != nil || !signed {
		t.Errorf("Expected document to be signed, got %v (err %v)", signed, err)
	}

	got, err := ledger.GetSignature(ctx, document.TypeMedicalCertificate, "doc-42")
	if err != nil {
		t.Fatalf("GetSignature failed: %v", err)
	}
	if got.ID != sd.ID || got.SignatureHash != "abc" {
		t.Errorf("Expected stored row, got %+v", got)
	}
}

func TestRecordSignature_AlreadySigned(t *testing.T) {
	usage := &countingUsage{}
	repo := NewMemoryRepository()
	ledger := NewLedger(repo, usage, logger.Discard())
	ctx := context.Background()

	first, err := ledger.RecordSignature(ctx, document.TypeReferral, "ref-1", "U1", "C1", testSignature("first"))
	if err != nil {
		t.Fatalf("first RecordSignature failed: %v", err)
	}

	_, err = ledger.RecordSignature(ctx, document.TypeReferral, "ref-1", "U1", "C1", testSignature("second"))
	if !errors.Is(err, errors.ErrAlreadySigned) {
		t.Fatalf("Expected ErrAlreadySigned, got %v", err)
	}

	got, _ := ledger.GetSignature(ctx, document.TypeReferral, "ref-1")
	if got.ID != first.ID || got.SignatureHash != "first" {
		t.Error("Expected the first row to be untouched")
	}
	if repo.Len() != 1 {
		t.Errorf("Expected 1 row, got %d", repo.Len())
	}
	if usage.calls.Load() != 1 {
		t.Errorf("Expected usage to be recorded once, got %d", usage.calls.Load())
	}
}

func TestRecordSignature_SameIDDifferentType(t *testing.T) {
	ledger := NewLedger(NewMemoryRepository(), nil, logger.Discard())
	ctx := context.Background()

	if _, err := ledger.RecordSignature(ctx, document.TypePrescription, "42", "U1", "C1", testSignature("a")); err != nil {
		t.Fatalf("RecordSignature failed: %v", err)
	}
	if _, err := ledger.RecordSignature(ctx, document.TypeExamRequest, "42", "U1", "C1", testSignature("b")); err != nil {
		t.Errorf("Expected a different document type to be signable, got %v", err)
	}
}

func TestRecordSignature_UsageFailureKeepsRow(t *testing.T) {
	usage := &countingUsage{err: fmt.Errorf("database unavailable")}
	ledger := NewLedger(NewMemoryRepository(), usage, logger.Discard())

	sd, err := ledger.RecordSignature(context.Background(), document.TypeExamResult, "r-1", "U1", "C1", testSignature("h"))
	if err != nil {
		t.Fatalf("Expected success despite usage failure, got %v", err)
	}
	if sd == nil {
		t.Fatal("Expected a row")
	}
}

func TestRecordSignature_Incomplete(t *testing.T) {
	ledger := NewLedger(NewMemoryRepository(), nil, logger.Discard())

	tests := []struct {
		name       string
		documentID string
		sig        Signature
	}{
		{"missing document id", "", testSignature("h")},
		{"missing hash", "d-1", testSignature("")},
		{"missing value", "d-1", Signature{Hash: "h", SignedAt: signedAt}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.RecordSignature(context.Background(), document.TypeConsentForm, tt.documentID, "U1", "C1", tt.sig)
			if !errors.Is(err, errors.ErrBadRequest) {
				t.Errorf("Expected ErrBadRequest, got %v", err)
			}
		})
	}
}

func TestRecordSignature_Concurrent(t *testing.T) {
	const n = 32
	usage := &countingUsage{}
	repo := NewMemoryRepository()
	ledger := NewLedger(repo, usage, logger.Discard())

	var (
		wg        sync.WaitGroup
		successes atomic.Int64
		already   atomic.Int64
		other     atomic.Int64
	)
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := ledger.RecordSignature(context.Background(), document.TypeMedicalCertificate, "doc-42", "U1", "C1", testSignature(fmt.Sprintf("h-%d", i)))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, errors.ErrAlreadySigned):
				already.Add(1)
			default:
				other.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("Expected exactly 1 success, got %d", successes.Load())
	}
	if already.Load() != n-1 {
		t.Errorf("Expected %d AlreadySigned, got %d", n-1, already.Load())
	}
	if other.Load() != 0 {
		t.Errorf("Expected no other errors, got %d", other.Load())
	}
	if repo.Len() != 1 {
		t.Errorf("Expected 1 row, got %d", repo.Len())
	}
	if usage.calls.Load() != 1 {
		t.Errorf("Expected 1 recorded use, got %d", usage.calls.Load())
	}
}

func TestGetSignature_NotFound(t *testing.T) {
	ledger := NewLedger(NewMemoryRepository(), nil, logger.Discard())
	ctx := context.Background()

	signed, err := ledger.IsSigned(ctx, document.TypeReferral, "missing")
	if err != nil || signed {
		t.Errorf("Expected unsigned without error, got %v (err %v)", signed, err)
	}

	_, err = ledger.GetSignature(ctx, document.TypeReferral, "missing")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	_, err = ledger.FindByHash(ctx, "deadbeef")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFindByHash(t *testing.T) {
	ledger := NewLedger(NewMemoryRepository(), nil, logger.Discard())
	ctx := context.Background()

	sd, _ := ledger.RecordSignature(ctx, document.TypeDischargeSummary, "d-1", "U1", "C1", testSignature("cafe"))

	got, err := ledger.FindByHash(ctx, "cafe")
	if err != nil {
		t.Fatalf("FindByHash failed: %v", err)
	}
	if got.ID != sd.ID {
		t.Errorf("Expected %s, got %s", sd.ID, got.ID)
	}

	if _, err := ledger.FindByHash(ctx, ""); !errors.Is(err, errors.ErrBadRequest) {
		t.Errorf("Expected ErrBadRequest for empty hash, got %v", err)
	}
}

func TestRecordTimestamp(t *testing.T) {
	ledger := NewLedger(NewMemoryRepository(), nil, logger.Discard())
	ctx := context.Background()

	sd, _ := ledger.RecordSignature(ctx, document.TypeMedicalCertificate, "doc-1", "U1", "C1", testSignature("h"))

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	updated, err := ledger.RecordTimestamp(ctx, sd.ID, Anchor{Authority: "local-tsa", Token: []byte{1, 2, 3}, At: at})
	if err != nil {
		t.Fatalf("RecordTimestamp failed: %v", err)
	}
	if !updated.HasTimestamp() {
		t.Fatal("Expected timestamp to be recorded")
	}
	if *updated.TimestampAuthority != "local-tsa" {
		t.Errorf("Expected authority local-tsa, got %s", *updated.TimestampAuthority)
	}
	if updated.TimestampedAt.Location() != time.UTC {
		t.Error("Expected timestamp stored in UTC")
	}
	if updated.SignatureHash != sd.SignatureHash || updated.CreatedAt != sd.CreatedAt {
		t.Error("Expected signature fields to be unchanged")
	}

	_, err = ledger.RecordTimestamp(ctx, sd.ID, Anchor{Authority: "other", Token: []byte{9}, At: at})
	if !errors.Is(err, errors.ErrConflict) {
		t.Errorf("Expected ErrConflict on second timestamp, got %v", err)
	}

	_, err = ledger.RecordTimestamp(ctx, types.NewID(), Anchor{Authority: "a", Token: []byte{1}, At: at})
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	_, err = ledger.RecordTimestamp(ctx, sd.ID, Anchor{})
	if !errors.Is(err, errors.ErrBadRequest) {
		t.Errorf("Expected ErrBadRequest for empty anchor, got %v", err)
	}
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	ledger := NewLedger(NewMemoryRepository(), nil, logger.Discard())
	ctx := context.Background()

	sd, _ := ledger.RecordSignature(ctx, document.TypeReferral, "r-1", "U1", "C1", testSignature("h"))
	sd.SignatureValue[0] = 0xff

	got, _ := ledger.GetSignature(ctx, document.TypeReferral, "r-1")
	if got.SignatureValue[0] == 0xff {
		t.Error("Expected stored signature bytes to be isolated from callers")
	}
}

func TestListBySigner(t *testing.T) {
	ledger := NewLedger(NewMemoryRepository(), nil, logger.Discard())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ledger.RecordSignature(ctx, document.TypePrescription, fmt.Sprintf("p-%d", i), "U1", "C1", testSignature(fmt.Sprintf("h%d", i)))
	}
	ledger.RecordSignature(ctx, document.TypePrescription, "p-other", "U2", "C2", testSignature("x"))

	rows, err := ledger.ListBySigner(ctx, "U1", 10)
	if err != nil {
		t.Fatalf("ListBySigner failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(rows))
	}
	if rows[0].DocumentID != "p-2" {
		t.Errorf("Expected newest first, got %s", rows[0].DocumentID)
	}
}

func TestSubscriber_RecordsSigningActivity(t *testing.T) {
	bus := events.NewMemoryBus()
	sub := NewSubscriber(bus, logger.Discard(), 2)
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx := context.Background()
	bus.Publish(ctx, events.NewEvent(events.TypeCredentialRegistered, "credential", map[string]any{"credential_id": types.ID("C1")}).WithActor("U1", "clinician"))
	bus.Publish(ctx, events.NewEvent(events.TypeDocumentSigned, "signing", map[string]any{"signature_id": "S1"}))
	bus.Publish(ctx, events.NewEvent(events.TypeTimestampAnchored, "signing", map[string]any{"signature_id": "S1"}))
	bus.Publish(ctx, events.NewEvent("other.event", "elsewhere", nil))

	recent := sub.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("Expected capacity-bounded trail of 2, got %d", len(recent))
	}
	if recent[0].Action != "timestamp_anchored" {
		t.Errorf("Expected newest entry first, got %s", recent[0].Action)
	}
	if recent[1].ResourceID != "S1" {
		t.Errorf("Expected resource S1, got %s", recent[1].ResourceID)
	}
}

func TestEventToActivity_TypedID(t *testing.T) {
	entry := eventToActivity(events.NewEvent(events.TypeCredentialRevoked, "credential", map[string]any{
		"credential_id": types.ID("C9"),
	}))
	if entry == nil || entry.ResourceID != "C9" {
		t.Errorf("Expected resource C9, got %+v", entry)
	}
}

func TestHandler_ListSignatures(t *testing.T) {
	ledger := NewLedger(NewMemoryRepository(), nil, logger.Discard())
	ledger.RecordSignature(context.Background(), document.TypeReferral, "r-1", "U1", "C1", testSignature("h"))
	router := NewHandler(ledger, nil).Routes()

	tests := []struct {
		name       string
		user       *auth.User
		query      string
		wantStatus int
		wantTotal  int
	}{
		{"own signatures", &auth.User{ID: "U1", Roles: []string{auth.RoleClinician}}, "", http.StatusOK, 1},
		{"other signer forbidden", &auth.User{ID: "U2", Roles: []string{auth.RoleClinician}}, "?signer_id=U1", http.StatusForbidden, 0},
		{"admin reads other signer", &auth.User{ID: "A1", Roles: []string{auth.RoleAdmin}}, "?signer_id=U1", http.StatusOK, 1},
		{"no signatures", &auth.User{ID: "U3", Roles: []string{auth.RoleClinician}}, "", http.StatusOK, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/signatures"+tt.query, nil)
			req = req.WithContext(auth.WithUser(req.Context(), tt.user))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var body struct {
				Total int `json:"total"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Total != tt.wantTotal {
				t.Errorf("Expected total %d, got %d", tt.wantTotal, body.Total)
			}
		})
	}
}
