package document

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	apperrors "github.com/clinicore/platform/internal/shared/errors"
	"github.com/clinicore/platform/internal/shared/types"
)

func strPtr(s string) *string { return &s }

func TestParseType(t *testing.T) {
	tests := []struct {
		input       string
		want        Type
		expectError bool
	}{
		{"MEDICAL_CERTIFICATE", TypeMedicalCertificate, false},
		{"prescription", TypePrescription, false},
		{" referral ", TypeReferral, false},
		{"INVOICE", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseType(tt.input)
			if tt.expectError {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestNewCoversAllTypes(t *testing.T) {
	for _, typ := range Types {
		doc, err := New(typ)
		if err != nil {
			t.Fatalf("New(%s) failed: %v", typ, err)
		}
		if doc.Type() != typ {
			t.Errorf("Expected type %s, got %s", typ, doc.Type())
		}
		if doc.SchemaVersion() < 1 {
			t.Errorf("%s: expected schema version >= 1", typ)
		}
	}
}

func TestEncodeExcludesTransientFields(t *testing.T) {
	cert := &MedicalCertificate{
		PatientID:   "P-1",
		PatientName: "Jovana Ilic",
		IssueDate:   NewDate(2025, time.March, 3),
		DaysOff:     3,
		Reason:      "Influenza",
	}
	Identify(cert, "doc-42", types.ID("U1"))
	Touch(cert, time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC))

	payload, err := Encode(cert)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	s := string(payload)

	if strings.Contains(s, "doc-42") {
		t.Error("Document id must not be part of the payload")
	}
	if strings.Contains(s, "2025-03-04") {
		t.Error("UpdatedAt must not be part of the payload")
	}
	if !strings.Contains(s, `"issue_date":"2025-03-03"`) {
		t.Errorf("Expected fixed date format, got %s", s)
	}
	if !strings.Contains(s, `"icd10":null`) {
		t.Errorf("Expected explicit null for absent optional field, got %s", s)
	}
}

func TestTimestampFormat(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	ts := NewTimestamp(time.Date(2025, 6, 1, 9, 30, 0, 123456789, loc))

	data, err := ts.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON failed: %v", err)
	}
	if string(data) != `"2025-06-01T08:30:00.123456Z"` {
		t.Errorf("Unexpected timestamp encoding: %s", data)
	}

	var back Timestamp
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON failed: %v", err)
	}
	if !back.Equal(ts.Time) {
		t.Errorf("Expected %v, got %v", ts.Time, back.Time)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(TypeReferral, "r-1", types.ID("U1"), time.Time{}, []byte(`{"specialty":"cardiology","extra":1}`))
	if err == nil {
		t.Error("Expected unknown field to be rejected")
	}
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	rx := &Prescription{
		PatientID:   "P-7",
		PatientName: "Marko Markovic",
		IssuedAt:    NewTimestamp(time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)),
		Items: []PrescriptionItem{
			{Medication: "Amoxicillin", Dosage: "500mg", Frequency: "3x daily", Duration: "7 days", Quantity: 21},
		},
		Notes: strPtr("Take with food"),
	}
	Identify(rx, "rx-1", types.ID("U1"))

	if err := repo.Save(ctx, rx); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	found, err := repo.Find(ctx, TypePrescription, "rx-1")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}

	got, ok := found.(*Prescription)
	if !ok {
		t.Fatalf("Expected *Prescription, got %T", found)
	}
	if got.ID() != "rx-1" || got.SignerID() != "U1" {
		t.Errorf("Identity mismatch: %s %s", got.ID(), got.SignerID())
	}
	if len(got.Items) != 1 || got.Items[0].Quantity != 21 {
		t.Errorf("Items mismatch: %+v", got.Items)
	}

	// Mutating the returned value must not change stored state
	got.Items[0].Quantity = 99
	again, _ := repo.Find(ctx, TypePrescription, "rx-1")
	if again.(*Prescription).Items[0].Quantity != 21 {
		t.Error("Stored document was mutated through a returned value")
	}

	_, err = repo.Find(ctx, TypePrescription, "missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
