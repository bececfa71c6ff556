// Package document defines the signable clinical document schemas and their lookup.
//
// The set of document types is closed. Each type has exactly one Go struct whose
// json-tagged fields are its signable content; fields tagged "-" (identity, UpdatedAt)
// are transient and never reach the canonical form.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/clinicore/platform/internal/shared/types"
)

// Type defines the type of document
type Type string

const (
	TypeMedicalRecord      Type = "MEDICAL_RECORD"
	TypeMedicalCertificate Type = "MEDICAL_CERTIFICATE"
	TypePrescription       Type = "PRESCRIPTION"
	TypeExamRequest        Type = "EXAM_REQUEST"
	TypeExamResult         Type = "EXAM_RESULT"
	TypeReferral           Type = "REFERRAL"
	TypeConsentForm        Type = "CONSENT_FORM"
	TypeTeleconsultation   Type = "TELECONSULTATION"
	TypeDischargeSummary   Type = "DISCHARGE_SUMMARY"
)

// Types lists every supported document type.
var Types = []Type{
	TypeMedicalRecord,
	TypeMedicalCertificate,
	TypePrescription,
	TypeExamRequest,
	TypeExamResult,
	TypeReferral,
	TypeConsentForm,
	TypeTeleconsultation,
	TypeDischargeSummary,
}

// ParseType parses a document type name, case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown document type: %q", s)
}

// Document is a signable clinical document. Only the schemas in this package implement it.
type Document interface {
	Type() Type
	ID() string
	SignerID() types.ID
	// SchemaVersion is bumped whenever the signable field set of a type changes.
	SchemaVersion() int
	LastUpdated() time.Time

	header() *Header
}

// Header carries identity and bookkeeping shared by all schemas. None of it is signable
// except the signer, which binds the content to the clinician expected to sign it.
type Header struct {
	DocumentID string    `json:"-"`
	Signer     types.ID  `json:"signer_id"`
	UpdatedAt  time.Time `json:"-"`
}

func (h *Header) ID() string             { return h.DocumentID }
func (h *Header) SignerID() types.ID     { return h.Signer }
func (h *Header) LastUpdated() time.Time { return h.UpdatedAt }
func (h *Header) header() *Header        { return h }

const dateLayout = "2006-01-02"

// Date is a calendar date, serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate returns the date at UTC midnight.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.UTC().Format(dateLayout))
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return fmt.Errorf("invalid date %q: %w", s, err)
	}
	d.Time = t
	return nil
}

const timestampLayout = "2006-01-02T15:04:05.000000Z"

// Timestamp is an instant, serialized in UTC with fixed microsecond precision so
// equal instants always produce equal text.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t, dropping sub-microsecond precision.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Microsecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Truncate(time.Microsecond).Format(timestampLayout))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	t.Time = parsed.UTC().Truncate(time.Microsecond)
	return nil
}

// Diagnosis is a coded diagnosis.
type Diagnosis struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// MedicalRecord is a consultation record.
type MedicalRecord struct {
	Header
	PatientID      string      `json:"patient_id"`
	RecordNumber   string      `json:"record_number"`
	VisitDate      Date        `json:"visit_date"`
	ChiefComplaint string      `json:"chief_complaint"`
	History        string      `json:"history"`
	Examination    string      `json:"examination"`
	Diagnoses      []Diagnosis `json:"diagnoses"`
	Plan           *string     `json:"plan"`
}

func (*MedicalRecord) Type() Type         { return TypeMedicalRecord }
func (*MedicalRecord) SchemaVersion() int { return 1 }

// MedicalCertificate is a sick-leave or fitness certificate.
type MedicalCertificate struct {
	Header
	PatientID   string  `json:"patient_id"`
	PatientName string  `json:"patient_name"`
	IssueDate   Date    `json:"issue_date"`
	LeaveStart  *Date   `json:"leave_start"`
	LeaveEnd    *Date   `json:"leave_end"`
	DaysOff     int     `json:"days_off"`
	Reason      string  `json:"reason"`
	ICD10       *string `json:"icd10"`
	Remarks     *string `json:"remarks"`
}

func (*MedicalCertificate) Type() Type         { return TypeMedicalCertificate }
func (*MedicalCertificate) SchemaVersion() int { return 1 }

// PrescriptionItem is one prescribed medication.
type PrescriptionItem struct {
	Medication   string  `json:"medication"`
	Dosage       string  `json:"dosage"`
	Frequency    string  `json:"frequency"`
	Duration     string  `json:"duration"`
	Quantity     int     `json:"quantity"`
	Instructions *string `json:"instructions"`
}

// Prescription is a medication prescription.
type Prescription struct {
	Header
	PatientID   string             `json:"patient_id"`
	PatientName string             `json:"patient_name"`
	IssuedAt    Timestamp          `json:"issued_at"`
	Items       []PrescriptionItem `json:"items"`
	Notes       *string            `json:"notes"`
}

func (*Prescription) Type() Type         { return TypePrescription }
func (*Prescription) SchemaVersion() int { return 1 }

// ExamRequest orders laboratory or imaging exams.
type ExamRequest struct {
	Header
	PatientID          string    `json:"patient_id"`
	Exams              []string  `json:"exams"`
	ClinicalIndication string    `json:"clinical_indication"`
	Urgency            string    `json:"urgency"`
	RequestedAt        Timestamp `json:"requested_at"`
}

func (*ExamRequest) Type() Type         { return TypeExamRequest }
func (*ExamRequest) SchemaVersion() int { return 1 }

// ExamResult reports the outcome of an exam.
type ExamResult struct {
	Header
	PatientID   string    `json:"patient_id"`
	ExamName    string    `json:"exam_name"`
	PerformedAt Timestamp `json:"performed_at"`
	Findings    string    `json:"findings"`
	Conclusion  string    `json:"conclusion"`
	RequestID   *string   `json:"request_id"`
}

func (*ExamResult) Type() Type         { return TypeExamResult }
func (*ExamResult) SchemaVersion() int { return 1 }

// Referral sends a patient to a specialist.
type Referral struct {
	Header
	PatientID       string  `json:"patient_id"`
	Specialty       string  `json:"specialty"`
	Reason          string  `json:"reason"`
	ClinicalSummary string  `json:"clinical_summary"`
	Urgency         string  `json:"urgency"`
	ReferredTo      *string `json:"referred_to"`
	ReferralDate    Date    `json:"referral_date"`
}

func (*Referral) Type() Type         { return TypeReferral }
func (*Referral) SchemaVersion() int { return 1 }

// ConsentForm records informed consent to a procedure.
type ConsentForm struct {
	Header
	PatientID      string  `json:"patient_id"`
	Procedure      string  `json:"procedure"`
	RisksExplained string  `json:"risks_explained"`
	PatientAgreed  bool    `json:"patient_agreed"`
	GuardianName   *string `json:"guardian_name"`
	ConsentDate    Date    `json:"consent_date"`
}

func (*ConsentForm) Type() Type         { return TypeConsentForm }
func (*ConsentForm) SchemaVersion() int { return 1 }

// Teleconsultation is a remote consultation summary.
type Teleconsultation struct {
	Header
	PatientID string     `json:"patient_id"`
	Channel   string     `json:"channel"`
	StartedAt Timestamp  `json:"started_at"`
	EndedAt   *Timestamp `json:"ended_at"`
	Summary   string     `json:"summary"`
	Diagnosis *string    `json:"diagnosis"`
}

func (*Teleconsultation) Type() Type         { return TypeTeleconsultation }
func (*Teleconsultation) SchemaVersion() int { return 1 }

// DischargeSummary closes a hospital admission.
type DischargeSummary struct {
	Header
	PatientID          string   `json:"patient_id"`
	AdmissionDate      Date     `json:"admission_date"`
	DischargeDate      Date     `json:"discharge_date"`
	AdmissionDiagnosis string   `json:"admission_diagnosis"`
	DischargeDiagnosis string   `json:"discharge_diagnosis"`
	Procedures         []string `json:"procedures"`
	Medications        []string `json:"medications"`
	FollowUp           *string  `json:"follow_up"`
}

func (*DischargeSummary) Type() Type         { return TypeDischargeSummary }
func (*DischargeSummary) SchemaVersion() int { return 1 }

// New returns an empty document of the given type.
func New(t Type) (Document, error) {
	switch t {
	case TypeMedicalRecord:
		return &MedicalRecord{}, nil
	case TypeMedicalCertificate:
		return &MedicalCertificate{}, nil
	case TypePrescription:
		return &Prescription{}, nil
	case TypeExamRequest:
		return &ExamRequest{}, nil
	case TypeExamResult:
		return &ExamResult{}, nil
	case TypeReferral:
		return &Referral{}, nil
	case TypeConsentForm:
		return &ConsentForm{}, nil
	case TypeTeleconsultation:
		return &Teleconsultation{}, nil
	case TypeDischargeSummary:
		return &DischargeSummary{}, nil
	default:
		return nil, fmt.Errorf("unknown document type: %q", t)
	}
}

// Decode builds a typed document from its stored signable payload.
// Unknown payload fields are rejected so schema drift is caught at read time.
func Decode(t Type, id string, signer types.ID, updatedAt time.Time, payload []byte) (Document, error) {
	doc, err := New(t)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}

	h := doc.header()
	h.DocumentID = id
	h.UpdatedAt = updatedAt
	if h.Signer.IsZero() {
		h.Signer = signer
	}
	return doc, nil
}

// Encode returns the signable payload of a document.
func Encode(doc Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", doc.Type(), err)
	}
	return data, nil
}

// Identify sets the document id and signer on a document built in code.
func Identify(doc Document, id string, signer types.ID) {
	h := doc.header()
	h.DocumentID = id
	h.Signer = signer
}

// Touch records a modification time. UpdatedAt is transient and not signable.
func Touch(doc Document, at time.Time) {
	doc.header().UpdatedAt = at
}

// Key identifies a document across types.
type Key struct {
	Type Type
	ID   string
}

func (k Key) String() string {
	return string(k.Type) + "/" + k.ID
}
