// Package canonical builds the canonical content of a signable document and its digest.
//
// The canonical form is an RFC 8785 (JCS) serialization of the envelope
//
//	{"schema": "<TYPE>@v<n>", "document_type": "<TYPE>", "document_id": "<id>", "fields": {...}}
//
// where fields are the document's signable fields. All strings are NFC-normalized,
// absent optional values are explicit nulls, dates are YYYY-MM-DD and instants are
// UTC with microsecond precision.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/clinicore/platform/internal/document"
)

// DigestAlgorithm names the digest recorded as the signature hash.
const DigestAlgorithm = "SHA-256"

type envelope struct {
	Schema       string            `json:"schema"`
	DocumentType document.Type     `json:"document_type"`
	DocumentID   string            `json:"document_id"`
	Fields       document.Document `json:"fields"`
}

// Canonicalize returns the canonical bytes of doc. It is a pure function of the
// document's signable fields.
func Canonicalize(doc document.Document) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil document")
	}
	if doc.ID() == "" {
		return nil, fmt.Errorf("document has no id")
	}

	raw, err := json.Marshal(envelope{
		Schema:       SchemaName(doc),
		DocumentType: doc.Type(),
		DocumentID:   doc.ID(),
		Fields:       doc,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", doc.Type(), err)
	}

	normalized, err := normalizeStrings(raw)
	if err != nil {
		return nil, err
	}

	out, err := jcs.Transform(normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize %s: %w", doc.Type(), err)
	}
	return out, nil
}

// SchemaName returns the versioned schema identifier of a document.
func SchemaName(doc document.Document) string {
	return fmt.Sprintf("%s@v%d", doc.Type(), doc.SchemaVersion())
}

// Digest returns the SHA-256 digest of canonical content.
func Digest(canonical []byte) []byte {
	sum := sha256.Sum256(canonical)
	return sum[:]
}

// Hash canonicalizes doc and returns the raw digest and its lowercase hex form.
func Hash(doc document.Document) ([]byte, string, error) {
	canonical, err := Canonicalize(doc)
	if err != nil {
		return nil, "", err
	}
	digest := Digest(canonical)
	return digest, hex.EncodeToString(digest), nil
}

// normalizeStrings rewrites every string, keys included, into Unicode NFC.
func normalizeStrings(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode canonical input: %w", err)
	}

	out, err := json.Marshal(nfc(v))
	if err != nil {
		return nil, fmt.Errorf("failed to encode canonical input: %w", err)
	}
	return out, nil
}

func nfc(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		for i := range t {
			t[i] = nfc(t[i])
		}
		return t
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[norm.NFC.String(k)] = nfc(val)
		}
		return m
	default:
		return v
	}
}
