// Package integrity is the lower-assurance fallback for signers without a credential:
// a SHA-256 digest of the PDF in a trailing, clearly delimited block. A stamp is not a
// signature, carries no key material and never enters the signature ledger.
package integrity

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinicore/platform/internal/shared/clock"
	"github.com/clinicore/platform/internal/shared/errors"
)

// Mode is the only mode a stamp can have.
const Mode = "INTEGRITY_ONLY"

// Algorithm is the digest over the unstamped bytes.
const Algorithm = "SHA-256"

// Stamp block delimiters. They start with '%' so PDF readers treat them as comments.
const (
	BeginMarker = "%%INTEGRITY-STAMP-BEGIN"
	EndMarker   = "%%INTEGRITY-STAMP-END"
)

// Metadata describes an integrity stamp.
type Metadata struct {
	Mode      string    `json:"mode"`
	Algorithm string    `json:"algorithm"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
	Size      int       `json:"size"`
}

// Request is what callers may pass to Stamp. The credential fields exist so a
// confused caller fails loudly instead of silently getting a weaker artefact.
type Request struct {
	PDF          []byte `json:"pdf"`
	CredentialID string `json:"credential_id,omitempty"`
	Passphrase   string `json:"passphrase,omitempty"`
	Keystore     []byte `json:"keystore,omitempty"`
}

// Result is a stamped PDF and its metadata.
type Result struct {
	Stamped  []byte   `json:"stamped_pdf"`
	Metadata Metadata `json:"metadata"`
}

// Stamper produces integrity stamps.
type Stamper struct {
	clock clock.Clock
}

// NewStamper creates a stamper.
func NewStamper(clk clock.Clock) *Stamper {
	return &Stamper{clock: clk}
}

// Stamp appends the integrity block to req.PDF. Supplying any credential parameter
// is a ModeConflict.
func (s *Stamper) Stamp(req Request) (*Result, error) {
	if req.CredentialID != "" || req.Passphrase != "" || len(req.Keystore) > 0 {
		return nil, errors.ModeConflict("integrity stamps do not take credential parameters; use signing instead")
	}
	if len(req.PDF) == 0 {
		return nil, errors.BadRequest("pdf is required")
	}

	sum := sha256.Sum256(req.PDF)
	meta := Metadata{
		Mode:      Mode,
		Algorithm: Algorithm,
		Hash:      hex.EncodeToString(sum[:]),
		Timestamp: s.clock.Now().UTC(),
		Size:      len(req.PDF),
	}

	body, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode stamp metadata: %w", err)
	}

	out := make([]byte, 0, len(req.PDF)+len(body)+64)
	out = append(out, req.PDF...)
	out = append(out, '\n')
	out = append(out, BeginMarker...)
	out = append(out, '\n')
	out = append(out, body...)
	out = append(out, '\n')
	out = append(out, EndMarker...)
	out = append(out, '\n')

	return &Result{Stamped: out, Metadata: meta}, nil
}

// Split separates a stamped PDF into the original bytes and the embedded metadata.
func Split(stamped []byte) ([]byte, *Metadata, error) {
	begin := bytes.LastIndex(stamped, []byte("\n"+BeginMarker+"\n"))
	if begin < 0 {
		return nil, nil, fmt.Errorf("no integrity stamp found")
	}

	block := stamped[begin+len(BeginMarker)+2:]
	end := bytes.Index(block, []byte("\n"+EndMarker))
	if end < 0 {
		return nil, nil, fmt.Errorf("integrity stamp is not terminated")
	}
	if rest := bytes.TrimRight(block[end+len(EndMarker)+1:], "\r\n"); len(rest) > 0 {
		return nil, nil, fmt.Errorf("unexpected bytes after integrity stamp")
	}

	var meta Metadata
	if err := json.Unmarshal(block[:end], &meta); err != nil {
		return nil, nil, fmt.Errorf("invalid integrity stamp metadata: %w", err)
	}
	return stamped[:begin], &meta, nil
}

// VerifyStamp slices the stamp block off, recomputes the digest over the remaining
// bytes and compares it to meta.Hash. Metadata of any other mode never verifies.
func VerifyStamp(stamped []byte, meta Metadata) bool {
	if meta.Mode != Mode || meta.Algorithm != Algorithm {
		return false
	}
	original, embedded, err := Split(stamped)
	if err != nil {
		return false
	}

	sum := sha256.Sum256(original)
	actual := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(actual), []byte(meta.Hash)) != 1 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(embedded.Hash), []byte(meta.Hash)) == 1
}
