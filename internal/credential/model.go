// Package credential manages signer keystore credentials: registration, the derived
// "current credential" view, revocation and usage accounting.
package credential

import (
	"crypto/x509"
	"fmt"
	"time"

	"github.com/clinicore/platform/internal/shared/types"
)

// Usability reasons reported when a credential cannot sign.
const (
	ReasonRevoked       = "revoked"
	ReasonInactive      = "inactive"
	ReasonNotYetValid   = "not yet valid"
	ReasonExpired       = "expired"
	ReasonKeyPurged     = "key material purged"
	ReasonSuperseded    = "superseded"
	ReasonNoCredentials = "no credential registered"
)

// Credential is a signer's registered keystore bundle. Rows are never deleted while
// ledger entries reference them; purging only drops the sealed key material.
type Credential struct {
	ID                 types.ID   `json:"id"`
	OwnerID            types.ID   `json:"owner_id"`
	Issuer             string     `json:"issuer"`
	Subject            string     `json:"subject"`
	SerialNumber       string     `json:"serial_number"`
	NotBefore          time.Time  `json:"not_before"`
	NotAfter           time.Time  `json:"not_after"`
	IsActive           bool       `json:"is_active"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
	RevokedReason      *string    `json:"revoked_reason,omitempty"`
	PassphraseVerifier string     `json:"-"`
	UsageCount         int64      `json:"usage_count"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	KeyRef             *string    `json:"-"`
	CertificateDER     []byte     `json:"-"`
	Algorithm          string     `json:"algorithm"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Unusable returns why the credential cannot produce new signatures at now,
// or "" when it can. The window is half-open: [NotBefore, NotAfter).
func (c *Credential) Unusable(now time.Time) string {
	switch {
	case c.RevokedAt != nil && c.RevokedReason != nil && *c.RevokedReason == ReasonSuperseded:
		return ReasonSuperseded
	case c.RevokedAt != nil:
		return ReasonRevoked
	case !c.IsActive:
		return ReasonInactive
	case now.Before(c.NotBefore):
		return ReasonNotYetValid
	case !now.Before(c.NotAfter):
		return ReasonExpired
	}
	return ""
}

// IsUsable reports whether the credential may sign at now.
func (c *Credential) IsUsable(now time.Time) bool {
	return c.Unusable(now) == ""
}

// HasKeyMaterial reports whether the sealed bundle is still available.
func (c *Credential) HasKeyMaterial() bool {
	return c.KeyRef != nil && *c.KeyRef != ""
}

// Certificate parses the stored leaf certificate.
func (c *Credential) Certificate() (*x509.Certificate, error) {
	if len(c.CertificateDER) == 0 {
		return nil, fmt.Errorf("credential %s has no certificate", c.ID)
	}
	return x509.ParseCertificate(c.CertificateDER)
}

// State is the credential status exposed next to verification verdicts.
type State struct {
	CredentialID  types.ID   `json:"credential_id"`
	Usable        bool       `json:"usable"`
	Reason        string     `json:"reason,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	RevokedReason *string    `json:"revoked_reason,omitempty"`
	NotAfter      time.Time  `json:"not_after"`
}

// StateAt summarises the credential's status at now.
func (c *Credential) StateAt(now time.Time) State {
	reason := c.Unusable(now)
	return State{
		CredentialID:  c.ID,
		Usable:        reason == "",
		Reason:        reason,
		RevokedAt:     c.RevokedAt,
		RevokedReason: c.RevokedReason,
		NotAfter:      c.NotAfter,
	}
}

// View is the API representation of a credential.
type View struct {
	*Credential
	KeyMaterialPresent bool `json:"key_material_present"`
	Usable             bool `json:"usable"`
}

// ViewAt builds the API representation at now.
func (c *Credential) ViewAt(now time.Time) View {
	return View{Credential: c, KeyMaterialPresent: c.HasKeyMaterial(), Usable: c.IsUsable(now)}
}

// --- Request types ---

type RegisterRequest struct {
	// Bundle is the PKCS#12 keystore, base64 in JSON
	Bundle     []byte   `json:"bundle"`
	Passphrase string   `json:"passphrase"`
	OwnerID    types.ID `json:"owner_id,omitempty"`
}

type RevokeRequest struct {
	Reason string `json:"reason"`
}
