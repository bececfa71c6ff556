package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// TrustMode decides whether a credential revoked or expired after signing
// invalidates the historical signature.
type TrustMode string

const (
	// TrustModeSnapshot judges a signature by the credential state at signing time.
	TrustModeSnapshot TrustMode = "snapshot"
	// TrustModeStrict additionally requires the credential to be usable now.
	TrustModeStrict TrustMode = "strict"
)

// Policy is the signing policy, optionally loaded from YAML.
//
//	trust_mode: snapshot
//	strict_trailer: false
//	verification_base_url: https://records.example.org
//	timestamp_required:
//	  - MEDICAL_CERTIFICATE
//	  - PRESCRIPTION
type Policy struct {
	TrustMode           TrustMode `yaml:"trust_mode"`
	StrictTrailer       bool      `yaml:"strict_trailer"`
	VerificationBaseURL string    `yaml:"verification_base_url"`
	TimestampRequired   []string  `yaml:"timestamp_required"`
}

// DefaultPolicy returns the policy used when no file is configured.
func DefaultPolicy() *Policy {
	return &Policy{
		TrustMode:           TrustModeSnapshot,
		VerificationBaseURL: "http://localhost:8080",
	}
}

// LoadPolicy reads a YAML policy file. Missing keys keep their defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("failed to parse signing policy: %w", err)
	}

	switch policy.TrustMode {
	case TrustModeSnapshot, TrustModeStrict:
	case "":
		policy.TrustMode = TrustModeSnapshot
	default:
		return nil, fmt.Errorf("invalid trust_mode: %s", policy.TrustMode)
	}

	policy.VerificationBaseURL = strings.TrimRight(policy.VerificationBaseURL, "/")
	return policy, nil
}

// RequiresTimestamp reports whether PDFs of the given document type must be timestamp-anchored.
func (p *Policy) RequiresTimestamp(documentType string) bool {
	for _, t := range p.TimestampRequired {
		if strings.EqualFold(t, documentType) {
			return true
		}
	}
	return false
}
