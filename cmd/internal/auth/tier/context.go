package tier

import (
	"time"

	"aegis/cmd/identity"
)

// AuthContext carries one elevation request. It is never persisted.
type AuthContext struct {
	Principal string
	Target    identity.Tier
	// PriorToken proves Target-1. Empty only when Target is T1.
	PriorToken string

	Password    string
	TOTPCode    string
	ChallengeID string
	Signature   []byte
	Origin      string
	Biometric   *BiometricAttestation

	// Realm and Zone override the configured alias labels for a new chain.
	Realm string
	Zone  string

	Metadata map[string]any
}

// AuthResult is the outcome of Authenticate.
type AuthResult struct {
	Success   bool
	Tier      identity.Tier
	Token     string
	TokenID   string
	ChainID   string
	Alias     string
	ExpiresAt time.Time

	// Kind and Reason are set on failure.
	Kind       string
	Reason     string
	RetryAfter time.Duration
}

var tierPermissions = map[identity.Tier][]string{
	identity.TierPublic:      {"profile:read"},
	identity.TierPassword:    {"profile:write", "session:manage"},
	identity.TierMFA:         {"data:read", "data:write"},
	identity.TierHardwareKey: {"keys:manage", "admin:read"},
	identity.TierBiometric:   {"admin:write", "secrets:read"},
}

// Permissions returns the cumulative permissions granted at t.
func Permissions(t identity.Tier) []string {
	var out []string
	for i := identity.MinTier; i <= t && i <= identity.MaxTier; i++ {
		out = append(out, tierPermissions[i]...)
	}
	return out
}

var tierMethods = map[identity.Tier]string{
	identity.TierPublic:      "public",
	identity.TierPassword:    "pwd",
	identity.TierMFA:         "otp",
	identity.TierHardwareKey: "hwk",
	identity.TierBiometric:   "bio",
}
