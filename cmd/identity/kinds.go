package identity

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
var (
	// Alias codec.
	ErrInvalidFormat    = errors.New("invalid_format")
	ErrChecksumMismatch = errors.New("checksum_mismatch")
	ErrFieldOutOfRange  = errors.New("field_out_of_range")

	// Token validation.
	ErrMalformedToken   = errors.New("malformed_token")
	ErrSignatureInvalid = errors.New("signature_invalid")
	ErrExpired          = errors.New("expired")
	ErrNotYetValid      = errors.New("not_yet_valid")
	ErrRevoked          = errors.New("revoked")
	ErrAudienceMismatch = errors.New("audience_mismatch")
	ErrIssuerMismatch   = errors.New("issuer_mismatch")
	ErrPolicyRejected   = errors.New("policy_rejected")

	// Tiered authentication.
	ErrRequiresPriorTier   = errors.New("requires_prior_tier")
	ErrAccountLocked       = errors.New("account_locked")
	ErrInvalidCredentials  = errors.New("invalid_credentials")
	ErrChallengeExpired    = errors.New("challenge_expired")
	ErrProviderUnavailable = errors.New("provider_unavailable")

	// Tenancy and isolation.
	ErrTenantMismatch   = errors.New("tenant_mismatch")
	ErrAccessDenied     = errors.New("access_denied")
	ErrQuotaExceeded    = errors.New("quota_exceeded")
	ErrDecryptionFailed = errors.New("decryption_failed")

	// Introspection.
	ErrRateLimited = errors.New("rate_limited")

	// Storage and keys.
	ErrKeyChainCorrupted = errors.New("key_chain_corrupted")
	ErrInvalidInput      = errors.New("invalid_input")
	ErrNotFound          = errors.New("not_found")
	ErrConflict          = errors.New("conflict")
	ErrConfig            = errors.New("invalid_config")
)

// kindNames is the closed set of kinds exposed by KindOf.
var kindNames = []error{
	ErrInvalidFormat, ErrChecksumMismatch, ErrFieldOutOfRange,
	ErrMalformedToken, ErrSignatureInvalid, ErrExpired, ErrNotYetValid,
	ErrRevoked, ErrAudienceMismatch, ErrIssuerMismatch, ErrPolicyRejected,
	ErrRequiresPriorTier, ErrAccountLocked, ErrInvalidCredentials,
	ErrChallengeExpired, ErrProviderUnavailable,
	ErrTenantMismatch, ErrAccessDenied, ErrQuotaExceeded, ErrDecryptionFailed,
	ErrRateLimited,
	ErrKeyChainCorrupted, ErrInvalidInput, ErrNotFound, ErrConflict, ErrConfig,
}

// KindOf returns the stable kind string for err ("invalid_format", "expired", ...)
// or "internal" when err does not wrap any known kind.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kindNames {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "internal"
}
