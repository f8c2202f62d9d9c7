package app

import (
	"errors"
	"fmt"

	"aegis/cmd/identity"
	"aegis/cmd/security/fingerprint"
)

// ValidateSecurityConfig enforces aegis's security policy at startup.
//
// English comment:
// - Fail-fast is intentional: silently falling back to weaker settings in production is unacceptable.
// - Enforcement validates the same modules that perform the work (fingerprint, keys, tokens).
func ValidateSecurityConfig(cfg Config, cc ComponentConfig) error {
	// Retired signing keys must stay verifiable for the longest token lifetime.
	if cc.Keys.Retention < cc.Tokens.MaxTTL {
		return fmt.Errorf("%w: security policy: AEGIS_KEY_RETENTION (%s) is shorter than AEGIS_TOKEN_MAX_TTL (%s)",
			identity.ErrConfig, cc.Keys.Retention, cc.Tokens.MaxTTL)
	}

	if !cfg.RequireFingerprintKey {
		return nil
	}

	// English comment:
	// - Minimum 32 bytes for the HMAC-SHA256 secret.
	// - We measure bytes (not runes) because the key is used as raw bytes.
	fp, err := fingerprint.FromEnv(true)
	if err != nil {
		switch {
		case errors.Is(err, fingerprint.ErrKeyMissing):
			return fmt.Errorf("%w: security policy: AEGIS_REQUIRE_FINGERPRINT_KEY=true but AEGIS_FINGERPRINT_KEY is missing", identity.ErrConfig)
		case errors.Is(err, fingerprint.ErrKeyTooShort):
			return fmt.Errorf("%w: security policy: AEGIS_REQUIRE_FINGERPRINT_KEY=true but AEGIS_FINGERPRINT_KEY is too short (min 32 bytes)", identity.ErrConfig)
		default:
			return err
		}
	}

	// Extra hard assertion: fingerprints must be keyed in this runtime.
	if !fp.Keyed() {
		return fmt.Errorf("%w: security policy: AEGIS_REQUIRE_FINGERPRINT_KEY=true but the fingerprinter is not in HMAC mode", identity.ErrConfig)
	}
	return nil
}
