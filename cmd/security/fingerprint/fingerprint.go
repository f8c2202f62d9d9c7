package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// KeyEnv is the env var name for the fingerprint HMAC key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnv = "AEGIS_FINGERPRINT_KEY"

	// MinKeyBytes is the minimum accepted key size in keyed mode.
	MinKeyBytes = 32
)

// SHA256Hex returns a SHA-256 hex digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HMACHex returns an HMAC-SHA256 hex digest of s using key.
func HMACHex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Fingerprinter hashes values in keyed or unkeyed mode.
// The zero value uses SHA-256.
type Fingerprinter struct {
	key []byte
}

// New returns a keyed Fingerprinter. An empty key selects SHA-256 mode;
// a non-empty key shorter than MinKeyBytes is rejected.
func New(key []byte) (Fingerprinter, error) {
	if len(key) == 0 {
		return Fingerprinter{}, nil
	}
	if len(key) < MinKeyBytes {
		return Fingerprinter{}, ErrKeyTooShort
	}
	k := make([]byte, len(key))
	copy(k, key)
	return Fingerprinter{key: k}, nil
}

// FromEnv builds a Fingerprinter from AEGIS_FINGERPRINT_KEY.
// When require is true a missing key is an error.
func FromEnv(require bool) (Fingerprinter, error) {
	raw := strings.TrimSpace(os.Getenv(KeyEnv))
	if raw == "" {
		if require {
			return Fingerprinter{}, ErrKeyMissing
		}
		return Fingerprinter{}, nil
	}
	return New([]byte(raw))
}

// Keyed reports whether HMAC mode is active.
func (f Fingerprinter) Keyed() bool { return len(f.key) > 0 }

// Of returns the fingerprint of s.
func (f Fingerprinter) Of(s string) string {
	if len(f.key) == 0 {
		return SHA256Hex(s)
	}
	return HMACHex(s, f.key)
}

// Matches reports, in constant time, whether s fingerprints to want.
func (f Fingerprinter) Matches(s, want string) bool {
	return Equal(f.Of(s), want)
}

// Short returns the first 16 hex chars of the fingerprint; enough to
// correlate log lines without carrying the full digest.
func (f Fingerprinter) Short(s string) string {
	return f.Of(s)[:16]
}

// Equal compares two fingerprints in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
