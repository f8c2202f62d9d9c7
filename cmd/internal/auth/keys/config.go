package keys

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"aegis/cmd/identity"

	"github.com/caarlos0/env/v11"
)

// MinKeyBytes is the minimum HS256 key size accepted.
const MinKeyBytes = 32

// Config is the signing-key configuration.
type Config struct {
	// SigningKeyHex is the hex-encoded initial signing key (>= 32 bytes).
	SigningKeyHex string `env:"AEGIS_SIGNING_KEY_HEX"`
	// SigningKeyID overrides the derived key id.
	SigningKeyID string `env:"AEGIS_SIGNING_KEY_ID"`
	// Retention keeps retired keys verifiable. Must be >= the max token TTL.
	Retention time.Duration `env:"AEGIS_KEY_RETENTION"`
	// RotationInterval enables periodic rotation when > 0.
	RotationInterval time.Duration `env:"AEGIS_KEY_ROTATION_INTERVAL"`
}

// DefaultConfig returns defaults without key material.
func DefaultConfig() Config {
	return Config{Retention: 24 * time.Hour}
}

// LoadConfigFromEnv loads and validates signing-key configuration.
//
// Required:
//   - AEGIS_SIGNING_KEY_HEX
//
// Returns an error wrapping identity.ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", identity.ErrConfig, err)
	}
	if _, err := cfg.Material(); err != nil {
		return Config{}, err
	}
	if cfg.Retention <= 0 || cfg.RotationInterval < 0 {
		return Config{}, fmt.Errorf("%w: key retention must be > 0 and rotation interval >= 0", identity.ErrConfig)
	}
	return cfg, nil
}

// Material decodes SigningKeyHex.
func (c Config) Material() ([]byte, error) {
	raw := strings.TrimSpace(c.SigningKeyHex)
	if raw == "" {
		return nil, fmt.Errorf("%w: AEGIS_SIGNING_KEY_HEX is required", identity.ErrConfig)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: AEGIS_SIGNING_KEY_HEX is not hex", identity.ErrConfig)
	}
	if len(b) < MinKeyBytes {
		return nil, fmt.Errorf("%w: signing key must be at least %d bytes", identity.ErrConfig, MinKeyBytes)
	}
	return b, nil
}
