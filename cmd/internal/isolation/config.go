package isolation

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"aegis/cmd/identity"

	"github.com/caarlos0/env/v11"
)

// MasterKeyBytes is the required master key size.
const MasterKeyBytes = 32

// Config controls key derivation and limits.
type Config struct {
	// MasterKeyHex seeds every namespace key. Required.
	MasterKeyHex string `env:"AEGIS_NAMESPACE_MASTER_KEY_HEX"`
	// KDFIterations is the PBKDF2 work factor.
	KDFIterations int `env:"AEGIS_NAMESPACE_KDF_ITERATIONS"`
	// KeyLifetime makes a scope key rotate on the first write after it
	// elapses. Zero disables expiry.
	KeyLifetime time.Duration `env:"AEGIS_NAMESPACE_KEY_LIFETIME"`
	MaxPayload  int           `env:"AEGIS_NAMESPACE_MAX_PAYLOAD"`
	MaxGrantTTL time.Duration `env:"AEGIS_NAMESPACE_MAX_GRANT_TTL"`
}

// DefaultConfig returns production defaults without a master key.
func DefaultConfig() Config {
	return Config{
		KDFIterations: 210_000,
		KeyLifetime:   90 * 24 * time.Hour,
		MaxPayload:    1 << 20,
		MaxGrantTTL:   30 * 24 * time.Hour,
	}
}

// LoadConfigFromEnv overlays AEGIS_NAMESPACE_* on the defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", identity.ErrConfig, err)
	}
	if _, err := cfg.Material(); err != nil {
		return Config{}, err
	}
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Material decodes the master key.
func (c Config) Material() ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(c.MasterKeyHex))
	if err != nil {
		return nil, fmt.Errorf("%w: AEGIS_NAMESPACE_MASTER_KEY_HEX is not hex", identity.ErrConfig)
	}
	if len(raw) != MasterKeyBytes {
		return nil, fmt.Errorf("%w: namespace master key must be %d bytes", identity.ErrConfig, MasterKeyBytes)
	}
	return raw, nil
}

func (c Config) check() error {
	if c.KDFIterations < 1000 {
		return fmt.Errorf("%w: namespace kdf iterations must be >= 1000", identity.ErrConfig)
	}
	if c.KeyLifetime < 0 || c.MaxPayload <= 0 || c.MaxGrantTTL <= 0 {
		return fmt.Errorf("%w: namespace key lifetime, max payload and max grant ttl must be positive", identity.ErrConfig)
	}
	return nil
}
