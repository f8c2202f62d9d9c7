package tokens

import (
	"fmt"
	"strings"
	"time"

	"aegis/cmd/identity"

	"github.com/caarlos0/env/v11"
)

// Config controls issuance and validation.
type Config struct {
	Issuer string `env:"AEGIS_TOKEN_ISSUER"`
	// MaxTTL bounds every token lifetime. Key retention must cover it.
	MaxTTL time.Duration `env:"AEGIS_TOKEN_MAX_TTL"`
	// ClockSkew is applied symmetrically to exp and nbf. Zero is honored.
	ClockSkew time.Duration `env:"AEGIS_TOKEN_CLOCK_SKEW"`
	// KeyLookupTimeout bounds a shared signing-key lookup. It does not follow
	// any single caller's context.
	KeyLookupTimeout time.Duration `env:"AEGIS_KEY_LOOKUP_TIMEOUT"`

	// Positive validation cache.
	CacheSize int           `env:"AEGIS_VALIDATION_CACHE_SIZE"`
	CacheTTL  time.Duration `env:"AEGIS_VALIDATION_CACHE_TTL"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Issuer:           "aegis",
		MaxTTL:           24 * time.Hour,
		ClockSkew:        300 * time.Second,
		KeyLookupTimeout: 2 * time.Second,
		CacheSize:        10_000,
		CacheTTL:         30 * time.Second,
	}
}

// LoadConfigFromEnv overlays AEGIS_TOKEN_* and AEGIS_VALIDATION_CACHE_* on the defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", identity.ErrConfig, err)
	}
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) check() error {
	switch {
	case strings.TrimSpace(c.Issuer) == "":
		return fmt.Errorf("%w: token issuer is required", identity.ErrConfig)
	case c.MaxTTL <= 0:
		return fmt.Errorf("%w: token max ttl must be > 0", identity.ErrConfig)
	case c.ClockSkew < 0 || c.ClockSkew > 10*time.Minute:
		return fmt.Errorf("%w: clock skew must be within [0, 10m]", identity.ErrConfig)
	case c.KeyLookupTimeout < 0:
		return fmt.Errorf("%w: key lookup timeout must be >= 0", identity.ErrConfig)
	case c.CacheSize < 0 || c.CacheTTL < 0:
		return fmt.Errorf("%w: validation cache size and ttl must be >= 0", identity.ErrConfig)
	}
	return nil
}
