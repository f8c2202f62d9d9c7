package tenant

import (
	"fmt"
	"time"

	"aegis/cmd/identity"

	"github.com/caarlos0/env/v11"
)

// Config holds manager defaults.
type Config struct {
	// Realm is the alias realm of tenant tokens. The zone is the tenant namespace.
	Realm string `env:"AEGIS_TENANT_REALM"`
	// TokenTTL is used when neither the request nor the tenant policy sets one.
	TokenTTL time.Duration `env:"AEGIS_TENANT_TOKEN_TTL"`
	// MaxDepth bounds the hierarchy; a root is depth 1.
	MaxDepth int `env:"AEGIS_TENANT_MAX_DEPTH"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Realm:    "aegis",
		TokenTTL: time.Hour,
		MaxDepth: 6,
	}
}

// LoadConfigFromEnv overlays AEGIS_TENANT_* on the defaults.
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
	if c.Realm == "" || c.TokenTTL <= 0 {
		return fmt.Errorf("%w: tenant realm and token ttl are required", identity.ErrConfig)
	}
	if c.MaxDepth < 1 {
		return fmt.Errorf("%w: tenant max depth must be >= 1", identity.ErrConfig)
	}
	return nil
}
