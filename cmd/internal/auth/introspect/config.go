package introspect

import (
	"fmt"
	"time"

	"aegis/cmd/identity"

	"github.com/caarlos0/env/v11"
)

// Config controls rate limiting and caching.
type Config struct {
	// Sliding window: at most WindowLimit calls per Window per requester.
	WindowLimit int           `env:"AEGIS_INTROSPECT_WINDOW_LIMIT"`
	Window      time.Duration `env:"AEGIS_INTROSPECT_WINDOW"`
	// Burst bucket refilled at BurstRate tokens per second.
	BurstRate float64 `env:"AEGIS_INTROSPECT_BURST_RATE"`
	Burst     int     `env:"AEGIS_INTROSPECT_BURST"`

	CacheTTL     time.Duration `env:"AEGIS_INTROSPECT_CACHE_TTL"`
	CacheEntries int64         `env:"AEGIS_INTROSPECT_CACHE_ENTRIES"`

	// Audience, when set, is required of introspected tokens.
	Audience string `env:"AEGIS_INTROSPECT_AUDIENCE"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WindowLimit:  120,
		Window:       time.Minute,
		BurstRate:    10,
		Burst:        20,
		CacheTTL:     10 * time.Second,
		CacheEntries: 10_000,
	}
}

// LoadConfigFromEnv overlays AEGIS_INTROSPECT_* on the defaults.
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
	if c.WindowLimit <= 0 || c.Window <= 0 {
		return fmt.Errorf("%w: introspection window limit and window must be > 0", identity.ErrConfig)
	}
	if c.BurstRate <= 0 || c.Burst <= 0 {
		return fmt.Errorf("%w: introspection burst rate and burst must be > 0", identity.ErrConfig)
	}
	if c.CacheTTL < 0 || c.CacheEntries < 0 {
		return fmt.Errorf("%w: introspection cache ttl and entries must be >= 0", identity.ErrConfig)
	}
	return nil
}
