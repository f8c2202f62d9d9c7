package password

import (
	"fmt"
	"runtime"

	"github.com/caarlos0/env/v11"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32 `env:"AEGIS_ARGON2_MEMORY_KIB"`
	Iterations  uint32 `env:"AEGIS_ARGON2_ITERATIONS"`
	Parallelism uint8  `env:"AEGIS_ARGON2_PARALLELISM"`
	SaltLength  uint32 `env:"AEGIS_ARGON2_SALT_LEN"`
	KeyLength   uint32 `env:"AEGIS_ARGON2_KEY_LEN"`
}

// Policy controls password validation at enrollment time.
type Policy struct {
	MinLength int `env:"AEGIS_PASSWORD_MIN_LEN"`
	MaxLength int `env:"AEGIS_PASSWORD_MAX_LEN"`
	// If true, enable an extra, minimal weak-pattern rejection.
	RejectVeryWeak bool `env:"AEGIS_PASSWORD_REJECT_VERY_WEAK"`
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the baseline used for interactive password logins.
func DefaultConfig() Config {
	// English comment:
	// Parallelism follows the CPU count clamped to [1..4] so resource usage stays
	// predictable in containers.
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,      // 64 MiB
			Iterations:  3,              // interactive login baseline
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above; safe conversion.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:      12,
			MaxLength:      256,
			RejectVeryWeak: true,
		},
	}
}

// LoadConfigFromEnv overlays AEGIS_PASSWORD_* and AEGIS_ARGON2_* variables on
// DefaultConfig and validates the result.
//
// Returns an error wrapping ErrConfig when a value is malformed or out of range.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) check() error {
	type bound struct {
		name     string
		val      uint32
		min, max uint32
	}
	bounds := []bound{
		{"AEGIS_ARGON2_MEMORY_KIB", c.Params.MemoryKiB, 8 * 1024, 1024 * 1024}, // 8 MiB .. 1 GiB
		{"AEGIS_ARGON2_ITERATIONS", c.Params.Iterations, 1, 20},
		{"AEGIS_ARGON2_PARALLELISM", uint32(c.Params.Parallelism), 1, 64},
		{"AEGIS_ARGON2_SALT_LEN", c.Params.SaltLength, 8, 64},
		{"AEGIS_ARGON2_KEY_LEN", c.Params.KeyLength, 16, 64},
	}
	for _, b := range bounds {
		if b.val < b.min || b.val > b.max {
			return fmt.Errorf("%w: %s out of range [%d..%d]", ErrConfig, b.name, b.min, b.max)
		}
	}

	if c.Policy.MinLength < 1 || c.Policy.MaxLength > 4096 {
		return fmt.Errorf("%w: password length bounds out of range", ErrConfig)
	}
	if c.Policy.MinLength > c.Policy.MaxLength {
		return fmt.Errorf(
			"%w: min_len(%d) > max_len(%d)",
			ErrConfig,
			c.Policy.MinLength,
			c.Policy.MaxLength,
		)
	}
	return nil
}
