package tier

import (
	"fmt"
	"strings"
	"time"

	"aegis/cmd/identity"

	"github.com/caarlos0/env/v11"
)

// Config controls the ladder.
type Config struct {
	// Realm and Zone label aliases of new chains.
	Realm    string   `env:"AEGIS_AUTH_REALM"`
	Zone     string   `env:"AEGIS_AUTH_ZONE"`
	Audience []string `env:"AEGIS_AUTH_AUDIENCE" envSeparator:","`

	// Token lifetimes per tier. Higher tiers live shorter.
	TTLPublic      time.Duration `env:"AEGIS_TIER1_TTL"`
	TTLPassword    time.Duration `env:"AEGIS_TIER2_TTL"`
	TTLMFA         time.Duration `env:"AEGIS_TIER3_TTL"`
	TTLHardwareKey time.Duration `env:"AEGIS_TIER4_TTL"`
	TTLBiometric   time.Duration `env:"AEGIS_TIER5_TTL"`

	// Progressive lockout for password failures. Failures older than
	// LockoutWindow are forgotten once no lock is in force.
	LockoutWindow          time.Duration `env:"AEGIS_LOCKOUT_WINDOW"`
	LockoutShortThreshold  int           `env:"AEGIS_LOCKOUT_SHORT_THRESHOLD"`
	LockoutShortDuration   time.Duration `env:"AEGIS_LOCKOUT_SHORT_DURATION"`
	LockoutLongThreshold   int           `env:"AEGIS_LOCKOUT_LONG_THRESHOLD"`
	LockoutLongDuration    time.Duration `env:"AEGIS_LOCKOUT_LONG_DURATION"`
	LockoutSevereThreshold int           `env:"AEGIS_LOCKOUT_SEVERE_THRESHOLD"`
	LockoutSevereDuration  time.Duration `env:"AEGIS_LOCKOUT_SEVERE_DURATION"`

	// TOTPSkewSteps is the accepted drift in 30s steps on each side.
	TOTPSkewSteps uint `env:"AEGIS_TOTP_SKEW_STEPS"`

	ChallengeTTL       time.Duration `env:"AEGIS_HW_CHALLENGE_TTL"`
	BiometricThreshold float64       `env:"AEGIS_BIOMETRIC_THRESHOLD"`
	// ExternalTimeout bounds hardware and biometric verification calls.
	ExternalTimeout time.Duration `env:"AEGIS_AUTH_EXTERNAL_TIMEOUT"`
}

// DefaultConfig returns the production ladder.
func DefaultConfig() Config {
	return Config{
		Realm: "aegis",
		Zone:  "auth",

		TTLPublic:      60 * time.Minute,
		TTLPassword:    30 * time.Minute,
		TTLMFA:         15 * time.Minute,
		TTLHardwareKey: 10 * time.Minute,
		TTLBiometric:   5 * time.Minute,

		LockoutWindow:          15 * time.Minute,
		LockoutShortThreshold:  5,
		LockoutShortDuration:   5 * time.Minute,
		LockoutLongThreshold:   10,
		LockoutLongDuration:    30 * time.Minute,
		LockoutSevereThreshold: 20,
		LockoutSevereDuration:  2 * time.Hour,

		TOTPSkewSteps:      1,
		ChallengeTTL:       2 * time.Minute,
		BiometricThreshold: 0.90,
		ExternalTimeout:    5 * time.Second,
	}
}

// LoadConfigFromEnv overlays the environment on DefaultConfig.
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

// TTL returns the token lifetime for t.
func (c Config) TTL(t identity.Tier) time.Duration {
	switch t {
	case identity.TierPublic:
		return c.TTLPublic
	case identity.TierPassword:
		return c.TTLPassword
	case identity.TierMFA:
		return c.TTLMFA
	case identity.TierHardwareKey:
		return c.TTLHardwareKey
	case identity.TierBiometric:
		return c.TTLBiometric
	default:
		return 0
	}
}

func (c Config) check() error {
	if strings.TrimSpace(c.Realm) == "" || strings.TrimSpace(c.Zone) == "" {
		return fmt.Errorf("%w: auth realm and zone are required", identity.ErrConfig)
	}
	for t := identity.MinTier; t <= identity.MaxTier; t++ {
		if c.TTL(t) <= 0 {
			return fmt.Errorf("%w: ttl for tier %d must be > 0", identity.ErrConfig, t)
		}
		if t > identity.MinTier && c.TTL(t) > c.TTL(t-1) {
			return fmt.Errorf("%w: tier %d ttl must not exceed tier %d ttl", identity.ErrConfig, t, t-1)
		}
	}
	if c.LockoutShortThreshold <= 0 || c.LockoutShortDuration <= 0 || c.LockoutWindow <= 0 {
		return fmt.Errorf("%w: lockout threshold, duration and window must be > 0", identity.ErrConfig)
	}
	if c.TOTPSkewSteps > 3 {
		return fmt.Errorf("%w: totp skew must be <= 3 steps", identity.ErrConfig)
	}
	if c.ChallengeTTL <= 0 || c.ExternalTimeout <= 0 {
		return fmt.Errorf("%w: challenge ttl and external timeout must be > 0", identity.ErrConfig)
	}
	if c.BiometricThreshold <= 0 || c.BiometricThreshold > 1 {
		return fmt.Errorf("%w: biometric threshold must be in (0, 1]", identity.ErrConfig)
	}
	return nil
}
