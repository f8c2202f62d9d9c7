package app

import (
	"fmt"
	"strings"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/policy"

	"github.com/caarlos0/env/v11"
)

// Config contains the runtime configuration of the operations server and of
// the wiring between components. Component settings live in each package's
// own Config.
type Config struct {
	HTTPAddr  string `env:"AEGIS_HTTP_ADDR"`
	LogLevel  string `env:"AEGIS_LOG_LEVEL"`
	LogFormat string `env:"AEGIS_LOG_FORMAT"`

	ReadHeaderTimeout time.Duration `env:"AEGIS_HTTP_READ_HEADER_TIMEOUT"`
	ReadTimeout       time.Duration `env:"AEGIS_HTTP_READ_TIMEOUT"`
	WriteTimeout      time.Duration `env:"AEGIS_HTTP_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `env:"AEGIS_HTTP_IDLE_TIMEOUT"`
	ShutdownTimeout   time.Duration `env:"AEGIS_SHUTDOWN_TIMEOUT"`

	// DatabaseURL enables the Postgres backends (schema "aegis", see migrations/).
	DatabaseURL string `env:"AEGIS_DATABASE_URL"`
	DBMaxConns  int32  `env:"AEGIS_DB_MAX_CONNS"`
	DBMinConns  int32  `env:"AEGIS_DB_MIN_CONNS"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `env:"AEGIS_READINESS_REQUIRE_DB"`

	// Background maintenance.
	CleanupInterval time.Duration `env:"AEGIS_CLEANUP_INTERVAL"`
	CleanupBatch    int           `env:"AEGIS_CLEANUP_BATCH"`
	SweepInterval   time.Duration `env:"AEGIS_SWEEP_INTERVAL"`

	// Audit fan-out. AuditWSURL adds a WebSocket collector sink.
	AuditBuffer      int           `env:"AEGIS_AUDIT_BUFFER"`
	AuditSinkTimeout time.Duration `env:"AEGIS_AUDIT_SINK_TIMEOUT"`
	AuditWSURL       string        `env:"AEGIS_AUDIT_WS_URL"`

	// Policy hook. PolicyRego wins over PolicyRules; with neither set every
	// decision is approved only if PolicyAllowAll is true.
	PolicyRules     string          `env:"AEGIS_POLICY_RULES"`
	PolicyRego      string          `env:"AEGIS_POLICY_REGO"`
	PolicyRegoQuery string          `env:"AEGIS_POLICY_REGO_QUERY"`
	PolicyAllowAll  bool            `env:"AEGIS_POLICY_ALLOW_ALL"`
	PolicyTimeout   time.Duration   `env:"AEGIS_POLICY_TIMEOUT"`
	PolicyFailMode  policy.FailMode `env:"AEGIS_POLICY_FAIL_MODE"`

	// IntrospectClients registers introspection callers as id:secret pairs.
	IntrospectClients map[string]string `env:"AEGIS_INTROSPECT_CLIENTS" envSeparator:"," envKeyValSeparator:":"`

	// Security policy:
	// If true, AEGIS_FINGERPRINT_KEY MUST be set (>= 32 bytes) so client
	// secrets and token cache keys are HMAC fingerprints.
	RequireFingerprintKey bool `env:"AEGIS_REQUIRE_FINGERPRINT_KEY"`
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,

		DBMaxConns: 10,

		CleanupInterval: time.Minute,
		CleanupBatch:    500,
		SweepInterval:   30 * time.Second,

		AuditBuffer:      1024,
		AuditSinkTimeout: 2 * time.Second,

		PolicyTimeout:  250 * time.Millisecond,
		PolicyFailMode: policy.FailClosed,
	}
}

// LoadConfig overlays the environment on DefaultConfig.
func LoadConfig() (Config, error) {
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
	case strings.TrimSpace(c.HTTPAddr) == "":
		return fmt.Errorf("%w: AEGIS_HTTP_ADDR is required", identity.ErrConfig)
	case c.LogFormat != "json" && c.LogFormat != "console":
		return fmt.Errorf("%w: AEGIS_LOG_FORMAT must be json or console", identity.ErrConfig)
	case c.DBMaxConns < 0 || c.DBMinConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns):
		return fmt.Errorf("%w: db pool bounds are invalid", identity.ErrConfig)
	case c.CleanupBatch <= 0:
		return fmt.Errorf("%w: AEGIS_CLEANUP_BATCH must be > 0", identity.ErrConfig)
	case c.PolicyFailMode != policy.FailClosed && c.PolicyFailMode != policy.FailOpen:
		return fmt.Errorf("%w: AEGIS_POLICY_FAIL_MODE must be closed or open", identity.ErrConfig)
	}
	for id, secret := range c.IntrospectClients {
		if strings.TrimSpace(id) == "" || len(secret) < 16 {
			return fmt.Errorf("%w: introspection client %q needs a secret of at least 16 bytes", identity.ErrConfig, id)
		}
	}
	return nil
}
