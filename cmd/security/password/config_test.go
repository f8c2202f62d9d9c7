package password

import (
	"errors"
	"testing"
)

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv error: %v", err)
	}

	def := DefaultConfig()
	if cfg.Policy.MinLength != def.Policy.MinLength {
		t.Fatalf("min length mismatch")
	}
	if cfg.Params.MemoryKiB != def.Params.MemoryKiB {
		t.Fatalf("memory mismatch")
	}
}

func TestLoadConfigFromEnv_Override(t *testing.T) {
	t.Setenv("AEGIS_PASSWORD_MIN_LEN", "10")
	t.Setenv("AEGIS_PASSWORD_MAX_LEN", "200")
	t.Setenv("AEGIS_PASSWORD_REJECT_VERY_WEAK", "false")
	t.Setenv("AEGIS_ARGON2_MEMORY_KIB", "32768")
	t.Setenv("AEGIS_ARGON2_ITERATIONS", "4")
	t.Setenv("AEGIS_ARGON2_PARALLELISM", "2")
	t.Setenv("AEGIS_ARGON2_SALT_LEN", "24")
	t.Setenv("AEGIS_ARGON2_KEY_LEN", "32")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv error: %v", err)
	}

	if cfg.Policy.MinLength != 10 || cfg.Policy.MaxLength != 200 || cfg.Policy.RejectVeryWeak {
		t.Fatalf("policy override failed: %+v", cfg.Policy)
	}
	if cfg.Params.MemoryKiB != 32768 || cfg.Params.Iterations != 4 || cfg.Params.Parallelism != 2 {
		t.Fatalf("argon2 override failed: %+v", cfg.Params)
	}
	if cfg.Params.SaltLength != 24 || cfg.Params.KeyLength != 32 {
		t.Fatalf("len override failed: %+v", cfg.Params)
	}
}

func TestLoadConfigFromEnv_Invalid(t *testing.T) {
	cases := []struct {
		key, val string
	}{
		{"AEGIS_PASSWORD_MIN_LEN", "300"},
		{"AEGIS_ARGON2_ITERATIONS", "0"},
		{"AEGIS_ARGON2_MEMORY_KIB", "not-a-number"},
		{"AEGIS_ARGON2_SALT_LEN", "4"},
	}

	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
				t.Fatalf("%s=%s: want ErrConfig, got %v", tc.key, tc.val, err)
			}
		})
	}
}
