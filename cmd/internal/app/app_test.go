package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/auth/introspect"
	"aegis/cmd/internal/auth/keys"
	"aegis/cmd/internal/auth/tier"
	"aegis/cmd/internal/auth/tokens"
	"aegis/cmd/internal/isolation"
	"aegis/cmd/internal/policy"
	"aegis/cmd/internal/tenant"
	"aegis/cmd/security/password"

	"go.uber.org/zap"
)

const testClientSecret = "ops-dashboard-secret-01"

func testComponentConfig() ComponentConfig {
	kc := keys.DefaultConfig()
	kc.SigningKeyHex = strings.Repeat("5a", keys.MinKeyBytes)

	ic := isolation.DefaultConfig()
	ic.MasterKeyHex = strings.Repeat("c3", isolation.MasterKeyBytes)
	ic.KDFIterations = 1000

	return ComponentConfig{
		Keys:       kc,
		Tokens:     tokens.DefaultConfig(),
		Tier:       tier.DefaultConfig(),
		Passwords:  password.DefaultConfig(),
		Tenant:     tenant.DefaultConfig(),
		Isolation:  ic,
		Introspect: introspect.DefaultConfig(),
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PolicyAllowAll = true
	cfg.IntrospectClients = map[string]string{"ops-dashboard": testClientSecret}
	return cfg
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	t.Setenv("AEGIS_FINGERPRINT_KEY", "")
	a, err := New(context.Background(), testConfig(), testComponentConfig(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("AEGIS_HTTP_ADDR", "127.0.0.1:9100")
	t.Setenv("AEGIS_LOG_FORMAT", "console")
	t.Setenv("AEGIS_POLICY_FAIL_MODE", "open")
	t.Setenv("AEGIS_INTROSPECT_CLIENTS", "gateway:gateway-secret-0123,billing:billing-secret-0123")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9100" || cfg.LogFormat != "console" || cfg.PolicyFailMode != policy.FailOpen {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.IntrospectClients) != 2 || cfg.IntrospectClients["billing"] != "billing-secret-0123" {
		t.Fatalf("introspect clients = %v", cfg.IntrospectClients)
	}
	if cfg.CleanupBatch != 500 || cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("defaults lost: %+v", cfg)
	}

	cases := map[string]string{
		"AEGIS_LOG_FORMAT":         "xml",
		"AEGIS_POLICY_FAIL_MODE":   "maybe",
		"AEGIS_INTROSPECT_CLIENTS": "gateway:short",
		"AEGIS_CLEANUP_BATCH":      "0",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := LoadConfig(); !errors.Is(err, identity.ErrConfig) {
				t.Fatalf("%s=%s: err = %v, want ErrConfig", key, val, err)
			}
		})
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	cc := testComponentConfig()

	short := cc
	short.Keys.Retention = time.Hour
	if err := ValidateSecurityConfig(DefaultConfig(), short); !errors.Is(err, identity.ErrConfig) {
		t.Fatalf("short retention: err = %v, want ErrConfig", err)
	}

	cfg := DefaultConfig()
	cfg.RequireFingerprintKey = true

	t.Setenv("AEGIS_FINGERPRINT_KEY", "")
	if err := ValidateSecurityConfig(cfg, cc); err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("missing key: err = %v", err)
	}
	t.Setenv("AEGIS_FINGERPRINT_KEY", "too-short")
	if err := ValidateSecurityConfig(cfg, cc); err == nil || !strings.Contains(err.Error(), "too short") {
		t.Fatalf("short key: err = %v", err)
	}
	t.Setenv("AEGIS_FINGERPRINT_KEY", strings.Repeat("k", 32))
	if err := ValidateSecurityConfig(cfg, cc); err != nil {
		t.Fatalf("valid key: %v", err)
	}
}

func TestNewPolicyHook(t *testing.T) {
	ctx := context.Background()

	hook, err := newPolicyHook(ctx, DefaultConfig())
	if err != nil || hook != nil {
		t.Fatalf("no hook configured: %v, %v", hook, err)
	}

	cfg := DefaultConfig()
	cfg.PolicyRules = `[{"action":"*","field":"tier","op":"gte","value":1}]`
	hook, err = newPolicyHook(ctx, cfg)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	if _, ok := hook.(policy.RuleSet); !ok {
		t.Fatalf("rules hook is %T", hook)
	}

	cfg.PolicyRego = "package aegis\n\ndefault decision := true\n"
	hook, err = newPolicyHook(ctx, cfg)
	if err != nil {
		t.Fatalf("rego: %v", err)
	}
	if _, ok := hook.(*policy.RegoHook); !ok {
		t.Fatalf("rego hook is %T", hook)
	}

	cfg.PolicyRego = "package aegis\n\ndecision := {"
	if _, err := newPolicyHook(ctx, cfg); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestRouter(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, body := get("/healthz"); code != http.StatusOK || body != "ok\n" {
		t.Fatalf("/healthz = %d %q", code, body)
	}
	if code, body := get("/readyz"); code != http.StatusOK || body != "ready\n" {
		t.Fatalf("/readyz = %d %q", code, body)
	}
	code, body := get("/metrics")
	if code != http.StatusOK || !strings.Contains(body, "aegis_http_requests_total") {
		t.Fatalf("/metrics = %d, body lacks aegis_http_requests_total", code)
	}

	a.cfg.ReadinessRequireDB = true
	if code, _ := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz without db = %d, want 503", code)
	}
}

func TestAppWiresComponents(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	// Tier 1 token, then introspection by a registered client.
	res, err := a.Tier.Authenticate(ctx, tier.AuthContext{Principal: "alice", Target: identity.TierPublic})
	if err != nil || !res.Success {
		t.Fatalf("Authenticate: %+v, %v", res, err)
	}
	creds := introspect.Credentials{ClientID: "ops-dashboard", Secret: testClientSecret}
	ir, err := a.Introspect.Introspect(ctx, res.Token, creds)
	if err != nil || !ir.Active || ir.Principal != "alice" || ir.Tier != identity.TierPublic {
		t.Fatalf("Introspect: %+v, %v", ir, err)
	}
	if err := a.Validator.Revoke(ctx, res.TokenID, "ops", "test"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if ir, err := a.Introspect.Introspect(ctx, res.Token, creds); err != nil || ir.Active {
		t.Fatalf("Introspect after revoke: %+v, %v", ir, err)
	}

	// Tenant token drives namespace access.
	tn, err := a.Tenants.CreateTenant(ctx, tenant.CreateInput{Name: "Acme", Type: tenant.TypeOrganization})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if _, err := a.Tenants.AddTenantUser(ctx, tn.ID, tenant.AddUserInput{UserID: "bob", MaxTier: identity.TierMFA}); err != nil {
		t.Fatalf("AddTenantUser: %v", err)
	}
	signed, err := a.Tenants.GenerateTenantToken(ctx, tenant.TokenRequest{TenantID: tn.ID, UserID: "bob"})
	if err != nil {
		t.Fatalf("GenerateTenantToken: %v", err)
	}
	vr, err := a.Tenants.ValidateTenantToken(ctx, signed.Token, tenant.ValidateRequest{TenantID: tn.ID})
	if err != nil {
		t.Fatalf("ValidateTenantToken: %v", err)
	}

	ns, err := a.Isolation.CreateNamespace(ctx, tn.ID)
	if err != nil || ns != tn.Namespace {
		t.Fatalf("CreateNamespace = %q, %v (tenant namespace %q)", ns, err, tn.Namespace)
	}
	me := isolation.RequesterFromClaims(vr.Claims)
	if err := a.Isolation.Store(ctx, isolation.Request{Namespace: ns, Path: "report.csv", Requester: me, Mode: isolation.OpWrite}, []byte("a,b")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	out, err := a.Isolation.Retrieve(ctx, isolation.Request{Namespace: ns, Path: "report.csv", Requester: me, Mode: isolation.OpRead})
	if err != nil || string(out) != "a,b" {
		t.Fatalf("Retrieve: %q, %v", out, err)
	}

	a.sweep()
}
