package introspect

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/audit"
	"aegis/cmd/internal/auth/keys"
	"aegis/cmd/internal/auth/tokens"
	"aegis/cmd/internal/auth/tokenstore"
	"aegis/cmd/internal/policy"
	"aegis/cmd/security/fingerprint"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const (
	clientID     = "billing-svc"
	clientSecret = "billing-secret-0123456789"
)

type harness struct {
	clk   *clock
	svc   *Service
	gen   *tokens.Generator
	val   *tokens.Validator
	store *tokenstore.Store
	rec   *audit.Recorder
	creds Credentials
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rec := &audit.Recorder{}

	store := tokenstore.New(tokenstore.Options{Now: clk.Now})
	ring, err := keys.NewKeyring(ctx, bytes.Repeat([]byte{0x42}, keys.MinKeyBytes), "", keys.KeyringOptions{Recorder: store, Now: clk.Now})
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	tcfg := tokens.DefaultConfig()
	tcfg.ClockSkew = 0
	gen, err := tokens.NewGenerator(ctx, tcfg, tokens.GeneratorOptions{Keys: ring, Registry: store, Now: clk.Now})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	guard := policy.NewGuard(policy.AllowAll{}, policy.DefaultGuardConfig(), nil, nil)
	val, err := tokens.NewValidator(tcfg, tokens.ValidatorOptions{Keys: ring, Revocations: store, Guard: guard, Now: clk.Now})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	fp, err := fingerprint.New([]byte("introspection-test-key-0123456789"))
	if err != nil {
		t.Fatalf("fingerprint.New: %v", err)
	}
	clients := NewClients(fp)
	if err := clients.Register(clientID, clientSecret); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg, Options{
		Validator:   val,
		Revocations: store,
		Clients:     clients,
		Fingerprint: fp,
		Audit:       rec,
		Now:         clk.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(svc.Close)

	return &harness{
		clk:   clk,
		svc:   svc,
		gen:   gen,
		val:   val,
		store: store,
		rec:   rec,
		creds: Credentials{ClientID: clientID, Secret: clientSecret},
	}
}

func (h *harness) mint(t *testing.T, ttl time.Duration) tokens.Signed {
	t.Helper()
	s, err := h.gen.Create(context.Background(), tokens.ClaimSet{
		Tier:        identity.TierPassword,
		Principal:   "alice",
		TenantID:    "t-1",
		Namespace:   identity.NamespaceFor("t-1"),
		Permissions: []string{"profile:read"},
	}, "acme", "prod", ttl)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func TestIntrospect_ActiveThenCached(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.mint(t, time.Hour)

	first, err := h.svc.Introspect(context.Background(), tok.Token, h.creds)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !first.Active || first.Cached {
		t.Fatalf("first call: active=%v cached=%v", first.Active, first.Cached)
	}
	if first.TokenID != tok.TokenID || first.Principal != "alice" || first.Tier != identity.TierPassword {
		t.Fatalf("unexpected result %+v", first)
	}
	if !first.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Fatalf("expires_at = %v, want %v", first.ExpiresAt, tok.ExpiresAt)
	}

	second, err := h.svc.Introspect(context.Background(), tok.Token, h.creds)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if !second.Active || !second.Cached {
		t.Fatalf("second call: active=%v cached=%v", second.Active, second.Cached)
	}
	if n := len(h.rec.OfType(audit.Introspection)); n != 1 {
		t.Fatalf("audited %d introspections, want 1 (cache hits are not audited)", n)
	}
}

func TestIntrospect_RevocationBeatsCache(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.mint(t, time.Hour)

	if r, err := h.svc.Introspect(context.Background(), tok.Token, h.creds); err != nil || !r.Active {
		t.Fatalf("warmup: %+v %v", r, err)
	}
	if err := h.val.Revoke(context.Background(), tok.TokenID, "admin", "compromised"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	r, err := h.svc.Introspect(context.Background(), tok.Token, h.creds)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if r.Active {
		t.Fatalf("revoked token reported active (cached=%v)", r.Cached)
	}
}

func TestIntrospect_ExpiryBeatsCache(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.mint(t, 5*time.Second)

	if r, err := h.svc.Introspect(context.Background(), tok.Token, h.creds); err != nil || !r.Active {
		t.Fatalf("warmup: %+v %v", r, err)
	}
	h.clk.Advance(5 * time.Second)
	r, err := h.svc.Introspect(context.Background(), tok.Token, h.creds)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if r.Active {
		t.Fatal("expired token reported active")
	}
}

func TestIntrospect_InvalidTokenIsInactiveNotError(t *testing.T) {
	h := newHarness(t, nil)

	for _, raw := range []string{"", "garbage", "a.b.c"} {
		r, err := h.svc.Introspect(context.Background(), raw, h.creds)
		if err != nil {
			t.Fatalf("Introspect(%q): %v", raw, err)
		}
		if r.Active || r.TokenID != "" || r.Principal != "" {
			t.Fatalf("Introspect(%q) leaked %+v", raw, r)
		}
	}
	failed := 0
	for _, e := range h.rec.OfType(audit.Introspection) {
		if e.Outcome == audit.OutcomeFailure {
			failed++
		}
	}
	if failed != 3 {
		t.Fatalf("audited %d failed introspections, want 3", failed)
	}
}

func TestIntrospect_ClientAuthentication(t *testing.T) {
	h := newHarness(t, nil)
	tok := h.mint(t, time.Hour)

	cases := []Credentials{
		{ClientID: clientID, Secret: "wrong-secret-0123456789"},
		{ClientID: "nobody", Secret: clientSecret},
		{},
	}
	for _, c := range cases {
		_, err := h.svc.Introspect(context.Background(), tok.Token, c)
		if !errors.Is(err, identity.ErrAccessDenied) {
			t.Fatalf("creds %+v: err = %v, want AccessDenied", c, err)
		}
	}
}

func TestIntrospect_RateLimitedPerRequester(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.WindowLimit = 3
		c.Window = time.Minute
		c.BurstRate = 100
		c.Burst = 100
	})
	tok := h.mint(t, time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := h.svc.Introspect(context.Background(), tok.Token, h.creds); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		h.clk.Advance(time.Second)
	}
	_, err := h.svc.Introspect(context.Background(), tok.Token, h.creds)
	if !errors.Is(err, identity.ErrRateLimited) {
		t.Fatalf("err = %v, want RateLimited", err)
	}
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 || rl.RetryAfter > time.Minute {
		t.Fatalf("retry after = %+v", rl)
	}

	// Another client has its own allowance.
	if err := h.svc.clients.Register("audit-svc", "audit-secret-0123456789"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := h.svc.Introspect(context.Background(), tok.Token, Credentials{ClientID: "audit-svc", Secret: "audit-secret-0123456789"}); err != nil {
		t.Fatalf("second requester limited: %v", err)
	}

	// The oldest call leaves the window after a minute.
	h.clk.Advance(rl.RetryAfter)
	if _, err := h.svc.Introspect(context.Background(), tok.Token, h.creds); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestIntrospect_PaddedClientIDSharesAllowance(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.WindowLimit = 3
		c.Window = time.Minute
		c.BurstRate = 100
		c.Burst = 100
	})
	tok := h.mint(t, time.Hour)

	accepted := 0
	for i := 0; i < 20; i++ {
		creds := Credentials{ClientID: clientID + strings.Repeat(" ", i), Secret: clientSecret}
		_, err := h.svc.Introspect(context.Background(), tok.Token, creds)
		switch {
		case err == nil:
			accepted++
		case !errors.Is(err, identity.ErrRateLimited):
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if accepted != 3 {
		t.Fatalf("accepted %d calls for one client, want 3", accepted)
	}
	if n := len(h.svc.limits.per); n != 1 {
		t.Fatalf("limiter entries = %d, want 1", n)
	}
}

func TestIntrospect_BurstBucket(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.BurstRate = 1
		c.Burst = 2
	})

	for i := 0; i < 2; i++ {
		if _, err := h.svc.Introspect(context.Background(), "x", h.creds); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if _, err := h.svc.Introspect(context.Background(), "x", h.creds); !errors.Is(err, identity.ErrRateLimited) {
		t.Fatalf("err = %v, want RateLimited", err)
	}
	h.clk.Advance(time.Second)
	if _, err := h.svc.Introspect(context.Background(), "x", h.creds); err != nil {
		t.Fatalf("after refill: %v", err)
	}
}

func TestIntrospect_SweepForgetsIdleRequesters(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.svc.Introspect(context.Background(), "x", h.creds); err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	h.clk.Advance(2 * time.Minute)
	h.svc.Sweep()
	if n := len(h.svc.limits.per); n != 0 {
		t.Fatalf("requesters after sweep = %d, want 0", n)
	}
}

func TestIntrospect_CanceledContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.svc.Introspect(ctx, "x", h.creds); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("AEGIS_INTROSPECT_WINDOW_LIMIT", "10")
	t.Setenv("AEGIS_INTROSPECT_AUDIENCE", "billing")
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.WindowLimit != 10 || cfg.Audience != "billing" || cfg.Burst != 20 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	t.Setenv("AEGIS_INTROSPECT_BURST", "0")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, identity.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}
