package tenant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/audit"
	"aegis/cmd/internal/auth/keys"
	"aegis/cmd/internal/auth/tokens"
	"aegis/cmd/internal/auth/tokenstore"
	"aegis/cmd/internal/policy"
)

type harness struct {
	m   *Manager
	rec *audit.Recorder
	now time.Time
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	rec := &audit.Recorder{}

	ts := tokenstore.New(tokenstore.Options{Now: clock})
	ring, err := keys.NewKeyring(ctx, bytes.Repeat([]byte{0x5a}, keys.MinKeyBytes), "", keys.KeyringOptions{Recorder: ts, Now: clock})
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	tcfg := tokens.DefaultConfig()
	gen, err := tokens.NewGenerator(ctx, tcfg, tokens.GeneratorOptions{Keys: ring, Registry: ts, Now: clock})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	guard := policy.NewGuard(policy.AllowAll{}, policy.DefaultGuardConfig(), nil, nil)
	val, err := tokens.NewValidator(tcfg, tokens.ValidatorOptions{Keys: ring, Revocations: ts, Guard: guard, Now: clock})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg, Options{Store: NewMemoryStore(), Minter: gen, Validator: val, Audit: rec, Now: clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{m: m, rec: rec, now: now}
}

func (h *harness) create(t *testing.T, name string, typ Type, parent string) Tenant {
	t.Helper()
	tn, err := h.m.CreateTenant(context.Background(), CreateInput{Name: name, Type: typ, ParentID: parent})
	if err != nil {
		t.Fatalf("CreateTenant(%s): %v", name, err)
	}
	return tn
}

func (h *harness) addUser(t *testing.T, tenantID, userID string, maxTier identity.Tier, perms ...string) User {
	t.Helper()
	u, err := h.m.AddTenantUser(context.Background(), tenantID, AddUserInput{UserID: userID, Permissions: perms, MaxTier: maxTier})
	if err != nil {
		t.Fatalf("AddTenantUser(%s): %v", userID, err)
	}
	return u
}

func TestCreateTenant_Hierarchy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	root := h.create(t, "Acme Corp", TypeEnterprise, "")
	org := h.create(t, "Acme EMEA", TypeOrganization, root.ID)
	team, err := h.m.CreateTenant(ctx, CreateInput{
		Name:     "Acme EMEA Payments",
		Type:     TypeTeam,
		ParentID: org.ID,
		Quotas:   &Quotas{MaxUsers: 10, MaxTier: identity.TierBiometric},
	})
	if err != nil {
		t.Fatalf("CreateTenant(team): %v", err)
	}

	if root.RootID != root.ID || org.RootID != root.ID || team.RootID != root.ID {
		t.Fatalf("root ids: root=%s org=%s team=%s", root.RootID, org.RootID, team.RootID)
	}
	if team.ParentID != org.ID {
		t.Fatalf("team parent = %s, want %s", team.ParentID, org.ID)
	}
	for _, tn := range []Tenant{root, org, team} {
		if tn.Namespace != identity.NamespaceFor(tn.ID) {
			t.Fatalf("namespace of %s = %s", tn.Name, tn.Namespace)
		}
	}
	if team.Quotas.MaxTier != identity.TierHardwareKey {
		t.Fatalf("team max tier = %s, want clamp to parent's hardware_key", team.Quotas.MaxTier)
	}

	kids, err := h.m.ListChildren(ctx, root.ID)
	if err != nil || len(kids) != 1 || kids[0].ID != org.ID {
		t.Fatalf("ListChildren = %+v, %v", kids, err)
	}
	byName, err := h.m.GetTenantByName(ctx, "  acme emea PAYMENTS ")
	if err != nil || byName.ID != team.ID {
		t.Fatalf("GetTenantByName = %+v, %v", byName, err)
	}
	byNS, err := h.m.GetTenantByNamespace(ctx, org.Namespace)
	if err != nil || byNS.ID != org.ID {
		t.Fatalf("GetTenantByNamespace = %+v, %v", byNS, err)
	}
	if n := len(h.rec.OfType(audit.TenantCreated)); n != 3 {
		t.Fatalf("audited %d creations, want 3", n)
	}
}

func TestCreateTenant_Rejections(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxDepth = 2 })
	ctx := context.Background()
	root := h.create(t, "Globex", TypeEnterprise, "")
	child := h.create(t, "Globex R&D", TypeOrganization, root.ID)

	cases := []struct {
		name string
		in   CreateInput
		want error
	}{
		{"duplicate name ignores case", CreateInput{Name: "GLOBEX", Type: TypeEnterprise}, identity.ErrConflict},
		{"empty name", CreateInput{Name: "  ", Type: TypeTeam}, identity.ErrInvalidInput},
		{"unknown type", CreateInput{Name: "x", Type: "guild"}, identity.ErrInvalidInput},
		{"missing parent", CreateInput{Name: "orphan", Type: TypeTeam, ParentID: "01J00000000000000000000000"}, identity.ErrNotFound},
		{"malformed parent id", CreateInput{Name: "stray", Type: TypeTeam, ParentID: "parent-1"}, identity.ErrInvalidInput},
		{"too deep", CreateInput{Name: "Globex R&D Lab", Type: TypeTeam, ParentID: child.ID}, identity.ErrQuotaExceeded},
		{"bad quotas", CreateInput{Name: "q", Type: TypeTeam, Quotas: &Quotas{MaxUsers: 0, MaxTier: identity.TierMFA}}, identity.ErrInvalidInput},
		{"require above max", CreateInput{Name: "r", Type: TypeTeam, Policy: &SecurityPolicy{RequireTier: identity.TierBiometric}}, identity.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.m.CreateTenant(ctx, tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCreateTenant_ChildQuota(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	root, err := h.m.CreateTenant(ctx, CreateInput{
		Name:   "Initech",
		Type:   TypeEnterprise,
		Quotas: &Quotas{MaxUsers: 10, MaxTier: identity.TierBiometric, MaxChildren: 1},
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	h.create(t, "Initech Ops", TypeTeam, root.ID)
	_, err = h.m.CreateTenant(ctx, CreateInput{Name: "Initech Sales", Type: TypeTeam, ParentID: root.ID})
	if !errors.Is(err, identity.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want QuotaExceeded", err)
	}

	// Individuals cannot have children.
	solo := h.create(t, "Milton", TypeIndividual, "")
	if _, err := h.m.CreateTenant(ctx, CreateInput{Name: "Milton's stapler", Type: TypeIndividual, ParentID: solo.ID}); !errors.Is(err, identity.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want QuotaExceeded", err)
	}
}

func TestAddTenantUser_QuotaAndClamp(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	team, err := h.m.CreateTenant(ctx, CreateInput{
		Name:   "Blue Team",
		Type:   TypeTeam,
		Quotas: &Quotas{MaxUsers: 2, MaxTier: identity.TierMFA},
		Policy: &SecurityPolicy{AllowedPermissions: []string{"data:read", "data:write"}},
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	u := h.addUser(t, team.ID, "Alice", identity.TierBiometric, "data:read", "admin:write")
	if u.UserID != "alice" {
		t.Fatalf("user id not normalized: %q", u.UserID)
	}
	if u.MaxTier != identity.TierMFA {
		t.Fatalf("max tier = %s, want clamp to mfa", u.MaxTier)
	}
	if len(u.Permissions) != 1 || u.Permissions[0] != "data:read" {
		t.Fatalf("permissions = %v, want only allowed ones", u.Permissions)
	}

	h.addUser(t, team.ID, "bob", 0)
	if _, err := h.m.AddTenantUser(ctx, team.ID, AddUserInput{UserID: "carol"}); !errors.Is(err, identity.ErrQuotaExceeded) {
		t.Fatalf("third member: err = %v, want QuotaExceeded", err)
	}
	// Updating an existing member does not count against the quota.
	if _, err := h.m.AddTenantUser(ctx, team.ID, AddUserInput{UserID: "ALICE", Roles: []string{"owner"}}); err != nil {
		t.Fatalf("update member: %v", err)
	}

	// Lowering the ceiling clamps existing members.
	if _, err := h.m.UpdateTenant(ctx, team.ID, UpdateInput{Quotas: &Quotas{MaxUsers: 2, MaxTier: identity.TierPassword}}); err != nil {
		t.Fatalf("UpdateTenant: %v", err)
	}
	members, err := h.m.Members(ctx, team.ID)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	for _, mbr := range members {
		if mbr.MaxTier > identity.TierPassword {
			t.Fatalf("member %s max tier %s above new ceiling", mbr.UserID, mbr.MaxTier)
		}
	}

	// Shrinking below the current membership is refused.
	if _, err := h.m.UpdateTenant(ctx, team.ID, UpdateInput{Quotas: &Quotas{MaxUsers: 1, MaxTier: identity.TierPassword}}); !errors.Is(err, identity.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want QuotaExceeded", err)
	}
}

func TestAddTenantUser_ConcurrentQuota(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tn, err := h.m.CreateTenant(ctx, CreateInput{Name: "Race", Type: TypeTeam, Quotas: &Quotas{MaxUsers: 5, MaxTier: identity.TierMFA}})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, full int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.m.AddTenantUser(ctx, tn.ID, AddUserInput{UserID: fmt.Sprintf("user-%02d", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, identity.ErrQuotaExceeded):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if ok != 5 || full != 15 {
		t.Fatalf("ok=%d full=%d, want 5/15", ok, full)
	}
}

func TestTenantToken_MismatchAcrossTenants(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.create(t, "Tenant A", TypeOrganization, "")
	b := h.create(t, "Tenant B", TypeOrganization, "")
	h.addUser(t, a.ID, "alice", identity.TierMFA, "data:read")
	h.addUser(t, b.ID, "alice", identity.TierMFA, "data:read")

	tok, err := h.m.GenerateTenantToken(ctx, TokenRequest{TenantID: a.ID, UserID: "alice"})
	if err != nil {
		t.Fatalf("GenerateTenantToken: %v", err)
	}
	if tok.Claims.TenantID != a.ID || tok.Claims.Namespace != a.Namespace || tok.Alias.Zone != a.Namespace {
		t.Fatalf("token not bound to tenant A: %+v / %s", tok.Claims, tok.Alias)
	}

	if _, err := h.m.ValidateTenantToken(ctx, tok.Token, ValidateRequest{TenantID: a.ID}); err != nil {
		t.Fatalf("validate for A: %v", err)
	}
	_, err = h.m.ValidateTenantToken(ctx, tok.Token, ValidateRequest{TenantID: b.ID})
	if !errors.Is(err, identity.ErrTenantMismatch) {
		t.Fatalf("validate for B: err = %v, want TenantMismatch", err)
	}
	rejected := h.rec.OfType(audit.TenantTokenRejected)
	if len(rejected) != 1 || rejected[0].Kind != "tenant_mismatch" || rejected[0].TenantID != b.ID {
		t.Fatalf("rejection audit = %+v", rejected)
	}
}

func TestTenantToken_TierAndPermissions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tn := h.create(t, "Umbrella", TypeOrganization, "")
	h.addUser(t, tn.ID, "wesker", identity.TierMFA, "data:read", "data:write")

	tok, err := h.m.GenerateTenantToken(ctx, TokenRequest{
		TenantID:    tn.ID,
		UserID:      "wesker",
		Tier:        identity.TierBiometric,
		Permissions: []string{"data:read", "keys:manage"},
	})
	if err != nil {
		t.Fatalf("GenerateTenantToken: %v", err)
	}
	if tok.Claims.Tier != identity.TierMFA {
		t.Fatalf("tier = %s, want clamp to mfa", tok.Claims.Tier)
	}
	if len(tok.Claims.Permissions) != 1 || tok.Claims.Permissions[0] != "data:read" {
		t.Fatalf("permissions = %v, want intersection", tok.Claims.Permissions)
	}
	if !tok.ExpiresAt.Equal(h.now.Add(time.Hour)) {
		t.Fatalf("expires_at = %v, want default ttl", tok.ExpiresAt)
	}

	if _, err := h.m.ValidateTenantToken(ctx, tok.Token, ValidateRequest{TenantID: tn.ID, Permissions: []string{"data:read"}}); err != nil {
		t.Fatalf("validate with granted permission: %v", err)
	}
	if _, err := h.m.ValidateTenantToken(ctx, tok.Token, ValidateRequest{TenantID: tn.ID, Permissions: []string{"data:write"}}); !errors.Is(err, identity.ErrAccessDenied) {
		t.Fatalf("err = %v, want AccessDenied", err)
	}

	if _, err := h.m.GenerateTenantToken(ctx, TokenRequest{TenantID: tn.ID, UserID: "stranger"}); !errors.Is(err, identity.ErrAccessDenied) {
		t.Fatalf("non-member: err = %v, want AccessDenied", err)
	}
}

func TestTenantToken_PolicyFloorAndTTL(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tn, err := h.m.CreateTenant(ctx, CreateInput{
		Name:   "Vault",
		Type:   TypeOrganization,
		Policy: &SecurityPolicy{RequireTier: identity.TierMFA, TokenTTL: 10 * time.Minute},
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	h.addUser(t, tn.ID, "low", identity.TierPassword)
	h.addUser(t, tn.ID, "high", identity.TierHardwareKey)

	if _, err := h.m.GenerateTenantToken(ctx, TokenRequest{TenantID: tn.ID, UserID: "low"}); !errors.Is(err, identity.ErrAccessDenied) {
		t.Fatalf("below floor: err = %v, want AccessDenied", err)
	}
	tok, err := h.m.GenerateTenantToken(ctx, TokenRequest{TenantID: tn.ID, UserID: "high", TTL: 2 * time.Hour})
	if err != nil {
		t.Fatalf("GenerateTenantToken: %v", err)
	}
	if !tok.ExpiresAt.Equal(h.now.Add(10 * time.Minute)) {
		t.Fatalf("expires_at = %v, want policy cap", tok.ExpiresAt)
	}
}

func TestTenantToken_SuspensionAndRemoval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tn := h.create(t, "Soylent", TypeOrganization, "")
	h.addUser(t, tn.ID, "sol", identity.TierMFA)
	h.addUser(t, tn.ID, "thorn", identity.TierMFA)

	solTok, err := h.m.GenerateTenantToken(ctx, TokenRequest{TenantID: tn.ID, UserID: "sol"})
	if err != nil {
		t.Fatalf("GenerateTenantToken: %v", err)
	}
	thornTok, err := h.m.GenerateTenantToken(ctx, TokenRequest{TenantID: tn.ID, UserID: "thorn"})
	if err != nil {
		t.Fatalf("GenerateTenantToken: %v", err)
	}

	if err := h.m.RemoveTenantUser(ctx, tn.ID, "Sol"); err != nil {
		t.Fatalf("RemoveTenantUser: %v", err)
	}
	if _, err := h.m.ValidateTenantToken(ctx, solTok.Token, ValidateRequest{TenantID: tn.ID}); !errors.Is(err, identity.ErrAccessDenied) {
		t.Fatalf("removed member: err = %v, want AccessDenied", err)
	}
	if err := h.m.RemoveTenantUser(ctx, tn.ID, "sol"); !identity.IsNotFound(err) {
		t.Fatalf("second removal: err = %v, want NotFound", err)
	}

	suspended := StatusSuspended
	if _, err := h.m.UpdateTenant(ctx, tn.ID, UpdateInput{Status: &suspended}); err != nil {
		t.Fatalf("UpdateTenant: %v", err)
	}
	if _, err := h.m.ValidateTenantToken(ctx, thornTok.Token, ValidateRequest{TenantID: tn.ID}); !errors.Is(err, identity.ErrAccessDenied) {
		t.Fatalf("suspended tenant: err = %v, want AccessDenied", err)
	}
	if _, err := h.m.GenerateTenantToken(ctx, TokenRequest{TenantID: tn.ID, UserID: "thorn"}); !errors.Is(err, identity.ErrAccessDenied) {
		t.Fatalf("issue for suspended tenant: err = %v, want AccessDenied", err)
	}
}

func TestGetUserTenants(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	a := h.create(t, "North", TypeTeam, "")
	b := h.create(t, "South", TypeTeam, "")
	h.create(t, "East", TypeTeam, "")
	h.addUser(t, a.ID, "dana", 0)
	h.addUser(t, b.ID, "dana", 0)

	got, err := h.m.GetUserTenants(ctx, "DANA")
	if err != nil {
		t.Fatalf("GetUserTenants: %v", err)
	}
	if len(got) != 2 || got[0].ID != a.ID || got[1].ID != b.ID {
		t.Fatalf("GetUserTenants = %+v", got)
	}
	none, err := h.m.GetUserTenants(ctx, "nobody")
	if err != nil || len(none) != 0 {
		t.Fatalf("GetUserTenants(nobody) = %+v, %v", none, err)
	}
}

func TestUpdateTenant_RenameConflict(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.create(t, "Alpha", TypeTeam, "")
	beta := h.create(t, "Beta", TypeTeam, "")

	name := "ALPHA"
	if _, err := h.m.UpdateTenant(ctx, beta.ID, UpdateInput{Name: &name}); !identity.IsConflict(err) {
		t.Fatalf("err = %v, want Conflict", err)
	}
	name = "Gamma"
	got, err := h.m.UpdateTenant(ctx, beta.ID, UpdateInput{Name: &name})
	if err != nil {
		t.Fatalf("UpdateTenant: %v", err)
	}
	if got.NameNorm != "gamma" || got.Namespace != beta.Namespace {
		t.Fatalf("unexpected tenant %+v", got)
	}
	if _, err := h.m.GetTenantByName(ctx, "beta"); !identity.IsNotFound(err) {
		t.Fatalf("old name still resolves: %v", err)
	}
}

func TestUpdateTenant_LoweredTierCascades(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	root := h.create(t, "Initech", TypeEnterprise, "")
	org := h.create(t, "Initech Labs", TypeOrganization, root.ID)
	team, err := h.m.CreateTenant(ctx, CreateInput{
		Name:     "Initech Labs Red Team",
		Type:     TypeTeam,
		ParentID: org.ID,
		Quotas:   &Quotas{MaxUsers: 10, MaxTier: identity.TierHardwareKey},
	})
	if err != nil {
		t.Fatalf("CreateTenant(team): %v", err)
	}
	h.addUser(t, org.ID, "lumbergh", identity.TierHardwareKey)
	h.addUser(t, team.ID, "milton", identity.TierHardwareKey)

	q := root.Quotas
	q.MaxTier = identity.TierPassword
	if _, err := h.m.UpdateTenant(ctx, root.ID, UpdateInput{Quotas: &q}); err != nil {
		t.Fatalf("UpdateTenant: %v", err)
	}

	for _, id := range []string{org.ID, team.ID} {
		got, err := h.m.GetTenant(ctx, id)
		if err != nil {
			t.Fatalf("GetTenant: %v", err)
		}
		if got.Quotas.MaxTier != identity.TierPassword {
			t.Fatalf("%s max tier = %s, want password", got.Name, got.Quotas.MaxTier)
		}
	}
	for _, tc := range []struct{ tenantID, userID string }{{org.ID, "lumbergh"}, {team.ID, "milton"}} {
		members, err := h.m.Members(ctx, tc.tenantID)
		if err != nil || len(members) != 1 || members[0].MaxTier != identity.TierPassword {
			t.Fatalf("members of %s = %+v, %v", tc.tenantID, members, err)
		}
		tok, err := h.m.GenerateTenantToken(ctx, TokenRequest{TenantID: tc.tenantID, UserID: tc.userID, Tier: identity.TierHardwareKey})
		if err != nil {
			t.Fatalf("GenerateTenantToken(%s): %v", tc.userID, err)
		}
		if tok.Claims.Tier != identity.TierPassword {
			t.Fatalf("%s minted tier %s, want password", tc.userID, tok.Claims.Tier)
		}
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("AEGIS_TENANT_TOKEN_TTL", "30m")
	t.Setenv("AEGIS_TENANT_MAX_DEPTH", "3")
	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.TokenTTL != 30*time.Minute || cfg.MaxDepth != 3 || cfg.Realm != "aegis" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	t.Setenv("AEGIS_TENANT_MAX_DEPTH", "0")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, identity.ErrConfig) {
		t.Fatalf("err = %v, want ErrConfig", err)
	}
}
