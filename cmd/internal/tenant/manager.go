package tenant

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/identity/ids"
	"aegis/cmd/internal/audit"
	"aegis/cmd/internal/auth/tokens"
	"aegis/cmd/internal/obs"

	"go.uber.org/zap"
)

// ValidateAction is the policy action evaluated for tenant token checks.
const ValidateAction = "tenant.token.validate"

const maxNameLen = 128

// Minter issues tokens (tokens.Generator).
type Minter interface {
	Create(ctx context.Context, cs tokens.ClaimSet, realm, zone string, ttl time.Duration) (tokens.Signed, error)
}

// TokenValidator verifies tokens (tokens.Validator).
type TokenValidator interface {
	Validate(ctx context.Context, raw string, opts tokens.Options) (tokens.Result, error)
}

// Options are the collaborators of a Manager. Store, Minter and Validator
// are required.
type Options struct {
	Store     Store
	Minter    Minter
	Validator TokenValidator
	Audit     audit.Emitter
	Metrics   *obs.Metrics
	Log       *zap.SugaredLogger
	Now       func() time.Time
}

// Manager owns tenants and memberships.
type Manager struct {
	cfg     Config
	store   Store
	minter  Minter
	val     TokenValidator
	audit   audit.Emitter
	metrics *obs.Metrics
	log     *zap.SugaredLogger
	now     func() time.Time

	locks sync.Map // tenant_id -> *sync.Mutex
}

// New builds a Manager.
func New(cfg Config, o Options) (*Manager, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	if o.Store == nil || o.Minter == nil || o.Validator == nil {
		return nil, fmt.Errorf("%w: tenant manager needs a store, minter and validator", identity.ErrConfig)
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		cfg:     cfg,
		store:   o.Store,
		minter:  o.Minter,
		val:     o.Validator,
		audit:   audit.OrNop(o.Audit),
		metrics: o.Metrics,
		log:     o.Log,
		now:     o.Now,
	}, nil
}

// lock serializes writes that touch tenantID's quotas or membership.
func (m *Manager) lock(tenantID string) func() {
	v, _ := m.locks.LoadOrStore(tenantID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateTenant creates a root tenant, or a child of in.ParentID. Children
// count against the parent's MaxChildren and never exceed its MaxTier.
func (m *Manager) CreateTenant(ctx context.Context, in CreateInput) (t Tenant, err error) {
	const op = "tenant.CreateTenant"
	defer func() { m.observe("create", err) }()

	if err := ctx.Err(); err != nil {
		return Tenant{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" || len(name) > maxNameLen {
		return Tenant{}, identity.Failf(op, identity.ErrInvalidInput, "name must be 1..%d characters", maxNameLen)
	}
	if !in.Type.Valid() {
		return Tenant{}, identity.Failf(op, identity.ErrInvalidInput, "unknown tenant type %q", in.Type)
	}

	quotas := DefaultQuotas(in.Type)
	if in.Quotas != nil {
		quotas = *in.Quotas
	}
	if err := quotas.check(op); err != nil {
		return Tenant{}, err
	}
	var pol SecurityPolicy
	if in.Policy != nil {
		pol = *in.Policy
		pol.AllowedPermissions = normalizeSet(pol.AllowedPermissions)
	}
	if err := m.checkPolicy(op, pol, quotas); err != nil {
		return Tenant{}, err
	}

	now := m.now()
	id, err := identity.NewULID(now)
	if err != nil {
		return Tenant{}, err
	}
	t = Tenant{
		ID:        id,
		Name:      name,
		NameNorm:  identity.NormalizeName(name),
		Type:      in.Type,
		RootID:    id,
		Status:    StatusActive,
		Quotas:    quotas,
		Policy:    pol,
		Namespace: identity.NamespaceFor(id),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if parentID := strings.TrimSpace(in.ParentID); parentID != "" {
		unlock := m.lock(parentID)
		defer unlock()

		parent, err := m.load(ctx, parentID)
		if err != nil {
			return Tenant{}, err
		}
		if parent.Status != StatusActive {
			return Tenant{}, identity.Fail(op, identity.ErrAccessDenied, "parent tenant is suspended")
		}
		if err := m.checkDepth(ctx, op, parent); err != nil {
			return Tenant{}, err
		}
		kids, err := m.store.Children(ctx, parent.ID)
		if err != nil {
			return Tenant{}, err
		}
		if len(kids) >= parent.Quotas.MaxChildren {
			return Tenant{}, identity.Failf(op, identity.ErrQuotaExceeded, "parent allows %d child tenants", parent.Quotas.MaxChildren)
		}
		t.ParentID = parent.ID
		t.RootID = parent.RootID
		t.Quotas.MaxTier = t.Quotas.MaxTier.Clamp(parent.Quotas.MaxTier)
		t.Policy.RequireTier = t.Policy.RequireTier.Clamp(t.Quotas.MaxTier)
	}

	if err := m.store.InsertTenant(ctx, t); err != nil {
		return Tenant{}, err
	}

	m.audit.Emit(audit.Event{
		Type:      audit.TenantCreated,
		Time:      now,
		Outcome:   audit.OutcomeSuccess,
		TenantID:  t.ID,
		Namespace: t.Namespace,
		Fields:    map[string]any{"name": t.Name, "type": string(t.Type), "parent_id": t.ParentID, "root_id": t.RootID},
	})
	m.log.Infow("tenant.created", "tenant_id", t.ID, "type", string(t.Type), "parent_id", t.ParentID)
	return t, nil
}

// checkDepth walks parent's ancestry. The chain is immutable once written.
func (m *Manager) checkDepth(ctx context.Context, op string, parent Tenant) error {
	depth := 1
	for cur := parent; ; depth++ {
		if depth >= m.cfg.MaxDepth {
			return identity.Failf(op, identity.ErrQuotaExceeded, "hierarchy deeper than %d levels", m.cfg.MaxDepth)
		}
		if cur.IsRoot() {
			return nil
		}
		next, err := m.load(ctx, cur.ParentID)
		if err != nil {
			return err
		}
		cur = next
	}
}

func (m *Manager) checkPolicy(op string, pol SecurityPolicy, q Quotas) error {
	if pol.TokenTTL < 0 {
		return identity.Fail(op, identity.ErrInvalidInput, "token ttl must be >= 0")
	}
	if pol.RequireTier != identity.TierNone && !pol.RequireTier.Valid() {
		return identity.Fail(op, identity.ErrFieldOutOfRange, "require_tier must be 0..5")
	}
	if pol.RequireTier > q.MaxTier {
		return identity.Fail(op, identity.ErrInvalidInput, "require_tier exceeds max_tier")
	}
	return nil
}

// UpdateTenant changes name, status, quotas or policy. Lowering MaxTier
// clamps existing members and every descendant tenant with its members;
// lowering MaxUsers below the current membership is refused.
func (m *Manager) UpdateTenant(ctx context.Context, id string, in UpdateInput) (t Tenant, err error) {
	const op = "tenant.UpdateTenant"
	defer func() { m.observe("update", err) }()

	if err := ctx.Err(); err != nil {
		return Tenant{}, err
	}
	unlock := m.lock(id)
	defer unlock()

	t, err = m.load(ctx, id)
	if err != nil {
		return Tenant{}, err
	}

	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" || len(name) > maxNameLen {
			return Tenant{}, identity.Failf(op, identity.ErrInvalidInput, "name must be 1..%d characters", maxNameLen)
		}
		t.Name = name
		t.NameNorm = identity.NormalizeName(name)
	}
	if in.Status != nil {
		if *in.Status != StatusActive && *in.Status != StatusSuspended {
			return Tenant{}, identity.Failf(op, identity.ErrInvalidInput, "unknown status %q", *in.Status)
		}
		t.Status = *in.Status
	}

	lowered := false
	if in.Quotas != nil {
		q := *in.Quotas
		if err := q.check(op); err != nil {
			return Tenant{}, err
		}
		if !t.IsRoot() {
			parent, err := m.load(ctx, t.ParentID)
			if err != nil {
				return Tenant{}, err
			}
			q.MaxTier = q.MaxTier.Clamp(parent.Quotas.MaxTier)
		}
		n, err := m.store.CountUsers(ctx, t.ID)
		if err != nil {
			return Tenant{}, err
		}
		if n > q.MaxUsers {
			return Tenant{}, identity.Failf(op, identity.ErrQuotaExceeded, "tenant has %d members, above the new max_users", n)
		}
		lowered = q.MaxTier < t.Quotas.MaxTier
		t.Quotas = q
		t.Policy.RequireTier = t.Policy.RequireTier.Clamp(q.MaxTier)
	}
	if in.Policy != nil {
		pol := *in.Policy
		pol.AllowedPermissions = normalizeSet(pol.AllowedPermissions)
		if err := m.checkPolicy(op, pol, t.Quotas); err != nil {
			return Tenant{}, err
		}
		t.Policy = pol
	}

	t.UpdatedAt = m.now()
	if err := m.store.UpdateTenant(ctx, t); err != nil {
		return Tenant{}, err
	}
	if lowered {
		if err := m.clampMembers(ctx, t); err != nil {
			return Tenant{}, err
		}
		if err := m.clampDescendants(ctx, t); err != nil {
			return Tenant{}, err
		}
	}

	m.audit.Emit(audit.Event{
		Type:      audit.TenantUpdated,
		Time:      t.UpdatedAt,
		Outcome:   audit.OutcomeSuccess,
		TenantID:  t.ID,
		Namespace: t.Namespace,
		Fields:    map[string]any{"status": string(t.Status), "max_tier": int(t.Quotas.MaxTier)},
	})
	return t, nil
}

func (m *Manager) clampMembers(ctx context.Context, t Tenant) error {
	users, err := m.store.Users(ctx, t.ID)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.MaxTier <= t.Quotas.MaxTier {
			continue
		}
		u.MaxTier = t.Quotas.MaxTier
		if err := m.store.PutUser(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

// clampDescendants lowers every descendant of t to t's MaxTier. The caller
// holds t's lock; children are locked after their parent.
func (m *Manager) clampDescendants(ctx context.Context, t Tenant) error {
	kids, err := m.store.Children(ctx, t.ID)
	if err != nil {
		return err
	}
	for _, k := range kids {
		if err := m.clampChild(ctx, k.ID, t.Quotas.MaxTier); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) clampChild(ctx context.Context, id string, ceiling identity.Tier) error {
	unlock := m.lock(id)
	defer unlock()

	c, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	// Descendants never exceed their parent, so nothing below c needs work.
	if c.Quotas.MaxTier <= ceiling {
		return nil
	}
	c.Quotas.MaxTier = ceiling
	c.Policy.RequireTier = c.Policy.RequireTier.Clamp(ceiling)
	c.UpdatedAt = m.now()
	if err := m.store.UpdateTenant(ctx, c); err != nil {
		return err
	}
	m.log.Infow("tenant.tier.clamped", "tenant_id", c.ID, "max_tier", c.Quotas.MaxTier.String())
	if err := m.clampMembers(ctx, c); err != nil {
		return err
	}
	return m.clampDescendants(ctx, c)
}

// AddTenantUser adds or updates a membership. New members count against
// MaxUsers. MaxTier is clamped to the tenant ceiling, and permissions
// outside the tenant's allowed set are dropped.
func (m *Manager) AddTenantUser(ctx context.Context, tenantID string, in AddUserInput) (u User, err error) {
	const op = "tenant.AddTenantUser"
	defer func() { m.observe("add_user", err) }()

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	userID := identity.NormalizePrincipal(in.UserID)
	if userID == "" {
		return User{}, identity.Fail(op, identity.ErrInvalidInput, "user id is required")
	}
	if in.MaxTier != identity.TierNone && !in.MaxTier.Valid() {
		return User{}, identity.Fail(op, identity.ErrFieldOutOfRange, "max_tier must be 0..5")
	}

	unlock := m.lock(tenantID)
	defer unlock()

	t, err := m.load(ctx, tenantID)
	if err != nil {
		return User{}, err
	}
	if t.Status != StatusActive {
		return User{}, identity.Fail(op, identity.ErrAccessDenied, "tenant is suspended")
	}

	existing, err := m.store.User(ctx, t.ID, userID)
	switch {
	case err == nil:
		u.AddedAt = existing.AddedAt
	case identity.IsNotFound(err):
		n, err := m.store.CountUsers(ctx, t.ID)
		if err != nil {
			return User{}, err
		}
		if n >= t.Quotas.MaxUsers {
			return User{}, identity.Failf(op, identity.ErrQuotaExceeded, "tenant allows %d members", t.Quotas.MaxUsers)
		}
		u.AddedAt = m.now()
	default:
		return User{}, err
	}

	u.UserID = userID
	u.TenantID = t.ID
	u.Roles = normalizeSet(in.Roles)
	u.MaxTier = in.MaxTier
	if u.MaxTier == identity.TierNone {
		u.MaxTier = t.Quotas.MaxTier
	}
	u.MaxTier = u.MaxTier.Clamp(t.Quotas.MaxTier)
	for _, p := range normalizeSet(in.Permissions) {
		if t.Policy.allows(p) {
			u.Permissions = append(u.Permissions, p)
		}
	}

	if err := m.store.PutUser(ctx, u); err != nil {
		return User{}, err
	}
	m.audit.Emit(audit.Event{
		Type:      audit.TenantUserAdded,
		Time:      m.now(),
		Outcome:   audit.OutcomeSuccess,
		Principal: u.UserID,
		TenantID:  t.ID,
		Namespace: t.Namespace,
		Fields:    map[string]any{"max_tier": int(u.MaxTier), "roles": u.Roles},
	})
	return u, nil
}

// RemoveTenantUser deletes a membership. Tokens already issued stop
// validating for the tenant.
func (m *Manager) RemoveTenantUser(ctx context.Context, tenantID, userID string) (err error) {
	defer func() { m.observe("remove_user", err) }()

	userID = identity.NormalizePrincipal(userID)
	unlock := m.lock(tenantID)
	defer unlock()

	t, err := m.load(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteUser(ctx, t.ID, userID); err != nil {
		return err
	}
	m.audit.Emit(audit.Event{
		Type:      audit.TenantUserRemoved,
		Time:      m.now(),
		Outcome:   audit.OutcomeSuccess,
		Principal: userID,
		TenantID:  t.ID,
		Namespace: t.Namespace,
	})
	return nil
}

// GenerateTenantToken mints a token bound to the tenant's id and namespace.
// The tier is clamped to the member's and tenant's ceilings, and the
// permissions are the intersection of what was asked for and what the
// member holds.
func (m *Manager) GenerateTenantToken(ctx context.Context, req TokenRequest) (s tokens.Signed, err error) {
	const op = "tenant.GenerateTenantToken"
	defer func() { m.observe("token_issue", err) }()

	t, u, err := m.member(ctx, op, req.TenantID, req.UserID)
	if err != nil {
		return tokens.Signed{}, err
	}

	tier := req.Tier
	if tier == identity.TierNone {
		tier = u.MaxTier
	}
	if !tier.Valid() {
		return tokens.Signed{}, identity.Fail(op, identity.ErrFieldOutOfRange, "tier must be 1..5")
	}
	tier = tier.Clamp(u.MaxTier).Clamp(t.Quotas.MaxTier)
	if tier < t.Policy.RequireTier {
		return tokens.Signed{}, identity.Failf(op, identity.ErrAccessDenied, "tenant requires tier %s", t.Policy.RequireTier)
	}

	perms := u.Permissions
	if len(req.Permissions) > 0 {
		perms = nil
		for _, p := range normalizeSet(req.Permissions) {
			if slices.Contains(u.Permissions, p) {
				perms = append(perms, p)
			}
		}
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.cfg.TokenTTL
		if t.Policy.TokenTTL > 0 {
			ttl = t.Policy.TokenTTL
		}
	}
	if t.Policy.TokenTTL > 0 && ttl > t.Policy.TokenTTL {
		ttl = t.Policy.TokenTTL
	}

	s, err = m.minter.Create(ctx, tokens.ClaimSet{
		Major:       1,
		Audience:    req.Audience,
		Tier:        tier,
		Namespace:   t.Namespace,
		TenantID:    t.ID,
		Principal:   u.UserID,
		Permissions: perms,
		Custom:      map[string]any{"roles": u.Roles, "root_tenant_id": t.RootID},
	}, m.cfg.Realm, t.Namespace, ttl)
	if err != nil {
		return tokens.Signed{}, err
	}

	m.audit.Emit(audit.Event{
		Type:      audit.TenantTokenIssued,
		Time:      m.now(),
		Outcome:   audit.OutcomeSuccess,
		Principal: u.UserID,
		TokenRef:  s.TokenID,
		TenantID:  t.ID,
		Namespace: t.Namespace,
		Fields:    map[string]any{"tier": tier.String(), "ttl": ttl.String()},
	})
	return s, nil
}

// ValidateTenantToken validates raw and then requires it to be bound to
// req.TenantID and its namespace, the tenant to be active, the subject to
// still be a member and every permission in req.Permissions to be granted.
func (m *Manager) ValidateTenantToken(ctx context.Context, raw string, req ValidateRequest) (res tokens.Result, err error) {
	const op = "tenant.ValidateTenantToken"
	defer func() {
		m.observe("token_validate", err)
		if err != nil {
			m.audit.Emit(audit.Event{
				Type:      audit.TenantTokenRejected,
				Time:      m.now(),
				Outcome:   audit.OutcomeDenied,
				Kind:      identity.KindOf(err),
				Reason:    identity.Reason(err),
				Principal: res.Claims.Principal,
				TokenRef:  res.Claims.ID,
				TenantID:  req.TenantID,
			})
			res = tokens.Result{}
		}
	}()

	res, err = m.val.Validate(ctx, raw, tokens.Options{
		Audience: req.Audience,
		Action:   ValidateAction,
		Context:  map[string]any{"tenant_id": req.TenantID},
	})
	if err != nil {
		return res, err
	}
	c := res.Claims
	if c.TenantID == "" || c.TenantID != req.TenantID {
		return res, identity.Fail(op, identity.ErrTenantMismatch, "token is bound to another tenant")
	}

	t, err := m.load(ctx, req.TenantID)
	if err != nil {
		if identity.IsNotFound(err) {
			return res, identity.Fail(op, identity.ErrTenantMismatch, "tenant does not exist")
		}
		return res, err
	}
	if c.Namespace != t.Namespace || res.Alias.Zone != t.Namespace {
		return res, identity.Fail(op, identity.ErrTenantMismatch, "token namespace does not match tenant")
	}
	if t.Status != StatusActive {
		return res, identity.Fail(op, identity.ErrAccessDenied, "tenant is suspended")
	}
	if _, err := m.store.User(ctx, t.ID, c.Principal); err != nil {
		if identity.IsNotFound(err) {
			return res, identity.Fail(op, identity.ErrAccessDenied, "principal is no longer a member")
		}
		return res, err
	}
	if !c.HasAll(req.Permissions) {
		return res, identity.Fail(op, identity.ErrAccessDenied, "missing required permissions")
	}
	return res, nil
}

// member loads an active tenant and one of its members.
func (m *Manager) member(ctx context.Context, op, tenantID, userID string) (Tenant, User, error) {
	if err := ctx.Err(); err != nil {
		return Tenant{}, User{}, err
	}
	t, err := m.load(ctx, tenantID)
	if err != nil {
		return Tenant{}, User{}, err
	}
	if t.Status != StatusActive {
		return Tenant{}, User{}, identity.Fail(op, identity.ErrAccessDenied, "tenant is suspended")
	}
	u, err := m.store.User(ctx, t.ID, identity.NormalizePrincipal(userID))
	if err != nil {
		if identity.IsNotFound(err) {
			return Tenant{}, User{}, identity.Fail(op, identity.ErrAccessDenied, "principal is not a member")
		}
		return Tenant{}, User{}, err
	}
	return t, u, nil
}

// GetUserTenants returns every tenant userID belongs to.
func (m *Manager) GetUserTenants(ctx context.Context, userID string) ([]Tenant, error) {
	ids, err := m.store.TenantsForUser(ctx, identity.NormalizePrincipal(userID))
	if err != nil {
		return nil, err
	}
	out := make([]Tenant, 0, len(ids))
	for _, id := range ids {
		t, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// load rejects ids that are not ULIDs before touching the store.
func (m *Manager) load(ctx context.Context, id string) (Tenant, error) {
	if !ids.ValidULID(id) {
		return Tenant{}, identity.Fail("tenant.load", identity.ErrInvalidInput, "tenant id must be a ULID")
	}
	return m.store.Tenant(ctx, id)
}

// GetTenant loads a tenant by id.
func (m *Manager) GetTenant(ctx context.Context, id string) (Tenant, error) {
	return m.load(ctx, id)
}

// GetTenantByName loads a tenant by case-insensitive name.
func (m *Manager) GetTenantByName(ctx context.Context, name string) (Tenant, error) {
	return m.store.TenantByName(ctx, identity.NormalizeName(name))
}

// GetTenantByNamespace loads the tenant owning namespace.
func (m *Manager) GetTenantByNamespace(ctx context.Context, namespace string) (Tenant, error) {
	return m.store.TenantByNamespace(ctx, namespace)
}

// ListChildren returns the direct children of parentID.
func (m *Manager) ListChildren(ctx context.Context, parentID string) ([]Tenant, error) {
	if _, err := m.load(ctx, parentID); err != nil {
		return nil, err
	}
	return m.store.Children(ctx, parentID)
}

// Members lists the memberships of tenantID.
func (m *Manager) Members(ctx context.Context, tenantID string) ([]User, error) {
	return m.store.Users(ctx, tenantID)
}

func (m *Manager) observe(op string, err error) {
	if err != nil {
		m.metrics.TenantOp(op, identity.KindOf(err))
		m.log.Debugw("tenant.op.fail", "op", op, "kind", identity.KindOf(err), "err", err)
		return
	}
	m.metrics.TenantOp(op, "ok")
}
