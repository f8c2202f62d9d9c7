package isolation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/audit"
	"aegis/cmd/internal/obs"

	"go.uber.org/zap"
)

// Options are the collaborators of an Engine. All are optional.
type Options struct {
	Keys    KeyStore
	Audit   audit.Emitter
	Metrics *obs.Metrics
	Log     *zap.SugaredLogger
	Now     func() time.Time
}

type record struct {
	scope     string
	path      string
	keyID     string
	sealed    []byte
	size      int
	createdAt time.Time
	updatedAt time.Time
	log       []AccessEntry
}

// space is the state of one namespace. mu guards keys and records; logMu
// guards the access logs so reads can append under mu.RLock.
type space struct {
	mu       sync.RWMutex
	tenantID string
	keys     map[string]NamespaceKey // scope -> active key
	records  map[string]*record      // scope + "\x00" + path

	logMu sync.Mutex
	log   []AccessEntry
}

func recordKey(scope, path string) string { return scope + "\x00" + path }

// Engine is the namespace isolation engine.
type Engine struct {
	cfg     Config
	master  []byte
	wrap    []byte
	keys    KeyStore
	audit   audit.Emitter
	metrics *obs.Metrics
	log     *zap.SugaredLogger
	now     func() time.Time

	mu     sync.RWMutex
	spaces map[string]*space

	grantsMu sync.RWMutex
	grants   map[string]Grant
}

// New builds an Engine from cfg's master key.
func New(cfg Config, o Options) (*Engine, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	master, err := cfg.Material()
	if err != nil {
		return nil, err
	}
	wrap, err := deriveWrapKey(master)
	if err != nil {
		return nil, err
	}
	if o.Log == nil {
		o.Log = zap.NewNop().Sugar()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		cfg:     cfg,
		master:  master,
		wrap:    wrap,
		keys:    o.Keys,
		audit:   audit.OrNop(o.Audit),
		metrics: o.Metrics,
		log:     o.Log,
		now:     o.Now,
		spaces:  make(map[string]*space),
		grants:  make(map[string]Grant),
	}, nil
}

// Restore loads persisted keys so namespaces survive a restart. When a scope
// has several keys (a crash during rotation) the newest wins.
func (e *Engine) Restore(ctx context.Context) error {
	if e.keys == nil {
		return nil
	}
	ks, err := e.keys.LoadKeys(ctx)
	if err != nil {
		return fmt.Errorf("isolation: restore keys: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, k := range ks {
		if _, err := e.unseal(k); err != nil {
			return fmt.Errorf("isolation: restore key %s of %s: %w", k.KeyID, k.Namespace, err)
		}
		sp := e.spaces[k.Namespace]
		if sp == nil {
			sp = newSpace(k.TenantID)
			e.spaces[k.Namespace] = sp
		}
		if cur, ok := sp.keys[k.Scope]; !ok || !k.CreatedAt.Before(cur.CreatedAt) {
			sp.keys[k.Scope] = k
		}
	}
	e.log.Infow("isolation.restore", "keys", len(ks), "namespaces", len(e.spaces))
	return nil
}

func newSpace(tenantID string) *space {
	return &space{tenantID: tenantID, keys: make(map[string]NamespaceKey), records: make(map[string]*record)}
}

// CreateNamespace derives the namespace for tenantID and its default scope key.
func (e *Engine) CreateNamespace(ctx context.Context, tenantID string) (ns string, err error) {
	const op = "isolation.CreateNamespace"
	defer func() { e.observe("create", err) }()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", identity.Fail(op, identity.ErrInvalidInput, "tenant id is required")
	}
	ns = identity.NamespaceFor(tenantID)
	if _, ok := e.space(ns); ok {
		return "", identity.ConflictError{Op: op, Field: "namespace"}
	}

	// Derivation is slow; do it before taking the engine lock.
	k, err := e.newKey(ns, tenantID, DefaultScope)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.spaces[ns]; ok {
		return "", identity.ConflictError{Op: op, Field: "namespace"}
	}
	if e.keys != nil {
		if err := e.keys.SaveKey(ctx, k); err != nil {
			return "", fmt.Errorf("%s: persist key: %w", op, err)
		}
	}
	sp := newSpace(tenantID)
	sp.keys[DefaultScope] = k
	e.spaces[ns] = sp

	e.audit.Emit(audit.Event{
		Type:      audit.NamespaceCreated,
		Time:      e.now(),
		Outcome:   audit.OutcomeSuccess,
		TenantID:  tenantID,
		Namespace: ns,
		Fields:    map[string]any{"key_id": k.KeyID},
	})
	e.log.Infow("namespace.created", "namespace", ns, "tenant_id", tenantID)
	return ns, nil
}

// Store seals payload under req's scope key and writes it at req.Path.
func (e *Engine) Store(ctx context.Context, req Request, payload []byte) (err error) {
	const op = "isolation.Store"
	var (
		sp      *space
		rec     *record
		grantID string
	)
	defer func() { e.note(sp, rec, req, OpWrite, grantID, err) }()

	if sp, grantID, err = e.admit(ctx, op, req, OpWrite); err != nil {
		return err
	}
	if len(payload) > e.cfg.MaxPayload {
		return identity.Failf(op, identity.ErrInvalidInput, "payload larger than %d bytes", e.cfg.MaxPayload)
	}

	scope := req.scope()
	sp.mu.Lock()
	defer sp.mu.Unlock()

	k, err := e.writeKey(ctx, sp, req.Namespace, scope)
	if err != nil {
		return err
	}
	material, err := e.unseal(k)
	if err != nil {
		return err
	}
	defer clear(material)

	sealed, err := seal(material, payload, bindAAD(req.Namespace, scope, req.Path, k.KeyID))
	if err != nil {
		return err
	}

	now := e.now()
	rk := recordKey(scope, req.Path)
	r := sp.records[rk]
	if r == nil {
		r = &record{scope: scope, path: req.Path, createdAt: now}
		sp.records[rk] = r
	}
	r.keyID = k.KeyID
	r.sealed = sealed
	r.size = len(payload)
	r.updatedAt = now
	rec = r
	return nil
}

// Retrieve opens the record at req.Path.
func (e *Engine) Retrieve(ctx context.Context, req Request) (out []byte, err error) {
	const op = "isolation.Retrieve"
	var (
		sp      *space
		rec     *record
		grantID string
	)
	defer func() { e.note(sp, rec, req, OpRead, grantID, err) }()

	if sp, grantID, err = e.admit(ctx, op, req, OpRead); err != nil {
		return nil, err
	}

	scope := req.scope()
	sp.mu.RLock()
	defer sp.mu.RUnlock()

	r := sp.records[recordKey(scope, req.Path)]
	if r == nil {
		return nil, identity.NotFoundError{Op: op, Resource: "record"}
	}
	rec = r

	k, ok := sp.keys[scope]
	if !ok || k.KeyID != r.keyID {
		return nil, identity.Fail(op, identity.ErrDecryptionFailed, "record key is not available")
	}
	material, err := e.unseal(k)
	if err != nil {
		return nil, err
	}
	defer clear(material)
	return open(material, r.sealed, bindAAD(req.Namespace, scope, r.path, r.keyID))
}

// Delete removes the record at req.Path. The entry goes to the namespace log.
func (e *Engine) Delete(ctx context.Context, req Request) (err error) {
	const op = "isolation.Delete"
	var (
		sp      *space
		grantID string
	)
	defer func() { e.note(sp, nil, req, OpDelete, grantID, err) }()

	if sp, grantID, err = e.admit(ctx, op, req, OpDelete); err != nil {
		return err
	}
	rk := recordKey(req.scope(), req.Path)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if _, ok := sp.records[rk]; !ok {
		return identity.NotFoundError{Op: op, Resource: "record"}
	}
	delete(sp.records, rk)
	return nil
}

// List returns the records of req's scope whose path starts with req.Path.
func (e *Engine) List(ctx context.Context, req Request) (out []Entry, err error) {
	const op = "isolation.List"
	var (
		sp      *space
		grantID string
	)
	defer func() { e.note(sp, nil, req, OpList, grantID, err) }()

	if sp, grantID, err = e.admit(ctx, op, req, OpList); err != nil {
		return nil, err
	}
	scope := req.scope()
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	for _, r := range sp.records {
		if r.scope == scope && strings.HasPrefix(r.path, req.Path) {
			out = append(out, Entry{Scope: r.scope, Path: r.path, KeyID: r.keyID, Size: r.size, CreatedAt: r.createdAt, UpdatedAt: r.updatedAt})
		}
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Path, b.Path) })
	return out, nil
}

// admit validates req, finds its namespace and authorizes the requester.
func (e *Engine) admit(ctx context.Context, op string, req Request, want Op) (*space, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if err := req.check(op, want); err != nil {
		return nil, "", err
	}
	sp, ok := e.space(req.Namespace)
	if !ok {
		return nil, "", identity.NotFoundError{Op: op, Resource: "namespace"}
	}
	if req.Mode != want {
		return sp, "", identity.Failf(op, identity.ErrAccessDenied, "access mode %q does not permit %s", req.Mode, want)
	}
	if req.Requester.Namespace == req.Namespace {
		return sp, "", nil
	}

	now := e.now()
	e.grantsMu.RLock()
	defer e.grantsMu.RUnlock()
	for id, g := range e.grants {
		if g.permits(req.Requester.Namespace, req.Namespace, want, now) {
			return sp, id, nil
		}
	}
	return sp, "", identity.Fail(op, identity.ErrAccessDenied, "no live cross-namespace grant for this operation")
}

func (e *Engine) space(ns string) (*space, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sp, ok := e.spaces[ns]
	return sp, ok
}

// writeKey returns the active key of scope, creating it on first use and
// rotating it when expired. The caller holds sp.mu for writing.
func (e *Engine) writeKey(ctx context.Context, sp *space, ns, scope string) (NamespaceKey, error) {
	k, ok := sp.keys[scope]
	switch {
	case !ok:
		nk, err := e.newKey(ns, sp.tenantID, scope)
		if err != nil {
			return NamespaceKey{}, err
		}
		if e.keys != nil {
			if err := e.keys.SaveKey(ctx, nk); err != nil {
				return NamespaceKey{}, fmt.Errorf("isolation: persist key: %w", err)
			}
		}
		sp.keys[scope] = nk
		return nk, nil
	case k.expired(e.now()):
		return e.rotate(ctx, sp, ns, scope, "expired")
	default:
		return k, nil
	}
}

func (e *Engine) newKey(ns, tenantID, scope string) (NamespaceKey, error) {
	now := e.now()
	salt, err := newSalt(ns, tenantID, scope)
	if err != nil {
		return NamespaceKey{}, err
	}
	id, err := identity.NewULID(now)
	if err != nil {
		return NamespaceKey{}, err
	}
	keyID := "nk_" + strings.ToLower(id)

	material := deriveNamespaceKey(e.master, salt, e.cfg.KDFIterations)
	defer clear(material)
	sealed, err := seal(e.wrap, material, bindAAD(ns, scope, keyID))
	if err != nil {
		return NamespaceKey{}, err
	}

	k := NamespaceKey{
		Namespace: ns,
		TenantID:  tenantID,
		Scope:     scope,
		KeyID:     keyID,
		Sealed:    sealed,
		Salt:      salt,
		CreatedAt: now,
	}
	if e.cfg.KeyLifetime > 0 {
		exp := now.Add(e.cfg.KeyLifetime)
		k.ExpiresAt = &exp
	}
	return k, nil
}

func (e *Engine) unseal(k NamespaceKey) ([]byte, error) {
	return open(e.wrap, k.Sealed, bindAAD(k.Namespace, k.Scope, k.KeyID))
}

// RotateNamespaceKey replaces the key of scope and re-seals its records.
func (e *Engine) RotateNamespaceKey(ctx context.Context, namespace, scope, reason string) (keyID string, err error) {
	const op = "isolation.RotateNamespaceKey"
	defer func() { e.observe("rotate", err) }()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(scope) == "" {
		scope = DefaultScope
	}
	sp, ok := e.space(namespace)
	if !ok {
		return "", identity.NotFoundError{Op: op, Resource: "namespace"}
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if _, ok := sp.keys[scope]; !ok {
		return "", identity.NotFoundError{Op: op, Resource: "scope_key"}
	}
	k, err := e.rotate(ctx, sp, namespace, scope, reason)
	if err != nil {
		return "", err
	}
	return k.KeyID, nil
}

// rotate re-seals every record of scope under a fresh key. Nothing changes
// unless every record opens. The caller holds sp.mu for writing.
func (e *Engine) rotate(ctx context.Context, sp *space, ns, scope, reason string) (NamespaceKey, error) {
	old := sp.keys[scope]
	nk, err := e.newKey(ns, sp.tenantID, scope)
	if err != nil {
		return NamespaceKey{}, err
	}
	oldMat, err := e.unseal(old)
	if err != nil {
		return NamespaceKey{}, err
	}
	defer clear(oldMat)
	newMat, err := e.unseal(nk)
	if err != nil {
		return NamespaceKey{}, err
	}
	defer clear(newMat)

	staged := make(map[string][]byte)
	for rk, r := range sp.records {
		if r.scope != scope {
			continue
		}
		plain, err := open(oldMat, r.sealed, bindAAD(ns, scope, r.path, r.keyID))
		if err != nil {
			return NamespaceKey{}, err
		}
		resealed, err := seal(newMat, plain, bindAAD(ns, scope, r.path, nk.KeyID))
		clear(plain)
		if err != nil {
			return NamespaceKey{}, err
		}
		staged[rk] = resealed
	}

	if e.keys != nil {
		if err := e.keys.SaveKey(ctx, nk); err != nil {
			return NamespaceKey{}, fmt.Errorf("isolation: persist key: %w", err)
		}
		if err := e.keys.DeleteKey(ctx, ns, scope, old.KeyID); err != nil {
			e.log.Warnw("namespace.key.retire.fail", "namespace", ns, "scope", scope, "key_id", old.KeyID, "err", err)
		}
	}
	for rk, sealed := range staged {
		r := sp.records[rk]
		r.sealed = sealed
		r.keyID = nk.KeyID
	}
	sp.keys[scope] = nk

	e.audit.Emit(audit.Event{
		Type:      audit.NamespaceKeyRotated,
		Time:      e.now(),
		Outcome:   audit.OutcomeSuccess,
		TenantID:  sp.tenantID,
		Namespace: ns,
		Reason:    reason,
		Fields:    map[string]any{"scope": scope, "old_key_id": old.KeyID, "new_key_id": nk.KeyID, "records": len(staged)},
	})
	e.log.Infow("namespace.key.rotated", "namespace", ns, "scope", scope, "records", len(staged), "reason", reason)
	return nk, nil
}

// GrantCrossNamespaceAccess lets in.FromNamespace perform in.Operations in
// in.ToNamespace for in.TTL.
func (e *Engine) GrantCrossNamespaceAccess(ctx context.Context, in GrantInput) (g Grant, err error) {
	const op = "isolation.GrantCrossNamespaceAccess"
	defer func() { e.observe("grant", err) }()

	if err := ctx.Err(); err != nil {
		return Grant{}, err
	}
	if in.FromNamespace == "" || in.ToNamespace == "" || in.FromNamespace == in.ToNamespace {
		return Grant{}, identity.Fail(op, identity.ErrInvalidInput, "grant needs two distinct namespaces")
	}
	if strings.TrimSpace(in.GrantedBy) == "" {
		return Grant{}, identity.Fail(op, identity.ErrInvalidInput, "granted_by is required")
	}
	if in.TTL <= 0 || in.TTL > e.cfg.MaxGrantTTL {
		return Grant{}, identity.Failf(op, identity.ErrInvalidInput, "ttl must be in (0, %s]", e.cfg.MaxGrantTTL)
	}
	var ops []Op
	for _, o := range in.Operations {
		if !o.Valid() {
			return Grant{}, identity.Failf(op, identity.ErrInvalidInput, "unknown operation %q", o)
		}
		if !slices.Contains(ops, o) {
			ops = append(ops, o)
		}
	}
	if len(ops) == 0 {
		return Grant{}, identity.Fail(op, identity.ErrInvalidInput, "at least one operation is required")
	}
	for _, ns := range []string{in.FromNamespace, in.ToNamespace} {
		if _, ok := e.space(ns); !ok {
			return Grant{}, identity.NotFoundError{Op: op, Resource: "namespace"}
		}
	}

	now := e.now()
	id, err := identity.NewULID(now)
	if err != nil {
		return Grant{}, err
	}
	g = Grant{
		ID:            "gr_" + strings.ToLower(id),
		FromNamespace: in.FromNamespace,
		ToNamespace:   in.ToNamespace,
		Operations:    ops,
		GrantedBy:     in.GrantedBy,
		CreatedAt:     now,
		ExpiresAt:     now.Add(in.TTL),
	}
	e.grantsMu.Lock()
	e.grants[g.ID] = g
	e.grantsMu.Unlock()

	e.audit.Emit(audit.Event{
		Type:      audit.GrantCreated,
		Time:      now,
		Outcome:   audit.OutcomeSuccess,
		Principal: in.GrantedBy,
		Namespace: in.ToNamespace,
		Fields:    map[string]any{"grant_id": g.ID, "from_namespace": g.FromNamespace, "operations": ops, "expires_at": g.ExpiresAt},
	})
	return g, nil
}

// RevokeGrant ends a grant immediately. Revoking twice is a no-op.
func (e *Engine) RevokeGrant(ctx context.Context, grantID, by string) (err error) {
	defer func() { e.observe("revoke_grant", err) }()
	if err := ctx.Err(); err != nil {
		return err
	}

	e.grantsMu.Lock()
	g, ok := e.grants[grantID]
	if !ok {
		e.grantsMu.Unlock()
		return identity.NotFoundError{Op: "isolation.RevokeGrant", Resource: "grant"}
	}
	if g.RevokedAt != nil {
		e.grantsMu.Unlock()
		return nil
	}
	now := e.now()
	g.RevokedAt = &now
	e.grants[grantID] = g
	e.grantsMu.Unlock()

	e.audit.Emit(audit.Event{
		Type:      audit.GrantRevoked,
		Time:      now,
		Outcome:   audit.OutcomeSuccess,
		Principal: by,
		Namespace: g.ToNamespace,
		Fields:    map[string]any{"grant_id": g.ID, "from_namespace": g.FromNamespace},
	})
	return nil
}

// Grants lists grants from or to namespace, live or not.
func (e *Engine) Grants(namespace string) []Grant {
	e.grantsMu.RLock()
	defer e.grantsMu.RUnlock()
	var out []Grant
	for _, g := range e.grants {
		if g.FromNamespace == namespace || g.ToNamespace == namespace {
			g.Operations = slices.Clone(g.Operations)
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b Grant) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Sweep forgets grants that are expired or revoked.
func (e *Engine) Sweep() int {
	now := e.now()
	e.grantsMu.Lock()
	defer e.grantsMu.Unlock()
	n := 0
	for id, g := range e.grants {
		if !g.live(now) {
			delete(e.grants, id)
			n++
		}
	}
	return n
}

// AccessLog returns the log of the record at path, or the namespace log when
// path is empty.
func (e *Engine) AccessLog(namespace, scope, path string) ([]AccessEntry, error) {
	const op = "isolation.AccessLog"
	sp, ok := e.space(namespace)
	if !ok {
		return nil, identity.NotFoundError{Op: op, Resource: "namespace"}
	}
	if strings.TrimSpace(scope) == "" {
		scope = DefaultScope
	}

	sp.mu.RLock()
	defer sp.mu.RUnlock()
	sp.logMu.Lock()
	defer sp.logMu.Unlock()
	if path == "" {
		return slices.Clone(sp.log), nil
	}
	r := sp.records[recordKey(scope, path)]
	if r == nil {
		return nil, identity.NotFoundError{Op: op, Resource: "record"}
	}
	return slices.Clone(r.log), nil
}

// KeyInfo describes the active key of a scope without its material.
func (e *Engine) KeyInfo(namespace, scope string) (keyID string, createdAt time.Time, ok bool) {
	sp, found := e.space(namespace)
	if !found {
		return "", time.Time{}, false
	}
	if strings.TrimSpace(scope) == "" {
		scope = DefaultScope
	}
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	k, ok := sp.keys[scope]
	return k.KeyID, k.CreatedAt, ok
}

// note appends the access entry and audits it. It runs after the operation
// has released sp.mu. Entries without a record go to the namespace log.
func (e *Engine) note(sp *space, rec *record, req Request, op Op, grantID string, err error) {
	entry := AccessEntry{
		Time:          e.now(),
		Principal:     req.Requester.Principal,
		FromNamespace: req.Requester.Namespace,
		Op:            op,
		Scope:         req.scope(),
		Path:          req.Path,
		Allowed:       err == nil,
		GrantID:       grantID,
	}
	if err != nil {
		entry.Reason = identity.KindOf(err)
	}
	if sp != nil && rec == nil && (op == OpRead || op == OpWrite) {
		// Refused reads and writes still land on the record they targeted.
		sp.mu.RLock()
		rec = sp.records[recordKey(entry.Scope, req.Path)]
		sp.mu.RUnlock()
	}
	if sp != nil {
		sp.logMu.Lock()
		if rec != nil {
			rec.log = append(rec.log, entry)
		} else {
			sp.log = append(sp.log, entry)
		}
		sp.logMu.Unlock()
	}

	outcome := audit.OutcomeSuccess
	switch {
	case errors.Is(err, identity.ErrAccessDenied):
		outcome = audit.OutcomeDenied
	case err != nil:
		outcome = audit.OutcomeFailure
	}
	e.audit.Emit(audit.Event{
		Type:      audit.NamespaceAccess,
		Time:      entry.Time,
		Outcome:   outcome,
		Kind:      entry.Reason,
		Reason:    identity.Reason(err),
		Principal: entry.Principal,
		Namespace: req.Namespace,
		Fields:    map[string]any{"op": string(op), "scope": entry.Scope, "path": req.Path, "from_namespace": entry.FromNamespace, "grant_id": grantID},
	})
	e.observe(string(op), err)
}

func (e *Engine) observe(op string, err error) {
	if err != nil {
		e.metrics.NamespaceOp(op, identity.KindOf(err))
		return
	}
	e.metrics.NamespaceOp(op, "ok")
}
