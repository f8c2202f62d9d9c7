package tenant

import (
	"context"
	"slices"
	"sync"

	"aegis/cmd/identity"
)

// MemoryStore is the in-process Store used when no database is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	tenants     map[string]Tenant
	byName      map[string]string
	byNamespace map[string]string
	children    map[string][]string
	users       map[string]map[string]User // tenant_id -> user_id -> membership
	userIndex   map[string][]string        // user_id -> tenant_ids
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:     make(map[string]Tenant),
		byName:      make(map[string]string),
		byNamespace: make(map[string]string),
		children:    make(map[string][]string),
		users:       make(map[string]map[string]User),
		userIndex:   make(map[string][]string),
	}
}

func (s *MemoryStore) InsertTenant(ctx context.Context, t Tenant) error {
	const op = "tenant.MemoryStore.InsertTenant"
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tenants[t.ID]; ok {
		return identity.ConflictError{Op: op, Field: "tenant_id"}
	}
	if _, ok := s.byName[t.NameNorm]; ok {
		return identity.ConflictError{Op: op, Field: "tenant_name"}
	}
	if _, ok := s.byNamespace[t.Namespace]; ok {
		return identity.ConflictError{Op: op, Field: "namespace"}
	}
	s.tenants[t.ID] = t.clone()
	s.byName[t.NameNorm] = t.ID
	s.byNamespace[t.Namespace] = t.ID
	if t.ParentID != "" {
		s.children[t.ParentID] = append(s.children[t.ParentID], t.ID)
	}
	return nil
}

func (s *MemoryStore) UpdateTenant(ctx context.Context, t Tenant) error {
	const op = "tenant.MemoryStore.UpdateTenant"
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.tenants[t.ID]
	if !ok {
		return identity.NotFoundError{Op: op, Resource: "tenant"}
	}
	if prev.NameNorm != t.NameNorm {
		if _, taken := s.byName[t.NameNorm]; taken {
			return identity.ConflictError{Op: op, Field: "tenant_name"}
		}
		delete(s.byName, prev.NameNorm)
		s.byName[t.NameNorm] = t.ID
	}
	s.tenants[t.ID] = t.clone()
	return nil
}

func (s *MemoryStore) Tenant(ctx context.Context, id string) (Tenant, error) {
	if err := ctx.Err(); err != nil {
		return Tenant{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return Tenant{}, identity.NotFoundError{Op: "tenant.MemoryStore.Tenant", Resource: "tenant"}
	}
	return t.clone(), nil
}

func (s *MemoryStore) TenantByName(ctx context.Context, nameNorm string) (Tenant, error) {
	s.mu.RLock()
	id, ok := s.byName[nameNorm]
	s.mu.RUnlock()
	if !ok {
		return Tenant{}, identity.NotFoundError{Op: "tenant.MemoryStore.TenantByName", Resource: "tenant"}
	}
	return s.Tenant(ctx, id)
}

func (s *MemoryStore) TenantByNamespace(ctx context.Context, namespace string) (Tenant, error) {
	s.mu.RLock()
	id, ok := s.byNamespace[namespace]
	s.mu.RUnlock()
	if !ok {
		return Tenant{}, identity.NotFoundError{Op: "tenant.MemoryStore.TenantByNamespace", Resource: "tenant"}
	}
	return s.Tenant(ctx, id)
}

func (s *MemoryStore) Children(ctx context.Context, parentID string) ([]Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.children[parentID]
	out := make([]Tenant, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tenants[id].clone())
	}
	return out, nil
}

func (s *MemoryStore) PutUser(ctx context.Context, u User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[u.TenantID]; !ok {
		return identity.NotFoundError{Op: "tenant.MemoryStore.PutUser", Resource: "tenant"}
	}
	m := s.users[u.TenantID]
	if m == nil {
		m = make(map[string]User)
		s.users[u.TenantID] = m
	}
	if _, exists := m[u.UserID]; !exists {
		s.userIndex[u.UserID] = append(s.userIndex[u.UserID], u.TenantID)
	}
	m[u.UserID] = u.clone()
	return nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, tenantID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.users[tenantID]
	if _, ok := m[userID]; !ok {
		return identity.NotFoundError{Op: "tenant.MemoryStore.DeleteUser", Resource: "tenant_user"}
	}
	delete(m, userID)
	s.userIndex[userID] = slices.DeleteFunc(s.userIndex[userID], func(id string) bool { return id == tenantID })
	if len(s.userIndex[userID]) == 0 {
		delete(s.userIndex, userID)
	}
	return nil
}

func (s *MemoryStore) User(ctx context.Context, tenantID, userID string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[tenantID][userID]
	if !ok {
		return User{}, identity.NotFoundError{Op: "tenant.MemoryStore.User", Resource: "tenant_user"}
	}
	return u.clone(), nil
}

func (s *MemoryStore) Users(ctx context.Context, tenantID string) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users[tenantID]))
	for _, u := range s.users[tenantID] {
		out = append(out, u.clone())
	}
	slices.SortFunc(out, func(a, b User) int { return a.AddedAt.Compare(b.AddedAt) })
	return out, nil
}

func (s *MemoryStore) CountUsers(ctx context.Context, tenantID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[tenantID]), nil
}

func (s *MemoryStore) TenantsForUser(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.userIndex[userID]), nil
}
