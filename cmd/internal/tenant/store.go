package tenant

import "context"

// Store is the persistence boundary for tenants and memberships.
//
// Requirements:
//   - InsertTenant fails with identity.ConflictError{Field: "tenant_name"} on a
//     duplicate normalized name.
//   - Lookups return identity.NotFoundError when nothing matches.
//   - Children and Users are ordered by creation time.
type Store interface {
	InsertTenant(ctx context.Context, t Tenant) error
	UpdateTenant(ctx context.Context, t Tenant) error
	Tenant(ctx context.Context, id string) (Tenant, error)
	TenantByName(ctx context.Context, nameNorm string) (Tenant, error)
	TenantByNamespace(ctx context.Context, namespace string) (Tenant, error)
	Children(ctx context.Context, parentID string) ([]Tenant, error)

	PutUser(ctx context.Context, u User) error
	DeleteUser(ctx context.Context, tenantID, userID string) error
	User(ctx context.Context, tenantID, userID string) (User, error)
	Users(ctx context.Context, tenantID string) ([]User, error)
	CountUsers(ctx context.Context, tenantID string) (int, error)
	TenantsForUser(ctx context.Context, userID string) ([]string, error)
}
