package tenant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"aegis/cmd/identity"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over <schema>.tenants and <schema>.tenant_users.
//
// English design notes:
// - The pgx pool is owned by the caller; this store must NOT close it.
// - Schema/table identifiers are safely quoted to avoid SQL injection via identifiers.
// - Unique violations are mapped to identity.ConflictError with a logical field name.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "aegis").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("%w: invalid schema identifier %q", identity.ErrConfig, schema)
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "aegis"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("%w: tenant store needs a pool", identity.ErrConfig)
	}
	return st, nil
}

const tenantColumns = `tenant_id, name, name_norm, type, parent_id, root_id, status,
	max_users, max_tier, max_children, token_ttl_seconds, require_tier, allowed_permissions,
	namespace, created_at, updated_at`

func (s *PostgresStore) InsertTenant(ctx context.Context, t Tenant) error {
	const op = "tenant.PostgresStore.InsertTenant"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident("tenants")+` (`+tenantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		tenantArgs(t)...,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return identity.ConflictError{Op: op, Field: field}
		}
		if pgIsForeignKeyViolation(err) {
			return identity.NotFoundError{Op: op, Resource: "parent_tenant"}
		}
		return err
	}
	return nil
}

func (s *PostgresStore) UpdateTenant(ctx context.Context, t Tenant) error {
	const op = "tenant.PostgresStore.UpdateTenant"
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.ident("tenants")+`
		    SET name = $2, name_norm = $3, status = $4,
		        max_users = $5, max_tier = $6, max_children = $7,
		        token_ttl_seconds = $8, require_tier = $9, allowed_permissions = $10,
		        updated_at = $11
		  WHERE tenant_id = $1`,
		t.ID, t.Name, t.NameNorm, string(t.Status),
		t.Quotas.MaxUsers, int16(t.Quotas.MaxTier), t.Quotas.MaxChildren,
		int64(t.Policy.TokenTTL/time.Second), int16(t.Policy.RequireTier), nonNil(t.Policy.AllowedPermissions),
		t.UpdatedAt,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return identity.ConflictError{Op: op, Field: field}
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return identity.NotFoundError{Op: op, Resource: "tenant"}
	}
	return nil
}

func (s *PostgresStore) Tenant(ctx context.Context, id string) (Tenant, error) {
	return s.oneTenant(ctx, "tenant.PostgresStore.Tenant", "tenant_id", id)
}

func (s *PostgresStore) TenantByName(ctx context.Context, nameNorm string) (Tenant, error) {
	return s.oneTenant(ctx, "tenant.PostgresStore.TenantByName", "name_norm", nameNorm)
}

func (s *PostgresStore) TenantByNamespace(ctx context.Context, namespace string) (Tenant, error) {
	return s.oneTenant(ctx, "tenant.PostgresStore.TenantByNamespace", "namespace", namespace)
}

// oneTenant looks a tenant up by one of the fixed key columns above.
func (s *PostgresStore) oneTenant(ctx context.Context, op, column, value string) (Tenant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM `+s.ident("tenants")+` WHERE `+pgx.Identifier{column}.Sanitize()+` = $1`,
		value,
	)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tenant{}, identity.NotFoundError{Op: op, Resource: "tenant"}
	}
	return t, err
}

func (s *PostgresStore) Children(ctx context.Context, parentID string) ([]Tenant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tenantColumns+` FROM `+s.ident("tenants")+`
		  WHERE parent_id = $1
		  ORDER BY created_at ASC, tenant_id ASC`,
		parentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutUser(ctx context.Context, u User) error {
	const op = "tenant.PostgresStore.PutUser"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.ident("tenant_users")+` (tenant_id, user_id, roles, permissions, max_tier, added_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (tenant_id, user_id) DO UPDATE
		    SET roles = EXCLUDED.roles,
		        permissions = EXCLUDED.permissions,
		        max_tier = EXCLUDED.max_tier`,
		u.TenantID, u.UserID, nonNil(u.Roles), nonNil(u.Permissions), int16(u.MaxTier), u.AddedAt,
	)
	if err != nil && pgIsForeignKeyViolation(err) {
		return identity.NotFoundError{Op: op, Resource: "tenant"}
	}
	return err
}

func (s *PostgresStore) DeleteUser(ctx context.Context, tenantID, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.ident("tenant_users")+` WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return identity.NotFoundError{Op: "tenant.PostgresStore.DeleteUser", Resource: "tenant_user"}
	}
	return nil
}

func (s *PostgresStore) User(ctx context.Context, tenantID, userID string) (User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT tenant_id, user_id, roles, permissions, max_tier, added_at
		   FROM `+s.ident("tenant_users")+`
		  WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID,
	)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, identity.NotFoundError{Op: "tenant.PostgresStore.User", Resource: "tenant_user"}
	}
	return u, err
}

func (s *PostgresStore) Users(ctx context.Context, tenantID string) ([]User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id, user_id, roles, permissions, max_tier, added_at
		   FROM `+s.ident("tenant_users")+`
		  WHERE tenant_id = $1
		  ORDER BY added_at ASC, user_id ASC`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountUsers(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+s.ident("tenant_users")+` WHERE tenant_id = $1`,
		tenantID,
	).Scan(&n)
	return n, err
}

func (s *PostgresStore) TenantsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tenant_id FROM `+s.ident("tenant_users")+`
		  WHERE user_id = $1
		  ORDER BY added_at ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresStore) ident(table string) string {
	return pgx.Identifier{s.schema, table}.Sanitize()
}

func tenantArgs(t Tenant) []any {
	var parent *string
	if t.ParentID != "" {
		parent = &t.ParentID
	}
	return []any{
		t.ID, t.Name, t.NameNorm, string(t.Type), parent, t.RootID, string(t.Status),
		t.Quotas.MaxUsers, int16(t.Quotas.MaxTier), t.Quotas.MaxChildren,
		int64(t.Policy.TokenTTL / time.Second), int16(t.Policy.RequireTier), nonNil(t.Policy.AllowedPermissions),
		t.Namespace, t.CreatedAt, t.UpdatedAt,
	}
}

func scanTenant(row pgx.Row) (Tenant, error) {
	var (
		t            Tenant
		typ, status  string
		parent       *string
		maxTier      int16
		requireTier  int16
		tokenTTLSecs int64
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.NameNorm, &typ, &parent, &t.RootID, &status,
		&t.Quotas.MaxUsers, &maxTier, &t.Quotas.MaxChildren,
		&tokenTTLSecs, &requireTier, &t.Policy.AllowedPermissions,
		&t.Namespace, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Tenant{}, err
	}
	t.Type = Type(typ)
	t.Status = Status(status)
	if parent != nil {
		t.ParentID = *parent
	}
	t.Quotas.MaxTier = identity.Tier(maxTier)
	t.Policy.RequireTier = identity.Tier(requireTier)
	t.Policy.TokenTTL = time.Duration(tokenTTLSecs) * time.Second
	return t, nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		u       User
		maxTier int16
	)
	if err := row.Scan(&u.TenantID, &u.UserID, &u.Roles, &u.Permissions, &maxTier, &u.AddedAt); err != nil {
		return User{}, err
	}
	u.MaxTier = identity.Tier(maxTier)
	return u, nil
}

// nonNil keeps NOT NULL text[] columns from receiving NULL.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503" // foreign_key_violation
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	switch strings.ToLower(pgErr.ConstraintName) {
	case "uq_tenants_name_norm":
		return "tenant_name", true
	case "uq_tenants_namespace":
		return "namespace", true
	case "tenants_pkey":
		return "tenant_id", true
	default:
		return "unknown", true
	}
}
