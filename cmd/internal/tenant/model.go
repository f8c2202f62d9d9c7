package tenant

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"aegis/cmd/identity"
)

// Type is the kind of organisation a tenant models.
type Type string

const (
	TypeEnterprise   Type = "enterprise"
	TypeOrganization Type = "organization"
	TypeTeam         Type = "team"
	TypeIndividual   Type = "individual"
)

// Valid reports whether t is a known tenant type.
func (t Type) Valid() bool {
	switch t {
	case TypeEnterprise, TypeOrganization, TypeTeam, TypeIndividual:
		return true
	}
	return false
}

// ParseType accepts a type name in any case.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown tenant type %q", identity.ErrInvalidInput, s)
	}
	return t, nil
}

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Quotas bound what a tenant may hold.
type Quotas struct {
	MaxUsers    int
	MaxTier     identity.Tier
	MaxChildren int
}

// DefaultQuotas returns the quotas a tenant of type t gets when none are given.
func DefaultQuotas(t Type) Quotas {
	switch t {
	case TypeEnterprise:
		return Quotas{MaxUsers: 10_000, MaxTier: identity.TierBiometric, MaxChildren: 100}
	case TypeOrganization:
		return Quotas{MaxUsers: 1_000, MaxTier: identity.TierHardwareKey, MaxChildren: 50}
	case TypeTeam:
		return Quotas{MaxUsers: 100, MaxTier: identity.TierMFA, MaxChildren: 0}
	default:
		return Quotas{MaxUsers: 1, MaxTier: identity.TierMFA, MaxChildren: 0}
	}
}

func (q Quotas) check(op string) error {
	if q.MaxUsers < 1 || q.MaxChildren < 0 {
		return identity.Fail(op, identity.ErrInvalidInput, "max_users must be >= 1 and max_children >= 0")
	}
	if !q.MaxTier.Valid() {
		return identity.Fail(op, identity.ErrFieldOutOfRange, "max_tier must be 1..5")
	}
	return nil
}

// SecurityPolicy shapes the tokens a tenant issues.
type SecurityPolicy struct {
	// TokenTTL caps tenant token lifetime. Zero uses the manager default.
	TokenTTL time.Duration
	// RequireTier is the minimum tier a tenant token may carry.
	RequireTier identity.Tier
	// AllowedPermissions, when non-empty, is the universe of permissions
	// members may hold.
	AllowedPermissions []string
}

func (p SecurityPolicy) allows(perm string) bool {
	return len(p.AllowedPermissions) == 0 || slices.Contains(p.AllowedPermissions, perm)
}

// Tenant is a node of the tenant hierarchy.
type Tenant struct {
	ID        string
	Name      string
	NameNorm  string
	Type      Type
	ParentID  string
	RootID    string
	Status    Status
	Quotas    Quotas
	Policy    SecurityPolicy
	Namespace string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsRoot reports whether t has no parent.
func (t Tenant) IsRoot() bool { return t.ParentID == "" }

func (t Tenant) clone() Tenant {
	t.Policy.AllowedPermissions = slices.Clone(t.Policy.AllowedPermissions)
	return t
}

// User is a tenant membership.
type User struct {
	UserID      string
	TenantID    string
	Roles       []string
	Permissions []string
	MaxTier     identity.Tier
	AddedAt     time.Time
}

func (u User) clone() User {
	u.Roles = slices.Clone(u.Roles)
	u.Permissions = slices.Clone(u.Permissions)
	return u
}

// CreateInput describes a new tenant. Quotas and Policy default by type.
type CreateInput struct {
	Name     string
	Type     Type
	ParentID string
	Quotas   *Quotas
	Policy   *SecurityPolicy
}

// UpdateInput lists the fields to change. Nil fields are left alone.
type UpdateInput struct {
	Name   *string
	Status *Status
	Quotas *Quotas
	Policy *SecurityPolicy
}

// AddUserInput describes a membership. A zero MaxTier means the tenant ceiling.
type AddUserInput struct {
	UserID      string
	Roles       []string
	Permissions []string
	MaxTier     identity.Tier
}

// TokenRequest asks for a tenant-scoped token.
type TokenRequest struct {
	TenantID string
	UserID   string
	// Tier defaults to the member's ceiling and is clamped to it.
	Tier identity.Tier
	// Permissions are intersected with the member's. Empty means all of them.
	Permissions []string
	Audience    []string
	TTL         time.Duration
}

// ValidateRequest binds a token check to a tenant.
type ValidateRequest struct {
	TenantID    string
	Permissions []string
	Audience    string
}

func normalizeSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}
