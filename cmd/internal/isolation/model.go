package isolation

import (
	"slices"
	"strings"
	"time"

	"aegis/cmd/identity"
	"aegis/cmd/internal/auth/tokens"
)

// DefaultScope is used when a request names no scope.
const DefaultScope = "default"

const maxPathLen = 512

// Op is an operation on isolated data. It doubles as the access mode a
// request declares.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	switch o {
	case OpRead, OpWrite, OpDelete, OpList:
		return true
	}
	return false
}

// Requester is the acting principal and the namespace it belongs to.
type Requester struct {
	Principal string
	Namespace string
}

// RequesterFromClaims takes the principal and namespace of a validated token.
func RequesterFromClaims(c tokens.Claims) Requester {
	return Requester{Principal: c.Principal, Namespace: c.Namespace}
}

// Request addresses one record (or, for List, a path prefix).
type Request struct {
	Namespace string
	Scope     string
	Path      string
	Requester Requester
	Mode      Op
}

func (r Request) scope() string {
	if s := strings.TrimSpace(r.Scope); s != "" {
		return s
	}
	return DefaultScope
}

func (r Request) check(op string, want Op) error {
	if strings.TrimSpace(r.Namespace) == "" {
		return identity.Fail(op, identity.ErrInvalidInput, "namespace is required")
	}
	if strings.TrimSpace(r.Requester.Principal) == "" {
		return identity.Fail(op, identity.ErrInvalidInput, "requester is required")
	}
	if want != OpList && !validPath(r.Path) {
		return identity.Fail(op, identity.ErrInvalidInput, "path must be 1..512 bytes without NUL or '..' segments")
	}
	return nil
}

func validPath(p string) bool {
	if p == "" || len(p) > maxPathLen || strings.ContainsRune(p, 0) {
		return false
	}
	return !slices.Contains(strings.Split(p, "/"), "..")
}

// NamespaceKey is the persisted form of a scope key. Material is sealed.
type NamespaceKey struct {
	Namespace string
	TenantID  string
	Scope     string
	KeyID     string
	Sealed    []byte
	Salt      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}

func (k NamespaceKey) expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// AccessEntry is one line of an access log.
type AccessEntry struct {
	Time          time.Time
	Principal     string
	FromNamespace string
	Op            Op
	Scope         string
	Path          string
	Allowed       bool
	Reason        string
	GrantID       string
}

// Grant lets FromNamespace perform Operations in ToNamespace until ExpiresAt.
type Grant struct {
	ID            string
	FromNamespace string
	ToNamespace   string
	Operations    []Op
	GrantedBy     string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	RevokedAt     *time.Time
}

func (g Grant) live(now time.Time) bool {
	return g.RevokedAt == nil && now.Before(g.ExpiresAt)
}

func (g Grant) permits(from, to string, op Op, now time.Time) bool {
	return g.FromNamespace == from && g.ToNamespace == to && slices.Contains(g.Operations, op) && g.live(now)
}

// GrantInput describes a new grant.
type GrantInput struct {
	FromNamespace string
	ToNamespace   string
	Operations    []Op
	GrantedBy     string
	TTL           time.Duration
}

// Entry describes a stored record without its payload.
type Entry struct {
	Scope     string
	Path      string
	KeyID     string
	Size      int
	CreatedAt time.Time
	UpdatedAt time.Time
}
