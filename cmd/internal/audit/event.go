// Package audit carries security events from aegis components to durable sinks.
//
// Components only see Emitter: emission never blocks and never fails the
// operation being audited. The Dispatcher fans events out to Sinks on a
// background worker.
package audit

import (
	"context"
	"time"
)

// Event types. Names are dotted and stable; sinks key dashboards on them.
const (
	TokenIssued           = "token.issued"
	TokenValidationFailed = "token.validation.failed"
	TokenRevoked          = "token.revoked"
	TokenPolicyFailOpen   = "token.policy.fail_open"
	KeyRotated            = "key.rotated"
	AuthTierSucceeded     = "auth.tier.succeeded"
	AuthTierFailed        = "auth.tier.failed"
	AuthLockout           = "auth.lockout"
	TenantCreated         = "tenant.created"
	TenantUpdated         = "tenant.updated"
	TenantUserAdded       = "tenant.user.added"
	TenantUserRemoved     = "tenant.user.removed"
	TenantTokenIssued     = "tenant.token.issued"
	TenantTokenRejected   = "tenant.token.rejected"
	NamespaceCreated      = "namespace.created"
	NamespaceAccess       = "namespace.access"
	NamespaceKeyRotated   = "namespace.key.rotated"
	GrantCreated          = "namespace.grant.created"
	GrantRevoked          = "namespace.grant.revoked"
	Introspection         = "token.introspected"
)

// Outcome is the coarse result of an audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Event is one audit record. TokenRef holds a token_id or fingerprint, never a raw token.
type Event struct {
	Type      string         `json:"type"`
	Time      time.Time      `json:"time"`
	Outcome   Outcome        `json:"outcome"`
	Kind      string         `json:"kind,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Principal string         `json:"principal,omitempty"`
	TokenRef  string         `json:"token_ref,omitempty"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Namespace string         `json:"namespace,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Emitter is the fire-and-forget surface used by components.
type Emitter interface {
	Emit(e Event)
}

// Sink persists or forwards events. Write may block; the Dispatcher bounds it.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// OrNop returns e, or Nop when e is nil.
func OrNop(e Emitter) Emitter {
	if e == nil {
		return Nop{}
	}
	return e
}
