// Package policy is the approval seam for sensitive operations.
//
// A Hook answers "may <action> proceed with <input>?". Guard wraps any hook
// with a time budget and an explicit failure mode so a slow or broken policy
// back end never turns into an implicit approval.
package policy

import "context"

// Decision is a hook verdict. Score is advisory (0..1) and only recorded.
type Decision struct {
	Approved bool    `json:"approved"`
	Reason   string  `json:"reason,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

// Hook evaluates a named action against structured input.
type Hook interface {
	Validate(ctx context.Context, action string, input map[string]any) (Decision, error)
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, action string, input map[string]any) (Decision, error)

// Validate implements Hook.
func (f HookFunc) Validate(ctx context.Context, action string, input map[string]any) (Decision, error) {
	return f(ctx, action, input)
}

// AllowAll approves everything. It is only installed when configuration
// explicitly asks for it.
type AllowAll struct{}

// Validate implements Hook.
func (AllowAll) Validate(context.Context, string, map[string]any) (Decision, error) {
	return Decision{Approved: true, Reason: "allow_all", Score: 1}, nil
}

// DenyAll rejects everything with Reason.
type DenyAll struct{ Reason string }

// Validate implements Hook.
func (d DenyAll) Validate(context.Context, string, map[string]any) (Decision, error) {
	r := d.Reason
	if r == "" {
		r = "deny_all"
	}
	return Decision{Approved: false, Reason: r}, nil
}
