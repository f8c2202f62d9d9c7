package policy

import (
	"context"
	"testing"
)

func TestRuleSet_Evaluate(t *testing.T) {
	rs := RuleSet{Rules: []Rule{
		{Action: "auth.tier.*", Field: "risk.score", Op: OpLt, Value: 0.8, Reason: "risk too high"},
		{Action: "token.validate", Field: "tier", Op: OpGte, Value: 2, Reason: "tier too low"},
		{Action: "geo.check", Field: "region", Op: OpNotIn, Value: []any{"blocked-1", "blocked-2"}, Reason: "region blocked"},
		{Action: "tenant.token", Field: "tenant_id", Op: OpPresent},
	}}
	ctx := context.Background()

	cases := []struct {
		name     string
		action   string
		input    map[string]any
		approved bool
		reason   string
	}{
		{"low risk", "auth.tier.2.pre", map[string]any{"risk": map[string]any{"score": 0.1}}, true, ""},
		{"high risk", "auth.tier.3.post", map[string]any{"risk": map[string]any{"score": 0.9}}, false, "risk too high"},
		{"missing field fails", "auth.tier.2.pre", map[string]any{}, false, "risk too high"},
		{"tier ok", "token.validate", map[string]any{"tier": 3}, true, ""},
		{"tier low", "token.validate", map[string]any{"tier": 1}, false, "tier too low"},
		{"blocked region", "geo.check", map[string]any{"region": "blocked-2"}, false, "region blocked"},
		{"allowed region", "geo.check", map[string]any{"region": "eu-1"}, true, ""},
		{"present", "tenant.token", map[string]any{"tenant_id": "t1"}, true, ""},
		{"incomparable", "token.validate", map[string]any{"tier": "high"}, false, "tier too low"},
	}

	for _, tc := range cases {
		d, err := rs.Validate(ctx, tc.action, tc.input)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if d.Approved != tc.approved {
			t.Fatalf("%s: approved=%v want=%v (%s)", tc.name, d.Approved, tc.approved, d.Reason)
		}
		if !tc.approved && d.Reason != tc.reason {
			t.Fatalf("%s: reason=%q want=%q", tc.name, d.Reason, tc.reason)
		}
	}
}

func TestParseRules(t *testing.T) {
	rs, err := ParseRules(`[{"action":"token.*","field":"tier","op":"gte","value":2,"reason":"need T2"}]`)
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if len(rs.Rules) != 1 || rs.Rules[0].Op != OpGte {
		t.Fatalf("unexpected rules %+v", rs.Rules)
	}

	d, _ := rs.Validate(context.Background(), "token.validate", map[string]any{"tier": 1})
	if d.Approved || d.Reason != "need T2" {
		t.Fatalf("unexpected decision %+v", d)
	}

	if _, err := ParseRules(`[{"field":"x","op":"between"}]`); err == nil {
		t.Fatalf("unknown op must fail")
	}
	if _, err := ParseRules(`[{"op":"eq"}]`); err == nil {
		t.Fatalf("missing field must fail")
	}
}

const testModule = `package aegis

import rego.v1

default decision := {"approved": false, "reason": "default deny"}

decision := {"approved": true, "reason": "tier ok", "score": 0.9} if {
	input.action == "token.validate"
	input.input.tier >= 2
}
`

func TestRegoHook(t *testing.T) {
	ctx := context.Background()
	h, err := NewRegoHook(ctx, testModule, "")
	if err != nil {
		t.Fatalf("NewRegoHook: %v", err)
	}

	d, err := h.Validate(ctx, "token.validate", map[string]any{"tier": 3})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !d.Approved || d.Reason != "tier ok" || d.Score != 0.9 {
		t.Fatalf("unexpected decision %+v", d)
	}

	d, err = h.Validate(ctx, "token.validate", map[string]any{"tier": 1})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if d.Approved || d.Reason != "default deny" {
		t.Fatalf("unexpected decision %+v", d)
	}

	if _, err := NewRegoHook(ctx, "package broken\n\nallow if {", ""); err == nil {
		t.Fatalf("invalid module must fail to compile")
	}
}
