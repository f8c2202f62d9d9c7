package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Op is the closed set of comparisons a Rule can express.
type Op int

const (
	OpEq Op = iota + 1
	OpNeq
	OpLt
	OpLte
	OpGt
	OpGte
	OpIn
	OpNotIn
	OpPrefix
	OpPresent
	OpAbsent
)

var opNames = map[Op]string{
	OpEq: "eq", OpNeq: "neq", OpLt: "lt", OpLte: "lte", OpGt: "gt", OpGte: "gte",
	OpIn: "in", OpNotIn: "not_in", OpPrefix: "prefix", OpPresent: "present", OpAbsent: "absent",
}

func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// MarshalText implements encoding.TextMarshaler.
func (o Op) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Op) UnmarshalText(b []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for op, name := range opNames {
		if name == s {
			*o = op
			return nil
		}
	}
	return fmt.Errorf("unknown rule op %q", s)
}

// Rule is a requirement on one input field for matching actions. When the
// requirement does not hold the action is rejected with Reason.
//
// Action matches exactly, "*" matches all, and a trailing ".*" matches a prefix.
// Field is a dotted path into the input map.
type Rule struct {
	Action string `json:"action"`
	Field  string `json:"field"`
	Op     Op     `json:"op"`
	Value  any    `json:"value,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// RuleSet is a Hook evaluating rules in order; the first failing rule rejects.
type RuleSet struct {
	Rules []Rule
}

// ParseRules decodes a JSON array of rules.
func ParseRules(raw string) (RuleSet, error) {
	var rules []Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return RuleSet{}, fmt.Errorf("policy rules: %w", err)
	}
	for i, r := range rules {
		if r.Op == 0 || strings.TrimSpace(r.Field) == "" {
			return RuleSet{}, fmt.Errorf("policy rules: rule %d needs field and op", i)
		}
	}
	return RuleSet{Rules: rules}, nil
}

// Validate implements Hook.
func (rs RuleSet) Validate(ctx context.Context, action string, input map[string]any) (Decision, error) {
	matched := 0
	for i, r := range rs.Rules {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}
		if !actionMatches(r.Action, action) {
			continue
		}
		matched++

		v, present := lookup(input, r.Field)
		if !r.holds(v, present) {
			reason := r.Reason
			if reason == "" {
				reason = fmt.Sprintf("rule %d: %s %s failed", i, r.Field, r.Op)
			}
			return Decision{Approved: false, Reason: reason}, nil
		}
	}
	return Decision{Approved: true, Reason: fmt.Sprintf("%d rules satisfied", matched), Score: 1}, nil
}

func actionMatches(pattern, action string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(action, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == action
	}
}

func lookup(input map[string]any, path string) (any, bool) {
	var cur any = input
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// holds evaluates the comparison. Incomparable operands do not hold.
func (r Rule) holds(v any, present bool) bool {
	switch r.Op {
	case OpPresent:
		return present
	case OpAbsent:
		return !present
	}
	if !present {
		return false
	}

	switch r.Op {
	case OpEq:
		return equal(v, r.Value)
	case OpNeq:
		return !equal(v, r.Value)
	case OpLt, OpLte, OpGt, OpGte:
		a, okA := toFloat(v)
		b, okB := toFloat(r.Value)
		if !okA || !okB {
			return false
		}
		switch r.Op {
		case OpLt:
			return a < b
		case OpLte:
			return a <= b
		case OpGt:
			return a > b
		default:
			return a >= b
		}
	case OpIn:
		return contains(r.Value, v)
	case OpNotIn:
		return !contains(r.Value, v)
	case OpPrefix:
		s, okS := v.(string)
		p, okP := r.Value.(string)
		return okS && okP && strings.HasPrefix(s, p)
	}
	return false
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func contains(set, v any) bool {
	switch s := set.(type) {
	case []any:
		for _, x := range s {
			if equal(v, x) {
				return true
			}
		}
	case []string:
		for _, x := range s {
			if equal(v, x) {
				return true
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n)
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
