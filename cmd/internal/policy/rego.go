package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// DefaultRegoQuery is evaluated when NewRegoHook gets an empty query.
const DefaultRegoQuery = "data.aegis.decision"

// RegoHook evaluates a prepared OPA query. The policy receives
// {"action": <action>, "input": <input>} and must produce either a boolean or
// an object {"approved": bool, "reason": string, "score": number}.
type RegoHook struct {
	query rego.PreparedEvalQuery
}

// NewRegoHook compiles module once; evaluation reuses the prepared query.
func NewRegoHook(ctx context.Context, module, query string) (*RegoHook, error) {
	if query == "" {
		query = DefaultRegoQuery
	}
	pq, err := rego.New(
		rego.Query(query),
		rego.Module("aegis.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy rego: %w", err)
	}
	return &RegoHook{query: pq}, nil
}

// Validate implements Hook.
func (h *RegoHook) Validate(ctx context.Context, action string, input map[string]any) (Decision, error) {
	rs, err := h.query.Eval(ctx, rego.EvalInput(map[string]any{
		"action": action,
		"input":  input,
	}))
	if err != nil {
		return Decision{}, fmt.Errorf("policy rego eval: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{Approved: false, Reason: "policy undefined"}, nil
	}

	switch out := rs[0].Expressions[0].Value.(type) {
	case bool:
		if out {
			return Decision{Approved: true, Reason: "policy allow", Score: 1}, nil
		}
		return Decision{Approved: false, Reason: "policy deny"}, nil
	case map[string]any:
		d := Decision{}
		d.Approved, _ = out["approved"].(bool)
		d.Reason, _ = out["reason"].(string)
		switch s := out["score"].(type) {
		case json.Number:
			d.Score, _ = s.Float64()
		case float64:
			d.Score = s
		}
		return d, nil
	default:
		return Decision{}, fmt.Errorf("policy rego: unexpected result type %T", out)
	}
}
