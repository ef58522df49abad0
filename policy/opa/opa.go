// Package opa implements policy.Evaluator by delegating rule evaluation to
// a Rego module via the Open Policy Agent embedded engine, for tenants that
// need richer rule composition than policydoc.Document's closed precondition
// set allows. The schema-violation, budget, and approval-rule steps still
// run in Go (policy.Default's helpers); only the "is this tool call allowed
// by the tenant's custom rules" question is delegated to Rego, so a Rego
// module participates in the same Decision shape that policy.Default
// produces.
package opa

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/runctl/engine/policy"
)

// Evaluator runs a compiled Rego query in addition to policy.Default's
// deterministic steps. The query result must be an object, which may bind
// "allow" (bool), "require_approval" (bool) and "reasons" ([]string); a
// missing or non-bool "allow" counts as false and blocks. A result that is
// empty or not an object is an error surfaced at Decide time.
type Evaluator struct {
	fallback policy.Evaluator
	query    rego.PreparedEvalQuery
}

// New prepares a Rego query from module (Rego source text) under path
// (e.g. "data.runctl.policy.decision") and wraps fallback — normally
// policy.NewDefault() — for the non-delegated steps.
func New(ctx context.Context, module, path string, fallback policy.Evaluator) (*Evaluator, error) {
	prepared, err := rego.New(
		rego.Query(path),
		rego.Module("policy.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("opa: prepare query: %w", err)
	}
	return &Evaluator{fallback: fallback, query: prepared}, nil
}

func (e *Evaluator) Decide(ctx context.Context, in policy.Input) (policy.Decision, error) {
	decision, err := e.fallback.Decide(ctx, in)
	if err != nil {
		return policy.Decision{}, err
	}
	if decision.Outcome == policy.Block {
		return decision, nil
	}

	input := map[string]any{
		"tool":            in.Tool,
		"args":            in.Args,
		"caller_roles":    in.RunContext.Caller.Roles,
		"labels":          in.RunContext.Labels,
		"vars":            in.RunContext.Vars,
		"classification":  string(in.AdapterSpec.Classification),
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return policy.Decision{}, fmt.Errorf("opa: eval: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return policy.Decision{}, fmt.Errorf("opa: query produced no result")
	}
	binding, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return policy.Decision{}, fmt.Errorf("opa: query result is not an object")
	}

	allow, _ := binding["allow"].(bool)
	if !allow {
		reasons := toReasons(binding["reasons"])
		if len(reasons) == 0 {
			reasons = []string{"rego_denied"}
		}
		return policy.Decision{Outcome: policy.Block, Reasons: reasons}, nil
	}
	if requireApproval, _ := binding["require_approval"].(bool); requireApproval {
		reasons := toReasons(binding["reasons"])
		if len(reasons) == 0 {
			reasons = []string{"rego_requires_approval"}
		}
		return policy.Decision{Outcome: policy.RequireApproval, Reasons: append(decision.Reasons, reasons...)}, nil
	}
	return decision, nil
}

func toReasons(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
