package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/runctl/engine/policydoc"
	"github.com/runctl/engine/run"
)

// Default is the deterministic Policy Decision Point (spec §4.2): it runs a
// fixed, total-ordered procedure over a policydoc.Document and never
// consults an external service. Rules fire in the order below regardless of
// how the document lists them; a Block from any step short-circuits the
// remaining ones, while a RequireApproval from the approval-rule step is
// only returned once every earlier step has allowed.
type Default struct{}

// NewDefault builds the default, in-process Evaluator.
func NewDefault() Default { return Default{} }

func (Default) Decide(_ context.Context, in Input) (Decision, error) {
	// Step 1: tool allowed for the caller's roles.
	if !toolAllowed(in.Policy, in.RunContext.Caller.Roles, in.Tool) {
		return Decision{Outcome: Block, Reasons: []string{ReasonToolNotAllowed}}, nil
	}

	// Step 2: argument schema validation.
	if len(in.AdapterSpec.Schema) > 0 {
		if err := validateSchema(in.AdapterSpec.Schema, in.Args); err != nil {
			return Decision{Outcome: Block, Reasons: []string{ReasonSchemaViolation}}, nil
		}
	}

	// Step 3: preconditions, evaluated in document order; the first
	// failing precondition blocks with its name in the reason.
	evalCtx := evalContext{Args: in.Args, Labels: in.RunContext.Labels, Vars: in.RunContext.Vars}
	for _, pc := range in.Policy.Preconditions {
		ok, err := evalPrecondition(pc, evalCtx)
		if err != nil {
			return Decision{}, fmt.Errorf("policy: precondition %s: %w", pc.Name, err)
		}
		if !ok {
			return Decision{Outcome: Block, Reasons: []string{ReasonPreconditionPrefix + pc.Name}}, nil
		}
	}

	// Step 4: budget caps, checked against the run's accumulated totals
	// plus this step's bounded estimate.
	if reasons := budgetReasons(in.Policy.Budgets, in.RunContext, in.Estimate); len(reasons) > 0 {
		return Decision{Outcome: Block, Reasons: reasons}, nil
	}

	// Step 5: approval rules, first match by tool glob wins; a match always
	// means RequireApproval regardless of the rule's Quorum or the caller's
	// roles (the Approval Service checks only that the decider is not the
	// run's caller).
	if rule, ok := matchApprovalRule(in.Policy.Approvals, in.Tool); ok {
		return Decision{Outcome: RequireApproval, Reasons: []string{"approval_rule:" + rule.ToolGlob}}, nil
	}

	// Step 6: destructive-classification tools require approval even
	// absent an explicit rule, unless a rule above already matched.
	if in.AdapterSpec.Classification == "destructive" {
		return Decision{Outcome: RequireApproval, Reasons: []string{"destructive_classification"}}, nil
	}

	return Decision{Outcome: Allow}, nil
}

// toolAllowed reports whether tool is reachable by any of roles under
// policy's Tools map. A role maps to a list of glob patterns where "*" may
// only appear as the final path segment (e.g. "k8s.pods.*" matches
// "k8s.pods.delete" but not "k8s.*.delete").
func toolAllowed(policy policydoc.Document, roles []string, tool string) bool {
	for _, role := range roles {
		for _, pattern := range policy.Tools[role] {
			if globMatch(pattern, tool) {
				return true
			}
		}
	}
	return false
}

func globMatch(pattern, tool string) bool {
	if !strings.HasSuffix(pattern, ".*") {
		return pattern == tool
	}
	prefix := strings.TrimSuffix(pattern, "*")
	return strings.HasPrefix(tool, prefix)
}

func matchApprovalRule(rules []policydoc.ApprovalRule, tool string) (policydoc.ApprovalRule, bool) {
	for _, r := range rules {
		if globMatch(r.ToolGlob, tool) {
			return r, true
		}
	}
	return policydoc.ApprovalRule{}, false
}

// budgetReasons checks the run's accumulated totals plus this step's
// estimate against policy's caps, returning one reason per cap exceeded (a
// single over-budget step can trip more than one cap at once).
func budgetReasons(b policydoc.Budgets, ctxRun run.Context, estimate run.Usage) []string {
	projected := ctxRun.Totals.Add(estimate)
	var reasons []string
	if b.MaxCostPerRunUSD > 0 && projected.CostUSD > b.MaxCostPerRunUSD {
		reasons = append(reasons, ReasonBudgetPrefix+"cost_usd")
	}
	if b.MaxTokensPerRun > 0 && projected.TokensIn+projected.TokensOut > b.MaxTokensPerRun {
		reasons = append(reasons, ReasonBudgetPrefix+"tokens")
	}
	if b.MaxWallMSPerRun > 0 && projected.WallMS > b.MaxWallMSPerRun {
		reasons = append(reasons, ReasonBudgetPrefix+"wall_ms")
	}
	return reasons
}

func validateSchema(schema []byte, args map[string]any) error {
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return err
	}
	if err := c.AddResource("schema.json", doc); err != nil {
		return err
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return err
	}
	return sch.Validate(args)
}
