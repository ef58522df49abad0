// Package agentpipeline implements the Agent Pipeline (spec §4.4): a
// Planner proposes the next step from a StepTemplate's natural-language
// Prompt, a Toolcaller turns a plan into a concrete tool+args invocation,
// and a Reviewer checks the pair against policy before the executor commits
// to running it. Each role has a deterministic "stub" mode that never calls
// a model (used for Tool-mode steps and in tests) and an LLM-backed mode
// under agentpipeline/llm.
package agentpipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/runctl/engine/adapter"
	"github.com/runctl/engine/policy"
	"github.com/runctl/engine/policydoc"
	"github.com/runctl/engine/run"
)

type (
	// PlanInput is what a Planner sees for one step.
	PlanInput struct {
		RunContext run.Context
		Step       run.StepTemplate
		// Prior carries the outputs of earlier steps in this run, keyed by
		// step name, so a prompt can reference "the id returned by step X".
		Prior map[string]map[string]any
	}

	// Plan is a Planner's proposal: either a concrete tool call (Tool set)
	// or, if the Planner could not resolve one, a Rationale explaining why
	// (the executor treats a toolless Plan as a blocked step).
	Plan struct {
		Tool      string
		Args      map[string]any
		Rationale string
	}

	// Planner turns a step template (possibly a natural-language Prompt)
	// into a Plan.
	Planner interface {
		Plan(ctx context.Context, in PlanInput) (Plan, error)
	}

	// ToolcallInput is what a Toolcaller sees: a Planner's proposal plus
	// the JSON Schema the target adapter expects, so an LLM-backed
	// Toolcaller can repair malformed args before the Policy Evaluator
	// ever sees them.
	ToolcallInput struct {
		Plan        Plan
		ArgsSchema  []byte
	}

	// ToolCall is a schema-valid tool invocation ready for the Policy
	// Evaluator.
	ToolCall struct {
		Tool string
		Args map[string]any
	}

	// Toolcaller validates and, if needed, repairs a Plan's arguments
	// against the adapter's schema.
	Toolcaller interface {
		Resolve(ctx context.Context, in ToolcallInput) (ToolCall, error)
	}

	// ReviewInput is what a Reviewer checks before the executor commits. It
	// carries everything policy.Input needs (Policy, AdapterSpec, Estimate)
	// because the Reviewer itself owns the call to the Policy Evaluator —
	// in stub mode by delegating verbatim, in LLM mode by intersecting the
	// model's own verdict with the Evaluator's (spec §4.4).
	ReviewInput struct {
		Call        ToolCall
		RunContext  run.Context
		Reference   *ToolCall // shadow-mode reference call, if comparing
		Policy      policydoc.Document
		AdapterSpec adapter.Spec
		Estimate    run.Usage
	}

	// Review is a Reviewer's verdict: the same three-way shape
	// policy.Decision uses, since the Reviewer's output *is* the decision
	// that gates step invocation (spec §4.4: "Reviewer's verdict is the
	// only thing that authorises step 7"). Disagreement is non-empty only
	// when the Reviewer's own judgment diverged from the reference call or
	// from the Policy Evaluator — surfaced to audit as
	// audit.ActionReviewerDisagreement, never itself a block.
	Review struct {
		Outcome      policy.Outcome
		Reasons      []string
		Disagreement string
	}

	// Reviewer is the last agent-pipeline check before a ToolCall is
	// invoked: it judges plausibility ("does this call make sense given the
	// step's intent") and authorization (via the Policy Evaluator it holds)
	// together, producing the single decision the executor gates on.
	Reviewer interface {
		Review(ctx context.Context, in ReviewInput) (Review, error)
	}
)

// Stricter returns the more restrictive of two policy outcomes: Block
// outranks RequireApproval, which outranks Allow. Used by LLM-mode
// Reviewers to resolve disagreement with the Policy Evaluator (spec §4.4:
// "if they disagree, the stricter wins").
func Stricter(a, b policy.Outcome) policy.Outcome {
	rank := func(o policy.Outcome) int {
		switch o {
		case policy.Block:
			return 2
		case policy.RequireApproval:
			return 1
		default:
			return 0
		}
	}
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

// evaluatorInput builds the policy.Input a Reviewer passes to its
// policy.Evaluator from a ReviewInput.
func evaluatorInput(in ReviewInput) policy.Input {
	return policy.Input{
		RunContext:  in.RunContext,
		Tool:        in.Call.Tool,
		Args:        in.Call.Args,
		Policy:      in.Policy,
		AdapterSpec: in.AdapterSpec,
		Estimate:    in.Estimate,
	}
}

// referenceDisagreement reports a shadow-mode disagreement note when
// Reference is set and names a different tool than Call, or "" otherwise.
func referenceDisagreement(in ReviewInput) string {
	if in.Reference != nil && in.Reference.Tool != in.Call.Tool {
		return fmt.Sprintf("reference called %q, agent called %q", in.Reference.Tool, in.Call.Tool)
	}
	return ""
}

// StubPlanner implements Planner for Tool-mode steps: it passes the
// template's Tool+Args through unchanged. Used whenever a StepTemplate
// carries an explicit Tool rather than a Prompt, so no model call is made
// for steps that do not need one (spec §4.4: "a template with Tool set
// bypasses the Planner").
type StubPlanner struct{}

func (StubPlanner) Plan(_ context.Context, in PlanInput) (Plan, error) {
	if in.Step.Tool == "" {
		return Plan{}, fmt.Errorf("agentpipeline: stub planner requires step.Tool, got a prompt-only step %q", in.Step.Name)
	}
	return Plan{Tool: in.Step.Tool, Args: in.Step.Args}, nil
}

// StubToolcaller validates a Plan's Args against schema, if supplied, and
// passes them through verbatim — it never rewrites arguments.
type StubToolcaller struct{}

func (StubToolcaller) Resolve(_ context.Context, in ToolcallInput) (ToolCall, error) {
	if in.Plan.Tool == "" {
		return ToolCall{}, fmt.Errorf("agentpipeline: stub toolcaller: plan has no tool (%s)", in.Plan.Rationale)
	}
	if len(in.ArgsSchema) > 0 {
		if err := validateAgainstSchema(in.ArgsSchema, in.Plan.Args); err != nil {
			return ToolCall{}, fmt.Errorf("agentpipeline: args do not match schema: %w", err)
		}
	}
	return ToolCall{Tool: in.Plan.Tool, Args: in.Plan.Args}, nil
}

// StubReviewer delegates to its Evaluator verbatim (spec §4.4: "Stub mode:
// delegates to Policy Evaluator verbatim") — it never second-guesses the
// Policy Decision Point, it only surfaces a disagreement note when
// Reference is set and names a different tool than Call. Used when a
// runbook has no natural-language steps and so needs no model judgment, and
// as the delegate for shadow-mode comparisons driven externally by package
// shadow.
type StubReviewer struct {
	Evaluator policy.Evaluator
}

func (r StubReviewer) Review(ctx context.Context, in ReviewInput) (Review, error) {
	decision, err := r.Evaluator.Decide(ctx, evaluatorInput(in))
	if err != nil {
		return Review{}, fmt.Errorf("agentpipeline: stub reviewer: %w", err)
	}
	return Review{
		Outcome:      decision.Outcome,
		Reasons:      decision.Reasons,
		Disagreement: referenceDisagreement(in),
	}, nil
}

func validateAgainstSchema(schema []byte, args map[string]any) error {
	c := jsonschema.NewCompiler()
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return err
	}
	if err := c.AddResource("args.json", doc); err != nil {
		return err
	}
	sch, err := c.Compile("args.json")
	if err != nil {
		return err
	}
	return sch.Validate(args)
}
