// Package policy implements the Policy Decision Point described in spec
// §4.2: given a subject, a candidate tool invocation, and a policy
// snapshot, decide allow, block, or require_approval, with machine-readable
// reasons accumulated in deterministic rule-firing order.
package policy

import (
	"context"

	"github.com/runctl/engine/adapter"
	"github.com/runctl/engine/policydoc"
	"github.com/runctl/engine/run"
)

type (
	// Evaluator is the Policy Decision Point. The default implementation
	// (Default, in this package) runs the deterministic, total-order
	// procedure from spec §4.2; package policy/opa offers a Rego-backed
	// alternative that delegates rule evaluation to OPA while keeping the
	// same Evaluator contract and Decision shape.
	Evaluator interface {
		Decide(ctx context.Context, in Input) (Decision, error)
	}

	// Input bundles everything a decision needs: who is asking, what they
	// want to invoke, with what arguments, against which run's accumulated
	// totals, under which policy snapshot.
	Input struct {
		RunContext run.Context
		Tool       string
		Args       map[string]any
		Policy     policydoc.Document
		AdapterSpec adapter.Spec
		// Estimate is a bounded upper estimate of this step's resource
		// consumption, used for the budget check (spec §4.2 step 4).
		Estimate run.Usage
	}

	// Decision ∈ {Allow, Block, RequireApproval}. Reasons accumulate in the
	// order rules fired; Blocks always outrank approvals, which always
	// outrank allow (spec §4.2 "Rule ties").
	Decision struct {
		Outcome Outcome
		Reasons []string
	}

	// Outcome is the three-way decision verdict.
	Outcome string
)

const (
	Allow            Outcome = "allow"
	Block            Outcome = "block"
	RequireApproval  Outcome = "require_approval"
)

// Reason codes, matching spec §4.2 verbatim (including the ":<name>" /
// ":<metric>" suffix conventions).
const (
	ReasonToolNotAllowed     = "tool_not_allowed"
	ReasonSchemaViolation    = "schema_violation"
	ReasonPreconditionPrefix = "precondition_failed:"
	ReasonBudgetPrefix       = "budget_exceeded:"
)
