// Package executor implements the Run Executor (spec §4.7): the durable
// state machine that drives one Run from pending to a terminal status,
// step by step, gating every tool invocation through the Policy Evaluator,
// the Agent Pipeline, and (when required) the Approval Service, and
// recording every side effect to the audit chain before it is relied upon.
//
// The executor's run loop is an engine.WorkflowBody: every operation with a
// side effect — materializing a step, planning, invoking an adapter,
// appending to the audit chain — goes through wfCtx.ExecuteActivity rather
// than being called directly, so the same executor code runs unmodified
// against engine/inproc (durability from store re-hydration) and
// engine/temporal (durability from workflow history replay). Mirrors the
// split goa-ai's own agents/runtime/runtime package draws between
// runtime.go (the orchestration loop) and activities.go (the side-effecting
// units that loop calls through an engine context).
package executor

import (
	"context"
	"time"

	"github.com/runctl/engine/adapter"
	"github.com/runctl/engine/agentpipeline"
	"github.com/runctl/engine/approval"
	"github.com/runctl/engine/audit"
	"github.com/runctl/engine/engine"
	"github.com/runctl/engine/policy"
	"github.com/runctl/engine/policydoc"
	"github.com/runctl/engine/run"
	"github.com/runctl/engine/shadow"
	"github.com/runctl/engine/telemetry"
)

// PolicyProvider resolves the active Policy document for a tenant at Run
// submission time. The executor captures a defensive copy of the returned
// Document into the Run's context so later activations never retroactively
// change an in-flight Run's decisions (spec §5: "in-flight Runs keep their
// captured snapshot").
type PolicyProvider interface {
	ActivePolicy(ctx context.Context, tenantID string) (policydoc.Document, error)
}

// RetryConfig controls step 6's adapter retry loop (spec §4.7): only
// transient/timeout failures are retried, up to MaxAttempts total attempts,
// with exponential backoff plus jitter between them.
type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	BackoffFactor   float64
	MaxBackoff      time.Duration
}

// DefaultRetryConfig matches spec §4.7's "default 3" attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		BackoffFactor:  2.0,
		MaxBackoff:     5 * time.Second,
	}
}

// Executor owns every collaborator the run loop needs and is the sole
// writer of Run/Step rows for the Runs it drives (spec §5's
// single-writer-per-run invariant). Exclusivity per run comes from the
// engine: engine/temporal's workflow-id uniqueness check holds across
// processes, while engine/inproc's idempotent StartWorkflow only rejects a
// second workflow for the same run id within one process and takes no
// lease that other executor instances would see.
type Executor struct {
	store      run.Store
	policies   PolicyProvider
	adapters   *adapter.Registry
	planner    agentpipeline.Planner
	toolcaller agentpipeline.Toolcaller
	reviewer   agentpipeline.Reviewer
	approvals  *approval.Service
	audit      *audit.Chain
	eng        engine.Engine

	retry               RetryConfig
	policyDefaultAction policy.Outcome
	dryRunForced        bool
	approvalPollInterval time.Duration

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(l telemetry.Logger) Option   { return func(e *Executor) { e.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(e *Executor) { e.metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(e *Executor) { e.tracer = t } }

// WithRetryConfig overrides DefaultRetryConfig.
func WithRetryConfig(rc RetryConfig) Option { return func(e *Executor) { e.retry = rc } }

// WithPolicyDefaultAction sets the decision substituted for a tool the
// Adapter Registry has no entry for, bypassing the Reviewer/Policy Evaluator
// entirely since there is no AdapterSpec to evaluate against. Matches env
// var POLICY_DEFAULT_ACTION (spec §6); default is policy.Block.
func WithPolicyDefaultAction(o policy.Outcome) Option {
	return func(e *Executor) { e.policyDefaultAction = o }
}

// WithDryRunForced mirrors env var DRY_RUN_FORCED (spec §6): when true,
// every execute-mode Run is silently downgraded to dry-run at submission,
// and the downgrade is audit-logged via audit.ActionDryRunForced.
func WithDryRunForced(forced bool) Option {
	return func(e *Executor) { e.dryRunForced = forced }
}

// WithApprovalPollInterval overrides the default poll interval the
// "executor.await_approval" activity uses while blocked on a human decision.
func WithApprovalPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.approvalPollInterval = d }
}

// New builds an Executor and registers its activities with eng. Callers
// must not call eng.RegisterActivity themselves for the names this package
// owns (see the activity* constants in activities.go).
func New(
	store run.Store,
	policies PolicyProvider,
	adapters *adapter.Registry,
	planner agentpipeline.Planner,
	toolcaller agentpipeline.Toolcaller,
	reviewer agentpipeline.Reviewer,
	approvals *approval.Service,
	auditChain *audit.Chain,
	eng engine.Engine,
	opts ...Option,
) *Executor {
	e := &Executor{
		store:                store,
		policies:             policies,
		adapters:             adapters,
		planner:              planner,
		toolcaller:           toolcaller,
		reviewer:             reviewer,
		approvals:            approvals,
		audit:                auditChain,
		eng:                  eng,
		retry:                DefaultRetryConfig(),
		policyDefaultAction:  policy.Block,
		approvalPollInterval: 500 * time.Millisecond,
		logger:               telemetry.NewNoopLogger(),
		metrics:              telemetry.NewNoopMetrics(),
		tracer:               telemetry.NewNoopTracer(),
	}
	for _, o := range opts {
		o(e)
	}
	e.registerActivities()
	return e
}

// shadowAdapter is the no-op effector substituted for every real adapter
// when a Run's mode is shadow (spec §4.7: "steps 5-7 execute against a
// no-op adapter shim that records intent but makes no external calls").
type shadowAdapter struct{}

func (shadowAdapter) record(tool string, args map[string]any) adapter.Result {
	return adapter.Result{Output: map[string]any{"shadow_intent": true, "tool": tool, "args": args}}
}

// shadowIntents accumulates the steps a shadow Run would have invoked, for
// comparison against the runbook's reference list once the Run completes.
type shadowIntents struct {
	calls []shadow.Call
}

func (s *shadowIntents) record(tool string, args map[string]any) {
	s.calls = append(s.calls, shadow.Call{Tool: tool, Args: args})
}
