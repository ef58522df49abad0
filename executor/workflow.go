package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/runctl/engine/adapter"
	"github.com/runctl/engine/agentpipeline"
	"github.com/runctl/engine/audit"
	"github.com/runctl/engine/engine"
	"github.com/runctl/engine/policy"
	"github.com/runctl/engine/policydoc"
	"github.com/runctl/engine/run"
	"github.com/runctl/engine/shadow"
)

// runInput is the marshaled argument engine.StartWorkflow passes to
// runWorkflow: everything the step loop needs that does not live in the
// Run Store, captured once at submission so later policy activations or
// runbook edits never retroactively change an in-flight Run (spec §5).
type runInput struct {
	Run     run.Run
	Runbook run.Runbook
	Policy  policydoc.Document
}

// runOutput is the final status payload returned from the workflow; most
// callers use GetRun instead, but WorkflowHandle.Wait surfaces this
// directly for callers that want it.
type runOutput struct {
	Status        run.Status
	FailureReason string
}

// SubmitRun validates DRY_RUN_FORCED downgrading, persists a new Run in
// StatusPending, and starts its workflow. It returns as soon as the
// workflow has been accepted by the engine, not when the Run finishes.
func (e *Executor) SubmitRun(ctx context.Context, rb run.Runbook, mode run.Mode, rc run.Context, caller run.Subject) (run.Run, error) {
	doc, err := e.policies.ActivePolicy(ctx, rc.TenantID)
	if err != nil {
		return run.Run{}, fmt.Errorf("executor: load active policy: %w", err)
	}

	now := time.Now().UTC()
	forcedDryRun := e.dryRunForced && mode == run.ModeExecute
	effectiveMode := mode
	if forcedDryRun {
		effectiveMode = run.ModeDryRun
	}

	rc.Mode = effectiveMode
	rc.StartedAt = now
	rc.Caller = caller

	r := run.Run{
		ID:             uuid.NewString(),
		TenantID:       rc.TenantID,
		RunbookID:      rb.ID,
		RunbookVersion: rb.Version,
		PolicyName:     doc.Name,
		PolicyVersion:  doc.Version,
		Mode:           effectiveMode,
		Status:         run.StatusPending,
		Context:        rc,
		Caller:         caller,
		CreatedAt:      now,
		FailedStep:     -1,
	}
	rc.RunID = r.ID

	if err := e.store.CreateRun(ctx, r); err != nil {
		return run.Run{}, err
	}

	if _, err := e.audit.Append(ctx, audit.Event{
		TenantID:     rc.TenantID,
		Actor:        caller.ID,
		ActorKind:    audit.ActorUser,
		Action:       audit.ActionRunStarted,
		ResourceKind: "run",
		ResourceID:   r.ID,
		Payload:      map[string]any{"runbook": rb.Name, "mode": string(effectiveMode)},
	}); err != nil {
		return run.Run{}, err
	}
	if forcedDryRun {
		if _, err := e.audit.Append(ctx, audit.Event{
			TenantID:     rc.TenantID,
			Actor:        "system",
			ActorKind:    audit.ActorSystem,
			Action:       audit.ActionDryRunForced,
			ResourceKind: "run",
			ResourceID:   r.ID,
			Payload:      map[string]any{"requested_mode": string(mode)},
		}); err != nil {
			return run.Run{}, err
		}
	}

	input, err := json.Marshal(runInput{Run: r, Runbook: rb, Policy: doc})
	if err != nil {
		return run.Run{}, fmt.Errorf("executor: marshal run input: %w", err)
	}
	if _, err := e.eng.StartWorkflow(ctx, e.runWorkflow, input, engine.StartOptions{ID: r.ID}); err != nil {
		return run.Run{}, fmt.Errorf("executor: start workflow: %w", err)
	}
	return r, nil
}

// CancelRun signals the Run's workflow to stop at its next safe point
// (spec §5: "cancellation is cooperative... checked at every suspension
// point and between steps").
func (e *Executor) CancelRun(ctx context.Context, runID string, caller run.Subject) error {
	h, err := e.eng.GetWorkflow(ctx, runID)
	if err != nil {
		return fmt.Errorf("executor: cancel run: %w", err)
	}
	return h.Signal(ctx, signalCancel, caller)
}

// DecideApproval resolves a pending Approval. The workflow blocked in
// activityAwaitApproval observes the decision on its next poll (at most
// e.approvalPollInterval later); no signal is needed because
// approval.Service.Wait already implements the rendezvous.
func (e *Executor) DecideApproval(ctx context.Context, approvalID string, decider run.Subject, callerSubjectID string, allowSelfApproval bool, approved bool, comment string) (run.Approval, error) {
	return e.approvals.Decide(ctx, approvalID, decider, callerSubjectID, allowSelfApproval, approved, comment)
}

// GetRun returns a Run and its Steps as currently persisted.
func (e *Executor) GetRun(ctx context.Context, tenantID, runID string) (run.Run, []run.Step, error) {
	r, err := e.store.LoadRun(ctx, tenantID, runID)
	if err != nil {
		return run.Run{}, nil, err
	}
	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return run.Run{}, nil, err
	}
	return r, steps, nil
}

const signalCancel = "cancel"

// runWorkflow is the engine.WorkflowBody every Run executes: the per-step
// loop from spec §4.7, run to a terminal status.
func (e *Executor) runWorkflow(wfCtx engine.WorkflowContext, input []byte) ([]byte, error) {
	var in runInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("executor: unmarshal run input: %w", err)
	}
	ctx := wfCtx.Context()
	spanCtx, span := wfCtx.Tracer().Start(ctx, "run")
	defer span.End()

	r := in.Run
	r.Status = run.StatusRunning
	if err := e.saveRun(spanCtx, wfCtx, r); err != nil {
		return nil, err
	}
	wfCtx.Metrics().IncCounter("runs_started", 1)

	prior := make(map[string]map[string]any, len(in.Runbook.Steps))
	var intents shadowIntents
	succeededWrites := make([]int, 0, len(in.Runbook.Steps))

	var terminal run.Status
	var failureReason string
	failedStep := -1

loop:
	for i, tmpl := range in.Runbook.Steps {
		if e.cancelled(wfCtx) {
			terminal, failureReason = run.StatusCancelled, "cancelled"
			break loop
		}

		outcome, err := e.runStep(spanCtx, wfCtx, &r, i, tmpl, prior, &intents, in.Policy)
		if err != nil {
			terminal, failureReason, failedStep = run.StatusFailed, err.Error(), i
			break loop
		}
		switch outcome.status {
		case run.StepSucceeded:
			prior[tmpl.Name] = outcome.output
			if outcome.classification == adapter.ClassWrite || outcome.classification == adapter.ClassDestructive {
				succeededWrites = append(succeededWrites, i)
			}
		case run.StepSkipped:
			// fail-open: policy configured to continue past a block.
		case run.StepBlocked:
			if !tmpl.ContinueOnError {
				if cerr := e.compensate(spanCtx, wfCtx, &r, succeededWrites, in.Runbook.Steps, in.Policy); cerr != nil {
					return nil, cerr
				}
				terminal, failureReason, failedStep = run.StatusFailed, outcome.reason, i
				break loop
			}
		case run.StepFailed:
			if !tmpl.ContinueOnError {
				if cerr := e.compensate(spanCtx, wfCtx, &r, succeededWrites, in.Runbook.Steps, in.Policy); cerr != nil {
					return nil, cerr
				}
				terminal, failureReason, failedStep = run.StatusFailed, outcome.reason, i
				break loop
			}
		}
	}

	if terminal == "" {
		terminal = run.StatusSucceeded
	}

	if r.Context.Mode == run.ModeShadow {
		reference := make([]shadow.Call, 0, len(in.Runbook.Steps))
		for _, tmpl := range in.Runbook.Steps {
			reference = append(reference, shadow.Call{Tool: tmpl.Tool, Args: tmpl.Args})
		}
		report := shadow.Compare(reference, intents.calls)
		if report.HallucinationRate > 0 {
			wfCtx.Metrics().IncCounter("hallucinations", float64(len(report.Hallucinated)))
		}
		if err := e.appendAudit(spanCtx, wfCtx, audit.Event{
			TenantID: r.TenantID, Actor: "system", ActorKind: audit.ActorSystem,
			Action: "shadow.compared", ResourceKind: "run", ResourceID: r.ID,
			Payload: map[string]any{
				"match_rate": report.MatchRate, "missing_rate": report.MissingRate,
				"hallucination_rate": report.HallucinationRate,
			},
		}); err != nil {
			return nil, err
		}
	}

	r.Status = terminal
	r.FailureReason = failureReason
	r.FailedStep = failedStep
	r.CompletedAt = time.Now().UTC()
	r.Cancelled = terminal == run.StatusCancelled
	if err := e.saveRun(spanCtx, wfCtx, r); err != nil {
		return nil, err
	}

	action := audit.ActionRunSucceeded
	switch terminal {
	case run.StatusFailed:
		action = audit.ActionRunFailed
	case run.StatusCancelled:
		action = audit.ActionRunCancelled
	}
	if err := e.appendAudit(spanCtx, wfCtx, audit.Event{
		TenantID: r.TenantID, Actor: "system", ActorKind: audit.ActorSystem,
		Action: action, ResourceKind: "run", ResourceID: r.ID,
		Payload: map[string]any{"failure_reason": failureReason, "failed_step": failedStep},
	}); err != nil {
		return nil, err
	}

	return json.Marshal(runOutput{Status: terminal, FailureReason: failureReason})
}

func (e *Executor) cancelled(wfCtx engine.WorkflowContext) bool {
	var caller run.Subject
	return wfCtx.SignalChannel(signalCancel).ReceiveAsync(&caller)
}

type stepOutcome struct {
	status         run.Status
	output         map[string]any
	reason         string
	classification adapter.Classification
}

// runStep implements the per-step loop from spec §4.7. Step 3 (review) and
// the policy decision it authorizes have been unified: the Reviewer is the
// sole gate on step 7 (spec §4.4), since its stub mode delegates straight to
// the Policy Evaluator and its LLM mode intersects its own verdict with the
// Evaluator's, the stricter of the two always winning. No separate
// policy-decision activity runs downstream of activityReviewStep.
func (e *Executor) runStep(ctx context.Context, wfCtx engine.WorkflowContext, r *run.Run, index int, tmpl run.StepTemplate, prior map[string]map[string]any, intents *shadowIntents, doc policydoc.Document) (stepOutcome, error) {
	stepCtx, span := wfCtx.Tracer().Start(ctx, fmt.Sprintf("step:%s", tmpl.Name))
	defer span.End()

	// A regular, runbook-ordered step is never itself a compensation row;
	// compensate() below creates those separately with their own
	// CompensatesStepIndex once a later step fails.
	var mat materializeOutput
	if err := wfCtx.ExecuteActivity(stepCtx, engine.ActivityRequest{
		Name:  activityMaterializeStep,
		Input: materializeInput{RunID: r.ID, Index: index, Template: tmpl, CompensatesIndex: -1},
	}, &mat); err != nil {
		return stepOutcome{}, err
	}
	if mat.AlreadyTerminal {
		return stepOutcome{status: mat.Step.Status, output: mat.Step.Output, classification: adapterClassFor(e, mat.Step.Tool)}, nil
	}

	var call agentpipeline.ToolCall
	var adapterSpec adapter.Spec
	var known bool
	if tmpl.Tool != "" {
		call = agentpipeline.ToolCall{Tool: tmpl.Tool, Args: tmpl.Args}
		adapterSpec, known = e.adapters.Lookup(tmpl.Tool)
	} else {
		var plan planOutput
		if err := wfCtx.ExecuteActivity(stepCtx, engine.ActivityRequest{
			Name:  activityPlanStep,
			Input: planInput{RunContext: r.Context, Template: tmpl, Prior: prior},
		}, &plan); err != nil {
			return stepOutcome{}, err
		}
		if plan.Blocked {
			return e.terminateStep(stepCtx, wfCtx, r, index, tmpl, run.StepBlocked, plan.Reason, nil, run.Usage{})
		}
		call = plan.Call
		adapterSpec = plan.AdapterSpec
		known = plan.Known
	}

	// Totals reflect the Run's accumulated Metrics as of the last
	// terminateStep, and Estimate is the adapter's own declared bound, so
	// the Policy Evaluator's budget check sees real numbers instead of an
	// always-zero stand-in (spec §8: a budget cap must be able to actually
	// trip mid-run).
	r.Context.Totals = r.Metrics
	estimate := adapterSpec.EstimatedUsage

	var decision agentpipeline.Review
	if !known {
		// No AdapterSpec exists to evaluate against; substitute the
		// configured default instead of sending the Reviewer a call it has
		// no schema or budget information for.
		decision = agentpipeline.Review{Outcome: e.policyDefaultAction, Reasons: []string{"tool_unregistered"}}
	} else {
		var review reviewOutput
		if err := wfCtx.ExecuteActivity(stepCtx, engine.ActivityRequest{
			Name: activityReviewStep,
			Input: reviewInput{
				Call: call, RunContext: r.Context, Policy: doc,
				AdapterSpec: adapterSpec, Estimate: estimate,
			},
		}, &review); err != nil {
			return stepOutcome{}, err
		}
		decision = review.Review
	}

	if decision.Disagreement != "" {
		if err := e.appendAudit(stepCtx, wfCtx, audit.Event{
			TenantID: r.TenantID, Actor: "system", ActorKind: audit.ActorSystem,
			Action: audit.ActionReviewerDisagreement, ResourceKind: "step", ResourceID: fmt.Sprintf("%s/%d", r.ID, index),
			Payload: map[string]any{"disagreement": decision.Disagreement},
		}); err != nil {
			return stepOutcome{}, err
		}
	}
	if err := e.appendAudit(stepCtx, wfCtx, audit.Event{
		TenantID: r.TenantID, Actor: r.Caller.ID, ActorKind: audit.ActorUser,
		Action: audit.ActionPolicyDecision, ResourceKind: "step", ResourceID: fmt.Sprintf("%s/%d", r.ID, index),
		Payload: map[string]any{"tool": call.Tool, "outcome": string(decision.Outcome), "reasons": decision.Reasons},
	}); err != nil {
		return stepOutcome{}, err
	}

	switch decision.Outcome {
	case policy.Block:
		return e.terminateStep(stepCtx, wfCtx, r, index, tmpl, run.StepBlocked, joinReasons(decision.Reasons), nil, run.Usage{})
	case policy.RequireApproval:
		r.Status = run.StatusAwaitingApproval
		if err := e.saveRun(stepCtx, wfCtx, *r); err != nil {
			return stepOutcome{}, err
		}
		rule := matchingApprovalRule(doc, call.Tool)
		var reqOut requestApprovalOutput
		if err := wfCtx.ExecuteActivity(stepCtx, engine.ActivityRequest{
			Name: activityRequestApproval,
			Input: requestApprovalInput{
				RunID: r.ID, StepIndex: index, RequestedBy: r.Caller,
				Reason: joinReasons(decision.Reasons), ExpirySeconds: rule.ExpirySeconds,
			},
		}, &reqOut); err != nil {
			return stepOutcome{}, err
		}
		if err := e.appendAudit(stepCtx, wfCtx, audit.Event{
			TenantID: r.TenantID, Actor: r.Caller.ID, ActorKind: audit.ActorUser,
			Action: audit.ActionApprovalRequested, ResourceKind: "approval", ResourceID: reqOut.Approval.ID,
			Payload: map[string]any{"run_id": r.ID, "step_index": index},
		}); err != nil {
			return stepOutcome{}, err
		}

		var awaited awaitApprovalOutput
		if err := wfCtx.ExecuteActivity(stepCtx, engine.ActivityRequest{
			Name:    activityAwaitApproval,
			Input:   awaitApprovalInput{ApprovalID: reqOut.Approval.ID},
			Timeout: approvalTimeout(rule.ExpirySeconds),
		}, &awaited); err != nil {
			return stepOutcome{}, err
		}

		r.Status = run.StatusRunning
		if err := e.saveRun(stepCtx, wfCtx, *r); err != nil {
			return stepOutcome{}, err
		}

		switch awaited.Approval.State {
		case run.ApprovalApproved:
			if err := e.appendAudit(stepCtx, wfCtx, audit.Event{
				TenantID: r.TenantID, Actor: awaited.Approval.Decider, ActorKind: audit.ActorUser,
				Action: audit.ActionApprovalResolved, ResourceKind: "approval", ResourceID: awaited.Approval.ID,
				Payload: map[string]any{"state": string(awaited.Approval.State)},
			}); err != nil {
				return stepOutcome{}, err
			}
		case run.ApprovalExpired:
			if err := e.appendAudit(stepCtx, wfCtx, audit.Event{
				TenantID: r.TenantID, Actor: "system", ActorKind: audit.ActorSystem,
				Action: audit.ActionApprovalExpired, ResourceKind: "approval", ResourceID: awaited.Approval.ID,
			}); err != nil {
				return stepOutcome{}, err
			}
			return e.terminateStep(stepCtx, wfCtx, r, index, tmpl, run.StepBlocked, "approval_expired", nil, run.Usage{})
		default: // denied
			if err := e.appendAudit(stepCtx, wfCtx, audit.Event{
				TenantID: r.TenantID, Actor: awaited.Approval.Decider, ActorKind: audit.ActorUser,
				Action: audit.ActionApprovalResolved, ResourceKind: "approval", ResourceID: awaited.Approval.ID,
				Payload: map[string]any{"state": string(awaited.Approval.State)},
			}); err != nil {
				return stepOutcome{}, err
			}
			return e.terminateStep(stepCtx, wfCtx, r, index, tmpl, run.StepBlocked, "approval_denied", nil, run.Usage{})
		}
	}

	if r.Context.Mode == run.ModeDryRun {
		output := map[string]any{"would_invoke": true, "tool": call.Tool, "args": call.Args}
		if err := e.appendAudit(stepCtx, wfCtx, audit.Event{
			TenantID: r.TenantID, Actor: "system", ActorKind: audit.ActorSystem,
			Action: audit.ActionStepWouldInvoke, ResourceKind: "step", ResourceID: fmt.Sprintf("%s/%d", r.ID, index),
			Payload: output,
		}); err != nil {
			return stepOutcome{}, err
		}
		return e.terminateStep(stepCtx, wfCtx, r, index, tmpl, run.StepSucceeded, "", output, run.Usage{})
	}

	if err := e.appendAudit(stepCtx, wfCtx, audit.Event{
		TenantID: r.TenantID, Actor: "system", ActorKind: audit.ActorSystem,
		Action: audit.ActionStepStarted, ResourceKind: "step", ResourceID: fmt.Sprintf("%s/%d", r.ID, index),
		Payload: map[string]any{"tool": call.Tool},
	}); err != nil {
		return stepOutcome{}, err
	}

	var invoked invokeStepOutput
	if err := wfCtx.ExecuteActivity(stepCtx, engine.ActivityRequest{
		Name:    activityInvokeStep,
		Input:   invokeStepInput{Tool: call.Tool, Args: call.Args, RunContext: r.Context, Shadow: r.Context.Mode == run.ModeShadow},
		Timeout: adapterSpec.WallBudget() * time.Duration(e.retry.MaxAttempts+1),
	}, &invoked); err != nil {
		return stepOutcome{}, err
	}

	if r.Context.Mode == run.ModeShadow {
		intents.record(call.Tool, call.Args)
	}

	if invoked.ErrorKind != "" {
		outcome, err := e.terminateStep(stepCtx, wfCtx, r, index, tmpl, run.StepFailed, invoked.ErrorMessage, nil, invoked.Result.Usage)
		outcome.classification = adapterSpec.Classification
		return outcome, err
	}
	outcome, err := e.terminateStep(stepCtx, wfCtx, r, index, tmpl, run.StepSucceeded, "", invoked.Result.Output, invoked.Result.Usage)
	outcome.classification = adapterSpec.Classification
	return outcome, err
}

func adapterClassFor(e *Executor, tool string) adapter.Classification {
	spec, _ := e.adapters.Lookup(tool)
	return spec.Classification
}

// terminateStep writes the Step's final status, rolls its Usage into the
// Run's totals, and appends the matching audit event (spec §4.7 step 7).
func (e *Executor) terminateStep(ctx context.Context, wfCtx engine.WorkflowContext, r *run.Run, index int, tmpl run.StepTemplate, status run.Status, errMsg string, output map[string]any, usage run.Usage) (stepOutcome, error) {
	s, err := e.loadStep(ctx, wfCtx, r.ID, index)
	if err != nil {
		return stepOutcome{}, err
	}
	s.Status = status
	s.Output = output
	s.Error = errMsg
	s.Usage = usage
	s.FinishedAt = time.Now().UTC()
	s.AttemptCount++

	var recOut recordStepOutput
	if err := wfCtx.ExecuteActivity(ctx, engine.ActivityRequest{Name: activityRecordStep, Input: recordStepInput{Step: s}}, &recOut); err != nil {
		return stepOutcome{}, err
	}

	r.Metrics = r.Metrics.Add(usage)
	r.Context.Totals = r.Metrics

	action := audit.ActionStepSucceeded
	switch status {
	case run.StepFailed:
		action = audit.ActionStepFailed
	case run.StepBlocked:
		action = audit.ActionStepBlocked
	case run.StepSkipped:
		action = audit.ActionStepSkipped
	}
	if err := e.appendAudit(ctx, wfCtx, audit.Event{
		TenantID: r.TenantID, Actor: "system", ActorKind: audit.ActorSystem,
		Action: action, ResourceKind: "step", ResourceID: fmt.Sprintf("%s/%d", r.ID, index),
		Payload: map[string]any{"error": errMsg},
	}); err != nil {
		return stepOutcome{}, err
	}

	return stepOutcome{status: status, output: output, reason: errMsg}, nil
}

func (e *Executor) loadStep(ctx context.Context, wfCtx engine.WorkflowContext, runID string, index int) (run.Step, error) {
	var mat materializeOutput
	if err := wfCtx.ExecuteActivity(ctx, engine.ActivityRequest{
		Name:  activityMaterializeStep,
		Input: materializeInput{RunID: runID, Index: index, CompensatesIndex: -1},
	}, &mat); err != nil {
		return run.Step{}, err
	}
	return mat.Step, nil
}

// compensate walks successfully-completed write/destructive Steps in
// reverse and invokes each adapter's declared inverse (spec §4.7
// Compensation). It returns as soon as an audit append fails durably: per
// spec §4.3 the operation that requested the append must fail, and
// compensation must not keep running once its own trail can no longer be
// trusted. A compensating adapter invocation that itself fails is recorded
// via ActionCompensationFailed and does not stop the remaining rollback.
func (e *Executor) compensate(ctx context.Context, wfCtx engine.WorkflowContext, r *run.Run, succeededWrites []int, templates []run.StepTemplate, doc policydoc.Document) error {
	nextIndex := len(templates) + 1
	for i := len(succeededWrites) - 1; i >= 0; i-- {
		idx := succeededWrites[i]
		tmpl := templates[idx]
		spec, ok := e.adapters.Lookup(tmpl.Tool)
		if !ok || spec.CompensatesTo == "" {
			continue
		}
		step, err := e.loadStep(ctx, wfCtx, r.ID, idx)
		if err != nil {
			continue
		}
		var out compensateStepOutput
		if err := wfCtx.ExecuteActivity(ctx, engine.ActivityRequest{
			Name: activityCompensateStep,
			Input: compensateStepInput{
				RunID: r.ID, OriginalIndex: idx, NewIndex: nextIndex,
				CompensateTool: spec.CompensatesTo, Args: step.Args, RunContext: r.Context,
			},
		}, &out); err != nil {
			if aerr := e.appendAudit(ctx, wfCtx, audit.Event{
				TenantID: r.TenantID, Actor: "system", ActorKind: audit.ActorSystem,
				Action: audit.ActionCompensationFailed, ResourceKind: "step", ResourceID: fmt.Sprintf("%s/%d", r.ID, idx),
				Payload: map[string]any{"error": err.Error()},
			}); aerr != nil {
				return aerr
			}
		} else if out.Step.Status == run.StepFailed {
			if aerr := e.appendAudit(ctx, wfCtx, audit.Event{
				TenantID: r.TenantID, Actor: "system", ActorKind: audit.ActorSystem,
				Action: audit.ActionCompensationFailed, ResourceKind: "step", ResourceID: fmt.Sprintf("%s/%d", r.ID, idx),
				Payload: map[string]any{"error": out.Step.Error},
			}); aerr != nil {
				return aerr
			}
		} else {
			if aerr := e.appendAudit(ctx, wfCtx, audit.Event{
				TenantID: r.TenantID, Actor: "system", ActorKind: audit.ActorSystem,
				Action: audit.ActionStepCompensated, ResourceKind: "step", ResourceID: fmt.Sprintf("%s/%d", r.ID, idx),
			}); aerr != nil {
				return aerr
			}
		}
		nextIndex++
	}
	return nil
}

func (e *Executor) saveRun(ctx context.Context, wfCtx engine.WorkflowContext, r run.Run) error {
	var out saveRunOutput
	return wfCtx.ExecuteActivity(ctx, engine.ActivityRequest{Name: activitySaveRun, Input: saveRunInput{Run: r}}, &out)
}

// appendAudit appends ev to the audit chain and returns its error rather
// than only logging it: spec §4.3 requires that "if append fails durably,
// the operation that requested it must fail" — every call site in this
// file now propagates this error instead of treating the append as
// best-effort.
func (e *Executor) appendAudit(ctx context.Context, wfCtx engine.WorkflowContext, ev audit.Event) error {
	var out auditAppendOutput
	if err := wfCtx.ExecuteActivity(ctx, engine.ActivityRequest{Name: activityAuditAppend, Input: auditAppendInput{Event: ev}}, &out); err != nil {
		wfCtx.Logger().Error(ctx, "audit append failed", "action", ev.Action, "error", err)
		return fmt.Errorf("executor: audit append failed for %s: %w", ev.Action, err)
	}
	return nil
}

func matchingApprovalRule(doc policydoc.Document, tool string) policydoc.ApprovalRule {
	for _, rule := range doc.Approvals {
		if globMatches(rule.ToolGlob, tool) {
			return rule
		}
	}
	return policydoc.ApprovalRule{ExpirySeconds: 0}
}

func globMatches(pattern, tool string) bool {
	if pattern == tool {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(tool) >= len(prefix) && tool[:len(prefix)] == prefix
	}
	return false
}

func approvalTimeout(expirySeconds int) time.Duration {
	if expirySeconds <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(expirySeconds)*time.Second + time.Minute
}

func joinReasons(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	out := reasons[0]
	for _, r := range reasons[1:] {
		out += "; " + r
	}
	return out
}
