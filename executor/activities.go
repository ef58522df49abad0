package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/runctl/engine/adapter"
	"github.com/runctl/engine/agentpipeline"
	"github.com/runctl/engine/audit"
	"github.com/runctl/engine/engine"
	"github.com/runctl/engine/policydoc"
	"github.com/runctl/engine/run"
	"github.com/runctl/engine/runerr"
)

// Activity names the workflow body invokes through wfCtx.ExecuteActivity.
// Keeping them as constants here (rather than inline strings at each call
// site) is what lets registerActivities and the call sites stay in sync.
const (
	activityMaterializeStep = "executor.materialize_step"
	activityPlanStep        = "executor.plan_step"
	activityReviewStep      = "executor.review_step"
	activityRequestApproval = "executor.request_approval"
	activityAwaitApproval   = "executor.await_approval"
	activityInvokeStep      = "executor.invoke_step"
	activityRecordStep      = "executor.record_step"
	activityCompensateStep  = "executor.compensate_step"
	activityAuditAppend     = "executor.audit_append"
	activitySaveRun         = "executor.save_run"
)

func (e *Executor) registerActivities() {
	e.eng.RegisterActivity(activityMaterializeStep, e.activityMaterializeStep)
	e.eng.RegisterActivity(activityPlanStep, e.activityPlanStep)
	e.eng.RegisterActivity(activityReviewStep, e.activityReviewStep)
	e.eng.RegisterActivity(activityRequestApproval, e.activityRequestApproval)
	e.eng.RegisterActivity(activityAwaitApproval, e.activityAwaitApproval)
	e.eng.RegisterActivity(activityInvokeStep, e.activityInvokeStep)
	e.eng.RegisterActivity(activityRecordStep, e.activityRecordStep)
	e.eng.RegisterActivity(activityCompensateStep, e.activityCompensateStep)
	e.eng.RegisterActivity(activityAuditAppend, e.activityAuditAppend)
	e.eng.RegisterActivity(activitySaveRun, e.activitySaveRun)
}

// jsonActivity adapts a typed (in, out) function to engine.ActivityHandler.
func jsonActivity[In, Out any](fn func(context.Context, In) (Out, error)) engine.ActivityHandler {
	return func(ctx context.Context, input []byte) ([]byte, error) {
		var in In
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, fmt.Errorf("executor: unmarshal activity input: %w", err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}

// --- materialize ---

type materializeInput struct {
	RunID string
	Index int
	Template run.StepTemplate
	CompensatesIndex int
}

type materializeOutput struct {
	Step           run.Step
	AlreadyTerminal bool
}

func (e *Executor) activityMaterializeStep(ctx context.Context, raw []byte) ([]byte, error) {
	return jsonActivity(func(ctx context.Context, in materializeInput) (materializeOutput, error) {
		existing, err := e.store.LoadStep(ctx, in.RunID, in.Index)
		if err == nil {
			return materializeOutput{Step: existing, AlreadyTerminal: existing.Status.IsTerminal()}, nil
		}
		if err != run.ErrNotFound {
			return materializeOutput{}, runerr.Wrap(runerr.Store, "load_step", err)
		}
		s := run.Step{
			ID:                   fmt.Sprintf("%s-step%d", in.RunID, in.Index),
			RunID:                in.RunID,
			Index:                in.Index,
			Name:                 in.Template.Name,
			Tool:                 in.Template.Tool,
			Args:                 in.Template.Args,
			Status:               run.StepPending,
			ContinueOnError:      in.Template.ContinueOnError,
			CompensatesStepIndex: in.CompensatesIndex,
		}
		if err := e.store.SaveStep(ctx, s); err != nil {
			return materializeOutput{}, runerr.Wrap(runerr.Store, "save_step", err)
		}
		return materializeOutput{Step: s}, nil
	})(ctx, raw)
}

// --- plan-or-pass ---

type planInput struct {
	RunContext run.Context
	Template   run.StepTemplate
	Prior      map[string]map[string]any
}

type planOutput struct {
	Call        agentpipeline.ToolCall
	AdapterSpec adapter.Spec
	Known       bool
	Blocked     bool
	Reason      string
}

// activityPlanStep runs both Planner.Plan and Toolcaller.Resolve in one
// round trip (spec §4.7 step 2: "use them; otherwise invoke Toolcaller"),
// looking up the target adapter's schema itself once the Planner names a
// tool so the Toolcaller can validate/repair args against it.
func (e *Executor) activityPlanStep(ctx context.Context, raw []byte) ([]byte, error) {
	return jsonActivity(func(ctx context.Context, in planInput) (planOutput, error) {
		plan, err := e.planner.Plan(ctx, agentpipeline.PlanInput{
			RunContext: in.RunContext,
			Step:       in.Template,
			Prior:      in.Prior,
		})
		if err != nil {
			return planOutput{Blocked: true, Reason: err.Error()}, nil
		}
		if plan.Tool == "" {
			return planOutput{Blocked: true, Reason: plan.Rationale}, nil
		}
		spec, known := e.adapters.Lookup(plan.Tool)
		call, err := e.toolcaller.Resolve(ctx, agentpipeline.ToolcallInput{Plan: plan, ArgsSchema: spec.Schema})
		if err != nil {
			return planOutput{Blocked: true, Reason: err.Error()}, nil
		}
		return planOutput{Call: call, AdapterSpec: spec, Known: known}, nil
	})(ctx, raw)
}

// --- review ---
//
// activityReviewStep is the sole gate on step invocation (spec §4.4:
// "Reviewer's verdict is the only thing that authorises step 7"). It hands
// the Reviewer everything policy.Input needs — Policy, AdapterSpec, and a
// bounded Estimate — because the Reviewer owns the Policy Evaluator call
// itself; no separate policy-decision activity exists downstream of this
// one.

type reviewInput struct {
	Call        agentpipeline.ToolCall
	RunContext  run.Context
	Reference   *agentpipeline.ToolCall
	Policy      policydoc.Document
	AdapterSpec adapter.Spec
	Estimate    run.Usage
}

type reviewOutput struct {
	Review agentpipeline.Review
}

func (e *Executor) activityReviewStep(ctx context.Context, raw []byte) ([]byte, error) {
	return jsonActivity(func(ctx context.Context, in reviewInput) (reviewOutput, error) {
		rev, err := e.reviewer.Review(ctx, agentpipeline.ReviewInput{
			Call:        in.Call,
			RunContext:  in.RunContext,
			Reference:   in.Reference,
			Policy:      in.Policy,
			AdapterSpec: in.AdapterSpec,
			Estimate:    in.Estimate,
		})
		if err != nil {
			return reviewOutput{}, err
		}
		return reviewOutput{Review: rev}, nil
	})(ctx, raw)
}

// --- approval request + await ---

type requestApprovalInput struct {
	RunID         string
	StepIndex     int
	RequestedBy   run.Subject
	Reason        string
	ExpirySeconds int
}

type requestApprovalOutput struct {
	Approval run.Approval
}

func (e *Executor) activityRequestApproval(ctx context.Context, raw []byte) ([]byte, error) {
	return jsonActivity(func(ctx context.Context, in requestApprovalInput) (requestApprovalOutput, error) {
		a, err := e.approvals.Request(ctx, in.RunID, in.StepIndex, in.RequestedBy, in.Reason, in.ExpirySeconds)
		if err != nil {
			return requestApprovalOutput{}, err
		}
		return requestApprovalOutput{Approval: a}, nil
	})(ctx, raw)
}

type awaitApprovalInput struct {
	ApprovalID string
}

type awaitApprovalOutput struct {
	Approval run.Approval
}

// activityAwaitApproval blocks, polling approval.Service's own rendezvous,
// until the Approval is decided or expires. It is given a generous
// activity timeout derived from the Approval's own expiry so a long human
// wait does not collide with the engine's default per-activity deadline.
func (e *Executor) activityAwaitApproval(ctx context.Context, raw []byte) ([]byte, error) {
	return jsonActivity(func(ctx context.Context, in awaitApprovalInput) (awaitApprovalOutput, error) {
		a, err := e.approvals.Wait(ctx, in.ApprovalID, e.approvalPollInterval)
		if err != nil {
			return awaitApprovalOutput{}, err
		}
		return awaitApprovalOutput{Approval: a}, nil
	})(ctx, raw)
}

// --- invoke ---

type invokeStepInput struct {
	Tool       string
	Args       map[string]any
	RunContext run.Context
	Shadow     bool
}

type invokeStepOutput struct {
	Result       adapter.Result
	ErrorKind    string
	ErrorMessage string
	Attempts     int
}

// activityInvokeStep implements step 6's retry loop: only
// runerr.AdapterTransient/AdapterTimeout are retried, up to
// RetryConfig.MaxAttempts attempts total, with exponential backoff and
// jitter between attempts (each sleep is drawn from [backoff/2, 3*backoff/2)).
func (e *Executor) activityInvokeStep(ctx context.Context, raw []byte) ([]byte, error) {
	return jsonActivity(func(ctx context.Context, in invokeStepInput) (invokeStepOutput, error) {
		if in.Shadow {
			res := shadowAdapter{}.record(in.Tool, in.Args)
			return invokeStepOutput{Result: res, Attempts: 1}, nil
		}

		var lastErr error
		backoff := e.retry.InitialBackoff
		for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
			res, err := e.adapters.Invoke(ctx, in.Tool, in.Args, in.RunContext)
			if err == nil {
				return invokeStepOutput{Result: res, Attempts: attempt}, nil
			}
			lastErr = err
			if !runerr.IsRetryable(err) || attempt == e.retry.MaxAttempts {
				return invokeStepOutput{
					Result:       res,
					ErrorKind:    string(runerr.KindOf(err)),
					ErrorMessage: err.Error(),
					Attempts:     attempt,
				}, nil
			}
			sleep := time.Duration(rand.Int63n(int64(backoff))) + backoff/2
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				return invokeStepOutput{}, ctx.Err()
			}
			backoff = time.Duration(float64(backoff) * e.retry.BackoffFactor)
			if backoff > e.retry.MaxBackoff {
				backoff = e.retry.MaxBackoff
			}
		}
		return invokeStepOutput{ErrorKind: string(runerr.KindOf(lastErr)), ErrorMessage: lastErr.Error()}, nil
	})(ctx, raw)
}

// --- record ---

type recordStepInput struct {
	Step run.Step
}

type recordStepOutput struct{}

func (e *Executor) activityRecordStep(ctx context.Context, raw []byte) ([]byte, error) {
	return jsonActivity(func(ctx context.Context, in recordStepInput) (recordStepOutput, error) {
		if err := e.store.SaveStep(ctx, in.Step); err != nil {
			return recordStepOutput{}, runerr.Wrap(runerr.Store, "save_step", err)
		}
		return recordStepOutput{}, nil
	})(ctx, raw)
}

// --- compensate ---

type compensateStepInput struct {
	RunID          string
	OriginalIndex  int
	NewIndex       int
	CompensateTool string
	Args           map[string]any
	RunContext     run.Context
}

type compensateStepOutput struct {
	Step run.Step
}

func (e *Executor) activityCompensateStep(ctx context.Context, raw []byte) ([]byte, error) {
	return jsonActivity(func(ctx context.Context, in compensateStepInput) (compensateStepOutput, error) {
		s := run.Step{
			ID:                   fmt.Sprintf("%s-step%d-compensate", in.RunID, in.NewIndex),
			RunID:                in.RunID,
			Index:                in.NewIndex,
			Name:                 "compensate:" + in.CompensateTool,
			Tool:                 in.CompensateTool,
			Args:                 in.Args,
			Status:               run.StepRunning,
			StartedAt:            time.Now().UTC(),
			CompensatesStepIndex: in.OriginalIndex,
		}
		res, err := e.adapters.Invoke(ctx, in.CompensateTool, in.Args, in.RunContext)
		s.FinishedAt = time.Now().UTC()
		if err != nil {
			s.Status = run.StepFailed
			s.Error = err.Error()
			s.ErrorKind = string(runerr.KindOf(err))
		} else {
			s.Status = run.StepCompensated
			s.Output = res.Output
			s.Usage = res.Usage
		}
		if saveErr := e.store.SaveStep(ctx, s); saveErr != nil {
			return compensateStepOutput{}, runerr.Wrap(runerr.Store, "save_compensation_step", saveErr)
		}
		return compensateStepOutput{Step: s}, nil
	})(ctx, raw)
}

// --- audit ---

type auditAppendInput struct {
	Event audit.Event
}

type auditAppendOutput struct {
	Event audit.Event
}

func (e *Executor) activityAuditAppend(ctx context.Context, raw []byte) ([]byte, error) {
	return jsonActivity(func(ctx context.Context, in auditAppendInput) (auditAppendOutput, error) {
		persisted, err := e.audit.Append(ctx, in.Event)
		if err != nil {
			return auditAppendOutput{}, err
		}
		return auditAppendOutput{Event: persisted}, nil
	})(ctx, raw)
}

// --- run save ---

type saveRunInput struct {
	Run run.Run
}

type saveRunOutput struct{}

func (e *Executor) activitySaveRun(ctx context.Context, raw []byte) ([]byte, error) {
	return jsonActivity(func(ctx context.Context, in saveRunInput) (saveRunOutput, error) {
		if err := e.store.SaveRun(ctx, in.Run); err != nil {
			return saveRunOutput{}, runerr.Wrap(runerr.Store, "save_run", err)
		}
		return saveRunOutput{}, nil
	})(ctx, raw)
}
