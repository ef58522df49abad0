// Package engine abstracts the durable-workflow substrate the executor runs
// on: engine/inproc is a single-process, store-durable implementation used
// by default; engine/temporal adapts the same contract onto Temporal so a
// Run survives process restarts via workflow replay instead of store
// re-hydration. The contract is grounded on the coroutine/state-machine
// duality goa-ai's own engine package exposes to its runtime: a workflow
// body is ordinary Go code that calls ExecuteActivity for anything with a
// side effect, and the engine decides whether that call is replayed from
// history or actually invoked.
package engine

import (
	"context"
	"time"

	"github.com/runctl/engine/telemetry"
)

type (
	// RetryPolicy configures activity-level retry independent of any
	// retry the executor performs at the step level (spec §4.7's N=3
	// default lives in the executor; this is the engine's own activity
	// retry, used mainly by engine/temporal).
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// ActivityOptions are the per-activity-name defaults an Engine applies
	// when a request does not override them.
	ActivityOptions struct {
		Queue       string
		Timeout     time.Duration
		RetryPolicy RetryPolicy
	}

	// ActivityRequest names a unit of work with a side effect: one step
	// invocation, one policy decision, one audit append. Name is looked up
	// against the Engine's registered activity handlers.
	ActivityRequest struct {
		Name        string
		Queue       string
		Input       any
		Timeout     time.Duration
		RetryPolicy RetryPolicy
	}

	// Future is the handle to an in-flight ExecuteActivityAsync call.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// SignalChannel receives external signals delivered to a running
	// workflow (spec §5's approval-decision wakeup and cancellation).
	SignalChannel interface {
		Receive(ctx context.Context, dest any) error
		ReceiveAsync(dest any) bool
	}

	// WorkflowContext is what a workflow body (the executor's run loop)
	// uses to do anything with an external effect. Workflow bodies must
	// treat WorkflowContext as the only source of non-determinism; calling
	// time.Now or rand directly inside a workflow body breaks replay on
	// engine/temporal (engine/inproc tolerates it, but code written against
	// one engine should run unmodified against the other).
	WorkflowContext interface {
		Context() context.Context
		WorkflowID() string
		RunID() string
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)
		Logger() telemetry.Logger
		Metrics() telemetry.Metrics
		Tracer() telemetry.Tracer
		SignalChannel(name string) SignalChannel
	}

	// WorkflowHandle is returned by StartWorkflow; callers use it to await
	// the final result or signal the running workflow (e.g. an approval
	// decision or a cancellation request).
	WorkflowHandle interface {
		ID() string
		Wait(ctx context.Context, result any) error
		Signal(ctx context.Context, name string, arg any) error
	}

	// ActivityHandler executes one named activity. Registered once at
	// startup per Engine; input/output are passed through encoding/json so
	// the same handler works whether the engine is in-process or backed by
	// a real activity worker process.
	ActivityHandler func(ctx context.Context, input []byte) ([]byte, error)

	// WorkflowBody is the function the executor supplies: ordinary Go code
	// driving one Run from start to terminal status via wfCtx.
	WorkflowBody func(wfCtx WorkflowContext, input []byte) ([]byte, error)

	// StartOptions configures one StartWorkflow call.
	StartOptions struct {
		ID          string // workflow/run id; must be unique per Engine
		TaskQueue   string
		Memo        map[string]any
		RetryPolicy RetryPolicy
	}

	// Engine starts and drives workflow executions. One Engine instance is
	// shared across all Runs in a process.
	Engine interface {
		RegisterActivity(name string, handler ActivityHandler)
		StartWorkflow(ctx context.Context, body WorkflowBody, input []byte, opts StartOptions) (WorkflowHandle, error)
		GetWorkflow(ctx context.Context, id string) (WorkflowHandle, error)
	}
)

type wfCtxKey struct{}

// WithWorkflowContext returns a child context carrying wf, so activity
// handlers invoked through it can recover the originating WorkflowContext
// (used for nested step invocations that themselves need to call back into
// the engine).
func WithWorkflowContext(ctx context.Context, wf WorkflowContext) context.Context {
	return context.WithValue(ctx, wfCtxKey{}, wf)
}

// WorkflowContextFromContext extracts a WorkflowContext attached by
// WithWorkflowContext, or nil if ctx carries none.
func WorkflowContextFromContext(ctx context.Context) WorkflowContext {
	if v := ctx.Value(wfCtxKey{}); v != nil {
		if wf, ok := v.(WorkflowContext); ok {
			return wf
		}
	}
	return nil
}
