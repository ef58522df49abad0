// Package temporal adapts engine.Engine onto a real Temporal worker via
// go.temporal.io/sdk, grounded directly on goa-ai's own
// agents/runtime/engine/temporal/workflow_context.go: a WorkflowContext
// wraps workflow.Context, ExecuteActivity(Async) goes through
// workflow.ExecuteActivity with per-activity-name options, and signals go
// through workflow.GetSignalChannel. Unlike engine/inproc, a Run driven by
// this engine survives process restarts via Temporal's own event-history
// replay, so the executor's workflow body must stay deterministic: no
// direct time.Now, no direct randomness, every side effect through
// ExecuteActivity.
package temporal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/runctl/engine/engine"
	"github.com/runctl/engine/telemetry"
)

const runbookWorkflowName = "runctl.RunbookWorkflow"

// Engine adapts engine.Engine onto a Temporal client + worker pair. One
// Engine owns exactly one WorkflowBody: the executor's run loop, registered
// under runbookWorkflowName so every Run's workflow type is identical and
// only its input varies.
type Engine struct {
	client       client.Client
	worker       worker.Worker
	taskQueue    string
	defaultQueue string
	body         engine.WorkflowBody
	logger       telemetry.Logger
	metrics      telemetry.Metrics
	tracer       telemetry.Tracer

	mu              sync.Mutex
	activities      map[string]engine.ActivityHandler
	activityOptions map[string]engine.ActivityOptions
}

// New builds an Engine bound to an already-constructed Temporal worker and
// client. body is the single workflow implementation every Run executes;
// New registers it under runbookWorkflowName.
func New(c client.Client, w worker.Worker, taskQueue string, body engine.WorkflowBody, opts ...Option) *Engine {
	e := &Engine{
		client:          c,
		worker:          w,
		taskQueue:       taskQueue,
		defaultQueue:    taskQueue,
		body:            body,
		logger:          telemetry.NewNoopLogger(),
		metrics:         telemetry.NewNoopMetrics(),
		tracer:          telemetry.NewNoopTracer(),
		activities:      make(map[string]engine.ActivityHandler),
		activityOptions: make(map[string]engine.ActivityOptions),
	}
	for _, o := range opts {
		o(e)
	}
	w.RegisterWorkflowWithOptions(e.workflowEntryPoint, workflow.RegisterOptions{Name: runbookWorkflowName})
	return e
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l telemetry.Logger) Option   { return func(e *Engine) { e.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(e *Engine) { e.tracer = t } }

// WithActivityDefaults sets the Queue/Timeout/RetryPolicy used for name when
// an ActivityRequest doesn't override them.
func WithActivityDefaults(name string, opts engine.ActivityOptions) Option {
	return func(e *Engine) { e.activityOptions[name] = opts }
}

func (e *Engine) RegisterActivity(name string, h engine.ActivityHandler) {
	e.mu.Lock()
	e.activities[name] = h
	e.mu.Unlock()
	e.worker.RegisterActivityWithOptions(func(ctx context.Context, input []byte) ([]byte, error) {
		return h(ctx, input)
	}, activity.RegisterOptions{Name: name})
}

// workflowEntryPoint is the single Temporal workflow function every Run
// executes; it wraps workflow.Context in a WorkflowContext and defers to
// the registered WorkflowBody, matching the executor's run loop exactly as
// it behaves under engine/inproc.
func (e *Engine) workflowEntryPoint(ctx workflow.Context, input []byte) ([]byte, error) {
	info := workflow.GetInfo(ctx)
	wfCtx := &workflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
	}
	return e.body(wfCtx, input)
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

func (e *Engine) StartWorkflow(ctx context.Context, _ engine.WorkflowBody, input []byte, opts engine.StartOptions) (engine.WorkflowHandle, error) {
	queue := opts.TaskQueue
	if queue == "" {
		queue = e.taskQueue
	}
	startOpts := client.StartWorkflowOptions{
		ID:                    opts.ID,
		TaskQueue:             queue,
		Memo:                  opts.Memo,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	run, err := e.client.ExecuteWorkflow(ctx, startOpts, runbookWorkflowName, input)
	if err != nil {
		return nil, fmt.Errorf("engine/temporal: start workflow: %w", err)
	}
	return &workflowHandle{client: e.client, run: run}, nil
}

func (e *Engine) GetWorkflow(_ context.Context, id string) (engine.WorkflowHandle, error) {
	run := e.client.GetWorkflow(context.Background(), id, "")
	return &workflowHandle{client: e.client, run: run}, nil
}

type workflowHandle struct {
	client client.Client
	run    client.WorkflowRun
}

func (h *workflowHandle) ID() string { return h.run.GetID() }

func (h *workflowHandle) Wait(ctx context.Context, result any) error {
	var raw []byte
	if err := h.run.Get(ctx, &raw); err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, result)
}

func (h *workflowHandle) Signal(ctx context.Context, name string, arg any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, arg)
}

type workflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
}

func (w *workflowContext) Context() context.Context {
	return engine.WithWorkflowContext(context.Background(), w)
}
func (w *workflowContext) WorkflowID() string        { return w.workflowID }
func (w *workflowContext) RunID() string             { return w.runID }
func (w *workflowContext) Logger() telemetry.Logger   { return w.engine.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return w.engine.metrics }
func (w *workflowContext) Tracer() telemetry.Tracer   { return w.engine.tracer }

func (w *workflowContext) ExecuteActivity(_ context.Context, req engine.ActivityRequest, result any) error {
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(req))
	fut := workflow.ExecuteActivity(actx, req.Name, mustMarshal(req.Input))
	var raw []byte
	if err := fut.Get(w.ctx, &raw); err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, result)
}

func (w *workflowContext) ExecuteActivityAsync(_ context.Context, req engine.ActivityRequest) (engine.Future, error) {
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(req))
	fut := workflow.ExecuteActivity(actx, req.Name, mustMarshal(req.Input))
	return &future{future: fut, ctx: w.ctx}, nil
}

func (w *workflowContext) SignalChannel(name string) engine.SignalChannel {
	return &signalChannel{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, name)}
}

func (w *workflowContext) activityOptionsFor(req engine.ActivityRequest) workflow.ActivityOptions {
	defaults := w.engine.activityDefaultsFor(req.Name)

	queue := req.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.engine.defaultQueue
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	retry := mergeRetryPolicies(defaults.RetryPolicy, req.RetryPolicy)

	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		TaskQueue:           queue,
		RetryPolicy:         convertRetryPolicy(retry),
	}
}

type future struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *future) Get(_ context.Context, result any) error {
	var raw []byte
	if err := f.future.Get(f.ctx, &raw); err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, result)
}

func (f *future) IsReady() bool { return f.future.IsReady() }

type signalChannel struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (c *signalChannel) Receive(_ context.Context, dest any) error {
	var raw []byte
	c.ch.Receive(c.ctx, &raw)
	if dest == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func (c *signalChannel) ReceiveAsync(dest any) bool {
	var raw []byte
	if !c.ch.ReceiveAsync(&raw) {
		return false
	}
	if dest != nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, dest)
	}
	return true
}

func mergeRetryPolicies(base, override engine.RetryPolicy) engine.RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	return result
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
