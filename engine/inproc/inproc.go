// Package inproc implements engine.Engine in-process: a workflow body runs
// as an ordinary goroutine, activities execute as direct function calls,
// and signals are delivered over buffered channels. It durably persists no
// workflow history of its own — durability for engine/inproc comes from the
// executor re-deriving its next action from run.Store on restart (spec §5:
// "the engine need not itself be durable if the executor's state machine
// is"), which is why this is the default engine rather than a toy one.
package inproc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/runctl/engine/engine"
	"github.com/runctl/engine/telemetry"
)

// Engine is the in-process engine.Engine implementation.
type Engine struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	mu         sync.Mutex
	activities map[string]engine.ActivityHandler
	workflows  map[string]*handle
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l telemetry.Logger) Option   { return func(e *Engine) { e.logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(e *Engine) { e.metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(e *Engine) { e.tracer = t } }

// New builds an Engine with no-op telemetry unless overridden.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		tracer:     telemetry.NewNoopTracer(),
		activities: make(map[string]engine.ActivityHandler),
		workflows:  make(map[string]*handle),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) RegisterActivity(name string, h engine.ActivityHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activities[name] = h
}

func (e *Engine) activity(name string) (engine.ActivityHandler, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.activities[name]
	return h, ok
}

// StartWorkflow runs body on a new goroutine and returns immediately with a
// handle. A workflow ID collision resumes the existing handle instead of
// starting a second goroutine, mirroring the idempotent-submit contract
// spec §8 requires of the executor above this engine.
func (e *Engine) StartWorkflow(ctx context.Context, body engine.WorkflowBody, input []byte, opts engine.StartOptions) (engine.WorkflowHandle, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("inproc: workflow id is required")
	}
	e.mu.Lock()
	if existing, ok := e.workflows[opts.ID]; ok {
		e.mu.Unlock()
		return existing, nil
	}
	h := &handle{
		id:      opts.ID,
		done:    make(chan struct{}),
		signals: make(map[string]chan json.RawMessage),
	}
	e.workflows[opts.ID] = h
	e.mu.Unlock()

	wfCtx := &workflowContext{
		engine:     e,
		ctx:        context.Background(),
		workflowID: opts.ID,
		runID:      opts.ID,
		handle:     h,
	}

	go func() {
		result, err := body(wfCtx, input)
		h.mu.Lock()
		h.result = result
		h.err = err
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

func (e *Engine) GetWorkflow(_ context.Context, id string) (engine.WorkflowHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.workflows[id]
	if !ok {
		return nil, fmt.Errorf("inproc: workflow %q not found", id)
	}
	return h, nil
}

type handle struct {
	id   string
	done chan struct{}

	mu      sync.Mutex
	result  []byte
	err     error
	signals map[string]chan json.RawMessage
}

func (h *handle) ID() string { return h.id }

func (h *handle) Wait(ctx context.Context, result any) error {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	if result == nil || len(h.result) == 0 {
		return nil
	}
	return json.Unmarshal(h.result, result)
}

func (h *handle) Signal(ctx context.Context, name string, arg any) error {
	data, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	ch := h.signalChannel(name)
	select {
	case ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) signalChannel(name string) chan json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.signals[name]
	if !ok {
		ch = make(chan json.RawMessage, 16)
		h.signals[name] = ch
	}
	return ch
}

type workflowContext struct {
	engine     *Engine
	ctx        context.Context
	workflowID string
	runID      string
	handle     *handle
}

func (w *workflowContext) Context() context.Context { return engine.WithWorkflowContext(w.ctx, w) }
func (w *workflowContext) WorkflowID() string        { return w.workflowID }
func (w *workflowContext) RunID() string             { return w.runID }
func (w *workflowContext) Logger() telemetry.Logger   { return w.engine.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return w.engine.metrics }
func (w *workflowContext) Tracer() telemetry.Tracer   { return w.engine.tracer }

func (w *workflowContext) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	fut, err := w.ExecuteActivityAsync(ctx, req)
	if err != nil {
		return err
	}
	return fut.Get(ctx, result)
}

func (w *workflowContext) ExecuteActivityAsync(ctx context.Context, req engine.ActivityRequest) (engine.Future, error) {
	handler, ok := w.engine.activity(req.Name)
	if !ok {
		return nil, fmt.Errorf("inproc: activity %q not registered", req.Name)
	}
	input, err := json.Marshal(req.Input)
	if err != nil {
		return nil, fmt.Errorf("inproc: marshal activity input: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	actx, cancel := context.WithTimeout(ctx, timeout)

	f := &future{done: make(chan struct{})}
	go func() {
		defer cancel()
		out, err := handler(actx, input)
		f.mu.Lock()
		f.output = out
		f.err = err
		f.mu.Unlock()
		close(f.done)
	}()
	return f, nil
}

func (w *workflowContext) SignalChannel(name string) engine.SignalChannel {
	return &signalChannel{ch: w.handle.signalChannel(name)}
}

type future struct {
	done chan struct{}

	mu     sync.Mutex
	output []byte
	err    error
}

func (f *future) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *future) Get(ctx context.Context, result any) error {
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if result == nil || len(f.output) == 0 {
		return nil
	}
	return json.Unmarshal(f.output, result)
}

type signalChannel struct {
	ch chan json.RawMessage
}

func (c *signalChannel) Receive(ctx context.Context, dest any) error {
	select {
	case data := <-c.ch:
		if dest == nil {
			return nil
		}
		return json.Unmarshal(data, dest)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *signalChannel) ReceiveAsync(dest any) bool {
	select {
	case data := <-c.ch:
		if dest != nil {
			_ = json.Unmarshal(data, dest)
		}
		return true
	default:
		return false
	}
}
