package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sony/gobreaker"

	"github.com/runctl/engine/run"
	"github.com/runctl/engine/runerr"
)

// Registry is the read-only-after-startup mapping from tool id to Adapter
// (spec §5: "The Adapter Registry is read-only after startup"). Register
// must complete before the executor begins serving Runs; Registry itself
// provides no mutation guard beyond documentation of that contract.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	schemas  map[string]*jsonschema.Schema
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		schemas:  make(map[string]*jsonschema.Schema),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Register compiles a's argument schema (if present) and adds it to the
// registry, wrapping its invocation in a per-tool circuit breaker: five
// consecutive transient/timeout failures trip the breaker for 30s, after
// which invocations fail fast with KindTransient (so the executor's
// existing retry path handles circuit-open the same way it handles any
// other transient failure, without a new error case).
func (r *Registry) Register(a Adapter) error {
	if a.Spec.ID == "" {
		return fmt.Errorf("adapter: tool id is required")
	}
	if a.Invoke == nil {
		return fmt.Errorf("adapter: %s: invoke function is required", a.Spec.ID)
	}
	var compiled *jsonschema.Schema
	if len(a.Spec.Schema) > 0 {
		c := jsonschema.NewCompiler()
		var doc any
		if err := json.Unmarshal(a.Spec.Schema, &doc); err != nil {
			return fmt.Errorf("adapter: %s: invalid schema: %w", a.Spec.ID, err)
		}
		if err := c.AddResource(a.Spec.ID+"#", doc); err != nil {
			return fmt.Errorf("adapter: %s: invalid schema: %w", a.Spec.ID, err)
		}
		sch, err := c.Compile(a.Spec.ID + "#")
		if err != nil {
			return fmt.Errorf("adapter: %s: compile schema: %w", a.Spec.ID, err)
		}
		compiled = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Spec.ID] = a
	if compiled != nil {
		r.schemas[a.Spec.ID] = compiled
	}
	r.breakers[a.Spec.ID] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        a.Spec.ID,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return nil
}

// Lookup returns the Spec for tool, if registered.
func (r *Registry) Lookup(tool string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[tool]
	return a.Spec, ok
}

// ValidateArgs checks args against tool's compiled JSON schema, if any.
// Returns a JSON-pointer-bearing error (wrapped in a ValidationError) on
// the first failing constraint, matching spec §4.2 step 2's
// "schema_violation" reason.
func (r *Registry) ValidateArgs(tool string, args map[string]any) error {
	r.mu.RLock()
	schema, ok := r.schemas[tool]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := schema.Validate(args); err != nil {
		return runerr.Wrap(runerr.Validation, "schema_violation", err)
	}
	return nil
}

// Invoke runs tool's adapter through its circuit breaker, enforcing the
// adapter's wall-clock budget with a context deadline. Only KindTransient
// and KindTimeout errors trip the breaker's failure counter; KindPermanent,
// KindValidationFailed, KindPreconditionFailed, and KindUnauthorized are
// caller errors and do not indicate the effector is unhealthy.
func (r *Registry) Invoke(ctx context.Context, tool string, args map[string]any, ctxRun run.Context) (Result, error) {
	r.mu.RLock()
	a, ok := r.adapters[tool]
	breaker := r.breakers[tool]
	r.mu.RUnlock()
	if !ok {
		return Result{}, runerr.New(runerr.Validation, "tool_unknown")
	}

	budget := a.Spec.WallBudget()
	invokeCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	out, err := breaker.Execute(func() (any, error) {
		res, invokeErr := a.Invoke(invokeCtx, args, ctxRun)
		if invokeErr != nil {
			return Result{}, invokeErr
		}
		if res.Err != nil && (res.Err.Kind == KindTransient || res.Err.Kind == KindTimeout) {
			return res, res.Err
		}
		return res, nil
	})
	elapsed := time.Since(start)

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Result{Usage: run.Usage{WallMS: elapsed.Milliseconds()}}, runerr.Wrap(runerr.AdapterTransient, "circuit_open", err)
		}
		if invokeCtx.Err() != nil {
			return Result{Usage: run.Usage{WallMS: elapsed.Milliseconds()}}, runerr.Wrap(runerr.AdapterTimeout, "deadline_exceeded", err)
		}
		if aerr, ok := out.(Result); ok && aerr.Err != nil {
			return aerr, toRunErr(aerr.Err)
		}
		return Result{}, runerr.Wrap(runerr.Internal, "adapter_invoke", err)
	}

	res, _ := out.(Result)
	if res.Usage.WallMS == 0 {
		res.Usage.WallMS = elapsed.Milliseconds()
	}
	if res.Err != nil {
		return res, toRunErr(res.Err)
	}
	return res, nil
}

func toRunErr(e *Error) error {
	switch e.Kind {
	case KindTransient:
		return runerr.Wrap(runerr.AdapterTransient, e.Message, e)
	case KindTimeout:
		return runerr.Wrap(runerr.AdapterTimeout, e.Message, e)
	case KindUnauthorized:
		return runerr.Wrap(runerr.AdapterUnauthorized, e.Message, e)
	case KindValidationFailed, KindPreconditionFailed:
		return runerr.Wrap(runerr.Validation, e.Message, e)
	default:
		return runerr.Wrap(runerr.AdapterPermanent, e.Message, e)
	}
}
