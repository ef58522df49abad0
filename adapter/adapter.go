// Package adapter implements the Adapter Registry (spec §4.1): a mapping
// from dotted tool identifier to an effector implementation, each
// describing its argument schema, idempotency, wall-clock budget, and
// classification. Invocation is pure with respect to the registry — an
// adapter may have external side effects but never consults another
// adapter or the run store.
package adapter

import (
	"context"
	"time"

	"github.com/runctl/engine/run"
)

type (
	// Classification marks how cautious the executor and Policy Evaluator
	// must be about invoking a tool.
	Classification string

	// Func is the concrete invocation signature every adapter implements.
	Func func(ctx context.Context, args map[string]any, ctxRun run.Context) (Result, error)

	// Spec is the metadata the registry holds for one tool id, independent
	// of its invocation function — this is what the Policy Evaluator and
	// Toolcaller see.
	Spec struct {
		ID             string
		Schema         []byte // JSON Schema for Args
		Idempotent     bool
		MaxWall        time.Duration // default 60s if zero
		Classification Classification
		CompensatesTo  string // tool id of the inverse operation, if any
		SecretFields   []string
		// EstimatedUsage is a declared bounded upper estimate of one
		// invocation's resource consumption, fed to the Policy Evaluator's
		// budget check (spec §4.2 step 4) before the call is ever made. Zero
		// value means the tool is treated as free, which is correct only for
		// adapters with no meaningful token/cost/latency footprint.
		EstimatedUsage run.Usage
	}

	// Adapter pairs a Spec with its invocation Func.
	Adapter struct {
		Spec    Spec
		Invoke  Func
	}

	// Result is what Adapter.Invoke returns on success (Err is nil) or
	// failure (Err is non-nil, Output/Usage may still carry partial data).
	Result struct {
		Output map[string]any
		Usage  run.Usage
		Err    *Error
	}

	// Error carries the adapter failure taxonomy from spec §4.1: only Kind
	// Transient and Timeout are retried by the executor.
	Error struct {
		Kind    Kind
		Message string
	}

	// Kind enumerates adapter.Error categories.
	Kind string
)

const (
	ClassRead        Classification = "read"
	ClassWrite       Classification = "write"
	ClassDestructive Classification = "destructive"
)

const (
	KindValidationFailed   Kind = "validation_failed"
	KindPreconditionFailed Kind = "precondition_failed"
	KindTransient          Kind = "transient"
	KindPermanent          Kind = "permanent"
	KindTimeout            Kind = "timeout"
	KindUnauthorized       Kind = "unauthorized"
)

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// DefaultMaxWall is the default wall-clock budget (spec §4.1: "default 60s").
const DefaultMaxWall = 60 * time.Second

// WallBudget returns spec.MaxWall, defaulting to DefaultMaxWall when unset.
func (s Spec) WallBudget() time.Duration {
	if s.MaxWall <= 0 {
		return DefaultMaxWall
	}
	return s.MaxWall
}
