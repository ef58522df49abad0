// Package telemetry defines the logging, metrics, and tracing contracts the
// engine emits through. Every component accepts a Logger, Metrics, and
// Tracer rather than reaching for a global; no-op implementations are
// substituted when a caller leaves them unset, so the engine is usable
// without a telemetry backend configured.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
)

type (
	// Logger emits structured key-value log lines. Implementations should
	// treat the key-value pairs as alternating key/value arguments, matching
	// the convention used by github.com/go-logr/logr.
	Logger interface {
		Debug(ctx context.Context, msg string, kv ...any)
		Info(ctx context.Context, msg string, kv ...any)
		Warn(ctx context.Context, msg string, kv ...any)
		Error(ctx context.Context, msg string, kv ...any)
	}

	// Metrics records named counters, timers, and gauges. The executor emits
	// two counters through it, runs_started and hallucinations; no other
	// counter and no timer or gauge is recorded by the engine itself.
	Metrics interface {
		IncCounter(name string, value float64, labels ...string)
		RecordTimer(name string, d time.Duration, labels ...string)
		RecordGauge(name string, value float64, labels ...string)
	}

	// Tracer starts spans covering gate+invoke+record for each step, and any
	// other unit of work worth tracing (policy evaluation, adapter calls,
	// agent pipeline turns).
	Tracer interface {
		// Start begins a new span named name as a child of any span already
		// present in ctx, returning a context carrying the new span.
		Start(ctx context.Context, name string, kv ...any) (context.Context, Span)
		// Span returns the span currently active in ctx, or a no-op span if
		// none is present.
		Span(ctx context.Context) Span
	}

	// Span is the subset of span operations the engine needs. It mirrors
	// OpenTelemetry's trace.Span closely enough that an OTel-backed Tracer
	// can implement it with a thin wrapper.
	Span interface {
		AddEvent(name string, kv ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error)
		End()
	}

	// ToolTelemetry captures observability metadata collected while invoking
	// an adapter or an LLM-backed agent pipeline role: wall-clock duration,
	// token usage, and estimated cost. Adapters populate whichever fields
	// apply; non-LLM adapters typically set only WallMS.
	ToolTelemetry struct {
		WallMS    int64
		TokensIn  int64
		TokensOut int64
		CostUSD   float64
		Model     string
	}
)
