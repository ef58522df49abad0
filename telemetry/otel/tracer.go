// Package otel adapts the engine's telemetry.Tracer contract onto
// OpenTelemetry, so step spans (gate+invoke+record, spec §4.9) flow into
// whatever OTLP exporter the deployment configures.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/runctl/engine/telemetry"
)

// Tracer adapts a trace.Tracer to telemetry.Tracer.
type Tracer struct {
	tracer trace.Tracer
}

// New wraps an OpenTelemetry tracer (obtained via
// otel.Tracer("github.com/runctl/engine")) for use as telemetry.Tracer.
func New(tracer trace.Tracer) *Tracer {
	return &Tracer{tracer: tracer}
}

// Start implements telemetry.Tracer.
func (t *Tracer) Start(ctx context.Context, name string, kv ...any) (context.Context, telemetry.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	s := &spanAdapter{span: span}
	if len(kv) > 0 {
		s.AddEvent("start", kv...)
	}
	return ctx, s
}

// Span implements telemetry.Tracer.
func (t *Tracer) Span(ctx context.Context) telemetry.Span {
	return &spanAdapter{span: trace.SpanFromContext(ctx)}
}

type spanAdapter struct {
	span trace.Span
}

func (s *spanAdapter) AddEvent(name string, kv ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvToAttrs(kv)...))
}

func (s *spanAdapter) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *spanAdapter) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}

func (s *spanAdapter) End() {
	s.span.End()
}

// kvToAttrs converts alternating key/value pairs into OTel attributes,
// stringifying values that aren't already attribute-friendly.
func kvToAttrs(kv []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, stringify(key, kv[i+1]))
	}
	return attrs
}

func stringify(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	case bool:
		return attribute.Bool(key, val)
	default:
		return attribute.String(key, toString(val))
	}
}

func toString(v any) string {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return fmt.Sprintf("%v", v)
}
