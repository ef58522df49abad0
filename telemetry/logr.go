package telemetry

import (
	"context"

	"github.com/go-logr/logr"
)

// logrLogger adapts a logr.Logger (typically backed by zapr over
// go.uber.org/zap in production, mirroring the logging stack used across the
// retrieved pack) to the engine's Logger contract.
type logrLogger struct {
	l logr.Logger
}

// NewLogrLogger wraps l as a Logger. Debug/Info map to V(1)/V(0); Warn has no
// direct logr equivalent and is emitted at V(0) tagged with level=warn so it
// remains visible at default verbosity; Error uses logr's Error sink.
func NewLogrLogger(l logr.Logger) Logger {
	return &logrLogger{l: l}
}

func (g *logrLogger) Debug(_ context.Context, msg string, kv ...any) {
	g.l.V(1).Info(msg, kv...)
}

func (g *logrLogger) Info(_ context.Context, msg string, kv ...any) {
	g.l.V(0).Info(msg, kv...)
}

func (g *logrLogger) Warn(_ context.Context, msg string, kv ...any) {
	g.l.V(0).WithValues("level", "warn").Info(msg, kv...)
}

func (g *logrLogger) Error(_ context.Context, msg string, kv ...any) {
	var err error
	rest := kv
	if len(kv) > 0 {
		if e, ok := kv[0].(error); ok {
			err = e
			rest = kv[1:]
		}
	}
	g.l.Error(err, msg, rest...)
}
