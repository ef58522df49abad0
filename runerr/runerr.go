// Package runerr defines the error taxonomy shared by every component of the
// runbook execution engine. Errors carry a stable Kind so callers (the
// executor, telemetry, GetRun responses) can classify failures without
// string matching, and wrap an underlying cause for %w-based chains.
package runerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the stable error categories surfaced to callers and used
// by the executor to decide retry/propagation behavior.
type Kind string

const (
	// Validation marks a malformed runbook, malformed tool args, or malformed
	// policy document.
	Validation Kind = "validation_failed"
	// Policy marks a block decision or an approval resolved as denied/expired.
	Policy Kind = "policy_error"
	// AdapterTransient marks a retryable transport or rate-limit failure from
	// an adapter invocation.
	AdapterTransient Kind = "transient"
	// AdapterPermanent marks a definitive effector failure.
	AdapterPermanent Kind = "permanent"
	// AdapterTimeout marks an adapter invocation that exceeded its deadline.
	AdapterTimeout Kind = "timeout"
	// AdapterUnauthorized marks an adapter invocation rejected for lack of
	// credentials or permission.
	AdapterUnauthorized Kind = "unauthorized"
	// AgentMalformed marks an LLM planner/toolcaller/reviewer response that
	// failed schema validation after all retries.
	AgentMalformed Kind = "agent_malformed"
	// Store marks a persistence failure (Run Store or Audit Log).
	Store Kind = "store_error"
	// Concurrency marks a lost lease or a duplicate run id.
	Concurrency Kind = "concurrency_error"
	// Internal marks an otherwise-unclassified bug.
	Internal Kind = "internal"
)

// Error is the concrete error type produced by the engine. Kind is stable
// and intended for callers to switch on; Reason is a short machine-readable
// code (e.g. "tool_not_allowed", "budget_exceeded:cost_usd"); Cause is the
// wrapped underlying error, if any.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
}

// Unwrap returns the wrapped cause so errors.Is/errors.As traverse it.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with the given kind and reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds an Error with the given kind and reason, wrapping cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, otherwise
// Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsRetryable reports whether the executor should retry the operation that
// produced err. Only AdapterTransient and AdapterTimeout are retryable per
// the propagation rules in the error handling design.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == AdapterTransient || k == AdapterTimeout
}
