// Package runctl is the top-level facade over the runbook execution
// engine: it exposes exactly the invocation surface spec §6 names
// (SubmitRun, CancelRun, DecideApproval, GetRun, StreamRunEvents) over an
// already-wired executor.Executor and audit.Chain, so a transport binding
// (gRPC, HTTP, CLI) has one small interface to adapt rather than reaching
// into package internals.
package runctl

import (
	"context"
	"fmt"

	"github.com/runctl/engine/audit"
	"github.com/runctl/engine/executor"
	"github.com/runctl/engine/run"
	"github.com/runctl/engine/runbook"
)

// RunEvent is one entry in a StreamRunEvents sequence, projected from the
// audit chain (spec §6: "ordered sequence of {step_started, step_finished,
// approval_requested, approval_resolved, run_terminated}").
type RunEvent struct {
	Seq    int64
	Action string
	Step   int
	Detail map[string]any
}

// Service is the runbook execution engine's external surface.
type Service struct {
	exec  *executor.Executor
	audit *audit.Chain
}

// New builds a Service over an already-constructed Executor and audit
// Chain (the same Chain instance the Executor's activities append to).
func New(exec *executor.Executor, chain *audit.Chain) *Service {
	return &Service{exec: exec, audit: chain}
}

// SubmitRun parses a runbook document, resolves it against the tenant's
// active policy, and starts a new Run. Returns the created Run as it was
// persisted at submission (StatusPending), not just its ID, so callers
// avoid an immediate round-trip to GetRun.
func (s *Service) SubmitRun(ctx context.Context, runbookDoc []byte, mode run.Mode, rc run.Context, caller run.Subject) (run.Run, error) {
	rb, err := runbook.Parse(runbookDoc)
	if err != nil {
		return run.Run{}, fmt.Errorf("runctl: parse runbook: %w", err)
	}
	return s.exec.SubmitRun(ctx, rb, mode, rc, caller)
}

// CancelRun requests cancellation of an in-flight Run (observed at the
// next safe point, per spec §5).
func (s *Service) CancelRun(ctx context.Context, runID string, caller run.Subject) error {
	return s.exec.CancelRun(ctx, runID, caller)
}

// DecideApproval resolves a pending Approval. allowSelfApproval should come
// from the matching policy ApprovalRule, not from the caller.
func (s *Service) DecideApproval(ctx context.Context, approvalID string, decider run.Subject, callerSubjectID string, allowSelfApproval bool, approved bool, comment string) (run.Approval, error) {
	return s.exec.DecideApproval(ctx, approvalID, decider, callerSubjectID, allowSelfApproval, approved, comment)
}

// GetRun returns a Run, its Steps, and its rolled-up Metrics as currently
// persisted.
func (s *Service) GetRun(ctx context.Context, tenantID, runID string) (run.Run, []run.Step, error) {
	return s.exec.GetRun(ctx, tenantID, runID)
}

// StreamRunEvents returns runID's audit events from after cursor onward,
// projected into the {step_started, step_finished, approval_requested,
// approval_resolved, run_terminated} shape spec §6 names. Callers restart
// a live stream by passing the last Seq they saw back in as cursor.
func (s *Service) StreamRunEvents(ctx context.Context, tenantID, runID string, cursor int64) ([]RunEvent, error) {
	events, err := s.audit.Range(ctx, tenantID, cursor+1, -1)
	if err != nil {
		return nil, fmt.Errorf("runctl: stream run events: %w", err)
	}
	out := make([]RunEvent, 0, len(events))
	for _, e := range events {
		if e.ResourceKind == "run" && e.ResourceID != runID {
			continue
		}
		if e.ResourceKind == "step" && !stepBelongsToRun(e.ResourceID, runID) {
			continue
		}
		out = append(out, RunEvent{Seq: e.Seq, Action: e.Action, Detail: e.Payload})
	}
	return out, nil
}

func stepBelongsToRun(resourceID, runID string) bool {
	return len(resourceID) > len(runID) && resourceID[:len(runID)] == runID && resourceID[len(runID)] == '/'
}
