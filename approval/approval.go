// Package approval implements the Approval Service (spec §4.5): a
// human-in-the-loop rendezvous that suspends a run awaiting a decision and
// resumes it once one arrives, or once the Approval's expiry elapses.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runctl/engine/run"
	"github.com/runctl/engine/runerr"
)

// Notifier is told about approval lifecycle events so it can alert humans.
// Implementations must not block Service callers for long; approval/notify
// packages should fire-and-log rather than fail the request.
type Notifier interface {
	Requested(ctx context.Context, a run.Approval)
	Resolved(ctx context.Context, a run.Approval)
	Expired(ctx context.Context, a run.Approval)
}

type noopNotifier struct{}

func (noopNotifier) Requested(context.Context, run.Approval) {}
func (noopNotifier) Resolved(context.Context, run.Approval)  {}
func (noopNotifier) Expired(context.Context, run.Approval)   {}

// Store persists Approval rows and provides the wait rendezvous. The
// in-process implementation (approval/memory) and the Redis-backed one
// (approval/redis) both satisfy this so a single executor or a fleet of
// them can share pending approvals. run.Store itself satisfies Store.
type Store interface {
	SaveApproval(ctx context.Context, a run.Approval) error
	LoadApproval(ctx context.Context, id string) (run.Approval, error)
	PendingApprovalFor(ctx context.Context, runID string, stepIndex int) (run.Approval, bool, error)

	// CompareAndSwapApproval writes next only if the Approval currently
	// stored under next.ID has State == expected, and returns
	// ErrApprovalConflict otherwise. Two concurrent DecideApproval calls on
	// the same pending Approval race here; exactly one of them observes
	// success, the other ErrApprovalConflict, so a human decision and an
	// expiry sweep can never both silently win.
	CompareAndSwapApproval(ctx context.Context, next run.Approval, expected run.ApprovalState) error
}

// ErrApprovalConflict is returned by CompareAndSwapApproval when the stored
// Approval's State no longer matches what the caller expected to overwrite.
// It is the same value as run.ErrConflict, so the conflict a run.Store
// reports is recognized as one.
var ErrApprovalConflict = run.ErrConflict

// Service implements request/decide/wait per spec §4.5.
type Service struct {
	store    Store
	notifier Notifier
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier overrides the default no-op Notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// New builds a Service over store.
func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, notifier: noopNotifier{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ErrSelfApproval is returned by Decide when the decider is the run's own
// caller and the matched policy rule does not set AllowSelfApproval.
var ErrSelfApproval = errors.New("approval: decider must be distinct from the run's caller")

// Request creates a pending Approval for (runID, stepIndex) and returns it.
// Callers are responsible for transitioning the Run's status to
// awaiting_approval; Request only creates the rendezvous record.
func (s *Service) Request(ctx context.Context, runID string, stepIndex int, requestedBy run.Subject, reason string, expirySeconds int) (run.Approval, error) {
	now := time.Now().UTC()
	a := run.Approval{
		ID:          fmt.Sprintf("%s-step%d-%d", runID, stepIndex, now.UnixNano()),
		RunID:       runID,
		StepIndex:   stepIndex,
		RequestedBy: requestedBy,
		Reason:      reason,
		State:       run.ApprovalPending,
		RequestedAt: now,
	}
	if expirySeconds > 0 {
		a.ExpiryAt = now.Add(time.Duration(expirySeconds) * time.Second)
	}
	if err := s.store.SaveApproval(ctx, a); err != nil {
		return run.Approval{}, runerr.Wrap(runerr.Store, "approval: save", err)
	}
	s.notifier.Requested(ctx, a)
	return a, nil
}

// Decide resolves a pending Approval. callerSubjectID is the run's caller;
// allowSelfApproval must come from the matched policy rule
// (policydoc.ApprovalRule.AllowSelfApproval).
func (s *Service) Decide(ctx context.Context, approvalID string, decider run.Subject, callerSubjectID string, allowSelfApproval bool, approved bool, comment string) (run.Approval, error) {
	a, err := s.store.LoadApproval(ctx, approvalID)
	if err != nil {
		return run.Approval{}, runerr.Wrap(runerr.Store, "approval: load", err)
	}
	if a.State != run.ApprovalPending {
		return run.Approval{}, runerr.New(runerr.Validation, "approval: not pending")
	}
	if !allowSelfApproval && decider.ID == callerSubjectID {
		return run.Approval{}, runerr.Wrap(runerr.Validation, "approval: self-approval not allowed", ErrSelfApproval)
	}

	a.Decider = decider.ID
	a.DecidedAt = time.Now().UTC()
	a.Comment = comment
	if approved {
		a.State = run.ApprovalApproved
	} else {
		a.State = run.ApprovalDenied
	}
	if err := s.store.CompareAndSwapApproval(ctx, a, run.ApprovalPending); err != nil {
		if errors.Is(err, ErrApprovalConflict) {
			return run.Approval{}, runerr.Wrap(runerr.Concurrency, "approval: conflict", err)
		}
		return run.Approval{}, runerr.Wrap(runerr.Store, "approval: save decision", err)
	}
	s.notifier.Resolved(ctx, a)
	return a, nil
}

// Wait blocks until approvalID reaches a terminal state or deadline passes,
// polling the store. Cooperative: a waiter observing ctx.Done() returns
// without mutating the Approval, so another waiter (or the executor
// resuming after a process restart) can still observe the eventual
// decision — the Approval itself, not the waiter, is authoritative (spec §5).
func (s *Service) Wait(ctx context.Context, approvalID string, pollInterval time.Duration) (run.Approval, error) {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		a, err := s.store.LoadApproval(ctx, approvalID)
		if err != nil {
			return run.Approval{}, runerr.Wrap(runerr.Store, "approval: load", err)
		}
		if a.State.IsTerminal() {
			return a, nil
		}
		if !a.ExpiryAt.IsZero() && time.Now().UTC().After(a.ExpiryAt) {
			expired, err := s.expire(ctx, a)
			if err != nil {
				return run.Approval{}, err
			}
			return expired, nil
		}
		select {
		case <-ctx.Done():
			return run.Approval{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep expires every pending Approval in approvals whose ExpiryAt has
// passed. Used by a periodic sweeper (approval/cron) so an Approval still
// expires even when nothing is actively waiting on it.
func (s *Service) Sweep(ctx context.Context, approvals []run.Approval) (int, error) {
	now := time.Now().UTC()
	expired := 0
	for _, a := range approvals {
		if a.State != run.ApprovalPending || a.ExpiryAt.IsZero() || now.Before(a.ExpiryAt) {
			continue
		}
		if _, err := s.expire(ctx, a); err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// expire races CompareAndSwapApproval against a concurrent Decide on the
// same Approval. Losing that race is not itself a failure: it means a human
// decision landed first, so expire simply reloads and returns the Approval
// as it was actually resolved rather than clobbering it with an expiry.
func (s *Service) expire(ctx context.Context, a run.Approval) (run.Approval, error) {
	a.State = run.ApprovalExpired
	a.DecidedAt = time.Now().UTC()
	if err := s.store.CompareAndSwapApproval(ctx, a, run.ApprovalPending); err != nil {
		if errors.Is(err, ErrApprovalConflict) {
			current, loadErr := s.store.LoadApproval(ctx, a.ID)
			if loadErr != nil {
				return run.Approval{}, runerr.Wrap(runerr.Store, "approval: load after expiry conflict", loadErr)
			}
			return current, nil
		}
		return run.Approval{}, runerr.Wrap(runerr.Store, "approval: save expiry", err)
	}
	s.notifier.Expired(ctx, a)
	return a, nil
}
