package run

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store lookups when the requested Run, Step, or
// Approval does not exist.
var ErrNotFound = errors.New("run: not found")

// Store is the persisted projection of Run, Step, and Approval records
// (spec §4.8). It is the read-side the external GetRun/StreamRunEvents
// surface is built on; the audit chain (package audit) remains the sole
// source of truth for "what happened". Implementations must offer
// at-least-once durability and read-your-writes within a tenant.
type Store interface {
	// CreateRun persists a new Run in StatusPending. Returns ErrConflict if a
	// Run with the same ID (idempotency key) already exists; callers should
	// treat that as "duplicate submit" and return the existing Run (spec §8).
	CreateRun(ctx context.Context, r Run) error

	// LoadRun retrieves a Run by ID. Returns ErrNotFound if absent.
	LoadRun(ctx context.Context, tenantID, runID string) (Run, error)

	// SaveRun persists the full Run row, including Status and Metrics. The
	// executor is the single writer per run (spec §5); callers other than
	// the executor holding the run's lease must not call this.
	SaveRun(ctx context.Context, r Run) error

	// SaveStep creates or updates the Step row keyed by (RunID, Index). It
	// does not check that the lower indexes of the run already exist.
	SaveStep(ctx context.Context, s Step) error

	// LoadStep retrieves a single Step by (runID, index). Returns
	// ErrNotFound if absent, which the executor's Materialize phase (spec
	// §4.7 step 1) treats as "create a fresh pending Step".
	LoadStep(ctx context.Context, runID string, index int) (Step, error)

	// ListSteps returns every Step persisted for runID, ordered by Index.
	ListSteps(ctx context.Context, runID string) ([]Step, error)

	// SaveApproval creates or updates an Approval row.
	SaveApproval(ctx context.Context, a Approval) error

	// LoadApproval retrieves an Approval by ID. Returns ErrNotFound if
	// absent.
	LoadApproval(ctx context.Context, id string) (Approval, error)

	// PendingApprovalFor returns the single non-terminal Approval for
	// (runID, stepIndex), if any. The bool is false if none exists.
	PendingApprovalFor(ctx context.Context, runID string, stepIndex int) (Approval, bool, error)

	// CompareAndSwapApproval writes next only if the Approval currently
	// stored under next.ID has State == expected, and returns ErrConflict
	// otherwise (spec §8: "exactly one succeeds" when a human decision races
	// an expiry sweep over the same Approval).
	CompareAndSwapApproval(ctx context.Context, next Approval, expected ApprovalState) error
}

// ErrConflict is returned by CreateRun when a Run with the same ID already
// exists, and by approval decision races (spec §8: "exactly one succeeds").
var ErrConflict = errors.New("run: conflict")
