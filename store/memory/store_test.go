package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/runctl/engine/run"
	"github.com/runctl/engine/store/memory"
)

func TestCreateRunRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	r := run.Run{ID: "run-1", TenantID: "acme", Status: run.StatusPending}

	require.NoError(t, s.CreateRun(ctx, r))
	err := s.CreateRun(ctx, r)
	require.ErrorIs(t, err, run.ErrConflict)
}

func TestLoadRunScopesByTenant(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateRun(ctx, run.Run{ID: "run-1", TenantID: "acme"}))

	_, err := s.LoadRun(ctx, "other-tenant", "run-1")
	require.ErrorIs(t, err, run.ErrNotFound)

	loaded, err := s.LoadRun(ctx, "acme", "run-1")
	require.NoError(t, err)
	require.Equal(t, "run-1", loaded.ID)
}

func TestStepRoundTripAndOrdering(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	require.NoError(t, s.CreateRun(ctx, run.Run{ID: "run-1", TenantID: "acme"}))

	require.NoError(t, s.SaveStep(ctx, run.Step{RunID: "run-1", Index: 1, Name: "second", Status: run.StepPending}))
	require.NoError(t, s.SaveStep(ctx, run.Step{RunID: "run-1", Index: 0, Name: "first", Status: run.StepPending}))

	steps, err := s.ListSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, "first", steps[0].Name)
	require.Equal(t, "second", steps[1].Name)

	step, err := s.LoadStep(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Equal(t, "first", step.Name)

	_, err = s.LoadStep(ctx, "run-1", 5)
	require.ErrorIs(t, err, run.ErrNotFound)
}

func TestApprovalLifecycleAndPendingIndex(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	a := run.Approval{ID: "appr-1", RunID: "run-1", StepIndex: 2, State: run.ApprovalPending, RequestedAt: time.Now()}
	require.NoError(t, s.SaveApproval(ctx, a))

	pending, ok, err := s.PendingApprovalFor(ctx, "run-1", 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "appr-1", pending.ID)

	all, err := s.ListPendingApprovals(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	a.State = run.ApprovalApproved
	require.NoError(t, s.SaveApproval(ctx, a))

	_, ok, err = s.PendingApprovalFor(ctx, "run-1", 2)
	require.NoError(t, err)
	require.False(t, ok)

	all, err = s.ListPendingApprovals(ctx)
	require.NoError(t, err)
	require.Empty(t, all)

	loaded, err := s.LoadApproval(ctx, "appr-1")
	require.NoError(t, err)
	require.Equal(t, run.ApprovalApproved, loaded.State)
}
