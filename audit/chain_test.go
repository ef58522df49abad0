package audit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/runctl/engine/audit"
	"github.com/runctl/engine/audit/memory"
)

func TestChainAppendLinksHashes(t *testing.T) {
	ctx := context.Background()
	chain := audit.NewChain(memory.New(), audit.NewRedactor(""))

	first, err := chain.Append(ctx, audit.Event{
		TenantID:     "acme",
		Actor:        "operator-1",
		ActorKind:    audit.ActorUser,
		Action:       audit.ActionRunStarted,
		ResourceKind: "run",
		ResourceID:   "run-1",
	})
	require.NoError(t, err)
	require.Empty(t, first.PrevHash)
	require.NotEmpty(t, first.ThisHash)

	second, err := chain.Append(ctx, audit.Event{
		TenantID:     "acme",
		Actor:        "operator-1",
		ActorKind:    audit.ActorUser,
		Action:       audit.ActionRunSucceeded,
		ResourceKind: "run",
		ResourceID:   "run-1",
	})
	require.NoError(t, err)
	require.Equal(t, first.ThisHash, second.PrevHash)
	require.NotEqual(t, first.ThisHash, second.ThisHash)
}

func TestChainAppendRejectsMissingTenant(t *testing.T) {
	chain := audit.NewChain(memory.New(), audit.NewRedactor(""))
	_, err := chain.Append(context.Background(), audit.Event{Action: audit.ActionRunStarted})
	require.Error(t, err)
}

func TestChainVerifySucceedsOverCleanChain(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	chain := audit.NewChain(store, audit.NewRedactor(""))

	for i := 0; i < 3; i++ {
		_, err := chain.Append(ctx, audit.Event{
			TenantID:     "acme",
			Action:       audit.ActionStepSucceeded,
			ResourceKind: "step",
			ResourceID:   "run-1/0",
		})
		require.NoError(t, err)
	}

	ok, div, err := chain.Verify(ctx, "acme")
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, div)
}

func TestChainVerifyDetectsMismatchedHash(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	chain := audit.NewChain(store, audit.NewRedactor(""))

	_, err := chain.Append(ctx, audit.Event{TenantID: "acme", Action: audit.ActionRunStarted, ResourceKind: "run", ResourceID: "run-1"})
	require.NoError(t, err)

	// Append a second event directly through the Store, bypassing Chain so
	// its ThisHash does not actually chain off the first event's hash.
	_, err = store.Append(ctx, audit.Event{TenantID: "acme", Action: audit.ActionRunSucceeded, PrevHash: "bogus", ThisHash: "bogus"})
	require.NoError(t, err)

	ok, div, err := chain.Verify(ctx, "acme")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(1), div.Seq)
}

func TestChainRangeIsEmptyForUnknownTenant(t *testing.T) {
	chain := audit.NewChain(memory.New(), audit.NewRedactor(""))
	events, err := chain.Range(context.Background(), "nobody", 0, -1)
	require.NoError(t, err)
	require.Empty(t, events)
}
