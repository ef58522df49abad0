package runerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/runctl/engine/runerr"
)

func TestNewError(t *testing.T) {
	err := runerr.New(runerr.Validation, "bad runbook")
	require.EqualError(t, err, "validation_failed: bad runbook")
	require.Equal(t, runerr.Validation, runerr.KindOf(err))
	require.Nil(t, err.Unwrap())
}

func TestWrapError(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := runerr.Wrap(runerr.AdapterTransient, "invoke echo.say", cause)
	require.EqualError(t, err, "transient: invoke echo.say: dial tcp: timeout")
	require.ErrorIs(t, err, cause)
	require.Equal(t, runerr.AdapterTransient, runerr.KindOf(err))
}

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	base := runerr.New(runerr.Policy, "tool_not_allowed")
	wrapped := fmt.Errorf("executor: decide policy: %w", base)
	require.Equal(t, runerr.Policy, runerr.KindOf(wrapped))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	require.Equal(t, runerr.Internal, runerr.KindOf(errors.New("plain error")))
	require.Equal(t, runerr.Internal, runerr.KindOf(nil))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		kind      runerr.Kind
		retryable bool
	}{
		{runerr.AdapterTransient, true},
		{runerr.AdapterTimeout, true},
		{runerr.AdapterPermanent, false},
		{runerr.AdapterUnauthorized, false},
		{runerr.Validation, false},
		{runerr.Policy, false},
		{runerr.Store, false},
		{runerr.Concurrency, false},
		{runerr.Internal, false},
		{runerr.AgentMalformed, false},
	}
	for _, c := range cases {
		err := runerr.New(c.kind, "x")
		require.Equal(t, c.retryable, runerr.IsRetryable(err), "kind %s", c.kind)
	}
}
