package adapter_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/runctl/engine/adapter"
	"github.com/runctl/engine/run"
	"github.com/runctl/engine/runerr"
)

func echoAdapter() adapter.Adapter {
	return adapter.Adapter{
		Spec: adapter.Spec{
			ID:             "echo.say",
			Classification: adapter.ClassRead,
			Schema:         []byte(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
		},
		Invoke: func(_ context.Context, args map[string]any, _ run.Context) (adapter.Result, error) {
			return adapter.Result{Output: map[string]any{"echoed": args["message"]}}, nil
		},
	}
}

func TestRegisterRequiresIDAndInvoke(t *testing.T) {
	r := adapter.NewRegistry()
	require.Error(t, r.Register(adapter.Adapter{}))
	require.Error(t, r.Register(adapter.Adapter{Spec: adapter.Spec{ID: "x"}}))
}

func TestRegisterAndLookup(t *testing.T) {
	r := adapter.NewRegistry()
	require.NoError(t, r.Register(echoAdapter()))

	spec, ok := r.Lookup("echo.say")
	require.True(t, ok)
	require.Equal(t, adapter.ClassRead, spec.Classification)

	_, ok = r.Lookup("unknown.tool")
	require.False(t, ok)
}

func TestValidateArgsRejectsSchemaViolation(t *testing.T) {
	r := adapter.NewRegistry()
	require.NoError(t, r.Register(echoAdapter()))

	require.NoError(t, r.ValidateArgs("echo.say", map[string]any{"message": "hi"}))

	err := r.ValidateArgs("echo.say", map[string]any{})
	require.Error(t, err)
	require.Equal(t, runerr.Validation, runerr.KindOf(err))
}

func TestInvokeUnknownTool(t *testing.T) {
	r := adapter.NewRegistry()
	_, err := r.Invoke(context.Background(), "nope", nil, run.Context{})
	require.Error(t, err)
	require.Equal(t, runerr.Validation, runerr.KindOf(err))
}

func TestInvokeSucceeds(t *testing.T) {
	r := adapter.NewRegistry()
	require.NoError(t, r.Register(echoAdapter()))

	res, err := r.Invoke(context.Background(), "echo.say", map[string]any{"message": "hello"}, run.Context{})
	require.NoError(t, err)
	require.Equal(t, "hello", res.Output["echoed"])
}

func TestInvokePropagatesTransientAsRetryable(t *testing.T) {
	r := adapter.NewRegistry()
	require.NoError(t, r.Register(adapter.Adapter{
		Spec: adapter.Spec{ID: "flaky.tool", Classification: adapter.ClassWrite},
		Invoke: func(_ context.Context, _ map[string]any, _ run.Context) (adapter.Result, error) {
			return adapter.Result{Err: &adapter.Error{Kind: adapter.KindTransient, Message: "rate_limited"}}, nil
		},
	}))

	_, err := r.Invoke(context.Background(), "flaky.tool", nil, run.Context{})
	require.Error(t, err)
	require.True(t, runerr.IsRetryable(err))
}

func TestInvokePermanentErrorNotRetryable(t *testing.T) {
	r := adapter.NewRegistry()
	require.NoError(t, r.Register(adapter.Adapter{
		Spec: adapter.Spec{ID: "broken.tool", Classification: adapter.ClassWrite},
		Invoke: func(_ context.Context, _ map[string]any, _ run.Context) (adapter.Result, error) {
			return adapter.Result{Err: &adapter.Error{Kind: adapter.KindPermanent, Message: "bad_state"}}, nil
		},
	}))

	_, err := r.Invoke(context.Background(), "broken.tool", nil, run.Context{})
	require.Error(t, err)
	require.False(t, runerr.IsRetryable(err))
}
