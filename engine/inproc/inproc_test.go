package inproc_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/runctl/engine/engine"
	"github.com/runctl/engine/engine/inproc"
)

type doubleIn struct{ N int }
type doubleOut struct{ N int }

func registerDouble(e *inproc.Engine) {
	e.RegisterActivity("double", func(_ context.Context, input []byte) ([]byte, error) {
		var in doubleIn
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		return json.Marshal(doubleOut{N: in.N * 2})
	})
}

func TestStartWorkflowRunsActivityAndReturnsResult(t *testing.T) {
	e := inproc.New()
	registerDouble(e)

	body := func(wfCtx engine.WorkflowContext, input []byte) ([]byte, error) {
		var in doubleIn
		require.NoError(t, json.Unmarshal(input, &in))
		var out doubleOut
		if err := wfCtx.ExecuteActivity(wfCtx.Context(), engine.ActivityRequest{Name: "double", Input: in}, &out); err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}

	input, err := json.Marshal(doubleIn{N: 21})
	require.NoError(t, err)

	h, err := e.StartWorkflow(context.Background(), body, input, engine.StartOptions{ID: "wf-1"})
	require.NoError(t, err)

	var out doubleOut
	require.NoError(t, h.Wait(context.Background(), &out))
	require.Equal(t, 42, out.N)
}

func TestStartWorkflowIsIdempotentPerID(t *testing.T) {
	e := inproc.New()
	calls := 0
	body := func(wfCtx engine.WorkflowContext, input []byte) ([]byte, error) {
		calls++
		return nil, nil
	}

	h1, err := e.StartWorkflow(context.Background(), body, nil, engine.StartOptions{ID: "dup"})
	require.NoError(t, err)
	require.NoError(t, h1.Wait(context.Background(), nil))

	h2, err := e.StartWorkflow(context.Background(), body, nil, engine.StartOptions{ID: "dup"})
	require.NoError(t, err)
	require.Equal(t, h1.ID(), h2.ID())
	require.Equal(t, 1, calls)
}

func TestSignalChannelDeliversToRunningWorkflow(t *testing.T) {
	e := inproc.New()
	started := make(chan struct{})
	body := func(wfCtx engine.WorkflowContext, _ []byte) ([]byte, error) {
		close(started)
		var msg string
		if err := wfCtx.SignalChannel("cancel").Receive(wfCtx.Context(), &msg); err != nil {
			return nil, err
		}
		return json.Marshal(msg)
	}

	h, err := e.StartWorkflow(context.Background(), body, nil, engine.StartOptions{ID: "wf-signal"})
	require.NoError(t, err)

	<-started
	require.NoError(t, h.Signal(context.Background(), "cancel", "stop"))

	var out string
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx, &out))
	require.Equal(t, "stop", out)
}

func TestGetWorkflowUnknownID(t *testing.T) {
	e := inproc.New()
	_, err := e.GetWorkflow(context.Background(), "missing")
	require.Error(t, err)
}
