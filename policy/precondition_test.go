package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/runctl/engine/policydoc"
)

func TestEvalPreconditionEqual(t *testing.T) {
	ctx := evalContext{Args: map[string]any{"cluster": "prod-east"}}
	p := policydoc.Precondition{Name: "cluster-is-prod", Path: "args.cluster", Op: policydoc.OpEqual, Value: "prod-east"}
	ok, err := evalPrecondition(p, ctx)
	require.NoError(t, err)
	require.True(t, ok)

	p.Value = "prod-west"
	ok, err = evalPrecondition(p, ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvalPreconditionMissingPathFailsOpenOnlyForNegatives(t *testing.T) {
	ctx := evalContext{Args: map[string]any{}}

	eq := policydoc.Precondition{Name: "p", Path: "args.missing", Op: policydoc.OpEqual, Value: "x"}
	ok, err := evalPrecondition(eq, ctx)
	require.NoError(t, err)
	require.False(t, ok)

	neq := policydoc.Precondition{Name: "p", Path: "args.missing", Op: policydoc.OpNotEqual, Value: "x"}
	ok, err = evalPrecondition(neq, ctx)
	require.NoError(t, err)
	require.True(t, ok)

	notIn := policydoc.Precondition{Name: "p", Path: "args.missing", Op: policydoc.OpNotIn, Value: []any{"x"}}
	ok, err = evalPrecondition(notIn, ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalPreconditionIn(t *testing.T) {
	ctx := evalContext{Args: map[string]any{"region": "us-west-2"}}
	p := policydoc.Precondition{Name: "region-allowed", Path: "args.region", Op: policydoc.OpIn, Value: []any{"us-west-2", "us-east-1"}}
	ok, err := evalPrecondition(p, ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalPreconditionMatches(t *testing.T) {
	ctx := evalContext{Args: map[string]any{"namespace": "prod-checkout"}}
	p := policydoc.Precondition{Name: "ns-prefix", Path: "args.namespace", Op: policydoc.OpMatches, Value: "^prod-"}
	ok, err := evalPrecondition(p, ctx)
	require.NoError(t, err)
	require.True(t, ok)

	bad := policydoc.Precondition{Name: "ns-bad-pattern", Path: "args.namespace", Op: policydoc.OpMatches, Value: "("}
	_, err = evalPrecondition(bad, ctx)
	require.Error(t, err)
}

func TestEvalPreconditionNumericComparisons(t *testing.T) {
	ctx := evalContext{Args: map[string]any{"replicas": 3}}

	gt := policydoc.Precondition{Name: "min-replicas", Path: "args.replicas", Op: policydoc.OpNumericGT, Value: 1}
	ok, err := evalPrecondition(gt, ctx)
	require.NoError(t, err)
	require.True(t, ok)

	lte := policydoc.Precondition{Name: "max-replicas", Path: "args.replicas", Op: policydoc.OpNumericLTE, Value: 2}
	ok, err = evalPrecondition(lte, ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvalPreconditionLabelsAndVarsNamespaces(t *testing.T) {
	ctx := evalContext{
		Labels: map[string]string{"env": "staging"},
		Vars:   map[string]any{"retries": 2},
	}
	envCheck := policydoc.Precondition{Name: "env", Path: "labels.env", Op: policydoc.OpEqual, Value: "staging"}
	ok, err := evalPrecondition(envCheck, ctx)
	require.NoError(t, err)
	require.True(t, ok)

	retriesCheck := policydoc.Precondition{Name: "retries", Path: "vars.retries", Op: policydoc.OpNumericGTE, Value: 2}
	ok, err = evalPrecondition(retriesCheck, ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvalPreconditionUnsupportedOperator(t *testing.T) {
	ctx := evalContext{Args: map[string]any{"x": 1}}
	p := policydoc.Precondition{Name: "p", Path: "args.x", Op: policydoc.Operator("nonsense")}
	_, err := evalPrecondition(p, ctx)
	require.Error(t, err)
}
