package shadow_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/runctl/engine/shadow"
)

func TestCompareExactMatch(t *testing.T) {
	reference := []shadow.Call{
		{Tool: "k8s.scale", Args: map[string]any{"replicas": 3}},
		{Tool: "k8s.restart", Args: map[string]any{"pod": "checkout-0"}},
	}
	agent := []shadow.Call{
		{Tool: "k8s.scale", Args: map[string]any{"replicas": 3}},
		{Tool: "k8s.restart", Args: map[string]any{"pod": "checkout-0"}},
	}

	rpt := shadow.Compare(reference, agent)
	require.Len(t, rpt.MatchedIndices, 2)
	require.Empty(t, rpt.Missing)
	require.Empty(t, rpt.Hallucinated)
	require.Equal(t, 1.0, rpt.MatchRate)
	require.Equal(t, 0.0, rpt.HallucinationRate)
}

func TestCompareDetectsMissingAndHallucinated(t *testing.T) {
	reference := []shadow.Call{
		{Tool: "k8s.scale"},
		{Tool: "k8s.restart"},
	}
	agent := []shadow.Call{
		{Tool: "k8s.scale"},
		{Tool: "k8s.delete"},
	}

	rpt := shadow.Compare(reference, agent)
	require.Len(t, rpt.Missing, 1)
	require.Equal(t, "k8s.restart", rpt.Missing[0].Tool)
	require.Len(t, rpt.Hallucinated, 1)
	require.Equal(t, "k8s.delete", rpt.Hallucinated[0].Tool)
	require.Equal(t, 0.5, rpt.MatchRate)
	require.Equal(t, 0.5, rpt.HallucinationRate)
}

func TestCompareArgsSubsetAllowsExtraActualKeys(t *testing.T) {
	reference := []shadow.Call{{Tool: "k8s.scale", Args: map[string]any{"replicas": 3}}}
	agent := []shadow.Call{{Tool: "k8s.scale", Args: map[string]any{"replicas": 3, "namespace": "prod"}}}

	rpt := shadow.Compare(reference, agent)
	require.Len(t, rpt.MatchedIndices, 1)
}

func TestCompareTemplatePlaceholderMatchesWildcard(t *testing.T) {
	reference := []shadow.Call{{Tool: "k8s.scale", Args: map[string]any{"cluster": "cluster-{{id}}"}}}
	agent := []shadow.Call{{Tool: "k8s.scale", Args: map[string]any{"cluster": "cluster-42"}}}

	rpt := shadow.Compare(reference, agent)
	require.Len(t, rpt.MatchedIndices, 1)
}

func TestCompareEmptyInputsDoNotDivideByZero(t *testing.T) {
	rpt := shadow.Compare(nil, nil)
	require.Equal(t, 0.0, rpt.MatchRate)
	require.Equal(t, 0.0, rpt.MissingRate)
	require.Equal(t, 0.0, rpt.HallucinationRate)
}
