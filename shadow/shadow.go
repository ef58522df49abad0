// Package shadow implements the Shadow Comparator (spec §4.6): given the
// ordered step list an agent pipeline proposed and a reference list (an
// evaluation run's deterministic steps), it computes match, missing, and
// hallucination rates so operators can gate agent-mode promotion on
// measured agreement rather than vibes. The comparator never calls
// adapters; it only reads two already-produced step lists.
package shadow

import (
	"fmt"
	"regexp"
)

// Call is the minimal shape a comparison needs from a step: which tool was
// invoked and with what arguments.
type Call struct {
	Tool string
	Args map[string]any
}

// Report is the outcome of comparing Agent against Reference.
type Report struct {
	TotalReference int
	TotalAgent     int

	// MatchedIndices are the positions i where Agent[i].Tool ==
	// Reference[i].Tool and args_subset(Reference[i].Args, Agent[i].Args).
	MatchedIndices []int
	// Missing holds every Reference call whose tool id appears nowhere in
	// Agent, regardless of position.
	Missing []Call
	// Hallucinated holds every Agent call whose tool id appears nowhere in
	// Reference, regardless of position.
	Hallucinated []Call

	MatchRate         float64 // len(MatchedIndices) / max(|Reference|,1)
	MissingRate       float64 // len(Missing) / max(|Reference|,1)
	HallucinationRate float64 // len(Hallucinated) / max(|Agent|,1)
}

// Compare implements spec §4.6's three formulas exactly:
//   - match: same-index tool equality plus args_subset(reference, agent)
//   - missing: reference calls whose tool never appears anywhere in agent
//   - hallucination: agent calls whose tool never appears anywhere in reference
func Compare(reference, agent []Call) Report {
	rpt := Report{TotalReference: len(reference), TotalAgent: len(agent)}

	for i := 0; i < len(reference) && i < len(agent); i++ {
		if reference[i].Tool == agent[i].Tool && argsSubset(reference[i].Args, agent[i].Args) {
			rpt.MatchedIndices = append(rpt.MatchedIndices, i)
		}
	}

	agentTools := make(map[string]bool, len(agent))
	for _, a := range agent {
		agentTools[a.Tool] = true
	}
	for _, r := range reference {
		if !agentTools[r.Tool] {
			rpt.Missing = append(rpt.Missing, r)
		}
	}

	refTools := make(map[string]bool, len(reference))
	for _, r := range reference {
		refTools[r.Tool] = true
	}
	for _, a := range agent {
		if !refTools[a.Tool] {
			rpt.Hallucinated = append(rpt.Hallucinated, a)
		}
	}

	refDenom := maxOne(rpt.TotalReference)
	agentDenom := maxOne(rpt.TotalAgent)
	rpt.MatchRate = float64(len(rpt.MatchedIndices)) / float64(refDenom)
	rpt.MissingRate = float64(len(rpt.Missing)) / float64(refDenom)
	rpt.HallucinationRate = float64(len(rpt.Hallucinated)) / float64(agentDenom)
	return rpt
}

func maxOne(n int) int {
	if n > 1 {
		return n
	}
	return 1
}

// argsSubset checks each key in expected exists in actual with an equal
// value; string values are template-matched, treating "{{...}}" spans in
// expected as wildcards so a reference arg like "cluster-{{id}}" matches an
// actual arg like "cluster-42".
func argsSubset(expected, actual map[string]any) bool {
	for k, want := range expected {
		got, ok := actual[k]
		if !ok {
			return false
		}
		ws, wIsStr := want.(string)
		gs, gIsStr := got.(string)
		if wIsStr && gIsStr {
			if !templateMatch(ws, gs) {
				return false
			}
			continue
		}
		if fmt.Sprintf("%v", want) != fmt.Sprintf("%v", got) {
			return false
		}
	}
	return true
}

var templatePlaceholder = regexp.MustCompile(`\{\{[^}]*\}\}`)

// templateMatch compiles expected into a regexp, turning "{{...}}" spans
// into ".*" and escaping everything else, then matches actual against it.
func templateMatch(expected, actual string) bool {
	if !templatePlaceholder.MatchString(expected) {
		return expected == actual
	}
	parts := templatePlaceholder.Split(expected, -1)
	pattern := "^"
	for i, p := range parts {
		if i > 0 {
			pattern += ".*"
		}
		pattern += regexp.QuoteMeta(p)
	}
	pattern += "$"
	re, err := regexp.Compile(pattern)
	if err != nil {
		return expected == actual
	}
	return re.MatchString(actual)
}
