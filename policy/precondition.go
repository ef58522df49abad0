package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/runctl/engine/policydoc"
)

// evalContext is the flattened namespace a Precondition.Path resolves
// against: "args.<field>" reaches into the candidate tool call, anything
// else reaches into the run's labels/vars.
type evalContext struct {
	Args   map[string]any
	Labels map[string]string
	Vars   map[string]any
}

// lookup resolves a dotted path like "args.cluster" or "vars.region"
// against c, returning (value, found).
func (c evalContext) lookup(path string) (any, bool) {
	segs := strings.Split(path, ".")
	if len(segs) == 0 {
		return nil, false
	}
	var root any
	switch segs[0] {
	case "args":
		root = anyMap(c.Args)
	case "labels":
		root = anyMap(stringMapToAny(c.Labels))
	case "vars":
		root = anyMap(c.Vars)
	default:
		return nil, false
	}
	cur := root
	for _, seg := range segs[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func anyMap(m map[string]any) any { return m }

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// evalPrecondition reports whether p holds against ctx. An unresolved path
// fails every operator except NotEqual/NotIn, matching the intuition that a
// missing field is "not equal to" and "not in" any concrete value.
func evalPrecondition(p policydoc.Precondition, ctx evalContext) (bool, error) {
	actual, found := ctx.lookup(p.Path)

	switch p.Op {
	case policydoc.OpEqual:
		return found && equalAny(actual, p.Value), nil
	case policydoc.OpNotEqual:
		return !found || !equalAny(actual, p.Value), nil
	case policydoc.OpIn:
		return found && containsAny(p.Value, actual), nil
	case policydoc.OpNotIn:
		return !found || !containsAny(p.Value, actual), nil
	case policydoc.OpMatches:
		if !found {
			return false, nil
		}
		pattern, ok := p.Value.(string)
		if !ok {
			return false, fmt.Errorf("precondition %s: matches operand must be a string pattern", p.Name)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("precondition %s: invalid pattern: %w", p.Name, err)
		}
		return re.MatchString(toString(actual)), nil
	case policydoc.OpNumericLT, policydoc.OpNumericLTE, policydoc.OpNumericGT, policydoc.OpNumericGTE:
		if !found {
			return false, nil
		}
		a, aok := toFloat(actual)
		b, bok := toFloat(p.Value)
		if !aok || !bok {
			return false, fmt.Errorf("precondition %s: numeric comparison requires numeric operands", p.Name)
		}
		switch p.Op {
		case policydoc.OpNumericLT:
			return a < b, nil
		case policydoc.OpNumericLTE:
			return a <= b, nil
		case policydoc.OpNumericGT:
			return a > b, nil
		default:
			return a >= b, nil
		}
	default:
		return false, fmt.Errorf("precondition %s: unsupported operator %q", p.Name, p.Op)
	}
}

func equalAny(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func containsAny(collection any, needle any) bool {
	switch c := collection.(type) {
	case []any:
		for _, v := range c {
			if equalAny(v, needle) {
				return true
			}
		}
	case []string:
		for _, v := range c {
			if equalAny(v, needle) {
				return true
			}
		}
	}
	return false
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
