// Package policydoc defines the Policy document format pinned by spec §6:
// roles, a per-role tool allowlist, budgets, approval rules, and
// preconditions. It holds pure data plus a YAML loader; the Policy
// Evaluator that decides allow/block/require_approval against a Document
// lives in package policy, which imports this package (and package run for
// Context) without creating a cycle.
package policydoc

import (
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/runctl/engine/runerr"
)

type (
	// Document is a named, versioned policy snapshot. Exactly one Document is
	// "active" per tenant at any instant (spec §3); Runs capture a defensive
	// copy of the active Document at start so later activations never
	// retro-change a Run's decisions.
	Document struct {
		Name    string        `yaml:"name"    validate:"required"`
		Version string        `yaml:"version" validate:"required"`
		Roles   []string      `yaml:"roles"`
		Tools   map[string][]string `yaml:"tool_allowlist"`
		Budgets Budgets       `yaml:"budgets"`
		Approvals []ApprovalRule `yaml:"approval_rules" validate:"dive"`
		Preconditions []Precondition `yaml:"preconditions" validate:"dive"`
	}

	// Budgets caps per-run resource consumption (spec §6).
	Budgets struct {
		MaxCostPerRunUSD  float64 `yaml:"max_cost_per_run_usd"`
		MaxTokensPerRun   int64   `yaml:"max_tokens_per_run"`
		MaxWallMSPerRun   int64   `yaml:"max_wall_ms_per_run"`
	}

	// ApprovalRule marks a tool-glob as requiring human approval before
	// ExpirySeconds elapses. RequiresRoles and Quorum (default 1) are
	// carried in the document but approval.Service.Decide checks neither:
	// one approve or deny decision resolves the Approval, and the only check
	// on the decider is that it differs from the run's caller unless
	// self-approval is allowed.
	ApprovalRule struct {
		ToolGlob         string   `yaml:"tool_glob"          validate:"required"`
		RequiresRoles    []string `yaml:"requires_roles"`
		Quorum           int      `yaml:"quorum"`
		ExpirySeconds    int      `yaml:"expiry_seconds"`
		AllowSelfApproval bool    `yaml:"allow_self_approval"`
	}

	// Precondition is a declarative predicate evaluated against a Step's
	// args and the Run's context map. Op is one of the closed operator set
	// in spec §6: =, ≠, ∈, ∉, matches, and numeric <, ≤, >, ≥.
	Precondition struct {
		Name       string `yaml:"name"  validate:"required"`
		Path       string `yaml:"path"  validate:"required"` // dotted path into args/context, e.g. "args.environment"
		Op         Operator `yaml:"op"  validate:"required"`
		Value      any    `yaml:"value"`
	}

	// Operator enumerates the precondition comparison operators.
	Operator string
)

// Operator values. The unicode forms from spec §6 are accepted as aliases
// during parsing (see UnmarshalYAML) but normalize to these ASCII forms.
const (
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
	OpMatches      Operator = "matches"
	OpNumericLT    Operator = "<"
	OpNumericLTE   Operator = "<="
	OpNumericGT    Operator = ">"
	OpNumericGTE   Operator = ">="
)

// unicodeAliases maps spec.md's mathematical operator glyphs onto the ASCII
// Operator values used internally.
var unicodeAliases = map[string]Operator{
	"≠": OpNotEqual,
	"∈": OpIn,
	"∉": OpNotIn,
	"≤": OpNumericLTE,
	"≥": OpNumericGTE,
}

// UnmarshalYAML normalizes unicode operator aliases to their ASCII form.
func (o *Operator) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if alias, ok := unicodeAliases[raw]; ok {
		*o = alias
		return nil
	}
	*o = Operator(raw)
	return nil
}

var validate = validator.New()

// Parse decodes a YAML (or JSON, a YAML subset) Policy document and
// validates required fields, returning a ValidationError-shaped error on
// failure so callers can surface it per spec §7.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, runerr.Wrap(runerr.Validation, "policydoc: parse", err)
	}
	if doc.Name == "" {
		return Document{}, runerr.New(runerr.Validation, "policydoc: name is required")
	}
	if err := validate.Struct(doc); err != nil {
		return Document{}, runerr.Wrap(runerr.Validation, "policydoc", err)
	}
	for i, ar := range doc.Approvals {
		if ar.Quorum <= 0 {
			doc.Approvals[i].Quorum = 1
		}
	}
	return doc, nil
}
