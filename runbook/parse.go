// Package runbook parses and validates the Runbook document format pinned by
// spec §6 — a top-level name, optional version, and an ordered steps list —
// into run.Runbook, the type the executor and the Agent Pipeline's stub
// Planner consume directly.
package runbook

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/runctl/engine/run"
)

type (
	// document is the wire shape decoded from YAML/JSON before being lifted
	// into run.Runbook. JSON is accepted because it is valid YAML.
	document struct {
		Name    string `yaml:"name" validate:"required"`
		Version string `yaml:"version"`
		Steps   []stepDoc `yaml:"steps" validate:"dive"`
	}

	stepDoc struct {
		Name            string         `yaml:"name" validate:"required"`
		Tool            string         `yaml:"tool"`
		Args            map[string]any `yaml:"args"`
		Prompt          string         `yaml:"prompt"`
		ContinueOnError bool           `yaml:"continue_on_error"`
		Compensates     string         `yaml:"compensates"`
		TimeoutMS       int            `yaml:"timeout_ms"`
	}
)

var validate = validator.New()

// Parse decodes and validates a Runbook document. Each step must carry
// either a Tool (with Args) or a Prompt, never neither; step names must be
// unique within the document. Returns a descriptive error (wrapping the
// underlying cause) suitable for surfacing as a ValidationError.
func Parse(data []byte) (run.Runbook, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return run.Runbook{}, fmt.Errorf("runbook: parse: %w", err)
	}
	if err := validate.Struct(doc); err != nil {
		return run.Runbook{}, fmt.Errorf("runbook: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Steps))
	steps := make([]run.StepTemplate, 0, len(doc.Steps))
	for _, s := range doc.Steps {
		if _, dup := seen[s.Name]; dup {
			return run.Runbook{}, fmt.Errorf("runbook: duplicate step name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Tool == "" && s.Prompt == "" {
			return run.Runbook{}, fmt.Errorf("runbook: step %q has neither tool nor prompt", s.Name)
		}
		steps = append(steps, run.StepTemplate{
			Name:            s.Name,
			Tool:            s.Tool,
			Args:            s.Args,
			Prompt:          s.Prompt,
			ContinueOnError: s.ContinueOnError,
			Compensates:     s.Compensates,
			TimeoutMS:       s.TimeoutMS,
		})
	}

	return run.Runbook{
		Name:    doc.Name,
		Version: doc.Version,
		Steps:   steps,
	}, nil
}
