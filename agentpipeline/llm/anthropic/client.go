// Package anthropic implements an LLM-backed agentpipeline.Planner and
// agentpipeline.Toolcaller on top of the Anthropic Claude Messages API,
// grounded on the same github.com/anthropics/anthropic-sdk-go surface the
// model-gateway client uses: a single forced tool call carries the
// structured output, so the response never needs free-text JSON parsing.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/runctl/engine/agentpipeline"
	"github.com/runctl/engine/policy"
)

const (
	emitPlanTool   = "emit_plan"
	emitReviewTool = "emit_review"
)

// MessagesClient captures the subset of the SDK client this package calls,
// so tests can substitute a stub without a live API key.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Client implements agentpipeline.Planner and agentpipeline.Toolcaller by
// forcing the model to call a single structured-output tool and parsing its
// input back into a Plan/ToolCall. MaxRetries bounds how many times a
// malformed tool call is re-prompted before giving up (spec §4.4: "bounded
// retry on schema-invalid agent output").
type Client struct {
	msg        MessagesClient
	model      string
	maxTokens  int
	maxRetries int
	evaluator  policy.Evaluator
}

// New builds a Client. maxRetries defaults to 2 when zero or negative.
// evaluator is consulted by Review and must not be nil if Review is called.
func New(msg MessagesClient, model string, maxTokens, maxRetries int, evaluator policy.Evaluator) *Client {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Client{msg: msg, model: model, maxTokens: maxTokens, maxRetries: maxRetries, evaluator: evaluator}
}

var planSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"tool":      map[string]any{"type": "string"},
		"args":      map[string]any{"type": "object"},
		"rationale": map[string]any{"type": "string"},
	},
	"required": []string{"tool", "args"},
}

func (c *Client) Plan(ctx context.Context, in agentpipeline.PlanInput) (agentpipeline.Plan, error) {
	prompt := fmt.Sprintf(
		"Step %q must be translated into exactly one tool call. Instruction: %s\nPrior step outputs: %s",
		in.Step.Name, in.Step.Prompt, mustJSON(in.Prior),
	)
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		body := sdk.MessageNewParams{
			Model:     sdk.Model(c.model),
			MaxTokens: int64(c.maxTokens),
			Messages: []sdk.MessageParam{
				sdk.NewUserMessage(sdk.NewTextBlock(retryPrompt(prompt, lastErr))),
			},
			Tools: []sdk.ToolUnionParam{
				sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: planSchema}, emitPlanTool),
			},
			ToolChoice: sdk.ToolChoiceParamOfTool(emitPlanTool),
		}
		msg, err := c.msg.New(ctx, body)
		if err != nil {
			return agentpipeline.Plan{}, fmt.Errorf("agentpipeline/llm/anthropic: plan: %w", err)
		}
		var plan agentpipeline.Plan
		if err := extractToolInput(msg, emitPlanTool, &plan); err != nil {
			lastErr = err
			continue
		}
		return plan, nil
	}
	return agentpipeline.Plan{}, fmt.Errorf("agentpipeline/llm/anthropic: plan: exhausted %d retries: %w", c.maxRetries, lastErr)
}

func (c *Client) Resolve(ctx context.Context, in agentpipeline.ToolcallInput) (agentpipeline.ToolCall, error) {
	if len(in.ArgsSchema) == 0 {
		return agentpipeline.ToolCall{Tool: in.Plan.Tool, Args: in.Plan.Args}, nil
	}
	var schema map[string]any
	if err := json.Unmarshal(in.ArgsSchema, &schema); err != nil {
		return agentpipeline.ToolCall{}, fmt.Errorf("agentpipeline/llm/anthropic: invalid args schema: %w", err)
	}

	prompt := fmt.Sprintf(
		"Tool %q was proposed with arguments %s. Repair these arguments so they satisfy the tool's schema exactly. Rationale: %s",
		in.Plan.Tool, mustJSON(in.Plan.Args), in.Plan.Rationale,
	)
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		body := sdk.MessageNewParams{
			Model:     sdk.Model(c.model),
			MaxTokens: int64(c.maxTokens),
			Messages: []sdk.MessageParam{
				sdk.NewUserMessage(sdk.NewTextBlock(retryPrompt(prompt, lastErr))),
			},
			Tools: []sdk.ToolUnionParam{
				sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, in.Plan.Tool),
			},
			ToolChoice: sdk.ToolChoiceParamOfTool(in.Plan.Tool),
		}
		msg, err := c.msg.New(ctx, body)
		if err != nil {
			return agentpipeline.ToolCall{}, fmt.Errorf("agentpipeline/llm/anthropic: resolve: %w", err)
		}
		var args map[string]any
		if err := extractToolInput(msg, in.Plan.Tool, &args); err != nil {
			lastErr = err
			continue
		}
		return agentpipeline.ToolCall{Tool: in.Plan.Tool, Args: args}, nil
	}
	return agentpipeline.ToolCall{}, fmt.Errorf("agentpipeline/llm/anthropic: resolve: exhausted %d retries: %w", c.maxRetries, lastErr)
}

var reviewSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"decision": map[string]any{"type": "string", "enum": []string{"allow", "block", "require_approval"}},
		"reason":   map[string]any{"type": "string"},
	},
	"required": []string{"decision"},
}

// Review implements agentpipeline.Reviewer's LLM mode (spec §4.4): the
// model judges the call's plausibility, and that verdict is intersected
// with the Policy Evaluator's own decision — the stricter of the two wins,
// and any disagreement is recorded for the audit trail rather than silently
// dropped.
func (c *Client) Review(ctx context.Context, in agentpipeline.ReviewInput) (agentpipeline.Review, error) {
	prompt := fmt.Sprintf(
		"Tool call %q with arguments %s is about to run on behalf of a runbook step. "+
			"Judge whether it is a reasonable, safe action given the run's declared intent. "+
			"Respond allow, block, or require_approval, with a short reason.",
		in.Call.Tool, mustJSON(in.Call.Args),
	)
	var verdict struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		body := sdk.MessageNewParams{
			Model:     sdk.Model(c.model),
			MaxTokens: int64(c.maxTokens),
			Messages: []sdk.MessageParam{
				sdk.NewUserMessage(sdk.NewTextBlock(retryPrompt(prompt, lastErr))),
			},
			Tools: []sdk.ToolUnionParam{
				sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: reviewSchema}, emitReviewTool),
			},
			ToolChoice: sdk.ToolChoiceParamOfTool(emitReviewTool),
		}
		msg, err := c.msg.New(ctx, body)
		if err != nil {
			return agentpipeline.Review{}, fmt.Errorf("agentpipeline/llm/anthropic: review: %w", err)
		}
		if err := extractToolInput(msg, emitReviewTool, &verdict); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return agentpipeline.Review{}, fmt.Errorf("agentpipeline/llm/anthropic: review: exhausted %d retries: %w", c.maxRetries, lastErr)
	}

	decision, err := c.evaluator.Decide(ctx, policy.Input{
		RunContext:  in.RunContext,
		Tool:        in.Call.Tool,
		Args:        in.Call.Args,
		Policy:      in.Policy,
		AdapterSpec: in.AdapterSpec,
		Estimate:    in.Estimate,
	})
	if err != nil {
		return agentpipeline.Review{}, fmt.Errorf("agentpipeline/llm/anthropic: review: policy evaluation: %w", err)
	}

	modelOutcome := policy.Outcome(verdict.Decision)
	rev := agentpipeline.Review{Outcome: decision.Outcome, Reasons: decision.Reasons}
	if modelOutcome != decision.Outcome {
		rev.Outcome = agentpipeline.Stricter(modelOutcome, decision.Outcome)
		rev.Disagreement = fmt.Sprintf("model judged %q (%s), policy evaluator judged %q", modelOutcome, verdict.Reason, decision.Outcome)
	}
	if in.Reference != nil && in.Reference.Tool != in.Call.Tool {
		note := fmt.Sprintf("reference called %q, agent called %q", in.Reference.Tool, in.Call.Tool)
		if rev.Disagreement != "" {
			rev.Disagreement += "; " + note
		} else {
			rev.Disagreement = note
		}
	}
	return rev, nil
}

func retryPrompt(base string, lastErr error) string {
	if lastErr == nil {
		return base
	}
	return base + fmt.Sprintf("\nYour previous attempt was rejected: %s. Try again.", lastErr)
}

func extractToolInput(msg *sdk.Message, toolName string, out any) error {
	if msg == nil {
		return fmt.Errorf("nil response")
	}
	for _, block := range msg.Content {
		if block.Type != "tool_use" || block.Name != toolName {
			continue
		}
		raw, err := json.Marshal(block.Input)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, out)
	}
	return fmt.Errorf("response did not contain a %q tool call", toolName)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
