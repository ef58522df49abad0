// Package openai implements an LLM-backed agentpipeline.Planner and
// agentpipeline.Toolcaller on top of the OpenAI Chat Completions API via
// github.com/openai/openai-go, mirroring the structured-output-via-forced-
// tool-call approach used by agentpipeline/llm/anthropic.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/runctl/engine/agentpipeline"
	"github.com/runctl/engine/policy"
)

const (
	emitPlanTool   = "emit_plan"
	emitReviewTool = "emit_review"
)

// ChatClient captures the subset of the SDK client this package calls.
type ChatClient interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// Client implements agentpipeline.Planner and agentpipeline.Toolcaller.
type Client struct {
	chat       ChatClient
	model      string
	maxRetries int
	evaluator  policy.Evaluator
}

// New builds a Client. maxRetries defaults to 2 when zero or negative.
// evaluator is consulted by Review and must not be nil if Review is called.
func New(chat ChatClient, model string, maxRetries int, evaluator policy.Evaluator) *Client {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &Client{chat: chat, model: model, maxRetries: maxRetries, evaluator: evaluator}
}

var planParameters = map[string]any{
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
	var plan agentpipeline.Plan
	err := c.callForcedTool(ctx, prompt, emitPlanTool, "Emit the tool call and arguments for this step.", planParameters, &plan)
	if err != nil {
		return agentpipeline.Plan{}, fmt.Errorf("agentpipeline/llm/openai: plan: %w", err)
	}
	return plan, nil
}

func (c *Client) Resolve(ctx context.Context, in agentpipeline.ToolcallInput) (agentpipeline.ToolCall, error) {
	if len(in.ArgsSchema) == 0 {
		return agentpipeline.ToolCall{Tool: in.Plan.Tool, Args: in.Plan.Args}, nil
	}
	var schema map[string]any
	if err := json.Unmarshal(in.ArgsSchema, &schema); err != nil {
		return agentpipeline.ToolCall{}, fmt.Errorf("agentpipeline/llm/openai: invalid args schema: %w", err)
	}
	prompt := fmt.Sprintf(
		"Tool %q was proposed with arguments %s. Repair these arguments so they satisfy the tool's schema exactly. Rationale: %s",
		in.Plan.Tool, mustJSON(in.Plan.Args), in.Plan.Rationale,
	)
	var args map[string]any
	if err := c.callForcedTool(ctx, prompt, in.Plan.Tool, "Emit corrected arguments for this tool.", schema, &args); err != nil {
		return agentpipeline.ToolCall{}, fmt.Errorf("agentpipeline/llm/openai: resolve: %w", err)
	}
	return agentpipeline.ToolCall{Tool: in.Plan.Tool, Args: args}, nil
}

var reviewParameters = map[string]any{
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
	if err := c.callForcedTool(ctx, prompt, emitReviewTool, "Emit allow, block, or require_approval for this tool call.", reviewParameters, &verdict); err != nil {
		return agentpipeline.Review{}, fmt.Errorf("agentpipeline/llm/openai: review: %w", err)
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
		return agentpipeline.Review{}, fmt.Errorf("agentpipeline/llm/openai: review: policy evaluation: %w", err)
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

func (c *Client) callForcedTool(ctx context.Context, prompt, toolName, description string, parameters map[string]any, out any) error {
	tool := openai.ChatCompletionToolUnionParam{
		OfFunction: &openai.ChatCompletionFunctionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        toolName,
				Description: openai.String(description),
				Parameters:  openai.FunctionParameters(parameters),
			},
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		params := openai.ChatCompletionNewParams{
			Model: c.model,
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(retryPrompt(prompt, lastErr)),
			},
			Tools: []openai.ChatCompletionToolUnionParam{tool},
			ToolChoice: openai.ChatCompletionToolChoiceOptionUnionParam{
				OfFunctionToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
					Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: toolName},
				},
			},
		}
		resp, err := c.chat.New(ctx, params)
		if err != nil {
			return err
		}
		if err := extractToolArgs(resp, toolName, out); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries: %w", c.maxRetries, lastErr)
}

func retryPrompt(base string, lastErr error) string {
	if lastErr == nil {
		return base
	}
	return base + fmt.Sprintf("\nYour previous attempt was rejected: %s. Try again.", lastErr)
}

func extractToolArgs(resp *openai.ChatCompletion, toolName string, out any) error {
	if resp == nil || len(resp.Choices) == 0 {
		return fmt.Errorf("empty response")
	}
	for _, call := range resp.Choices[0].Message.ToolCalls {
		if call.Function.Name != toolName {
			continue
		}
		return json.Unmarshal([]byte(call.Function.Arguments), out)
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
