// Package bedrock implements an LLM-backed agentpipeline.Planner and
// agentpipeline.Toolcaller on top of the AWS Bedrock Converse API via
// github.com/aws/aws-sdk-go-v2/service/bedrockruntime, mirroring the
// tool-configuration and content-block translation the Bedrock model-gateway
// client performs for chat-style inference.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/runctl/engine/agentpipeline"
	"github.com/runctl/engine/policy"
)

const (
	emitPlanTool   = "emit_plan"
	emitReviewTool = "emit_review"
)

// RuntimeClient captures the subset of the Bedrock runtime client used here.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client implements agentpipeline.Planner and agentpipeline.Toolcaller.
type Client struct {
	runtime    RuntimeClient
	modelID    string
	maxRetries int
	evaluator  policy.Evaluator
}

// New builds a Client. maxRetries defaults to 2 when zero or negative.
// evaluator is consulted by Review and must not be nil if Review is called.
func New(runtime RuntimeClient, modelID string, maxRetries int, evaluator policy.Evaluator) *Client {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	return &Client{runtime: runtime, modelID: modelID, maxRetries: maxRetries, evaluator: evaluator}
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
	var plan agentpipeline.Plan
	if err := c.callForcedTool(ctx, prompt, emitPlanTool, planSchema, &plan); err != nil {
		return agentpipeline.Plan{}, fmt.Errorf("agentpipeline/llm/bedrock: plan: %w", err)
	}
	return plan, nil
}

func (c *Client) Resolve(ctx context.Context, in agentpipeline.ToolcallInput) (agentpipeline.ToolCall, error) {
	if len(in.ArgsSchema) == 0 {
		return agentpipeline.ToolCall{Tool: in.Plan.Tool, Args: in.Plan.Args}, nil
	}
	var schema map[string]any
	if err := json.Unmarshal(in.ArgsSchema, &schema); err != nil {
		return agentpipeline.ToolCall{}, fmt.Errorf("agentpipeline/llm/bedrock: invalid args schema: %w", err)
	}
	prompt := fmt.Sprintf(
		"Tool %q was proposed with arguments %s. Repair these arguments so they satisfy the tool's schema exactly. Rationale: %s",
		in.Plan.Tool, mustJSON(in.Plan.Args), in.Plan.Rationale,
	)
	var args map[string]any
	if err := c.callForcedTool(ctx, prompt, in.Plan.Tool, schema, &args); err != nil {
		return agentpipeline.ToolCall{}, fmt.Errorf("agentpipeline/llm/bedrock: resolve: %w", err)
	}
	return agentpipeline.ToolCall{Tool: in.Plan.Tool, Args: args}, nil
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
	if err := c.callForcedTool(ctx, prompt, emitReviewTool, reviewSchema, &verdict); err != nil {
		return agentpipeline.Review{}, fmt.Errorf("agentpipeline/llm/bedrock: review: %w", err)
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
		return agentpipeline.Review{}, fmt.Errorf("agentpipeline/llm/bedrock: review: policy evaluation: %w", err)
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

func (c *Client) callForcedTool(ctx context.Context, prompt, toolName string, schema map[string]any, out any) error {
	toolConfig := &brtypes.ToolConfiguration{
		Tools: []brtypes.Tool{
			&brtypes.ToolMemberToolSpec{
				Value: brtypes.ToolSpec{
					Name:        &toolName,
					InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
				},
			},
		},
		ToolChoice: &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: &toolName}},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		text := retryPrompt(prompt, lastErr)
		input := &bedrockruntime.ConverseInput{
			ModelId: &c.modelID,
			Messages: []brtypes.Message{
				{
					Role:    brtypes.ConversationRoleUser,
					Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: text}},
				},
			},
			ToolConfig: toolConfig,
		}
		resp, err := c.runtime.Converse(ctx, input)
		if err != nil {
			return err
		}
		if err := extractToolInput(resp, toolName, out); err != nil {
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

func extractToolInput(resp *bedrockruntime.ConverseOutput, toolName string, out any) error {
	if resp == nil {
		return fmt.Errorf("empty response")
	}
	msgOutput, ok := resp.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return fmt.Errorf("response carried no message")
	}
	for _, block := range msgOutput.Value.Content {
		use, ok := block.(*brtypes.ContentBlockMemberToolUse)
		if !ok {
			continue
		}
		if use.Value.Name == nil || *use.Value.Name != toolName {
			continue
		}
		raw, err := use.Value.Input.MarshalSmithyDocument()
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
