package service

import (
	"context"

	domainctx "github.com/stewardflow/stewardflow/internal/domain/context"
	"github.com/stewardflow/stewardflow/internal/domain/tool"
	"github.com/stewardflow/stewardflow/internal/domain/trace"
)

// PlanRequest carries everything one planning call needs.
type PlanRequest struct {
	Messages []domainctx.Message
	Tools    []tool.Definition
	Thinking bool
}

// PlanResult is a planning call's parsed outcome: tool actions paired with
// the raw tool_calls array, or exactly one typed content action.
type PlanResult struct {
	Reasoning string
	Actions   []*trace.Action
	ToolCalls []trace.ToolCall
	TokenInfo trace.TokenInfo
}

// Planner is the LLM adapter contract the executor drives. Implementations
// retry transient failures internally; a returned error is final and fails
// the trace.
type Planner interface {
	Plan(ctx context.Context, req *PlanRequest) (*PlanResult, error)
}

// ContentActionSchema is the JSON schema for typed content actions. It is
// advisory for prompt construction and feeds the cache manager's schema
// token estimate.
func ContentActionSchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []string{"type", "message"},
		"properties": map[string]any{
			"type": map[string]any{
				"type": "string",
				"enum": []string{"finish", "tool", "request_input", "request_confirm"},
			},
			"message": map[string]any{
				"type": "string",
			},
		},
	}
}

// ExternalizeRequest names one tool result to externalize.
type ExternalizeRequest struct {
	ToolName   string
	RawResult  any
	TraceID    string
	TurnID     string
	StepID     string
	ToolCallID string
}

// ResultExternalizer turns raw tool output into observation content: either
// inline text or a ref descriptor pointing at a persisted blob.
type ResultExternalizer interface {
	Externalize(in ExternalizeRequest) (map[string]any, error)
	BuildError(toolName, errorText string) map[string]any
}
