package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"
	domainctx "github.com/stewardflow/stewardflow/internal/domain/context"
	"github.com/stewardflow/stewardflow/internal/domain/service"
	"github.com/stewardflow/stewardflow/internal/domain/tool"
	"github.com/stewardflow/stewardflow/internal/domain/trace"
	"github.com/stewardflow/stewardflow/internal/infrastructure/llm"
	"go.uber.org/zap"
)

// Provider implements service.Planner against any OpenAI-compatible chat
// completions endpoint. It also implements the cache manager's Summarizer
// for LLM-assisted compaction.
type Provider struct {
	client   *goopenai.Client
	config   llm.Config
	registry tool.Registry
	logger   *zap.Logger
}

// New creates a provider. registry is consulted for per-tool confirmation
// metadata when tool calls come back.
func New(cfg llm.Config, registry tool.Registry, logger *zap.Logger) *Provider {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Provider{
		client:   goopenai.NewClientWithConfig(clientCfg),
		config:   cfg,
		registry: registry,
		logger:   logger,
	}
}

var _ service.Planner = (*Provider)(nil)
var _ domainctx.Summarizer = (*Provider)(nil)

// Plan sends one chat completion and parses the response into actions.
func (p *Provider) Plan(ctx context.Context, req *service.PlanRequest) (*service.PlanResult, error) {
	chatReq := goopenai.ChatCompletionRequest{
		Model:       p.config.Model,
		Messages:    toChatMessages(req.Messages),
		Temperature: p.temperature(),
		TopP:        0.9,
	}
	if tools := p.toChatTools(req.Tools); len(tools) > 0 {
		chatReq.Tools = tools
		chatReq.ParallelToolCalls = true
	}

	resp, err := p.createWithRetry(ctx, chatReq)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm response has no choices")
	}

	choice := resp.Choices[0]
	content := choice.Message.Content

	reasoning := ""
	if req.Thinking {
		var stripped string
		reasoning, stripped = llm.ExtractThink(content)
		if reasoning == "" {
			reasoning = choice.Message.ReasoningContent
		}
		content = stripped
	} else {
		_, content = llm.ExtractThink(content)
	}

	result := &service.PlanResult{
		Reasoning: reasoning,
		TokenInfo: tokenInfoFromUsage(resp.Usage),
	}

	if choice.FinishReason == goopenai.FinishReasonToolCalls && len(choice.Message.ToolCalls) > 0 {
		for _, call := range choice.Message.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, trace.ToolCall{
				ID:   call.ID,
				Type: string(call.Type),
				Function: trace.FunctionCall{
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			})

			args, repaired := llm.SafeParseToolArgs(call.Function.Arguments)
			if repaired {
				p.logger.Warn("Recovered malformed tool arguments",
					zap.String("tool", call.Function.Name),
					zap.String("raw", clip(call.Function.Arguments, 200)),
				)
			}

			requiresConfirm := false
			if t, ok := p.registry.Get(call.Function.Name); ok {
				requiresConfirm = t.RequiresConfirmation()
			}
			result.Actions = append(result.Actions,
				trace.NewToolAction(call.ID, call.Function.Name, args, requiresConfirm))
		}
		return result, nil
	}

	actionType, message, rawRef := llm.CoerceContentAction(content)
	p.logger.Debug("Coerced content action",
		zap.String("type", string(actionType)),
		zap.String("raw", clip(rawRef, 200)),
	)
	result.Actions = append(result.Actions, trace.NewContentAction(actionType, message, rawRef))
	return result, nil
}

// Summarize implements domainctx.Summarizer: compress head messages via a
// fixed summarizer prompt with a strict JSON-schema response format.
func (p *Provider) Summarize(ctx context.Context, head []domainctx.Message, maxTokens int) (map[string]any, error) {
	headJSON, err := json.Marshal(head)
	if err != nil {
		return nil, err
	}

	resp, err := p.createWithRetry(ctx, goopenai.ChatCompletionRequest{
		Model: p.config.Model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: summarizerSystemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: "Extract summaries for:\n" + string(headJSON)},
		},
		MaxTokens: maxTokens,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type:       goopenai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: summarySchema(),
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm summary response has no choices")
	}

	extracted := llm.ExtractJSON(resp.Choices[0].Message.Content)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(extracted), &parsed); err != nil {
		return nil, fmt.Errorf("parse summary content: %w", err)
	}
	return parsed, nil
}

const summarizerSystemPrompt = "You are a context compressor for an LLM agent.\n" +
	"Summarize ONLY the provided HEAD messages into a compact, loss-minimizing memory.\n" +
	"Do NOT mention the TAIL.\n" +
	"Preserve: user constraints/goals, decisions, plans, unresolved questions, important entities,\n" +
	"tool usage (tool name + purpose + key args + key results/errors).\n" +
	"Remove: greetings, repetition, long logs, raw DOM/snapshots, boilerplate.\n" +
	"Output must match the JSON schema.\n" +
	"Keep it as short as possible while remaining useful.\n"

func summarySchema() *goopenai.ChatCompletionResponseFormatJSONSchema {
	return &goopenai.ChatCompletionResponseFormatJSONSchema{
		Name:        "llm_summary",
		Description: "Compressed summary object for head-context compaction.",
		Strict:      true,
		Schema: json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["summary"],
  "properties": {
    "summary": {
      "type": "string",
      "description": "Compressed summary of the head context, concise but complete.",
      "minLength": 1
    },
    "key_points": {
      "type": "array",
      "description": "Optional bullet highlights.",
      "items": {"type": "string", "minLength": 1},
      "default": []
    }
  }
}`),
	}
}

// createWithRetry retries retryable failures with exponential backoff.
func (p *Provider) createWithRetry(ctx context.Context, req goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<(attempt-1)) * 2 * time.Second
			p.logger.Info("Retrying LLM call",
				zap.Int("attempt", attempt),
				zap.Int("max_retries", p.config.MaxRetries),
				zap.Duration("wait", wait),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return goopenai.ChatCompletionResponse{}, ctx.Err()
			}
		}

		resp, err := p.client.CreateChatCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return goopenai.ChatCompletionResponse{}, fmt.Errorf("non-retryable LLM error: %w", err)
		}
		p.logger.Warn("LLM call failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return goopenai.ChatCompletionResponse{}, fmt.Errorf("LLM call failed after %d retries: %w", p.config.MaxRetries, lastErr)
}

// isRetryableError filters retryable transport and server failures.
// Non-retryable: auth, bad request, cancellation. Unknown errors retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())

	nonRetryable := []string{
		"context canceled",
		"unauthorized",
		"invalid api key",
		"bad request",
		"invalid argument",
		"model not found",
	}
	for _, pattern := range nonRetryable {
		if strings.Contains(errStr, pattern) {
			return false
		}
	}

	retryable := []string{
		"timeout",
		"deadline exceeded",
		"connection reset",
		"connection refused",
		"eof",
		"server error",
		"502", "503", "504", "529",
		"rate limit",
		"too many requests",
		"overloaded",
		"temporarily unavailable",
	}
	for _, pattern := range retryable {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return true
}

func (p *Provider) temperature() float32 {
	if p.config.Temperature > 0 {
		return p.config.Temperature
	}
	return 0.2
}

func (p *Provider) toChatTools(defs []tool.Definition) []goopenai.Tool {
	excluded := make(map[string]struct{}, len(p.config.ExcludeTools))
	for _, name := range p.config.ExcludeTools {
		excluded[name] = struct{}{}
	}

	tools := make([]goopenai.Tool, 0, len(defs))
	for _, def := range defs {
		if _, skip := excluded[def.Name]; skip {
			continue
		}
		tools = append(tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return tools
}

func toChatMessages(msgs []domainctx.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := goopenai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, goopenai.ToolCall{
				ID:   tc.ID,
				Type: goopenai.ToolType(tc.Type),
				Function: goopenai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

func tokenInfoFromUsage(usage goopenai.Usage) trace.TokenInfo {
	info := trace.TokenInfo{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
	if usage.PromptTokensDetails != nil {
		info.CachedTokens = usage.PromptTokensDetails.CachedTokens
	}
	return info
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
