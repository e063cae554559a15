package context

import (
	"context"
	"time"

	"github.com/stewardflow/stewardflow/internal/domain/trace"
)

// Message is one entry of the assembled prompt window.
type Message struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []trace.ToolCall `json:"tool_calls,omitempty"`
}

// Span is a half-open [Start, End) index range into Messages.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// RuntimeContext is the per-trace incremental message cache with the
// bookkeeping the compactor needs: per-message token estimates, per-step
// message spans and idempotency sets for turns and steps.
type RuntimeContext struct {
	TraceID          string `json:"trace_id"`
	SystemPromptHash string `json:"system_prompt_hash"`

	// persisted calibration
	CalibrationMultiplier float64 `json:"calibration_multiplier"`

	// messages cache; MsgTokensRawSum is maintained incrementally
	Messages        []Message `json:"messages"`
	MsgTokensRaw    []int     `json:"msg_tokens_raw"`
	MsgTokensRawSum int       `json:"msg_tokens_raw_sum"`

	// schema caches (version or hash key)
	ToolSchemaKey           string `json:"tool_schema_key,omitempty"`
	ToolSchemaTokensRaw     int    `json:"tool_schema_tokens_raw"`
	ResponseSchemaKey       string `json:"response_schema_key,omitempty"`
	ResponseSchemaTokensRaw int    `json:"response_schema_tokens_raw"`

	// step bookkeeping (incremental build)
	StepOrder         []string        `json:"step_order"`
	StepSpanMap       map[string]Span `json:"step_span_map"`
	StepTokensRaw     map[string]int  `json:"step_tokens_raw"`
	LastAppliedStepID string          `json:"last_applied_step_id,omitempty"`

	// idempotency keys; step dedupe must survive result-card replacement
	SeenTurnIDs []string `json:"seen_turn_ids"`
	SeenStepIDs []string `json:"seen_step_ids"`

	// summarization audit
	SummaryVersions []map[string]any `json:"summary_versions"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewRuntimeContext seeds a context with the system message at index 0.
func NewRuntimeContext(traceID, systemPrompt string, estimator *TokenEstimator) *RuntimeContext {
	sysMsg := Message{Role: "system", Content: systemPrompt}
	t := estimator.EstimateMessageTokensRaw(sysMsg)
	return &RuntimeContext{
		TraceID:               traceID,
		SystemPromptHash:      SHA1Hex(systemPrompt),
		CalibrationMultiplier: estimator.Multiplier(),
		Messages:              []Message{sysMsg},
		MsgTokensRaw:          []int{t},
		MsgTokensRawSum:       t,
		StepSpanMap:           map[string]Span{},
		StepTokensRaw:         map[string]int{},
		UpdatedAt:             time.Now().UTC(),
	}
}

// HasSeenTurn reports whether the turn's user_input was already appended.
func (c *RuntimeContext) HasSeenTurn(turnID string) bool {
	for _, id := range c.SeenTurnIDs {
		if id == turnID {
			return true
		}
	}
	return false
}

// HasSeenStep reports whether the step was already applied.
func (c *RuntimeContext) HasSeenStep(stepID string) bool {
	for _, id := range c.SeenStepIDs {
		if id == stepID {
			return true
		}
	}
	return false
}

// MarkStepSeen records a step id in the dedupe set if not present.
func (c *RuntimeContext) MarkStepSeen(stepID string) {
	if !c.HasSeenStep(stepID) {
		c.SeenStepIDs = append(c.SeenStepIDs, stepID)
	}
}

// RepairTokenSum rebuilds the incremental sum if a loaded context predates
// it. Migration safety only.
func (c *RuntimeContext) RepairTokenSum() {
	if c.MsgTokensRawSum > 0 || len(c.MsgTokensRaw) == 0 {
		return
	}
	sum := 0
	for _, t := range c.MsgTokensRaw {
		sum += t
	}
	c.MsgTokensRawSum = sum
}

// Store persists runtime contexts keyed by trace id. The manager is the
// single writer per trace; implementations only need atomic whole-object
// swaps.
type Store interface {
	Load(ctx context.Context, traceID string) (*RuntimeContext, error)
	Save(ctx context.Context, rc *RuntimeContext) error
	Delete(ctx context.Context, traceID string) error
}
