package trace

// ActionType classifies a single discrete intent produced by the LLM.
type ActionType string

const (
	ActionTypeTool           ActionType = "tool"
	ActionTypeRequestInput   ActionType = "request_input"
	ActionTypeRequestConfirm ActionType = "request_confirm"
	ActionTypeFinish         ActionType = "finish"
	ActionTypeError          ActionType = "error"
)

// ActionStatus is the lifecycle state of one action.
type ActionStatus string

const (
	ActionPlanned        ActionStatus = "planned"
	ActionWaitingConfirm ActionStatus = "waiting_confirm"
	ActionWaitingInput   ActionStatus = "waiting_input"
	ActionApproved       ActionStatus = "approved"
	ActionDenied         ActionStatus = "denied"
	ActionRunning        ActionStatus = "running"
	ActionDone           ActionStatus = "done"
	ActionFailed         ActionStatus = "failed"
	ActionSkipped        ActionStatus = "skipped"
)

// ConfirmStatus tracks the user's decision on a tool pre-execution confirm.
type ConfirmStatus string

const (
	ConfirmPending  ConfirmStatus = "pending"
	ConfirmApproved ConfirmStatus = "approved"
	ConfirmDenied   ConfirmStatus = "denied"
)

// Action is a single intent: either one tool invocation (ActionID equals the
// LLM tool-call id) or one typed content response.
type Action struct {
	ActionID string     `json:"action_id"`
	Type     ActionType `json:"type"`

	// Tool actions.
	ToolName        string         `json:"tool_name,omitempty"`
	Args            map[string]any `json:"args,omitempty"`
	RequiresConfirm bool           `json:"requires_confirm,omitempty"`
	ConfirmStatus   ConfirmStatus  `json:"confirm_status,omitempty"`

	// Content actions.
	Message string `json:"message,omitempty"`
	// RequestInput is the human reply, back-filled on submit.
	RequestInput string `json:"request_input,omitempty"`

	// FullRef is the LLM's raw JSON object for a content action, replayed
	// verbatim when messages are rebuilt.
	FullRef string `json:"full_ref,omitempty"`

	Status ActionStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// NewToolAction builds a planned tool action bound to its tool-call id.
func NewToolAction(callID, toolName string, args map[string]any, requiresConfirm bool) *Action {
	a := &Action{
		ActionID:        callID,
		Type:            ActionTypeTool,
		ToolName:        toolName,
		Args:            args,
		RequiresConfirm: requiresConfirm,
		Status:          ActionPlanned,
	}
	if requiresConfirm {
		a.ConfirmStatus = ConfirmPending
	}
	return a
}

// NewContentAction builds a planned content action (finish / request_input /
// request_confirm) carrying the raw LLM JSON as FullRef.
func NewContentAction(t ActionType, message, fullRef string) *Action {
	return &Action{
		ActionID: NewActionID(),
		Type:     t,
		Message:  message,
		FullRef:  fullRef,
		Status:   ActionPlanned,
	}
}

// IsTerminalStatus reports whether the action needs no further handling.
func (a *Action) IsTerminalStatus() bool {
	switch a.Status {
	case ActionDone, ActionSkipped, ActionDenied, ActionFailed:
		return true
	}
	return false
}
