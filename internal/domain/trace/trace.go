package trace

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a whole trace.
type Status string

const (
	StatusIdle    Status = "idle"    // created, not yet scheduled
	StatusRunning Status = "running" // executor is driving it
	StatusWaiting Status = "waiting" // suspended on a HITL event
	StatusPaused  Status = "paused"  // manually paused
	StatusDone    Status = "done"    // completed normally
	StatusFailed  Status = "failed"  // terminated with an error
)

// Node marks where the executor state machine currently sits.
// Progress is driven by where Node points, not by control flow.
type Node string

const (
	NodeThink   Node = "think"
	NodeDecide  Node = "decide"
	NodeExecute Node = "execute"
	NodeHITL    Node = "hitl"
	NodeObserve Node = "observe"
	NodeEnd     Node = "end"
)

// TokenInfo aggregates token accounting reported by the LLM adapter.
type TokenInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens"`
}

// Add accumulates another call's usage into the running totals.
func (t *TokenInfo) Add(other TokenInfo) {
	t.PromptTokens += other.PromptTokens
	t.CompletionTokens += other.CompletionTokens
	t.TotalTokens += other.TotalTokens
	t.CachedTokens += other.CachedTokens
}

// Trace is the conversation aggregate and the unit of checkpointing.
// It exclusively owns its Turns; resume anchors (CurrentTurnID,
// CurrentStepID, PendingActionID) are all that is needed to re-enter the
// state machine after a restart.
type Trace struct {
	TraceID  string `json:"trace_id"`
	ClientID string `json:"client_id"`

	Status Status `json:"status"`
	Node   Node   `json:"node"`

	CurrentTurnID   string `json:"current_turn_id,omitempty"`
	CurrentStepID   string `json:"current_step_id,omitempty"`
	PendingActionID string `json:"pending_action_id,omitempty"`

	Turns    []*Turn `json:"turns"`
	MaxTurns int     `json:"max_turns"`

	TokenInfo    TokenInfo `json:"token_info"`
	ErrorCount   int       `json:"error_count"`
	ErrorMessage string    `json:"error_message,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// DefaultMaxTurns bounds how many turns a trace may accumulate.
const DefaultMaxTurns = 100

// NewTrace creates a fresh trace positioned at THINK with no turns yet.
func NewTrace(clientID string) *Trace {
	return &Trace{
		TraceID:   NewTraceID(),
		ClientID:  clientID,
		Status:    StatusIdle,
		Node:      NodeThink,
		Turns:     []*Turn{},
		MaxTurns:  DefaultMaxTurns,
		CreatedAt: time.Now().UTC(),
	}
}

// CurrentTurn resolves the turn the resume anchor points at.
func (t *Trace) CurrentTurn() *Turn {
	for _, turn := range t.Turns {
		if turn.TurnID == t.CurrentTurnID {
			return turn
		}
	}
	return nil
}

// CurrentStep resolves the step the resume anchor points at.
func (t *Trace) CurrentStep() *Step {
	turn := t.CurrentTurn()
	if turn == nil {
		return nil
	}
	for _, step := range turn.Steps {
		if step.StepID == t.CurrentStepID {
			return step
		}
	}
	return nil
}

// PendingAction resolves the action the HITL anchor points at.
func (t *Trace) PendingAction() *Action {
	step := t.CurrentStep()
	if step == nil {
		return nil
	}
	for _, a := range step.Actions {
		if a.ActionID == t.PendingActionID {
			return a
		}
	}
	return nil
}

// AppendTurn attaches a new turn and moves the anchor onto it.
func (t *Trace) AppendTurn(userInput string) *Turn {
	turn := NewTurn(len(t.Turns)+1, userInput)
	t.Turns = append(t.Turns, turn)
	t.CurrentTurnID = turn.TurnID
	t.CurrentStepID = ""
	t.PendingActionID = ""
	return turn
}

// IsTerminal reports whether the trace reached DONE or FAILED.
func (t *Trace) IsTerminal() bool {
	return t.Status == StatusDone || t.Status == StatusFailed
}

// Fail transitions the trace into FAILED with the given message.
func (t *Trace) Fail(message string) {
	now := time.Now().UTC()
	t.Status = StatusFailed
	t.Node = NodeEnd
	t.ErrorCount++
	t.ErrorMessage = message
	t.FinishedAt = &now
}

// Clone deep-copies the trace through its JSON form. Checkpoint readers get
// clones so mutation by the executor never races a projection.
func (t *Trace) Clone() (*Trace, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var out Trace
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
