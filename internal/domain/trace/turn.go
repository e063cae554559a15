package trace

import "time"

// TurnStatus is the lifecycle state of one human-visible exchange.
type TurnStatus string

const (
	TurnRunning TurnStatus = "running"
	TurnDone    TurnStatus = "done"
	TurnFailed  TurnStatus = "failed"
)

// Turn holds one user utterance and every planning step it produced.
type Turn struct {
	TurnID    string     `json:"turn_id"`
	Index     int        `json:"index"` // 1-based within the trace
	UserInput string     `json:"user_input"`
	Status    TurnStatus `json:"status"`

	Steps []*Step `json:"steps"`

	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewTurn creates a running turn with no steps yet.
func NewTurn(index int, userInput string) *Turn {
	return &Turn{
		TurnID:    NewTurnID(),
		Index:     index,
		UserInput: userInput,
		Status:    TurnRunning,
		Steps:     []*Step{},
		CreatedAt: time.Now().UTC(),
	}
}

// AppendStep attaches a new running step to the turn.
func (t *Turn) AppendStep() *Step {
	step := NewStep(len(t.Steps) + 1)
	t.Steps = append(t.Steps, step)
	return step
}

// LastStep returns the most recent step, or nil for an empty turn.
func (t *Turn) LastStep() *Step {
	if len(t.Steps) == 0 {
		return nil
	}
	return t.Steps[len(t.Steps)-1]
}

// Finish marks the turn done.
func (t *Turn) Finish() {
	now := time.Now().UTC()
	t.Status = TurnDone
	t.FinishedAt = &now
}

// StepIDs lists the ids of all steps, in order.
func (t *Turn) StepIDs() []string {
	ids := make([]string, 0, len(t.Steps))
	for _, s := range t.Steps {
		ids = append(ids, s.StepID)
	}
	return ids
}
