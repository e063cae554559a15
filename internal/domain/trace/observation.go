package trace

import "time"

// ObservationType classifies the recorded outcome of an action.
type ObservationType string

const (
	ObsToolResult ObservationType = "tool_result" // tool executed, usable output
	ObsToolError  ObservationType = "tool_error"  // tool failed, errored or timed out
	ObsHITLDenied ObservationType = "hitl_denied" // user refused, tool never ran
	ObsInfo       ObservationType = "info"        // system/intermediate information
)

// Observation is the recorded outcome of one action. Content is the compact
// externalized form (inline text or preview); FullRef points at a persisted
// blob when the result was too large to inline.
type Observation struct {
	ObservationID string          `json:"observation_id"`
	ActionID      string          `json:"action_id"`
	Type          ObservationType `json:"type"`

	OK      bool           `json:"ok"`
	Content any            `json:"content"`
	FullRef map[string]any `json:"full_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewObservation builds an observation bound to an action.
func NewObservation(actionID string, typ ObservationType, ok bool, content any) *Observation {
	return &Observation{
		ObservationID: NewObservationID(),
		ActionID:      actionID,
		Type:          typ,
		OK:            ok,
		Content:       content,
		CreatedAt:     time.Now().UTC(),
	}
}
