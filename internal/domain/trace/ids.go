package trace

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a prefixed, collision-resistant identifier such as
// "trace_9f2c4e...". Prefixes keep ids self-describing in logs and
// checkpoints.
func NewID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewTraceID returns a fresh trace id.
func NewTraceID() string { return NewID("trace_") }

// NewTurnID returns a fresh turn id.
func NewTurnID() string { return NewID("turn_") }

// NewStepID returns a fresh step id.
func NewStepID() string { return NewID("step_") }

// NewActionID returns a fresh action id.
func NewActionID() string { return NewID("action_") }

// NewObservationID returns a fresh observation id.
func NewObservationID() string { return NewID("obs_") }

// NewMessageID returns a fresh event message id.
func NewMessageID() string { return NewID("msg_") }
