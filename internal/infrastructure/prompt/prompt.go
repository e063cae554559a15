package prompt

import (
	"fmt"
	"strings"

	"github.com/stewardflow/stewardflow/internal/domain/tool"
)

// Builder renders the system prompt. The cache manager hashes the rendered
// prompt, so the output must be deterministic for a fixed registry.
type Builder struct {
	registry tool.Registry
}

// NewBuilder creates a prompt builder over the tool registry.
func NewBuilder(registry tool.Registry) *Builder {
	return &Builder{registry: registry}
}

// Build renders the agent system prompt: role, the typed response contract
// and the tool inventory.
func (b *Builder) Build() string {
	var sb strings.Builder

	sb.WriteString(`You are a task execution agent. You plan step by step: inspect the state of the task, decide the single next action, and act.

You act in one of two ways per step:
1. Call one or more of the provided tools (preferred whenever a tool applies).
2. Reply with EXACTLY one JSON object, no prose around it, of the form:
   {"type": "<finish|request_input|request_confirm>", "message": "<text for the user>"}

Rules:
- "finish" ends the task; put the complete final answer in "message".
- "request_input" asks the user for missing information; "message" is the question.
- "request_confirm" asks the user to approve your plan; "message" describes what you intend to do.
- Never invent tool results. If a tool failed, read the error and adjust.
- File paths are relative to the workspace root; never use absolute paths or "..".
`)

	defs := b.registry.List()
	if len(defs) > 0 {
		sb.WriteString("\nAvailable tools:\n")
		for _, def := range defs {
			desc := def.Description
			if idx := strings.IndexByte(desc, '\n'); idx > 0 {
				desc = desc[:idx]
			}
			sb.WriteString(fmt.Sprintf("- %s: %s\n", def.Name, desc))
		}
	}

	return sb.String()
}
