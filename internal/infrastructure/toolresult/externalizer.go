package toolresult

import (
	"fmt"
	"strings"

	"github.com/stewardflow/stewardflow/internal/domain/service"
	"github.com/stewardflow/stewardflow/internal/infrastructure/runtime"
	"github.com/stewardflow/stewardflow/internal/infrastructure/tracelog"
	"go.uber.org/zap"
)

// Externalizer is the policy layer over the store: inline small text
// results, persist large or binary ones as refs, and emit a trace event per
// decision.
type Externalizer struct {
	settings *runtime.Settings
	store    *Store
	logger   *zap.Logger
}

// NewExternalizer builds the policy layer over validated settings.
func NewExternalizer(settings *runtime.Settings, logger *zap.Logger) *Externalizer {
	return &Externalizer{
		settings: settings,
		store:    NewStore(settings),
		logger:   logger,
	}
}

var _ service.ResultExternalizer = (*Externalizer)(nil)

// Store exposes the underlying store for tools that persist artifacts
// directly (truncated fs_read previews go through the same ref discipline).
func (e *Externalizer) Store() *Store { return e.store }

func (e *Externalizer) summary(toolName, kind string, chars, bytesSize int) string {
	if kind == "ref" {
		return fmt.Sprintf("Tool '%s' result externalized to ref (%d chars, %d bytes).", toolName, chars, bytesSize)
	}
	return fmt.Sprintf("Tool '%s' returned inline result (%d chars, %d bytes).", toolName, chars, bytesSize)
}

// Externalize normalizes a raw result and decides inline vs ref:
// binary, always-externalized tools, or anything over the inline limit goes
// to disk. The returned map is the observation content.
func (e *Externalizer) Externalize(in service.ExternalizeRequest) (map[string]any, error) {
	normalized := e.store.Normalize(in.RawResult)
	forceRef := e.settings.AlwaysExternalize(in.ToolName) || normalized.IsBinary
	useRef := forceRef || normalized.Chars() > e.settings.InlineLimit()

	preview, truncated := e.store.Preview(normalized.Text, e.settings.PreviewLimit())
	stats := map[string]any{
		"bytes":     normalized.BytesSize(),
		"lines":     normalized.Lines(),
		"chars":     normalized.Chars(),
		"truncated": truncated,
	}

	tc := tracelog.Context{
		TraceID:    in.TraceID,
		TurnID:     in.TurnID,
		StepID:     in.StepID,
		ToolCallID: in.ToolCallID,
		ToolName:   in.ToolName,
	}

	if useRef {
		ref, err := e.store.Persist(in.TraceID, in.TurnID, in.StepID, in.ToolCallID, normalized)
		if err != nil {
			return nil, err
		}
		tracelog.Emit(e.logger, "externalize", tc, map[string]any{
			"kind":      "ref",
			"chars":     normalized.Chars(),
			"bytes":     normalized.BytesSize(),
			"lines":     normalized.Lines(),
			"truncated": truncated,
			"force_ref": forceRef,
			"ref_path":  ref.Path,
		})
		return map[string]any{
			"kind":      "ref",
			"tool_name": in.ToolName,
			"summary":   e.summary(in.ToolName, "ref", normalized.Chars(), normalized.BytesSize()),
			"preview":   preview,
			"stats":     stats,
			"ref":       ref.ToMap(),
		}, nil
	}

	tracelog.Emit(e.logger, "externalize", tc, map[string]any{
		"kind":      "inline",
		"chars":     normalized.Chars(),
		"bytes":     normalized.BytesSize(),
		"lines":     normalized.Lines(),
		"truncated": truncated,
		"force_ref": forceRef,
	})
	return map[string]any{
		"kind":      "inline",
		"tool_name": in.ToolName,
		"summary":   e.summary(in.ToolName, "inline", normalized.Chars(), normalized.BytesSize()),
		"preview":   preview,
		"content":   normalized.Text,
		"stats":     stats,
	}, nil
}

// BuildError shapes a tool failure as inline observation content.
func (e *Externalizer) BuildError(toolName, errorText string) map[string]any {
	preview, truncated := e.store.Preview(errorText, e.settings.PreviewLimit())
	lines := 0
	if errorText != "" {
		lines = strings.Count(errorText, "\n") + 1
	}
	return map[string]any{
		"kind":      "inline",
		"tool_name": toolName,
		"summary":   fmt.Sprintf("Tool '%s' execution failed.", toolName),
		"preview":   preview,
		"content":   errorText,
		"stats": map[string]any{
			"bytes":     len(errorText),
			"lines":     lines,
			"chars":     len(errorText),
			"truncated": truncated,
		},
	}
}
