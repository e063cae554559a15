package tracelog

import (
	"go.uber.org/zap"
)

// maxPreviewChars bounds string values in trace events so a 50KB tool payload
// never lands in the log stream.
const maxPreviewChars = 120

// noClipKeys identifies fields that must survive intact: ids and paths are
// what you grep for.
var noClipKeys = map[string]struct{}{
	"trace_id":      {},
	"turn_id":       {},
	"step_id":       {},
	"event":         {},
	"tool_call_id":  {},
	"tool_name":     {},
	"ref_path":      {},
	"path":          {},
	"allowed_roots": {},
}

// Context binds the ids every trace event should carry.
type Context struct {
	TraceID    string
	TurnID     string
	StepID     string
	ToolCallID string
	ToolName   string
}

func clip(value string) string {
	if len(value) <= maxPreviewChars {
		return value
	}
	return value[:maxPreviewChars]
}

func sanitize(value any, key string) any {
	switch v := value.(type) {
	case string:
		if _, keep := noClipKeys[key]; keep {
			return v
		}
		return clip(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = sanitize(item, k)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitize(item, key)
		}
		return out
	default:
		return value
	}
}

// Emit writes one structured trace event. String fields are clipped to a
// bounded preview unless their key is id-like.
func Emit(logger *zap.Logger, event string, tc Context, fields map[string]any) {
	zf := make([]zap.Field, 0, len(fields)+6)
	zf = append(zf, zap.String("event", event))
	if tc.TraceID != "" {
		zf = append(zf, zap.String("trace_id", tc.TraceID))
	}
	if tc.TurnID != "" {
		zf = append(zf, zap.String("turn_id", tc.TurnID))
	}
	if tc.StepID != "" {
		zf = append(zf, zap.String("step_id", tc.StepID))
	}
	if tc.ToolCallID != "" {
		zf = append(zf, zap.String("tool_call_id", tc.ToolCallID))
	}
	if tc.ToolName != "" {
		zf = append(zf, zap.String("tool_name", tc.ToolName))
	}
	for k, v := range fields {
		zf = append(zf, zap.Any(k, sanitize(v, k)))
	}
	logger.Info("event_log", zf...)
}
