package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/stewardflow/stewardflow/internal/domain/trace"
)

var (
	jsonCodeblockRE = regexp.MustCompile("(?is)```(?:json)?\\s*([\\s\\S]*?)\\s*```")
	thinkRE         = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
)

// actionTypeAliases normalizes the model's spelling of content action types.
var actionTypeAliases = map[string]string{
	"done":      "finish",
	"final":     "finish",
	"completed": "finish",
	"complete":  "finish",
	"confirm":   "request_confirm",
}

// ExtractThink splits <think>…</think> blocks out of content, returning the
// reasoning text and the content with the blocks removed.
func ExtractThink(content string) (reasoning, rest string) {
	m := thinkRE.FindStringSubmatch(content)
	if m != nil {
		reasoning = strings.TrimSpace(m[1])
	}
	rest = strings.TrimSpace(thinkRE.ReplaceAllString(content, ""))
	return reasoning, rest
}

// ExtractJSON pulls the most likely JSON payload out of free-form model
// output: a fenced code block first, then the first balanced object, then
// the input unchanged.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if m := jsonCodeblockRE.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if res := extractFirstBalancedObject(s); res != "" {
		return res
	}
	return s
}

// extractFirstBalancedObject scans for the first fully paired {...},
// ignoring braces inside strings and handling escapes.
func extractFirstBalancedObject(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	inStr := false
	escape := false
	depth := 0

	for i := start; i < len(text); i++ {
		ch := text[i]

		if inStr {
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inStr = false
			}
			continue
		}

		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(text[start : i+1])
			}
		}
	}
	return ""
}

// repairJSONStructure closes missing brackets in almost-JSON text. Returns
// "" when the input is not recoverable (not object-shaped, or cut inside a
// string).
func repairJSONStructure(s string) string {
	text := strings.TrimSpace(s)
	if !strings.HasPrefix(text, "{") {
		return ""
	}

	inStr := false
	escape := false
	var stack []byte
	var out strings.Builder

	for i := 0; i < len(text); i++ {
		ch := text[i]

		if inStr {
			out.WriteByte(ch)
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inStr = false
			}
			continue
		}

		switch ch {
		case '"':
			inStr = true
			out.WriteByte(ch)
		case '{', '[':
			stack = append(stack, ch)
			out.WriteByte(ch)
		case '}', ']':
			var expected byte = '{'
			if ch == ']' {
				expected = '['
			}
			// recover cases like a missing "]" before a trailing "}"
			for len(stack) > 0 && stack[len(stack)-1] != expected {
				missing := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if missing == '{' {
					out.WriteByte('}')
				} else {
					out.WriteByte(']')
				}
			}
			if len(stack) > 0 && stack[len(stack)-1] == expected {
				stack = stack[:len(stack)-1]
				out.WriteByte(ch)
			}
			// unmatched closers are dropped
		default:
			out.WriteByte(ch)
		}
	}

	if inStr {
		return ""
	}
	for len(stack) > 0 {
		missing := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if missing == '{' {
			out.WriteByte('}')
		} else {
			out.WriteByte(']')
		}
	}
	repaired := strings.TrimSpace(out.String())
	if !strings.HasPrefix(repaired, "{") {
		return ""
	}
	return repaired
}

func parseJSONObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// SafeParseToolArgs parses tool-call arguments robustly: direct JSON, then
// first-balanced-object extraction, then structural repair. Falls back to an
// empty map — malformed arguments never fail the action. The second return
// reports whether a repair/fallback was needed.
func SafeParseToolArgs(argStr string) (map[string]any, bool) {
	s := strings.TrimSpace(argStr)
	if s == "" {
		return map[string]any{}, false
	}

	if obj, ok := parseJSONObject(s); ok {
		return obj, false
	}

	if balanced := extractFirstBalancedObject(s); balanced != "" {
		if obj, ok := parseJSONObject(balanced); ok {
			return obj, true
		}
	}

	if repaired := repairJSONStructure(s); repaired != "" && repaired != s {
		if obj, ok := parseJSONObject(repaired); ok {
			return obj, true
		}
	}

	return map[string]any{}, true
}

// CoerceContentAction normalizes free-form assistant content into exactly one
// typed content action. The alias set maps done/final/completed/complete to
// finish and confirm to request_confirm; unknown or non-object content
// collapses to finish with the text as message. Unparseable content falls
// back to request_input so the run never dies on a parse error.
func CoerceContentAction(content string) (trace.ActionType, string, string) {
	extracted := ExtractJSON(content)

	var parsed any
	if err := json.Unmarshal([]byte(extracted), &parsed); err != nil {
		msg := extracted
		if msg == "" {
			msg = content
		}
		rawRef := StableContentRef("request_input", msg)
		return trace.ActionTypeRequestInput, msg, rawRef
	}

	obj, isObj := parsed.(map[string]any)
	if !isObj {
		msg, isStr := parsed.(string)
		if !isStr {
			raw, _ := json.Marshal(parsed)
			msg = string(raw)
		}
		return trace.ActionTypeFinish, msg, StableContentRef("finish", msg)
	}

	rawRef, _ := json.Marshal(obj)

	normalizedType := ""
	if typRaw, ok := obj["type"].(string); ok {
		candidate := strings.ToLower(strings.TrimSpace(typRaw))
		if alias, ok := actionTypeAliases[candidate]; ok {
			candidate = alias
		}
		switch candidate {
		case string(trace.ActionTypeFinish), string(trace.ActionTypeRequestInput), string(trace.ActionTypeRequestConfirm):
			normalizedType = candidate
		}
	}

	message := ""
	switch msgRaw := obj["message"].(type) {
	case string:
		message = strings.TrimSpace(msgRaw)
	case nil:
	default:
		raw, _ := json.Marshal(msgRaw)
		message = string(raw)
	}

	// no recognizable type means the object is the task result
	if normalizedType == "" {
		normalizedType = string(trace.ActionTypeFinish)
	}
	if message == "" {
		message = string(rawRef)
	}

	return trace.ActionType(normalizedType), message, string(rawRef)
}

// StableContentRef renders a synthetic content-action object for FullRef
// when the model output had to be coerced.
func StableContentRef(actionType, message string) string {
	raw, _ := json.Marshal(map[string]string{"type": actionType, "message": message})
	return string(raw)
}
