package toolresult

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stewardflow/stewardflow/internal/infrastructure/runtime"
)

// StoredRef describes a persisted result blob. Path is workspace-relative.
type StoredRef struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Mime      string `json:"mime"`
	Bytes     int    `json:"bytes"`
	SHA256    string `json:"sha256"`
	CreatedAt string `json:"created_at"`
}

// ToMap renders the ref for embedding into observation content.
func (r StoredRef) ToMap() map[string]any {
	return map[string]any{
		"id":         r.ID,
		"path":       r.Path,
		"mime":       r.Mime,
		"bytes":      r.Bytes,
		"sha256":     r.SHA256,
		"created_at": r.CreatedAt,
	}
}

// Normalized is a tool result reduced to bytes + text + mime.
type Normalized struct {
	RawBytes []byte
	Text     string
	Mime     string
	Ext      string
	IsBinary bool
}

// BytesSize returns the byte length of the raw payload.
func (n Normalized) BytesSize() int { return len(n.RawBytes) }

// Chars returns the character length of the text form.
func (n Normalized) Chars() int { return len(n.Text) }

// Lines counts newline-separated lines of the text form.
func (n Normalized) Lines() int {
	if n.Text == "" {
		return 0
	}
	return strings.Count(n.Text, "\n") + 1
}

var segmentRE = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeSegment maps an id into a filesystem-safe path segment.
func SanitizeSegment(value string) string {
	cleaned := segmentRE.ReplaceAllString(value, "_")
	cleaned = strings.Trim(cleaned, "._")
	if cleaned == "" {
		return "unknown"
	}
	return cleaned
}

func looksLikeJSON(text string) bool {
	s := strings.TrimSpace(text)
	if s == "" {
		return false
	}
	objectShaped := strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
	arrayShaped := strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")
	if !objectShaped && !arrayShaped {
		return false
	}
	return json.Valid([]byte(s))
}

// Store persists normalized tool results under the sandboxed tool-result
// root. Writers do not coordinate beyond unique filenames.
type Store struct {
	settings *runtime.Settings
}

// NewStore creates a store over validated runtime settings. Settings
// construction already rejected unsafe roots.
func NewStore(settings *runtime.Settings) *Store {
	return &Store{settings: settings}
}

// Normalize reduces an arbitrary tool result value:
// bytes stay bytes (binary when not valid UTF-8), maps/slices become stable
// JSON, everything else is stringified. JSON-looking text gets a JSON mime.
func (s *Store) Normalize(rawResult any) Normalized {
	switch v := rawResult.(type) {
	case []byte:
		if utf8.Valid(v) {
			return Normalized{
				RawBytes: v,
				Text:     string(v),
				Mime:     "text/plain; charset=utf-8",
				Ext:      "txt",
			}
		}
		return Normalized{
			RawBytes: v,
			Text:     fmt.Sprintf("<binary %d bytes>", len(v)),
			Mime:     "application/octet-stream",
			Ext:      "bin",
			IsBinary: true,
		}

	case map[string]any, []any:
		raw, err := json.Marshal(v)
		if err != nil {
			text := fmt.Sprintf("%v", v)
			return Normalized{RawBytes: []byte(text), Text: text, Mime: "text/plain; charset=utf-8", Ext: "txt"}
		}
		return Normalized{RawBytes: raw, Text: string(raw), Mime: "application/json", Ext: "json"}

	case nil:
		return Normalized{RawBytes: []byte{}, Text: "", Mime: "text/plain; charset=utf-8", Ext: "txt"}

	case string:
		return normalizeText(v)

	default:
		return normalizeText(fmt.Sprintf("%v", v))
	}
}

func normalizeText(text string) Normalized {
	mime := "text/plain; charset=utf-8"
	ext := "txt"
	if looksLikeJSON(text) {
		mime = "application/json"
		ext = "json"
	}
	return Normalized{RawBytes: []byte(text), Text: text, Mime: mime, Ext: ext}
}

// Preview clips text to limit characters, reporting whether it truncated.
func (s *Store) Preview(text string, limit int) (string, bool) {
	if limit < 0 {
		limit = 0
	}
	if len(text) <= limit {
		return text, false
	}
	return text[:limit], true
}

// Persist writes the payload to
// <root>/<trace>/<turn>/<step>/<tool_call_id>_<rand12>.<ext>. The random
// suffix keeps retried calls from colliding.
func (s *Store) Persist(traceID, turnID, stepID, toolCallID string, normalized Normalized) (StoredRef, error) {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	filename := fmt.Sprintf("%s_%s.%s", SanitizeSegment(toolCallID), suffix, normalized.Ext)
	dir := filepath.Join(
		s.settings.ToolResultRoot(),
		SanitizeSegment(traceID),
		SanitizeSegment(turnID),
		SanitizeSegment(stepID),
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return StoredRef{}, fmt.Errorf("create tool result dir: %w", err)
	}

	fullPath := filepath.Join(dir, filename)
	if err := os.WriteFile(fullPath, normalized.RawBytes, 0o644); err != nil {
		return StoredRef{}, fmt.Errorf("write tool result: %w", err)
	}

	sum := sha256.Sum256(normalized.RawBytes)
	hash := hex.EncodeToString(sum[:])

	relPath, err := filepath.Rel(s.settings.WorkspaceRoot(), fullPath)
	if err != nil {
		relPath = fullPath
	}

	return StoredRef{
		ID:        "ref_" + hash[:16],
		Path:      filepath.ToSlash(relPath),
		Mime:      normalized.Mime,
		Bytes:     normalized.BytesSize(),
		SHA256:    hash,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}
