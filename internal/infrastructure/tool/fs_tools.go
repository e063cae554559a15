package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stewardflow/stewardflow/internal/infrastructure/runtime"
	"github.com/stewardflow/stewardflow/internal/infrastructure/toolresult"
	"go.uber.org/zap"
)

// ReadFileTool reads a workspace-relative file, capped at the configured
// fs_read limit. Truncated reads persist the full content through the tool
// result store so nothing is lost.
type ReadFileTool struct {
	settings *runtime.Settings
	store    *toolresult.Store
	logger   *zap.Logger
}

// NewReadFileTool creates the fs_read tool.
func NewReadFileTool(settings *runtime.Settings, store *toolresult.Store, logger *zap.Logger) *ReadFileTool {
	return &ReadFileTool{settings: settings, store: store, logger: logger}
}

func (t *ReadFileTool) Name() string { return "fs_read" }

func (t *ReadFileTool) Description() string {
	return "Read a text file inside the workspace. Paths must be relative to the workspace root. " +
		"Long files are truncated; the full content is persisted and referenced in the result."
}

func (t *ReadFileTool) RequiresConfirmation() bool { return false }

func (t *ReadFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative file path",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "Optional character offset to start reading from",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	rawPath, _ := args["path"].(string)
	resolved, err := t.settings.ResolveWorkspacePath(rawPath)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawPath, err)
	}
	content := string(data)

	offset := intArg(args, "offset", 0)
	if offset > 0 && offset < len(content) {
		content = content[offset:]
	} else if offset >= len(content) {
		content = ""
	}

	limit := t.settings.HardFSReadMaxChars()
	truncated := false
	var full string
	if len(content) > limit {
		full = content
		content = content[:limit]
		truncated = true
	}

	out := map[string]any{
		"ok":        true,
		"path":      rawPath,
		"content":   content,
		"chars":     len(content),
		"truncated": truncated,
	}

	if truncated {
		normalized := t.store.Normalize(full)
		ref, perr := t.store.Persist("fs_read", "direct", "direct", rawPath, normalized)
		if perr != nil {
			t.logger.Warn("Persisting truncated fs_read content failed",
				zap.String("path", rawPath),
				zap.Error(perr),
			)
		} else {
			out["full_ref"] = ref.ToMap()
		}
	}

	return out, nil
}

// WriteFileTool writes content to a workspace-relative file. Writes are
// mutating, so each call needs user confirmation.
type WriteFileTool struct {
	settings *runtime.Settings
	logger   *zap.Logger
}

// NewWriteFileTool creates the fs_write tool.
func NewWriteFileTool(settings *runtime.Settings, logger *zap.Logger) *WriteFileTool {
	return &WriteFileTool{settings: settings, logger: logger}
}

func (t *WriteFileTool) Name() string { return "fs_write" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file inside the workspace, creating parent directories as needed. " +
		"Paths must be relative to the workspace root."
}

func (t *WriteFileTool) RequiresConfirmation() bool { return true }

func (t *WriteFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative file path",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full file content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	rawPath, _ := args["path"].(string)
	content, _ := args["content"].(string)

	resolved, err := t.settings.ResolveWorkspacePath(rawPath)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dirs for %s: %w", rawPath, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", rawPath, err)
	}

	t.logger.Info("File written",
		zap.String("path", rawPath),
		zap.Int("bytes", len(content)),
	)
	return map[string]any{"ok": true, "path": rawPath, "bytes": len(content)}, nil
}

// ListDirTool lists directory entries inside the workspace.
type ListDirTool struct {
	settings *runtime.Settings
	logger   *zap.Logger
}

// NewListDirTool creates the fs_list tool.
func NewListDirTool(settings *runtime.Settings, logger *zap.Logger) *ListDirTool {
	return &ListDirTool{settings: settings, logger: logger}
}

func (t *ListDirTool) Name() string { return "fs_list" }

func (t *ListDirTool) Description() string {
	return "List entries of a workspace directory. Returns names, types and sizes, sorted by name."
}

func (t *ListDirTool) RequiresConfirmation() bool { return false }

func (t *ListDirTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative directory path ('.' for the root)",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	rawPath, _ := args["path"].(string)
	resolved, err := t.settings.ResolveWorkspacePath(rawPath)
	if err != nil {
		return map[string]any{"ok": false, "error": err.Error()}, nil
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", rawPath, err)
	}

	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"name": entry.Name(),
			"dir":  entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			item["size"] = info.Size()
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i]["name"].(string) < items[j]["name"].(string)
	})

	return map[string]any{"ok": true, "path": rawPath, "items": items}, nil
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n := 0
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
			return n
		}
	}
	return def
}
