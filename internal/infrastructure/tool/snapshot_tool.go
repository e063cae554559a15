package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stewardflow/stewardflow/internal/infrastructure/runtime"
	"go.uber.org/zap"
)

const (
	snapshotLatestFile  = "data/snapshot_latest.txt"
	snapshotHistoryFile = "data/snapshot_history.txt"
)

// SnapshotQueryTool searches the most recent page snapshot under data/.
// Results are shaped as snapshot_query_result objects so the context
// compactor can fold them into compact highlights.
type SnapshotQueryTool struct {
	settings *runtime.Settings
	logger   *zap.Logger
}

// NewSnapshotQueryTool creates the snapshot_query tool.
func NewSnapshotQueryTool(settings *runtime.Settings, logger *zap.Logger) *SnapshotQueryTool {
	return &SnapshotQueryTool{settings: settings, logger: logger}
}

func (t *SnapshotQueryTool) Name() string { return "snapshot_query" }

func (t *SnapshotQueryTool) Description() string {
	return "Search the latest page snapshot for keywords. Use after browser navigation instead of " +
		"re-reading the whole snapshot."
}

func (t *SnapshotQueryTool) RequiresConfirmation() bool { return false }

func (t *SnapshotQueryTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"queries": map[string]any{
				"type":        "array",
				"description": "Keywords or phrases to look for",
				"items":       map[string]any{"type": "string"},
			},
			"max_hits": map[string]any{
				"type":        "integer",
				"description": "Cap on matched lines per query (default 12)",
			},
		},
		"required": []string{"queries"},
	}
}

func (t *SnapshotQueryTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	rawQueries, _ := args["queries"].([]any)
	queries := make([]string, 0, len(rawQueries))
	for _, q := range rawQueries {
		if s, ok := q.(string); ok && strings.TrimSpace(s) != "" {
			queries = append(queries, s)
		}
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("queries is required")
	}
	maxHits := intArg(args, "max_hits", 12)

	latestPath := filepath.Join(t.settings.WorkspaceRoot(), filepath.FromSlash(snapshotLatestFile))
	data, err := os.ReadFile(latestPath)
	if err != nil {
		return nil, fmt.Errorf("no snapshot available: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	items := make([]map[string]any, 0, len(queries))
	for _, query := range queries {
		hits := []string{}
		needle := strings.ToLower(query)
		for _, line := range lines {
			if strings.Contains(strings.ToLower(line), needle) {
				trimmed := strings.TrimSpace(line)
				if len(trimmed) > 300 {
					trimmed = trimmed[:300]
				}
				hits = append(hits, trimmed)
				if len(hits) >= maxHits {
					break
				}
			}
		}
		items = append(items, map[string]any{
			"query":  query,
			"result": map[string]any{"top_hits": hits},
		})
	}

	return map[string]any{
		"type":        "snapshot_query_result",
		"latest_path": snapshotLatestFile,
		"meta": map[string]any{
			"snapshot_lines": len(lines),
			"search_scope":   "latest",
		},
		"result": map[string]any{"items": items},
	}, nil
}

// SaveSnapshot records snapshot content under data/: the latest snapshot is
// replaced, history is appended. Used by browser-facing tool adapters.
func SaveSnapshot(settings *runtime.Settings, content string) error {
	root := settings.WorkspaceRoot()
	latest := filepath.Join(root, filepath.FromSlash(snapshotLatestFile))
	history := filepath.Join(root, filepath.FromSlash(snapshotHistoryFile))

	if err := os.MkdirAll(filepath.Dir(latest), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(latest, []byte(content), 0o644); err != nil {
		return err
	}

	f, err := os.OpenFile(history, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content + "\n---\n")
	return err
}
