package tool

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/stewardflow/stewardflow/internal/infrastructure/runtime"
	"go.uber.org/zap"
)

// GlobTool matches workspace files against a glob pattern.
type GlobTool struct {
	settings *runtime.Settings
	logger   *zap.Logger
}

// NewGlobTool creates the glob tool.
func NewGlobTool(settings *runtime.Settings, logger *zap.Logger) *GlobTool {
	return &GlobTool{settings: settings, logger: logger}
}

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Find workspace files matching a glob pattern, e.g. 'src/**/*.go' or '*.md'. " +
		"Returns workspace-relative paths."
}

func (t *GlobTool) RequiresConfirmation() bool { return false }

func (t *GlobTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern relative to the workspace root",
			},
			"max_results": map[string]any{
				"type":        "integer",
				"description": "Cap on returned paths (default 200)",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	pattern, _ := args["pattern"].(string)
	if !runtime.IsSafeRelativePath(pattern) {
		return map[string]any{"ok": false, "error": "path_outside_workspace:" + pattern}, nil
	}
	maxResults := intArg(args, "max_results", 200)

	root := t.settings.WorkspaceRoot()
	matches := []string{}

	// support ** by walking and matching path segments
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if matchGlob(pattern, rel) {
			matches = append(matches, rel)
			if len(matches) >= maxResults {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil && err != context.Canceled {
		return nil, err
	}

	return map[string]any{"ok": true, "pattern": pattern, "matches": matches, "count": len(matches)}, nil
}

// matchGlob matches a slash-separated path against a pattern where "**"
// crosses directory boundaries and "*" does not.
func matchGlob(pattern, name string) bool {
	if !strings.Contains(pattern, "**") {
		ok, _ := filepath.Match(pattern, name)
		return ok
	}
	// translate to a regexp: ** -> .*, * -> [^/]*, ? -> [^/]
	var sb strings.Builder
	sb.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			sb.WriteString("(?:.*/)?")
			i += 2
		case strings.HasPrefix(pattern[i:], "**"):
			sb.WriteString(".*")
			i++
		case pattern[i] == '*':
			sb.WriteString("[^/]*")
		case pattern[i] == '?':
			sb.WriteString("[^/]")
		default:
			sb.WriteString(regexp.QuoteMeta(string(pattern[i])))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

// GrepTool searches workspace files for a regular expression.
type GrepTool struct {
	settings *runtime.Settings
	logger   *zap.Logger
}

// NewGrepTool creates the grep tool.
func NewGrepTool(settings *runtime.Settings, logger *zap.Logger) *GrepTool {
	return &GrepTool{settings: settings, logger: logger}
}

func (t *GrepTool) Name() string { return "grep" }

func (t *GrepTool) Description() string {
	return "Search workspace files for a regular expression. Returns matching lines with " +
		"file path and line number."
}

func (t *GrepTool) RequiresConfirmation() bool { return false }

func (t *GrepTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Regular expression to search for",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative file or directory to search ('.' for the root)",
			},
			"max_results": map[string]any{
				"type":        "integer",
				"description": "Cap on returned matches (default 100)",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	pattern, _ := args["pattern"].(string)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	rawPath, _ := args["path"].(string)
	if rawPath == "" {
		rawPath = "."
	}
	resolved, rerr := t.settings.ResolveWorkspacePath(rawPath)
	if rerr != nil {
		return map[string]any{"ok": false, "error": rerr.Error()}, nil
	}
	maxResults := intArg(args, "max_results", 100)

	matches := []map[string]any{}
	root := t.settings.WorkspaceRoot()

	walkErr := filepath.WalkDir(resolved, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		found, serr := scanFile(path, filepath.ToSlash(rel), re, maxResults-len(matches))
		if serr != nil {
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= maxResults {
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil && walkErr != context.Canceled {
		return nil, walkErr
	}

	return map[string]any{"ok": true, "pattern": pattern, "matches": matches, "count": len(matches)}, nil
}

func scanFile(path, rel string, re *regexp.Regexp, budget int) ([]map[string]any, error) {
	if budget <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := []map[string]any{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if re.MatchString(line) {
			if len(line) > 300 {
				line = line[:300]
			}
			out = append(out, map[string]any{
				"path": rel,
				"line": lineNo,
				"text": line,
			})
			if len(out) >= budget {
				break
			}
		}
	}
	return out, nil
}
