package runtime

import (
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/stewardflow/stewardflow/pkg/errors"
)

const (
	DefaultToolResultRootDir = "data/tool_results"
	DefaultInlineLimit       = 500
	DefaultPreviewLimit      = 500
	DefaultFSReadMaxChars    = 4000
)

// DefaultAlwaysExternalizeTools lists tools whose results are persisted as
// refs regardless of size.
var DefaultAlwaysExternalizeTools = []string{
	"chrome-devtools_take_snapshot",
	"chrome-devtools_take_screenshot",
}

// Settings confines every filesystem-touching component to the workspace
// root. Construction fails on unsafe tool-result roots instead of silently
// defaulting.
type Settings struct {
	workspaceRoot          string
	toolResultRootDir      string
	inlineLimit            int
	previewLimit           int
	fsReadMaxChars         int
	alwaysExternalizeTools map[string]struct{}
}

// Options feed NewSettings. Zero values fall back to defaults.
type Options struct {
	WorkspaceRoot          string
	ToolResultRootDir      string
	InlineLimit            int
	PreviewLimit           int
	FSReadMaxChars         int
	AlwaysExternalizeTools []string
}

// NewSettings validates options and resolves the workspace root.
func NewSettings(opts Options) (*Settings, error) {
	workspace := opts.WorkspaceRoot
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, apperrors.NewInternalErrorWithCause("resolve working directory", err)
		}
		workspace = wd
	}
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("resolve workspace root", err)
	}

	rootDir := strings.TrimSpace(opts.ToolResultRootDir)
	if rootDir == "" {
		rootDir = DefaultToolResultRootDir
	}
	if !IsSafeRelativePath(rootDir) {
		return nil, apperrors.NewInvalidInputError("unsafe_tool_result_root_dir: " + rootDir)
	}

	always := opts.AlwaysExternalizeTools
	if always == nil {
		always = DefaultAlwaysExternalizeTools
	}
	alwaysSet := make(map[string]struct{}, len(always))
	for _, name := range always {
		if name = strings.TrimSpace(name); name != "" {
			alwaysSet[name] = struct{}{}
		}
	}

	return &Settings{
		workspaceRoot:          workspace,
		toolResultRootDir:      rootDir,
		inlineLimit:            safeInt(opts.InlineLimit, DefaultInlineLimit),
		previewLimit:           safeInt(opts.PreviewLimit, DefaultPreviewLimit),
		fsReadMaxChars:         safeInt(opts.FSReadMaxChars, DefaultFSReadMaxChars),
		alwaysExternalizeTools: alwaysSet,
	}, nil
}

func safeInt(v, def int) int {
	if v < 1 {
		return def
	}
	return v
}

// WorkspaceRoot returns the absolute sandbox root.
func (s *Settings) WorkspaceRoot() string { return s.workspaceRoot }

// ToolResultRootDir returns the relative tool-result directory.
func (s *Settings) ToolResultRootDir() string { return s.toolResultRootDir }

// ToolResultRoot returns the absolute tool-result directory.
func (s *Settings) ToolResultRoot() string {
	return filepath.Join(s.workspaceRoot, filepath.FromSlash(s.toolResultRootDir))
}

// InlineLimit is the inline/ref threshold in characters.
func (s *Settings) InlineLimit() int { return s.inlineLimit }

// PreviewLimit is the preview clip size in characters.
func (s *Settings) PreviewLimit() int { return s.previewLimit }

// FSReadMaxChars is the configured fs_read cap before clamping.
func (s *Settings) FSReadMaxChars() int { return s.fsReadMaxChars }

// HardFSReadMaxChars clamps the fs_read cap into [2000, 8000].
func (s *Settings) HardFSReadMaxChars() int {
	v := s.fsReadMaxChars
	if v < 2000 {
		return 2000
	}
	if v > 8000 {
		return 8000
	}
	return v
}

// AlwaysExternalize reports whether the named tool's results always go to a ref.
func (s *Settings) AlwaysExternalize(toolName string) bool {
	_, ok := s.alwaysExternalizeTools[toolName]
	return ok
}

// AllowedRoots lists roots a resolved path may live under.
func (s *Settings) AllowedRoots() []string {
	return []string{s.workspaceRoot, s.ToolResultRoot()}
}

// IsSafeRelativePath rejects empty, absolute and parent-escaping paths.
func IsSafeRelativePath(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	if filepath.IsAbs(raw) || strings.HasPrefix(raw, "/") {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(raw), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

// ResolveWorkspacePath validates a user-supplied relative path and resolves
// it under the workspace root. Escapes come back as PATH_OUTSIDE_WORKSPACE.
func (s *Settings) ResolveWorkspacePath(raw string) (string, error) {
	if !IsSafeRelativePath(raw) {
		return "", apperrors.NewPathOutsideWorkspaceError(raw)
	}
	candidate := filepath.Clean(filepath.Join(s.workspaceRoot, filepath.FromSlash(raw)))
	if !s.isUnderAllowedRoot(candidate) {
		return "", apperrors.NewPathOutsideWorkspaceError(raw)
	}
	return candidate, nil
}

func (s *Settings) isUnderAllowedRoot(path string) bool {
	for _, root := range s.AllowedRoots() {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
