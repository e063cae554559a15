package tool

import (
	"time"

	domaintool "github.com/stewardflow/stewardflow/internal/domain/tool"
	"github.com/stewardflow/stewardflow/internal/infrastructure/runtime"
	"github.com/stewardflow/stewardflow/internal/infrastructure/toolresult"
	"go.uber.org/zap"
)

// Deps aggregates everything the built-in tool layer needs. This is the
// single configuration point for tool registration.
type Deps struct {
	// Required
	Registry domaintool.Registry
	Settings *runtime.Settings
	Store    *toolresult.Store
	Logger   *zap.Logger

	// ProcTimeout bounds proc_run commands (0 = 60s default).
	ProcTimeout time.Duration

	// WebSearchEndpoint enables web_search when non-empty.
	WebSearchEndpoint string
}

// RegisterAllTools registers every built-in tool. This is the ONLY tool
// registration entry point; external tool adapters (browser, MCP) register
// through the same Registry.
//
// Registration order:
//  1. Filesystem (fs_read, fs_write, fs_list)
//  2. Search (glob, grep)
//  3. Process execution (proc_run)
//  4. Snapshot (snapshot_query)
//  5. Web (web_search, only when WebSearchEndpoint is set)
func RegisterAllTools(deps Deps) int {
	tools := []domaintool.Tool{
		NewReadFileTool(deps.Settings, deps.Store, deps.Logger),
		NewWriteFileTool(deps.Settings, deps.Logger),
		NewListDirTool(deps.Settings, deps.Logger),
		NewGlobTool(deps.Settings, deps.Logger),
		NewGrepTool(deps.Settings, deps.Logger),
		NewProcRunTool(deps.Settings, deps.ProcTimeout, deps.Logger),
		NewSnapshotQueryTool(deps.Settings, deps.Logger),
	}

	if deps.WebSearchEndpoint != "" {
		tools = append(tools, NewWebSearchTool(deps.WebSearchEndpoint, deps.Logger))
	}

	registered := 0
	for _, t := range tools {
		if err := deps.Registry.Register(t); err != nil {
			deps.Logger.Warn("Failed to register tool",
				zap.String("tool", t.Name()),
				zap.Error(err),
			)
		} else {
			deps.Logger.Info("Registered tool", zap.String("tool", t.Name()))
			registered++
		}
	}

	deps.Logger.Info("Tool layer initialized",
		zap.Int("total_registered", registered),
	)
	return registered
}
