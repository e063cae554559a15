package tool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/stewardflow/stewardflow/internal/infrastructure/runtime"
	"go.uber.org/zap"
)

// ProcRunTool executes a shell command with the workspace root as working
// directory. Command execution mutates the environment, so every call needs
// user confirmation.
type ProcRunTool struct {
	settings *runtime.Settings
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProcRunTool creates the proc_run tool. timeout <= 0 defaults to 60s.
func NewProcRunTool(settings *runtime.Settings, timeout time.Duration, logger *zap.Logger) *ProcRunTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ProcRunTool{settings: settings, timeout: timeout, logger: logger}
}

func (t *ProcRunTool) Name() string { return "proc_run" }

func (t *ProcRunTool) Description() string {
	return "Execute a shell command in the workspace root. Commands time out after the configured " +
		"limit; a command that runs past it is killed and reported as an error. Avoid interactive or long-running commands."
}

func (t *ProcRunTool) RequiresConfirmation() bool { return true }

func (t *ProcRunTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ProcRunTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.settings.WorkspaceRoot()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	timedOut := runCtx.Err() == context.DeadlineExceeded
	exitCode := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if err != nil && !timedOut {
		return nil, fmt.Errorf("run command: %w", err)
	}
	if timedOut {
		return nil, fmt.Errorf("command timed out after %s", t.timeout)
	}

	t.logger.Info("Command executed",
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", duration),
	)

	return map[string]any{
		"ok":        exitCode == 0,
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"duration":  duration.String(),
	}, nil
}
