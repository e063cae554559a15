package service

import (
	"context"
	"fmt"
	"time"

	"github.com/stewardflow/stewardflow/internal/domain/tool"
	"go.uber.org/zap"
)

// Dispatcher resolves tool names and runs tools under a per-call timeout.
// It never lets a failure escape to the executor loop: lookup misses,
// execution errors, timeouts and panics all come back as an error value the
// executor converts into a tool_error observation.
type Dispatcher struct {
	registry    tool.Registry
	toolTimeout time.Duration
	logger      *zap.Logger
}

// NewDispatcher creates a dispatcher. toolTimeout <= 0 disables the
// per-call deadline.
func NewDispatcher(registry tool.Registry, toolTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		toolTimeout: toolTimeout,
		logger:      logger,
	}
}

// ToolDefs lists the function definitions the model may call.
func (d *Dispatcher) ToolDefs() []tool.Definition {
	return d.registry.List()
}

// RequiresConfirmation reports whether the named tool needs human approval.
// Unknown tools never do; the lookup miss surfaces at execution time.
func (d *Dispatcher) RequiresConfirmation(name string) bool {
	t, ok := d.registry.Get(name)
	return ok && t.RequiresConfirmation()
}

// Execute runs one tool call. The returned error is the observation text
// for tool_error; it is never fatal for the trace.
func (d *Dispatcher) Execute(ctx context.Context, toolName string, args map[string]any) (result any, err error) {
	t, ok := d.registry.Get(toolName)
	if !ok {
		d.logger.Warn("Tool not found", zap.String("tool", toolName))
		return nil, fmt.Errorf("tool not found: %s", toolName)
	}

	if d.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.toolTimeout)
		defer cancel()
	}

	start := time.Now()
	d.logger.Info("Executing tool", zap.String("tool", toolName))

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Tool panicked",
				zap.String("tool", toolName),
				zap.Any("panic", r),
			)
			result = nil
			err = fmt.Errorf("tool '%s' panicked: %v", toolName, r)
		}
	}()

	result, err = t.Execute(ctx, args)
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("tool '%s' timed out after %s", toolName, d.toolTimeout)
		}
		d.logger.Warn("Tool execution failed",
			zap.String("tool", toolName),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return nil, err
	}

	d.logger.Info("Tool execution completed",
		zap.String("tool", toolName),
		zap.Duration("duration", duration),
	)
	return result, nil
}
