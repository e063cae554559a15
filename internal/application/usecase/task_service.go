package usecase

import (
	"context"

	domainctx "github.com/stewardflow/stewardflow/internal/domain/context"
	"github.com/stewardflow/stewardflow/internal/domain/repository"
	"github.com/stewardflow/stewardflow/internal/domain/service"
	"github.com/stewardflow/stewardflow/internal/domain/trace"
	apperrors "github.com/stewardflow/stewardflow/pkg/errors"
	"github.com/stewardflow/stewardflow/pkg/safego"
	"go.uber.org/zap"
)

// TaskService is the facade over the executor: start a trace, add a turn,
// inject a HITL response, project a trace for the UI. Shutdown cancels the
// run context shared by every detached executor; suspended runs checkpoint
// in place and can resume after restart.
type TaskService struct {
	checkpoint repository.CheckpointStore
	executor   *service.Executor
	cache      *domainctx.Manager
	maxTurns   int
	logger     *zap.Logger

	runCtx context.Context
	cancel context.CancelFunc
}

// NewTaskService creates the facade. maxTurns <= 0 uses the default budget.
func NewTaskService(checkpoint repository.CheckpointStore, executor *service.Executor, cache *domainctx.Manager, maxTurns int, logger *zap.Logger) *TaskService {
	if maxTurns <= 0 {
		maxTurns = trace.DefaultMaxTurns
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &TaskService{
		checkpoint: checkpoint,
		executor:   executor,
		cache:      cache,
		maxTurns:   maxTurns,
		logger:     logger,
		runCtx:     runCtx,
		cancel:     cancel,
	}
}

// Shutdown cancels every in-flight executor run. Each run writes a final
// checkpoint in its current state before returning.
func (s *TaskService) Shutdown() {
	s.cancel()
}

// Start creates a trace with its initial turn and runs the executor in the
// background. Returns the trace id immediately.
func (s *TaskService) Start(ctx context.Context, clientID, goal string) (string, error) {
	if clientID == "" {
		return "", apperrors.NewInvalidInputError("client_id is required")
	}
	if goal == "" {
		return "", apperrors.NewInvalidInputError("goal is required")
	}

	tr := trace.NewTrace(clientID)
	tr.MaxTurns = s.maxTurns
	tr.AppendTurn(goal)

	if err := s.checkpoint.Save(ctx, tr); err != nil {
		return "", err
	}

	s.runDetached(tr)
	return tr.TraceID, nil
}

// AddTurn appends a turn to an existing trace and resumes from THINK.
func (s *TaskService) AddTurn(ctx context.Context, traceID, goal string) error {
	if goal == "" {
		return apperrors.NewInvalidInputError("goal is required")
	}

	tr, err := s.checkpoint.Load(ctx, traceID)
	if err != nil {
		return err
	}
	if tr.Status == trace.StatusRunning || tr.Status == trace.StatusWaiting {
		return apperrors.NewInvalidInputError("trace is still in progress: " + traceID)
	}
	if len(tr.Turns) >= tr.MaxTurns {
		return apperrors.NewInvalidInputError("max_turns_reached")
	}

	tr.Status = trace.StatusRunning
	tr.Node = trace.NodeThink
	tr.ErrorMessage = ""
	tr.FinishedAt = nil
	tr.AppendTurn(goal)

	if err := s.checkpoint.Save(ctx, tr); err != nil {
		return err
	}

	s.runDetached(tr)
	return nil
}

// SubmitHITL validates the request id against the pending action and injects
// the response. A duplicate or stale submission returns ok=false because the
// anchor already advanced.
func (s *TaskService) SubmitHITL(ctx context.Context, traceID, requestID, inputText string) (bool, error) {
	tr, err := s.checkpoint.Load(ctx, traceID)
	if err != nil {
		return false, err
	}

	ok := s.executor.SubmitHITL(ctx, tr, requestID, inputText)
	if !ok {
		return false, nil
	}

	s.runDetached(tr)
	return true, nil
}

// GetTrace loads a fresh projection of the trace.
func (s *TaskService) GetTrace(ctx context.Context, traceID string) (*trace.Trace, error) {
	return s.checkpoint.Load(ctx, traceID)
}

// Delete removes a trace's checkpoint and its cached runtime context.
// Externalized refs on disk are retained for an external janitor.
func (s *TaskService) Delete(ctx context.Context, traceID string) error {
	if err := s.cache.Clear(ctx, traceID); err != nil {
		s.logger.Warn("Clearing runtime context failed",
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
	}
	return s.checkpoint.Delete(ctx, traceID)
}

// runDetached drives the executor on its own goroutine; each trace
// progresses on one logical thread of execution.
func (s *TaskService) runDetached(tr *trace.Trace) {
	safego.Go(s.logger, "executor-"+tr.TraceID, func() {
		if err := s.executor.Run(s.runCtx, tr); err != nil {
			s.logger.Error("Executor run aborted",
				zap.String("trace_id", tr.TraceID),
				zap.Error(err),
			)
		}
	})
}
