package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	domainctx "github.com/stewardflow/stewardflow/internal/domain/context"
	"github.com/stewardflow/stewardflow/internal/domain/event"
	"github.com/stewardflow/stewardflow/internal/domain/repository"
	"github.com/stewardflow/stewardflow/internal/domain/trace"
	apperrors "github.com/stewardflow/stewardflow/pkg/errors"
	"go.uber.org/zap"
)

// errMaxTurnsReached carries the exact error_message the trace records when
// it hits its turn budget.
var errMaxTurnsReached = errors.New("max_turns_reached")

// ExecutorConfig tunes the state machine.
type ExecutorConfig struct {
	// Thinking asks the planner to surface <think> reasoning.
	Thinking bool
	// ToolsetVersion keys the cache manager's tool-schema token cache.
	ToolsetVersion string
	// PerTurnStepLimit bounds planning cycles inside one turn. 0 derives
	// the limit from the trace's MaxTurns.
	PerTurnStepLimit int
}

// Executor drives a trace through THINK → DECIDE → {EXECUTE, HITL} →
// OBSERVE → END. The aggregate is checkpointed after every node transition,
// so a crashed or suspended run resumes from its Node pointer and produces
// the same eventual outcome.
type Executor struct {
	checkpoint   repository.CheckpointStore
	planner      Planner
	dispatcher   *Dispatcher
	cache        *domainctx.Manager
	sink         event.Sink
	externalizer ResultExternalizer
	logger       *zap.Logger
	config       ExecutorConfig
}

// NewExecutor wires the state machine's collaborators.
func NewExecutor(
	checkpoint repository.CheckpointStore,
	planner Planner,
	dispatcher *Dispatcher,
	cache *domainctx.Manager,
	sink event.Sink,
	externalizer ResultExternalizer,
	config ExecutorConfig,
	logger *zap.Logger,
) *Executor {
	return &Executor{
		checkpoint:   checkpoint,
		planner:      planner,
		dispatcher:   dispatcher,
		cache:        cache,
		sink:         sink,
		externalizer: externalizer,
		config:       config,
		logger:       logger,
	}
}

func (e *Executor) stepLimit(tr *trace.Trace) int {
	if e.config.PerTurnStepLimit > 0 {
		return e.config.PerTurnStepLimit
	}
	if tr.MaxTurns > 0 {
		return tr.MaxTurns
	}
	return trace.DefaultMaxTurns
}

// Run drives the trace until it is DONE, FAILED or WAITING. Entering HITL
// is a hard suspension: Run checkpoints and returns, holding nothing open.
func (e *Executor) Run(ctx context.Context, tr *trace.Trace) error {
	if tr.IsTerminal() {
		return nil
	}

	tr.Status = trace.StatusRunning
	if tr.StartedAt == nil {
		now := time.Now().UTC()
		tr.StartedAt = &now
	}

	if len(tr.Turns) > tr.MaxTurns {
		e.failTrace(ctx, tr, "max_turns_reached")
		return nil
	}

	for tr.Status == trace.StatusRunning {
		if err := ctx.Err(); err != nil {
			// graceful shutdown: checkpoint in place, resume later
			e.save(ctx, tr)
			return err
		}

		e.logger.Debug("Executor node",
			zap.String("trace_id", tr.TraceID),
			zap.String("node", string(tr.Node)),
		)

		switch tr.Node {
		case trace.NodeThink:
			if err := e.thinkNode(ctx, tr); err != nil {
				e.failWith(ctx, tr, err)
				return nil
			}
			tr.Node = trace.NodeDecide
			e.save(ctx, tr)

		case trace.NodeDecide:
			if err := e.decideNode(ctx, tr); err != nil {
				e.failWith(ctx, tr, err)
				return nil
			}
			// a WAITING trace must not become visible in the checkpoint
			// until the executor is fully suspended; the HITL branch
			// saves right before returning
			if tr.Node != trace.NodeHITL {
				e.save(ctx, tr)
			}

		case trace.NodeExecute:
			if err := e.executeNode(ctx, tr); err != nil {
				e.failWith(ctx, tr, err)
				return nil
			}
			e.save(ctx, tr)

		case trace.NodeHITL:
			e.hitlNode(ctx, tr)
			e.save(ctx, tr)
			return nil // hard suspension

		case trace.NodeObserve:
			if err := e.observeNode(ctx, tr); err != nil {
				e.failWith(ctx, tr, err)
				return nil
			}
			e.save(ctx, tr)

		case trace.NodeEnd:
			e.endNode(ctx, tr)
			e.save(ctx, tr)
			return nil

		default:
			e.failTrace(ctx, tr, fmt.Sprintf("unknown node: %s", tr.Node))
			return nil
		}
	}

	return nil
}

// thinkNode starts or continues a step: build messages, call the planner,
// record thought and actions.
func (e *Executor) thinkNode(ctx context.Context, tr *trace.Trace) error {
	turn := tr.CurrentTurn()
	if turn == nil {
		return apperrors.NewInvariantError("think: no current turn")
	}

	// reuse an interrupted step that never got its plan; otherwise start
	// a fresh one
	step := tr.CurrentStep()
	if step == nil || step.Status != trace.StepRunning || len(step.Actions) > 0 {
		step = turn.AppendStep()
		tr.CurrentStepID = step.StepID
	}

	toolDefs := e.dispatcher.ToolDefs()
	responseSchema := ContentActionSchema()

	messages, err := e.cache.BuildMessages(ctx, tr, toolDefs, responseSchema, e.config.ToolsetVersion, "v1")
	if err != nil {
		return err
	}

	result, err := e.planner.Plan(ctx, &PlanRequest{
		Messages: messages,
		Tools:    toolDefs,
		Thinking: e.config.Thinking,
	})
	if err != nil {
		return apperrors.NewInternalErrorWithCause("llm planning failed", err)
	}

	step.Thought = result.Reasoning
	step.ToolCalls = result.ToolCalls
	step.Actions = result.Actions

	tr.TokenInfo.Add(result.TokenInfo)

	e.emit(tr, event.TypeThought, map[string]any{
		"content": result.Reasoning,
		"turn_id": turn.TurnID,
	})
	e.emit(tr, event.TypeTokenInfo, map[string]any{
		"prompt":     result.TokenInfo.PromptTokens,
		"completion": result.TokenInfo.CompletionTokens,
		"total":      result.TokenInfo.TotalTokens,
		"cached":     result.TokenInfo.CachedTokens,
	})

	if err := e.cache.UpdateCalibration(ctx, tr.TraceID, result.TokenInfo.PromptTokens,
		toolDefs, responseSchema, e.config.ToolsetVersion, "v1"); err != nil {
		e.logger.Warn("Calibration update failed",
			zap.String("trace_id", tr.TraceID),
			zap.Error(err),
		)
	}

	return nil
}

// decideNode routes the next unresolved action: OBSERVE when none remain,
// END on finish, HITL for confirms and input requests, EXECUTE otherwise.
func (e *Executor) decideNode(ctx context.Context, tr *trace.Trace) error {
	step := tr.CurrentStep()
	if step == nil {
		return apperrors.NewInvariantError("decide: no current step")
	}

	action := step.NextUnresolvedAction()
	if action == nil {
		tr.Node = trace.NodeObserve
		return nil
	}

	switch {
	case action.Type == trace.ActionTypeFinish:
		e.emitAction(tr, action)
		tr.PendingActionID = action.ActionID
		tr.Node = trace.NodeEnd

	case action.Type == trace.ActionTypeTool && action.RequiresConfirm && action.ConfirmStatus != trace.ConfirmApproved:
		e.emitAction(tr, action)
		action.Status = trace.ActionWaitingConfirm
		step.Status = trace.StepWaitingConfirm
		tr.PendingActionID = action.ActionID
		tr.Node = trace.NodeHITL

	case action.Type == trace.ActionTypeRequestInput:
		e.emitAction(tr, action)
		action.Status = trace.ActionWaitingInput
		step.Status = trace.StepWaitingInput
		tr.PendingActionID = action.ActionID
		tr.Node = trace.NodeHITL

	case action.Type == trace.ActionTypeRequestConfirm:
		e.emitAction(tr, action)
		action.Status = trace.ActionWaitingConfirm
		step.Status = trace.StepWaitingConfirm
		tr.PendingActionID = action.ActionID
		tr.Node = trace.NodeHITL

	case action.Type == trace.ActionTypeTool:
		e.emitAction(tr, action)
		tr.PendingActionID = action.ActionID
		tr.Node = trace.NodeExecute

	default:
		return apperrors.NewInvariantError(fmt.Sprintf("decide: unknown action type %q", action.Type))
	}

	return nil
}

// executeNode runs the pending tool action and records its observation.
// Tool failures become tool_error observations; the step keeps going.
func (e *Executor) executeNode(ctx context.Context, tr *trace.Trace) error {
	step := tr.CurrentStep()
	turn := tr.CurrentTurn()
	if step == nil || turn == nil {
		return apperrors.NewInvariantError("execute: no current step")
	}
	action := tr.PendingAction()
	if action == nil || action.Type != trace.ActionTypeTool {
		return apperrors.NewInvariantError("execute: pending action is not a tool action")
	}

	action.Status = trace.ActionRunning

	rawResult, execErr := e.dispatcher.Execute(ctx, action.ToolName, action.Args)

	var obs *trace.Observation
	if execErr != nil {
		content := e.externalizer.BuildError(action.ToolName, execErr.Error())
		obs = trace.NewObservation(action.ActionID, trace.ObsToolError, false, content)
		action.Status = trace.ActionFailed
		action.Error = execErr.Error()
	} else {
		content, err := e.externalizer.Externalize(ExternalizeRequest{
			ToolName:   action.ToolName,
			RawResult:  rawResult,
			TraceID:    tr.TraceID,
			TurnID:     turn.TurnID,
			StepID:     step.StepID,
			ToolCallID: action.ActionID,
		})
		if err != nil {
			return apperrors.NewInternalErrorWithCause("externalize tool result", err)
		}
		obs = trace.NewObservation(action.ActionID, trace.ObsToolResult, true, content)
		if ref, ok := content["ref"].(map[string]any); ok {
			obs.FullRef = ref
		}
		action.Status = trace.ActionDone
	}

	step.Observations = append(step.Observations, obs)
	tr.PendingActionID = ""

	if step.NextUnresolvedAction() != nil {
		tr.Node = trace.NodeDecide
	} else {
		tr.Node = trace.NodeObserve
	}
	return nil
}

// hitlNode emits the HITL prompt and leaves the trace WAITING. It never
// blocks: resumption comes through SubmitHITL.
func (e *Executor) hitlNode(_ context.Context, tr *trace.Trace) {
	action := tr.PendingAction()
	if action == nil {
		tr.Fail("hitl: pending action missing")
		return
	}

	tr.Status = trace.StatusWaiting

	switch action.Type {
	case trace.ActionTypeTool:
		prompt := fmt.Sprintf("Confirm to execute tool '%s' with args: %s",
			action.ToolName, domainctx.StableJSON(action.Args))
		e.emit(tr, event.TypeHITLConfirm, map[string]any{
			"request_id": action.ActionID,
			"prompt":     prompt,
			"tool_name":  action.ToolName,
			"args":       action.Args,
		})

	case trace.ActionTypeRequestConfirm:
		e.emit(tr, event.TypeHITLConfirm, map[string]any{
			"request_id": action.ActionID,
			"prompt":     action.Message,
		})

	default:
		e.emit(tr, event.TypeHITLRequest, map[string]any{
			"request_id": action.ActionID,
			"prompt":     action.Message,
		})
	}
}

// observeNode publishes the step's observations, closes the step and either
// ends the turn or opens the next planning cycle.
func (e *Executor) observeNode(ctx context.Context, tr *trace.Trace) error {
	turn := tr.CurrentTurn()
	step := tr.CurrentStep()
	if turn == nil || step == nil {
		return apperrors.NewInvariantError("observe: no current step")
	}

	// a step with tool calls must carry one observation per call
	for _, call := range step.ToolCalls {
		if step.ObservationFor(call.ID) == nil {
			return apperrors.NewInvariantError(
				fmt.Sprintf("observe: missing observation for tool call id=%s", call.ID))
		}
	}

	for _, obs := range step.Observations {
		data := map[string]any{
			"action_id": obs.ActionID,
			"ok":        obs.OK,
		}
		if content, isMap := obs.Content.(map[string]any); isMap {
			if preview, ok := content["preview"]; ok {
				data["content_preview"] = preview
			}
			if ref, ok := content["ref"]; ok {
				data["ref"] = ref
			}
		} else {
			data["content_preview"] = obs.Content
		}
		e.emit(tr, event.TypeObservation, data)
	}

	step.Finish()

	for _, a := range step.Actions {
		if a.Type == trace.ActionTypeFinish {
			tr.Node = trace.NodeEnd
			return nil
		}
	}

	if len(turn.Steps) >= e.stepLimit(tr) {
		return errMaxTurnsReached
	}

	tr.CurrentStepID = ""
	tr.Node = trace.NodeThink
	return nil
}

// endNode completes the trace: finish the turn, publish the final content
// and fold the turn into a result card.
func (e *Executor) endNode(ctx context.Context, tr *trace.Trace) {
	now := time.Now().UTC()
	tr.Status = trace.StatusDone
	tr.FinishedAt = &now

	finalContent := ""
	turn := tr.CurrentTurn()
	step := tr.CurrentStep()
	if step != nil {
		for _, a := range step.Actions {
			if a.Type == trace.ActionTypeFinish {
				finalContent = a.Message
				a.Status = trace.ActionDone
			}
		}
		if step.Status == trace.StepRunning {
			step.Finish()
		}
	}
	if turn != nil {
		turn.Finish()
	}
	tr.PendingActionID = ""

	e.emit(tr, event.TypeFinal, map[string]any{"content": finalContent})
	e.emit(tr, event.TypeEnd, map[string]any{"content": "done"})

	if turn != nil {
		if err := e.cache.FinalizeTurnToResultCard(ctx, tr.TraceID, domainctx.ResultCardInput{
			TurnID:      turn.TurnID,
			UserInput:   turn.UserInput,
			FinalAnswer: finalContent,
			StepIDs:     turn.StepIDs(),
		}); err != nil {
			e.logger.Warn("Result card folding failed",
				zap.String("trace_id", tr.TraceID),
				zap.Error(err),
			)
		}
	}
}

// ---------- helpers ----------

func (e *Executor) emit(tr *trace.Trace, typ event.Type, data map[string]any) {
	e.sink.Send(tr.ClientID, event.New(typ, tr.TraceID, data))
}

func (e *Executor) emitAction(tr *trace.Trace, action *trace.Action) {
	data := map[string]any{
		"action_id": action.ActionID,
		"type":      string(action.Type),
	}
	if action.ToolName != "" {
		data["tool_name"] = action.ToolName
		data["args"] = action.Args
	}
	if action.Message != "" {
		data["message"] = action.Message
	}
	e.emit(tr, event.TypeAction, data)
}

func (e *Executor) save(ctx context.Context, tr *trace.Trace) {
	if err := e.checkpoint.Save(ctx, tr); err != nil {
		e.logger.Error("Checkpoint save failed",
			zap.String("trace_id", tr.TraceID),
			zap.Error(err),
		)
	}
}

func (e *Executor) failWith(ctx context.Context, tr *trace.Trace, err error) {
	e.failTrace(ctx, tr, err.Error())
}

// failTrace is the single controlled path into FAILED: record the message,
// emit the error event, checkpoint.
func (e *Executor) failTrace(ctx context.Context, tr *trace.Trace, message string) {
	e.logger.Error("Trace failed",
		zap.String("trace_id", tr.TraceID),
		zap.String("error", message),
	)
	tr.Fail(message)
	e.emit(tr, event.TypeError, map[string]any{"content": message})
	e.save(ctx, tr)
}
