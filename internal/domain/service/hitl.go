package service

import (
	"context"
	"strings"

	"github.com/stewardflow/stewardflow/internal/domain/trace"
	"go.uber.org/zap"
)

// truthyInputs are the lower-cased values accepted as confirmation.
var truthyInputs = map[string]struct{}{
	"yes": {}, "y": {}, "confirm": {}, "ok": {}, "true": {}, "1": {},
}

// ParseConfirmation reports whether the HITL reply counts as approval.
func ParseConfirmation(inputText string) bool {
	_, ok := truthyInputs[strings.ToLower(strings.TrimSpace(inputText))]
	return ok
}

// SubmitHITL injects a human response into a WAITING trace. The request id
// must equal the pending action's id — a stale or duplicate submission
// returns false because the anchor has moved on. The trace is repositioned
// (EXECUTE for an approved tool, DECIDE/OBSERVE otherwise) and checkpointed;
// the caller re-runs the executor to continue.
func (e *Executor) SubmitHITL(ctx context.Context, tr *trace.Trace, requestID, inputText string) bool {
	if tr.Status != trace.StatusWaiting || tr.PendingActionID == "" || tr.PendingActionID != requestID {
		e.logger.Warn("HITL submission rejected",
			zap.String("trace_id", tr.TraceID),
			zap.String("request_id", requestID),
			zap.String("pending_action_id", tr.PendingActionID),
		)
		return false
	}

	step := tr.CurrentStep()
	action := tr.PendingAction()
	if step == nil || action == nil {
		return false
	}

	switch action.Type {
	case trace.ActionTypeTool:
		// pre-execution confirm for a requires_confirm tool
		if ParseConfirmation(inputText) {
			action.ConfirmStatus = trace.ConfirmApproved
			action.Status = trace.ActionApproved
			step.Status = trace.StepRunning
			tr.Status = trace.StatusRunning
			tr.Node = trace.NodeExecute
		} else {
			action.ConfirmStatus = trace.ConfirmDenied
			action.Status = trace.ActionDenied
			obs := trace.NewObservation(action.ActionID, trace.ObsHITLDenied, false, "user_rejected")
			step.Observations = append(step.Observations, obs)
			step.Status = trace.StepRunning
			tr.Status = trace.StatusRunning
			tr.PendingActionID = ""
			tr.Node = trace.NodeDecide
		}

	case trace.ActionTypeRequestConfirm:
		accepted := ParseConfirmation(inputText)
		action.RequestInput = inputText
		resultText := "User confirmed."
		obsType := trace.ObsInfo
		if !accepted {
			resultText = "User rejected."
			obsType = trace.ObsHITLDenied
		}
		if accepted {
			action.Status = trace.ActionDone
		} else {
			action.Status = trace.ActionDenied
		}
		obs := trace.NewObservation(action.ActionID, obsType, accepted, resultText)
		step.Observations = append(step.Observations, obs)
		step.Status = trace.StepRunning
		tr.Status = trace.StatusRunning
		tr.PendingActionID = ""
		tr.Node = trace.NodeObserve

	case trace.ActionTypeRequestInput:
		action.RequestInput = inputText
		action.Status = trace.ActionDone
		if err := e.cache.AppendUserInputIfStepSeen(ctx, tr.TraceID, step.StepID, inputText); err != nil {
			e.logger.Warn("Appending HITL input to context failed",
				zap.String("trace_id", tr.TraceID),
				zap.Error(err),
			)
		}
		obs := trace.NewObservation(action.ActionID, trace.ObsInfo, true, inputText)
		step.Observations = append(step.Observations, obs)
		step.Status = trace.StepRunning
		tr.Status = trace.StatusRunning
		tr.PendingActionID = ""
		tr.Node = trace.NodeObserve

	default:
		return false
	}

	e.save(ctx, tr)
	return true
}
