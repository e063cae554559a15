package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stewardflow/stewardflow/internal/application/usecase"
	"github.com/stewardflow/stewardflow/internal/domain/trace"
	apperrors "github.com/stewardflow/stewardflow/pkg/errors"
	"go.uber.org/zap"
)

// TaskHandler exposes the task facade over HTTP.
type TaskHandler struct {
	tasks  *usecase.TaskService
	logger *zap.Logger
}

// NewTaskHandler creates the handler.
func NewTaskHandler(tasks *usecase.TaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, logger: logger}
}

// RunRequest starts a trace, appends a turn, or — when the addressed trace
// is waiting on HITL — routes the text as the HITL response.
type RunRequest struct {
	ClientID  string `json:"client_id" binding:"required"`
	Task      string `json:"task" binding:"required"`
	TraceID   string `json:"trace_id"`
	RequestID string `json:"request_id"`
}

// RunResponse reports the addressed trace.
type RunResponse struct {
	TraceID   string `json:"trace_id"`
	Status    string `json:"status,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Run handles POST /agent/run.
func (h *TaskHandler) Run(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.TraceID != "" {
		h.runExisting(c, req)
		return
	}

	traceID, err := h.tasks.Start(c.Request.Context(), req.ClientID, req.Task)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, RunResponse{TraceID: traceID})
}

// runExisting continues a known trace: a waiting trace treats the text as a
// HITL response, a finished one gets a new turn.
func (h *TaskHandler) runExisting(c *gin.Context, req RunRequest) {
	tr, err := h.tasks.GetTrace(c.Request.Context(), req.TraceID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	if tr.Status == trace.StatusWaiting && tr.PendingActionID != "" {
		requestID := req.RequestID
		if requestID == "" {
			requestID = tr.PendingActionID
		}
		ok, err := h.tasks.SubmitHITL(c.Request.Context(), req.TraceID, requestID, req.Task)
		if err != nil {
			h.writeError(c, err)
			return
		}
		if !ok {
			c.JSON(http.StatusConflict, RunResponse{
				TraceID: req.TraceID,
				Message: "pending action has advanced; submission rejected",
			})
			return
		}
		c.JSON(http.StatusOK, RunResponse{TraceID: req.TraceID, RequestID: requestID})
		return
	}

	if err := h.tasks.AddTurn(c.Request.Context(), req.TraceID, req.Task); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, RunResponse{TraceID: req.TraceID})
}

// HITLRequest carries an explicit HITL submission.
type HITLRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	InputText string `json:"input_text"`
}

// SubmitHITL handles POST /agent/trace/:trace_id/hitl.
func (h *TaskHandler) SubmitHITL(c *gin.Context) {
	traceID := c.Param("trace_id")

	var req HITLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ok, err := h.tasks.SubmitHITL(c.Request.Context(), traceID, req.RequestID, req.InputText)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": ok})
}

// GetTrace handles GET /agent/trace/:trace_id.
func (h *TaskHandler) GetTrace(c *gin.Context) {
	tr, err := h.tasks.GetTrace(c.Request.Context(), c.Param("trace_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tr)
}

// DeleteTrace handles DELETE /agent/trace/:trace_id.
func (h *TaskHandler) DeleteTrace(c *gin.Context) {
	if err := h.tasks.Delete(c.Request.Context(), c.Param("trace_id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *TaskHandler) writeError(c *gin.Context, err error) {
	switch {
	case apperrors.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case apperrors.IsInvalidInput(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
