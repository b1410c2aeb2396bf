package http

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/aescanero/dagflow/pkg/codec"
	"github.com/aescanero/dagflow/pkg/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RunRequest is the body of run and rerun requests
type RunRequest struct {
	Input map[string]interface{} `json:"input"`
}

// RunResponse acknowledges a submitted run
type RunResponse struct {
	WorkflowID  string    `json:"workflow_id"`
	RequestID   string    `json:"request_id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// OverrideRequest carries a user-edited step result
type OverrideRequest struct {
	Value interface{} `json:"value"`
}

// ResetResponse lists the steps a rerun or override put back to pending
type ResetResponse struct {
	StepID string     `json:"step_id"`
	Reset  []StepView `json:"reset"`
}

// WorkflowView is a workflow with its decoded steps
type WorkflowView struct {
	*domain.Workflow
	Running bool       `json:"running"`
	Steps   []StepView `json:"steps"`
}

// StepView is a step with its result and metadata decoded
type StepView struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	CallableRef    string                 `json:"callable_ref,omitempty"`
	StepType       domain.StepType        `json:"step_type"`
	PredecessorIDs []string               `json:"predecessor_ids"`
	State          domain.WorkflowState   `json:"state"`
	Result         interface{}            `json:"result,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Error          string                 `json:"error,omitempty"`
	FailedReason   domain.FailedReason    `json:"failed_reason"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	workers := "ok"
	status := http.StatusOK
	if s.health != nil && !s.health.IsHealthy() {
		workers = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"timestamp": time.Now().UTC(),
		"checks": gin.H{
			"orchestrator": "ok",
			"workers":      workers,
		},
	})
}

// handleListWorkflows handles listing workflows
func (s *Server) handleListWorkflows(c *gin.Context) {
	workflows, err := s.orchestrator.ListWorkflows(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflows": workflows,
		"total":     len(workflows),
	})
}

// handleGetWorkflow returns a workflow with its steps
func (s *Server) handleGetWorkflow(c *gin.Context) {
	status, err := s.orchestrator.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	view := WorkflowView{
		Workflow: status.Workflow,
		Running:  status.Running,
		Steps:    make([]StepView, len(status.Steps)),
	}
	for i, step := range status.Steps {
		view.Steps[i] = s.stepView(step)
	}
	c.JSON(http.StatusOK, view)
}

// handleDeleteWorkflow removes a workflow that is not running
func (s *Server) handleDeleteWorkflow(c *gin.Context) {
	if err := s.orchestrator.DeleteWorkflow(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSubmitRun requests a run of a workflow
func (s *Server) handleSubmitRun(c *gin.Context) {
	var req RunRequest
	if !s.bindOptional(c, &req) {
		return
	}

	workflowID := c.Param("id")
	requestID, err := s.orchestrator.SubmitRun(c.Request.Context(), workflowID, req.Input)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, RunResponse{
		WorkflowID:  workflowID,
		RequestID:   requestID,
		Status:      "submitted",
		SubmittedAt: time.Now().UTC(),
	})
}

// handleCancelRun cancels the in-flight run of a workflow
func (s *Server) handleCancelRun(c *gin.Context) {
	workflowID := c.Param("id")

	if err := s.orchestrator.CancelRun(c.Request.Context(), workflowID); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow_id":  workflowID,
		"status":       "cancelled",
		"cancelled_at": time.Now().UTC(),
	})
}

// handleGetResult returns the result of a completed step by name
func (s *Server) handleGetResult(c *gin.Context) {
	workflowID := c.Param("id")
	name := c.Param("name")

	result, err := s.orchestrator.StepResult(c.Request.Context(), workflowID, name)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow_id": workflowID,
		"name":        name,
		"result":      result,
	})
}

// handleRerunStep resets a finished step and requests a new run
func (s *Server) handleRerunStep(c *gin.Context) {
	var req RunRequest
	if !s.bindOptional(c, &req) {
		return
	}

	stepID := c.Param("id")
	reset, err := s.orchestrator.Rerun(c.Request.Context(), stepID, req.Input)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, s.resetResponse(stepID, reset))
}

// handleOverrideResult stores a user-edited result on a completed step
func (s *Server) handleOverrideResult(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondInvalid(c, err)
		return
	}

	stepID := c.Param("id")
	reset, err := s.orchestrator.OverrideResult(c.Request.Context(), stepID, req.Value)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.resetResponse(stepID, reset))
}

// bindOptional binds a JSON body when one is present
func (s *Server) bindOptional(c *gin.Context, out interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(out); err != nil && !errors.Is(err, io.EOF) {
		s.respondInvalid(c, err)
		return false
	}
	return true
}

func (s *Server) resetResponse(stepID string, reset []*domain.WorkflowStep) ResetResponse {
	resp := ResetResponse{StepID: stepID, Reset: make([]StepView, len(reset))}
	for i, step := range reset {
		resp.Reset[i] = s.stepView(step)
	}
	return resp
}

func (s *Server) stepView(step *domain.WorkflowStep) StepView {
	view := StepView{
		ID:             step.ID,
		Name:           step.Name,
		CallableRef:    step.CallableRef,
		StepType:       step.StepType,
		PredecessorIDs: step.PredecessorIDs,
		State:          step.State,
		Error:          step.Error,
		FailedReason:   step.FailedReason,
		UpdatedAt:      step.UpdatedAt,
	}

	result, err := codec.Decode(step.Result)
	if err != nil {
		s.logger.Warn("undecodable step result",
			zap.String("step_id", step.ID),
			zap.Error(err))
	}
	view.Result = result

	if len(step.Metadata) > 0 {
		if err := codec.DecodeInto(step.Metadata, &view.Metadata); err != nil {
			s.logger.Warn("undecodable step metadata",
				zap.String("step_id", step.ID),
				zap.Error(err))
		}
	}
	return view
}

func (s *Server) respondInvalid(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		},
	})
}

// respondError maps domain errors onto HTTP statuses
func (s *Server) respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrAlreadyRunning):
		status, code = http.StatusConflict, "ALREADY_RUNNING"
	case errors.Is(err, domain.ErrNotRerunnable):
		status, code = http.StatusConflict, "NOT_RERUNNABLE"
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: err.Error(),
		},
	})
}
