package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loomworks/loom/pkg/models"
)

// DefaultSessionKey groups runs submitted without an explicit session.
const DefaultSessionKey = "default"

// CreateRun accepts a new run and enqueues it.
func (s *Server) CreateRun(c *gin.Context) {
	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Malformed request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "input is required")
		return
	}
	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = s.defaultAgentID
	}

	run := &models.Run{
		ID:         models.NewRunID(),
		Scope:      scopeFrom(c),
		SessionKey: sessionKey,
		Input:      req.Input,
		AgentID:    agentID,
		Model:      req.Model,
	}
	ctx := c.Request.Context()
	if err := s.repo.CreateRun(ctx, run); err != nil {
		mapDomainError(c, s.logger, err)
		return
	}
	if err := s.queue.Enqueue(ctx, run); err != nil {
		// The run record must not linger as pending when admission failed.
		// pending -> cancelled is the only legal settlement here.
		if _, ferr := s.repo.FinishRun(ctx, run.ID, models.RunStatusCancelled, "", nil); ferr != nil {
			s.logger.Error("rejected run not settled", "run_id", run.ID, "error", ferr)
		}
		mapDomainError(c, s.logger, err)
		return
	}

	c.JSON(http.StatusCreated, CreateRunResponse{
		RunID:     run.ID,
		Status:    run.Status,
		CreatedAt: run.CreatedAt,
	})
}

// GetRun returns a run visible to the caller's scope.
func (s *Server) GetRun(c *gin.Context) {
	run, err := s.repo.GetRunInScope(c.Request.Context(), scopeFrom(c), c.Param("id"))
	if err != nil {
		mapDomainError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// CancelRun cancels a pending, running, waiting, or suspended run.
func (s *Server) CancelRun(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := s.repo.GetRunInScope(ctx, scopeFrom(c), c.Param("id"))
	if err != nil {
		mapDomainError(c, s.logger, err)
		return
	}
	if run.Status.IsTerminal() {
		writeError(c, http.StatusBadRequest, "RUN_ALREADY_FINISHED", "Run is already in a terminal state")
		return
	}

	// Pending, running, and waiting runs are tracked by the queue; suspended
	// ones are parked in the repository only, so the API settles them itself.
	if !s.queue.Cancel(ctx, run.ID) {
		if _, err := s.repo.FinishRun(ctx, run.ID, models.RunStatusCancelled, "", nil); err != nil {
			mapDomainError(c, s.logger, err)
			return
		}
		event := models.NewEvent(run.SessionKey, run.ID, models.EventRunCancelled,
			models.PayloadMap(models.RunLifecyclePayload{Status: string(models.RunStatusCancelled)}))
		if err := s.emitter.Emit(ctx, event); err != nil {
			s.logger.Warn("cancel event emission failed", "run_id", run.ID, "error", err)
		}
		// Same fan-in notification the queue's settle path gives: a cancelled
		// suspended child must still close its dependency, or its parent
		// stays suspended forever.
		if err := s.coordinator.OnChildTerminal(ctx, run.ID, models.RunStatusCancelled, "", nil); err != nil {
			s.logger.Error("fan-in notification failed", "run_id", run.ID, "error", err)
		}
	}
	c.JSON(http.StatusOK, CancelRunResponse{Success: true})
}

// ApproveRun resumes a run suspended on request_approval.
func (s *Server) ApproveRun(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := s.repo.GetRunInScope(ctx, scopeFrom(c), c.Param("id"))
	if err != nil {
		mapDomainError(c, s.logger, err)
		return
	}

	var req ApproveRunRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ToolCallID == "" {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "tool_call_id is required")
		return
	}
	if err := s.coordinator.ApproveRun(ctx, run.ID, req.ToolCallID); err != nil {
		mapDomainError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "run_id": run.ID})
}
