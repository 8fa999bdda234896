package api

import "github.com/loomworks/loom/pkg/models"

// CreateRunRequest is the body of POST /api/runs.
type CreateRunRequest struct {
	Input      string              `json:"input"`
	SessionKey string              `json:"session_key"`
	AgentID    string              `json:"agent_id"`
	Model      *models.ModelConfig `json:"model"`
}

// ApproveRunRequest is the body of POST /api/runs/:id/approve.
type ApproveRunRequest struct {
	ToolCallID string `json:"tool_call_id"`
}
