package api

import (
	"time"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/queue"
)

// CreateRunResponse acknowledges an accepted run.
type CreateRunResponse struct {
	RunID     string           `json:"run_id"`
	Status    models.RunStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// CancelRunResponse acknowledges a cancellation.
type CancelRunResponse struct {
	Success bool `json:"success"`
}

// SessionRunsResponse is one page of a session's runs.
type SessionRunsResponse struct {
	Runs  []*models.Run `json:"runs"`
	Total int           `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

// HealthResponse reports service liveness.
type HealthResponse struct {
	Status  string      `json:"status"`
	Version string      `json:"version"`
	Queue   queue.Stats `json:"queue"`
	Error   string      `json:"error,omitempty"`
}
