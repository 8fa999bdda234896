package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loomworks/loom/pkg/queue"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/swarm"
)

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the machine-readable code and a human message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

// mapDomainError translates storage/queue/swarm errors into HTTP responses.
// Unexpected errors are logged server-side and surfaced as an opaque 500.
func mapDomainError(c *gin.Context, logger *slog.Logger, err error) {
	var invalid *storage.InvalidTransitionError

	switch {
	case errors.Is(err, storage.ErrRunNotFound):
		writeError(c, http.StatusNotFound, "RUN_NOT_FOUND", "Run not found")
	case errors.Is(err, storage.ErrRunTerminal):
		writeError(c, http.StatusBadRequest, "RUN_ALREADY_FINISHED", "Run is already in a terminal state")
	case errors.As(err, &invalid):
		writeError(c, http.StatusBadRequest, "INVALID_TRANSITION", invalid.Error())
	case errors.Is(err, storage.ErrMaxDepthExceeded):
		writeError(c, http.StatusBadRequest, "MAX_DEPTH_EXCEEDED", err.Error())
	case errors.Is(err, queue.ErrQueueFull):
		writeError(c, http.StatusTooManyRequests, "QUEUE_FULL", "Queue is full, retry later")
	case errors.Is(err, swarm.ErrNotSuspended):
		writeError(c, http.StatusBadRequest, "RUN_NOT_SUSPENDED", "Run is not awaiting approval")
	default:
		logger.Error("unhandled error", "path", c.FullPath(), "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL", "Internal server error")
	}
}
