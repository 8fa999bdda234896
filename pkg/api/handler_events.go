package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loomworks/loom/pkg/events"
)

// ListRunEvents pages through a run's event log. Cursor tokens are opaque;
// llm.token events are excluded unless include_tokens=true.
func (s *Server) ListRunEvents(c *gin.Context) {
	run, err := s.repo.GetRunInScope(c.Request.Context(), scopeFrom(c), c.Param("id"))
	if err != nil {
		mapDomainError(c, s.logger, err)
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	includeTokens := c.Query("include_tokens") == "true"

	page, err := s.events.Log(run.SessionKey, run.ID).ReadPage(c.Query("cursor"), limit, includeTokens)
	if err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, page)
}

// StreamRun subscribes the caller to the run's live event stream over SSE.
// Reconnecting clients pass Last-Event-ID and re-page the event log for any
// gap; there is no in-memory replay.
func (s *Server) StreamRun(c *gin.Context) {
	run, err := s.repo.GetRunInScope(c.Request.Context(), scopeFrom(c), c.Param("id"))
	if err != nil {
		mapDomainError(c, s.logger, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientID, done, err := s.stream.AddClient(run.ID, c.Writer, c.GetHeader("Last-Event-ID"))
	if err != nil {
		switch {
		case errors.Is(err, events.ErrTooManyClients):
			writeError(c, http.StatusTooManyRequests, "TOO_MANY_CLIENTS", "Run is at its subscriber limit")
		case errors.Is(err, events.ErrShuttingDown):
			writeError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down")
		default:
			mapDomainError(c, s.logger, err)
		}
		return
	}
	defer s.stream.RemoveClient(clientID)

	// A run that finished before the subscription gets its done frame here;
	// BroadcastDone already fired for it.
	if run.Status.IsTerminal() {
		_, _ = io.WriteString(c.Writer, "event: done\ndata: {}\n\n")
		c.Writer.Flush()
		return
	}

	select {
	case <-done:
	case <-c.Request.Context().Done():
	}
}
