// Package api exposes the runtime over HTTP: run submission, inspection,
// event paging, SSE streaming, cancellation, and approval. All run access is
// scoped; cross-scope reads are indistinguishable from not-found.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loomworks/loom/pkg/eventlog"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/queue"
	"github.com/loomworks/loom/pkg/storage"
	"github.com/loomworks/loom/pkg/version"
)

// Coordinator is the swarm surface the API needs: approval resumption, and
// fan-in notification for runs the API settles itself because the queue no
// longer tracks them. Implemented by the swarm coordinator.
type Coordinator interface {
	ApproveRun(ctx context.Context, runID, toolCallID string) error
	OnChildTerminal(ctx context.Context, childRunID string, status models.RunStatus, result string, errInfo *models.ErrorInfo) error
}

// Streamer is the SSE fan-out surface the stream handler needs.
type Streamer interface {
	AddClient(runID string, w io.Writer, lastEventID string) (string, <-chan struct{}, error)
	RemoveClient(clientID string)
}

// Emitter publishes events the API originates itself (cancellation of runs
// the queue no longer tracks).
type Emitter interface {
	Emit(ctx context.Context, event models.Event) error
}

// Server holds the handler dependencies.
type Server struct {
	repo        storage.RunRepository
	queue       *queue.RunQueue
	coordinator Coordinator
	events      *eventlog.Store
	stream      Streamer
	emitter     Emitter

	defaultAgentID string
	logger         *slog.Logger
}

// NewServer wires the API server. defaultAgentID is assigned to runs created
// without an explicit agent.
func NewServer(repo storage.RunRepository, q *queue.RunQueue, coordinator Coordinator, events *eventlog.Store, stream Streamer, emitter Emitter, defaultAgentID string) *Server {
	return &Server{
		repo:           repo,
		queue:          q,
		coordinator:    coordinator,
		events:         events,
		stream:         stream,
		emitter:        emitter,
		defaultAgentID: defaultAgentID,
		logger:         slog.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/api/health", s.Health)

	scoped := r.Group("/api", scopeMiddleware())
	scoped.POST("/runs", s.CreateRun)
	scoped.GET("/runs/:id", s.GetRun)
	scoped.GET("/runs/:id/events", s.ListRunEvents)
	scoped.GET("/runs/:id/stream", s.StreamRun)
	scoped.POST("/runs/:id/cancel", s.CancelRun)
	scoped.POST("/runs/:id/approve", s.ApproveRun)
	scoped.GET("/sessions/:key/runs", s.ListSessionRuns)
	return r
}

// Health reports store reachability and queue depth.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	stats := s.queue.Stats()
	if err := s.repo.Ping(ctx); err != nil {
		s.logger.Error("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, HealthResponse{
			Status:  "unhealthy",
			Version: version.Full(),
			Queue:   stats,
			Error:   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Version: version.Full(), Queue: stats})
}
