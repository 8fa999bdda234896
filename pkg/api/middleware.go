package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loomworks/loom/pkg/models"
)

const scopeContextKey = "scope"

// scopeMiddleware extracts the caller's scope from the x-org-id, x-user-id,
// and x-project-id headers. Org and user are mandatory.
func scopeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := models.Scope{
			OrgID:     c.GetHeader("x-org-id"),
			UserID:    c.GetHeader("x-user-id"),
			ProjectID: c.GetHeader("x-project-id"),
		}
		if err := scope.Validate(); err != nil {
			writeError(c, http.StatusBadRequest, "MISSING_SCOPE", err.Error())
			return
		}
		c.Set(scopeContextKey, scope)
		c.Next()
	}
}

func scopeFrom(c *gin.Context) models.Scope {
	scope, _ := c.MustGet(scopeContextKey).(models.Scope)
	return scope
}

// requestLogger logs one line per request. Streaming endpoints log on
// disconnect, which is the interesting moment anyway.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
