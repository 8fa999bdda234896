package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ListSessionRuns pages through a session's runs, newest first.
func (s *Server) ListSessionRuns(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit < 1 || limit > 100 {
		limit = 20
	}

	runs, total, err := s.repo.ListSessionRuns(c.Request.Context(), scopeFrom(c), c.Param("key"), page, limit)
	if err != nil {
		mapDomainError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, SessionRunsResponse{
		Runs:  runs,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}
