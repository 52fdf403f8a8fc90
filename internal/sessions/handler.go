package sessions

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/streamgrid/backend/pkg/response"
)

// Handler exposes session analytics over HTTP.
type Handler struct {
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(repo *Repository, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

// GetStreamAnalytics returns aggregated session stats for a stream.
func (h *Handler) GetStreamAnalytics(c *gin.Context) {
	agg, err := h.repo.GetAggregatesByStream(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("stream aggregates failed", zap.Error(err))
		response.Internal(c, "failed to load analytics")
		return
	}
	response.OK(c, agg)
}

// GetActiveSession returns the active session for a room, if any.
func (h *Handler) GetActiveSession(c *gin.Context) {
	s, err := h.repo.GetActiveByRoom(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("active session lookup failed", zap.Error(err))
		response.Internal(c, "failed to load session")
		return
	}
	if s == nil {
		response.NotFound(c, "no active session")
		return
	}
	response.OK(c, s)
}
