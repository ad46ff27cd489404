package system

import (
	"prism/internal/httpx"
	"prism/internal/monitor"

	"github.com/gin-gonic/gin"
)

// StatsSource produces a stats snapshot
type StatsSource interface {
	Snapshot() (*monitor.Snapshot, error)
}

// Handler handles system API requests
type Handler struct {
	stats StatsSource
}

// NewHandler creates a system handler
func NewHandler(stats StatsSource) *Handler {
	return &Handler{stats: stats}
}

// Stats handles GET /system/stats
func (h *Handler) Stats(c *gin.Context) {
	snapshot, err := h.stats.Snapshot()
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to collect stats", err))
		return
	}
	httpx.OK(c, snapshot)
}
