package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// StatsSource contributes one named section to the stats document.
type StatsSource func() any

type StatsHandler struct {
	startTime time.Time
	sources   map[string]StatsSource
}

func NewStatsHandler(sources map[string]StatsSource) *StatsHandler {
	return &StatsHandler{
		startTime: time.Now(),
		sources:   sources,
	}
}

func (h *StatsHandler) GetStats(c *gin.Context) {
	stats := gin.H{
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	}
	for name, source := range h.sources {
		stats[name] = source()
	}
	c.JSON(http.StatusOK, stats)
}
