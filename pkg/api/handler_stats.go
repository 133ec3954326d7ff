package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/services"
)

func (s *Server) statistics(c *gin.Context) {
	period := c.DefaultQuery("period", services.PeriodTotal)
	stats, err := s.deps.Stats.Summary(c.Request.Context(), period)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) forwardingLogs(c *gin.Context) {
	filters := services.LogFilters{
		Status:    models.LogStatus(c.Query("status")),
		MappingID: c.Query("mapping_id"),
	}
	var ok bool
	if filters.Limit, ok = intQuery(c, "limit"); !ok {
		return
	}
	if filters.Offset, ok = intQuery(c, "offset"); !ok {
		return
	}
	logs, err := s.deps.Logs.List(c.Request.Context(), filters)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}

func intQuery(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		abortBadRequest(c, name+" must be an integer")
		return 0, false
	}
	return v, true
}
