package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relayd/pkg/models"
)

func (s *Server) listPending(c *gin.Context) {
	status := models.PendingStatus(c.Query("status"))
	msgs, err := s.deps.Pending.List(c.Request.Context(), c.Query("user_id"), status)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending_messages": msgs, "count": len(msgs)})
}

func (s *Server) approvePending(c *gin.Context) {
	by, ok := decidedBy(c)
	if !ok {
		return
	}
	msg, err := s.deps.Pending.Approve(c.Request.Context(), c.Param("id"), by)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) rejectPending(c *gin.Context) {
	by, ok := decidedBy(c)
	if !ok {
		return
	}
	msg, err := s.deps.Pending.Reject(c.Request.Context(), c.Param("id"), by)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// decidedBy reads the decision attribution from the request body.
func decidedBy(c *gin.Context) (string, bool) {
	var req struct {
		By string `json:"by"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid request body")
		return "", false
	}
	return req.By, true
}
