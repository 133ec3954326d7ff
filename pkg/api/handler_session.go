package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relayd/pkg/models"
)

func (s *Server) listSessions(c *gin.Context) {
	filters := models.SessionFilters{
		UserID:   c.Query("user_id"),
		WorkerID: c.Query("worker_id"),
		Status:   models.SessionStatus(c.Query("status")),
	}
	if filters.Status != "" && !filters.Status.IsValid() {
		abortBadRequest(c, "unknown session status: "+string(filters.Status))
		return
	}
	sessions, err := s.deps.Sessions.List(c.Request.Context(), filters)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (s *Server) createSession(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	sess, err := s.deps.Sessions.Create(c.Request.Context(), &req)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.deps.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) updateSessionStatus(c *gin.Context) {
	var req struct {
		Status models.SessionStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	sess, err := s.deps.Sessions.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.deps.Sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// assignSession places a session on a worker. A queued placement is not an
// error: it answers 202 with the queue position.
func (s *Server) assignSession(c *gin.Context) {
	res, err := s.deps.Sessions.Assign(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	if !res.Assigned {
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) reassignSession(c *gin.Context) {
	res, err := s.deps.Sessions.Reassign(c.Request.Context(), c.Param("id"), c.Param("worker"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
