package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relayd/pkg/models"
	"github.com/relaymesh/relayd/pkg/platform"
)

// The /worker/v1 group is what the fleet reports into: registration,
// heartbeats, platform events, session lifecycle acks, and control polling.

func (s *Server) workerRegister(c *gin.Context) {
	var req models.RegisterWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	worker, err := s.deps.Workers.Register(c.Request.Context(), &req)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, worker)
}

func (s *Server) workerHeartbeat(c *gin.Context) {
	var hb models.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	hb.Label = callingWorker(c).Label
	worker, err := s.deps.Workers.UpdateMetrics(c.Request.Context(), &hb)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, worker)
}

// workerEvents is the platform update intake. The response carries the
// flow-control verdict the worker obeys for the session's polling.
func (s *Server) workerEvents(c *gin.Context) {
	var event platform.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	if event.SessionID == "" {
		abortBadRequest(c, "session_id is required")
		return
	}
	verdict := s.deps.Pipeline.Submit(c.Request.Context(), event)
	c.JSON(http.StatusOK, gin.H{"flow": verdict})
}

func (s *Server) workerSessionStarted(c *gin.Context) {
	if err := s.deps.Scheduler.Activate(c.Request.Context(), c.Param("id")); err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

func (s *Server) workerSessionFailure(c *gin.Context) {
	var req struct {
		Kind    string `json:"kind"`
		Details string `json:"details,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	if req.Kind == "" {
		abortBadRequest(c, "kind is required")
		return
	}
	err := s.deps.Scheduler.HandleSessionFailure(c.Request.Context(), c.Param("id"), req.Kind, req.Details)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "crashed"})
}

func (s *Server) workerControls(c *gin.Context) {
	controls, err := s.deps.Workers.PollControls(c.Request.Context(), callingWorker(c).ID)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"controls": controls, "count": len(controls)})
}

func (s *Server) workerAckControl(c *gin.Context) {
	err := s.deps.Workers.AckControl(c.Request.Context(), callingWorker(c).ID, c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
