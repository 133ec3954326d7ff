package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relayd/pkg/models"
)

func (s *Server) listWorkers(c *gin.Context) {
	workers, err := s.deps.Workers.List(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

func (s *Server) registerWorker(c *gin.Context) {
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

func (s *Server) availableWorkers(c *gin.Context) {
	workers, err := s.deps.Workers.Available(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers, "count": len(workers)})
}

func (s *Server) systemStatus(c *gin.Context) {
	status, err := s.deps.Workers.SystemStatus(c.Request.Context())
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) getWorker(c *gin.Context) {
	worker, err := s.deps.Workers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, worker)
}

func (s *Server) updateWorkerMetrics(c *gin.Context) {
	var hb models.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	target, err := s.deps.Workers.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	hb.Label = target.Label
	worker, err := s.deps.Workers.UpdateMetrics(c.Request.Context(), &hb)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, worker)
}

func (s *Server) setWorkerDraining(c *gin.Context) {
	var req struct {
		Draining bool `json:"draining"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	worker, err := s.deps.Workers.SetDraining(c.Request.Context(), c.Param("id"), req.Draining)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, worker)
}
