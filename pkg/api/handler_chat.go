package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relayd/pkg/models"
)

func (s *Server) listSources(c *gin.Context) {
	sources, err := s.deps.Chats.ListSources(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": sources, "count": len(sources)})
}

func (s *Server) createSource(c *gin.Context) {
	var req models.CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	source, err := s.deps.Chats.CreateSource(c.Request.Context(), &req)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, source)
}

func (s *Server) deleteSource(c *gin.Context) {
	if err := s.deps.Chats.DeleteSource(c.Request.Context(), c.Param("id")); err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listDestinations(c *gin.Context) {
	dests, err := s.deps.Chats.ListDestinations(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"destinations": dests, "count": len(dests)})
}

func (s *Server) createDestination(c *gin.Context) {
	var req models.CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	dest, err := s.deps.Chats.CreateDestination(c.Request.Context(), &req)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dest)
}

func (s *Server) deleteDestination(c *gin.Context) {
	if err := s.deps.Chats.DeleteDestination(c.Request.Context(), c.Param("id")); err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
