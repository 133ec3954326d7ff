package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relayd/pkg/models"
)

func (s *Server) listMappings(c *gin.Context) {
	mappings, err := s.deps.Mappings.List(c.Request.Context(), c.Query("user_id"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mappings": mappings, "count": len(mappings)})
}

func (s *Server) createMapping(c *gin.Context) {
	var req models.CreateMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	mapping, err := s.deps.Mappings.Create(c.Request.Context(), &req)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mapping)
}

func (s *Server) getMapping(c *gin.Context) {
	mapping, err := s.deps.Mappings.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, mapping)
}

func (s *Server) updateMapping(c *gin.Context) {
	var req models.UpdateMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	mapping, err := s.deps.Mappings.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, mapping)
}

func (s *Server) deleteMapping(c *gin.Context) {
	if err := s.deps.Mappings.Delete(c.Request.Context(), c.Param("id")); err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) toggleMapping(c *gin.Context) {
	mapping, err := s.deps.Mappings.Toggle(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, mapping)
}

// mappingRules lists the rules scoped to one mapping.
func (s *Server) mappingRules(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Mappings.Get(c.Request.Context(), id); err != nil {
		abortError(c, err)
		return
	}
	rules, err := s.deps.Rules.List(c.Request.Context(), "", id)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}
