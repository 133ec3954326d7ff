package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaymesh/relayd/pkg/models"
)

func (s *Server) listRules(c *gin.Context) {
	rules, err := s.deps.Rules.List(c.Request.Context(), c.Query("user_id"), c.Query("mapping_id"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

func (s *Server) createRule(c *gin.Context) {
	var rule models.RegexRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	created, err := s.deps.Rules.Create(c.Request.Context(), &rule)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getRule(c *gin.Context) {
	rule, err := s.deps.Rules.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) updateRule(c *gin.Context) {
	var upd models.RegexRule
	if err := c.ShouldBindJSON(&upd); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	rule, err := s.deps.Rules.Update(c.Request.Context(), c.Param("id"), &upd)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) deleteRule(c *gin.Context) {
	if err := s.deps.Rules.Delete(c.Request.Context(), c.Param("id")); err != nil {
		abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// testRule dry-runs a rule against sample text.
func (s *Server) testRule(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortBadRequest(c, "invalid request body")
		return
	}
	result, err := s.deps.Rules.Test(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
