package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
)

type seedRulesRequest struct {
	Tier string `json:"tier" binding:"required"`
}

func (s *Server) SeedRules(c *gin.Context) {
	var req seedRulesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	inserted, err := s.rules.SeedForTier(
		c.Request.Context(),
		ruledomain.TierLevel(strings.ToLower(strings.TrimSpace(req.Tier))),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"seeded": inserted})
}

func (s *Server) ClearRules(c *gin.Context) {
	if err := s.metering.ClearRulesAndTracking(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}
