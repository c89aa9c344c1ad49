package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
)

type subscriptionEventRequest struct {
	EventType      string `json:"event_type" binding:"required"`
	UserID         string `json:"user_id" binding:"required"`
	SubscriptionID string `json:"subscription_id" binding:"required"`
	Tier           string `json:"tier" binding:"required"`
}

// HandleSubscriptionEvent consumes billing provider webhooks. Allocation is
// idempotent on subscription id, so redelivered events are safe.
func (s *Server) HandleSubscriptionEvent(c *gin.Context) {
	var req subscriptionEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.EventType)) {
	case "subscription.created", "subscription.renewed":
		batchID, err := s.credits.AllocateSubscriptionCredits(
			c.Request.Context(),
			req.UserID,
			req.SubscriptionID,
			ruledomain.TierLevel(strings.ToLower(strings.TrimSpace(req.Tier))),
		)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "allocated", "batch_id": batchID.String()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}
