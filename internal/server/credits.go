package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/metergate/internal/credit/domain"
	"github.com/smallbiznis/metergate/internal/usercontext"
)

func (s *Server) GetCreditBalance(c *gin.Context) {
	identity, ok := usercontext.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	creditType := strings.TrimSpace(c.Query("credit_type"))
	if creditType == "" {
		balances, err := s.credits.Balances(c.Request.Context(), identity.UserID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balances": balances})
		return
	}

	balance, err := s.credits.Balance(c.Request.Context(), identity.UserID, creditdomain.CreditType(creditType))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

type grantPromotionalRequest struct {
	UserID     string     `json:"user_id" binding:"required"`
	CreditType string     `json:"credit_type" binding:"required"`
	Amount     int64      `json:"amount" binding:"required"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

func (s *Server) GrantPromotionalCredits(c *gin.Context) {
	var req grantPromotionalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	batchID, err := s.credits.GrantPromotionalCredits(
		c.Request.Context(),
		req.UserID,
		creditdomain.CreditType(req.CreditType),
		req.Amount,
		req.ExpiresAt,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"batch_id": batchID.String()})
}

type transferRequest struct {
	ToUserID   string `json:"to_user_id" binding:"required"`
	CreditType string `json:"credit_type" binding:"required"`
	Amount     int64  `json:"amount" binding:"required"`
}

func (s *Server) TransferCredits(c *gin.Context) {
	identity, ok := usercontext.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err := s.credits.Transfer(
		c.Request.Context(),
		identity.UserID,
		req.ToUserID,
		creditdomain.CreditType(req.CreditType),
		req.Amount,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "transferred"})
}
