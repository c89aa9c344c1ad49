package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	eventdomain "github.com/smallbiznis/metergate/internal/event/domain"
	meteringdomain "github.com/smallbiznis/metergate/internal/metering/domain"
	ruledomain "github.com/smallbiznis/metergate/internal/rule/domain"
	"github.com/smallbiznis/metergate/internal/usercontext"
	"github.com/smallbiznis/metergate/pkg/db/pagination"
)

type checkUsageRequest struct {
	MetricType string `json:"metric_type" binding:"required"`
	Amount     int64  `json:"amount"`
	Feature    string `json:"feature"`
}

func (s *Server) CheckUsage(c *gin.Context) {
	identity, ok := usercontext.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req checkUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	amount := req.Amount
	if amount == 0 {
		amount = 1
	}

	decision, err := s.metering.CheckAndConsume(c.Request.Context(), meteringdomain.CheckRequest{
		UserID:  identity.UserID,
		Tier:    ruledomain.TierLevel(identity.Tier),
		Metric:  ruledomain.MetricType(req.MetricType),
		Amount:  amount,
		Feature: strings.TrimSpace(req.Feature),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	// A denial is a successful check: the verdict rides in the body.
	c.JSON(http.StatusOK, decision)
}

func (s *Server) GetSummary(c *gin.Context) {
	identity, ok := usercontext.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	summary, err := s.metering.GetSummary(c.Request.Context(), identity.UserID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type listEventsQuery struct {
	MetricType string `form:"metric_type"`
	Billable   *bool  `form:"billable"`
	From       string `form:"from"`
	To         string `form:"to"`

	pagination.Pagination
}

func (s *Server) ListEvents(c *gin.Context) {
	identity, ok := usercontext.FromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var query listEventsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	filter := eventdomain.ListFilter{
		UserID:     identity.UserID,
		MetricType: ruledomain.MetricType(query.MetricType),
		Billable:   query.Billable,
		Pagination: query.Pagination,
	}
	var parseErr error
	if filter.From, parseErr = parseTimeParam(query.From); parseErr != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if filter.To, parseErr = parseTimeParam(query.To); parseErr != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	events, pageInfo, err := s.events.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events":    events,
		"page_info": pageInfo,
	})
}

func parseTimeParam(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	parsed = parsed.UTC()
	return &parsed, nil
}
